// Package session owns the lifecycle of matched sessions.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"heartline/internal/conversations"
	"heartline/internal/domain"
	apperrors "heartline/pkg/errors"
	"heartline/pkg/logger"
	"heartline/pkg/metrics"
	"heartline/pkg/protocol"
)

// Sender pushes a message to one connected identity
type Sender interface {
	Send(userID string, message any) error
}

type pairKey struct {
	seekerID    string
	responderID string
}

// maxEndedRetained bounds how many Ended sessions stay resident. Recent
// ended sessions are kept so stale frames can still be attributed and
// dropped; beyond the cap the oldest are evicted.
const maxEndedRetained = 256

// Service is the session registry. Sessions stay in memory: matching state
// resets on restart and the conversation directory keeps the durable record.
type Service struct {
	sender    Sender
	directory conversations.Directory
	metrics   *metrics.Metrics

	mu           sync.Mutex
	sessions     map[string]*domain.Session
	activeByPair map[pairKey]string
	activeByUser map[string]string
	ended        []string
}

// NewService creates the session registry. directory may be nil when no
// conversation API is configured; session ids are then generated locally.
func NewService(sender Sender, directory conversations.Directory, m *metrics.Metrics) *Service {
	return &Service{
		sender:       sender,
		directory:    directory,
		metrics:      m,
		sessions:     make(map[string]*domain.Session),
		activeByPair: make(map[pairKey]string),
		activeByUser: make(map[string]string),
	}
}

// Start creates an Active session for the pair, or returns the existing one
// when the pair already has an Active session. Resolving the durable
// conversation id happens outside the lock; if the directory cannot be
// reached a locally generated id keeps the session usable.
func (s *Service) Start(ctx context.Context, seeker, responder domain.Identity) (*domain.Session, error) {
	key := pairKey{seekerID: seeker.ID, responderID: responder.ID}

	s.mu.Lock()
	if id, ok := s.activeByPair[key]; ok {
		existing := s.sessions[id]
		s.mu.Unlock()
		return existing, nil
	}
	if err := s.membersFreeLocked(seeker.ID, responder.ID); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	sessionID := s.resolveSessionID(ctx, seeker.ID, responder.ID)

	s.mu.Lock()
	defer s.mu.Unlock()

	// A concurrent Start for the same pair may have won the directory round trip
	if id, ok := s.activeByPair[key]; ok {
		return s.sessions[id], nil
	}
	if err := s.membersFreeLocked(seeker.ID, responder.ID); err != nil {
		return nil, err
	}

	sess := &domain.Session{
		SessionID:   sessionID,
		SeekerID:    seeker.ID,
		ResponderID: responder.ID,
		State:       domain.SessionActive,
		CreatedAt:   time.Now(),
	}
	s.sessions[sessionID] = sess
	s.activeByPair[key] = sessionID
	s.activeByUser[seeker.ID] = sessionID
	s.activeByUser[responder.ID] = sessionID

	s.metrics.SessionsTotal.Inc()
	s.metrics.SessionsActive.Inc()

	logger.Info("session started",
		zap.String("session_id", sessionID),
		zap.String("seeker_id", seeker.ID),
		zap.String("responder_id", responder.ID))
	return sess, nil
}

// membersFreeLocked refuses a start while either member already holds an
// Active session with someone else. One Active session per identity; the
// existing session must end before a new one can start.
func (s *Service) membersFreeLocked(userIDs ...string) error {
	for _, id := range userIDs {
		if existing, ok := s.activeByUser[id]; ok {
			return apperrors.ConflictError("user " + id + " already has active session " + existing)
		}
	}
	return nil
}

// End transitions the session to Ended and notifies both members. The second
// call is a no-op: same terminal state, no duplicate notifications.
func (s *Service) End(ctx context.Context, sessionID, endedBy string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return apperrors.SessionNotFoundError()
	}
	if sess.State == domain.SessionEnded {
		s.mu.Unlock()
		return nil
	}

	now := time.Now()
	sess.State = domain.SessionEnded
	sess.EndedAt = &now
	sess.EndedBy = endedBy
	delete(s.activeByPair, pairKey{seekerID: sess.SeekerID, responderID: sess.ResponderID})
	if s.activeByUser[sess.SeekerID] == sessionID {
		delete(s.activeByUser, sess.SeekerID)
	}
	if s.activeByUser[sess.ResponderID] == sessionID {
		delete(s.activeByUser, sess.ResponderID)
	}
	s.retireLocked(sessionID)
	s.mu.Unlock()

	s.metrics.SessionsActive.Dec()

	ended := &protocol.SessionEnded{
		Type:      protocol.EventSessionEnded,
		SessionID: sessionID,
		EndedBy:   endedBy,
		EndedAt:   now,
	}
	for _, member := range []string{sess.SeekerID, sess.ResponderID} {
		if err := s.sender.Send(member, ended); err != nil {
			logger.Debug("session end notification not delivered",
				zap.String("session_id", sessionID),
				zap.String("user_id", member),
				zap.Error(err))
		}
	}

	// Report to the directory once the local close succeeded; history is
	// best-effort and never blocks the protocol
	if s.directory != nil {
		if err := s.directory.MarkEnded(ctx, sessionID, endedBy); err != nil {
			logger.Warn("failed to mark conversation ended",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}

	logger.Info("session ended",
		zap.String("session_id", sessionID),
		zap.String("ended_by", endedBy))
	return nil
}

// retireLocked queues an ended session for eviction and drops the oldest
// beyond the retention cap. An id is only deleted while its session is still
// Ended; the same pair may have started a fresh session under that id.
func (s *Service) retireLocked(sessionID string) {
	s.ended = append(s.ended, sessionID)
	for len(s.ended) > maxEndedRetained {
		oldest := s.ended[0]
		s.ended = s.ended[1:]
		if sess, ok := s.sessions[oldest]; ok && sess.State == domain.SessionEnded {
			delete(s.sessions, oldest)
		}
	}
}

// Get returns a session by id
func (s *Service) Get(sessionID string) (*domain.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	return sess, ok
}

// ActiveOf returns the Active session the user is a member of, if any
func (s *Service) ActiveOf(userID string) (*domain.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.activeByUser[userID]
	if !ok {
		return nil, false
	}
	return s.sessions[id], true
}

func (s *Service) resolveSessionID(ctx context.Context, seekerID, responderID string) string {
	if s.directory == nil {
		return uuid.New().String()
	}
	id, err := s.directory.FindOrCreate(ctx, seekerID, responderID)
	if err != nil {
		// Session continuity beats history fidelity: fall back to a local id
		logger.Warn("conversation directory unavailable, using local session id",
			zap.String("seeker_id", seekerID),
			zap.String("responder_id", responderID),
			zap.Error(err))
		return uuid.New().String()
	}
	return id
}
