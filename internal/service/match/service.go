// Package match owns the presence directory and the matching coordinator:
// who is waiting, who is available, and who wins a claim.
package match

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

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

// Mirror reflects presence changes into a shared store, best-effort
type Mirror interface {
	ResponderAvailable(ctx context.Context, responderID string) error
	ResponderGone(ctx context.Context, responderID string) error
	SeekerWaiting(ctx context.Context, seekerID string) error
	SeekerGone(ctx context.Context, seekerID string) error
}

// Starter creates (or resumes) the session for a winning claim and reports
// existing membership so matched users cannot re-enter the queue
type Starter interface {
	Start(ctx context.Context, seeker, responder domain.Identity) (*domain.Session, error)
	ActiveOf(userID string) (*domain.Session, bool)
}

// Service is the authoritative view of waiting seekers and available
// responders. One mutex serializes claims: it is the single point where a
// WaitingSeeker can be consumed, so exactly one claimant ever wins.
type Service struct {
	sender   Sender
	mirror   Mirror
	sessions Starter
	metrics  *metrics.Metrics

	mu        sync.Mutex
	waiting   map[string]*domain.WaitingSeeker // by seeker id
	available map[string]domain.Identity       // by responder id
}

// NewService creates the matching service. mirror may be nil when no shared
// store is configured.
func NewService(sender Sender, sessions Starter, mirror Mirror, m *metrics.Metrics) *Service {
	return &Service{
		sender:    sender,
		mirror:    mirror,
		sessions:  sessions,
		metrics:   m,
		waiting:   make(map[string]*domain.WaitingSeeker),
		available: make(map[string]domain.Identity),
	}
}

// AnnounceWaiting upserts the seeker's waiting entry and broadcasts it to the
// available pool. Re-announcing supersedes the prior entry, never duplicates.
func (s *Service) AnnounceWaiting(ctx context.Context, seeker domain.Identity, kind domain.RequestKind, note string) {
	// A matched seeker has no business back in the queue until the session ends
	if sess, ok := s.sessions.ActiveOf(seeker.ID); ok {
		logger.Debug("waiting announce rejected, seeker already matched",
			zap.String("seeker_id", seeker.ID),
			zap.String("session_id", sess.SessionID))
		s.send(seeker.ID, &protocol.Error{
			Type:    protocol.EventError,
			Code:    string(apperrors.ErrCodeConflict),
			Message: "already in an active session",
		})
		return
	}

	entry := &domain.WaitingSeeker{
		SeekerID:   seeker.ID,
		SeekerName: seeker.DisplayName,
		Kind:       kind,
		Note:       note,
		QueuedAt:   time.Now(),
	}

	s.mu.Lock()
	if _, exists := s.waiting[seeker.ID]; exists {
		s.metrics.WaitingSuperseded.Inc()
	} else {
		s.metrics.SeekersWaiting.Inc()
	}
	s.waiting[seeker.ID] = entry
	pool := s.availableIDs()
	s.mu.Unlock()

	s.mirrorSeekerWaiting(ctx, seeker.ID)

	if len(pool) == 0 {
		// Nobody to show the card to; the seeker keeps waiting
		s.send(seeker.ID, &protocol.SeekerQueued{Type: protocol.EventSeekerQueued})
		return
	}

	incoming := incomingFromEntry(entry)
	for _, responderID := range pool {
		s.send(responderID, incoming)
	}
	logger.Debug("waiting seeker announced",
		zap.String("seeker_id", seeker.ID),
		zap.String("kind", string(kind)),
		zap.Int("responders_notified", len(pool)))
}

// CancelWaiting withdraws a seeker's request. Safe to call when not waiting.
func (s *Service) CancelWaiting(ctx context.Context, seekerID string) {
	s.mu.Lock()
	_, existed := s.waiting[seekerID]
	delete(s.waiting, seekerID)
	if existed {
		s.metrics.SeekersWaiting.Dec()
		s.metrics.SeekerCancels.Inc()
	}
	s.mu.Unlock()

	if existed {
		s.mirrorSeekerGone(ctx, seekerID)
	}
}

// AnnounceAvailable adds a responder to the available pool and replays the
// current waiting backlog to it, so a responder who arrives after seekers
// queued still sees them.
func (s *Service) AnnounceAvailable(ctx context.Context, responder domain.Identity) {
	s.mu.Lock()
	if _, exists := s.available[responder.ID]; !exists {
		s.metrics.RespondersAvailable.Inc()
	}
	s.available[responder.ID] = responder
	backlog := make([]*domain.WaitingSeeker, 0, len(s.waiting))
	for _, entry := range s.waiting {
		backlog = append(backlog, entry)
	}
	s.mu.Unlock()

	s.mirrorResponderAvailable(ctx, responder.ID)

	for _, entry := range backlog {
		s.send(responder.ID, incomingFromEntry(entry))
	}
}

// AnnounceUnavailable removes a responder from the pool. Safe when absent.
func (s *Service) AnnounceUnavailable(ctx context.Context, responderID string) {
	s.mu.Lock()
	_, existed := s.available[responderID]
	delete(s.available, responderID)
	if existed {
		s.metrics.RespondersAvailable.Dec()
	}
	s.mu.Unlock()

	if existed {
		s.mirrorResponderGone(ctx, responderID)
	}
}

// Claim resolves a responder's attempt to take a waiting seeker. First
// accepted claim wins; every other claimant gets a non-error "claimed by
// someone else" outcome and stays in the available pool. A seeker superseded
// by a race is never shown an error.
func (s *Service) Claim(ctx context.Context, seekerID string, responder domain.Identity) {
	s.mu.Lock()
	entry, ok := s.waiting[seekerID]
	if !ok {
		// Already claimed, cancelled, or disconnected. Same outcome either
		// way: the claimant returns to the pool and moves on.
		s.mu.Unlock()
		s.metrics.ClaimsLostTotal.Inc()
		s.send(responder.ID, &protocol.RequestClaimed{Type: protocol.EventRequestClaimed, SeekerID: seekerID})
		return
	}

	// Winning path: consume the entry while still holding the lock so no
	// second session can ever be created from it.
	delete(s.waiting, seekerID)
	s.metrics.SeekersWaiting.Dec()
	_, wasAvailable := s.available[responder.ID]
	delete(s.available, responder.ID)
	if wasAvailable {
		s.metrics.RespondersAvailable.Dec()
	}
	losers := s.availableIDs()
	s.mu.Unlock()

	s.mirrorSeekerGone(ctx, seekerID)
	s.mirrorResponderGone(ctx, responder.ID)

	seeker := domain.Identity{ID: entry.SeekerID, Role: domain.RoleSeeker, DisplayName: entry.SeekerName}
	sess, err := s.sessions.Start(ctx, seeker, responder)
	if err != nil {
		// Revert to the pre-claim state: seeker back to waiting, responder
		// back to available, claimant told to retry later.
		logger.Error("session start failed, reverting claim",
			zap.String("seeker_id", seekerID),
			zap.String("responder_id", responder.ID),
			zap.Error(err))
		s.mu.Lock()
		if _, exists := s.waiting[seekerID]; !exists {
			s.waiting[seekerID] = entry
			s.metrics.SeekersWaiting.Inc()
		}
		if wasAvailable {
			if _, exists := s.available[responder.ID]; !exists {
				s.available[responder.ID] = responder
				s.metrics.RespondersAvailable.Inc()
			}
		}
		s.mu.Unlock()
		s.mirrorSeekerWaiting(ctx, seekerID)
		if wasAvailable {
			s.mirrorResponderAvailable(ctx, responder.ID)
		}
		s.send(responder.ID, &protocol.Error{
			Type:    protocol.EventError,
			Code:    "SESSION_START_FAILED",
			Message: "could not start session, seeker returned to queue",
		})
		return
	}

	s.metrics.MatchesTotal.Inc()

	// Exactly one session:started each
	s.send(sess.SeekerID, &protocol.SessionStarted{
		Type:        protocol.EventSessionStarted,
		SessionID:   sess.SessionID,
		SeekerID:    sess.SeekerID,
		ResponderID: sess.ResponderID,
		Counterpart: responder.DisplayName,
		CreatedAt:   sess.CreatedAt,
	})
	s.send(sess.ResponderID, &protocol.SessionStarted{
		Type:        protocol.EventSessionStarted,
		SessionID:   sess.SessionID,
		SeekerID:    sess.SeekerID,
		ResponderID: sess.ResponderID,
		Counterpart: entry.SeekerName,
		CreatedAt:   sess.CreatedAt,
	})

	// Clear the card for everyone still in the pool
	claimed := &protocol.RequestClaimed{Type: protocol.EventRequestClaimed, SeekerID: seekerID}
	for _, responderID := range losers {
		s.send(responderID, claimed)
	}

	logger.Info("seeker matched",
		zap.String("seeker_id", sess.SeekerID),
		zap.String("responder_id", sess.ResponderID),
		zap.String("session_id", sess.SessionID))
}

// HandleDisconnect reverts presence state for a dropped connection: a waiting
// seeker's entry is removed so no further claim can succeed on it, an
// available responder is simply removed.
func (s *Service) HandleDisconnect(ctx context.Context, identity domain.Identity) {
	switch identity.Role {
	case domain.RoleSeeker:
		s.CancelWaiting(ctx, identity.ID)
	case domain.RoleResponder:
		s.AnnounceUnavailable(ctx, identity.ID)
	}
}

// Counts returns the in-memory pool sizes for the ops surface
func (s *Service) Counts() (waiting, available int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting), len(s.available)
}

// availableIDs must be called with s.mu held
func (s *Service) availableIDs() []string {
	ids := make([]string, 0, len(s.available))
	for id := range s.available {
		ids = append(ids, id)
	}
	return ids
}

func incomingFromEntry(entry *domain.WaitingSeeker) *protocol.SeekerIncoming {
	return &protocol.SeekerIncoming{
		Type:        protocol.EventSeekerIncoming,
		SeekerID:    entry.SeekerID,
		SeekerName:  entry.SeekerName,
		RequestKind: string(entry.Kind),
		Note:        entry.Note,
		QueuedAt:    entry.QueuedAt,
	}
}

// send delivers best-effort; an unreachable peer here is not an error worth
// surfacing, the disconnect path already cleans up
func (s *Service) send(userID string, message any) {
	if err := s.sender.Send(userID, message); err != nil {
		logger.Debug("presence notification not delivered",
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

func (s *Service) mirrorSeekerWaiting(ctx context.Context, seekerID string) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.SeekerWaiting(ctx, seekerID); err != nil {
		logger.Debug("presence mirror write failed", zap.Error(err))
	}
}

func (s *Service) mirrorSeekerGone(ctx context.Context, seekerID string) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.SeekerGone(ctx, seekerID); err != nil {
		logger.Debug("presence mirror write failed", zap.Error(err))
	}
}

func (s *Service) mirrorResponderAvailable(ctx context.Context, responderID string) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.ResponderAvailable(ctx, responderID); err != nil {
		logger.Debug("presence mirror write failed", zap.Error(err))
	}
}

func (s *Service) mirrorResponderGone(ctx context.Context, responderID string) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.ResponderGone(ctx, responderID); err != nil {
		logger.Debug("presence mirror write failed", zap.Error(err))
	}
}
