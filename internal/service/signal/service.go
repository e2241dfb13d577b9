// Package signal relays the offer/answer/candidate exchange between the two
// members of a session and drives the server-side call state machine.
package signal

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"heartline/internal/domain"
	apperrors "heartline/pkg/errors"
	"heartline/pkg/logger"
	"heartline/pkg/metrics"
	"heartline/pkg/protocol"
)

// Sender pushes messages to one connected identity. SendRaw forwards a frame
// verbatim, which is how offer/answer/candidate payloads traverse the relay.
type Sender interface {
	Send(userID string, message any) error
	SendRaw(userID string, frame []byte) error
}

// SessionLookup resolves session membership
type SessionLookup interface {
	Get(sessionID string) (*domain.Session, bool)
}

// Service is the call signaling relay. All handling is independent per
// session; one mutex guards the state table and the short phase transitions,
// never a network write... except notification fan-out which happens after
// the transition is committed.
type Service struct {
	sender      Sender
	sessions    SessionLookup
	metrics     *metrics.Metrics
	ringTimeout time.Duration

	mu      sync.Mutex
	calls   map[string]*domain.CallState // by session id
	timers  map[string]*time.Timer
	retired []string
}

// maxRetiredCalls bounds how many terminal call states stay resident. Recent
// terminals absorb duplicate end/accept frames; the oldest are evicted once
// the cap is exceeded.
const maxRetiredCalls = 256

// NewService creates the relay
func NewService(sender Sender, sessions SessionLookup, m *metrics.Metrics, ringTimeout time.Duration) *Service {
	return &Service{
		sender:      sender,
		sessions:    sessions,
		metrics:     m,
		ringTimeout: ringTimeout,
		calls:       make(map[string]*domain.CallState),
		timers:      make(map[string]*time.Timer),
	}
}

// Initiate starts the handshake: call:incoming to the callee, call:ringing to
// the caller. A duplicate initiate while already ringing just re-acks. An
// unreachable callee resolves to a terminal outcome, never a pending state.
func (s *Service) Initiate(sessionID, callerID, calleeID, callerName string) error {
	sess, ok := s.sessions.Get(sessionID)
	if !ok || !sess.HasMember(callerID) || !sess.HasMember(calleeID) {
		return apperrors.SessionNotFoundError()
	}
	if sess.State != domain.SessionActive {
		return apperrors.SessionNotFoundError()
	}

	s.mu.Lock()
	if existing, ok := s.calls[sessionID]; ok && !existing.Phase.Terminal() {
		if existing.InitiatorID == callerID {
			// Duplicate initiate; absorb and re-confirm ringing
			s.mu.Unlock()
			s.send(callerID, &protocol.CallRinging{Type: protocol.EventCallRinging, SessionID: sessionID})
			return nil
		}
		s.mu.Unlock()
		return apperrors.ConflictError("a call is already in progress for this session")
	}
	// Ringing from the moment the state exists: the callee's accept may land
	// before Initiate even returns, and it must find an acceptable phase.
	// A failed delivery below still terminates cleanly from Ringing.
	state := &domain.CallState{
		SessionID:   sessionID,
		Phase:       domain.CallRinging,
		InitiatorID: callerID,
		CalleeID:    calleeID,
		StartedAt:   time.Now(),
	}
	s.calls[sessionID] = state
	s.mu.Unlock()

	incoming := &protocol.CallInitiate{
		Type:       protocol.EventCallIncoming,
		SessionID:  sessionID,
		CallerID:   callerID,
		CalleeID:   calleeID,
		CallerName: callerName,
	}
	if err := s.sender.Send(calleeID, incoming); err != nil {
		// Callee gone: terminal immediately, the caller is never left pending
		s.metrics.CallsTotal.WithLabelValues("callee-unreachable").Inc()
		s.terminate(sessionID, domain.CallFailed, callerID, protocol.ReasonPeerGone, []string{callerID})
		return nil
	}

	s.armRingTimer(sessionID)
	s.metrics.CallsTotal.WithLabelValues("initiated").Inc()
	s.send(callerID, &protocol.CallRinging{Type: protocol.EventCallRinging, SessionID: sessionID})

	logger.Info("call initiated",
		zap.String("session_id", sessionID),
		zap.String("caller_id", callerID),
		zap.String("callee_id", calleeID))
	return nil
}

// Accept answers a ringing call; both members get call:active and media
// negotiation starts on receipt.
func (s *Service) Accept(sessionID, userID string) error {
	s.mu.Lock()
	state, ok := s.calls[sessionID]
	if !ok {
		s.mu.Unlock()
		return apperrors.CallNotFoundError()
	}
	if state.Phase.Terminal() {
		// Accept raced a hangup or timeout; the terminal notification
		// already went out, nothing to do
		s.mu.Unlock()
		return nil
	}
	if !domain.CanTransition(state.Phase, domain.CallActive) {
		s.mu.Unlock()
		return apperrors.ConflictError("call is not ringing")
	}
	now := time.Now()
	state.Phase = domain.CallActive
	state.AcceptedAt = &now
	s.disarmRingTimerLocked(sessionID)
	members := []string{state.InitiatorID, state.CalleeID}
	s.mu.Unlock()

	s.metrics.CallsActive.Inc()

	active := &protocol.CallActive{
		Type:       protocol.EventCallActive,
		SessionID:  sessionID,
		AcceptedAt: now,
	}
	for _, member := range members {
		s.send(member, active)
	}

	logger.Info("call accepted",
		zap.String("session_id", sessionID),
		zap.String("accepted_by", userID))
	return nil
}

// Reject declines before acceptance. Rejection is its own terminal reason,
// distinct from failure and normal end.
func (s *Service) Reject(sessionID, userID, reason string) error {
	if reason == "" {
		reason = protocol.ReasonRejected
	}

	s.mu.Lock()
	state, ok := s.calls[sessionID]
	if !ok {
		s.mu.Unlock()
		return apperrors.CallNotFoundError()
	}
	if state.Phase.Terminal() {
		s.mu.Unlock()
		return nil
	}
	wasActive := state.Phase == domain.CallActive
	state.Phase = domain.CallRejected
	s.disarmRingTimerLocked(sessionID)
	s.retireLocked(sessionID)
	members := []string{state.InitiatorID, state.CalleeID}
	s.mu.Unlock()

	if wasActive {
		s.metrics.CallsActive.Dec()
	}
	s.metrics.CallsEndedTotal.WithLabelValues(protocol.ReasonRejected).Inc()

	rejected := &protocol.CallRejected{
		Type:       protocol.EventCallRejected,
		SessionID:  sessionID,
		RejectedBy: userID,
		Reason:     reason,
	}
	for _, member := range members {
		s.send(member, rejected)
	}
	return nil
}

// End terminates a call. Duplicated or racing ends are absorbed: the first
// one notifies both members, every later one is a no-op.
func (s *Service) End(sessionID, userID string) error {
	s.mu.Lock()
	state, ok := s.calls[sessionID]
	if !ok || state.Phase.Terminal() {
		s.mu.Unlock()
		return nil
	}
	wasActive := state.Phase == domain.CallActive
	state.Phase = domain.CallEnded
	s.disarmRingTimerLocked(sessionID)
	s.retireLocked(sessionID)
	members := []string{state.InitiatorID, state.CalleeID}
	s.mu.Unlock()

	if wasActive {
		s.metrics.CallsActive.Dec()
	}
	s.metrics.CallsEndedTotal.WithLabelValues(protocol.ReasonHangup).Inc()

	ended := &protocol.CallEnded{
		Type:      protocol.EventCallEnded,
		SessionID: sessionID,
		EndedBy:   userID,
		EndedAt:   time.Now(),
		Reason:    protocol.ReasonHangup,
	}
	for _, member := range members {
		s.send(member, ended)
	}

	logger.Info("call ended",
		zap.String("session_id", sessionID),
		zap.String("ended_by", userID))
	return nil
}

// Relay forwards an offer, answer, or candidate frame verbatim to the other
// session member. Frames for terminal calls are stale and dropped silently;
// the counterpart correlates payloads by session id, never by arrival order.
func (s *Service) Relay(event, sessionID, senderID string, frame []byte) error {
	sess, ok := s.sessions.Get(sessionID)
	if !ok || !sess.HasMember(senderID) {
		return apperrors.SessionNotFoundError()
	}

	s.mu.Lock()
	state, ok := s.calls[sessionID]
	if !ok || state.Phase.Terminal() {
		s.mu.Unlock()
		logger.Debug("dropping stale signaling frame",
			zap.String("session_id", sessionID),
			zap.String("event", event))
		return nil
	}
	s.mu.Unlock()

	target := sess.Counterpart(senderID)
	if err := s.sender.SendRaw(target, frame); err != nil {
		// Counterpart vanished mid-negotiation: terminal for the sender too
		s.terminate(sessionID, domain.CallFailed, target, protocol.ReasonPeerGone, []string{senderID})
		return nil
	}
	s.metrics.SignalsRelayed.WithLabelValues(event).Inc()
	return nil
}

// HandleDisconnect fails any non-terminal call the user is part of; the
// remaining peer gets a terminal notification rather than silence.
func (s *Service) HandleDisconnect(userID string) {
	s.mu.Lock()
	var affected []*domain.CallState
	for _, state := range s.calls {
		if state.Phase.Terminal() {
			continue
		}
		if state.InitiatorID == userID || state.CalleeID == userID {
			affected = append(affected, state)
		}
	}
	s.mu.Unlock()

	for _, state := range affected {
		other := state.InitiatorID
		if other == userID {
			other = state.CalleeID
		}
		s.terminate(state.SessionID, domain.CallEnded, userID, protocol.ReasonPeerGone, []string{other})
	}
}

// CallState returns a copy of the current state for a session, if any
func (s *Service) CallState(sessionID string) (domain.CallState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.calls[sessionID]
	if !ok {
		return domain.CallState{}, false
	}
	return *state, true
}

// terminate moves a call to a terminal phase (if it is not already there) and
// notifies the given members once
func (s *Service) terminate(sessionID string, phase domain.CallPhase, by, reason string, notify []string) {
	s.mu.Lock()
	state, ok := s.calls[sessionID]
	if !ok || state.Phase.Terminal() {
		s.mu.Unlock()
		return
	}
	wasActive := state.Phase == domain.CallActive
	state.Phase = phase
	s.disarmRingTimerLocked(sessionID)
	s.retireLocked(sessionID)
	s.mu.Unlock()

	if wasActive {
		s.metrics.CallsActive.Dec()
	}
	s.metrics.CallsEndedTotal.WithLabelValues(reason).Inc()

	ended := &protocol.CallEnded{
		Type:      protocol.EventCallEnded,
		SessionID: sessionID,
		EndedBy:   by,
		EndedAt:   time.Now(),
		Reason:    reason,
	}
	for _, member := range notify {
		s.send(member, ended)
	}

	logger.Info("call terminated",
		zap.String("session_id", sessionID),
		zap.String("phase", string(phase)),
		zap.String("reason", reason))
}

// retireLocked queues a terminal call for eviction and drops the oldest
// beyond the retention cap. An id is only deleted while its entry is still
// terminal; the session may have initiated a fresh call under that id.
func (s *Service) retireLocked(sessionID string) {
	s.retired = append(s.retired, sessionID)
	for len(s.retired) > maxRetiredCalls {
		oldest := s.retired[0]
		s.retired = s.retired[1:]
		if state, ok := s.calls[oldest]; ok && state.Phase.Terminal() {
			delete(s.calls, oldest)
		}
	}
}

// armRingTimer expires a call stuck in Ringing; both members hear about it
// even if neither client's own timeout fires
func (s *Service) armRingTimer(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.calls[sessionID]
	if !ok {
		return
	}
	members := []string{state.InitiatorID, state.CalleeID}
	s.timers[sessionID] = time.AfterFunc(s.ringTimeout, func() {
		s.mu.Lock()
		current, ok := s.calls[sessionID]
		stillRinging := ok && current.Phase == domain.CallRinging
		s.mu.Unlock()
		if stillRinging {
			s.terminate(sessionID, domain.CallEnded, "", protocol.ReasonTimeout, members)
		}
	})
}

// disarmRingTimerLocked must be called with s.mu held
func (s *Service) disarmRingTimerLocked(sessionID string) {
	if t, ok := s.timers[sessionID]; ok {
		t.Stop()
		delete(s.timers, sessionID)
	}
}

func (s *Service) send(userID string, message any) {
	if err := s.sender.Send(userID, message); err != nil {
		logger.Debug("call notification not delivered",
			zap.String("user_id", userID),
			zap.Error(err))
	}
}
