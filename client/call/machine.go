// Package call implements the peer-side call state machine: a tagged phase
// enum driven by relay events, with ICE candidates buffered until the remote
// description exists. One Machine owns the device's peer connection for one
// call at a time; the previous call's resources must be fully released before
// a new one can start.
package call

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"heartline/internal/domain"
	"heartline/pkg/logger"
	"heartline/pkg/protocol"
)

// Sender writes one message to the relay; *socket.Client satisfies it
type Sender interface {
	Send(message any) error
}

// Peer is the media-side connection the machine drives. The pion-backed
// implementation lives in peer.go; tests substitute a fake.
type Peer interface {
	CreateOffer() (string, error)
	CreateAnswer() (string, error)
	SetRemoteOffer(sdp string) error
	SetRemoteAnswer(sdp string) error
	AddICECandidate(candidate []byte) error
	OnICECandidate(fn func(candidate []byte))
	OnFailure(fn func(reason string))
	SetMuted(muted bool) error
	Close() error
}

// PeerFactory acquires the device's media and peer connection. Called when a
// call goes active, not before, so the microphone is only held during a call.
type PeerFactory func() (Peer, error)

// PhaseListener observes phase changes; reason is set on terminal phases and
// distinguishes rejection, failure, and normal end
type PhaseListener func(sessionID string, phase domain.CallPhase, reason string)

// Machine is one device's call state
type Machine struct {
	send    Sender
	userID  string
	newPeer PeerFactory
	onPhase PhaseListener

	// RingTimeout bounds Initiating/Ringing/Incoming; past it the machine
	// reaches a terminal phase even absent a relay message
	RingTimeout time.Duration

	mu         sync.Mutex
	sessionID  string
	remoteID   string
	phase      domain.CallPhase
	initiator  bool
	peer       Peer
	remoteSet  bool
	pendingICE [][]byte // arrival order, drained once the remote description is set
	ringTimer  *time.Timer

	// Phase notifications are queued under mu and drained by a single
	// goroutine at a time, so the listener observes phases in commit order
	// even when transitions race.
	notes     []phaseNote
	notifying bool
}

type phaseNote struct {
	sessionID string
	phase     domain.CallPhase
	reason    string
}

// NewMachine creates an idle machine. onPhase may be nil.
func NewMachine(send Sender, userID string, newPeer PeerFactory, onPhase PhaseListener) *Machine {
	return &Machine{
		send:        send,
		userID:      userID,
		newPeer:     newPeer,
		onPhase:     onPhase,
		RingTimeout: 35 * time.Second,
		phase:       domain.CallIdle,
	}
}

// Phase returns the current phase and its session
func (m *Machine) Phase() (string, domain.CallPhase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID, m.phase
}

// StartOutgoing begins a call to the session counterpart. Fails if the
// previous call's resources are not yet released.
func (m *Machine) StartOutgoing(sessionID, calleeID string) error {
	m.mu.Lock()
	if m.phase != domain.CallIdle && !m.phase.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("a call is already in progress")
	}
	if m.peer != nil {
		m.mu.Unlock()
		return fmt.Errorf("previous call not yet released")
	}
	m.reset(sessionID, calleeID, true)
	m.phase = domain.CallInitiating
	m.armRingTimerLocked(sessionID)
	m.queueNoteLocked(sessionID, domain.CallInitiating, "")
	m.mu.Unlock()
	m.flushNotes()

	if err := m.send.Send(&protocol.CallInitiate{
		Type:      protocol.EventCallInitiate,
		SessionID: sessionID,
		CallerID:  m.userID,
		CalleeID:  calleeID,
	}); err != nil {
		m.fail(sessionID, protocol.ReasonPeerGone)
		return err
	}
	return nil
}

// HandleIncoming reacts to a remote call intent. A device already in a call
// declines with a busy reason; delivery itself is never blocked.
func (m *Machine) HandleIncoming(msg *protocol.CallInitiate) {
	m.mu.Lock()
	if m.phase != domain.CallIdle && !m.phase.Terminal() {
		busy := m.sessionID != msg.SessionID
		m.mu.Unlock()
		if busy {
			m.sendBestEffort(&protocol.CallReject{
				Type:      protocol.EventCallReject,
				SessionID: msg.SessionID,
				CallerID:  msg.CallerID,
				CalleeID:  m.userID,
				Reason:    "busy",
			})
		}
		return
	}
	if m.peer != nil {
		// Resources from the previous call still held; cannot ring
		m.mu.Unlock()
		m.sendBestEffort(&protocol.CallReject{
			Type:      protocol.EventCallReject,
			SessionID: msg.SessionID,
			CallerID:  msg.CallerID,
			CalleeID:  m.userID,
			Reason:    "busy",
		})
		return
	}
	m.reset(msg.SessionID, msg.CallerID, false)
	m.phase = domain.CallIncoming
	m.armRingTimerLocked(msg.SessionID)
	m.queueNoteLocked(msg.SessionID, domain.CallIncoming, "")
	m.mu.Unlock()
	m.flushNotes()
}

// HandleRinging confirms the callee was notified
func (m *Machine) HandleRinging(sessionID string) {
	m.transition(sessionID, domain.CallRinging, "")
}

// Accept answers the incoming call; the Active transition arrives from the
// relay as call:active
func (m *Machine) Accept() error {
	m.mu.Lock()
	if m.phase != domain.CallIncoming {
		m.mu.Unlock()
		return fmt.Errorf("no incoming call to accept")
	}
	sessionID, remoteID := m.sessionID, m.remoteID
	m.mu.Unlock()

	return m.send.Send(&protocol.CallAccept{
		Type:      protocol.EventCallAccept,
		SessionID: sessionID,
		CallerID:  remoteID,
		CalleeID:  m.userID,
	})
}

// Reject declines the incoming call
func (m *Machine) Reject(reason string) error {
	m.mu.Lock()
	if m.phase != domain.CallIncoming {
		m.mu.Unlock()
		return fmt.Errorf("no incoming call to reject")
	}
	sessionID, remoteID := m.sessionID, m.remoteID
	m.mu.Unlock()

	err := m.send.Send(&protocol.CallReject{
		Type:      protocol.EventCallReject,
		SessionID: sessionID,
		CallerID:  remoteID,
		CalleeID:  m.userID,
		Reason:    reason,
	})
	// Local terminal state regardless of delivery
	m.terminal(sessionID, domain.CallRejected, protocol.ReasonRejected)
	return err
}

// HandleActive starts media negotiation: acquire the peer, wire trickle ICE,
// and (on the initiator) produce the offer. Callers show "connecting audio"
// until media flows; that detection is not this machine's concern.
func (m *Machine) HandleActive(msg *protocol.CallActive) {
	m.mu.Lock()
	if m.sessionID != msg.SessionID || !domain.CanTransition(m.phase, domain.CallActive) {
		m.mu.Unlock()
		return
	}
	m.phase = domain.CallActive
	m.disarmRingTimerLocked()
	sessionID := m.sessionID
	initiator := m.initiator
	m.queueNoteLocked(sessionID, domain.CallActive, "")
	m.mu.Unlock()
	m.flushNotes()

	peer, err := m.newPeer()
	if err != nil {
		logger.Warn("media acquisition failed", zap.Error(err))
		m.fail(sessionID, protocol.ReasonMediaFailed)
		m.sendBestEffort(&protocol.CallEnd{Type: protocol.EventCallEnd, SessionID: sessionID, UserID: m.userID})
		return
	}

	m.mu.Lock()
	if m.phase != domain.CallActive || m.sessionID != sessionID {
		// Terminated while acquiring media
		m.mu.Unlock()
		peer.Close()
		return
	}
	m.peer = peer
	m.mu.Unlock()

	peer.OnICECandidate(func(candidate []byte) {
		m.sendBestEffort(&protocol.Candidate{
			Type:      protocol.EventCandidate,
			SessionID: sessionID,
			Candidate: json.RawMessage(candidate),
		})
	})
	peer.OnFailure(func(reason string) {
		m.fail(sessionID, protocol.ReasonMediaFailed)
	})

	if initiator {
		offer, err := peer.CreateOffer()
		if err != nil {
			m.fail(sessionID, protocol.ReasonMediaFailed)
			return
		}
		m.sendBestEffort(&protocol.SDP{Type: protocol.EventOffer, SessionID: sessionID, SDP: offer})
	}
}

// HandleOffer sets the remote description, drains any early candidates in
// arrival order, and answers
func (m *Machine) HandleOffer(msg *protocol.SDP) {
	m.mu.Lock()
	if m.sessionID != msg.SessionID || m.phase != domain.CallActive || m.peer == nil {
		m.mu.Unlock()
		return
	}
	peer := m.peer
	if err := peer.SetRemoteOffer(msg.SDP); err != nil {
		m.mu.Unlock()
		logger.Warn("failed to set remote offer", zap.Error(err))
		m.fail(msg.SessionID, protocol.ReasonMediaFailed)
		return
	}
	m.remoteSet = true
	m.drainPendingLocked()
	m.mu.Unlock()

	answer, err := peer.CreateAnswer()
	if err != nil {
		m.fail(msg.SessionID, protocol.ReasonMediaFailed)
		return
	}
	m.sendBestEffort(&protocol.SDP{Type: protocol.EventAnswer, SessionID: msg.SessionID, SDP: answer})
}

// HandleAnswer completes the description exchange on the initiator
func (m *Machine) HandleAnswer(msg *protocol.SDP) {
	m.mu.Lock()
	if m.sessionID != msg.SessionID || m.phase != domain.CallActive || m.peer == nil {
		m.mu.Unlock()
		return
	}
	if err := m.peer.SetRemoteAnswer(msg.SDP); err != nil {
		m.mu.Unlock()
		logger.Warn("failed to set remote answer", zap.Error(err))
		m.fail(msg.SessionID, protocol.ReasonMediaFailed)
		return
	}
	m.remoteSet = true
	m.drainPendingLocked()
	m.mu.Unlock()
}

// HandleCandidate applies a candidate, or buffers it in arrival order when it
// beat the remote description. Early candidates are never discarded.
func (m *Machine) HandleCandidate(msg *protocol.Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionID != msg.SessionID || m.phase.Terminal() {
		return
	}
	if m.peer == nil || !m.remoteSet {
		m.pendingICE = append(m.pendingICE, []byte(msg.Candidate))
		return
	}
	if err := m.peer.AddICECandidate([]byte(msg.Candidate)); err != nil {
		logger.Debug("candidate rejected", zap.Error(err))
	}
}

// End hangs up locally. Safe to call twice, safe to race the remote end; the
// peer handle is released exactly once.
func (m *Machine) End() {
	m.mu.Lock()
	if m.phase == domain.CallIdle || m.phase.Terminal() {
		m.mu.Unlock()
		return
	}
	sessionID := m.sessionID
	m.mu.Unlock()

	m.sendBestEffort(&protocol.CallEnd{Type: protocol.EventCallEnd, SessionID: sessionID, UserID: m.userID})
	m.terminal(sessionID, domain.CallEnded, protocol.ReasonHangup)
}

// HandleRejected reacts to the remote decline
func (m *Machine) HandleRejected(msg *protocol.CallRejected) {
	m.terminal(msg.SessionID, domain.CallRejected, msg.Reason)
}

// HandleEnded reacts to the remote (or relay-timeout) end. Duplicates and
// ends racing a local hangup are absorbed.
func (m *Machine) HandleEnded(msg *protocol.CallEnded) {
	reason := msg.Reason
	if reason == "" {
		reason = protocol.ReasonHangup
	}
	m.terminal(msg.SessionID, domain.CallEnded, reason)
}

// SetMuted toggles the local microphone. Purely a device operation; nothing
// traverses the relay.
func (m *Machine) SetMuted(muted bool) error {
	m.mu.Lock()
	peer := m.peer
	m.mu.Unlock()
	if peer == nil {
		return fmt.Errorf("no active call")
	}
	return peer.SetMuted(muted)
}

// reset must be called with m.mu held
func (m *Machine) reset(sessionID, remoteID string, initiator bool) {
	m.sessionID = sessionID
	m.remoteID = remoteID
	m.initiator = initiator
	m.remoteSet = false
	m.pendingICE = nil
}

// drainPendingLocked applies buffered candidates in arrival order; must be
// called with m.mu held and the remote description set
func (m *Machine) drainPendingLocked() {
	for _, candidate := range m.pendingICE {
		if err := m.peer.AddICECandidate(candidate); err != nil {
			logger.Debug("buffered candidate rejected", zap.Error(err))
		}
	}
	m.pendingICE = nil
}

// transition applies a non-terminal phase change if the table allows it
func (m *Machine) transition(sessionID string, to domain.CallPhase, reason string) {
	m.mu.Lock()
	if m.sessionID != sessionID || !domain.CanTransition(m.phase, to) {
		m.mu.Unlock()
		return
	}
	m.phase = to
	m.queueNoteLocked(sessionID, to, reason)
	m.mu.Unlock()
	m.flushNotes()
}

// terminal moves to a terminal phase once and releases resources; later
// calls for the same session are no-ops
func (m *Machine) terminal(sessionID string, to domain.CallPhase, reason string) {
	m.mu.Lock()
	if m.sessionID != sessionID || m.phase.Terminal() || m.phase == domain.CallIdle {
		m.mu.Unlock()
		return
	}
	m.phase = to
	peer := m.peer
	m.peer = nil
	m.remoteSet = false
	m.pendingICE = nil
	m.disarmRingTimerLocked()
	m.queueNoteLocked(sessionID, to, reason)
	m.mu.Unlock()

	if peer != nil {
		if err := peer.Close(); err != nil {
			logger.Debug("peer close failed", zap.Error(err))
		}
	}
	m.flushNotes()
}

func (m *Machine) fail(sessionID string, reason string) {
	m.terminal(sessionID, domain.CallFailed, reason)
}

// armRingTimerLocked bounds the pre-Active phases; must be called with m.mu held
func (m *Machine) armRingTimerLocked(sessionID string) {
	m.disarmRingTimerLocked()
	m.ringTimer = time.AfterFunc(m.RingTimeout, func() {
		m.mu.Lock()
		stuck := m.sessionID == sessionID &&
			(m.phase == domain.CallInitiating || m.phase == domain.CallRinging || m.phase == domain.CallIncoming)
		m.mu.Unlock()
		if stuck {
			m.sendBestEffort(&protocol.CallEnd{Type: protocol.EventCallEnd, SessionID: sessionID, UserID: m.userID})
			m.fail(sessionID, protocol.ReasonTimeout)
		}
	})
}

// disarmRingTimerLocked must be called with m.mu held
func (m *Machine) disarmRingTimerLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

// queueNoteLocked records a committed phase change for the listener; must be
// called with m.mu held, before the lock that committed the change is released
func (m *Machine) queueNoteLocked(sessionID string, phase domain.CallPhase, reason string) {
	if m.onPhase == nil {
		return
	}
	m.notes = append(m.notes, phaseNote{sessionID: sessionID, phase: phase, reason: reason})
}

// flushNotes delivers queued notifications in order. Only one goroutine
// drains; another arriving mid-drain leaves its note for the drainer, and a
// listener calling back into the machine re-queues instead of deadlocking.
func (m *Machine) flushNotes() {
	m.mu.Lock()
	if m.notifying {
		m.mu.Unlock()
		return
	}
	m.notifying = true
	for len(m.notes) > 0 {
		note := m.notes[0]
		m.notes = m.notes[1:]
		m.mu.Unlock()
		m.onPhase(note.sessionID, note.phase, note.reason)
		m.mu.Lock()
	}
	m.notifying = false
	m.mu.Unlock()
}

func (m *Machine) sendBestEffort(message any) {
	if err := m.send.Send(message); err != nil {
		logger.Debug("signal not sent", zap.Error(err))
	}
}
