package call

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"heartline/internal/domain"
	"heartline/pkg/protocol"
)

// recordSender captures everything the machine sends to the relay
type recordSender struct {
	mu   sync.Mutex
	sent []any
	err  error
}

func (r *recordSender) Send(message any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, message)
	return nil
}

func (r *recordSender) ofType(want string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, msg := range r.sent {
		switch m := msg.(type) {
		case *protocol.CallInitiate:
			if m.Type == want {
				out = append(out, m)
			}
		case *protocol.CallAccept:
			if m.Type == want {
				out = append(out, m)
			}
		case *protocol.CallReject:
			if m.Type == want {
				out = append(out, m)
			}
		case *protocol.CallEnd:
			if m.Type == want {
				out = append(out, m)
			}
		case *protocol.SDP:
			if m.Type == want {
				out = append(out, m)
			}
		case *protocol.Candidate:
			if m.Type == want {
				out = append(out, m)
			}
		}
	}
	return out
}

// fakePeer records applied descriptions and candidates
type fakePeer struct {
	mu         sync.Mutex
	offers     []string
	answers    []string
	candidates [][]byte
	closed     int
	onICE      func([]byte)
	onFailure  func(string)
	muted      bool
}

func (p *fakePeer) CreateOffer() (string, error)  { return "offer-sdp", nil }
func (p *fakePeer) CreateAnswer() (string, error) { return "answer-sdp", nil }

func (p *fakePeer) SetRemoteOffer(sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers = append(p.offers, sdp)
	return nil
}

func (p *fakePeer) SetRemoteAnswer(sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers = append(p.answers, sdp)
	return nil
}

func (p *fakePeer) AddICECandidate(candidate []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func([]byte)) { p.onICE = fn }
func (p *fakePeer) OnFailure(fn func(string))      { p.onFailure = fn }

func (p *fakePeer) SetMuted(muted bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = muted
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePeer) appliedCandidates() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.candidates))
	copy(out, p.candidates)
	return out
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// phaseRecorder captures phase notifications
type phaseRecorder struct {
	mu      sync.Mutex
	history []struct {
		phase  domain.CallPhase
		reason string
	}
}

func (r *phaseRecorder) listen(sessionID string, phase domain.CallPhase, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, struct {
		phase  domain.CallPhase
		reason string
	}{phase, reason})
}

func (r *phaseRecorder) last() (domain.CallPhase, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) == 0 {
		return domain.CallIdle, ""
	}
	entry := r.history[len(r.history)-1]
	return entry.phase, entry.reason
}

func newTestMachine(sender *recordSender, peer *fakePeer) (*Machine, *phaseRecorder) {
	recorder := &phaseRecorder{}
	machine := NewMachine(sender, "me", func() (Peer, error) { return peer, nil }, recorder.listen)
	return machine, recorder
}

// answerActiveCall drives a callee machine to Active with the peer attached
func answerActiveCall(t *testing.T, machine *Machine) {
	t.Helper()
	machine.HandleIncoming(&protocol.CallInitiate{
		Type:      protocol.EventCallIncoming,
		SessionID: "sess-1",
		CallerID:  "them",
		CalleeID:  "me",
	})
	assert.NoError(t, machine.Accept())
	machine.HandleActive(&protocol.CallActive{
		Type:       protocol.EventCallActive,
		SessionID:  "sess-1",
		AcceptedAt: time.Now(),
	})
}

func (r *phaseRecorder) phases() []domain.CallPhase {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.CallPhase, 0, len(r.history))
	for _, entry := range r.history {
		out = append(out, entry.phase)
	}
	return out
}

// TestPhaseNotificationsOrdered tests that the listener observes phases in
// commit order, including when a hangup races a ringing confirmation
func TestPhaseNotificationsOrdered(t *testing.T) {
	sender := &recordSender{}
	peer := &fakePeer{}
	machine, recorder := newTestMachine(sender, peer)

	assert.NoError(t, machine.StartOutgoing("sess-1", "them"))
	machine.HandleRinging("sess-1")
	machine.HandleActive(&protocol.CallActive{Type: protocol.EventCallActive, SessionID: "sess-1", AcceptedAt: time.Now()})
	machine.End()

	assert.Equal(t, []domain.CallPhase{
		domain.CallInitiating,
		domain.CallRinging,
		domain.CallActive,
		domain.CallEnded,
	}, recorder.phases())

	// Racing transitions: whatever interleaving wins, nothing live is
	// reported after a terminal phase
	machine2, recorder2 := newTestMachine(&recordSender{}, &fakePeer{})
	assert.NoError(t, machine2.StartOutgoing("sess-2", "them"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		machine2.HandleRinging("sess-2")
	}()
	go func() {
		defer wg.Done()
		machine2.End()
	}()
	wg.Wait()

	terminalSeen := false
	for _, phase := range recorder2.phases() {
		if terminalSeen {
			t.Fatalf("phase %s reported after a terminal phase", phase)
		}
		if phase.Terminal() {
			terminalSeen = true
		}
	}
	assert.True(t, terminalSeen)
}

func TestOutgoingCallLifecycle(t *testing.T) {
	sender := &recordSender{}
	peer := &fakePeer{}
	machine, recorder := newTestMachine(sender, peer)

	assert.NoError(t, machine.StartOutgoing("sess-1", "them"))
	_, phase := machine.Phase()
	assert.Equal(t, domain.CallInitiating, phase)
	assert.Len(t, sender.ofType(protocol.EventCallInitiate), 1)

	machine.HandleRinging("sess-1")
	_, phase = machine.Phase()
	assert.Equal(t, domain.CallRinging, phase)

	machine.HandleActive(&protocol.CallActive{Type: protocol.EventCallActive, SessionID: "sess-1", AcceptedAt: time.Now()})
	_, phase = machine.Phase()
	assert.Equal(t, domain.CallActive, phase)

	// The initiator produces the offer once media is acquired
	offers := sender.ofType(protocol.EventOffer)
	assert.Len(t, offers, 1)
	assert.Equal(t, "offer-sdp", offers[0].(*protocol.SDP).SDP)

	machine.HandleAnswer(&protocol.SDP{Type: protocol.EventAnswer, SessionID: "sess-1", SDP: "answer-from-peer"})
	assert.Equal(t, []string{"answer-from-peer"}, peer.answers)

	machine.End()
	lastPhase, reason := recorder.last()
	assert.Equal(t, domain.CallEnded, lastPhase)
	assert.Equal(t, protocol.ReasonHangup, reason)
	assert.Equal(t, 1, peer.closeCount())
}

// TestEarlyCandidatesBuffered is the core ordering property: candidates that
// arrive before the offer are held and applied, in arrival order, exactly once
func TestEarlyCandidatesBuffered(t *testing.T) {
	sender := &recordSender{}
	peer := &fakePeer{}
	machine, _ := newTestMachine(sender, peer)

	answerActiveCall(t, machine)

	early := [][]byte{
		[]byte(`{"candidate":"c1"}`),
		[]byte(`{"candidate":"c2"}`),
		[]byte(`{"candidate":"c3"}`),
	}
	for _, c := range early {
		machine.HandleCandidate(&protocol.Candidate{
			Type:      protocol.EventCandidate,
			SessionID: "sess-1",
			Candidate: json.RawMessage(c),
		})
	}

	// Nothing applied before the remote description exists
	assert.Empty(t, peer.appliedCandidates())

	machine.HandleOffer(&protocol.SDP{Type: protocol.EventOffer, SessionID: "sess-1", SDP: "their-offer"})

	applied := peer.appliedCandidates()
	assert.Len(t, applied, 3)
	for i, c := range early {
		assert.JSONEq(t, string(c), string(applied[i]))
	}

	// A late candidate goes straight through; the buffer is not replayed
	machine.HandleCandidate(&protocol.Candidate{
		Type:      protocol.EventCandidate,
		SessionID: "sess-1",
		Candidate: json.RawMessage(`{"candidate":"c4"}`),
	})
	assert.Len(t, peer.appliedCandidates(), 4)

	// Having set the remote offer also means we answered
	assert.Len(t, sender.ofType(protocol.EventAnswer), 1)
}

// TestEndIdempotent tests hangup racing the remote end: one peer release, one
// terminal notification
func TestEndIdempotent(t *testing.T) {
	sender := &recordSender{}
	peer := &fakePeer{}
	machine, recorder := newTestMachine(sender, peer)

	answerActiveCall(t, machine)

	machine.End()
	machine.End()
	machine.HandleEnded(&protocol.CallEnded{Type: protocol.EventCallEnded, SessionID: "sess-1", Reason: protocol.ReasonHangup})

	assert.Equal(t, 1, peer.closeCount())
	assert.Len(t, sender.ofType(protocol.EventCallEnd), 1)

	recorder.mu.Lock()
	terminals := 0
	for _, entry := range recorder.history {
		if entry.phase.Terminal() {
			terminals++
		}
	}
	recorder.mu.Unlock()
	assert.Equal(t, 1, terminals)
}

// TestRejectedVsFailed tests that the three terminal flavors keep their
// distinct reasons
func TestRejectedVsFailed(t *testing.T) {
	t.Run("remote rejection", func(t *testing.T) {
		sender := &recordSender{}
		machine, recorder := newTestMachine(sender, &fakePeer{})

		assert.NoError(t, machine.StartOutgoing("sess-1", "them"))
		machine.HandleRejected(&protocol.CallRejected{
			Type:       protocol.EventCallRejected,
			SessionID:  "sess-1",
			RejectedBy: "them",
			Reason:     protocol.ReasonRejected,
		})

		phase, reason := recorder.last()
		assert.Equal(t, domain.CallRejected, phase)
		assert.Equal(t, protocol.ReasonRejected, reason)
	})

	t.Run("media failure", func(t *testing.T) {
		sender := &recordSender{}
		peer := &fakePeer{}
		machine, recorder := newTestMachine(sender, peer)

		answerActiveCall(t, machine)
		peer.onFailure("ice failed")

		phase, reason := recorder.last()
		assert.Equal(t, domain.CallFailed, phase)
		assert.Equal(t, protocol.ReasonMediaFailed, reason)
	})

	t.Run("local rejection", func(t *testing.T) {
		sender := &recordSender{}
		machine, recorder := newTestMachine(sender, &fakePeer{})

		machine.HandleIncoming(&protocol.CallInitiate{
			Type:      protocol.EventCallIncoming,
			SessionID: "sess-1",
			CallerID:  "them",
			CalleeID:  "me",
		})
		assert.NoError(t, machine.Reject("not now"))

		phase, reason := recorder.last()
		assert.Equal(t, domain.CallRejected, phase)
		assert.Equal(t, protocol.ReasonRejected, reason)
	})
}

// TestRingTimeout tests that an unanswered outgoing call reaches a terminal
// phase on its own
func TestRingTimeout(t *testing.T) {
	sender := &recordSender{}
	machine, recorder := newTestMachine(sender, &fakePeer{})
	machine.RingTimeout = 30 * time.Millisecond

	assert.NoError(t, machine.StartOutgoing("sess-1", "them"))

	assert.Eventually(t, func() bool {
		phase, reason := recorder.last()
		return phase == domain.CallFailed && reason == protocol.ReasonTimeout
	}, time.Second, 10*time.Millisecond)

	// The timeout also tells the relay to clean up
	assert.Len(t, sender.ofType(protocol.EventCallEnd), 1)
}

// TestBusyRejectsSecondCall tests that a device already in a call declines a
// second incoming intent without disturbing the first
func TestBusyRejectsSecondCall(t *testing.T) {
	sender := &recordSender{}
	peer := &fakePeer{}
	machine, _ := newTestMachine(sender, peer)

	answerActiveCall(t, machine)

	machine.HandleIncoming(&protocol.CallInitiate{
		Type:      protocol.EventCallIncoming,
		SessionID: "sess-other",
		CallerID:  "someone-else",
		CalleeID:  "me",
	})

	rejects := sender.ofType(protocol.EventCallReject)
	assert.Len(t, rejects, 1)
	reject := rejects[0].(*protocol.CallReject)
	assert.Equal(t, "sess-other", reject.SessionID)
	assert.Equal(t, "busy", reject.Reason)

	_, phase := machine.Phase()
	assert.Equal(t, domain.CallActive, phase)
}

// TestPostTerminalSignalingIgnored tests that frames for a finished call do
// not resurrect it or touch a peer
func TestPostTerminalSignalingIgnored(t *testing.T) {
	sender := &recordSender{}
	peer := &fakePeer{}
	machine, _ := newTestMachine(sender, peer)

	answerActiveCall(t, machine)
	machine.End()

	machine.HandleOffer(&protocol.SDP{Type: protocol.EventOffer, SessionID: "sess-1", SDP: "late"})
	machine.HandleCandidate(&protocol.Candidate{
		Type:      protocol.EventCandidate,
		SessionID: "sess-1",
		Candidate: json.RawMessage(`{"candidate":"late"}`),
	})
	machine.HandleActive(&protocol.CallActive{Type: protocol.EventCallActive, SessionID: "sess-1"})

	_, phase := machine.Phase()
	assert.True(t, phase.Terminal())
	assert.Empty(t, peer.offers)
	assert.Empty(t, peer.appliedCandidates())
}

// TestNewCallAfterRelease tests that a machine can place a fresh call once the
// previous one is fully torn down
func TestNewCallAfterRelease(t *testing.T) {
	sender := &recordSender{}
	peer := &fakePeer{}
	machine, _ := newTestMachine(sender, peer)

	answerActiveCall(t, machine)

	// A second call is refused while the first is live
	assert.Error(t, machine.StartOutgoing("sess-2", "them"))

	machine.End()
	assert.NoError(t, machine.StartOutgoing("sess-2", "them"))

	_, phase := machine.Phase()
	assert.Equal(t, domain.CallInitiating, phase)
}

// TestSetMuted tests the device-only mute path
func TestSetMuted(t *testing.T) {
	sender := &recordSender{}
	peer := &fakePeer{}
	machine, _ := newTestMachine(sender, peer)

	assert.Error(t, machine.SetMuted(true)) // no call yet

	answerActiveCall(t, machine)

	assert.NoError(t, machine.SetMuted(true))
	assert.True(t, peer.muted)

	before := len(sender.ofType(protocol.EventCallEnd))
	assert.NoError(t, machine.SetMuted(false))
	assert.Equal(t, before, len(sender.ofType(protocol.EventCallEnd)))
}
