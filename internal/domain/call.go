package domain

import "time"

// CallPhase is the tagged state of one call. Transitions are monotonic; the
// terminal phases accept no further signaling, a new call gets a fresh state.
type CallPhase string

const (
	CallIdle       CallPhase = "idle"
	CallInitiating CallPhase = "initiating"
	CallIncoming   CallPhase = "incoming" // client-side only: remote intent arrived
	CallRinging    CallPhase = "ringing"
	CallActive     CallPhase = "active"
	CallRejected   CallPhase = "rejected"
	CallEnded      CallPhase = "ended"
	CallFailed     CallPhase = "failed"
)

// Terminal reports whether the phase accepts no further transitions
func (p CallPhase) Terminal() bool {
	switch p {
	case CallRejected, CallEnded, CallFailed:
		return true
	}
	return false
}

// callTransitions is the allowed transition table. Illegal transitions are
// unrepresentable: CanTransition is the single gate every mutation goes through.
var callTransitions = map[CallPhase][]CallPhase{
	CallIdle:       {CallInitiating, CallIncoming, CallEnded, CallFailed},
	CallInitiating: {CallRinging, CallRejected, CallEnded, CallFailed},
	CallIncoming:   {CallRinging, CallActive, CallRejected, CallEnded, CallFailed},
	CallRinging:    {CallActive, CallRejected, CallEnded, CallFailed},
	CallActive:     {CallRejected, CallEnded, CallFailed},
}

// CanTransition reports whether the phase change from one phase to the next is legal
func CanTransition(from, to CallPhase) bool {
	for _, next := range callTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CallState is one call's view as tracked per session
type CallState struct {
	SessionID   string     `json:"session_id"`
	Phase       CallPhase  `json:"phase"`
	InitiatorID string     `json:"initiator_id"`
	CalleeID    string     `json:"callee_id"`
	StartedAt   time.Time  `json:"started_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
}
