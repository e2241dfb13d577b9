// Package protocol defines the WebSocket message vocabulary shared by the
// match service and the Go client. One JSON object per text frame; the "type"
// field selects the event.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types
const (
	EventIdentify = "identify"

	EventSeekerRequest  = "seeker:request"
	EventSeekerIncoming = "seeker:incoming"
	EventSeekerQueued   = "seeker:queued"
	EventSeekerCancel   = "seeker:cancel"

	EventResponderAvailable   = "responder:available"
	EventResponderUnavailable = "responder:unavailable"
	EventResponderClaim       = "responder:claim"
	EventRequestClaimed       = "request:claimed"

	EventSessionStarted = "session:started"
	EventSessionClose   = "session:close"
	EventSessionEnded   = "session:ended"

	EventCallInitiate = "call:initiate"
	EventCallIncoming = "call:incoming"
	EventCallRinging  = "call:ringing"
	EventCallAccept   = "call:accept"
	EventCallActive   = "call:active"
	EventCallReject   = "call:reject"
	EventCallRejected = "call:rejected"
	EventCallEnd      = "call:end"
	EventCallEnded    = "call:ended"

	EventOffer     = "webrtc:offer"
	EventAnswer    = "webrtc:answer"
	EventCandidate = "webrtc:ice-candidate"

	EventError = "error"
)

// Terminal call reasons. Rejection, failure, and normal end are distinct and
// must never be collapsed into one generic "call over" signal.
const (
	ReasonHangup      = "hangup"
	ReasonRejected    = "rejected"
	ReasonTimeout     = "timeout"
	ReasonMediaFailed = "media-failed"
	ReasonPeerGone    = "peer-unreachable"
)

// Identify binds a connection to an identity. With a token configured the
// server derives the identity from the token; the bare fields are the dev-mode
// fallback.
type Identify struct {
	Type        string `json:"type"`
	Token       string `json:"token,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	Role        string `json:"role,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// SeekerRequest announces (or re-announces) a waiting seeker
type SeekerRequest struct {
	Type        string `json:"type"`
	SeekerID    string `json:"seeker_id"`
	RequestKind string `json:"request_kind"` // chat, voice, emotional
	Note        string `json:"note,omitempty"`
}

// SeekerIncoming is broadcast to every available responder
type SeekerIncoming struct {
	Type        string    `json:"type"`
	SeekerID    string    `json:"seeker_id"`
	SeekerName  string    `json:"seeker_name,omitempty"`
	RequestKind string    `json:"request_kind"`
	Note        string    `json:"note,omitempty"`
	QueuedAt    time.Time `json:"queued_at"`
}

// SeekerQueued acknowledges a request when no responder is available
type SeekerQueued struct {
	Type string `json:"type"`
}

// SeekerCancel withdraws a waiting request
type SeekerCancel struct {
	Type     string `json:"type"`
	SeekerID string `json:"seeker_id"`
}

// ResponderAvailable marks a responder as claimable; Unavailable shares the shape
type ResponderAvailable struct {
	Type        string `json:"type"`
	ResponderID string `json:"responder_id"`
}

// ResponderClaim is a responder's attempt to take a waiting seeker
type ResponderClaim struct {
	Type        string `json:"type"`
	SeekerID    string `json:"seeker_id"`
	ResponderID string `json:"responder_id"`
}

// RequestClaimed tells a losing claimant (or the rest of the pool) the seeker is gone
type RequestClaimed struct {
	Type     string `json:"type"`
	SeekerID string `json:"seeker_id"`
}

// SessionStarted is delivered exactly once to each member of a new session
type SessionStarted struct {
	Type        string    `json:"type"`
	SessionID   string    `json:"session_id"`
	SeekerID    string    `json:"seeker_id"`
	ResponderID string    `json:"responder_id"`
	Counterpart string    `json:"counterpart,omitempty"` // display name of the other member
	CreatedAt   time.Time `json:"created_at"`
}

// SessionClose asks to end a session; idempotent
type SessionClose struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// SessionEnded notifies both members a session ended
type SessionEnded struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	EndedBy   string    `json:"ended_by"`
	EndedAt   time.Time `json:"ended_at"`
}

// CallInitiate starts the call handshake; CallIncoming mirrors it to the callee
type CallInitiate struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	CallerID   string `json:"caller_id"`
	CalleeID   string `json:"callee_id"`
	CallerName string `json:"caller_name,omitempty"`
}

// CallRinging confirms the callee was notified and has not yet answered
type CallRinging struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// CallAccept answers an incoming call
type CallAccept struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	CallerID  string `json:"caller_id"`
	CalleeID  string `json:"callee_id"`
}

// CallActive is delivered to both members; media negotiation begins on receipt
type CallActive struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// CallReject declines before acceptance
type CallReject struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	CallerID  string `json:"caller_id"`
	CalleeID  string `json:"callee_id"`
	Reason    string `json:"reason,omitempty"`
}

// CallRejected is delivered to both members on decline
type CallRejected struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	RejectedBy string `json:"rejected_by"`
	Reason     string `json:"reason,omitempty"`
}

// CallEnd ends a call; idempotent, may be sent by either member
type CallEnd struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// CallEnded is delivered to both members once per call
type CallEnded struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	EndedBy   string    `json:"ended_by,omitempty"`
	EndedAt   time.Time `json:"ended_at"`
	Reason    string    `json:"reason"`
}

// SDP carries an offer or answer; relayed verbatim to the other member
type SDP struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	SDP       string `json:"sdp"`
}

// Candidate carries one ICE candidate. The payload stays opaque to the relay;
// only the client interprets it.
type Candidate struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Candidate json.RawMessage `json:"candidate"`
}

// Error carries a client-visible failure with a terminal code and short reason
type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventOf peeks at the type field of a raw frame
func EventOf(raw []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("malformed frame: %w", err)
	}
	if head.Type == "" {
		return "", fmt.Errorf("frame has no type field")
	}
	return head.Type, nil
}

// Marshal encodes a message for the wire
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
