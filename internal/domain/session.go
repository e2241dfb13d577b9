package domain

import "time"

// SessionState is the lifecycle of a matched session
type SessionState string

const (
	SessionPending SessionState = "pending"
	SessionActive  SessionState = "active"
	SessionEnded   SessionState = "ended"
)

// Session is the logical pairing of one seeker and one responder.
// An identity belongs to at most one Active matching-path session at a time.
type Session struct {
	SessionID   string       `json:"session_id"`
	SeekerID    string       `json:"seeker_id"`
	ResponderID string       `json:"responder_id"`
	State       SessionState `json:"state"`
	CreatedAt   time.Time    `json:"created_at"`
	EndedAt     *time.Time   `json:"ended_at,omitempty"`
	EndedBy     string       `json:"ended_by,omitempty"`
}

// Counterpart returns the other member's id, or "" for a non-member
func (s *Session) Counterpart(userID string) string {
	switch userID {
	case s.SeekerID:
		return s.ResponderID
	case s.ResponderID:
		return s.SeekerID
	}
	return ""
}

// HasMember reports whether userID is one of the two members
func (s *Session) HasMember(userID string) bool {
	return userID == s.SeekerID || userID == s.ResponderID
}
