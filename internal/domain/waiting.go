package domain

import "time"

// RequestKind is the flavor of companionship a seeker asks for
type RequestKind string

const (
	RequestChat      RequestKind = "chat"
	RequestVoice     RequestKind = "voice"
	RequestEmotional RequestKind = "emotional"
)

// Valid reports whether the kind is one of the known values
func (k RequestKind) Valid() bool {
	switch k {
	case RequestChat, RequestVoice, RequestEmotional:
		return true
	}
	return false
}

// WaitingSeeker is one queued request. At most one exists per seeker id;
// re-announcing replaces the previous entry.
type WaitingSeeker struct {
	SeekerID   string      `json:"seeker_id"`
	SeekerName string      `json:"seeker_name,omitempty"`
	Kind       RequestKind `json:"request_kind"`
	Note       string      `json:"note,omitempty"`
	QueuedAt   time.Time   `json:"queued_at"`
}
