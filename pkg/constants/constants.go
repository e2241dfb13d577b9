// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteWait is the maximum time allowed to write one frame
	WebSocketWriteWait = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Matching constants
const (
	// ClaimTimeout is how long a responder waits on an unanswered claim
	// before being returned to the available pool
	ClaimTimeout = 10 * time.Second

	// PresenceTTL is the Redis TTL on mirrored presence entries; a live
	// connection refreshes it, a dead one lets it expire
	PresenceTTL = 5 * time.Minute
)

// Call signaling constants
const (
	// RingTimeout is how long a call may stay in Ringing before it is
	// autonomously failed on both the relay and the initiating client
	RingTimeout = 35 * time.Second
)

// WebSocket limits
const (
	// MaxMessageSize is the largest inbound frame the relay accepts;
	// SDP payloads run a few KB, candidates far less
	MaxMessageSize = 64 * 1024

	// SendQueueSize is the per-connection outbound buffer
	SendQueueSize = 256

	// InboundRatePerSecond bounds signaling messages per connection
	InboundRatePerSecond = 50

	// InboundBurst is the token bucket burst for inbound messages
	InboundBurst = 100
)
