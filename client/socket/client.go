// Package socket is the Go client for the match service's WebSocket protocol.
// One Client owns one connection; handlers are registered through explicit
// subscription handles and released on Unsubscribe or Close, so no component
// can leak or double-register a handler by re-subscribing on every mount.
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"heartline/pkg/logger"
	"heartline/pkg/protocol"
)

// Handler receives the raw frame for one event type
type Handler func(frame []byte)

// Subscription is an explicit handle on a registered handler
type Subscription struct {
	client *Client
	event  string
	id     int
}

// Unsubscribe releases the handler; safe to call twice
func (s *Subscription) Unsubscribe() {
	if s.client == nil {
		return
	}
	s.client.mu.Lock()
	if handlers, ok := s.client.subs[s.event]; ok {
		delete(handlers, s.id)
		if len(handlers) == 0 {
			delete(s.client.subs, s.event)
		}
	}
	s.client.mu.Unlock()
	s.client = nil
}

// Client is a connected, identified socket
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex // one writer at a time on a gorilla conn

	mu     sync.Mutex
	subs   map[string]map[int]Handler
	nextID int
	closed bool

	done chan struct{}

	// ClaimTimeout bounds how long Claim waits before treating the claim
	// as lost and returning the responder to the pool
	ClaimTimeout time.Duration
}

// Options configures Dial
type Options struct {
	// Token is the identify token; leave empty against a dev-mode server
	// and set UserID/Role instead
	Token       string
	UserID      string
	Role        string
	DisplayName string

	ClaimTimeout time.Duration
}

// Dial connects, identifies, and starts the read loop
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	c := &Client{
		conn:         conn,
		subs:         make(map[string]map[int]Handler),
		done:         make(chan struct{}),
		ClaimTimeout: opts.ClaimTimeout,
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 10 * time.Second
	}

	if err := c.Send(&protocol.Identify{
		Type:        protocol.EventIdentify,
		Token:       opts.Token,
		UserID:      opts.UserID,
		Role:        opts.Role,
		DisplayName: opts.DisplayName,
	}); err != nil {
		conn.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

// On registers a handler for one event type and returns its handle
func (c *Client) On(event string, h Handler) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.subs[event] == nil {
		c.subs[event] = make(map[int]Handler)
	}
	c.subs[event][id] = h
	return &Subscription{client: c, event: event, id: id}
}

// Send marshals and writes one frame
func (c *Client) Send(message any) error {
	frame, err := protocol.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close tears the connection down and releases every subscription
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subs = make(map[string]map[int]Handler)
	c.mu.Unlock()
	return c.conn.Close()
}

// Done is closed when the read loop exits (disconnect or Close)
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop() {
	defer close(c.done)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			wasClosed := c.closed
			c.mu.Unlock()
			if !wasClosed {
				logger.Debug("socket read loop ended", zap.Error(err))
			}
			return
		}

		event, err := protocol.EventOf(frame)
		if err != nil {
			logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}

		c.mu.Lock()
		handlers := make([]Handler, 0, len(c.subs[event]))
		for _, h := range c.subs[event] {
			handlers = append(handlers, h)
		}
		c.mu.Unlock()

		// Handlers run on the read goroutine: events for this peer are
		// processed to completion, in order
		for _, h := range handlers {
			h(frame)
		}
	}
}

// Typed helpers over the protocol

// RequestHelp announces (or re-announces) this seeker as waiting
func (c *Client) RequestHelp(kind, note string) error {
	return c.Send(&protocol.SeekerRequest{
		Type:        protocol.EventSeekerRequest,
		RequestKind: kind,
		Note:        note,
	})
}

// CancelHelp withdraws a waiting request
func (c *Client) CancelHelp() error {
	return c.Send(&protocol.SeekerCancel{Type: protocol.EventSeekerCancel})
}

// SetAvailable toggles this responder's availability
func (c *Client) SetAvailable(available bool) error {
	event := protocol.EventResponderAvailable
	if !available {
		event = protocol.EventResponderUnavailable
	}
	return c.Send(&protocol.ResponderAvailable{Type: event})
}

// ClaimOutcome is the resolution of one claim attempt
type ClaimOutcome struct {
	// Won is true when this responder got the seeker
	Won bool
	// Session is set when Won
	Session *protocol.SessionStarted
}

// Claim attempts to take a waiting seeker and waits for the outcome. Losing
// the race is a normal outcome, not an error. An unanswered claim resolves as
// lost after ClaimTimeout so the responder returns to the pool instead of
// hanging.
func (c *Client) Claim(ctx context.Context, seekerID string) (*ClaimOutcome, error) {
	result := make(chan *ClaimOutcome, 1)

	started := c.On(protocol.EventSessionStarted, func(frame []byte) {
		var msg protocol.SessionStarted
		if err := protocolUnmarshal(frame, &msg); err != nil || msg.SeekerID != seekerID {
			return
		}
		select {
		case result <- &ClaimOutcome{Won: true, Session: &msg}:
		default:
		}
	})
	defer started.Unsubscribe()

	claimed := c.On(protocol.EventRequestClaimed, func(frame []byte) {
		var msg protocol.RequestClaimed
		if err := protocolUnmarshal(frame, &msg); err != nil || msg.SeekerID != seekerID {
			return
		}
		select {
		case result <- &ClaimOutcome{Won: false}:
		default:
		}
	})
	defer claimed.Unsubscribe()

	if err := c.Send(&protocol.ResponderClaim{
		Type:     protocol.EventResponderClaim,
		SeekerID: seekerID,
	}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.ClaimTimeout)
	defer timer.Stop()
	select {
	case outcome := <-result:
		return outcome, nil
	case <-timer.C:
		// Unanswered: treat as lost, stay available
		return &ClaimOutcome{Won: false}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("connection closed")
	}
}

// CloseSession asks the relay to end a session; idempotent server-side
func (c *Client) CloseSession(sessionID, userID string) error {
	return c.Send(&protocol.SessionClose{
		Type:      protocol.EventSessionClose,
		SessionID: sessionID,
		UserID:    userID,
	})
}

func protocolUnmarshal(frame []byte, v any) error {
	return json.Unmarshal(frame, v)
}
