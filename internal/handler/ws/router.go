package ws

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"heartline/internal/domain"
	apperrors "heartline/pkg/errors"
	"heartline/pkg/logger"
	"heartline/pkg/metrics"
	"heartline/pkg/protocol"
)

// Matcher is the matching coordinator surface the router needs
type Matcher interface {
	AnnounceWaiting(ctx context.Context, seeker domain.Identity, kind domain.RequestKind, note string)
	CancelWaiting(ctx context.Context, seekerID string)
	AnnounceAvailable(ctx context.Context, responder domain.Identity)
	AnnounceUnavailable(ctx context.Context, responderID string)
	Claim(ctx context.Context, seekerID string, responder domain.Identity)
	HandleDisconnect(ctx context.Context, identity domain.Identity)
}

// Sessions is the session registry surface the router needs
type Sessions interface {
	Get(sessionID string) (*domain.Session, bool)
	End(ctx context.Context, sessionID, endedBy string) error
}

// Signaler is the call relay surface the router needs
type Signaler interface {
	Initiate(sessionID, callerID, calleeID, callerName string) error
	Accept(sessionID, userID string) error
	Reject(sessionID, userID, reason string) error
	End(sessionID, userID string) error
	Relay(event, sessionID, senderID string, frame []byte) error
	HandleDisconnect(userID string)
}

// Router dispatches identified frames to the services. Sender identity always
// comes from the connection, never from the payload, so a client cannot act
// for another user.
type Router struct {
	match    Matcher
	sessions Sessions
	signal   Signaler
	metrics  *metrics.Metrics
}

// NewRouter wires the services behind the hub
func NewRouter(match Matcher, sessions Sessions, signal Signaler, m *metrics.Metrics) *Router {
	return &Router{
		match:    match,
		sessions: sessions,
		signal:   signal,
		metrics:  m,
	}
}

// Dispatch routes one inbound frame from an identified client
func (r *Router) Dispatch(c *Client, frame []byte) {
	event, err := protocol.EventOf(frame)
	if err != nil {
		c.sendError(apperrors.ValidationError(err.Error()))
		return
	}
	r.metrics.MessagesTotal.WithLabelValues(event).Inc()

	ctx := context.Background()
	identity := c.identity

	switch event {
	case protocol.EventSeekerRequest:
		if !r.requireRole(c, domain.RoleSeeker) {
			return
		}
		var msg protocol.SeekerRequest
		if !r.decode(c, frame, &msg) {
			return
		}
		kind := domain.RequestKind(msg.RequestKind)
		if !kind.Valid() {
			c.sendError(apperrors.ValidationError("request_kind must be chat, voice, or emotional"))
			return
		}
		r.match.AnnounceWaiting(ctx, identity, kind, msg.Note)

	case protocol.EventSeekerCancel:
		if !r.requireRole(c, domain.RoleSeeker) {
			return
		}
		r.match.CancelWaiting(ctx, identity.ID)

	case protocol.EventResponderAvailable:
		if !r.requireRole(c, domain.RoleResponder) {
			return
		}
		r.match.AnnounceAvailable(ctx, identity)

	case protocol.EventResponderUnavailable:
		if !r.requireRole(c, domain.RoleResponder) {
			return
		}
		r.match.AnnounceUnavailable(ctx, identity.ID)

	case protocol.EventResponderClaim:
		if !r.requireRole(c, domain.RoleResponder) {
			return
		}
		var msg protocol.ResponderClaim
		if !r.decode(c, frame, &msg) {
			return
		}
		if msg.SeekerID == "" {
			c.sendError(apperrors.MissingFieldError("seeker_id"))
			return
		}
		r.match.Claim(ctx, msg.SeekerID, identity)

	case protocol.EventSessionClose:
		var msg protocol.SessionClose
		if !r.decode(c, frame, &msg) {
			return
		}
		if !r.requireMember(c, msg.SessionID) {
			return
		}
		// A session close takes any in-flight call down with it
		if err := r.signal.End(msg.SessionID, identity.ID); err != nil {
			logger.Debug("call end on session close failed", zap.Error(err))
		}
		if err := r.sessions.End(ctx, msg.SessionID, identity.ID); err != nil {
			c.sendError(err)
		}

	case protocol.EventCallInitiate:
		var msg protocol.CallInitiate
		if !r.decode(c, frame, &msg) {
			return
		}
		if msg.CalleeID == "" {
			c.sendError(apperrors.MissingFieldError("callee_id"))
			return
		}
		if err := r.signal.Initiate(msg.SessionID, identity.ID, msg.CalleeID, identity.DisplayName); err != nil {
			c.sendError(err)
		}

	case protocol.EventCallAccept:
		var msg protocol.CallAccept
		if !r.decode(c, frame, &msg) {
			return
		}
		if err := r.signal.Accept(msg.SessionID, identity.ID); err != nil {
			c.sendError(err)
		}

	case protocol.EventCallReject:
		var msg protocol.CallReject
		if !r.decode(c, frame, &msg) {
			return
		}
		if err := r.signal.Reject(msg.SessionID, identity.ID, msg.Reason); err != nil {
			c.sendError(err)
		}

	case protocol.EventCallEnd:
		var msg protocol.CallEnd
		if !r.decode(c, frame, &msg) {
			return
		}
		if err := r.signal.End(msg.SessionID, identity.ID); err != nil {
			c.sendError(err)
		}

	case protocol.EventOffer, protocol.EventAnswer, protocol.EventCandidate:
		var head struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(frame, &head); err != nil || head.SessionID == "" {
			c.sendError(apperrors.MissingFieldError("session_id"))
			return
		}
		if err := r.signal.Relay(event, head.SessionID, identity.ID, frame); err != nil {
			c.sendError(err)
		}

	default:
		logger.Debug("unknown event ignored",
			zap.String("event", event),
			zap.String("user_id", identity.ID))
	}
}

// HandleDisconnect reverts the dropped peer's state everywhere it matters
func (r *Router) HandleDisconnect(identity domain.Identity) {
	ctx := context.Background()
	r.match.HandleDisconnect(ctx, identity)
	r.signal.HandleDisconnect(identity.ID)
}

func (r *Router) requireRole(c *Client, role domain.Role) bool {
	if c.identity.Role != role {
		c.sendError(apperrors.ValidationError("operation not allowed for role " + string(c.identity.Role)))
		return false
	}
	return true
}

func (r *Router) requireMember(c *Client, sessionID string) bool {
	sess, ok := r.sessions.Get(sessionID)
	if !ok {
		c.sendError(apperrors.SessionNotFoundError())
		return false
	}
	if !sess.HasMember(c.identity.ID) {
		c.sendError(apperrors.ValidationError("not a member of this session"))
		return false
	}
	return true
}

func (r *Router) decode(c *Client, frame []byte, v any) bool {
	if err := json.Unmarshal(frame, v); err != nil {
		c.sendError(apperrors.ValidationError("malformed payload"))
		return false
	}
	return true
}
