package ws

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"heartline/internal/domain"
	"heartline/pkg/constants"
	apperrors "heartline/pkg/errors"
	"heartline/pkg/logger"
	"heartline/pkg/protocol"
)

// Client is one WebSocket connection. Handlers for a connection run to
// completion on its readPump goroutine before the next frame is processed,
// which gives each peer one logical thread of control.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// send is never closed. done is the shutdown signal, closed exactly
	// once by the hub's run loop; senders select on both and resolve a
	// racing disconnect or replacement to peer-unreachable.
	send chan []byte
	done chan struct{}

	limiter  *rate.Limiter
	identity domain.Identity
	bound    bool
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, constants.SendQueueSize),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(constants.InboundRatePerSecond), constants.InboundBurst),
	}
}

// readPump reads frames from the socket. The first frame must be identify.
func (c *Client) readPump() {
	defer func() {
		if c.bound {
			c.hub.unregister <- c
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(constants.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval + constants.WebSocketWriteWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval + constants.WebSocketWriteWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.identity.ID),
					zap.Error(err))
			}
			return
		}

		if !c.limiter.Allow() {
			c.hub.metrics.RateLimited.Inc()
			c.sendError(apperrors.RateLimitError())
			continue
		}

		if !c.bound {
			if err := c.handleIdentify(frame); err != nil {
				c.sendError(err)
				return
			}
			continue
		}

		c.hub.router.Dispatch(c, frame)
	}
}

func (c *Client) handleIdentify(frame []byte) error {
	event, err := protocol.EventOf(frame)
	if err != nil {
		return apperrors.ValidationError(err.Error())
	}
	if event != protocol.EventIdentify {
		return apperrors.UnauthorizedError("identify first")
	}

	var msg protocol.Identify
	if err := json.Unmarshal(frame, &msg); err != nil {
		return apperrors.ValidationError("malformed identify")
	}

	identity, err := c.hub.identify(&msg)
	if err != nil {
		return err
	}

	c.identity = identity
	c.bound = true
	c.hub.register <- c
	return nil
}

// sendError writes an error frame directly; usable before the client is
// registered with the hub
func (c *Client) sendError(err error) {
	msg := &protocol.Error{Type: protocol.EventError, Code: string(apperrors.ErrCodeInternal), Message: "internal error"}
	if appErr, ok := err.(*apperrors.AppError); ok {
		msg.Code = string(appErr.Code)
		msg.Message = appErr.Message
	}
	frame, marshalErr := protocol.Marshal(msg)
	if marshalErr != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

// writePump writes frames and keepalive pings to the socket
func (c *Client) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
