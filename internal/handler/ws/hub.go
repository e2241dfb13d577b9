package ws

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"heartline/internal/domain"
	apperrors "heartline/pkg/errors"
	"heartline/pkg/jwt"
	"heartline/pkg/logger"
	"heartline/pkg/metrics"
	"heartline/pkg/protocol"
)

// Hub is the connection registry: one live WebSocket per identified user.
// Identifying on an id already connected replaces the previous connection.
type Hub struct {
	// Identified clients by user id
	clients map[string]*Client

	// Mutex for thread-safe send lookups
	mu sync.RWMutex

	// Channels
	register   chan *Client
	unregister chan *Client

	jwtManager *jwt.Manager // nil enables dev-mode identify
	metrics    *metrics.Metrics
	router     *Router
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Identity comes from the identify token, not the Origin header;
		// native clients send no Origin at all
		return true
	},
}

// NewHub creates a new hub and starts its run loop
func NewHub(jwtManager *jwt.Manager, m *metrics.Metrics) *Hub {
	hub := &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		jwtManager: jwtManager,
		metrics:    m,
	}

	go hub.run()

	return hub
}

// Bind attaches the message router. Must be called before ServeWS; the hub
// and the services reference each other, so wiring happens in two steps.
func (h *Hub) Bind(router *Router) {
	h.router = router
}

// run handles hub registration bookkeeping
func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if existing, ok := h.clients[client.identity.ID]; ok && existing != client {
				// Same id reconnected; the newest connection wins
				close(existing.done)
				existing.conn.Close()
			}
			h.clients[client.identity.ID] = client
			h.mu.Unlock()

			h.metrics.ConnectionsActive.Inc()
			logger.Info("client identified",
				zap.String("user_id", client.identity.ID),
				zap.String("role", string(client.identity.Role)))

		case client := <-h.unregister:
			h.mu.Lock()
			current, ok := h.clients[client.identity.ID]
			if ok && current == client {
				delete(h.clients, client.identity.ID)
				close(client.done)
			}
			h.mu.Unlock()

			if ok && current == client {
				h.metrics.ConnectionsActive.Dec()
				// Revert presence and fail in-flight calls for the dropped peer
				h.router.HandleDisconnect(client.identity)
				logger.Info("client disconnected",
					zap.String("user_id", client.identity.ID))
			}
		}
	}
}

// Send marshals and enqueues a message for one user. A missing or saturated
// connection surfaces as peer-unreachable so callers can resolve to a
// terminal state instead of waiting.
func (h *Hub) Send(userID string, message any) error {
	frame, err := protocol.Marshal(message)
	if err != nil {
		return apperrors.InternalError("failed to encode message", err)
	}
	return h.SendRaw(userID, frame)
}

// SendRaw enqueues a pre-encoded frame for one user
func (h *Hub) SendRaw(userID string, frame []byte) error {
	h.mu.RLock()
	client, ok := h.clients[userID]
	h.mu.RUnlock()

	if !ok {
		return apperrors.PeerUnreachableError(userID)
	}

	select {
	case client.send <- frame:
		return nil
	case <-client.done:
		return apperrors.PeerUnreachableError(userID)
	default:
		h.metrics.MessagesDropped.Inc()
		return apperrors.PeerUnreachableError(userID)
	}
}

// Connected reports whether the user currently has a live connection
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// ServeWS upgrades the request and starts the connection's pumps. The first
// frame on the socket must be identify; everything else is rejected until
// the connection is bound to an identity.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn)

	go client.writePump()
	go client.readPump()
}

// identify binds a connection to an Identity, from the token when a secret is
// configured, otherwise from the bare identify fields (dev mode)
func (h *Hub) identify(msg *protocol.Identify) (domain.Identity, error) {
	if h.jwtManager != nil {
		if msg.Token == "" {
			return domain.Identity{}, apperrors.UnauthorizedError("identify requires a token")
		}
		claims, err := h.jwtManager.Validate(msg.Token)
		if err != nil {
			return domain.Identity{}, apperrors.InvalidTokenError("identify token rejected")
		}
		identity := domain.Identity{
			ID:          claims.UserID,
			Role:        domain.Role(claims.Role),
			DisplayName: claims.DisplayName,
		}
		if identity.ID == "" || !identity.Role.Valid() {
			return domain.Identity{}, apperrors.InvalidTokenError("identify token missing identity claims")
		}
		return identity, nil
	}

	identity := domain.Identity{
		ID:          msg.UserID,
		Role:        domain.Role(msg.Role),
		DisplayName: msg.DisplayName,
	}
	if identity.ID == "" {
		return domain.Identity{}, apperrors.MissingFieldError("user_id")
	}
	if !identity.Role.Valid() {
		return domain.Identity{}, apperrors.ValidationError("role must be seeker or responder")
	}
	return identity, nil
}
