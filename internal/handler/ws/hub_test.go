package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heartline/internal/domain"
	apperrors "heartline/pkg/errors"
	"heartline/pkg/metrics"
)

// echoServer accepts upgrades and drains the socket until it drops, giving
// tests real connections to hang off hub clients.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialConn(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func registerClient(t *testing.T, hub *Hub, srv *httptest.Server, userID string) *Client {
	t.Helper()
	client := newClient(hub, dialConn(t, srv))
	client.identity = domain.Identity{ID: userID, Role: domain.RoleSeeker}
	client.bound = true
	hub.register <- client
	return client
}

func TestSendRawDuringReconnectChurn(t *testing.T) {
	// Setup
	hub := NewHub(nil, metrics.NewForTest())
	srv := echoServer(t)
	registerClient(t, hub, srv, "user-1")

	// Execute: hammer the send path while replacement connections for the
	// same id keep retiring the previous client
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			frame := []byte(`{"type":"session:ended","session_id":"s-1"}`)
			for {
				select {
				case <-stop:
					return
				default:
					hub.SendRaw("user-1", frame)
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		registerClient(t, hub, srv, "user-1")
	}

	close(stop)
	wg.Wait()

	// Assert: the newest connection is still registered and reachable
	assert.Eventually(t, func() bool { return hub.Connected("user-1") }, time.Second, 10*time.Millisecond)
}

func TestSendRawUnknownUser(t *testing.T) {
	hub := NewHub(nil, metrics.NewForTest())

	err := hub.SendRaw("nobody", []byte(`{"type":"call:end"}`))

	require.Error(t, err)
	appErr, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodePeerUnreachable, appErr.Code)
}
