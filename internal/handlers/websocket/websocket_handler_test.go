package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	wstypes "marketplace-auth/internal/domain/websocket"
	"marketplace-auth/internal/pkg/session"
	ws "marketplace-auth/internal/websocket"
	wsHandlers "marketplace-auth/internal/websocket/handler"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type harness struct {
	sessions *session.Manager
	hub      *ws.Hub
	url      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()

	sessions := session.NewManager(session.NewMemoryStore(), session.Options{}, logger)
	hub := ws.NewHub(sessions, logger)
	hub.RegisterHandler(wsHandlers.NewSessionHandler(sessions))
	sessions.SetNotifier(hub)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/ws/session", NewWebSocketHandler(hub, "sid", []string{"https://app.example.com"}, logger).HandleConnection)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &harness{sessions: sessions, hub: hub, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/session"}
}

func (h *harness) dial(t *testing.T, sid, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if sid != "" {
		header.Set("Cookie", "sid="+sid)
	}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial(h.url, header)
}

func readMessage(t *testing.T, conn *websocket.Conn) *wstypes.WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := wstypes.ParseMessage(data)
	require.NoError(t, err)
	return msg
}

func TestConnectRequiresSession(t *testing.T) {
	h := newHarness(t)

	_, resp, err := h.dial(t, "", "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = h.dial(t, "unknown-session", "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnectRejectsForeignOrigin(t *testing.T) {
	h := newHarness(t)
	sid, err := h.sessions.Create(context.Background(), "rt", "customer", session.Metadata{})
	require.NoError(t, err)

	_, resp, err := h.dial(t, sid, "https://evil.example.com")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSessionStatusAndForceLogout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sid, err := h.sessions.Create(ctx, "rt", "customer", session.Metadata{UserID: "u-1"})
	require.NoError(t, err)

	conn, _, err := h.dial(t, sid, "https://app.example.com")
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, wstypes.EventTypeConnected, readMessage(t, conn).Type)
	assert.Equal(t, 1, h.hub.ConnectedClients(sid))

	require.NoError(t, conn.WriteJSON(wstypes.WSMessage{Type: wstypes.EventTypeSessionStatus}))
	status := readMessage(t, conn)
	require.Equal(t, wstypes.EventTypeSessionStatus, status.Type)
	raw, _ := json.Marshal(status.Data)
	assert.Contains(t, string(raw), `"tenant":"customer"`)
	assert.Contains(t, string(raw), `"locked":false`)

	require.NoError(t, h.sessions.Delete(ctx, sid, session.ReasonLogout))

	msg := readMessage(t, conn)
	assert.Equal(t, wstypes.EventTypeForceLogout, msg.Type)
	raw, _ = json.Marshal(msg.Data)
	assert.NotContains(t, string(raw), sid)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestPurgeSendsExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sid, err := h.sessions.Create(ctx, "rt", "customer", session.Metadata{})
	require.NoError(t, err)

	conn, _, err := h.dial(t, sid, "")
	require.NoError(t, err)
	defer conn.Close()
	readMessage(t, conn)

	h.hub.SessionEnded(sid, session.ReasonExpired)
	assert.Equal(t, wstypes.EventTypeSessionExpired, readMessage(t, conn).Type)
}

func TestUnsupportedEvent(t *testing.T) {
	h := newHarness(t)
	sid, err := h.sessions.Create(context.Background(), "rt", "customer", session.Metadata{})
	require.NoError(t, err)

	conn, _, err := h.dial(t, sid, "")
	require.NoError(t, err)
	defer conn.Close()
	readMessage(t, conn)

	require.NoError(t, conn.WriteJSON(wstypes.WSMessage{Type: wstypes.EventTypePing}))
	assert.Equal(t, wstypes.EventTypePong, readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(wstypes.WSMessage{Type: "notification:list"}))
	assert.Equal(t, wstypes.EventTypeError, readMessage(t, conn).Type)
}
