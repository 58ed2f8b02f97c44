// internal/handlers/websocket/websocket_handler.go
package websocket

import (
	"errors"
	"net/http"
	"strings"

	xerrors "marketplace-auth/internal/pkg/errors"
	"marketplace-auth/internal/pkg/response"
	ws "marketplace-auth/internal/websocket"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WebSocketHandler struct {
	hub        *ws.Hub
	upgrader   websocket.Upgrader
	cookieName string
	logger     *zap.Logger
}

// NewWebSocketHandler builds the handler. Browsers send the session cookie
// on upgrade, so only listed origins may connect.
func NewWebSocketHandler(hub *ws.Hub, cookieName string, allowOrigins []string, logger *zap.Logger) *WebSocketHandler {
	allowed := make(map[string]bool, len(allowOrigins))
	for _, o := range allowOrigins {
		allowed[strings.TrimRight(o, "/")] = true
	}

	return &WebSocketHandler{
		hub:        hub,
		cookieName: cookieName,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed[origin]
			},
		},
	}
}

// HandleConnection authenticates the session cookie and upgrades
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	sid, err := c.Cookie(h.cookieName)
	if err != nil || sid == "" {
		response.AuthFailure(c, xerrors.NewAuthError(xerrors.KindSessionNotFound, "No session found", nil))
		return
	}

	auth, err := h.hub.AuthenticateClient(c.Request.Context(), sid)
	if err != nil {
		if errors.Is(err, xerrors.ErrSessionNotFound) {
			response.AuthFailure(c, xerrors.NewAuthError(xerrors.KindSessionNotFound, "Invalid session", err))
			return
		}
		h.logger.Error("websocket authentication failed",
			zap.Error(err),
			zap.String("ip", c.ClientIP()),
		)
		response.Error(c, http.StatusInternalServerError, "internal server error", err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response
		h.logger.Warn("websocket upgrade failed",
			zap.Error(err),
			zap.String("ip", c.ClientIP()),
		)
		return
	}

	client := ws.NewClient(h.hub, conn, auth)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}
