// internal/app/router.go
package app

import (
	"net/http"
	"time"

	authHandler "marketplace-auth/internal/handlers/auth"
	wsHandler "marketplace-auth/internal/handlers/websocket"
	"marketplace-auth/internal/middleware"
	"marketplace-auth/internal/pkg/response"
	"marketplace-auth/internal/websocket"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handlers struct {
	AuthHandler       *authHandler.AuthHandler
	WSHandler         *wsHandler.WebSocketHandler
	SessionMiddleware *middleware.SessionMiddleware
	Hub               *websocket.Hub
	Tenants           []string
}

func SetupRouter(r *gin.Engine, logger *zap.Logger, h *Handlers) {
	api := r.Group("/api/v1")

	// ==================== Health Check ====================
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":            "ok",
			"tenants":           h.Tenants,
			"websocket_clients": h.Hub.TotalClients(),
			"time":              time.Now().UTC(),
		})
	})

	// ==================== WebSocket ====================
	r.GET("/ws/session", h.WSHandler.HandleConnection)

	// ==================== Auth Routes ====================
	// State-changing routes check CSRF inside the service so the check is
	// ordered with rate limiting.
	authGroup := api.Group("/auth")
	{
		authGroup.GET("/csrf", h.AuthHandler.IssueCSRF)
		authGroup.POST("/login", h.AuthHandler.Login)
		authGroup.POST("/oauth/callback", h.AuthHandler.OAuthCallback)
		authGroup.POST("/refresh", h.AuthHandler.Refresh)
		authGroup.POST("/logout", h.AuthHandler.Logout)
		authGroup.POST("/reauthenticate", h.AuthHandler.Reauthenticate)
	}

	// ==================== Session Routes ====================
	sessionGroup := api.Group("/auth")
	sessionGroup.Use(h.SessionMiddleware.RequireSession())
	{
		sessionGroup.GET("/session", h.AuthHandler.GetSession)
	}

	r.NoRoute(func(c *gin.Context) {
		response.Error(c, http.StatusNotFound, "route not found", nil)
	})

	logger.Info("routes registered", zap.Int("count", len(r.Routes())))
}
