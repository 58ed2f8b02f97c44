// internal/middleware/helpers.go
package middleware

import (
	"marketplace-auth/internal/pkg/session"

	"github.com/gin-gonic/gin"
)

// GetSession gets the session record loaded by RequireSession
func GetSession(c *gin.Context) (*session.Record, bool) {
	v, exists := c.Get(ctxSession)
	if !exists {
		return nil, false
	}
	rec, ok := v.(*session.Record)
	return rec, ok
}

// GetRequestID gets the request id assigned by LoggingMiddleware
func GetRequestID(c *gin.Context) string {
	return c.GetString(ctxRequestID)
}
