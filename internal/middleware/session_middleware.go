// internal/middleware/session_middleware.go
package middleware

import (
	"errors"

	xerrors "marketplace-auth/internal/pkg/errors"
	"marketplace-auth/internal/pkg/response"
	"marketplace-auth/internal/pkg/session"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ctxSession holds the record resolved by RequireSession.
const ctxSession = "session"

type SessionMiddleware struct {
	sessions   *session.Manager
	cookieName string
	logger     *zap.Logger
}

func NewSessionMiddleware(sessions *session.Manager, cookieName string, logger *zap.Logger) *SessionMiddleware {
	return &SessionMiddleware{
		sessions:   sessions,
		cookieName: cookieName,
		logger:     logger,
	}
}

// RequireSession resolves the session cookie to a live record and stores it
// on the context. Requests without one are rejected with 401.
func (m *SessionMiddleware) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		sid, err := c.Cookie(m.cookieName)
		if err != nil || sid == "" {
			response.AuthFailure(c, xerrors.NewAuthError(xerrors.KindSessionNotFound, "No session found", nil))
			return
		}

		rec, err := m.sessions.Get(c.Request.Context(), sid)
		if err != nil {
			if errors.Is(err, xerrors.ErrSessionNotFound) {
				response.AuthFailure(c, xerrors.NewAuthError(xerrors.KindSessionNotFound, "Invalid session", err))
				return
			}
			m.logger.Error("session lookup failed", zap.Error(err))
			response.AuthFailure(c, xerrors.AsAuthError(err))
			return
		}

		c.Set(ctxSession, rec)
		c.Next()
	}
}
