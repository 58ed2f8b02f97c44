package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"marketplace-auth/internal/pkg/session"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequireSession(t *testing.T) {
	sessions := session.NewManager(session.NewMemoryStore(), session.Options{}, zap.NewNop())
	sid, err := sessions.Create(context.Background(), "rt", "customer", session.Metadata{UserID: "u-1"})
	require.NoError(t, err)

	r := gin.New()
	r.GET("/me", NewSessionMiddleware(sessions, "sid", zap.NewNop()).RequireSession(), func(c *gin.Context) {
		rec, ok := GetSession(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{
			"tenant": rec.Tenant,
			"user":   rec.UserID,
			"same":   rec.SessionID == sid,
		})
	})

	cases := []struct {
		name   string
		cookie string
		status int
	}{
		{"valid", sid, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"unknown", "not-a-session", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "sid", Value: tc.cookie})
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tc.status, w.Code)
			if tc.status == http.StatusOK {
				assert.Contains(t, w.Body.String(), `"tenant":"customer"`)
				assert.Contains(t, w.Body.String(), `"user":"u-1"`)
				assert.Contains(t, w.Body.String(), `"same":true`)
			} else {
				assert.Contains(t, w.Body.String(), "SESSION_NOT_FOUND")
			}
		})
	}
}

func TestLoggingMiddlewareRequestID(t *testing.T) {
	r := gin.New()
	r.Use(LoggingMiddleware(zap.NewNop()))
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, GetRequestID(c))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	generated := w.Header().Get("X-Request-ID")
	_, err := ulid.ParseStrict(generated)
	require.NoError(t, err)
	assert.Equal(t, generated, w.Body.String())

	// a valid incoming id is kept, garbage is replaced
	incoming := ulid.Make().String()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", incoming)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, incoming, w.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "<script>")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.NotEqual(t, "<script>", w.Header().Get("X-Request-ID"))
}

func TestRecoveryMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(LoggingMiddleware(zap.NewNop()), RecoveryMiddleware(zap.NewNop()))
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "boom")
}

func TestCORSMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(CORSMiddleware([]string{"https://app.example.com/"}, "X-CSRF-Token"))
	r.POST("/login", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/login", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-CSRF-Token")

	req = httptest.NewRequest(http.MethodPost, "/login", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
