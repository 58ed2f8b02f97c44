package csrf

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueSetsReadableCookie(t *testing.T) {
	g := NewGuard(Config{Secure: true})
	w := httptest.NewRecorder()

	token, err := g.Issue(w)
	require.NoError(t, err)
	assert.Len(t, token, 43)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, "csrf_token", c.Name)
	assert.Equal(t, token, c.Value)
	assert.Equal(t, "/", c.Path)
	assert.False(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteStrictMode, c.SameSite)
	assert.Equal(t, int((2 * time.Hour).Seconds()), c.MaxAge)
}

func TestIssueGeneratesFreshTokens(t *testing.T) {
	g := NewGuard(Config{})
	a, err := g.Issue(httptest.NewRecorder())
	require.NoError(t, err)
	b, err := g.Issue(httptest.NewRecorder())
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestValidate(t *testing.T) {
	g := NewGuard(Config{})

	tests := []struct {
		name   string
		header string
		cookie string
		want   bool
	}{
		{"matching", "tok", "tok", true},
		{"mismatch", "tok", "other", false},
		{"missing header", "", "tok", false},
		{"missing cookie", "tok", "", false},
		{"both missing", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
			if tt.header != "" {
				r.Header.Set("X-CSRF-Token", tt.header)
			}
			if tt.cookie != "" {
				r.AddCookie(&http.Cookie{Name: "csrf_token", Value: tt.cookie})
			}
			assert.Equal(t, tt.want, g.Validate(r))
		})
	}
}
