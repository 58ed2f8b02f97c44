// internal/pkg/csrf/csrf.go
package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"
)

const tokenBytes = 32

type Config struct {
	CookieName string
	HeaderName string
	TTL        time.Duration
	Secure     bool
	Domain     string
}

// Guard implements double-submit tokens: the browser echoes the cookie
// value in a header, which a cross-site page cannot read.
type Guard struct {
	cfg Config
}

func NewGuard(cfg Config) *Guard {
	if cfg.CookieName == "" {
		cfg.CookieName = "csrf_token"
	}
	if cfg.HeaderName == "" {
		cfg.HeaderName = "X-CSRF-Token"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Hour
	}
	return &Guard{cfg: cfg}
}

func (g *Guard) CookieName() string { return g.cfg.CookieName }
func (g *Guard) HeaderName() string { return g.cfg.HeaderName }

// Issue generates a token and sets it as a script-readable cookie.
func (g *Guard) Issue(w http.ResponseWriter) (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate csrf token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(b)

	http.SetCookie(w, &http.Cookie{
		Name:     g.cfg.CookieName,
		Value:    token,
		Path:     "/",
		Domain:   g.cfg.Domain,
		MaxAge:   int(g.cfg.TTL / time.Second),
		Expires:  time.Now().Add(g.cfg.TTL),
		Secure:   g.cfg.Secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
	return token, nil
}

// Extract returns the header and cookie values carried by r.
func (g *Guard) Extract(r *http.Request) (header, cookie string) {
	header = r.Header.Get(g.cfg.HeaderName)
	if c, err := r.Cookie(g.cfg.CookieName); err == nil {
		cookie = c.Value
	}
	return header, cookie
}

// Validate reports whether r carries matching header and cookie tokens.
func (g *Guard) Validate(r *http.Request) bool {
	return Match(g.Extract(r))
}

// Match compares the two values in constant time. Both must be present.
func Match(header, cookie string) bool {
	if header == "" || cookie == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(header), []byte(cookie)) == 1
}
