// internal/pkg/session/types.go
package session

import (
	"context"
	"time"
)

// Record is the server-side state behind one `sid` cookie. The session id
// never leaves this service except as the cookie value.
type Record struct {
	SessionID        string    `json:"session_id"`
	RefreshToken     string    `json:"refresh_token"`
	Tenant           string    `json:"tenant"`
	UserID           string    `json:"user_id"`
	IPAddress        string    `json:"ip_address"`
	UserAgent        string    `json:"user_agent"`
	Device           string    `json:"device,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastRotatedAt    time.Time `json:"last_rotated_at"`
	LoginAttempts    int       `json:"login_attempts"`
	LastLoginAttempt time.Time `json:"last_login_attempt"`
	IsLocked         bool      `json:"is_locked"`
}

// Clone returns an independent copy.
func (r *Record) Clone() *Record {
	cp := *r
	return &cp
}

// Metadata is the request provenance captured when a session is created.
type Metadata struct {
	UserID    string
	IPAddress string
	UserAgent string
}

// Store persists session records. Implementations must make Update atomic
// per session id while letting different ids proceed in parallel.
type Store interface {
	// Insert adds rec; ErrSessionExists if the id is taken.
	Insert(ctx context.Context, rec *Record) error
	// Get returns a copy of the record or ErrSessionNotFound.
	Get(ctx context.Context, sessionID string) (*Record, error)
	// Update applies fn to the current record and persists the result.
	// If fn returns an error nothing is written and the error is returned.
	Update(ctx context.Context, sessionID string, fn func(*Record) error) (*Record, error)
	// Delete removes the record. Deleting a missing id is not an error.
	Delete(ctx context.Context, sessionID string) error
	// DeleteCreatedBefore removes records created before cutoff and
	// returns their ids.
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Notifier is told when a session ends so live connections can be closed.
type Notifier interface {
	SessionEnded(sessionID, reason string)
}

// End reasons reported to the Notifier.
const (
	ReasonLogout  = "logout"
	ReasonExpired = "expired"
	ReasonRevoked = "revoked"
)
