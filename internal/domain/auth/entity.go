// internal/domain/auth/entity.go
package auth

import "time"

// SessionInfo is the client view of a session record. The refresh token
// never leaves the server.
type SessionInfo struct {
	Tenant        string    `json:"tenant"`
	UserID        string    `json:"user_id,omitempty"`
	Device        string    `json:"device,omitempty"`
	IPAddress     string    `json:"ip_address,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastRotatedAt time.Time `json:"last_rotated_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Locked        bool      `json:"locked"`
	UnlocksIn     int64     `json:"unlocks_in,omitempty"`
}
