// internal/pkg/errors/error.go
package xerrors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors shared by the stores and flows
var (
	ErrRateLimited     = errors.New("too many requests")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session id already in use")
	ErrSessionLocked   = errors.New("session locked")
)

// Kind classifies an authentication failure. The string value is the
// machine-readable code sent to clients.
type Kind string

const (
	KindRateLimitExceeded   Kind = "RATE_LIMIT_EXCEEDED"
	KindCsrfInvalid         Kind = "CSRF_INVALID"
	KindLocationBlocked     Kind = "LOCATION_BLOCKED"
	KindInvalidCredentials  Kind = "INVALID_CREDENTIALS"
	KindTotpRequired        Kind = "TOTP_REQUIRED"
	KindSessionNotFound     Kind = "SESSION_NOT_FOUND"
	KindSessionExpired      Kind = "SESSION_EXPIRED"
	KindSessionLocked       Kind = "SESSION_LOCKED"
	KindTenantMismatch      Kind = "TENANT_MISMATCH"
	KindUnknownTenant       Kind = "UNKNOWN_TENANT"
	KindUpstreamTimeout     Kind = "UPSTREAM_TIMEOUT"
	KindUpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
	KindBadRequest          Kind = "BAD_REQUEST"
	KindInternal            Kind = "INTERNAL_ERROR"
)

var kindStatus = map[Kind]int{
	KindRateLimitExceeded:   http.StatusTooManyRequests,
	KindCsrfInvalid:         http.StatusForbidden,
	KindLocationBlocked:     http.StatusForbidden,
	KindInvalidCredentials:  http.StatusUnauthorized,
	KindTotpRequired:        http.StatusForbidden,
	KindSessionNotFound:     http.StatusUnauthorized,
	KindSessionExpired:      http.StatusUnauthorized,
	KindSessionLocked:       http.StatusTooManyRequests,
	KindTenantMismatch:      http.StatusBadRequest,
	KindUnknownTenant:       http.StatusBadRequest,
	KindUpstreamTimeout:     http.StatusGatewayTimeout,
	KindUpstreamUnavailable: http.StatusServiceUnavailable,
	KindBadRequest:          http.StatusBadRequest,
	KindInternal:            http.StatusInternalServerError,
}

// Status returns the HTTP status for the kind.
func (k Kind) Status() int {
	if s, ok := kindStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// AuthError is the user-facing failure of an authentication flow.
// Message is safe to show to the browser; Cause is logged only.
type AuthError struct {
	Kind       Kind
	Message    string
	NextStep   string
	RetryAfter time.Duration
	Details    map[string]interface{}
	Cause      error
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// Status returns the HTTP status code for the error.
func (e *AuthError) Status() int { return e.Kind.Status() }

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (e *AuthError) RetryAfterSeconds() int64 {
	if e.RetryAfter <= 0 {
		return 0
	}
	return int64((e.RetryAfter + time.Second - 1) / time.Second)
}

// WithDetail attaches a client-visible detail and returns e.
func (e *AuthError) WithDetail(key string, value interface{}) *AuthError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewAuthError builds an AuthError of the given kind.
func NewAuthError(kind Kind, message string, cause error) *AuthError {
	return &AuthError{Kind: kind, Message: message, Cause: cause}
}

// AsAuthError extracts an AuthError from err. Anything else is reported as
// an internal error with a generic message.
func AsAuthError(err error) *AuthError {
	if err == nil {
		return nil
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	return &AuthError{Kind: KindInternal, Message: "internal server error", Cause: err}
}
