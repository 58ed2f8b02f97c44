// internal/domain/auth/dto.go
package auth

import "marketplace-auth/internal/pkg/geo"

// RequestContext is what the HTTP layer knows about the caller. It is never
// bound from the request body.
type RequestContext struct {
	ClientIP   string
	UserAgent  string
	Endpoint   string
	CSRFHeader string
	CSRFCookie string
}

// LoginRequest for password login against a tenant
type LoginRequest struct {
	Tenant   string `json:"tenant" binding:"required"`
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	OTP      string `json:"otp" binding:"omitempty,numeric,len=6"`

	RequestContext `json:"-"`
}

// OAuthCallbackRequest carries the authorization code after the provider
// redirect. The state parameter has already been checked by the browser.
type OAuthCallbackRequest struct {
	Tenant      string `json:"tenant" binding:"required"`
	Code        string `json:"code" binding:"required"`
	RedirectURI string `json:"redirect_uri" binding:"required,url"`

	RequestContext `json:"-"`
}

// RefreshRequest; Tenant is the client's cached tenant hint and may be empty.
type RefreshRequest struct {
	Tenant    string `json:"tenant"`
	SessionID string `json:"-"`
}

// ReauthRequest re-checks the password of the user owning the session
// before sensitive settings operations.
type ReauthRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	OTP      string `json:"otp" binding:"omitempty,numeric,len=6"`

	SessionID      string `json:"-"`
	RequestContext `json:"-"`
}

// LogoutRequest
type LogoutRequest struct {
	SessionID string
	RequestContext
}

// LoginResponse successful login response. SessionID goes into the sid
// cookie and is never serialized.
type LoginResponse struct {
	AccessToken string            `json:"access_token"`
	TokenType   string            `json:"token_type"`
	ExpiresIn   int64             `json:"expires_in"`
	Tenant      string            `json:"tenant"`
	UserID      string            `json:"user_id"`
	Username    string            `json:"username,omitempty"`
	Location    *geo.LocationInfo `json:"location,omitempty"`
	SessionID   string            `json:"-"`
}

// TokenResponse is returned by refresh and re-authentication.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Tenant      string `json:"tenant"`
}

// CSRFTokenResponse
type CSRFTokenResponse struct {
	Token  string `json:"csrf_token"`
	Header string `json:"header"`
}
