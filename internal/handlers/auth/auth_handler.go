// internal/handlers/auth/auth_handler.go
package auth

import (
	"errors"
	"io"
	"net/http"
	"time"

	"marketplace-auth/internal/domain/auth"
	"marketplace-auth/internal/middleware"
	"marketplace-auth/internal/pkg/csrf"
	xerrors "marketplace-auth/internal/pkg/errors"
	"marketplace-auth/internal/pkg/ratelimit"
	"marketplace-auth/internal/pkg/response"
	authUsecase "marketplace-auth/internal/service/auth"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	SessionCookie = "sid"
	TenantCookie  = "authType"
)

// CookieConfig controls the session and tenant cookies.
type CookieConfig struct {
	Domain string
	Secure bool
	MaxAge time.Duration
}

type AuthHandler struct {
	authService *authUsecase.AuthService
	csrf        *csrf.Guard
	cookies     CookieConfig
	logger      *zap.Logger
}

func NewAuthHandler(authService *authUsecase.AuthService, guard *csrf.Guard, cookies CookieConfig, logger *zap.Logger) *AuthHandler {
	if cookies.MaxAge <= 0 {
		cookies.MaxAge = 7 * 24 * time.Hour
	}
	return &AuthHandler{
		authService: authService,
		csrf:        guard,
		cookies:     cookies,
		logger:      logger,
	}
}

// ========== CSRF ==========

// IssueCSRF sets a fresh CSRF cookie and returns the same value for the
// client to echo in the header.
func (h *AuthHandler) IssueCSRF(c *gin.Context) {
	token, err := h.csrf.Issue(c.Writer)
	if err != nil {
		h.logger.Error("failed to issue csrf token", zap.Error(err))
		response.Error(c, http.StatusInternalServerError, "internal server error", err)
		return
	}
	c.Header("Cache-Control", "no-store")

	response.Success(c, http.StatusOK, "csrf token issued", auth.CSRFTokenResponse{
		Token:  token,
		Header: h.csrf.HeaderName(),
	})
}

// ========== Login ==========

// Login handles password login
func (h *AuthHandler) Login(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rejectMalformed(c, "login.password", err)
		return
	}
	req.RequestContext = h.requestContext(c)

	loginResp, rl, err := h.authService.Login(c.Request.Context(), &req)
	writeRateLimitHeaders(c, rl)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.setSessionCookies(c, loginResp.SessionID, loginResp.Tenant)
	response.Success(c, http.StatusOK, "login successful", loginResp)
}

// OAuthCallback completes a federated login
func (h *AuthHandler) OAuthCallback(c *gin.Context) {
	var req auth.OAuthCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rejectMalformed(c, "login.oauth", err)
		return
	}
	req.RequestContext = h.requestContext(c)

	loginResp, rl, err := h.authService.OAuthExchange(c.Request.Context(), &req)
	writeRateLimitHeaders(c, rl)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.setSessionCookies(c, loginResp.SessionID, loginResp.Tenant)
	response.Success(c, http.StatusOK, "login successful", loginResp)
}

// ========== Refresh ==========

// Refresh issues a new access token for the session cookie. The body is
// optional; without a tenant the authType cookie is used as the hint.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req auth.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.ValidationError(c, "invalid request", err)
		return
	}
	if req.Tenant == "" {
		req.Tenant, _ = c.Cookie(TenantCookie)
	}
	req.SessionID, _ = c.Cookie(SessionCookie)

	tokenResp, err := h.authService.Refresh(c.Request.Context(), &req)
	if err != nil {
		ae := xerrors.AsAuthError(err)
		switch ae.Kind {
		case xerrors.KindTenantMismatch:
			if stored, ok := ae.Details["tenant"].(string); ok {
				h.setTenantCookie(c, stored)
			}
		case xerrors.KindSessionNotFound, xerrors.KindSessionExpired:
			h.clearSessionCookies(c)
		}
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, "token refreshed", tokenResp)
}

// ========== Logout ==========

// Logout deletes the session and clears its cookies
func (h *AuthHandler) Logout(c *gin.Context) {
	req := auth.LogoutRequest{RequestContext: h.requestContext(c)}
	req.SessionID, _ = c.Cookie(SessionCookie)

	if err := h.authService.Logout(c.Request.Context(), &req); err != nil {
		h.fail(c, err)
		return
	}

	h.clearSessionCookies(c)
	response.Success(c, http.StatusOK, "logout successful", nil)
}

// ========== Re-authentication ==========

// Reauthenticate confirms the password of the session owner
func (h *AuthHandler) Reauthenticate(c *gin.Context) {
	var req auth.ReauthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rejectMalformed(c, "reauthenticate", err)
		return
	}
	req.RequestContext = h.requestContext(c)
	req.SessionID, _ = c.Cookie(SessionCookie)

	tokenResp, rl, err := h.authService.Reauthenticate(c.Request.Context(), &req)
	writeRateLimitHeaders(c, rl)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, "re-authentication successful", tokenResp)
}

// ========== Session ==========

// GetSession returns the current session (requires RequireSession)
func (h *AuthHandler) GetSession(c *gin.Context) {
	rec, ok := middleware.GetSession(c)
	if !ok {
		h.fail(c, xerrors.NewAuthError(xerrors.KindSessionNotFound, "No session found", nil))
		return
	}

	response.Success(c, http.StatusOK, "session retrieved", h.authService.SessionInfo(rec))
}

// ========== Helpers ==========

// rejectMalformed answers a body that failed binding. The rate limit and
// CSRF checks still run first, so malformed requests are counted and a
// missing token is reported before the validation error.
func (h *AuthHandler) rejectMalformed(c *gin.Context, action string, bindErr error) {
	rl, err := h.authService.RejectMalformed(c.Request.Context(), action, h.requestContext(c))
	writeRateLimitHeaders(c, rl)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.ValidationError(c, "invalid request", bindErr)
}

func (h *AuthHandler) requestContext(c *gin.Context) auth.RequestContext {
	header, cookie := h.csrf.Extract(c.Request)
	return auth.RequestContext{
		ClientIP:   clientIP(c),
		UserAgent:  c.GetHeader("User-Agent"),
		Endpoint:   c.FullPath(),
		CSRFHeader: header,
		CSRFCookie: cookie,
	}
}

// fail writes err using the auth taxonomy. Internal errors are logged here
// since their cause never reaches the client.
func (h *AuthHandler) fail(c *gin.Context, err error) {
	ae := xerrors.AsAuthError(err)
	if ae.Kind == xerrors.KindInternal {
		h.logger.Error("auth request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", middleware.GetRequestID(c)),
			zap.Error(err),
		)
	}
	if ae.Cause != nil {
		_ = c.Error(ae.Cause)
	}
	response.AuthFailure(c, ae)
}

func (h *AuthHandler) setSessionCookies(c *gin.Context, sessionID, tenant string) {
	maxAge := int(h.cookies.MaxAge / time.Second)

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, sessionID, maxAge, "/", h.cookies.Domain, h.cookies.Secure, true)
	h.setTenantCookie(c, tenant)
}

// setTenantCookie writes the client-side tenant hint. It is readable by
// scripts and never trusted by the server.
func (h *AuthHandler) setTenantCookie(c *gin.Context, tenant string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(TenantCookie, tenant, int(h.cookies.MaxAge/time.Second), "/", h.cookies.Domain, h.cookies.Secure, false)
}

func (h *AuthHandler) clearSessionCookies(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, "", -1, "/", h.cookies.Domain, h.cookies.Secure, true)
	c.SetCookie(TenantCookie, "", -1, "/", h.cookies.Domain, h.cookies.Secure, false)
}

// clientIP is the peer address, or the forwarded address when the peer is
// one of the engine's trusted proxies.
func clientIP(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

func writeRateLimitHeaders(c *gin.Context, rl ratelimit.Result) {
	if rl.Limit == 0 {
		return
	}
	for k, v := range rl.Headers() {
		c.Header(k, v)
	}
}
