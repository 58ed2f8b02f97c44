// internal/service/auth/auth.go
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace-auth/internal/domain/auth"
	"marketplace-auth/internal/pkg/csrf"
	xerrors "marketplace-auth/internal/pkg/errors"
	"marketplace-auth/internal/pkg/geo"
	"marketplace-auth/internal/pkg/idp"
	"marketplace-auth/internal/pkg/jwt"
	"marketplace-auth/internal/pkg/ratelimit"
	"marketplace-auth/internal/pkg/session"

	"go.uber.org/zap"
)

// IdentityProvider is the token endpoint of the upstream authorization
// server.
type IdentityProvider interface {
	HasTenant(tenant string) bool
	PasswordGrant(ctx context.Context, tenant, username, password, otp string) (*idp.TokenResponse, error)
	ExchangeCode(ctx context.Context, tenant, code, redirectURI string) (*idp.TokenResponse, error)
	Refresh(ctx context.Context, tenant, refreshToken string) (*idp.TokenResponse, error)
}

type RateLimiter interface {
	Check(ctx context.Context, clientID, endpoint string) (ratelimit.Result, error)
}

type LocationGate interface {
	Evaluate(ctx context.Context, ip string) geo.LocationInfo
}

type Options struct {
	// CheckOAuthLocation runs the location gate on code exchange as well as
	// password login.
	CheckOAuthLocation bool
}

type AuthService struct {
	sessions *session.Manager
	limiter  RateLimiter
	gate     LocationGate
	idp      IdentityProvider
	audit    *Auditor
	opts     Options
	logger   *zap.Logger
}

func NewAuthService(
	sessions *session.Manager,
	limiter RateLimiter,
	gate LocationGate,
	provider IdentityProvider,
	auditor *Auditor,
	opts Options,
	logger *zap.Logger,
) *AuthService {
	return &AuthService{
		sessions: sessions,
		limiter:  limiter,
		gate:     gate,
		idp:      provider,
		audit:    auditor,
		opts:     opts,
		logger:   logger,
	}
}

// ========== Login ==========

// Login runs the password flow. The gating checks run strictly in order and
// nothing after a failed check is attempted. The rate-limit result is
// returned in every case so the caller can set headers.
func (s *AuthService) Login(ctx context.Context, req *auth.LoginRequest) (*auth.LoginResponse, ratelimit.Result, error) {
	ev := AuditEvent{Action: "login.password", Tenant: req.Tenant, User: req.Username, ClientIP: req.ClientIP}

	rl, err := s.checkRateLimit(ctx, req.RequestContext)
	if err != nil {
		return nil, rl, s.fail(ev, err)
	}
	if err := s.checkCSRF(req.RequestContext); err != nil {
		return nil, rl, s.fail(ev, err)
	}
	if err := s.checkTenant(req.Tenant); err != nil {
		return nil, rl, s.fail(ev, err)
	}
	loc, err := s.checkLocation(ctx, req.ClientIP, &ev)
	if err != nil {
		return nil, rl, s.fail(ev, err)
	}

	tok, err := s.idp.PasswordGrant(ctx, req.Tenant, req.Username, req.Password, req.OTP)
	if err != nil {
		return nil, rl, s.fail(ev, mapGrantError(err, req.OTP != ""))
	}

	resp, err := s.establish(ctx, tok, req.Tenant, req.RequestContext)
	if err != nil {
		return nil, rl, s.fail(ev, err)
	}
	resp.Location = loc
	if resp.Username == "" {
		resp.Username = req.Username
	}

	ev.SessionID = resp.SessionID
	ev.Outcome = outcomeSuccess
	s.audit.Log(ev)
	return resp, rl, nil
}

// OAuthExchange completes a federated login with an authorization code.
func (s *AuthService) OAuthExchange(ctx context.Context, req *auth.OAuthCallbackRequest) (*auth.LoginResponse, ratelimit.Result, error) {
	ev := AuditEvent{Action: "login.oauth", Tenant: req.Tenant, ClientIP: req.ClientIP}

	rl, err := s.checkRateLimit(ctx, req.RequestContext)
	if err != nil {
		return nil, rl, s.fail(ev, err)
	}
	if err := s.checkCSRF(req.RequestContext); err != nil {
		return nil, rl, s.fail(ev, err)
	}
	if err := s.checkTenant(req.Tenant); err != nil {
		return nil, rl, s.fail(ev, err)
	}

	var loc *geo.LocationInfo
	if s.opts.CheckOAuthLocation {
		if loc, err = s.checkLocation(ctx, req.ClientIP, &ev); err != nil {
			return nil, rl, s.fail(ev, err)
		}
	}

	tok, err := s.idp.ExchangeCode(ctx, req.Tenant, req.Code, req.RedirectURI)
	if err != nil {
		return nil, rl, s.fail(ev, mapGrantError(err, false))
	}

	resp, err := s.establish(ctx, tok, req.Tenant, req.RequestContext)
	if err != nil {
		return nil, rl, s.fail(ev, err)
	}
	resp.Location = loc

	ev.User = resp.UserID
	ev.SessionID = resp.SessionID
	ev.Outcome = outcomeSuccess
	s.audit.Log(ev)
	return resp, rl, nil
}

// establish turns a token response into a new session.
func (s *AuthService) establish(ctx context.Context, tok *idp.TokenResponse, tenant string, rc auth.RequestContext) (*auth.LoginResponse, error) {
	if tok.RefreshToken == "" {
		return nil, xerrors.NewAuthError(xerrors.KindUpstreamUnavailable,
			"Identity provider returned an incomplete response", errors.New("token response has no refresh token"))
	}

	claims, err := jwt.Decode(tok.AccessToken)
	if err != nil {
		return nil, xerrors.NewAuthError(xerrors.KindUpstreamUnavailable,
			"Identity provider returned an incomplete response", err)
	}

	sessionID, err := s.sessions.Create(ctx, tok.RefreshToken, tenant, session.Metadata{
		UserID:    claims.UserID(),
		IPAddress: rc.ClientIP,
		UserAgent: rc.UserAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &auth.LoginResponse{
		AccessToken: tok.AccessToken,
		TokenType:   tokenType(tok),
		ExpiresIn:   tok.ExpiresIn,
		Tenant:      tenant,
		UserID:      claims.UserID(),
		Username:    claims.PreferredUsername,
		SessionID:   sessionID,
	}, nil
}

// ========== Refresh ==========

// Refresh exchanges the session's stored refresh token for a new pair and
// rotates the record. A tenant hint that disagrees with the record fails
// before any network call.
func (s *AuthService) Refresh(ctx context.Context, req *auth.RefreshRequest) (*auth.TokenResponse, error) {
	ev := AuditEvent{Action: "refresh", Tenant: req.Tenant, SessionID: req.SessionID}

	if req.SessionID == "" {
		return nil, s.fail(ev, xerrors.NewAuthError(xerrors.KindSessionNotFound, "No session found", nil))
	}

	rec, err := s.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, s.fail(ev, sessionLookupError(err))
	}
	ev.User = rec.UserID

	if req.Tenant != "" && req.Tenant != rec.Tenant {
		ae := xerrors.NewAuthError(xerrors.KindTenantMismatch, "Auth type mismatch", nil).
			WithDetail("tenant", rec.Tenant)
		ae.NextStep = "Reload the application"
		return nil, s.fail(ev, ae)
	}
	ev.Tenant = rec.Tenant

	tok, err := s.idp.Refresh(ctx, rec.Tenant, rec.RefreshToken)
	if err != nil {
		var pe *idp.Error
		if errors.As(err, &pe) && !pe.ServerSide() {
			if derr := s.sessions.Delete(ctx, req.SessionID, session.ReasonRevoked); derr != nil {
				s.logger.Error("failed to delete rejected session", zap.Error(derr))
			}
			ae := xerrors.NewAuthError(xerrors.KindSessionExpired, "Session expired", err)
			ae.NextStep = "Sign in again"
			return nil, s.fail(ev, ae)
		}
		return nil, s.fail(ev, mapGrantError(err, false))
	}

	if err := s.sessions.Rotate(ctx, req.SessionID, tok.RefreshToken); err != nil {
		return nil, s.fail(ev, err)
	}

	ev.Outcome = outcomeSuccess
	s.audit.Log(ev)
	return &auth.TokenResponse{
		AccessToken: tok.AccessToken,
		TokenType:   tokenType(tok),
		ExpiresIn:   tok.ExpiresIn,
		Tenant:      rec.Tenant,
	}, nil
}

// ========== Logout ==========

// Logout deletes the session. Logging out without a session succeeds.
func (s *AuthService) Logout(ctx context.Context, req *auth.LogoutRequest) error {
	ev := AuditEvent{Action: "logout", ClientIP: req.ClientIP, SessionID: req.SessionID}

	if err := s.checkCSRF(req.RequestContext); err != nil {
		return s.fail(ev, err)
	}
	if req.SessionID == "" {
		return nil
	}

	if rec, err := s.sessions.Get(ctx, req.SessionID); err == nil {
		ev.Tenant = rec.Tenant
		ev.User = rec.UserID
	}
	if err := s.sessions.Delete(ctx, req.SessionID, session.ReasonLogout); err != nil {
		return s.fail(ev, err)
	}

	ev.Outcome = outcomeSuccess
	s.audit.Log(ev)
	return nil
}

// ========== Re-authentication ==========

// Reauthenticate checks the password of the session's owner again. Every
// attempt is counted against the session before the provider is asked, and
// the session locks once the threshold is hit. Attempts that end without a
// verdict are handed back.
func (s *AuthService) Reauthenticate(ctx context.Context, req *auth.ReauthRequest) (*auth.TokenResponse, ratelimit.Result, error) {
	ev := AuditEvent{Action: "reauthenticate", User: req.Username, ClientIP: req.ClientIP, SessionID: req.SessionID}

	rl, err := s.checkRateLimit(ctx, req.RequestContext)
	if err != nil {
		return nil, rl, s.fail(ev, err)
	}
	if err := s.checkCSRF(req.RequestContext); err != nil {
		return nil, rl, s.fail(ev, err)
	}
	if req.SessionID == "" {
		return nil, rl, s.fail(ev, xerrors.NewAuthError(xerrors.KindSessionNotFound, "No session found", nil))
	}

	rec, err := s.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, rl, s.fail(ev, sessionLookupError(err))
	}
	ev.Tenant = rec.Tenant

	reserved, remaining, err := s.sessions.ReserveAttempt(ctx, req.SessionID)
	if errors.Is(err, xerrors.ErrSessionLocked) {
		return nil, rl, s.fail(ev, lockedError(remaining))
	}
	if err != nil {
		return nil, rl, s.fail(ev, sessionLookupError(err))
	}

	tok, err := s.idp.PasswordGrant(ctx, rec.Tenant, req.Username, req.Password, req.OTP)
	if err != nil {
		mapped := mapGrantError(err, req.OTP != "")
		if mapped.Kind != xerrors.KindInvalidCredentials {
			s.releaseAttempt(ctx, req.SessionID)
			return nil, rl, s.fail(ev, mapped)
		}
		return nil, rl, s.fail(ev, attemptFailed(reserved, remaining, mapped))
	}

	claims, err := jwt.Decode(tok.AccessToken)
	if err != nil {
		s.releaseAttempt(ctx, req.SessionID)
		return nil, rl, s.fail(ev, xerrors.NewAuthError(xerrors.KindUpstreamUnavailable,
			"Identity provider returned an incomplete response", err))
	}
	if rec.UserID != "" && claims.UserID() != rec.UserID {
		mismatch := xerrors.NewAuthError(xerrors.KindInvalidCredentials, "Invalid username or password",
			fmt.Errorf("subject %s does not own the session", claims.UserID()))
		return nil, rl, s.fail(ev, attemptFailed(reserved, remaining, mismatch))
	}

	if _, err := s.sessions.TrackLoginAttempt(ctx, req.SessionID, true); err != nil {
		return nil, rl, s.fail(ev, sessionLookupError(err))
	}
	if tok.RefreshToken != "" {
		if err := s.sessions.Rotate(ctx, req.SessionID, tok.RefreshToken); err != nil {
			return nil, rl, s.fail(ev, err)
		}
	}

	ev.Outcome = outcomeSuccess
	s.audit.Log(ev)
	return &auth.TokenResponse{
		AccessToken: tok.AccessToken,
		TokenType:   tokenType(tok),
		ExpiresIn:   tok.ExpiresIn,
		Tenant:      rec.Tenant,
	}, rl, nil
}

// attemptFailed reports a failed credential check whose attempt was already
// counted by the reservation. The attempt that reached the threshold gets
// the lock error.
func attemptFailed(reserved *session.Record, remaining time.Duration, cause *xerrors.AuthError) error {
	if reserved.IsLocked {
		return lockedError(remaining)
	}
	return cause.WithDetail("attempts", reserved.LoginAttempts)
}

func (s *AuthService) releaseAttempt(ctx context.Context, sessionID string) {
	if err := s.sessions.ReleaseAttempt(ctx, sessionID); err != nil {
		s.logger.Error("failed to release reauthentication attempt",
			zap.String("session", shortID(sessionID)),
			zap.Error(err),
		)
	}
}

// ========== Malformed requests ==========

// RejectMalformed runs the checks that precede body validation for a
// request whose body could not be read. It counts against the rate limit
// like any other attempt.
func (s *AuthService) RejectMalformed(ctx context.Context, action string, rc auth.RequestContext) (ratelimit.Result, error) {
	ev := AuditEvent{Action: action, ClientIP: rc.ClientIP, Reason: "malformed request"}

	rl, err := s.checkRateLimit(ctx, rc)
	if err != nil {
		return rl, s.fail(ev, err)
	}
	if err := s.checkCSRF(rc); err != nil {
		return rl, s.fail(ev, err)
	}
	return rl, nil
}

// ========== Session info ==========

// SessionInfo describes a resolved session without revealing the refresh
// token.
func (s *AuthService) SessionInfo(rec *session.Record) *auth.SessionInfo {
	locked, remaining := s.sessions.LockStatus(rec)

	info := &auth.SessionInfo{
		Tenant:        rec.Tenant,
		UserID:        rec.UserID,
		Device:        rec.Device,
		IPAddress:     rec.IPAddress,
		CreatedAt:     rec.CreatedAt,
		LastRotatedAt: rec.LastRotatedAt,
		ExpiresAt:     rec.CreatedAt.Add(s.sessions.MaxAge()),
		Locked:        locked,
	}
	if locked {
		info.UnlocksIn = int64((remaining + time.Second - 1) / time.Second)
	}
	return info
}

// ========== Gating checks ==========

func (s *AuthService) checkRateLimit(ctx context.Context, rc auth.RequestContext) (ratelimit.Result, error) {
	rl, err := s.limiter.Check(ctx, rc.ClientIP, rc.Endpoint)
	if err != nil {
		// Check already decided to let the request through
		s.logger.Warn("rate limiter unavailable",
			zap.String("endpoint", rc.Endpoint),
			zap.Error(err),
		)
	}
	if rl.Allowed {
		return rl, nil
	}

	ae := xerrors.NewAuthError(xerrors.KindRateLimitExceeded, "Too many attempts", xerrors.ErrRateLimited)
	ae.RetryAfter = rl.RetryAfter
	ae.NextStep = fmt.Sprintf("Wait %d seconds before trying again", rl.RetryAfterSeconds())
	return rl, ae
}

func (s *AuthService) checkCSRF(rc auth.RequestContext) error {
	if csrf.Match(rc.CSRFHeader, rc.CSRFCookie) {
		return nil
	}
	ae := xerrors.NewAuthError(xerrors.KindCsrfInvalid, "Invalid CSRF token", nil)
	ae.NextStep = "Fetch a new CSRF token and retry"
	return ae
}

func (s *AuthService) checkTenant(tenant string) error {
	if s.idp.HasTenant(tenant) {
		return nil
	}
	return xerrors.NewAuthError(xerrors.KindUnknownTenant, "Unknown tenant", fmt.Errorf("%w: %q", idp.ErrUnknownTenant, tenant))
}

// checkLocation evaluates the gate and notes fail-open decisions on ev so
// they stay distinguishable from real allows in the audit trail.
func (s *AuthService) checkLocation(ctx context.Context, ip string, ev *AuditEvent) (*geo.LocationInfo, error) {
	info := s.gate.Evaluate(ctx, ip)
	if info.LookupFailed {
		ev.Fields = append(ev.Fields, zap.Bool("geo_lookup_failed", true))
	}
	if info.Country != "" {
		ev.Fields = append(ev.Fields, zap.String("country", info.Country), zap.Int("risk_score", info.RiskScore))
	}
	if info.Allowed {
		return &info, nil
	}

	ae := xerrors.NewAuthError(xerrors.KindLocationBlocked, "Sign-in is not allowed from your location", nil).
		WithDetail("country", info.Country).
		WithDetail("reason", info.Reason)
	ae.NextStep = "Contact support if you believe this is a mistake"
	return nil, ae
}

// fail audits err and returns it unchanged.
func (s *AuthService) fail(ev AuditEvent, err error) error {
	ae := xerrors.AsAuthError(err)
	ev.Outcome = outcomeFailure
	ev.Kind = ae.Kind
	if ev.Reason == "" && ae.Cause != nil {
		ev.Reason = ae.Cause.Error()
	}
	s.audit.Log(ev)
	return err
}

// ========== Error mapping ==========

// mapGrantError translates an identity-provider failure into the client
// taxonomy. Provider error text is kept as the cause and never shown.
func mapGrantError(err error, otpSupplied bool) *xerrors.AuthError {
	var pe *idp.Error
	switch {
	case errors.Is(err, idp.ErrUnknownTenant):
		return xerrors.NewAuthError(xerrors.KindUnknownTenant, "Unknown tenant", err)
	case errors.Is(err, idp.ErrTimeout):
		ae := xerrors.NewAuthError(xerrors.KindUpstreamTimeout, "Identity provider timed out", err)
		ae.NextStep = "Try again in a moment"
		return ae
	case errors.Is(err, idp.ErrUnavailable):
		ae := xerrors.NewAuthError(xerrors.KindUpstreamUnavailable, "Identity provider unavailable", err)
		ae.NextStep = "Try again later"
		return ae
	case errors.As(err, &pe):
		if pe.RequiresTOTP() && !otpSupplied {
			ae := xerrors.NewAuthError(xerrors.KindTotpRequired, "Two-factor code required", err)
			ae.NextStep = "Enter the 6-digit code from your authenticator app"
			return ae
		}
		if pe.ServerSide() {
			ae := xerrors.NewAuthError(xerrors.KindUpstreamUnavailable, "Identity provider unavailable", err)
			ae.NextStep = "Try again later"
			return ae
		}
		return xerrors.NewAuthError(xerrors.KindInvalidCredentials, "Invalid username or password", err)
	default:
		return xerrors.NewAuthError(xerrors.KindInternal, "internal server error", err)
	}
}

func sessionLookupError(err error) error {
	if errors.Is(err, xerrors.ErrSessionNotFound) {
		ae := xerrors.NewAuthError(xerrors.KindSessionNotFound, "Invalid session", err)
		ae.NextStep = "Sign in again"
		return ae
	}
	return err
}

func lockedError(remaining time.Duration) *xerrors.AuthError {
	ae := xerrors.NewAuthError(xerrors.KindSessionLocked, "Too many failed attempts for this session", nil)
	ae.RetryAfter = remaining
	ae.NextStep = "Wait before trying again or contact support"
	return ae
}

func tokenType(tok *idp.TokenResponse) string {
	if tok.TokenType == "" {
		return "Bearer"
	}
	return tok.TokenType
}
