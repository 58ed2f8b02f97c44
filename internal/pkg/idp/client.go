// internal/pkg/idp/client.go
package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketplace-auth/internal/config"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

var (
	ErrUnknownTenant = errors.New("unknown tenant")
	ErrTimeout       = errors.New("identity provider timed out")
	ErrUnavailable   = errors.New("identity provider unavailable")
)

// Error is a non-2xx answer from the token endpoint.
type Error struct {
	Status      int
	Code        string
	Description string
}

func (e *Error) Error() string {
	return fmt.Sprintf("identity provider returned %d: %s: %s", e.Status, e.Code, e.Description)
}

// RequiresTOTP reports whether the provider rejected the grant because a
// one-time code is needed.
func (e *Error) RequiresTOTP() bool {
	if e.Code != "invalid_grant" {
		return false
	}
	d := strings.ToLower(e.Description)
	return strings.Contains(d, "otp") || strings.Contains(d, "totp")
}

// ServerSide reports a 5xx answer.
func (e *Error) ServerSide() bool {
	return e.Status >= http.StatusInternalServerError
}

// TokenResponse is the part of a token endpoint answer this service uses.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

type Options struct {
	// Timeout bounds password and authorization-code grants.
	Timeout time.Duration
	// RefreshTimeout bounds refresh grants.
	RefreshTimeout time.Duration
}

// Client talks to each tenant's realm token endpoint.
type Client struct {
	tenants    config.Tenants
	httpClient *http.Client
	opts       Options
	logger     *zap.Logger
}

func NewClient(tenants config.Tenants, opts Options, logger *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 10 * time.Second
	}
	return &Client{
		tenants: tenants,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 5 * time.Second,
			},
		},
		opts:   opts,
		logger: logger,
	}
}

// HasTenant reports whether tenant is configured.
func (c *Client) HasTenant(tenant string) bool {
	_, ok := c.tenants[tenant]
	return ok
}

// ========== Password grant ==========

// PasswordGrant exchanges user credentials (and an optional one-time code)
// for tokens.
func (c *Client) PasswordGrant(ctx context.Context, tenant, username, password, otp string) (*TokenResponse, error) {
	t, err := c.tenant(tenant)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {t.ClientID},
		"username":   {username},
		"password":   {password},
		"scope":      {"openid"},
	}
	if t.ClientSecret != "" {
		form.Set("client_secret", t.ClientSecret)
	}
	if otp != "" {
		form.Set("totp", otp)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.TokenURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, classify(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		idpErr := &Error{Status: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(body, &eb) == nil {
			idpErr.Code = eb.Error
			idpErr.Description = eb.Description
		}
		c.logger.Debug("password grant rejected",
			zap.String("tenant", tenant),
			zap.Int("status", resp.StatusCode),
			zap.String("error", idpErr.Code),
		)
		return nil, idpErr
	}

	var tok TokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("%w: malformed token response: %v", ErrUnavailable, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access_token", ErrUnavailable)
	}
	return &tok, nil
}

// ========== Authorization code grant ==========

// ExchangeCode redeems an authorization code issued to redirectURI.
func (c *Client) ExchangeCode(ctx context.Context, tenant, code, redirectURI string) (*TokenResponse, error) {
	t, err := c.tenant(tenant)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	tok, err := c.oauthConfig(t, redirectURI).Exchange(c.withHTTPClient(ctx), code)
	if err != nil {
		return nil, classify(err)
	}
	return fromOAuthToken(tok), nil
}

// ========== Refresh grant ==========

// Refresh trades a refresh token for a new token pair. When the provider
// does not rotate the refresh token the old one is returned.
func (c *Client) Refresh(ctx context.Context, tenant, refreshToken string) (*TokenResponse, error) {
	t, err := c.tenant(tenant)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.RefreshTimeout)
	defer cancel()

	src := c.oauthConfig(t, "").TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classify(err)
	}
	return fromOAuthToken(tok), nil
}

func (c *Client) tenant(name string) (config.TenantConfig, error) {
	t, ok := c.tenants[name]
	if !ok {
		return config.TenantConfig{}, fmt.Errorf("%w: %q", ErrUnknownTenant, name)
	}
	return t, nil
}

func (c *Client) oauthConfig(t config.TenantConfig, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     t.ClientID,
		ClientSecret: t.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       []string{"openid"},
		Endpoint: oauth2.Endpoint{
			TokenURL:  t.TokenURL(),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func fromOAuthToken(tok *oauth2.Token) *TokenResponse {
	out := &TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		out.ExpiresIn = int64(time.Until(tok.Expiry).Round(time.Second) / time.Second)
	}
	return out
}

// classify turns transport and oauth2 errors into Error, ErrTimeout or
// ErrUnavailable.
func classify(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		idpErr := &Error{Code: re.ErrorCode, Description: re.ErrorDescription}
		if re.Response != nil {
			idpErr.Status = re.Response.StatusCode
		}
		if idpErr.Code == "" && len(re.Body) > 0 {
			var eb errorBody
			if json.Unmarshal(re.Body, &eb) == nil {
				idpErr.Code, idpErr.Description = eb.Error, eb.Description
			}
		}
		return idpErr
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
