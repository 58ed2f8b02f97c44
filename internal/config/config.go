// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TenantConfig locates one tenant's realm at the identity provider.
type TenantConfig struct {
	IdPURL       string `yaml:"idpUrl"`
	Realm        string `yaml:"realm"`
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret,omitempty"`
}

// TokenURL is the realm's OIDC token endpoint.
func (t TenantConfig) TokenURL() string {
	return strings.TrimRight(t.IdPURL, "/") + "/realms/" + url.PathEscape(t.Realm) + "/protocol/openid-connect/token"
}

// Tenants maps a tenant name (customer, developer, vendor...) to its realm.
type Tenants map[string]TenantConfig

// Names returns the configured tenant names in sorted order.
func (t Tenants) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type SessionConfig struct {
	Backend       string // memory | redis | postgres
	Table         string
	MaxAge        time.Duration
	PurgeInterval time.Duration
	LockThreshold int
	LockDuration  time.Duration
}

type RateLimitConfig struct {
	Backend            string // memory | redis
	Window             time.Duration
	MaxAttempts        int
	BlockDuration      time.Duration
	CleanupProbability float64
}

type CSRFConfig struct {
	CookieName string
	HeaderName string
	TTL        time.Duration
}

type GeoConfig struct {
	Provider          string // ip-api | geoip2 | none
	BaseURL           string
	DatabasePath      string
	ASNDatabasePath   string
	Timeout           time.Duration
	RequestsPerMinute int
	BlockedCountries  []string
	HighRiskCountries []string
	CheckOAuth        bool
}

type IdPConfig struct {
	Timeout        time.Duration
	RefreshTimeout time.Duration
}

type AppConfig struct {
	// Server
	HTTPAddr     string
	Env          string
	CookieDomain string
	AllowOrigins []string
	// Peers allowed to set X-Forwarded-For. Empty trusts none.
	TrustedProxies []string

	RedisAddr   string
	RedisPass   string
	DatabaseURL string

	Session   SessionConfig
	RateLimit RateLimitConfig
	CSRF      CSRFConfig
	Geo       GeoConfig
	IdP       IdPConfig

	TenantsFile string
	Tenants     Tenants

	// Key for hashing user identifiers in security logs
	AuditHashKey string
}

// IsProduction reports whether cookies must carry the Secure attribute.
func (c AppConfig) IsProduction() bool {
	return c.Env == "production"
}

// Load loads environment variables and the tenant file into AppConfig and
// validates the result. A bad configuration fails startup.
func Load() (AppConfig, error) {
	env := &envReader{}
	cfg := AppConfig{
		HTTPAddr:     getEnv("HTTP_ADDR", ":8000"),
		Env:          strings.ToLower(getEnv("APP_ENV", "development")),
		CookieDomain: getEnv("COOKIE_DOMAIN", ""),
		AllowOrigins: getEnvSlice("CORS_ALLOW_ORIGINS", []string{"http://localhost:3000"}),

		TrustedProxies: getEnvSlice("TRUSTED_PROXIES", nil),

		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPass:   getEnv("REDIS_PASS", ""),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		Session: SessionConfig{
			Backend:       strings.ToLower(getEnv("SESSION_BACKEND", "memory")),
			Table:         getEnv("SESSION_TABLE", "auth_sessions"),
			MaxAge:        env.duration("SESSION_MAX_AGE", 7*24*time.Hour),
			PurgeInterval: env.duration("SESSION_PURGE_INTERVAL", time.Hour),
			LockThreshold: env.int("SESSION_LOCK_THRESHOLD", 5),
			LockDuration:  env.duration("SESSION_LOCK_DURATION", 30*time.Minute),
		},

		RateLimit: RateLimitConfig{
			Backend:            strings.ToLower(getEnv("RATE_LIMIT_BACKEND", "memory")),
			Window:             env.duration("RATE_LIMIT_WINDOW", 15*time.Minute),
			MaxAttempts:        env.int("RATE_LIMIT_MAX_ATTEMPTS", 5),
			BlockDuration:      env.duration("RATE_LIMIT_BLOCK", time.Hour),
			CleanupProbability: env.float("RATE_LIMIT_CLEANUP_PROBABILITY", 0.01),
		},

		CSRF: CSRFConfig{
			CookieName: getEnv("CSRF_COOKIE_NAME", "csrf_token"),
			HeaderName: getEnv("CSRF_HEADER_NAME", "X-CSRF-Token"),
			TTL:        env.duration("CSRF_TTL", 2*time.Hour),
		},

		Geo: GeoConfig{
			Provider:          strings.ToLower(getEnv("GEO_PROVIDER", "ip-api")),
			BaseURL:           getEnv("GEO_BASE_URL", "http://ip-api.com"),
			DatabasePath:      getEnv("GEOIP_DB_PATH", ""),
			ASNDatabasePath:   getEnv("GEOIP_ASN_DB_PATH", ""),
			Timeout:           env.duration("GEO_TIMEOUT", 5*time.Second),
			RequestsPerMinute: env.int("GEO_REQUESTS_PER_MINUTE", 45),
			BlockedCountries:  getEnvSlice("GEO_BLOCKED_COUNTRIES", []string{"KP", "IR", "SY", "CU"}),
			HighRiskCountries: getEnvSlice("GEO_HIGH_RISK_COUNTRIES", []string{"RU", "BY"}),
			CheckOAuth:        env.bool("GEO_CHECK_OAUTH", true),
		},

		IdP: IdPConfig{
			Timeout:        env.duration("IDP_TIMEOUT", 15*time.Second),
			RefreshTimeout: env.duration("IDP_REFRESH_TIMEOUT", 10*time.Second),
		},

		TenantsFile:  getEnv("TENANTS_FILE", "tenants.yaml"),
		AuditHashKey: getEnv("AUDIT_HASH_KEY", ""),
	}

	tenants, err := LoadTenants(cfg.TenantsFile)
	if err != nil {
		return AppConfig{}, err
	}
	if len(tenants) == 0 {
		if tenants, err = tenantsFromEnv(getEnv("IDP_URL", ""), getEnv("IDP_TENANTS", "")); err != nil {
			env.errs = append(env.errs, err)
		}
	}
	cfg.Tenants = tenants

	if len(env.errs) > 0 {
		return AppConfig{}, fmt.Errorf("invalid configuration: %w", errors.Join(env.errs...))
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadTenants reads the tenant map from a YAML file. A missing file yields
// an empty map so the env fallback can apply.
func LoadTenants(path string) (Tenants, error) {
	if path == "" {
		return Tenants{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Tenants{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tenants file: %w", err)
	}

	tenants := Tenants{}
	if err := yaml.Unmarshal(data, &tenants); err != nil {
		return nil, fmt.Errorf("parse tenants yaml: %w", err)
	}
	return tenants, nil
}

// tenantsFromEnv parses "name:realm:clientId,..." entries sharing one IdP URL.
func tenantsFromEnv(idpURL, list string) (Tenants, error) {
	tenants := Tenants{}
	if list == "" {
		return tenants, nil
	}
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		parts := strings.Split(entry, ":")
		if len(parts) != 3 || parts[0] == "" {
			return nil, fmt.Errorf("IDP_TENANTS: malformed entry %q, want name:realm:clientId", entry)
		}
		if _, dup := tenants[parts[0]]; dup {
			return nil, fmt.Errorf("IDP_TENANTS: tenant %q listed twice", parts[0])
		}
		tenants[parts[0]] = TenantConfig{
			IdPURL:   idpURL,
			Realm:    parts[1],
			ClientID: parts[2],
		}
	}
	return tenants, nil
}

// Validate checks every field the flows rely on.
func (c AppConfig) Validate() error {
	var errs []error

	if len(c.Tenants) == 0 {
		errs = append(errs, errors.New("no tenants configured (TENANTS_FILE or IDP_URL/IDP_TENANTS)"))
	}
	for _, name := range c.Tenants.Names() {
		t := c.Tenants[name]
		u, err := url.Parse(t.IdPURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("tenant %q: idpUrl must be an absolute http(s) URL", name))
		}
		if t.Realm == "" {
			errs = append(errs, fmt.Errorf("tenant %q: realm is required", name))
		}
		if t.ClientID == "" {
			errs = append(errs, fmt.Errorf("tenant %q: clientId is required", name))
		}
	}

	switch c.Session.Backend {
	case "memory", "redis":
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres session backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SESSION_BACKEND %q", c.Session.Backend))
	}
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimit.Backend))
	}
	switch c.Geo.Provider {
	case "ip-api", "none":
	case "geoip2":
		if c.Geo.DatabasePath == "" {
			errs = append(errs, errors.New("GEOIP_DB_PATH is required for the geoip2 provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown GEO_PROVIDER %q", c.Geo.Provider))
	}

	if c.RateLimit.MaxAttempts <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_MAX_ATTEMPTS must be positive"))
	}
	if c.RateLimit.CleanupProbability < 0 || c.RateLimit.CleanupProbability > 1 {
		errs = append(errs, errors.New("RATE_LIMIT_CLEANUP_PROBABILITY must be within [0,1]"))
	}
	if c.Session.LockThreshold <= 0 {
		errs = append(errs, errors.New("SESSION_LOCK_THRESHOLD must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"RATE_LIMIT_WINDOW":      c.RateLimit.Window,
		"RATE_LIMIT_BLOCK":       c.RateLimit.BlockDuration,
		"SESSION_MAX_AGE":        c.Session.MaxAge,
		"SESSION_PURGE_INTERVAL": c.Session.PurgeInterval,
		"SESSION_LOCK_DURATION":  c.Session.LockDuration,
		"CSRF_TTL":               c.CSRF.TTL,
		"GEO_TIMEOUT":            c.Geo.Timeout,
		"IDP_TIMEOUT":            c.IdP.Timeout,
		"IDP_REFRESH_TIMEOUT":    c.IdP.RefreshTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive duration", name))
		}
	}
	if c.Geo.Timeout > 10*time.Second {
		errs = append(errs, errors.New("GEO_TIMEOUT must not exceed 10s"))
	}
	for _, p := range c.TrustedProxies {
		if net.ParseIP(p) == nil {
			if _, _, err := net.ParseCIDR(p); err != nil {
				errs = append(errs, fmt.Errorf("TRUSTED_PROXIES: %q is not an IP or CIDR", p))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// --- Helper functions ---

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}

// envReader parses typed variables and keeps every malformed value so Load
// can report them together instead of silently using defaults.
type envReader struct {
	errs []error
}

func (r *envReader) fail(key, value, want string) {
	r.errs = append(r.errs, fmt.Errorf("%s: %q is not a valid %s", key, value, want))
}

func (r *envReader) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, "integer")
		return fallback
	}
	return n
}

func (r *envReader) float(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, v, "number")
		return fallback
	}
	return f
}

func (r *envReader) bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, "boolean")
		return fallback
	}
	return b
}

func (r *envReader) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, "duration")
		return fallback
	}
	return d
}
