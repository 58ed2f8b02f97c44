// internal/pkg/geo/geo.go
package geo

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Record is what a provider knows about an address.
type Record struct {
	CountryCode  string
	Region       string
	City         string
	ISP          string
	Organization string
	ASN          string
	Mobile       bool
	Proxy        bool
	Hosting      bool
}

// Provider resolves an IP address to a Record.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, ip string) (*Record, error)
}

// LocationInfo is the gate's verdict for one request. It is never cached.
type LocationInfo struct {
	IP           string `json:"ip"`
	Country      string `json:"country,omitempty"`
	Region       string `json:"region,omitempty"`
	City         string `json:"city,omitempty"`
	ISP          string `json:"isp,omitempty"`
	Organization string `json:"organization,omitempty"`
	ASN          string `json:"asn,omitempty"`
	Mobile       bool   `json:"mobile"`
	Proxy        bool   `json:"proxy"`
	Hosting      bool   `json:"hosting"`
	RiskScore    int    `json:"risk_score"`
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason,omitempty"`
	// LookupFailed marks a fail-open decision: the provider could not
	// answer and the request was let through.
	LookupFailed bool `json:"lookup_failed,omitempty"`
}

type Policy struct {
	BlockedCountries   []string
	HighRiskCountries  []string
	SuspiciousKeywords []string
}

// DefaultKeywords flag ISPs and organizations that anonymize traffic.
var DefaultKeywords = []string{"vpn", "proxy", "hosting", "datacenter", "data center", "vps"}

const (
	scoreBlocked     = 100
	scoreHighRisk    = 70
	scoreProxy       = 80
	scoreHosting     = 60
	scoreISPKeyword  = 50
	scoreOrgKeyword  = 40
	scoreMobileBonus = -20
)

// Gate decides whether a client location may authenticate.
type Gate struct {
	provider Provider
	blocked  map[string]bool
	highRisk map[string]bool
	keywords []string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewGate builds a gate. A nil provider disables lookups and allows all.
func NewGate(provider Provider, policy Policy, timeout time.Duration, logger *zap.Logger) *Gate {
	keywords := policy.SuspiciousKeywords
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	if timeout <= 0 || timeout > 10*time.Second {
		timeout = 5 * time.Second
	}
	return &Gate{
		provider: provider,
		blocked:  countrySet(policy.BlockedCountries),
		highRisk: countrySet(policy.HighRiskCountries),
		keywords: lowerAll(keywords),
		timeout:  timeout,
		logger:   logger,
	}
}

// Evaluate looks up ip and applies the policy. Lookup failures allow the
// request and set LookupFailed.
func (g *Gate) Evaluate(ctx context.Context, ip string) LocationInfo {
	info := LocationInfo{IP: ip, Allowed: true}

	if !IsPublicIP(ip) {
		info.Reason = "private or local address"
		return info
	}
	if g.provider == nil {
		info.Reason = "geolocation disabled"
		return info
	}

	lookupCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	rec, err := g.provider.Lookup(lookupCtx, ip)
	if err != nil {
		info.LookupFailed = true
		info.Reason = fmt.Sprintf("lookup failed: %v", err)
		g.logger.Warn("geolocation lookup failed, allowing",
			zap.String("provider", g.provider.Name()),
			zap.String("ip", ip),
			zap.Error(err),
		)
		return info
	}

	info.Country = strings.ToUpper(rec.CountryCode)
	info.Region = rec.Region
	info.City = rec.City
	info.ISP = rec.ISP
	info.Organization = rec.Organization
	info.ASN = rec.ASN
	info.Mobile = rec.Mobile
	info.Proxy = rec.Proxy
	info.Hosting = rec.Hosting

	info.RiskScore = g.riskScore(info)
	info.Allowed, info.Reason = g.decide(info)
	return info
}

// decide applies the rules in order; the first match wins.
func (g *Gate) decide(info LocationInfo) (bool, string) {
	if g.blocked[info.Country] {
		return false, fmt.Sprintf("access from %s is not permitted", info.Country)
	}
	if info.Proxy {
		return false, "proxy connections are not permitted"
	}
	if info.Hosting {
		return false, "connections from hosting providers are not permitted"
	}
	if kw := g.matchKeyword(info.ISP); kw != "" {
		return false, fmt.Sprintf("VPN or proxy provider detected (isp matches %q)", kw)
	}
	if kw := g.matchKeyword(info.Organization); kw != "" {
		return false, fmt.Sprintf("VPN or proxy provider detected (organization matches %q)", kw)
	}
	return true, ""
}

func (g *Gate) riskScore(info LocationInfo) int {
	if g.blocked[info.Country] {
		return scoreBlocked
	}

	score := 0
	if g.highRisk[info.Country] {
		score = scoreHighRisk
	}
	if info.Proxy {
		score += scoreProxy
	}
	if info.Hosting {
		score += scoreHosting
	}
	if g.matchKeyword(info.ISP) != "" {
		score += scoreISPKeyword
	}
	if g.matchKeyword(info.Organization) != "" {
		score += scoreOrgKeyword
	}
	if info.Mobile {
		score += scoreMobileBonus
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func (g *Gate) matchKeyword(s string) string {
	s = strings.ToLower(s)
	if s == "" {
		return ""
	}
	for _, kw := range g.keywords {
		if strings.Contains(s, kw) {
			return kw
		}
	}
	return ""
}

// IsPublicIP reports whether ip is a routable address worth looking up.
// Private, loopback, link-local, unspecified and unparsable inputs are not.
func IsPublicIP(ip string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	return !(parsed.IsPrivate() ||
		parsed.IsLoopback() ||
		parsed.IsLinkLocalUnicast() ||
		parsed.IsLinkLocalMulticast() ||
		parsed.IsUnspecified() ||
		parsed.IsMulticast())
}

func countrySet(codes []string) map[string]bool {
	set := make(map[string]bool, len(codes))
	for _, c := range codes {
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			set[c] = true
		}
	}
	return set
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(s))
	}
	return out
}
