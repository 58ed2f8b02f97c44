// internal/pkg/geo/ipapi.go
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const ipAPIFields = "status,message,countryCode,regionName,city,isp,org,as,mobile,proxy,hosting"

// IPAPIProvider queries an ip-api.com compatible JSON endpoint.
type IPAPIProvider struct {
	baseURL string
	client  *http.Client
	quota   *rate.Limiter
}

type ipAPIResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	CountryCode string `json:"countryCode"`
	RegionName  string `json:"regionName"`
	City        string `json:"city"`
	ISP         string `json:"isp"`
	Org         string `json:"org"`
	AS          string `json:"as"`
	Mobile      bool   `json:"mobile"`
	Proxy       bool   `json:"proxy"`
	Hosting     bool   `json:"hosting"`
}

// NewIPAPIProvider creates a provider limited to requestsPerMinute calls.
// Zero disables the quota.
func NewIPAPIProvider(baseURL string, timeout time.Duration, requestsPerMinute int) *IPAPIProvider {
	if timeout <= 0 || timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	p := &IPAPIProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
	if requestsPerMinute > 0 {
		p.quota = rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), requestsPerMinute)
	}
	return p
}

func (p *IPAPIProvider) Name() string { return "ip-api" }

func (p *IPAPIProvider) Lookup(ctx context.Context, ip string) (*Record, error) {
	if p.quota != nil {
		// Wait refuses immediately when the slot lies past ctx's deadline.
		if err := p.quota.Wait(ctx); err != nil {
			return nil, fmt.Errorf("provider quota exhausted: %w", err)
		}
	}

	endpoint := fmt.Sprintf("%s/json/%s?fields=%s", p.baseURL, url.PathEscape(ip), ipAPIFields)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build geolocation request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geolocation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geolocation provider returned status %d", resp.StatusCode)
	}

	var body ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode geolocation response: %w", err)
	}
	if body.Status != "success" {
		msg := body.Message
		if msg == "" {
			msg = "unknown error"
		}
		return nil, errors.New("geolocation provider: " + msg)
	}

	return &Record{
		CountryCode:  body.CountryCode,
		Region:       body.RegionName,
		City:         body.City,
		ISP:          body.ISP,
		Organization: body.Org,
		ASN:          body.AS,
		Mobile:       body.Mobile,
		Proxy:        body.Proxy,
		Hosting:      body.Hosting,
	}, nil
}
