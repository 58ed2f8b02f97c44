// internal/pkg/geo/geoip2.go
package geo

import (
	"context"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// GeoIP2Provider answers from local MaxMind databases. The ASN database is
// optional; without it ISP and organization stay empty.
type GeoIP2Provider struct {
	city *geoip2.Reader
	asn  *geoip2.Reader
}

func NewGeoIP2Provider(cityPath, asnPath string) (*GeoIP2Provider, error) {
	city, err := geoip2.Open(cityPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip city database: %w", err)
	}
	p := &GeoIP2Provider{city: city}

	if asnPath != "" {
		asn, err := geoip2.Open(asnPath)
		if err != nil {
			city.Close()
			return nil, fmt.Errorf("failed to open geoip asn database: %w", err)
		}
		p.asn = asn
	}
	return p, nil
}

func (p *GeoIP2Provider) Name() string { return "geoip2" }

func (p *GeoIP2Provider) Lookup(_ context.Context, ip string) (*Record, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("invalid ip address %q", ip)
	}

	city, err := p.city.City(parsed)
	if err != nil {
		return nil, fmt.Errorf("geoip city lookup: %w", err)
	}

	rec := &Record{
		CountryCode: city.Country.IsoCode,
		City:        city.City.Names["en"],
		Proxy:       city.Traits.IsAnonymousProxy,
	}
	if len(city.Subdivisions) > 0 {
		rec.Region = city.Subdivisions[0].Names["en"]
	}

	if p.asn != nil {
		asn, err := p.asn.ASN(parsed)
		if err == nil {
			rec.ASN = fmt.Sprintf("AS%d", asn.AutonomousSystemNumber)
			rec.ISP = asn.AutonomousSystemOrganization
			rec.Organization = asn.AutonomousSystemOrganization
		}
	}
	return rec, nil
}

func (p *GeoIP2Provider) Close() error {
	if p.asn != nil {
		p.asn.Close()
	}
	return p.city.Close()
}
