// Package geoip resolves source addresses to ISO country codes.
package geoip

import (
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/maxminddb-golang"
	"github.com/rs/zerolog"

	"github.com/hervehildenbrand/honeypot-radar/pkg/logging"
	"github.com/hervehildenbrand/honeypot-radar/pkg/metrics"
)

// Resolver maps an IP address to an upper-case alpha-2 code, or "" when
// unknown.
type Resolver interface {
	Resolve(ip string) string
	Close() error
}

// NullResolver resolves nothing. It is used when no database is configured.
type NullResolver struct{}

func (NullResolver) Resolve(string) string { return "" }
func (NullResolver) Close() error          { return nil }

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// MMDBResolver looks addresses up in a MaxMind country or city database.
type MMDBResolver struct {
	db  *maxminddb.Reader
	log zerolog.Logger
}

// Open opens the database at path.
func Open(path string) (*MMDBResolver, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &MMDBResolver{db: db, log: logging.WithComponent("geoip")}, nil
}

// FromBytes uses an in-memory database.
func FromBytes(data []byte) (*MMDBResolver, error) {
	db, err := maxminddb.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("load geoip database: %w", err)
	}
	return &MMDBResolver{db: db, log: logging.WithComponent("geoip")}, nil
}

// Resolve returns the country of ip. Lookup failures are logged and yield "".
func (r *MMDBResolver) Resolve(ip string) string {
	addr := net.ParseIP(strings.TrimSpace(ip))
	if addr == nil {
		metrics.GeoIPLookups.WithLabelValues("error").Inc()
		return ""
	}

	var record countryRecord
	if err := r.db.Lookup(addr, &record); err != nil {
		metrics.GeoIPLookups.WithLabelValues("error").Inc()
		r.log.Warn().Err(err).Str("ip", ip).Msg("GeoIP lookup failed")
		return ""
	}
	if record.Country.ISOCode == "" {
		metrics.GeoIPLookups.WithLabelValues("miss").Inc()
		return ""
	}

	metrics.GeoIPLookups.WithLabelValues("hit").Inc()
	return strings.ToUpper(record.Country.ISOCode)
}

// Close releases the database.
func (r *MMDBResolver) Close() error {
	return r.db.Close()
}
