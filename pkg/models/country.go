package models

import (
	"fmt"

	"github.com/goccy/go-json"
)

// CountryStat is the attack tally for one source country.
type CountryStat struct {
	ISOCode  string
	Count    int64
	LastSeen Instant
}

var (
	countryISOKeys   = []string{"isoCode", "isocode", "iso_code", "iso"}
	countryCountKeys = []string{"count"}
	countryLastKeys  = []string{"lastSeen", "last", "last_seen"}
)

// UnmarshalJSON decodes a hot_countries entry. Negative counts clamp to zero.
func (c *CountryStat) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode country: %w", err)
	}
	if fields == nil {
		return fmt.Errorf("decode country: not an object")
	}

	var cs CountryStat
	iso, err := stringField(fields, countryISOKeys)
	if err != nil {
		return err
	}
	cs.ISOCode = NormalizeISO(iso)

	if raw, ok := pick(fields, countryCountKeys); ok {
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			return fmt.Errorf("decode country count: %w", err)
		}
		cs.Count = int64(n)
	}
	if raw, ok := pick(fields, countryLastKeys); ok {
		if err := cs.LastSeen.UnmarshalJSON(raw); err != nil {
			return fmt.Errorf("decode country last seen: %w", err)
		}
	}

	*c = cs.Normalize()
	return nil
}

type countryStatJSON struct {
	ISOCode  string  `json:"isoCode"`
	Count    int64   `json:"count"`
	LastSeen Instant `json:"lastSeen"`
}

// MarshalJSON implements json.Marshaler.
func (c CountryStat) MarshalJSON() ([]byte, error) {
	return json.Marshal(countryStatJSON(c))
}

// Normalize upper-cases the code, clamps the count and converts LastSeen to UTC.
func (c CountryStat) Normalize() CountryStat {
	c.ISOCode = NormalizeISO(c.ISOCode)
	if c.Count < 0 {
		c.Count = 0
	}
	c.LastSeen = NewInstant(c.LastSeen.Time)
	return c
}
