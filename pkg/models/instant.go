// Package models defines the data structures carried on the honeypot event feed.
package models

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// unixMillisThreshold separates unix seconds from unix milliseconds.
const unixMillisThreshold = 1e12

// Instant is a point in time normalized to UTC. It decodes RFC3339 strings,
// unix seconds (integer or fractional) and unix milliseconds.
type Instant struct {
	time.Time
}

// NewInstant normalizes t to UTC.
func NewInstant(t time.Time) Instant {
	if t.IsZero() {
		return Instant{}
	}
	return Instant{Time: t.UTC()}
}

// UnmarshalJSON implements json.Unmarshaler.
func (i *Instant) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*i = Instant{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode instant: %w", err)
		}
		t, err := ParseInstant(s)
		if err != nil {
			return err
		}
		*i = t
		return nil
	}

	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("decode instant %s: %w", data, err)
	}
	*i = fromUnix(f)
	return nil
}

// MarshalJSON encodes the instant as RFC3339Nano, or null when zero.
func (i Instant) MarshalJSON() ([]byte, error) {
	if i.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(i.Time.UTC().Format(time.RFC3339Nano))
}

// ParseInstant parses a textual instant. Numeric strings are read as unix time.
func ParseInstant(s string) (Instant, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Instant{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05Z07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return NewInstant(t), nil
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromUnix(f), nil
	}
	return Instant{}, fmt.Errorf("unrecognized instant %q", s)
}

func fromUnix(f float64) Instant {
	if f == 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return Instant{}
	}
	if math.Abs(f) > unixMillisThreshold {
		ms := int64(f)
		return NewInstant(time.UnixMilli(ms))
	}
	sec, frac := math.Modf(f)
	return NewInstant(time.Unix(int64(sec), int64(frac*1e9)))
}
