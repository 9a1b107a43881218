package models

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Event is a single sensor observation.
type Event struct {
	ID               string
	Timestamp        Instant
	Sensor           string
	Category         string
	SourceIP         string
	SourcePort       int
	DestinationIP    string
	DestinationPort  int
	SourceCountryISO string
	Payload          string
	Extra            map[string]any
}

// Wire names accepted for each named field. The first entry is the name used
// when encoding; the rest are the honeytrap and snake_case spellings.
var (
	eventIDKeys          = []string{"id", "event-id", "event_id"}
	eventTimestampKeys   = []string{"timestamp", "date", "time"}
	eventSensorKeys      = []string{"sensorName", "sensor", "sensor_name"}
	eventCategoryKeys    = []string{"category"}
	eventSourceIPKeys    = []string{"sourceIP", "source-ip", "source_ip", "sourceIp"}
	eventSourcePortKeys  = []string{"sourcePort", "source-port", "source_port"}
	eventDestIPKeys      = []string{"destinationIP", "destination-ip", "destination_ip", "destinationIp"}
	eventDestPortKeys    = []string{"destinationPort", "destination-port", "destination_port"}
	eventCountryKeys     = []string{"sourceCountryISO", "source.country.isocode", "source_country_iso", "country"}
	eventPayloadKeys     = []string{"payload", "message", "body"}
	eventKnownFieldLists = [][]string{
		eventIDKeys, eventTimestampKeys, eventSensorKeys, eventCategoryKeys,
		eventSourceIPKeys, eventSourcePortKeys, eventDestIPKeys, eventDestPortKeys,
		eventCountryKeys, eventPayloadKeys,
	}
)

// UnmarshalJSON decodes an event object; unknown fields are kept in Extra.
func (e *Event) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if fields == nil {
		return fmt.Errorf("decode event: not an object")
	}

	var ev Event
	var err error

	if ev.ID, err = stringField(fields, eventIDKeys); err != nil {
		return err
	}
	if raw, ok := pick(fields, eventTimestampKeys); ok {
		if err := ev.Timestamp.UnmarshalJSON(raw); err != nil {
			return fmt.Errorf("decode event timestamp: %w", err)
		}
	}
	if ev.Sensor, err = stringField(fields, eventSensorKeys); err != nil {
		return err
	}
	if ev.Category, err = stringField(fields, eventCategoryKeys); err != nil {
		return err
	}
	if ev.SourceIP, err = stringField(fields, eventSourceIPKeys); err != nil {
		return err
	}
	if ev.SourcePort, err = portField(fields, eventSourcePortKeys); err != nil {
		return err
	}
	if ev.DestinationIP, err = stringField(fields, eventDestIPKeys); err != nil {
		return err
	}
	if ev.DestinationPort, err = portField(fields, eventDestPortKeys); err != nil {
		return err
	}
	if ev.SourceCountryISO, err = stringField(fields, eventCountryKeys); err != nil {
		return err
	}
	ev.SourceCountryISO = NormalizeISO(ev.SourceCountryISO)
	if ev.Payload, err = stringField(fields, eventPayloadKeys); err != nil {
		return err
	}

	for _, keys := range eventKnownFieldLists {
		for _, k := range keys {
			delete(fields, k)
		}
	}
	if len(fields) > 0 {
		ev.Extra = make(map[string]any, len(fields))
		for k, raw := range fields {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("decode event field %q: %w", k, err)
			}
			ev.Extra[k] = v
		}
	}

	*e = ev
	return nil
}

type eventJSON struct {
	ID               string         `json:"id"`
	Timestamp        Instant        `json:"timestamp"`
	Sensor           string         `json:"sensorName,omitempty"`
	Category         string         `json:"category,omitempty"`
	SourceIP         string         `json:"sourceIP,omitempty"`
	SourcePort       int            `json:"sourcePort,omitempty"`
	DestinationIP    string         `json:"destinationIP,omitempty"`
	DestinationPort  int            `json:"destinationPort,omitempty"`
	SourceCountryISO string         `json:"sourceCountryISO,omitempty"`
	Payload          string         `json:"payload,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// MarshalJSON encodes the event with camelCase field names.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON(e))
}

// Clone returns a copy whose Extra map is not shared with e.
func (e Event) Clone() Event {
	if e.Extra != nil {
		extra := make(map[string]any, len(e.Extra))
		for k, v := range e.Extra {
			extra[k] = v
		}
		e.Extra = extra
	}
	return e
}

// Normalize returns a copy with a UTC timestamp and an upper-case country code.
func (e Event) Normalize() Event {
	e.Timestamp = NewInstant(e.Timestamp.Time)
	e.SourceCountryISO = NormalizeISO(e.SourceCountryISO)
	return e
}

// NormalizeISO trims and upper-cases a country code.
func NormalizeISO(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func pick(fields map[string]json.RawMessage, keys []string) (json.RawMessage, bool) {
	for _, k := range keys {
		if raw, ok := fields[k]; ok && !isNull(raw) {
			return raw, true
		}
	}
	return nil, false
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// stringField reads a string, accepting bare numbers as their text.
func stringField(fields map[string]json.RawMessage, keys []string) (string, error) {
	raw, ok := pick(fields, keys)
	if !ok {
		return "", nil
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("decode %s: %w", keys[0], err)
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("decode %s: expected string", keys[0])
	}
	return n.String(), nil
}

// portField reads a port given as a number or a numeric string.
func portField(fields map[string]json.RawMessage, keys []string) (int, error) {
	s, err := stringField(fields, keys)
	if err != nil || s == "" {
		return 0, err
	}
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", keys[0], err)
	}
	return port, nil
}
