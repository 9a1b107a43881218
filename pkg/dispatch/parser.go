// Package dispatch turns raw feed messages into state actions.
package dispatch

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/hervehildenbrand/honeypot-radar/pkg/models"
	"github.com/hervehildenbrand/honeypot-radar/pkg/state"
)

// Message types sent by the honeytrap web socket.
const (
	TypeMetadata     = "metadata"
	TypeHotCountries = "hot_countries"
	TypeEvents       = "events"
	TypeEvent        = "event"
)

// ErrMalformed wraps every decoding failure returned by Parse.
var ErrMalformed = errors.New("malformed message")

// Envelope is the top-level feed message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Parse decodes a feed message into an action.
// Returns (nil, nil) for message types it does not know.
func Parse(data []byte) (state.Action, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeMetadata:
		if isEmpty(env.Data) {
			return nil, fmt.Errorf("%w: metadata without data", ErrMalformed)
		}
		var md models.Metadata
		if err := json.Unmarshal(env.Data, &md); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return state.SetMetadata{Metadata: md}, nil

	case TypeHotCountries:
		var countries []models.CountryStat
		if !isEmpty(env.Data) {
			if err := json.Unmarshal(env.Data, &countries); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
		}
		return state.SetHotCountries{Countries: countries}, nil

	case TypeEvents:
		var events []models.Event
		if !isEmpty(env.Data) {
			if err := json.Unmarshal(env.Data, &events); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
		}
		return state.ReplaceEvents{Events: events}, nil

	case TypeEvent:
		if isEmpty(env.Data) {
			return nil, fmt.Errorf("%w: event without data", ErrMalformed)
		}
		var ev models.Event
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return state.AppendEvent{Event: ev}, nil
	}

	return nil, nil
}

func isEmpty(data json.RawMessage) bool {
	data = bytes.TrimSpace(data)
	return len(data) == 0 || bytes.Equal(data, []byte("null"))
}
