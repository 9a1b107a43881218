package models

import "github.com/goccy/go-json"

// ConnectionStatus is the lifecycle state of the feed connection.
type ConnectionStatus int

const (
	Disconnected ConnectionStatus = iota
	Connecting
	Connected
)

func (s ConnectionStatus) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MarshalJSON encodes the status by name.
func (s ConnectionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ConnectionState is the status plus the last close code and reason.
type ConnectionState struct {
	Status ConnectionStatus `json:"status"`
	Code   int              `json:"code,omitempty"`
	Reason string           `json:"reason,omitempty"`
}
