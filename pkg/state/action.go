// Package state folds feed actions into immutable snapshots.
package state

import (
	geojson "github.com/paulmach/go.geojson"

	"github.com/hervehildenbrand/honeypot-radar/pkg/models"
	"github.com/hervehildenbrand/honeypot-radar/pkg/topology"
)

// Action is a state change. The set of actions is closed: only the types in
// this package implement it.
type Action interface {
	// Kind names the action for logs and metrics.
	Kind() string
	action()
}

// ConnectionStatus reports that the feed connection opened or closed.
type ConnectionStatus struct {
	Connected bool
	Code      int
	Reason    string
}

// Connecting reports that a connection attempt has started.
type Connecting struct{}

// SetMetadata replaces the backend metadata.
type SetMetadata struct {
	Metadata models.Metadata
}

// SetHotCountries replaces the per-country leaderboard.
type SetHotCountries struct {
	Countries []models.CountryStat
}

// ReplaceEvents replaces the event log with a bulk sync.
type ReplaceEvents struct {
	Events []models.Event
}

// AppendEvent adds one event to the front of the log.
type AppendEvent struct {
	Event models.Event
}

// TopologyLoaded supplies the static world geometry and country name table.
type TopologyLoaded struct {
	World *geojson.FeatureCollection
	Names topology.NameTable
}

func (ConnectionStatus) Kind() string { return "connection_status" }
func (Connecting) Kind() string       { return "connecting" }
func (SetMetadata) Kind() string      { return "set_metadata" }
func (SetHotCountries) Kind() string  { return "set_hot_countries" }
func (ReplaceEvents) Kind() string    { return "replace_events" }
func (AppendEvent) Kind() string      { return "append_event" }
func (TopologyLoaded) Kind() string   { return "topology_loaded" }

func (ConnectionStatus) action() {}
func (Connecting) action()       {}
func (SetMetadata) action()      {}
func (SetHotCountries) action()  {}
func (ReplaceEvents) action()    {}
func (AppendEvent) action()      {}
func (TopologyLoaded) action()   {}
