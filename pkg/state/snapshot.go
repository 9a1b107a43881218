package state

import (
	"sort"

	"github.com/goccy/go-json"

	"github.com/hervehildenbrand/honeypot-radar/pkg/models"
	"github.com/hervehildenbrand/honeypot-radar/pkg/topology"
)

// DefaultMaxEvents is the event log cap used when none is configured.
// The oldest events are evicted first.
const DefaultMaxEvents = 1000

// Snapshot is the aggregate state at one point in time. A Snapshot is never
// modified after Reduce returns it; accessors hand out copies.
type Snapshot struct {
	events       []models.Event // most recent first
	eventIDs     map[string]struct{}
	metadata     *models.Metadata
	hotCountries map[string]models.CountryStat
	topology     *topology.Topology
	connection   models.ConnectionState
	maxEvents    int
	arrivals     uint64
}

// New returns an empty snapshot whose event log holds at most maxEvents
// entries. maxEvents <= 0 selects DefaultMaxEvents.
func New(maxEvents int) Snapshot {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return Snapshot{
		eventIDs:     map[string]struct{}{},
		hotCountries: map[string]models.CountryStat{},
		maxEvents:    maxEvents,
	}
}

// Events returns the event log, most recent first.
func (s Snapshot) Events() []models.Event {
	out := make([]models.Event, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Clone()
	}
	return out
}

// Latest returns the most recent event.
func (s Snapshot) Latest() (models.Event, bool) {
	if len(s.events) == 0 {
		return models.Event{}, false
	}
	return s.events[0].Clone(), true
}

// EventCount returns the number of events in the log.
func (s Snapshot) EventCount() int { return len(s.events) }

// HasEvent reports whether an event with the given id is in the log.
func (s Snapshot) HasEvent(id string) bool {
	_, ok := s.eventIDs[id]
	return ok
}

// Metadata returns the backend metadata, if any has been received.
func (s Snapshot) Metadata() (models.Metadata, bool) {
	if s.metadata == nil {
		return models.Metadata{}, false
	}
	return *s.metadata, true
}

// HotCountries returns the leaderboard keyed by ISO code.
func (s Snapshot) HotCountries() map[string]models.CountryStat {
	out := make(map[string]models.CountryStat, len(s.hotCountries))
	for k, v := range s.hotCountries {
		out[k] = v
	}
	return out
}

// HotCountry returns the leaderboard entry for one ISO code.
func (s Snapshot) HotCountry(iso string) (models.CountryStat, bool) {
	c, ok := s.hotCountries[models.NormalizeISO(iso)]
	return c, ok
}

// HotCountryList returns the leaderboard ordered by ISO code.
func (s Snapshot) HotCountryList() []models.CountryStat {
	out := make([]models.CountryStat, 0, len(s.hotCountries))
	for _, v := range s.hotCountries {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ISOCode < out[j].ISOCode })
	return out
}

// Topology returns the shared read-only topology, or nil before it is loaded.
func (s Snapshot) Topology() *topology.Topology { return s.topology }

// Connection returns the mirrored connection state.
func (s Snapshot) Connection() models.ConnectionState { return s.connection }

// MaxEvents returns the event log cap.
func (s Snapshot) MaxEvents() int { return s.maxEvents }

type snapshotJSON struct {
	Connection   models.ConnectionState `json:"connection"`
	Metadata     *models.Metadata       `json:"metadata"`
	HotCountries []models.CountryStat   `json:"hotCountries"`
	Events       []models.Event         `json:"events"`
	Topology     *topologyJSON          `json:"topology"`
}

type topologyJSON struct {
	Countries int `json:"countries"`
}

// MarshalJSON encodes the snapshot for external consumers. Topology is
// summarized; the geometry itself is static and served separately.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := snapshotJSON{
		Connection:   s.connection,
		Metadata:     s.metadata,
		HotCountries: s.HotCountryList(),
		Events:       s.events,
	}
	if out.Events == nil {
		out.Events = []models.Event{}
	}
	if s.topology != nil {
		out.Topology = &topologyJSON{Countries: s.topology.Len()}
	}
	return json.Marshal(out)
}
