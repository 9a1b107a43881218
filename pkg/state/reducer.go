package state

import (
	"strconv"
	"strings"

	"github.com/hervehildenbrand/honeypot-radar/pkg/models"
	"github.com/hervehildenbrand/honeypot-radar/pkg/topology"
)

// arrivalIDPrefix marks ids assigned to events that arrived without one.
const arrivalIDPrefix = "arrival-"

// Reduce returns the snapshot that results from applying a to s. It has no
// side effects and never modifies s; unknown actions return s unchanged.
func Reduce(s Snapshot, a Action) Snapshot {
	if s.maxEvents <= 0 {
		s.maxEvents = DefaultMaxEvents
	}

	switch act := a.(type) {
	case ConnectionStatus:
		if act.Connected {
			s.connection = models.ConnectionState{Status: models.Connected}
		} else {
			s.connection = models.ConnectionState{
				Status: models.Disconnected,
				Code:   act.Code,
				Reason: act.Reason,
			}
		}

	case Connecting:
		s.connection = models.ConnectionState{
			Status: models.Connecting,
			Code:   s.connection.Code,
			Reason: s.connection.Reason,
		}

	case SetMetadata:
		md := act.Metadata.Normalize()
		s.metadata = &md

	case SetHotCountries:
		countries := make(map[string]models.CountryStat, len(act.Countries))
		for _, c := range act.Countries {
			c = c.Normalize()
			if c.ISOCode == "" {
				continue
			}
			// later entries win
			countries[c.ISOCode] = c
		}
		s.hotCountries = countries

	case ReplaceEvents:
		s = replaceEvents(s, act.Events)

	case AppendEvent:
		s = appendEvent(s, act.Event)

	case TopologyLoaded:
		topo, err := topology.Build(act.World, act.Names)
		if err != nil {
			return s
		}
		s.topology = topo

	default:
	}

	return s
}

func replaceEvents(s Snapshot, events []models.Event) Snapshot {
	limit := len(events)
	if limit > s.maxEvents {
		limit = s.maxEvents
	}

	out := make([]models.Event, 0, limit)
	ids := make(map[string]struct{}, limit)
	for _, ev := range events {
		ev, s.arrivals = normalizeEvent(ev, s.arrivals)
		if _, dup := ids[ev.ID]; dup {
			continue
		}
		if len(out) == s.maxEvents {
			continue
		}
		ids[ev.ID] = struct{}{}
		out = append(out, ev)
	}

	s.events = out
	s.eventIDs = ids
	return s
}

func appendEvent(s Snapshot, ev models.Event) Snapshot {
	ev, s.arrivals = normalizeEvent(ev, s.arrivals)

	out := make([]models.Event, 0, min(len(s.events)+1, s.maxEvents))
	out = append(out, ev)
	for _, existing := range s.events {
		if len(out) == s.maxEvents {
			break
		}
		if existing.ID == ev.ID {
			continue
		}
		out = append(out, existing)
	}

	ids := make(map[string]struct{}, len(out))
	for _, e := range out {
		ids[e.ID] = struct{}{}
	}

	s.events = out
	s.eventIDs = ids
	return s
}

// IsArrivalID reports whether id was assigned locally because the event
// arrived without one. Such ids are only unique within one store.
func IsArrivalID(id string) bool {
	return strings.HasPrefix(id, arrivalIDPrefix)
}

// normalizeEvent assigns an arrival id when the event has none.
func normalizeEvent(ev models.Event, arrivals uint64) (models.Event, uint64) {
	arrivals++
	ev = ev.Clone().Normalize()
	if ev.ID == "" {
		ev.ID = arrivalIDPrefix + strconv.FormatUint(arrivals, 10)
	}
	return ev, arrivals
}
