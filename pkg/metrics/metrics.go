// Package metrics defines the Prometheus collectors exported by honeypot-radar.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "honeypot_radar"

var (
	// Transport
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_received_total",
		Help:      "Text frames received from the sensor feed",
	})

	TransportErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transport_errors_total",
		Help:      "Transport level errors by kind",
	}, []string{"kind"}) // "dial", "non_text", "read"

	ConnectionCloses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connection_closes_total",
		Help:      "Feed connection closes by close code",
	}, []string{"code"})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_total",
		Help:      "Reconnection attempts after a lost feed connection",
	})

	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connection_state",
		Help:      "Feed connection state (0 disconnected, 1 connecting, 2 connected)",
	})

	// Dispatch
	MessagesDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_discarded_total",
		Help:      "Messages that produced no action, by reason",
	}, []string{"reason"}) // "malformed", "unknown_type", "filtered"

	// State
	ActionsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "actions_applied_total",
		Help:      "Actions folded into the snapshot, by kind",
	}, []string{"action"})

	EventsStored = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "events_stored",
		Help:      "Events held in the snapshot event log",
	})

	HotCountries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hot_countries",
		Help:      "Countries in the snapshot leaderboard",
	})

	// Geo
	ProjectionRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "heat_projections_total",
		Help:      "Heat projections computed by the geo ticker",
	})

	CountriesJoined = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "heat_countries_joined",
		Help:      "Countries joined with topology in the last projection",
	})

	CountriesUnmatched = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "heat_countries_unmatched",
		Help:      "Countries without topology in the last projection",
	})

	GeoIPLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "geoip_lookups_total",
		Help:      "GeoIP enrichment lookups by result",
	}, []string{"result"}) // "hit", "miss", "error"

	// Storage
	StorageWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "storage_writes_total",
		Help:      "Storage writes by backend and result",
	}, []string{"backend", "result"})
)
