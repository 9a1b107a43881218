// honeypot-radar - Real-time attack map backend for a honeytrap sensor feed.
//
// It follows the honeytrap web socket, keeps the recent event log and the
// per-country leaderboard, and projects the leaderboard onto a world map as
// a decaying heat map.
//
// Usage:
//
//	honeypot-radar -url=wss://honeytrap.example.com/ws -listen=:8090
//
// Environment variables (alternative to flags, see pkg/config):
//
//	HONEYPOT_RADAR_CONFIG          - Path to YAML config file
//	HONEYPOT_RADAR_STREAM__URL     - Feed web socket URL
//	HONEYPOT_RADAR_REDIS__URL      - Redis URL
//	HONEYPOT_RADAR_DATABASE__URL   - PostgreSQL URL
//	HONEYPOT_RADAR_GEO__WORLD_PATH - Path to world GeoJSON
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/hervehildenbrand/honeypot-radar/pkg/api"
	"github.com/hervehildenbrand/honeypot-radar/pkg/config"
	"github.com/hervehildenbrand/honeypot-radar/pkg/geo"
	"github.com/hervehildenbrand/honeypot-radar/pkg/geoip"
	"github.com/hervehildenbrand/honeypot-radar/pkg/ingest"
	"github.com/hervehildenbrand/honeypot-radar/pkg/logging"
	"github.com/hervehildenbrand/honeypot-radar/pkg/state"
	"github.com/hervehildenbrand/honeypot-radar/pkg/storage"
	"github.com/hervehildenbrand/honeypot-radar/pkg/topology"
	"github.com/hervehildenbrand/honeypot-radar/pkg/transport"
)

const statsInterval = 30 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "honeypot-radar: %v\n", err)
		os.Exit(2)
	}

	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Caller: cfg.Log.Caller,
	})
	log := logging.WithComponent("main")
	log.Info().Msg("honeypot-radar starting...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	streamURL, err := cfg.StreamURL()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid feed URL")
	}

	store := state.NewStore(cfg.State.MaxEvents)

	// Connect to PostgreSQL (optional)
	var db *sql.DB
	if cfg.Database.URL != "" {
		db, err = sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			log.Warn().Err(err).Msg("Invalid database URL")
			db = nil
		} else {
			defer db.Close()
		}
	}

	loadTopology(ctx, log, cfg, db, store)

	// GeoIP enrichment (optional)
	var resolver geoip.Resolver = geoip.NullResolver{}
	if cfg.GeoIP.DatabasePath != "" {
		mmdb, err := geoip.Open(cfg.GeoIP.DatabasePath)
		if err != nil {
			log.Warn().Err(err).Msg("GeoIP database unavailable, events keep their feed country")
		} else {
			resolver = mmdb
			log.Info().Str("path", cfg.GeoIP.DatabasePath).Msg("Using GeoIP database")
		}
	}
	defer resolver.Close()

	baseColor, _ := geo.ParseHex(cfg.Geo.BaseColor)
	aggregator := &geo.Aggregator{
		ScaleFactor:  cfg.Geo.ScaleFactor,
		DecayHorizon: cfg.Geo.DecayHorizon,
		BaseColor:    baseColor,
		MaxIntensity: geo.DefaultMaxIntensity,
	}
	ticker := geo.NewTicker(aggregator, store, cfg.Geo.TickInterval)

	runner := ingest.NewRunner(store, ingest.Options{
		URL: streamURL,
		Transport: transport.Options{
			HandshakeTimeout: cfg.Stream.HandshakeTimeout,
			PingInterval:     cfg.Stream.PingInterval,
			WriteTimeout:     cfg.Stream.WriteTimeout,
		},
		ReconnectInitial: cfg.Stream.ReconnectInitial,
		ReconnectMax:     cfg.Stream.ReconnectMax,
		ReconnectFactor:  cfg.Stream.ReconnectFactor,
		IgnoreCategories: cfg.Ingest.IgnoreCategories,
		Resolver:         resolver,
	})

	sup := suture.New("honeypot-radar", suture.Spec{
		EventHook: supervisorHook(log),
		Timeout:   10 * time.Second,
	})
	sup.Add(runner)
	sup.Add(ticker)
	sup.Add(&statsLogger{runner: runner, store: store, log: log})

	if cfg.HTTP.Listen != "" {
		sup.Add(api.NewServer(cfg.HTTP.Listen, store, ticker))
	}

	// Connect to Redis (optional)
	if cfg.Redis.URL != "" {
		client, err := storage.OpenRedis(ctx, cfg.Redis.URL)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, mirror disabled")
		} else {
			defer client.Close()
			heat, unsubscribe := ticker.Subscribe(4)
			defer unsubscribe()
			mirror := storage.NewRedisMirror(client, heat)
			store.Subscribe(mirror.OnApply)
			sup.Add(mirror)
			log.Info().Msg("Mirroring to Redis")
		}
	}

	// Archive events to PostgreSQL (optional)
	if cfg.Database.URL != "" {
		writer, err := storage.NewEventWriter(cfg.Database.URL, cfg.Database.EventsTable)
		if err != nil {
			log.Warn().Err(err).Msg("Database connection failed, event archive disabled")
		} else if err := writer.EnsureSchema(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to prepare event archive table")
		} else {
			store.Subscribe(writer.OnApply)
			sup.Add(writer)
			log.Info().Str("table", cfg.Database.EventsTable).Msg("Archiving events to PostgreSQL")
		}
	}

	log.Info().Str("url", streamURL).Msg("Following sensor feed")
	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Supervisor stopped")
	}

	snap := store.Current()
	log.Info().
		Int("events", snap.EventCount()).
		Int("countries", len(snap.HotCountries())).
		Msg("Shut down")
}

// loadTopology dispatches TopologyLoaded when a world file is configured.
// Names come from a CSV file, or from the database when no file is set.
func loadTopology(ctx context.Context, log zerolog.Logger, cfg *config.Config, db *sql.DB, store *state.Store) {
	if cfg.Geo.WorldPath == "" {
		log.Warn().Msg("No world geometry configured - heat map will be empty")
		return
	}

	world, err := topology.LoadWorldFile(cfg.Geo.WorldPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load world geometry")
		return
	}

	var names topology.NameTable
	switch {
	case cfg.Geo.NamesPath != "":
		names, err = topology.LoadNameTableFile(cfg.Geo.NamesPath)
	case db != nil:
		loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		names, err = topology.LoadNameTableDatabase(loadCtx, db, cfg.Geo.NamesTable)
		cancel()
	default:
		err = errors.New("no country name table configured (geo.names_path or database.url)")
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to load country name table")
		return
	}

	snap := store.Apply(state.TopologyLoaded{World: world, Names: names})
	if snap.Topology() == nil {
		log.Error().Msg("World geometry did not match the country name table")
		return
	}
	log.Info().
		Int("features", len(world.Features)).
		Int("countries", snap.Topology().Len()).
		Int("names", len(names)).
		Msg("Topology loaded")
}

func supervisorHook(log zerolog.Logger) suture.EventHook {
	return func(e suture.Event) {
		switch e.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate, suture.EventTypeBackoff:
			log.Warn().Fields(e.Map()).Msg(e.String())
		default:
			log.Info().Fields(e.Map()).Msg(e.String())
		}
	}
}

// statsLogger periodically logs throughput, like the feed stats line.
type statsLogger struct {
	runner *ingest.Runner
	store  *state.Store
	log    zerolog.Logger
}

func (s *statsLogger) Serve(ctx context.Context) error {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	lastMessages := uint64(0)
	lastTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats := s.runner.Stats()
			messages, _ := stats["transport_messages_received"].(uint64)
			elapsed := time.Since(lastTime).Seconds()
			rate := float64(messages-lastMessages) / elapsed

			snap := s.store.Current()
			s.log.Info().
				Uint64("messages", messages).
				Float64("rate", rate).
				Int("events", snap.EventCount()).
				Int("countries", len(snap.HotCountries())).
				Str("connection", snap.Connection().Status.String()).
				Interface("malformed", stats["dispatch_malformed"]).
				Interface("reconnects", stats["reconnects"]).
				Msg("STATS")

			lastMessages = messages
			lastTime = time.Now()
		}
	}
}

func (s *statsLogger) String() string {
	return "stats-logger"
}
