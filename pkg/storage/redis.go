package storage

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hervehildenbrand/honeypot-radar/pkg/geo"
	"github.com/hervehildenbrand/honeypot-radar/pkg/logging"
	"github.com/hervehildenbrand/honeypot-radar/pkg/metrics"
	"github.com/hervehildenbrand/honeypot-radar/pkg/state"
)

// Redis keys
const (
	KeyHotCountries = "honeypot:hot_countries"
	KeyLastSeen     = "honeypot:last_seen"
	KeyMetadata     = "honeypot:metadata"
	KeyHeatLatest   = "honeypot:heat:latest"
	ChannelHeat     = "honeypot:heat"
)

const (
	redisTimeout = 5 * time.Second
	heatTTL      = 1 * time.Hour
)

// OpenRedis parses url and checks the server is reachable.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisMirror keeps Redis in step with the leaderboard and publishes each
// heat projection. Writes happen on the mirror's own goroutine; Redis
// errors are logged and never stop it.
type RedisMirror struct {
	client *redis.Client
	heat   <-chan geo.Projection
	log    zerolog.Logger

	pending atomic.Pointer[state.Snapshot]
	wake    chan struct{}
}

// NewRedisMirror creates a mirror. heat may be nil.
func NewRedisMirror(client *redis.Client, heat <-chan geo.Projection) *RedisMirror {
	return &RedisMirror{
		client: client,
		heat:   heat,
		log:    logging.WithComponent("storage").With().Str("backend", "redis").Logger(),
		wake:   make(chan struct{}, 1),
	}
}

// OnApply is a state.Subscriber. It records leaderboard and metadata
// changes for the next sync and returns immediately.
func (m *RedisMirror) OnApply(prev, next state.Snapshot, a state.Action) {
	switch a.(type) {
	case state.SetHotCountries, state.SetMetadata:
	default:
		return
	}
	m.pending.Store(&next)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Serve writes pending snapshots and projections until ctx is cancelled.
func (m *RedisMirror) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.wake:
			if snap := m.pending.Swap(nil); snap != nil {
				m.record(m.syncSnapshot(ctx, *snap))
			}
		case p, ok := <-m.heat:
			if !ok {
				m.heat = nil
				continue
			}
			m.record(m.publishHeat(ctx, p))
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (m *RedisMirror) String() string {
	return "redis-mirror"
}

func (m *RedisMirror) record(err error) {
	if err != nil {
		metrics.StorageWrites.WithLabelValues("redis", "error").Inc()
		m.log.Warn().Err(err).Msg("Redis write failed")
		return
	}
	metrics.StorageWrites.WithLabelValues("redis", "ok").Inc()
}

func (m *RedisMirror) syncSnapshot(ctx context.Context, s state.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	countries := s.HotCountryList()
	md, hasMetadata := s.Metadata()

	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, KeyHotCountries, KeyLastSeen)
		if len(countries) > 0 {
			members := make([]redis.Z, 0, len(countries))
			lastSeen := make(map[string]interface{}, len(countries))
			for _, c := range countries {
				members = append(members, redis.Z{Score: float64(c.Count), Member: c.ISOCode})
				if !c.LastSeen.IsZero() {
					lastSeen[c.ISOCode] = c.LastSeen.Format(time.RFC3339)
				}
			}
			pipe.ZAdd(ctx, KeyHotCountries, members...)
			if len(lastSeen) > 0 {
				pipe.HSet(ctx, KeyLastSeen, lastSeen)
			}
		}
		if hasMetadata {
			pipe.HSet(ctx, KeyMetadata, metadataFields(md.Version, md.ReleaseTag, md.CommitID, md.StartTime.Time))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sync leaderboard: %w", err)
	}
	return nil
}

func metadataFields(version, releaseTag, commit string, start time.Time) map[string]interface{} {
	fields := map[string]interface{}{
		"version":     version,
		"release_tag": releaseTag,
		"commit_id":   commit,
		"start_time":  "",
	}
	if !start.IsZero() {
		fields["start_time"] = start.UTC().Format(time.RFC3339)
	}
	return fields
}

// heatMessage is the payload published on ChannelHeat.
type heatMessage struct {
	At        time.Time     `json:"at"`
	Total     int64         `json:"total"`
	Countries []heatCountry `json:"countries"`
	Focus     string        `json:"focus,omitempty"`
	Unmatched []string      `json:"unmatched,omitempty"`
}

type heatCountry struct {
	ISOCode   string  `json:"iso"`
	Count     int64   `json:"count"`
	Intensity float64 `json:"intensity"`
	Color     string  `json:"color"`
}

func encodeHeat(p geo.Projection) ([]byte, error) {
	msg := heatMessage{
		At:        p.At,
		Total:     p.Total,
		Countries: make([]heatCountry, 0, len(p.Ranked)),
		Unmatched: p.Unmatched,
	}
	for _, h := range p.Ranked {
		msg.Countries = append(msg.Countries, heatCountry{
			ISOCode:   h.ISOCode,
			Count:     h.Count,
			Intensity: h.Intensity,
			Color:     h.Color,
		})
	}
	if p.Focus != nil {
		msg.Focus = p.Focus.ISOCode
	}
	return json.Marshal(msg)
}

func (m *RedisMirror) publishHeat(ctx context.Context, p geo.Projection) error {
	payload, err := encodeHeat(p)
	if err != nil {
		return fmt.Errorf("encode heat: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	if err := m.client.Set(ctx, KeyHeatLatest, payload, heatTTL).Err(); err != nil {
		return fmt.Errorf("store heat: %w", err)
	}
	if err := m.client.Publish(ctx, ChannelHeat, payload).Err(); err != nil {
		return fmt.Errorf("publish heat: %w", err)
	}
	return nil
}
