package geo

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hervehildenbrand/honeypot-radar/pkg/logging"
	"github.com/hervehildenbrand/honeypot-radar/pkg/metrics"
	"github.com/hervehildenbrand/honeypot-radar/pkg/state"
)

// DefaultTickInterval is how often the heat map is recomputed.
const DefaultTickInterval = 30 * time.Second

// Source supplies the snapshot to project. *state.Store implements it.
type Source interface {
	Current() state.Snapshot
}

// Ticker periodically projects the current snapshot and publishes the
// result. It only reads materialized snapshots, so it never holds up
// message processing.
type Ticker struct {
	agg      *Aggregator
	source   Source
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger

	latest atomic.Pointer[Projection]

	mu     sync.Mutex
	subs   map[int]chan Projection
	nextID int

	stop     chan struct{}
	stopOnce sync.Once
}

// NewTicker creates a ticker. A non-positive interval selects the default.
func NewTicker(agg *Aggregator, source Source, interval time.Duration) *Ticker {
	if agg == nil {
		agg = NewAggregator()
	}
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Ticker{
		agg:      agg,
		source:   source,
		interval: interval,
		now:      time.Now,
		log:      logging.WithComponent("geo"),
		subs:     make(map[int]chan Projection),
		stop:     make(chan struct{}),
	}
}

// Serve recomputes on every tick until ctx is cancelled or Stop is called.
func (t *Ticker) Serve(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.Recompute()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.stop:
			return nil
		case <-ticker.C:
			t.Recompute()
		}
	}
}

// Stop ends Serve. Calling it more than once is safe.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Recompute projects the current snapshot now, stores it as the latest
// projection and publishes it.
func (t *Ticker) Recompute() Projection {
	p := t.agg.Project(t.source.Current(), t.now())
	t.latest.Store(&p)

	metrics.ProjectionRuns.Inc()
	metrics.CountriesJoined.Set(float64(len(p.Ranked)))
	metrics.CountriesUnmatched.Set(float64(len(p.Unmatched)))

	if len(p.Unmatched) > 0 {
		t.log.Debug().Strs("countries", p.Unmatched).Msg("Countries missing from topology")
	}

	t.publish(p)
	return p
}

// Latest returns the most recent projection, if any.
func (t *Ticker) Latest() (Projection, bool) {
	p := t.latest.Load()
	if p == nil {
		return Projection{}, false
	}
	return *p, true
}

// Subscribe returns a channel receiving each new projection. Sends never
// block: a subscriber that is not keeping up misses projections. The
// returned function unsubscribes and closes the channel.
func (t *Ticker) Subscribe(buffer int) (<-chan Projection, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Projection, buffer)

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			close(ch)
		})
	}
}

func (t *Ticker) publish(p Projection) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ch := range t.subs {
		select {
		case ch <- p:
		default:
			t.log.Debug().Msg("Dropping projection for slow subscriber")
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (t *Ticker) String() string {
	return "geo-ticker"
}
