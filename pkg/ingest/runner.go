// Package ingest connects the feed transport to the state store and owns
// reconnection.
package ingest

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hervehildenbrand/honeypot-radar/pkg/dispatch"
	"github.com/hervehildenbrand/honeypot-radar/pkg/geoip"
	"github.com/hervehildenbrand/honeypot-radar/pkg/logging"
	"github.com/hervehildenbrand/honeypot-radar/pkg/metrics"
	"github.com/hervehildenbrand/honeypot-radar/pkg/models"
	"github.com/hervehildenbrand/honeypot-radar/pkg/state"
	"github.com/hervehildenbrand/honeypot-radar/pkg/transport"
)

// Reconnection defaults
const (
	DefaultReconnectInitial = 1 * time.Second
	DefaultReconnectMax     = 1 * time.Minute
	DefaultReconnectFactor  = 2.0
)

// DefaultIgnoreCategories are dropped before they reach the store.
var DefaultIgnoreCategories = []string{"heartbeat"}

// Options configure a Runner.
type Options struct {
	URL              string
	Transport        transport.Options
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	ReconnectFactor  float64
	IgnoreCategories []string
	Resolver         geoip.Resolver
}

// Runner keeps a feed connection alive and folds every message into the
// store, in arrival order, on the connection's read goroutine.
type Runner struct {
	opts       Options
	store      *state.Store
	dispatcher *dispatch.Dispatcher
	resolver   geoip.Resolver
	client     *transport.Client
	ignore     map[string]bool
	log        zerolog.Logger

	closed    chan struct{}
	delivered atomic.Uint64

	stop     chan struct{}
	stopOnce sync.Once

	// Stats
	sessions   uint64
	reconnects uint64
	filtered   uint64
	enriched   uint64
	errors     uint64
}

// NewRunner creates a runner feeding store.
func NewRunner(store *state.Store, opts Options) *Runner {
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = DefaultReconnectInitial
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = DefaultReconnectMax
	}
	if opts.ReconnectFactor < 1 {
		opts.ReconnectFactor = DefaultReconnectFactor
	}
	if opts.IgnoreCategories == nil {
		opts.IgnoreCategories = DefaultIgnoreCategories
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolver = geoip.NullResolver{}
	}

	ignore := make(map[string]bool, len(opts.IgnoreCategories))
	for _, c := range opts.IgnoreCategories {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			ignore[c] = true
		}
	}

	r := &Runner{
		opts:       opts,
		store:      store,
		dispatcher: dispatch.NewDispatcher(),
		resolver:   resolver,
		ignore:     ignore,
		log:        logging.WithComponent("ingest"),
		closed:     make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	r.client = transport.NewClient(transport.HandlerFuncs{
		Open:    r.onOpen,
		Message: r.onMessage,
		Close:   r.onClose,
		Error:   r.onError,
	}, opts.Transport)
	return r
}

// Serve connects and reconnects with exponential backoff until ctx is
// cancelled or Stop is called. No feed error ends the loop.
func (r *Runner) Serve(ctx context.Context) error {
	// Drop a close left over from a previous run.
	select {
	case <-r.closed:
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	delay := r.opts.ReconnectInitial
	for {
		session := uuid.NewString()
		log := r.log.With().Str("session", session).Logger()
		atomic.AddUint64(&r.sessions, 1)

		r.delivered.Store(0)
		r.store.Apply(state.Connecting{})

		if err := r.client.Connect(ctx, r.opts.URL); err != nil {
			log.Warn().Err(err).Str("url", r.opts.URL).Msg("Feed connection failed")
		}

		select {
		case <-r.closed:
		case <-ctx.Done():
			r.client.Close()
			return r.exitErr(ctx)
		}

		if r.delivered.Load() > 0 {
			delay = r.opts.ReconnectInitial
		}

		atomic.AddUint64(&r.reconnects, 1)
		metrics.Reconnects.Inc()
		log.Info().Dur("delay", delay).Uint64("messages", r.delivered.Load()).Msg("Feed disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return r.exitErr(ctx)
		case <-time.After(delay):
			delay = time.Duration(float64(delay) * r.opts.ReconnectFactor)
			if delay > r.opts.ReconnectMax {
				delay = r.opts.ReconnectMax
			}
		}
	}
}

// exitErr is nil after Stop and the context error otherwise.
func (r *Runner) exitErr(ctx context.Context) error {
	select {
	case <-r.stop:
		return nil
	default:
		return ctx.Err()
	}
}

// Stop ends Serve and closes the connection. Calling it more than once is
// safe.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// String implements fmt.Stringer for supervisor logs.
func (r *Runner) String() string {
	return "ingest-runner"
}

// Stats returns current statistics.
func (r *Runner) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"sessions":   atomic.LoadUint64(&r.sessions),
		"reconnects": atomic.LoadUint64(&r.reconnects),
		"filtered":   atomic.LoadUint64(&r.filtered),
		"enriched":   atomic.LoadUint64(&r.enriched),
		"errors":     atomic.LoadUint64(&r.errors),
	}
	for k, v := range r.client.Stats() {
		stats["transport_"+k] = v
	}
	for k, v := range r.dispatcher.Stats() {
		stats["dispatch_"+k] = v
	}
	return stats
}

func (r *Runner) onOpen() {
	r.store.Apply(state.ConnectionStatus{Connected: true})
}

func (r *Runner) onClose(code int, reason string) {
	r.store.Apply(state.ConnectionStatus{Connected: false, Code: code, Reason: reason})
	select {
	case r.closed <- struct{}{}:
	default:
	}
}

func (r *Runner) onError(err error) {
	atomic.AddUint64(&r.errors, 1)
	r.log.Warn().Err(err).Msg("Feed error")
}

func (r *Runner) onMessage(payload []byte) {
	r.delivered.Add(1)

	action, ok := r.dispatcher.Dispatch(payload)
	if !ok {
		return
	}
	action, ok = r.prepare(action)
	if !ok {
		atomic.AddUint64(&r.filtered, 1)
		metrics.MessagesDiscarded.WithLabelValues("filtered").Inc()
		return
	}
	r.store.Apply(action)
}

// prepare enriches event actions and drops ignored categories. It reports
// false when nothing is left to apply.
func (r *Runner) prepare(action state.Action) (state.Action, bool) {
	switch act := action.(type) {
	case state.AppendEvent:
		if r.ignored(act.Event) {
			return nil, false
		}
		return state.AppendEvent{Event: r.enrich(act.Event)}, true

	case state.ReplaceEvents:
		events := make([]models.Event, 0, len(act.Events))
		for _, ev := range act.Events {
			if r.ignored(ev) {
				atomic.AddUint64(&r.filtered, 1)
				continue
			}
			events = append(events, r.enrich(ev))
		}
		return state.ReplaceEvents{Events: events}, true
	}
	return action, true
}

func (r *Runner) ignored(ev models.Event) bool {
	return r.ignore[strings.ToLower(ev.Category)]
}

func (r *Runner) enrich(ev models.Event) models.Event {
	if ev.SourceCountryISO != "" || ev.SourceIP == "" {
		return ev
	}
	if iso := r.resolver.Resolve(ev.SourceIP); iso != "" {
		ev.SourceCountryISO = iso
		atomic.AddUint64(&r.enriched, 1)
	}
	return ev
}
