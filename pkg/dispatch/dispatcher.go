package dispatch

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/hervehildenbrand/honeypot-radar/pkg/logging"
	"github.com/hervehildenbrand/honeypot-radar/pkg/metrics"
	"github.com/hervehildenbrand/honeypot-radar/pkg/state"
)

// Dispatcher wraps Parse for the ingest loop: failures are logged and
// counted, never returned.
type Dispatcher struct {
	log zerolog.Logger

	parsed    uint64
	malformed uint64
	unknown   uint64
}

// NewDispatcher creates a dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{log: logging.WithComponent("dispatch")}
}

// Dispatch returns the action for a raw message, or ok=false when the
// message is discarded.
func (d *Dispatcher) Dispatch(raw []byte) (state.Action, bool) {
	action, err := Parse(raw)
	if err != nil {
		n := atomic.AddUint64(&d.malformed, 1)
		metrics.MessagesDiscarded.WithLabelValues("malformed").Inc()
		// Log the first few in full, then sample.
		if n <= 10 || n%1000 == 0 {
			d.log.Warn().Err(err).Uint64("malformed_total", n).Str("raw", preview(raw)).Msg("Discarding malformed message")
		}
		return nil, false
	}
	if action == nil {
		atomic.AddUint64(&d.unknown, 1)
		metrics.MessagesDiscarded.WithLabelValues("unknown_type").Inc()
		d.log.Debug().Str("raw", preview(raw)).Msg("Ignoring message of unknown type")
		return nil, false
	}

	atomic.AddUint64(&d.parsed, 1)
	return action, true
}

// Stats returns dispatcher counters.
func (d *Dispatcher) Stats() map[string]interface{} {
	return map[string]interface{}{
		"parsed":    atomic.LoadUint64(&d.parsed),
		"malformed": atomic.LoadUint64(&d.malformed),
		"unknown":   atomic.LoadUint64(&d.unknown),
	}
}

func preview(raw []byte) string {
	const max = 200
	if len(raw) > max {
		return string(raw[:max])
	}
	return string(raw)
}
