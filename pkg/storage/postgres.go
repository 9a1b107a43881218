// Package storage mirrors feed state into external stores: an append-only
// PostgreSQL event archive and a Redis view of the leaderboard and heat map.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/hervehildenbrand/honeypot-radar/pkg/logging"
	"github.com/hervehildenbrand/honeypot-radar/pkg/metrics"
	"github.com/hervehildenbrand/honeypot-radar/pkg/models"
	"github.com/hervehildenbrand/honeypot-radar/pkg/state"
)

const (
	batchSize     = 50
	batchInterval = 2 * time.Second
	queueSize     = 10000
)

// DefaultEventsTable is the archive table name.
const DefaultEventsTable = "honeypot_events"

// archiveNamespace seeds the content keys of events that arrived without an
// id.
var archiveNamespace = uuid.MustParse("6f1c2d8e-4b7a-5c3e-9d21-0a8f3e6b7c45")

// EventWriter archives feed events to PostgreSQL in batches. Rows are keyed
// by ArchiveKey, so a resent bulk sync or a restart does not duplicate or
// shadow rows.
type EventWriter struct {
	db      *sql.DB
	table   string
	queue   chan models.Event
	done    chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
	log     zerolog.Logger

	// insert writes one batch and returns how many rows were new.
	insert func(ctx context.Context, batch []models.Event) (int, error)

	// Stats
	eventsWritten  uint64
	eventsDropped  uint64
	eventsFailed   uint64
	batchesWritten uint64
}

// NewEventWriter opens a connection pool to databaseURL.
func NewEventWriter(databaseURL, table string) (*EventWriter, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return newEventWriter(db, table), nil
}

func newEventWriter(db *sql.DB, table string) *EventWriter {
	if table == "" {
		table = DefaultEventsTable
	}
	w := &EventWriter{
		db:    db,
		table: table,
		queue: make(chan models.Event, queueSize),
		done:  make(chan struct{}),
		log:   logging.WithComponent("storage").With().Str("backend", "postgres").Logger(),
	}
	w.insert = w.insertBatch
	return w
}

// EnsureSchema creates the archive table if it does not exist.
func (w *EventWriter) EnsureSchema(ctx context.Context) error {
	table := pq.QuoteIdentifier(w.table)
	_, err := w.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+table+` (
			event_id         TEXT PRIMARY KEY,
			occurred_at      TIMESTAMPTZ,
			sensor           TEXT,
			category         TEXT,
			source_ip        TEXT,
			source_port      INTEGER,
			destination_ip   TEXT,
			destination_port INTEGER,
			country_code     TEXT,
			payload          TEXT,
			extra            JSONB,
			stored_at        TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create %s: %w", w.table, err)
	}
	return nil
}

// Start begins the background writer goroutine.
func (w *EventWriter) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.writerLoop()
	w.log.Info().Str("table", w.table).Msg("Event writer started")
}

// Stop flushes queued events and closes the pool.
func (w *EventWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
	if w.db != nil {
		w.db.Close()
	}
	w.log.Info().
		Uint64("written", atomic.LoadUint64(&w.eventsWritten)).
		Uint64("dropped", atomic.LoadUint64(&w.eventsDropped)).
		Uint64("batches", atomic.LoadUint64(&w.batchesWritten)).
		Msg("Event writer stopped")
}

// Serve runs the writer under a supervisor until ctx is cancelled.
func (w *EventWriter) Serve(ctx context.Context) error {
	w.Start()
	<-ctx.Done()
	w.Stop()
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logs.
func (w *EventWriter) String() string {
	return "postgres-event-writer"
}

// Write queues an event. A full queue drops the event.
func (w *EventWriter) Write(event models.Event) {
	select {
	case w.queue <- event:
	default:
		dropped := atomic.AddUint64(&w.eventsDropped, 1)
		metrics.StorageWrites.WithLabelValues("postgres", "dropped").Inc()
		if dropped%1000 == 1 {
			w.log.Warn().Uint64("dropped", dropped).Msg("Event queue full, dropping events")
		}
	}
}

// OnApply is a state.Subscriber that archives appended and bulk-synced
// events.
func (w *EventWriter) OnApply(prev, next state.Snapshot, a state.Action) {
	switch a.(type) {
	case state.AppendEvent:
		if ev, ok := next.Latest(); ok {
			w.Write(ev)
		}
	case state.ReplaceEvents:
		for _, ev := range next.Events() {
			w.Write(ev)
		}
	}
}

// Stats returns writer statistics.
func (w *EventWriter) Stats() map[string]interface{} {
	return map[string]interface{}{
		"events_written":  atomic.LoadUint64(&w.eventsWritten),
		"events_dropped":  atomic.LoadUint64(&w.eventsDropped),
		"events_failed":   atomic.LoadUint64(&w.eventsFailed),
		"batches_written": atomic.LoadUint64(&w.batchesWritten),
		"queue_len":       len(w.queue),
		"queue_cap":       cap(w.queue),
	}
}

func (w *EventWriter) writerLoop() {
	defer w.wg.Done()

	batch := make([]models.Event, 0, batchSize)
	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-w.queue:
			batch = append(batch, event)
			if len(batch) >= batchSize {
				w.writeBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.writeBatch(batch)
				batch = batch[:0]
			}

		case <-w.done:
			// Drain whatever is queued; Write never blocks, so the queue
			// stays open.
			for {
				select {
				case event := <-w.queue:
					batch = append(batch, event)
					if len(batch) >= batchSize {
						w.writeBatch(batch)
						batch = batch[:0]
					}
				default:
					if len(batch) > 0 {
						w.writeBatch(batch)
					}
					return
				}
			}
		}
	}
}

func (w *EventWriter) writeBatch(batch []models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	written, err := w.insert(ctx, batch)
	if err != nil {
		metrics.StorageWrites.WithLabelValues("postgres", "error").Add(float64(len(batch)))
		w.log.Error().Err(err).Int("batch", len(batch)).Msg("Failed to write event batch")
		return
	}

	metrics.StorageWrites.WithLabelValues("postgres", "ok").Add(float64(written))
	atomic.AddUint64(&w.eventsWritten, uint64(written))
	atomic.AddUint64(&w.batchesWritten, 1)
}

func (w *EventWriter) insertBatch(ctx context.Context, batch []models.Event) (int, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO `+pq.QuoteIdentifier(w.table)+` (
			event_id, occurred_at, sensor, category,
			source_ip, source_port, destination_ip, destination_port,
			country_code, payload, extra
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	written, err := w.insertRows(ctx, tx, stmt.ExecContext, batch)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return written, nil
}

// execer is the part of *sql.Tx used to manage savepoints.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type insertFunc func(ctx context.Context, args ...interface{}) (sql.Result, error)

// insertRows inserts each event under its own savepoint. PostgreSQL aborts
// the whole transaction on a failed statement, so a rejected row is rolled
// back to its savepoint and skipped.
func (w *EventWriter) insertRows(ctx context.Context, tx execer, insert insertFunc, batch []models.Event) (int, error) {
	written := 0
	for _, ev := range batch {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT event_row"); err != nil {
			return 0, fmt.Errorf("savepoint: %w", err)
		}

		res, err := insert(ctx, eventRow(ev)...)
		if err != nil {
			atomic.AddUint64(&w.eventsFailed, 1)
			metrics.StorageWrites.WithLabelValues("postgres", "rejected").Inc()
			w.log.Warn().Err(err).Str("event_id", ev.ID).Msg("Failed to insert event")
			if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT event_row"); err != nil {
				return 0, fmt.Errorf("rollback to savepoint: %w", err)
			}
			continue
		}

		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT event_row"); err != nil {
			return 0, fmt.Errorf("release savepoint: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			written += int(n)
		}
	}
	return written, nil
}

// ArchiveKey returns the primary key an event is archived under. Feed ids
// are kept. Locally assigned arrival ids restart with every process and are
// reassigned on every resync, so those events are keyed by a name-based
// UUID of their content instead.
func ArchiveKey(ev models.Event) string {
	if ev.ID != "" && !state.IsArrivalID(ev.ID) {
		return ev.ID
	}

	var b strings.Builder
	if !ev.Timestamp.IsZero() {
		b.WriteString(ev.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	for _, field := range []string{
		ev.Sensor, ev.Category,
		ev.SourceIP, strconv.Itoa(ev.SourcePort),
		ev.DestinationIP, strconv.Itoa(ev.DestinationPort),
		ev.SourceCountryISO, ev.Payload,
	} {
		b.WriteByte(0)
		b.WriteString(field)
	}
	if len(ev.Extra) > 0 {
		// Map keys are encoded in sorted order.
		if data, err := json.Marshal(ev.Extra); err == nil {
			b.WriteByte(0)
			b.Write(data)
		}
	}
	return "content-" + uuid.NewSHA1(archiveNamespace, []byte(b.String())).String()
}

// eventRow returns the insert arguments for ev, in column order.
func eventRow(ev models.Event) []interface{} {
	var occurred interface{}
	if !ev.Timestamp.IsZero() {
		occurred = ev.Timestamp.Time
	}

	extra := []byte("{}")
	if len(ev.Extra) > 0 {
		if data, err := json.Marshal(ev.Extra); err == nil {
			extra = data
		}
	}

	return []interface{}{
		ArchiveKey(ev),
		occurred,
		nullString(ev.Sensor),
		nullString(ev.Category),
		nullString(ev.SourceIP),
		nullPort(ev.SourcePort),
		nullString(ev.DestinationIP),
		nullPort(ev.DestinationPort),
		nullString(ev.SourceCountryISO),
		nullString(ev.Payload),
		string(extra),
	}
}

// nullString maps "" to NULL. PostgreSQL rejects NUL bytes in text, so they
// are dropped.
func nullString(s string) sql.NullString {
	s = strings.ReplaceAll(s, "\x00", "")
	return sql.NullString{String: s, Valid: s != ""}
}

func nullPort(p int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(p), Valid: p > 0}
}
