package state

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hervehildenbrand/honeypot-radar/pkg/metrics"
)

// Subscriber is called after every applied action with the previous and the
// new snapshot. Subscribers run synchronously, in registration order, before
// the next action is applied, so they must not block.
type Subscriber func(prev, next Snapshot, a Action)

// Store holds the current snapshot. Apply calls are serialized; readers load
// the current snapshot without locking and never see a partial update.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]

	subsMu sync.RWMutex
	subs   map[int]Subscriber
	nextID int
}

// NewStore creates a store holding an empty snapshot.
func NewStore(maxEvents int) *Store {
	s := &Store{subs: make(map[int]Subscriber)}
	initial := New(maxEvents)
	s.current.Store(&initial)
	return s
}

// Current returns the latest snapshot.
func (s *Store) Current() Snapshot {
	return *s.current.Load()
}

// Apply reduces a into the current snapshot and returns the result.
func (s *Store) Apply(a Action) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := *s.current.Load()
	next := Reduce(prev, a)
	s.current.Store(&next)

	if a != nil {
		metrics.ActionsApplied.WithLabelValues(a.Kind()).Inc()
	}
	metrics.EventsStored.Set(float64(next.EventCount()))
	metrics.HotCountries.Set(float64(len(next.hotCountries)))
	metrics.ConnectionState.Set(float64(next.connection.Status))

	for _, sub := range s.subscribers() {
		sub(prev, next, a)
	}
	return next
}

// Subscribe registers fn and returns a function that removes it.
func (s *Store) Subscribe(fn Subscriber) (unsubscribe func()) {
	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}
}

func (s *Store) subscribers() []Subscriber {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]Subscriber, len(ids))
	for i, id := range ids {
		out[i] = s.subs[id]
	}
	return out
}
