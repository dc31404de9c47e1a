// Package propertybus is the authoritative in-memory Property Store and
// its change-notification bus. Grounded on the sync.Map client registry
// and channel-based broadcast in the teacher's scheduler/server.go
// WebServer, generalized from "all clients get every byte blob" to
// "each subscriber gets a bounded, coalescing feed of path changes".
package propertybus

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one Property Store record: a typed value plus its monotonic
// revision and the time it last changed.
type Entry struct {
	Path      string
	Value     any
	Revision  uint64
	ChangedAt time.Time
}

// Change is delivered to subscribers when a path's value changes.
type Change struct {
	Path  string
	Value any
	Rev   uint64
}

const subscriberBuffer = 64

type subscriber struct {
	id      uuid.UUID
	ch      chan Change
	mu      sync.Mutex
	pending map[string]Change // coalesced backlog once ch fills up
	closed  bool
}

// Store is the Property Store: path -> Entry, plus the set of live
// subscribers (SSE responders, the publish-bus exporter).
type Store struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	subMu sync.Mutex
	subs  map[uuid.UUID]*subscriber
}

// New creates an empty Property Store.
func New() *Store {
	return &Store{
		entries: make(map[string]*Entry),
		subs:    make(map[uuid.UUID]*subscriber),
	}
}

// Get returns the current entry for path, if any.
func (s *Store) Get(path string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[path]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot returns a copy of every entry currently in the store.
func (s *Store) Snapshot() map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = *v
	}
	return out
}

// Publish compares value to the previous value for path by semantic
// equality (epsilon 1e-3 for power-like floats, 1e-2 for energy-like
// floats, exact for everything else) and, if changed, bumps the
// revision, updates changed_at, and notifies subscribers. Returns true
// if the value changed.
func (s *Store) Publish(path string, value any, kind EqualityKind) bool {
	s.mu.Lock()
	prev, existed := s.entries[path]
	changed := !existed || !semanticallyEqual(prev.Value, value, kind)
	var rev uint64
	if changed {
		if existed {
			rev = prev.Revision + 1
		} else {
			rev = 1
		}
		s.entries[path] = &Entry{Path: path, Value: value, Revision: rev, ChangedAt: time.Now()}
	} else {
		rev = prev.Revision
	}
	s.mu.Unlock()

	if changed {
		s.broadcast(Change{Path: path, Value: value, Rev: rev})
	}
	return changed
}

// EqualityKind selects the epsilon used to compare a path's previous and
// next value.
type EqualityKind int

const (
	// EqualityExact is for enums/strings/integers.
	EqualityExact EqualityKind = iota
	// EqualityPower uses an epsilon of 1e-3.
	EqualityPower
	// EqualityEnergy uses an epsilon of 1e-2.
	EqualityEnergy
)

func semanticallyEqual(a, b any, kind EqualityKind) bool {
	if kind == EqualityExact {
		return a == b
	}
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if !aok || !bok {
		return a == b
	}
	eps := 1e-3
	if kind == EqualityEnergy {
		eps = 1e-2
	}
	return math.Abs(af-bf) <= eps
}

// Subscribe registers a new subscriber and returns its id and channel.
// Delivery is best-effort: if the channel fills up, further changes are
// coalesced per-path into a pending map and flushed opportunistically.
func (s *Store) Subscribe() (uuid.UUID, <-chan Change) {
	id := uuid.New()
	sub := &subscriber{id: id, ch: make(chan Change, subscriberBuffer), pending: make(map[string]Change)}
	s.subMu.Lock()
	s.subs[id] = sub
	s.subMu.Unlock()
	return id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Store) Unsubscribe(id uuid.UUID) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if sub, ok := s.subs[id]; ok {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) broadcast(c Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs {
		sub.deliver(c)
	}
}

func (sub *subscriber) deliver(c Change) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- c:
		sub.drainPendingLocked()
	default:
		// Channel full: coalesce to the latest value per path rather
		// than stalling the publisher.
		sub.pending[c.Path] = c
	}
}

func (sub *subscriber) drainPendingLocked() {
	for path, c := range sub.pending {
		select {
		case sub.ch <- c:
			delete(sub.pending, path)
		default:
			return
		}
	}
}
