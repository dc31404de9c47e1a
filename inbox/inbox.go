// Package inbox is the bounded, single-consumer queue of control
// intents from HTTP handlers and the publish-bus exporter, drained by
// the Control Engine at the start of every tick. The per-path
// superseding policy is grounded on the channel-bounded worker queue in
// miners/avalon.go's Discover, generalized from "per host" keys to
// "per command path" keys.
package inbox

import (
	"sync"

	"github.com/devskill-org/evse-driver/model"
)

const defaultCapacity = 64

// Inbox is a bounded queue with a drop policy: a newer command on a
// path already pending supersedes the older one in place; if the queue
// is otherwise full, a distinct new path is dropped (drop-newest).
type Inbox struct {
	mu       sync.Mutex
	capacity int
	order    []string // paths in arrival order (for distinct paths)
	byPath   map[string]model.Command
}

// New creates an Inbox with the default bound, sized for bursts.
func New() *Inbox {
	return &Inbox{capacity: defaultCapacity, byPath: make(map[string]model.Command)}
}

// Push enqueues cmd, applying the overflow policy. Returns true if the
// command was accepted (enqueued or merged into an existing slot).
func (ib *Inbox) Push(cmd model.Command) bool {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	path := cmd.Path()
	if _, exists := ib.byPath[path]; exists {
		// A newer command on the same path supersedes the pending one.
		ib.byPath[path] = cmd
		return true
	}

	if len(ib.order) >= ib.capacity {
		return false // drop-newest: queue full of distinct paths
	}

	ib.order = append(ib.order, path)
	ib.byPath[path] = cmd
	return true
}

// Drain removes and returns every pending command, in arrival order,
// and empties the queue. Called by the Control Engine at the start of
// each tick.
func (ib *Inbox) Drain() []model.Command {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	out := make([]model.Command, 0, len(ib.order))
	for _, path := range ib.order {
		out = append(out, ib.byPath[path])
	}
	ib.order = ib.order[:0]
	ib.byPath = make(map[string]model.Command)
	return out
}

// Len reports the number of distinct pending commands.
func (ib *Inbox) Len() int {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return len(ib.order)
}
