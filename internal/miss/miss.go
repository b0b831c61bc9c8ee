// Package miss implements the MissNotifier registry of §4.9: a registry of
// miss-callbacks, invoked when an unrecoverable gap is closed. Modelled on
// the subscriber registry in grpc_bridge.go (map + monotonic id + mutex +
// once-guarded removal), but fed from the tracker instead of from gRPC
// stream fan-out.
package miss

import (
	"sync"
	"sync/atomic"

	"github.com/meshwave/advsub/internal/tracker"
)

// Handle lets a caller undeclare a single registration. Undeclare is
// idempotent.
type Handle interface {
	Undeclare()
}

// Registry fans a tracker.Miss out to every registered callback. It
// implements tracker.MissSink.
type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]func(tracker.Miss)
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[uint64]func(tracker.Miss))}
}

// OnMiss registers cb and returns a handle the caller may Undeclare.
func (r *Registry) OnMiss(cb func(tracker.Miss)) Handle {
	id := atomic.AddUint64(&r.nextID, 1)
	r.mu.Lock()
	r.entries[id] = cb
	r.mu.Unlock()
	return &handle{registry: r, id: id}
}

// OnMissBackground registers cb with no releasable handle; it lives as
// long as the subscriber (§6 "background" registration).
func (r *Registry) OnMissBackground(cb func(tracker.Miss)) {
	r.OnMiss(cb)
}

// Notify snapshots the registered callbacks under the registry's own lock
// and invokes them after releasing it. The tracker calls Notify
// synchronously while holding its core lock, before delivering the
// sample that closes the gap, which keeps the emission order relative to
// sample delivery (§4.9); a callback that calls back into the tracker
// blocks on that lock.
func (r *Registry) Notify(m tracker.Miss) {
	r.mu.Lock()
	callbacks := make([]func(tracker.Miss), 0, len(r.entries))
	for _, cb := range r.entries {
		callbacks = append(callbacks, cb)
	}
	r.mu.Unlock()
	for _, cb := range callbacks {
		cb(m)
	}
}

type handle struct {
	registry *Registry
	id       uint64
	once     sync.Once
}

func (h *handle) Undeclare() {
	h.once.Do(func() {
		h.registry.mu.Lock()
		delete(h.registry.entries, h.id)
		h.registry.mu.Unlock()
	})
}
