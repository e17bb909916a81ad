// Package listener implements token-based listener registration with
// snapshot delivery.
//
// Notify copies the registry before calling out, so listeners may
// register or unregister (themselves included) from inside a callback.
// Once Unregister returns, no new callback starts for that handle; a
// callback already running is allowed to finish.
package listener

import (
	"sync"
	"sync/atomic"
)

// Handle identifies a registration. The zero Handle is never issued.
type Handle uint64

type entry[T any] struct {
	handle Handle
	value  T
	active atomic.Bool
}

// Registry holds listeners of type T. The zero value is ready to use.
type Registry[T any] struct {
	mu      sync.Mutex
	next    Handle
	entries []*entry[T]
}

// Register adds l and returns its handle.
func (r *Registry[T]) Register(l T) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	e := &entry[T]{handle: r.next, value: l}
	e.active.Store(true)
	r.entries = append(r.entries, e)
	return e.handle
}

// Unregister removes the listener. It reports whether h was registered.
func (r *Registry[T]) Unregister(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.handle == h {
			e.active.Store(false)
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered listeners.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Notify calls fn for every listener registered when Notify was called,
// in registration order, skipping listeners unregistered in the meantime.
func (r *Registry[T]) Notify(fn func(T)) {
	r.mu.Lock()
	snapshot := make([]*entry[T], len(r.entries))
	copy(snapshot, r.entries)
	r.mu.Unlock()

	for _, e := range snapshot {
		if !e.active.Load() {
			continue
		}
		fn(e.value)
	}
}
