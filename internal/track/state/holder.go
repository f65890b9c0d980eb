// Package state provides a small authoritative holder for mutable state
// shared with asynchronous callbacks.
package state

import "sync"

// Holder owns a single mutable value. Callbacks registered with the
// background location service must read current state through Get at call
// time instead of capturing the value at registration time; otherwise a
// callback registered before a state change keeps acting on the old value.
type Holder[T any] struct {
	mu sync.RWMutex
	v  T
}

// NewHolder creates a holder with an initial value.
func NewHolder[T any](initial T) *Holder[T] {
	return &Holder[T]{v: initial}
}

// Get returns the current value.
func (h *Holder[T]) Get() T {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.v
}

// Set replaces the current value.
func (h *Holder[T]) Set(v T) {
	h.mu.Lock()
	h.v = v
	h.mu.Unlock()
}
