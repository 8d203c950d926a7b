// Package history provides the bounded, concurrency-safe logs used for
// detection and alert records.
package history

import "sync"

// Ring keeps the most recent Cap entries in insertion order.
type Ring[T any] struct {
	mu    sync.RWMutex
	buf   []T
	start int
	size  int
}

// NewRing creates a ring holding at most capacity entries.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Append adds v, evicting the oldest entry when full.
func (r *Ring[T]) Append(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// Len returns the number of stored entries.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the maximum number of entries.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Snapshot returns all entries, oldest first.
func (r *Ring[T]) Snapshot() []T {
	return r.Filter(nil, 0)
}

// Filter returns up to limit of the newest entries accepted by keep, oldest
// first. A nil keep accepts everything; limit <= 0 means no limit.
func (r *Ring[T]) Filter(keep func(T) bool, limit int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, 0, r.size)
	for i := 0; i < r.size; i++ {
		v := r.buf[(r.start+i)%len(r.buf)]
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
