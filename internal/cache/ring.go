// Package cache provides a bounded, oldest-evicted buffer shared between
// one writer and any number of readers.
package cache

import "sync"

// Ring holds at most Cap items. Push appends and then evicts from the
// front while the length exceeds capacity. Readers always receive copies.
type Ring[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
}

// NewRing creates a ring with the given capacity. A capacity below one is
// treated as one.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Push appends item and returns how many items were evicted to make room
func (r *Ring[T]) Push(item T) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = append(r.items, item)
	return r.evictLocked()
}

// PushAll appends items in order and returns how many were evicted
func (r *Ring[T]) PushAll(items ...T) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = append(r.items, items...)
	return r.evictLocked()
}

func (r *Ring[T]) evictLocked() int {
	over := len(r.items) - r.capacity
	if over <= 0 {
		return 0
	}

	// Zero the evicted slots so they can be collected; append reallocates
	// with only the live items once the backing array is exhausted.
	clear(r.items[:over])
	r.items = r.items[over:]
	return over
}

// Snapshot returns the last min(max, Len()) items, oldest first.
// The cache is not modified.
func (r *Ring[T]) Snapshot(max int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if max > len(r.items) {
		max = len(r.items)
	}
	if max <= 0 {
		return []T{}
	}

	out := make([]T, max)
	copy(out, r.items[len(r.items)-max:])
	return out
}

// All returns every item, oldest first
func (r *Ring[T]) All() []T {
	return r.Snapshot(r.Cap())
}

// TakeFront removes and returns up to n items from the front, oldest first
func (r *Ring[T]) TakeFront(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n > len(r.items) {
		n = len(r.items)
	}
	if n <= 0 {
		return []T{}
	}

	out := make([]T, n)
	copy(out, r.items[:n])

	rest := make([]T, len(r.items)-n, r.capacity)
	copy(rest, r.items[n:])
	r.items = rest
	return out
}

// Len returns the current number of items
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Cap returns the capacity
func (r *Ring[T]) Cap() int {
	return r.capacity
}

// Reset removes all items
func (r *Ring[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = make([]T, 0, r.capacity)
}
