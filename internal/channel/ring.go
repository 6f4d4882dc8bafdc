// Package channel provides the bounded channel used on the audit hot path.
package channel

import (
	"context"
	"sync"
	"sync/atomic"
)

// Ring is a fixed-capacity buffered channel with drop-oldest overflow. Send
// never blocks: when the buffer is full the oldest element is evicted to make
// room. Single consumer, any number of producers.
type Ring[T any] struct {
	mu      sync.Mutex
	ch      chan T
	dropped atomic.Int64
	closed  bool
}

// NewRing creates a ring with the given capacity. Capacity must be > 0.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// Send enqueues v, evicting the oldest buffered element if the ring is full.
// Returns true when an element was dropped to make room. Send on a closed
// ring is a no-op returning false.
func (r *Ring[T]) Send(v T) (dropped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}

	select {
	case r.ch <- v:
		return false
	default:
	}

	// Full: evict the oldest, then retry. The consumer may have raced us and
	// drained an element, in which case the eviction receive misses and the
	// send below succeeds directly.
	select {
	case <-r.ch:
		dropped = true
		r.dropped.Add(1)
	default:
	}
	select {
	case r.ch <- v:
	default:
	}
	return dropped
}

// Receive blocks until an element is available, the ring is closed and
// drained, or the context is cancelled. The second result is false when the
// ring is exhausted.
func (r *Ring[T]) Receive(ctx context.Context) (T, bool, error) {
	select {
	case v, ok := <-r.ch:
		return v, ok, nil
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}

// TryReceive attempts a non-blocking receive.
func (r *Ring[T]) TryReceive() (T, bool) {
	select {
	case v, ok := <-r.ch:
		if !ok {
			var zero T
			return zero, false
		}
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// DrainBatch receives up to max buffered elements without blocking.
func (r *Ring[T]) DrainBatch(max int) []T {
	if max <= 0 {
		return nil
	}
	out := make([]T, 0, max)
	for len(out) < max {
		v, ok := r.TryReceive()
		if !ok {
			break
		}
		out = append(out, v)
	}
	return out
}

// Chan exposes the underlying channel for select loops.
func (r *Ring[T]) Chan() <-chan T { return r.ch }

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int { return len(r.ch) }

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return cap(r.ch) }

// Dropped returns the total number of evicted elements.
func (r *Ring[T]) Dropped() int64 { return r.dropped.Load() }

// Close closes the ring. Buffered elements remain receivable.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.ch)
}
