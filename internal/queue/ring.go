// Package queue provides the two in-memory FIFOs used by the realtime core.
//
// Ring is the bounded per-connection send queue: producers never block, and a
// full ring drops its oldest element while bumping a monotonic gap counter so
// the client can detect missed events. Mailbox is an unbounded FIFO used to
// hand work to single-worker loops (the hub, the presence tracker, the fanout
// link) without ever stalling the producer.
package queue

import "sync"

// Ring is a bounded, drop-oldest FIFO. It is safe for one or more producers
// and a single consumer.
type Ring[T any] struct {
	mu      sync.Mutex
	buf     []T
	head    int
	count   int
	dropped uint64
	closed  bool

	ready chan struct{}
	done  chan struct{}
}

// NewRing creates a ring holding at most capacity elements (minimum 1).
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		buf:   make([]T, capacity),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push appends item. When the ring is full the oldest element is discarded and
// the gap counter is incremented; dropped reports whether that happened.
// Pushing into a closed ring is a no-op.
func (r *Ring[T]) Push(item T) (dropped bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	capacity := len(r.buf)
	if r.count == capacity {
		var zero T
		r.buf[r.head] = zero
		r.head = (r.head + 1) % capacity
		r.count--
		r.dropped++
		dropped = true
	}
	r.buf[(r.head+r.count)%capacity] = item
	r.count++
	r.mu.Unlock()

	select {
	case r.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Pop removes the oldest element without blocking.
func (r *Ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.count == 0 {
		return zero, false
	}
	item := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return item, true
}

// Ready is signalled (coalesced) whenever Push adds an element.
func (r *Ring[T]) Ready() <-chan struct{} { return r.ready }

// Done is closed by Close.
func (r *Ring[T]) Done() <-chan struct{} { return r.done }

// Close stops accepting new elements. Buffered elements stay readable.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.done)
}

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Dropped returns the number of elements discarded on overflow so far.
func (r *Ring[T]) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
