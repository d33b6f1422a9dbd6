package queue

import "sync"

// Mailbox is an unbounded FIFO. Send never blocks; Receive blocks until an
// item is available or the mailbox is closed and drained.
type Mailbox[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []T
	head   int
	count  int
	closed bool
}

// NewMailbox creates a mailbox with the given initial capacity.
func NewMailbox[T any](initialCapacity int) *Mailbox[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	m := &Mailbox[T]{buf: make([]T, initialCapacity)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Send enqueues item. It returns false once the mailbox is closed.
func (m *Mailbox[T]) Send(item T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	if m.count == len(m.buf) {
		m.grow()
	}
	m.buf[(m.head+m.count)%len(m.buf)] = item
	m.count++
	m.cond.Signal()
	return true
}

// Receive dequeues the oldest item. It returns false when the mailbox is
// closed and empty.
func (m *Mailbox[T]) Receive() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.count == 0 && !m.closed {
		m.cond.Wait()
	}
	var zero T
	if m.count == 0 {
		return zero, false
	}
	item := m.buf[m.head]
	m.buf[m.head] = zero
	m.head = (m.head + 1) % len(m.buf)
	m.count--
	return item, true
}

// Close wakes all receivers. Items already queued are still delivered.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
}

// Len returns the number of queued items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// grow doubles the buffer. Must be called with the lock held.
func (m *Mailbox[T]) grow() {
	next := make([]T, len(m.buf)*2)
	for i := 0; i < m.count; i++ {
		next[i] = m.buf[(m.head+i)%len(m.buf)]
	}
	m.buf = next
	m.head = 0
}
