package store

import "sync"

// Mailbox is a single-slot channel: Put replaces an untaken value instead of
// queueing behind it. Receivers read from C.
type Mailbox[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool
}

// NewMailbox returns an empty mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{ch: make(chan T, 1)}
}

// C returns the receive side. It is closed by Close.
func (m *Mailbox[T]) C() <-chan T {
	return m.ch
}

// Put stores v, discarding any value not yet received. Put after Close is a no-op.
func (m *Mailbox[T]) Put(v T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case <-m.ch:
	default:
	}
	m.ch <- v
}

// Close closes C. It is safe to call more than once.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.ch)
}
