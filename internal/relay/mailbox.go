package relay

import (
	"sync"
)

// Mailbox is a single-slot hand-off between one producer and one consumer.
// Push overwrites any value that has not been consumed yet, so the consumer
// always sees the most recent value and the producer never waits.
type Mailbox[T any] struct {
	mu      sync.Mutex
	value   T
	full    bool
	pushed  uint64
	dropped uint64
}

// NewMailbox creates an empty mailbox
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{}
}

// Push stores v, replacing an unconsumed value.
// Returns true if a previous value was dropped.
func (m *Mailbox[T]) Push(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := m.full
	if dropped {
		m.dropped++
	}
	m.value = v
	m.full = true
	m.pushed++
	return dropped
}

// Pop takes the held value, if any. It never blocks.
func (m *Mailbox[T]) Pop() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	if !m.full {
		return zero, false
	}
	v := m.value
	m.value = zero
	m.full = false
	return v, true
}

// Pending reports whether an unconsumed value is held
func (m *Mailbox[T]) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.full
}

// Stats returns the lifetime push and drop counts
func (m *Mailbox[T]) Stats() (pushed, dropped uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushed, m.dropped
}
