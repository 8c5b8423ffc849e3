package relay

import (
	"context"
	"sync"
)

// Slot holds the latest published value for any number of readers.
// Reads do not consume. Every Store bumps the version and wakes waiters.
type Slot[T any] struct {
	mu      sync.Mutex
	value   T
	version uint64
	changed chan struct{}
	closed  bool
}

// NewSlot creates an empty slot at version 0
func NewSlot[T any]() *Slot[T] {
	return &Slot[T]{changed: make(chan struct{})}
}

// Store publishes v. It never blocks. Stores after Close are ignored.
func (s *Slot[T]) Store(v T) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return s.version
	}
	s.value = v
	s.version++
	close(s.changed)
	s.changed = make(chan struct{})
	return s.version
}

// Load returns the current value and its version (0 = nothing published yet)
func (s *Slot[T]) Load() (T, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.version
}

// Wait blocks until a version newer than after is published, the slot is
// closed, or ctx is done. ok is false when no newer value will arrive.
func (s *Slot[T]) Wait(ctx context.Context, after uint64) (v T, version uint64, ok bool) {
	for {
		s.mu.Lock()
		if s.version > after {
			v, version = s.value, s.version
			s.mu.Unlock()
			return v, version, true
		}
		if s.closed {
			v, version = s.value, s.version
			s.mu.Unlock()
			return v, version, false
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, after, false
		case <-ch:
		}
	}
}

// Close wakes all waiters; the last value stays readable through Load
func (s *Slot[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.changed)
}

// Closed reports whether Close has been called
func (s *Slot[T]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
