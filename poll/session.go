package poll

import (
	"context"
	"sync"
)

// Handle is a live connection owned by a node.
type Handle interface {
	IsConnected(ctx context.Context) bool
	Reconnect(ctx context.Context) error
	Close() error
}

// Session is a lazily opened connection. Nothing is dialed until the first
// [Session.Ensure]; a handle that reports itself disconnected is
// reconnected on the next Ensure.
type Session[H Handle] struct {
	dial func(ctx context.Context) (H, error)

	mu     sync.Mutex
	handle H
	open   bool
	closed bool
}

// NewSession returns a session that opens handles with dial.
func NewSession[H Handle](dial func(ctx context.Context) (H, error)) *Session[H] {
	return &Session[H]{dial: dial}
}

// Ensure returns a connected handle, dialing or reconnecting as needed.
func (s *Session[H]) Ensure(ctx context.Context) (H, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero H
	if s.closed {
		return zero, ErrNodeClosed
	}
	if !s.open {
		h, err := s.dial(ctx)
		if err != nil {
			return zero, err
		}
		s.handle, s.open = h, true
		return h, nil
	}
	if !s.handle.IsConnected(ctx) {
		if err := s.handle.Reconnect(ctx); err != nil {
			return zero, err
		}
	}
	return s.handle, nil
}

// Current returns the handle without dialing.
func (s *Session[H]) Current() (H, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle, s.open && !s.closed
}

// Close closes the handle, if one was opened. Further Ensure calls fail
// with [ErrNodeClosed].
func (s *Session[H]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.open {
		return nil
	}
	s.open = false
	return s.handle.Close()
}
