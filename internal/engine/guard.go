package engine

import (
	"context"
	"fmt"
	"sync"
)

// Guard wraps a Handle so that any call after ResetAll or Release fails with
// ErrInvalidState instead of reaching the engine.
type Guard struct {
	mu     sync.Mutex
	inner  Handle
	closed bool
	reason string
}

// NewGuard wraps h.
func NewGuard(h Handle) *Guard {
	return &Guard{inner: h}
}

func (g *Guard) check() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return fmt.Errorf("%w: handle %s", ErrInvalidState, g.reason)
	}
	return nil
}

func (g *Guard) invalidate(reason string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.closed = true
	g.reason = reason
	return true
}

// Valid reports whether the handle can still be used.
func (g *Guard) Valid() bool {
	return g.check() == nil
}

func (g *Guard) AddPoints(ctx context.Context, req PointsRequest) (FrameMasks, error) {
	if err := g.check(); err != nil {
		return FrameMasks{}, err
	}
	if len(req.Points) != len(req.Labels) {
		return FrameMasks{}, fmt.Errorf("%d points with %d labels", len(req.Points), len(req.Labels))
	}
	return g.inner.AddPoints(ctx, req)
}

func (g *Guard) ResetObject(ctx context.Context, objectID int) error {
	if err := g.check(); err != nil {
		return err
	}
	return g.inner.ResetObject(ctx, objectID)
}

// ResetAll resets the engine state and invalidates the guard even when the
// engine reports an error.
func (g *Guard) ResetAll(ctx context.Context) error {
	if !g.invalidate("was reset") {
		return fmt.Errorf("%w: handle %s", ErrInvalidState, g.reason)
	}
	return g.inner.ResetAll(ctx)
}

func (g *Guard) Propagate(ctx context.Context) (Sequence, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	seq, err := g.inner.Propagate(ctx)
	if err != nil {
		return nil, err
	}
	return &onceSequence{inner: seq}, nil
}

// Release frees the handle. Releasing twice is a no-op.
func (g *Guard) Release(ctx context.Context) error {
	if !g.invalidate("was released") {
		return nil
	}
	return g.inner.Release(ctx)
}

// onceSequence makes a sequence strictly one-pass: once it reports io.EOF, an
// error or is closed, every later Next fails.
type onceSequence struct {
	mu    sync.Mutex
	inner Sequence
	done  bool
}

func (s *onceSequence) Next(ctx context.Context) (FrameMasks, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return FrameMasks{}, fmt.Errorf("%w: sequence already consumed", ErrInvalidState)
	}
	fm, err := s.inner.Next(ctx)
	if err != nil {
		s.done = true
		_ = s.inner.Close()
	}
	return fm, err
}

func (s *onceSequence) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	return s.inner.Close()
}
