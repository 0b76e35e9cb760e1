package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

type slot struct {
	guard      *Guard
	raw        Handle
	framesDir  string
	frameCount int
	pending    bool
}

// Arena owns engine handles keyed by owner (the session id). Each owner holds
// at most one handle and no handle is ever held by two owners. Releasing one
// owner's handle never touches another's.
type Arena struct {
	engine Engine

	mu     sync.Mutex
	slots  map[string]*slot
	owners map[Handle]string
}

// NewArena creates an arena drawing handles from e.
func NewArena(e Engine) *Arena {
	return &Arena{
		engine: e,
		slots:  make(map[string]*slot),
		owners: make(map[Handle]string),
	}
}

// Acquire initializes a new handle for owner over the frames in framesDir.
func (a *Arena) Acquire(ctx context.Context, owner, framesDir string, frameCount int) (Handle, error) {
	a.mu.Lock()
	if _, ok := a.slots[owner]; ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrHandleExists, owner)
	}
	// reserve the owner while the engine loads frames
	a.slots[owner] = &slot{pending: true, framesDir: framesDir, frameCount: frameCount}
	a.mu.Unlock()

	raw, err := a.engine.InitState(ctx, framesDir, frameCount)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		delete(a.slots, owner)
		return nil, err
	}
	if err := a.bindLocked(owner, raw); err != nil {
		delete(a.slots, owner)
		if errors.Is(err, ErrNoHandle) {
			_ = raw.Release(ctx)
		}
		return nil, err
	}
	s := a.slots[owner]
	s.pending = false
	return s.guard, nil
}

func (a *Arena) bindLocked(owner string, raw Handle) error {
	s, ok := a.slots[owner]
	if !ok {
		return fmt.Errorf("%w: %s released during init", ErrNoHandle, owner)
	}
	if isComparable(raw) {
		if other, ok := a.owners[raw]; ok && other != owner {
			return fmt.Errorf("%w: %s", ErrSharedHandle, other)
		}
		a.owners[raw] = owner
	}
	s.raw = raw
	s.guard = NewGuard(raw)
	return nil
}

func (a *Arena) unbindLocked(s *slot) {
	if s.raw != nil && isComparable(s.raw) {
		delete(a.owners, s.raw)
	}
}

// Get returns owner's current handle.
func (a *Arena) Get(owner string) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slots[owner]
	if !ok || s.pending {
		return nil, fmt.Errorf("%w: %s", ErrNoHandle, owner)
	}
	return s.guard, nil
}

// Reinit resets owner's handle and replaces it with a fresh one over the same
// frames. The old handle is invalid afterwards whatever the outcome. If the
// new handle cannot be created the owner is left without one.
func (a *Arena) Reinit(ctx context.Context, owner string) (Handle, error) {
	a.mu.Lock()
	s, ok := a.slots[owner]
	if !ok || s.pending {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoHandle, owner)
	}
	old := s.guard
	s.pending = true
	a.mu.Unlock()

	resetErr := old.ResetAll(ctx)
	releaseErr := s.raw.Release(ctx)

	a.mu.Lock()
	a.unbindLocked(s)
	s.raw, s.guard = nil, nil
	a.mu.Unlock()

	if resetErr != nil || releaseErr != nil {
		a.drop(owner)
		return nil, errors.Join(resetErr, releaseErr)
	}

	raw, err := a.engine.InitState(ctx, s.framesDir, s.frameCount)
	if err != nil {
		a.drop(owner)
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.bindLocked(owner, raw); err != nil {
		delete(a.slots, owner)
		if errors.Is(err, ErrNoHandle) {
			_ = raw.Release(ctx)
		}
		return nil, err
	}
	s.pending = false
	return s.guard, nil
}

func (a *Arena) drop(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.slots, owner)
}

// Release frees owner's handle. Releasing an owner without a handle is a
// no-op.
func (a *Arena) Release(ctx context.Context, owner string) error {
	a.mu.Lock()
	s, ok := a.slots[owner]
	if !ok || s.guard == nil {
		a.mu.Unlock()
		return nil
	}
	delete(a.slots, owner)
	a.unbindLocked(s)
	a.mu.Unlock()

	return s.guard.Release(ctx)
}

// Len returns the number of owners holding a handle.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, s := range a.slots {
		if !s.pending {
			n++
		}
	}
	return n
}

// Alive reports whether the engine can still serve requests. Engines that do
// not report liveness are assumed alive.
func (a *Arena) Alive() bool {
	if l, ok := a.engine.(interface{ Alive() bool }); ok {
		return l.Alive()
	}
	return true
}

// Close releases every handle.
func (a *Arena) Close(ctx context.Context) error {
	a.mu.Lock()
	owners := make([]string, 0, len(a.slots))
	for owner := range a.slots {
		owners = append(owners, owner)
	}
	a.mu.Unlock()

	var errs []error
	for _, owner := range owners {
		if err := a.Release(ctx, owner); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", owner, err))
		}
	}
	return errors.Join(errs...)
}

func isComparable(h Handle) bool {
	return reflect.TypeOf(h).Comparable()
}
