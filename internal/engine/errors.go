package engine

import "errors"

// Sentinel errors for engine operations.
var (
	// ErrInvalidState is returned for any operation on a handle after
	// ResetAll or Release, and for reading a finished sequence.
	ErrInvalidState = errors.New("invalid engine handle state")
	// ErrHandleExists is returned when an owner already holds a handle.
	ErrHandleExists = errors.New("owner already holds an engine handle")
	// ErrSharedHandle is returned when the engine hands out a handle that
	// another owner already holds.
	ErrSharedHandle = errors.New("engine returned a handle owned by another session")
	// ErrNoHandle is returned when an owner holds no handle.
	ErrNoHandle = errors.New("no engine handle for owner")
)
