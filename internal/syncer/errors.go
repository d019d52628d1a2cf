package syncer

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is matched by every *NotFoundError.
	ErrNotFound = errors.New("collection not found")
	// ErrOffline is returned by Drain while the monitor reports offline.
	ErrOffline = errors.New("offline")
	// ErrInvalidCollection rejects empty collection names.
	ErrInvalidCollection = errors.New("invalid collection name")
)

// NotFoundError is returned by Read when a collection has neither a local
// snapshot nor a reachable remote copy.
type NotFoundError struct {
	Collection string
	Cause      error // remote failure, nil when offline
}

func (e *NotFoundError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("collection %q not found locally and remote failed: %v", e.Collection, e.Cause)
	}
	return fmt.Sprintf("collection %q not found locally and remote is offline", e.Collection)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func (e *NotFoundError) Unwrap() error { return e.Cause }
