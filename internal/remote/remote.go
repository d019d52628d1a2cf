// Package remote adapts the network-backed source of truth. Every failure,
// timeout included, surfaces as *Error so callers can treat them alike.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/onnwee/opsdash/internal/records"
)

// Store is the remote source of truth for collections.
type Store interface {
	FetchCollection(ctx context.Context, name string) (records.Records, error)
	WriteRecord(ctx context.Context, name string, rec records.Record) (records.Record, error)
	DeleteRecord(ctx context.Context, name, id string) error
}

// BreakerResetter is implemented by stores that fail fast after repeated
// errors and can be told the network is back.
type BreakerResetter interface {
	ResetBreaker()
}

// ErrUnavailable is the cause of injected failures and of calls rejected
// while the breaker is open.
var ErrUnavailable = errors.New("remote store unavailable")

// ErrNoCollection means the remote has never heard of the collection.
var ErrNoCollection = errors.New("collection not found")

// Error wraps every remote failure.
type Error struct {
	Op         string // fetch, write, delete
	Collection string
	ID         string
	Status     int // HTTP status, 0 for transport errors
	Err        error
}

func (e *Error) Error() string {
	target := e.Collection
	if e.ID != "" {
		target += "/" + e.ID
	}
	if e.Status != 0 {
		return fmt.Sprintf("remote %s %s: status %d: %v", e.Op, target, e.Status, e.Err)
	}
	return fmt.Sprintf("remote %s %s: %v", e.Op, target, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRemote reports whether err came from a remote call.
func IsRemote(err error) bool {
	var re *Error
	return errors.As(err, &re)
}

type idempotencyKeyCtx struct{}

// WithIdempotencyKey attaches key to writes issued with ctx. The remote
// applies a given key at most once.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

// IdempotencyKey returns the key set by WithIdempotencyKey.
func IdempotencyKey(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyCtx{}).(string)
	return key
}
