// Package pending holds writes that have not reached the remote store yet.
//
// The queue is an ordered list persisted under a single durable key. Drain
// replays it front to back. A failed operation blocks everything behind it
// in the same collection; other collections keep going.
package pending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/opsdash/internal/logger"
	"github.com/onnwee/opsdash/internal/metrics"
	"github.com/onnwee/opsdash/internal/records"
)

// Action is what a queued operation does to its record.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Operation is one write captured while it could not reach the remote.
// It is replayed exactly as captured.
type Operation struct {
	ID             string         `json:"id"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Collection     string         `json:"collectionName"`
	Action         Action         `json:"action"`
	Record         records.Record `json:"record,omitempty"`
	RecordID       string         `json:"recordId"`
	EnqueuedAt     time.Time      `json:"enqueuedAt"`
	Attempts       int            `json:"attempts,omitempty"`
	LastError      string         `json:"lastError,omitempty"`
}

// NewOperation builds an operation with fresh ids. rec may be nil for deletes.
func NewOperation(collection string, action Action, rec records.Record, recordID string) Operation {
	if recordID == "" && rec != nil {
		recordID = rec.ID()
	}
	return Operation{
		ID:             uuid.NewString(),
		IdempotencyKey: uuid.NewString(),
		Collection:     collection,
		Action:         action,
		Record:         rec.Clone(),
		RecordID:       recordID,
	}
}

// Persister is the durable medium. Save must not fail loudly; Load reports
// whether a value existed.
type Persister interface {
	Save(ctx context.Context, key string, value any)
	Load(ctx context.Context, key string, dst any) bool
}

// Replayer sends one operation to the remote.
type Replayer func(ctx context.Context, op Operation) error

// ReplayError is an operation that failed to replay. It stays queued.
type ReplayError struct {
	Op  Operation
	Err error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay %s %s/%s (%s): %v", e.Op.Action, e.Op.Collection, e.Op.RecordID, e.Op.ID, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// DrainResult summarizes one drain.
type DrainResult struct {
	Replayed  []Operation
	Failed    []*ReplayError
	Remaining int
}

// Collections returns the distinct collections that had operations replayed.
func (r DrainResult) Collections() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, op := range r.Replayed {
		if _, ok := seen[op.Collection]; !ok {
			seen[op.Collection] = struct{}{}
			out = append(out, op.Collection)
		}
	}
	return out
}

var (
	ErrDrainInProgress = errors.New("drain already in progress")
	ErrUnknownOp       = errors.New("no such pending operation")
	ErrInvalidOp       = errors.New("invalid pending operation")
)

// Queue is safe for concurrent use.
type Queue struct {
	key   string
	store Persister
	now   func() time.Time
	log   *slog.Logger

	mu       sync.Mutex
	ops      []Operation
	draining bool
}

// NewQueue loads the queue persisted under key.
func NewQueue(ctx context.Context, p Persister, key string) *Queue {
	q := &Queue{
		key:   key,
		store: p,
		now:   time.Now,
		log:   logger.WithComponent("pending"),
	}
	var ops []Operation
	if p.Load(ctx, key, &ops) {
		for _, op := range ops {
			if op.ID == "" || op.Collection == "" || !op.Action.Valid() {
				q.log.Warn("dropping malformed pending operation", "id", op.ID, "collection", op.Collection, "action", op.Action)
				continue
			}
			q.ops = append(q.ops, op)
		}
	}
	if len(q.ops) > 0 {
		q.log.Info("restored pending operations", "count", len(q.ops))
	}
	metrics.PendingOperations.Set(float64(len(q.ops)))
	return q
}

// Enqueue appends op, filling in missing ids and the enqueue time.
func (q *Queue) Enqueue(ctx context.Context, op Operation) (Operation, error) {
	if op.Collection == "" || !op.Action.Valid() {
		return Operation{}, fmt.Errorf("%w: collection=%q action=%q", ErrInvalidOp, op.Collection, op.Action)
	}
	if op.Action != ActionDelete && op.Record == nil {
		return Operation{}, fmt.Errorf("%w: %s without a record", ErrInvalidOp, op.Action)
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = uuid.NewString()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = q.now().UTC()
	}

	q.mu.Lock()
	q.ops = append(q.ops, op)
	q.persistLocked(ctx)
	q.mu.Unlock()

	q.log.DebugContext(ctx, "queued operation", "id", op.ID, "collection", op.Collection, "action", op.Action, "record", op.RecordID)
	return op, nil
}

// Snapshot returns a copy of the queue in enqueue order.
func (q *Queue) Snapshot() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Operation(nil), q.ops...)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// LenFor returns how many operations are queued for collection.
func (q *Queue) LenFor(collection string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, op := range q.ops {
		if op.Collection == collection {
			n++
		}
	}
	return n
}

// ByCollection returns queued counts per collection.
func (q *Queue) ByCollection() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int)
	for _, op := range q.ops {
		out[op.Collection]++
	}
	return out
}

// Remove drops the operation with id and reports whether it was queued.
func (q *Queue) Remove(ctx context.Context, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, op := range q.ops {
		if op.ID == id {
			q.ops = append(q.ops[:i:i], q.ops[i+1:]...)
			q.persistLocked(ctx)
			return true
		}
	}
	return false
}

// Clear discards a stuck operation so the ones behind it can replay. The
// write it carried is lost on the remote side.
func (q *Queue) Clear(ctx context.Context, id string) error {
	if !q.Remove(ctx, id) {
		return fmt.Errorf("%w: %s", ErrUnknownOp, id)
	}
	metrics.ReplayResults.WithLabelValues("discarded").Inc()
	q.log.WarnContext(ctx, "pending operation discarded", "id", id)
	return nil
}

// Drain replays queued operations in order. After the first failure in a
// collection nothing else from that collection is attempted. Operations
// enqueued while the drain runs are picked up in the same drain unless
// their collection already failed. Only one drain runs at a time.
func (q *Queue) Drain(ctx context.Context, replay Replayer) (DrainResult, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return DrainResult{}, ErrDrainInProgress
	}
	q.draining = true
	q.mu.Unlock()

	start := time.Now()
	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
		metrics.DrainDuration.Observe(time.Since(start).Seconds())
	}()

	var res DrainResult
	blocked := make(map[string]bool)
	attempted := make(map[string]bool)

	for {
		op, ok := q.next(blocked, attempted)
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			break
		}
		attempted[op.ID] = true

		err := replay(ctx, op)
		if err == nil {
			q.Remove(ctx, op.ID)
			res.Replayed = append(res.Replayed, op)
			metrics.ReplayResults.WithLabelValues("success").Inc()
			continue
		}

		blocked[op.Collection] = true
		op = q.markFailed(ctx, op.ID, err)
		rerr := &ReplayError{Op: op, Err: err}
		res.Failed = append(res.Failed, rerr)
		metrics.ReplayResults.WithLabelValues("failed").Inc()
		q.log.WarnContext(ctx, "replay failed, collection held back", "id", op.ID, "collection", op.Collection, "action", op.Action, "attempts", op.Attempts, "error", err)
	}

	res.Remaining = q.Len()
	return res, nil
}

// next returns the first operation not yet attempted whose collection is
// still replaying.
func (q *Queue) next(blocked, attempted map[string]bool) (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.ops {
		if blocked[op.Collection] || attempted[op.ID] {
			continue
		}
		return op, true
	}
	return Operation{}, false
}

func (q *Queue) markFailed(ctx context.Context, id string, cause error) Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.ops {
		if q.ops[i].ID == id {
			q.ops[i].Attempts++
			q.ops[i].LastError = cause.Error()
			q.persistLocked(ctx)
			return q.ops[i]
		}
	}
	return Operation{ID: id}
}

// persistLocked writes the queue through. Caller holds mu.
func (q *Queue) persistLocked(ctx context.Context) {
	ops := q.ops
	if ops == nil {
		ops = []Operation{}
	}
	q.store.Save(ctx, q.key, ops)
	metrics.PendingOperations.Set(float64(len(ops)))
}
