// Package syncer coordinates local-first reads, dual writes and the
// replay of queued writes when connectivity returns.
//
// Reads are served from the cache, then from the durable snapshot, and
// only block on the remote when nothing local exists. Writes always land
// in the durable snapshot first. Remote and persistence failures never
// reach the caller; they show up as collection states and the pending
// count instead.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/opsdash/internal/cache"
	"github.com/onnwee/opsdash/internal/coalesce"
	"github.com/onnwee/opsdash/internal/connectivity"
	"github.com/onnwee/opsdash/internal/errorreporting"
	"github.com/onnwee/opsdash/internal/logger"
	"github.com/onnwee/opsdash/internal/metrics"
	"github.com/onnwee/opsdash/internal/pending"
	"github.com/onnwee/opsdash/internal/records"
	"github.com/onnwee/opsdash/internal/remote"
	"github.com/onnwee/opsdash/internal/store"
	"github.com/onnwee/opsdash/internal/tracing"
)

// Deps are the collaborators of an Orchestrator. All are required except
// Registry, which enables schema validation of writes.
type Deps struct {
	Store     *store.Store
	Caches    *cache.Registry
	Remote    remote.Store
	Queue     *pending.Queue
	Monitor   *connectivity.Monitor
	Coalescer *coalesce.Group
	Registry  *records.Registry
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Orchestrator is the only writer of collection snapshots.
type Orchestrator struct {
	store    *store.Store
	caches   *cache.Registry
	snaps    *cache.Cache
	aggs     *cache.Cache // optional
	ref      *cache.Cache // optional
	remote   remote.Store
	queue    *pending.Queue
	monitor  *connectivity.Monitor
	group    *coalesce.Group
	registry *records.Registry
	now      func() time.Time
	log      *slog.Logger
	events   emitter

	mu           sync.Mutex
	locks        map[string]*sync.Mutex
	gen          map[string]uint64
	states       map[string]collectionState
	refreshWants map[string]bool
	queueVer     atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsub  func()
}

func New(d Deps) (*Orchestrator, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("syncer: store is required")
	case d.Caches == nil:
		return nil, errors.New("syncer: caches are required")
	case d.Remote == nil:
		return nil, errors.New("syncer: remote is required")
	case d.Queue == nil:
		return nil, errors.New("syncer: queue is required")
	case d.Monitor == nil:
		return nil, errors.New("syncer: monitor is required")
	}
	snaps, ok := d.Caches.Get(cache.Collections)
	if !ok {
		return nil, fmt.Errorf("syncer: cache registry has no %q instance", cache.Collections)
	}
	aggs, _ := d.Caches.Get(cache.Aggregates)
	ref, _ := d.Caches.Get(cache.Reference)
	if d.Coalescer == nil {
		d.Coalescer = coalesce.New()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:        d.Store,
		caches:       d.Caches,
		snaps:        snaps,
		aggs:         aggs,
		ref:          ref,
		remote:       d.Remote,
		queue:        d.Queue,
		monitor:      d.Monitor,
		group:        d.Coalescer,
		registry:     d.Registry,
		now:          d.Clock,
		log:          logger.WithComponent("syncer"),
		locks:        make(map[string]*sync.Mutex),
		gen:          make(map[string]uint64),
		states:       make(map[string]collectionState),
		refreshWants: make(map[string]bool),
		ctx:          ctx,
		cancel:       cancel,
	}
	for name := range d.Queue.ByCollection() {
		o.states[name] = collectionState{state: LocalOnly, updatedAt: o.now()}
	}
	o.unsub = d.Monitor.Subscribe(func(ev connectivity.Event) {
		if ev.Online {
			o.drainAsync()
		}
	})
	return o, nil
}

// Close stops background work and waits for it.
func (o *Orchestrator) Close() {
	o.unsub()
	o.cancel()
	o.wg.Wait()
}

// Wait blocks until background refreshes and drains started so far are done.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) lock(collection string) func() {
	o.mu.Lock()
	l, ok := o.locks[collection]
	if !ok {
		l = &sync.Mutex{}
		o.locks[collection] = l
	}
	o.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// bump marks a local mutation of collection. Caller holds its lock.
func (o *Orchestrator) bump(collection string) {
	o.mu.Lock()
	o.gen[collection]++
	o.mu.Unlock()
}

func (o *Orchestrator) generation(collection string) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gen[collection]
}

// Read returns the collection, local first. With a local snapshot the
// remote refresh runs in the background; without one it runs inline and a
// failure yields a *NotFoundError.
func (o *Orchestrator) Read(ctx context.Context, collection string) (rs records.Records, err error) {
	if collection == "" {
		return nil, ErrInvalidCollection
	}
	ctx, span := tracing.StartCollectionSpan(ctx, "syncer.Read", collection)
	defer func() { tracing.End(span, err) }()

	v, hit, err := o.snaps.GetOrFill(ctx, collection, func(ctx context.Context) (any, error) {
		// taken before the load so a Write landing meanwhile keeps its
		// invalidation
		gen := o.generation(collection)
		if local, ok := o.store.LoadSnapshot(ctx, collection); ok {
			metrics.SyncReads.WithLabelValues("local").Inc()
			o.cacheSnapshot(collection, gen, local)
			if o.monitor.Online() {
				o.mu.Lock()
				o.refreshWants[collection] = true
				o.mu.Unlock()
			} else {
				o.setStateIfUnknown(collection, LocalOnly)
			}
			return local, nil
		}
		if !o.monitor.Online() {
			metrics.SyncReads.WithLabelValues("none").Inc()
			return nil, &NotFoundError{Collection: collection}
		}
		// refresh stores what it fetched under the collection lock
		fresh, err := o.refresh(ctx, collection)
		if err != nil {
			metrics.SyncReads.WithLabelValues("none").Inc()
			return nil, &NotFoundError{Collection: collection, Cause: err}
		}
		metrics.SyncReads.WithLabelValues("remote").Inc()
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	if hit {
		metrics.SyncReads.WithLabelValues("cache").Inc()
		return v.(records.Records).Clone(), nil
	}

	// the cache entry is in place now, so a refresh cannot be overwritten by it
	o.mu.Lock()
	want := o.refreshWants[collection]
	delete(o.refreshWants, collection)
	o.mu.Unlock()
	if want {
		o.refreshAsync(collection)
	}
	return v.(records.Records).Clone(), nil
}

// cacheSnapshot caches rs unless collection was written since gen was read.
func (o *Orchestrator) cacheSnapshot(collection string, gen uint64, rs records.Records) {
	unlock := o.lock(collection)
	defer unlock()
	if o.generation(collection) == gen {
		o.snaps.Set(collection, rs, cache.WithTags(collection))
	}
}

func (o *Orchestrator) setStateIfUnknown(collection string, s State) {
	if o.Status(collection) == Unknown {
		o.setState(collection, s, nil)
	}
}

func (o *Orchestrator) refreshAsync(collection string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_, _ = o.refresh(o.ctx, collection)
	}()
}

// refresh fetches collection through the coalescer and, unless local
// writes happened meanwhile or are still queued, replaces the snapshot and
// the cache entry with the result.
func (o *Orchestrator) refresh(ctx context.Context, collection string) (records.Records, error) {
	v, err := o.group.Do(ctx, coalesce.Key(collection), func(ctx context.Context) (any, error) {
		startGen := o.generation(collection)
		o.setState(collection, Syncing, nil)

		fresh, err := o.remote.FetchCollection(ctx, collection)
		if err != nil {
			o.setState(collection, SyncFailed, err)
			o.log.WarnContext(ctx, "remote refresh failed, serving local snapshot", "collection", collection, "error", err)
			return nil, err
		}

		unlock := o.lock(collection)
		if o.generation(collection) != startGen || o.queue.LenFor(collection) > 0 {
			// local state is ahead of what we fetched
			local, _ := o.store.LoadSnapshot(ctx, collection)
			unlock()
			o.setState(collection, LocalOnly, nil)
			return local, nil
		}
		prev, hadPrev := o.store.LoadSnapshot(ctx, collection)
		stored := o.store.SaveSnapshot(ctx, collection, fresh)
		differs := hadPrev && !records.Equal(prev, stored)
		if differs {
			o.caches.InvalidateByTag(collection)
		}
		o.snaps.Set(collection, stored, cache.WithTags(collection))
		unlock()

		o.setState(collection, Synced, nil)
		if differs {
			o.changed(collection, SourceRemote)
		}
		return stored, nil
	})
	if err != nil {
		return nil, err
	}
	rs, _ := v.(records.Records)
	return rs, nil
}

// Write inserts or replaces rec (by id) in collection and returns what was
// stored. Only validation errors are returned.
func (o *Orchestrator) Write(ctx context.Context, collection string, rec records.Record) (stored records.Record, err error) {
	if collection == "" {
		return nil, ErrInvalidCollection
	}
	if o.registry != nil {
		if err := o.registry.Validate(collection, rec); err != nil {
			return nil, err
		}
	} else if rec.ID() == "" {
		return nil, &records.ValidationError{Collection: collection, Err: records.ErrMissingID}
	}
	ctx, span := tracing.StartCollectionSpan(ctx, "syncer.Write", collection)
	defer func() { tracing.End(span, err) }()

	unlock := o.lock(collection)
	local, _ := o.store.LoadSnapshot(ctx, collection)
	next, existed := local.Upsert(rec)
	action := pending.ActionCreate
	if existed {
		action = pending.ActionUpdate
	}
	o.commitLocal(ctx, collection, next)

	stored = rec.Clone()
	got, pushed := o.pushOrQueue(ctx, pending.NewOperation(collection, action, rec, ""))
	if pushed && decorated(rec, got) {
		next, _ = next.Upsert(got)
		o.commitLocal(ctx, collection, next)
		stored = got.Clone()
	}
	unlock()

	o.changed(collection, SourceLocal)
	return stored, nil
}

// Remove deletes the record id from collection.
func (o *Orchestrator) Remove(ctx context.Context, collection, id string) (err error) {
	if collection == "" {
		return ErrInvalidCollection
	}
	if id == "" {
		return &records.ValidationError{Collection: collection, Err: records.ErrMissingID}
	}
	ctx, span := tracing.StartCollectionSpan(ctx, "syncer.Remove", collection)
	defer func() { tracing.End(span, err) }()

	unlock := o.lock(collection)
	local, _ := o.store.LoadSnapshot(ctx, collection)
	next, _ := local.Without(id)
	o.commitLocal(ctx, collection, next)
	o.pushOrQueue(ctx, pending.NewOperation(collection, pending.ActionDelete, nil, id))
	unlock()

	o.changed(collection, SourceLocal)
	return nil
}

// decorated reports whether the remote answered a write with a different
// version of the same record, e.g. with server-set fields.
func decorated(sent, got records.Record) bool {
	if got == nil || got.ID() != sent.ID() {
		return false
	}
	return !records.Equal(records.Records{sent}, records.Records{got})
}

// commitLocal saves the snapshot and drops every cache entry tagged with
// the collection. Caller holds the collection lock.
func (o *Orchestrator) commitLocal(ctx context.Context, collection string, rs records.Records) {
	o.store.SaveSnapshot(ctx, collection, rs)
	o.bump(collection)
	o.caches.InvalidateByTag(collection)
	// reads from now on must not join a fill that loaded the old snapshot
	o.snaps.Forget(collection)
}

// pushOrQueue sends op to the remote when that cannot reorder it behind
// queued operations, and queues it otherwise or on failure. The same
// idempotency key is used for the direct attempt and any replay. Caller
// holds the collection lock.
func (o *Orchestrator) pushOrQueue(ctx context.Context, op pending.Operation) (records.Record, bool) {
	if o.monitor.Online() && o.queue.LenFor(op.Collection) == 0 {
		got, err := o.apply(ctx, op)
		if err == nil {
			metrics.SyncWrites.WithLabelValues(string(op.Action), "synced").Inc()
			o.setState(op.Collection, Synced, nil)
			return got, true
		}
		o.log.WarnContext(ctx, "remote write failed, queueing", "collection", op.Collection, "action", op.Action, "record", op.RecordID, "error", err)
		if !remote.IsRemote(err) {
			// remote failures are expected; anything else is a bug
			errorreporting.CaptureSyncError(err, "syncer", op.Collection, map[string]interface{}{"action": string(op.Action)})
		}
	}

	if _, err := o.queue.Enqueue(ctx, op); err != nil {
		// only malformed operations fail here
		o.log.ErrorContext(ctx, "could not queue operation", "collection", op.Collection, "error", err)
		errorreporting.CaptureSyncError(err, "syncer", op.Collection, map[string]interface{}{"action": string(op.Action)})
	} else {
		o.pendingChanged()
	}
	metrics.SyncWrites.WithLabelValues(string(op.Action), "queued").Inc()
	o.setState(op.Collection, LocalOnly, nil)
	return nil, false
}

// apply sends one operation to the remote under its idempotency key.
func (o *Orchestrator) apply(ctx context.Context, op pending.Operation) (records.Record, error) {
	ctx = remote.WithIdempotencyKey(ctx, op.IdempotencyKey)
	switch op.Action {
	case pending.ActionCreate, pending.ActionUpdate:
		return o.remote.WriteRecord(ctx, op.Collection, op.Record)
	case pending.ActionDelete:
		return nil, o.remote.DeleteRecord(ctx, op.Collection, op.RecordID)
	}
	return nil, fmt.Errorf("%w: action %q", pending.ErrInvalidOp, op.Action)
}

// OnConnectivityChange records a platform connectivity report. Going
// online starts a drain in the background.
func (o *Orchestrator) OnConnectivityChange(online bool) {
	o.monitor.Set(online)
}

// ResumeQueued starts a background drain when operations are queued and
// the monitor is already online, as after a restart that saw no online
// transition. It reports whether a drain was started.
func (o *Orchestrator) ResumeQueued() bool {
	if o.queue.Len() == 0 || !o.monitor.Online() {
		return false
	}
	o.drainAsync()
	return true
}

func (o *Orchestrator) drainAsync() {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.Drain(o.ctx); err != nil && !errors.Is(err, pending.ErrDrainInProgress) && !errors.Is(err, ErrOffline) {
			o.log.Warn("drain failed", "error", err)
		}
	}()
}

// Drain replays the pending queue against the remote. Collections whose
// operations replayed are invalidated and announced.
func (o *Orchestrator) Drain(ctx context.Context) (res pending.DrainResult, err error) {
	if !o.monitor.Online() {
		return pending.DrainResult{Remaining: o.queue.Len()}, ErrOffline
	}
	ctx, span := tracing.StartSpan(ctx, "syncer.Drain")
	defer func() { tracing.End(span, err) }()

	if r, ok := o.remote.(remote.BreakerResetter); ok {
		r.ResetBreaker()
	}

	res, err = o.queue.Drain(ctx, func(ctx context.Context, op pending.Operation) error {
		_, err := o.apply(ctx, op)
		return err
	})
	if err != nil {
		return res, err
	}
	if len(res.Replayed) > 0 {
		o.pendingChanged()
	}

	for _, f := range res.Failed {
		o.setState(f.Op.Collection, LocalOnly, f.Err)
		errorreporting.AddBreadcrumb("sync", f.Error())
	}
	for _, collection := range res.Collections() {
		o.caches.InvalidateByTag(collection)
		if o.queue.LenFor(collection) == 0 {
			o.setState(collection, Synced, nil)
		}
		o.changed(collection, SourceReplay)
	}
	if len(res.Replayed) > 0 || len(res.Failed) > 0 {
		o.log.Info("drain finished", "replayed", len(res.Replayed), "failed", len(res.Failed), "remaining", res.Remaining)
	}
	return res, nil
}

// ClearPending discards a stuck queued operation.
func (o *Orchestrator) ClearPending(ctx context.Context, id string) error {
	var collection string
	for _, op := range o.queue.Snapshot() {
		if op.ID == id {
			collection = op.Collection
			break
		}
	}
	if err := o.queue.Clear(ctx, id); err != nil {
		return err
	}
	o.pendingChanged()
	if collection != "" {
		// the next read refreshes from the remote
		o.caches.InvalidateByTag(collection)
	}
	return nil
}

// Pending returns the queued operations in replay order.
func (o *Orchestrator) Pending() []pending.Operation { return o.queue.Snapshot() }

// Online reports the monitor's state.
func (o *Orchestrator) Online() bool { return o.monitor.Online() }
