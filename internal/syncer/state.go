package syncer

import (
	"context"
	"time"

	"github.com/onnwee/opsdash/internal/cache"
	"github.com/onnwee/opsdash/internal/metrics"
)

// Cache keys of derived values.
const (
	pendingCountsKey = "pending-counts"
	catalogKey       = "catalog"
)

// State is the sync status of one collection.
type State string

const (
	// Unknown: nothing has touched the collection in this process.
	Unknown    State = "UNKNOWN"
	LocalOnly  State = "LOCAL_ONLY"
	Syncing    State = "SYNCING"
	Synced     State = "SYNCED"
	SyncFailed State = "SYNC_FAILED"
)

// CollectionStatus is one row of the status summary.
type CollectionStatus struct {
	State     State     `json:"state"`
	Pending   int       `json:"pending"`
	UpdatedAt time.Time `json:"updatedAt"`
	LastError string    `json:"lastError,omitempty"`
}

// Summary feeds the "N operations pending" indicator and the online badge.
type Summary struct {
	Online      bool                        `json:"online"`
	OnlineSince time.Time                   `json:"onlineSince"`
	Pending     int                         `json:"pending"`
	Collections map[string]CollectionStatus `json:"collections"`
}

type collectionState struct {
	state     State
	updatedAt time.Time
	lastError string
}

// setState records s for collection. Caller must not hold o.mu.
func (o *Orchestrator) setState(collection string, s State, cause error) {
	o.mu.Lock()
	cur := o.states[collection]
	changed := cur.state != s
	cur.state = s
	cur.updatedAt = o.now()
	if cause != nil {
		cur.lastError = cause.Error()
	} else if s == Synced {
		cur.lastError = ""
	}
	o.states[collection] = cur
	o.mu.Unlock()

	if changed {
		metrics.SyncStateTransitions.WithLabelValues(string(s)).Inc()
		o.log.Debug("sync state", "collection", collection, "state", s)
	}
}

// Status returns the sync state of collection.
func (o *Orchestrator) Status(collection string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.states[collection]; ok {
		return st.state
	}
	return Unknown
}

// Summary returns the online badge, the pending count and the state of
// every collection seen so far or holding queued operations.
func (o *Orchestrator) Summary() Summary {
	pending := o.pendingCounts()
	total := 0
	for _, n := range pending {
		total += n
	}

	o.mu.Lock()
	cols := make(map[string]CollectionStatus, len(o.states))
	for name, st := range o.states {
		cols[name] = CollectionStatus{State: st.state, UpdatedAt: st.updatedAt, LastError: st.lastError, Pending: pending[name]}
	}
	o.mu.Unlock()
	for name, n := range pending {
		if _, ok := cols[name]; !ok {
			cols[name] = CollectionStatus{State: LocalOnly, Pending: n}
		}
	}

	return Summary{
		Online:      o.monitor.Online(),
		OnlineSince: o.monitor.Since(),
		Pending:     total,
		Collections: cols,
	}
}

// pendingCounts returns queued operations per collection through the
// aggregates cache. The map is shared with other callers and must not be
// modified.
func (o *Orchestrator) pendingCounts() map[string]int {
	if o.aggs == nil {
		return o.queue.ByCollection()
	}
	v, _, err := o.aggs.GetOrFill(o.ctx, pendingCountsKey, func(context.Context) (any, error) {
		ver := o.queueVer.Load()
		counts := o.queue.ByCollection()
		tags := make([]string, 0, len(counts))
		for name := range counts {
			tags = append(tags, name)
		}
		o.aggs.Set(pendingCountsKey, counts, cache.WithTags(tags...))
		if o.queueVer.Load() != ver {
			// the queue moved while counting
			o.aggs.Invalidate(pendingCountsKey)
		}
		return counts, nil
	})
	if err != nil {
		// shutting down
		return o.queue.ByCollection()
	}
	return v.(map[string]int)
}

// pendingChanged drops the cached counts after the queue gained or lost
// operations.
func (o *Orchestrator) pendingChanged() {
	o.queueVer.Add(1)
	if o.aggs != nil {
		o.aggs.Invalidate(pendingCountsKey)
		o.aggs.Forget(pendingCountsKey)
	}
}

// Catalog returns the collections with a registered schema, sorted. The
// listing is kept in the reference cache.
func (o *Orchestrator) Catalog(ctx context.Context) []string {
	if o.registry == nil {
		return []string{}
	}
	if o.ref == nil {
		return o.registry.Names()
	}
	v, err := o.ref.GetOrSet(ctx, catalogKey, func(context.Context) (any, error) {
		return o.registry.Names(), nil
	})
	if err != nil {
		return o.registry.Names()
	}
	return append([]string(nil), v.([]string)...)
}
