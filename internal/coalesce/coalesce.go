// Package coalesce merges concurrent fetches of the same key into one.
//
// A call that arrives while a fetch for its key is in flight waits for that
// fetch and receives the same value or the same error. A call that arrives
// after the fetch finished starts a new one. Nothing is cached here.
package coalesce

import (
	"context"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/onnwee/opsdash/internal/metrics"
)

// Fetcher produces the value for a key.
type Fetcher func(ctx context.Context) (any, error)

// Group is a set of in-flight fetches keyed by string.
type Group struct {
	sf       singleflight.Group
	inFlight atomic.Int64
}

func New() *Group { return &Group{} }

// Do runs fetch for key unless one is already running, in which case it
// waits for that one. If ctx ends first the caller gets ctx.Err() and the
// shared fetch keeps running for the other waiters.
//
// The fetch runs with a context detached from any single caller's
// cancellation so one impatient waiter cannot fail the rest.
func (g *Group) Do(ctx context.Context, key string, fetch Fetcher) (any, error) {
	leader := false
	ch := g.sf.DoChan(key, func() (any, error) {
		leader = true
		g.inFlight.Add(1)
		defer g.inFlight.Add(-1)
		return fetch(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if leader {
			metrics.CoalescedRequests.WithLabelValues("leader").Inc()
		} else {
			metrics.CoalescedRequests.WithLabelValues("joined").Inc()
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Forget drops key so the next Do starts a fresh fetch even if one is
// still running.
func (g *Group) Forget(key string) { g.sf.Forget(key) }

// InFlight returns the number of fetches currently running.
func (g *Group) InFlight() int { return int(g.inFlight.Load()) }

// Key builds a coalescing key: "collection" or "collection/id".
func Key(collection string, parts ...string) string {
	if len(parts) == 0 {
		return collection
	}
	return collection + "/" + strings.Join(parts, "/")
}
