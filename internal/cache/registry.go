package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/onnwee/opsdash/internal/coalesce"
	"github.com/onnwee/opsdash/internal/config"
)

// Profile names.
const (
	Collections = "collections" // collection snapshots
	Aggregates  = "aggregates"  // frequently changing derived values
	Reference   = "reference"   // near-static lookup data
)

// Profile describes one named cache instance.
type Profile struct {
	Name       string
	DefaultTTL time.Duration
	Capacity   int
}

// ProfilesFromConfig returns the three standard profiles sized by cfg.
func ProfilesFromConfig(cfg *config.Config) []Profile {
	return []Profile{
		{Name: Collections, DefaultTTL: cfg.CacheDefaultTTL, Capacity: cfg.CacheCapacity},
		{Name: Aggregates, DefaultTTL: cfg.CacheAggregatesTTL, Capacity: cfg.CacheCapacity},
		{Name: Reference, DefaultTTL: cfg.CacheReferenceTTL, Capacity: cfg.CacheCapacity},
	}
}

// Registry holds the process's cache instances. Instances do not share
// eviction state; they may share a coalescer.
type Registry struct {
	caches map[string]*Cache
	group  *coalesce.Group
}

// NewRegistry builds one Cache per profile. Duplicate names are an error.
// A nil group gives the instances a shared private coalescer.
func NewRegistry(clock Clock, group *coalesce.Group, profiles ...Profile) (*Registry, error) {
	if group == nil {
		group = coalesce.New()
	}
	r := &Registry{caches: make(map[string]*Cache, len(profiles)), group: group}
	for _, p := range profiles {
		if p.Name == "" {
			return nil, errors.New("cache profile without a name")
		}
		if _, dup := r.caches[p.Name]; dup {
			return nil, fmt.Errorf("duplicate cache profile %q", p.Name)
		}
		r.caches[p.Name] = New(Config{
			Name:       p.Name,
			Capacity:   p.Capacity,
			DefaultTTL: p.DefaultTTL,
			Clock:      clock,
			Coalescer:  group,
		})
	}
	return r, nil
}

// Get returns the named instance.
func (r *Registry) Get(name string) (*Cache, bool) {
	c, ok := r.caches[name]
	return c, ok
}

// MustGet is Get for names fixed at startup.
func (r *Registry) MustGet(name string) *Cache {
	c, ok := r.caches[name]
	if !ok {
		panic("cache: unknown instance " + name)
	}
	return c
}

// All returns every instance sorted by name.
func (r *Registry) All() []*Cache {
	out := make([]*Cache, 0, len(r.caches))
	for _, c := range r.caches {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Stats returns the stats of every instance, sorted by name.
func (r *Registry) Stats() []Stats {
	all := r.All()
	out := make([]Stats, len(all))
	for i, c := range all {
		out[i] = c.Stats()
	}
	return out
}

// InFlight returns the number of fetches running on the instances'
// coalescer, cache fills and anything else sharing it.
func (r *Registry) InFlight() int { return r.group.InFlight() }

// InvalidateByTag applies InvalidateByTag to every instance.
func (r *Registry) InvalidateByTag(tag string) int {
	n := 0
	for _, c := range r.caches {
		n += c.InvalidateByTag(tag)
	}
	return n
}

func (r *Registry) StartSweepers(ctx context.Context, interval time.Duration) {
	for _, c := range r.caches {
		c.StartSweeper(ctx, interval)
	}
}

func (r *Registry) Close() {
	for _, c := range r.caches {
		c.Close()
	}
}
