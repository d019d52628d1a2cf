// Package cache is the in-memory, TTL-bounded, LRU-evicting cache that sits
// in front of the durable store and the remote store.
//
// An entry is valid while now-createdAt < ttl. Invalid entries are
// logically absent: Get never returns them, and they are removed lazily on
// access or by the periodic sweep. When an insert would exceed capacity
// the entry with the oldest lastAccessedAt is evicted first; ties go to
// the entry created first.
package cache

import (
	"container/list"
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/onnwee/opsdash/internal/coalesce"
	"github.com/onnwee/opsdash/internal/metrics"
)

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

// Entry is a single cached value and its bookkeeping.
type Entry struct {
	Key            string
	Value          any
	CreatedAt      time.Time
	TTL            time.Duration
	AccessCount    int
	LastAccessedAt time.Time
	Tags           []string

	seq uint64 // insertion order, breaks lastAccessedAt ties
}

func (e *Entry) valid(now time.Time) bool {
	return now.Sub(e.CreatedAt) < e.TTL
}

// Stats is a point-in-time view of a cache instance.
type Stats struct {
	Name          string  `json:"name"`
	Size          int     `json:"size"`
	Capacity      int     `json:"capacity"`
	HitRate       float64 `json:"hitRate"`
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Evictions     uint64  `json:"evictions"`
	Expirations   uint64  `json:"expirations"`
	Invalidations uint64  `json:"invalidations"`
}

// Config configures one cache instance.
type Config struct {
	Name       string
	Capacity   int
	DefaultTTL time.Duration
	Clock      Clock
	// Coalescer merges concurrent GetOrSet misses. A private group is used when nil.
	Coalescer *coalesce.Group
}

const (
	defaultCapacity = 256
	defaultTTL      = 5 * time.Minute
)

// Cache is safe for concurrent use.
type Cache struct {
	name       string
	capacity   int
	defaultTTL time.Duration
	now        Clock
	group      *coalesce.Group

	mu    sync.Mutex
	ll    *list.List // front = most recently accessed
	items map[string]*list.Element
	tags  map[string]map[string]struct{}
	seq   uint64

	hits, misses, evictions, expirations, invalidations uint64

	stopOnce sync.Once
	stop     chan struct{}
}

func New(cfg Config) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Coalescer == nil {
		cfg.Coalescer = coalesce.New()
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	return &Cache{
		name:       cfg.Name,
		capacity:   cfg.Capacity,
		defaultTTL: cfg.DefaultTTL,
		now:        cfg.Clock,
		group:      cfg.Coalescer,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		tags:       make(map[string]map[string]struct{}),
		stop:       make(chan struct{}),
	}
}

// Option adjusts a single Set.
type Option func(*setOptions)

type setOptions struct {
	ttl  time.Duration
	tags []string
}

// WithTTL overrides the instance default TTL.
func WithTTL(d time.Duration) Option {
	return func(o *setOptions) { o.ttl = d }
}

// WithTags attaches dependency tags for InvalidateByTag.
func WithTags(tags ...string) Option {
	return func(o *setOptions) { o.tags = append(o.tags, tags...) }
}

func (c *Cache) Name() string { return c.name }

// Len returns the number of physically present entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Get returns the value for key if present and unexpired. Otherwise it
// records a miss.
func (c *Cache) Get(key string) (any, bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.miss()
		return nil, false
	}
	e := el.Value.(*Entry)
	if !e.valid(now) {
		c.removeElement(el)
		c.expirations++
		metrics.CacheEvictions.WithLabelValues(c.name, "expired").Inc()
		c.miss()
		return nil, false
	}
	e.AccessCount++
	e.LastAccessedAt = now
	c.ll.MoveToFront(el)
	c.hits++
	metrics.CacheHits.WithLabelValues(c.name).Inc()
	return e.Value, true
}

// Peek returns a copy of the entry for key without touching its access
// bookkeeping or the hit/miss counters.
func (c *Cache) Peek(key string) (Entry, bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	e := el.Value.(*Entry)
	if !e.valid(now) {
		return Entry{}, false
	}
	out := *e
	out.Tags = append([]string(nil), e.Tags...)
	return out, true
}

// Set inserts or overwrites key. A new key that would exceed capacity
// evicts the least recently accessed entry first.
func (c *Cache) Set(key string, value any, opts ...Option) {
	o := setOptions{ttl: c.defaultTTL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		o.ttl = c.defaultTTL
	}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	if c.ll.Len() >= c.capacity {
		c.sweepLocked(now)
	}
	for c.ll.Len() >= c.capacity {
		c.evictLRU()
	}

	c.seq++
	e := &Entry{
		Key:            key,
		Value:          value,
		CreatedAt:      now,
		TTL:            o.ttl,
		LastAccessedAt: now,
		Tags:           dedupe(o.tags),
		seq:            c.seq,
	}
	c.items[key] = c.ll.PushFront(e)
	for _, t := range e.Tags {
		keys, ok := c.tags[t]
		if !ok {
			keys = make(map[string]struct{})
			c.tags[t] = keys
		}
		keys[key] = struct{}{}
	}
}

// GetOrSet returns the cached value for key or, on a miss, calls fetch once
// for all concurrent callers, stores the result and returns it. A failed
// fetch stores nothing and every waiter gets the same error.
func (c *Cache) GetOrSet(ctx context.Context, key string, fetch coalesce.Fetcher, opts ...Option) (any, error) {
	v, _, err := c.GetOrFill(ctx, key, func(ctx context.Context) (any, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v, opts...)
		return v, nil
	})
	return v, err
}

// GetOrFill is GetOrSet for callers that decide themselves whether the
// fetched value may be stored. It counts one hit or miss, runs fill once
// for all concurrent callers and stores nothing. hit reports whether the
// value came from the cache.
func (c *Cache) GetOrFill(ctx context.Context, key string, fill coalesce.Fetcher) (v any, hit bool, err error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}
	v, err = c.group.Do(ctx, c.fillKey(key), func(ctx context.Context) (any, error) {
		if e, ok := c.Peek(key); ok {
			return e.Value, nil
		}
		return fill(ctx)
	})
	return v, false, err
}

// Forget detaches callers arriving from now on from a fill of key that is
// still running, so they fetch again instead of sharing its result.
func (c *Cache) Forget(key string) { c.group.Forget(c.fillKey(key)) }

func (c *Cache) fillKey(key string) string { return coalesce.Key("cache", c.name, key) }

// Invalidate removes key and reports whether it was present.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(el)
	c.invalidated(1)
	return true
}

// InvalidateByTag removes every entry carrying tag.
func (c *Cache) InvalidateByTag(tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.tags[tag]
	n := 0
	for k := range keys {
		if el, ok := c.items[k]; ok {
			c.removeElement(el)
			n++
		}
	}
	delete(c.tags, tag)
	c.invalidated(n)
	return n
}

// InvalidateByPattern removes every entry whose key matches re.
func (c *Cache) InvalidateByPattern(re *regexp.Regexp) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, el := range c.items {
		if re.MatchString(k) {
			c.removeElement(el)
			n++
		}
	}
	c.invalidated(n)
	return n
}

// Clear drops every entry. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.tags = make(map[string]map[string]struct{})
}

// Stats returns counters and the current size.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Name:          c.name,
		Size:          c.ll.Len(),
		Capacity:      c.capacity,
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		Expirations:   c.expirations,
		Invalidations: c.invalidations,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// evictLRU removes the entry with the oldest lastAccessedAt. The list is
// kept in access order, so candidates are the tail run sharing the tail's
// timestamp; among those the earliest inserted loses. Caller holds mu.
func (c *Cache) evictLRU() {
	tail := c.ll.Back()
	if tail == nil {
		return
	}
	victim := tail
	ve := tail.Value.(*Entry)
	for el := tail.Prev(); el != nil; el = el.Prev() {
		e := el.Value.(*Entry)
		if !e.LastAccessedAt.Equal(ve.LastAccessedAt) {
			break
		}
		if e.seq < ve.seq {
			victim, ve = el, e
		}
	}
	c.removeElement(victim)
	c.evictions++
	metrics.CacheEvictions.WithLabelValues(c.name, "lru").Inc()
}

// sweepLocked removes expired entries. Caller holds mu.
func (c *Cache) sweepLocked(now time.Time) int {
	n := 0
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if e := el.Value.(*Entry); !e.valid(now) {
			c.removeElement(el)
			n++
		}
		el = prev
	}
	if n > 0 {
		c.expirations += uint64(n)
		metrics.CacheEvictions.WithLabelValues(c.name, "expired").Add(float64(n))
	}
	return n
}

// removeElement unlinks el and its tag index entries. Caller holds mu.
func (c *Cache) removeElement(el *list.Element) {
	e := el.Value.(*Entry)
	c.ll.Remove(el)
	delete(c.items, e.Key)
	for _, t := range e.Tags {
		if keys, ok := c.tags[t]; ok {
			delete(keys, e.Key)
			if len(keys) == 0 {
				delete(c.tags, t)
			}
		}
	}
}

func (c *Cache) miss() {
	c.misses++
	metrics.CacheMisses.WithLabelValues(c.name).Inc()
}

func (c *Cache) invalidated(n int) {
	if n == 0 {
		return
	}
	c.invalidations += uint64(n)
	metrics.CacheEvictions.WithLabelValues(c.name, "invalidated").Add(float64(n))
}

func dedupe(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok || t == "" {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
