package httpcache

import (
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// LRUCache is a size-bounded response cache backed by ristretto.
type LRUCache struct {
	cache      *ristretto.Cache
	defaultTTL time.Duration

	mu    sync.Mutex
	index map[string]map[string]struct{} // collection -> keys
}

// cacheItem wraps the body with its expiration time.
type cacheItem struct {
	data      []byte
	expiresAt time.Time
}

// NewLRU creates a response cache bounded by maxSizeMB megabytes and
// roughly maxEntries keys.
func NewLRU(maxSizeMB int64, maxEntries int64, defaultTTL time.Duration) (*LRUCache, error) {
	// NumCounters should be ~10x the number of entries
	numCounters := maxEntries * 10
	if numCounters < 1000 {
		numCounters = 1000
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxSizeMB * 1024 * 1024,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}

	return &LRUCache{
		cache:      cache,
		defaultTTL: defaultTTL,
		index:      make(map[string]map[string]struct{}),
	}, nil
}

func (c *LRUCache) Get(key string) ([]byte, bool) {
	val, found := c.cache.Get(key)
	if !found {
		return nil, false
	}

	item, ok := val.(*cacheItem)
	if !ok {
		c.cache.Del(key)
		return nil, false
	}
	if time.Now().After(item.expiresAt) {
		c.cache.Del(key)
		return nil, false
	}
	return item.data, true
}

func (c *LRUCache) Set(collection, key string, body []byte, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	item := &cacheItem{
		data:      body,
		expiresAt: time.Now().Add(ttl),
	}

	c.mu.Lock()
	keys, ok := c.index[collection]
	if !ok {
		keys = make(map[string]struct{})
		c.index[collection] = keys
	}
	keys[key] = struct{}{}
	c.mu.Unlock()

	// ristretto may still drop the set under pressure; that only costs a re-encode
	_ = c.cache.Set(key, item, int64(len(body)))
	c.cache.Wait()
}

func (c *LRUCache) InvalidateCollection(collection string) int {
	c.mu.Lock()
	keys := c.index[collection]
	delete(c.index, collection)
	c.mu.Unlock()

	for k := range keys {
		c.cache.Del(k)
	}
	return len(keys)
}

func (c *LRUCache) Clear() {
	c.mu.Lock()
	c.index = make(map[string]map[string]struct{})
	c.mu.Unlock()
	c.cache.Clear()
}

func (c *LRUCache) Stats() Stats {
	m := c.cache.Metrics
	return Stats{
		Hits:      m.Hits(),
		Misses:    m.Misses(),
		KeysAdded: m.KeysAdded(),
		Evictions: m.KeysEvicted(),
		Size:      int64(m.CostAdded() - m.CostEvicted()),
		Items:     int64(m.KeysAdded() - m.KeysEvicted()),
	}
}

// Close releases ristretto's goroutines.
func (c *LRUCache) Close() {
	c.cache.Close()
}
