package httpcache

import (
	"sync"
	"time"
)

// MockCache is a map-backed Cache for handler tests.
type MockCache struct {
	mu    sync.Mutex
	data  map[string][]byte
	owner map[string]string
	hits  uint64
	miss  uint64
}

func NewMockCache() *MockCache {
	return &MockCache{
		data:  make(map[string][]byte),
		owner: make(map[string]string),
	}
}

func (m *MockCache) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, found := m.data[key]
	if found {
		m.hits++
	} else {
		m.miss++
	}
	return val, found
}

func (m *MockCache) Set(collection, key string, body []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = body
	m.owner[key] = collection
}

func (m *MockCache) InvalidateCollection(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, c := range m.owner {
		if c == collection {
			delete(m.data, k)
			delete(m.owner, k)
			n++
		}
	}
	return n
}

func (m *MockCache) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string][]byte)
	m.owner = make(map[string]string)
}

func (m *MockCache) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Hits: m.hits, Misses: m.miss, Items: int64(len(m.data))}
}
