// Package httpcache holds serialized API responses so repeated reads of an
// unchanged collection skip re-encoding. Entries are grouped by collection
// and dropped as a group when that collection's data changes.
package httpcache

import "time"

// Cache stores encoded response bodies with a TTL.
type Cache interface {
	// Get returns the body stored under key if present and not expired.
	Get(key string) ([]byte, bool)

	// Set stores body under key for collection. A zero ttl means the default.
	Set(collection, key string, body []byte, ttl time.Duration)

	// InvalidateCollection drops every body stored for collection and
	// returns how many keys were known for it.
	InvalidateCollection(collection string) int

	// Clear removes everything.
	Clear()

	Stats() Stats
}

// Stats represents response cache statistics.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	KeysAdded uint64 `json:"keysAdded"`
	Evictions uint64 `json:"evictions"`
	Size      int64  `json:"sizeBytes"` // approximate
	Items     int64  `json:"items"`
}

// Key builds the cache key of a collection listing response.
func Key(collection string) string { return "collection:" + collection }
