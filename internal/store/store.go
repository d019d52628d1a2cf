// Package store is the durable key/value layer: one JSON blob per
// collection plus the pending sync queue.
//
// Saves never fail from the caller's point of view. The in-process mirror
// is updated first, so a Load right after a Save returns the saved value
// even when the backend write failed or is still settling.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/opsdash/internal/errorreporting"
	"github.com/onnwee/opsdash/internal/logger"
	"github.com/onnwee/opsdash/internal/metrics"
	"github.com/onnwee/opsdash/internal/records"
)

// PendingSyncKey is the durable key holding the ordered pending queue.
const PendingSyncKey = "pendingSync"

// PersistenceError describes a backend failure absorbed by the store.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Store fronts a Backend with a read-your-writes mirror.
type Store struct {
	backend  Backend
	registry *records.Registry
	log      *slog.Logger

	mu     sync.RWMutex
	mirror map[string][]byte
	dirty  map[string]struct{} // keys whose last backend write failed

	failures atomic.Uint64
	lastErr  atomic.Pointer[PersistenceError]
}

// New wraps backend. registry may be nil to skip record validation.
func New(backend Backend, registry *records.Registry) *Store {
	return &Store{
		backend:  backend,
		registry: registry,
		log:      logger.WithComponent("store"),
		mirror:   make(map[string][]byte),
		dirty:    make(map[string]struct{}),
	}
}

// Save encodes value as JSON and persists it under key.
func (s *Store) Save(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		s.fail(ctx, "encode", key, err)
		return
	}
	s.saveRaw(ctx, key, data)
}

func (s *Store) saveRaw(ctx context.Context, key string, data []byte) {
	s.mu.Lock()
	s.mirror[key] = data
	s.mu.Unlock()

	start := time.Now()
	err := s.backend.Put(ctx, key, data)
	metrics.PersistenceDuration.WithLabelValues("save").Observe(time.Since(start).Seconds())

	s.mu.Lock()
	if err != nil {
		s.dirty[key] = struct{}{}
	} else {
		delete(s.dirty, key)
	}
	s.mu.Unlock()

	if err != nil {
		s.fail(ctx, "save", key, err)
	}
}

// Load decodes the value stored under key into dst and reports whether one existed.
func (s *Store) Load(ctx context.Context, key string, dst any) bool {
	data, ok := s.loadRaw(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		s.fail(ctx, "decode", key, err)
		return false
	}
	return true
}

func (s *Store) loadRaw(ctx context.Context, key string) ([]byte, bool) {
	s.mu.RLock()
	data, ok := s.mirror[key]
	s.mu.RUnlock()
	if ok {
		return data, true
	}

	start := time.Now()
	data, ok, err := s.backend.Get(ctx, key)
	metrics.PersistenceDuration.WithLabelValues("load").Observe(time.Since(start).Seconds())
	if err != nil {
		s.fail(ctx, "load", key, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	s.mu.Lock()
	// a concurrent Save wins over what we just read
	if cur, exists := s.mirror[key]; exists {
		data = cur
	} else {
		s.mirror[key] = data
	}
	s.mu.Unlock()
	return data, true
}

// Delete removes key from the mirror and the backend.
func (s *Store) Delete(ctx context.Context, key string) {
	s.mu.Lock()
	delete(s.mirror, key)
	delete(s.dirty, key)
	s.mu.Unlock()
	if err := s.backend.Delete(ctx, key); err != nil {
		s.fail(ctx, "delete", key, err)
	}
}

// SaveSnapshot persists a collection snapshot and returns what was stored.
// Records failing the collection schema are dropped and logged.
func (s *Store) SaveSnapshot(ctx context.Context, collection string, rs records.Records) records.Records {
	rs = s.filter(ctx, collection, rs)
	s.Save(ctx, collection, rs)
	return rs
}

// LoadSnapshot returns the last known snapshot of collection.
func (s *Store) LoadSnapshot(ctx context.Context, collection string) (records.Records, bool) {
	var rs records.Records
	if !s.Load(ctx, collection, &rs) {
		return nil, false
	}
	return s.filter(ctx, collection, rs), true
}

func (s *Store) filter(ctx context.Context, collection string, rs records.Records) records.Records {
	if rs == nil {
		rs = records.Records{}
	}
	if s.registry == nil {
		return rs
	}
	kept, errs := s.registry.Filter(collection, rs)
	for _, err := range errs {
		s.log.WarnContext(ctx, "dropping invalid record", "collection", collection, "error", err)
	}
	return kept
}

// Keys lists every persisted key known to the backend or the mirror.
func (s *Store) Keys(ctx context.Context) []string {
	seen := make(map[string]struct{})
	keys, err := s.backend.Keys(ctx)
	if err != nil {
		s.fail(ctx, "keys", "*", err)
	}
	for _, k := range keys {
		seen[k] = struct{}{}
	}
	s.mu.RLock()
	for k := range s.mirror {
		seen[k] = struct{}{}
	}
	s.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Flush rewrites every key whose last backend write failed. It is the
// caller's retry hook; the store never retries on its own.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.RLock()
	pending := make(map[string][]byte, len(s.dirty))
	for k := range s.dirty {
		pending[k] = s.mirror[k]
	}
	s.mu.RUnlock()

	var errs []error
	for key, data := range pending {
		if err := s.backend.Put(ctx, key, data); err != nil {
			errs = append(errs, &PersistenceError{Op: "flush", Key: key, Err: err})
			continue
		}
		s.mu.Lock()
		if cur, ok := s.mirror[key]; ok && string(cur) == string(data) {
			delete(s.dirty, key)
		}
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Dirty returns the number of keys not yet durably written.
func (s *Store) Dirty() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dirty)
}

// Failures returns how many persistence errors have been absorbed.
func (s *Store) Failures() uint64 { return s.failures.Load() }

// LastError returns the most recent absorbed failure, or nil.
func (s *Store) LastError() *PersistenceError { return s.lastErr.Load() }

// Close closes the backend.
func (s *Store) Close() error { return s.backend.Close() }

func (s *Store) fail(ctx context.Context, op, key string, err error) {
	perr := &PersistenceError{Op: op, Key: key, Err: err}
	s.failures.Add(1)
	s.lastErr.Store(perr)
	metrics.PersistenceErrors.WithLabelValues(op).Inc()
	s.log.ErrorContext(ctx, "durable store failure", "op", op, "key", key, "error", err)
	errorreporting.CaptureSyncError(perr, "store", key, nil)
}
