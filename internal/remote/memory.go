package remote

import (
	"context"
	"sync"
	"time"

	"github.com/onnwee/opsdash/internal/records"
)

// Call records one request that reached a MemoryStore.
type Call struct {
	Op             string
	Collection     string
	ID             string
	IdempotencyKey string
	Failed         bool
	Duplicate      bool
}

// MemoryStore is an in-process remote for tests and demo mode. It can be
// told to fail, and it applies each idempotency key at most once.
type MemoryStore struct {
	mu       sync.Mutex
	data     map[string]records.Records
	failNext int
	failing  bool
	failOn   func(Call) bool
	latency  time.Duration
	applied  map[string]records.Record
	calls    []Call
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:    make(map[string]records.Records),
		applied: make(map[string]records.Record),
	}
}

// Seed replaces a collection's contents.
func (m *MemoryStore) Seed(name string, rs records.Records) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[name] = rs.Clone()
}

// Collection returns a copy of what the store holds for name.
func (m *MemoryStore) Collection(name string) records.Records {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[name].Clone()
}

// FailNext makes the next n calls fail.
func (m *MemoryStore) FailNext(n int) {
	m.mu.Lock()
	m.failNext = n
	m.mu.Unlock()
}

// SetFailing makes every call fail until cleared.
func (m *MemoryStore) SetFailing(failing bool) {
	m.mu.Lock()
	m.failing = failing
	m.mu.Unlock()
}

// FailWhen fails any call for which fn returns true. Nil clears it.
func (m *MemoryStore) FailWhen(fn func(Call) bool) {
	m.mu.Lock()
	m.failOn = fn
	m.mu.Unlock()
}

// SetLatency delays every call by d, honoring ctx.
func (m *MemoryStore) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}

// Calls returns every call received so far, in order.
func (m *MemoryStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Count returns how many calls of op were received, failed ones included.
func (m *MemoryStore) Count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// begin waits out the latency and decides whether the call fails.
func (m *MemoryStore) begin(ctx context.Context, call Call) (Call, error) {
	m.mu.Lock()
	latency := m.latency
	m.mu.Unlock()
	if latency > 0 {
		t := time.NewTimer(latency)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			call.Failed = true
			m.record(call)
			return call, &Error{Op: call.Op, Collection: call.Collection, ID: call.ID, Err: ctx.Err()}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	fail := m.failing || (m.failOn != nil && m.failOn(call))
	if !fail && m.failNext > 0 {
		m.failNext--
		fail = true
	}
	if fail {
		call.Failed = true
		m.calls = append(m.calls, call)
		return call, &Error{Op: call.Op, Collection: call.Collection, ID: call.ID, Err: ErrUnavailable}
	}
	return call, nil
}

func (m *MemoryStore) record(call Call) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

func (m *MemoryStore) FetchCollection(ctx context.Context, name string) (records.Records, error) {
	call, err := m.begin(ctx, Call{Op: "fetch", Collection: name})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	rs, ok := m.data[name]
	if !ok {
		return nil, &Error{Op: "fetch", Collection: name, Status: 404, Err: ErrNoCollection}
	}
	return rs.Clone(), nil
}

func (m *MemoryStore) WriteRecord(ctx context.Context, name string, rec records.Record) (records.Record, error) {
	call, err := m.begin(ctx, Call{Op: "write", Collection: name, ID: rec.ID(), IdempotencyKey: IdempotencyKey(ctx)})
	if err != nil {
		return nil, err
	}
	if call.ID == "" {
		m.record(call)
		return nil, &Error{Op: "write", Collection: name, Status: 400, Err: records.ErrMissingID}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if call.IdempotencyKey != "" {
		if prev, seen := m.applied[call.IdempotencyKey]; seen {
			call.Duplicate = true
			m.calls = append(m.calls, call)
			return prev.Clone(), nil
		}
	}
	stored := rec.Clone()
	m.data[name], _ = m.data[name].Upsert(stored)
	if call.IdempotencyKey != "" {
		m.applied[call.IdempotencyKey] = stored
	}
	m.calls = append(m.calls, call)
	return stored.Clone(), nil
}

func (m *MemoryStore) DeleteRecord(ctx context.Context, name, id string) error {
	call, err := m.begin(ctx, Call{Op: "delete", Collection: name, ID: id, IdempotencyKey: IdempotencyKey(ctx)})
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if call.IdempotencyKey != "" {
		if _, seen := m.applied[call.IdempotencyKey]; seen {
			call.Duplicate = true
			m.calls = append(m.calls, call)
			return nil
		}
		m.applied[call.IdempotencyKey] = nil
	}
	if rs, ok := m.data[name]; ok {
		m.data[name], _ = rs.Without(id)
	}
	m.calls = append(m.calls, call)
	return nil
}
