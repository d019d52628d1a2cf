package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/onnwee/opsdash/internal/records"
)

// flakyBackend wraps a MemoryBackend and fails writes while failPuts is set.
type flakyBackend struct {
	*MemoryBackend
	mu       sync.Mutex
	failPuts bool
	failGets bool
	puts     int
}

var errDiskFull = errors.New("disk full")

func newFlaky() *flakyBackend { return &flakyBackend{MemoryBackend: NewMemoryBackend()} }

func (f *flakyBackend) setFailPuts(v bool) {
	f.mu.Lock()
	f.failPuts = v
	f.mu.Unlock()
}

func (f *flakyBackend) Put(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	f.puts++
	fail := f.failPuts
	f.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return f.MemoryBackend.Put(ctx, key, value)
}

func (f *flakyBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	fail := f.failGets
	f.mu.Unlock()
	if fail {
		return nil, false, errDiskFull
	}
	return f.MemoryBackend.Get(ctx, key)
}

func room(id, name string) records.Record {
	return records.MustRecord(map[string]any{"id": id, "name": name})
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend(), nil)

	s.Save(ctx, "settings", map[string]int{"pageSize": 25})
	var got map[string]int
	if !s.Load(ctx, "settings", &got) {
		t.Fatal("expected value")
	}
	if got["pageSize"] != 25 {
		t.Fatalf("got %v", got)
	}

	var missing map[string]int
	if s.Load(ctx, "nope", &missing) {
		t.Fatal("absent key should report false")
	}
}

func TestSaveAbsorbsBackendFailure(t *testing.T) {
	ctx := context.Background()
	b := newFlaky()
	b.setFailPuts(true)
	s := New(b, nil)

	s.SaveSnapshot(ctx, "rooms", records.Records{room("r1", "Salle A")})

	if s.Failures() != 1 {
		t.Fatalf("Failures() = %d, want 1", s.Failures())
	}
	perr := s.LastError()
	if perr == nil || perr.Op != "save" || perr.Key != "rooms" || !errors.Is(perr, errDiskFull) {
		t.Fatalf("LastError() = %#v", perr)
	}

	// read-your-writes even though the backend rejected the write
	rs, ok := s.LoadSnapshot(ctx, "rooms")
	if !ok || len(rs) != 1 || rs[0].ID() != "r1" {
		t.Fatalf("LoadSnapshot = %v, %v", rs, ok)
	}
	if s.Dirty() != 1 {
		t.Fatalf("Dirty() = %d, want 1", s.Dirty())
	}
}

func TestFlushRetriesDirtyKeys(t *testing.T) {
	ctx := context.Background()
	b := newFlaky()
	b.setFailPuts(true)
	s := New(b, nil)
	s.Save(ctx, "clients", records.Records{room("c1", "Jean")})

	if err := s.Flush(ctx); !errors.Is(err, errDiskFull) {
		t.Fatalf("Flush while failing = %v", err)
	}

	b.setFailPuts(false)
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if s.Dirty() != 0 {
		t.Fatalf("Dirty() = %d after flush", s.Dirty())
	}
	if _, ok, _ := b.MemoryBackend.Get(ctx, "clients"); !ok {
		t.Fatal("flush did not reach backend")
	}
}

func TestLoadFailureReportsAbsent(t *testing.T) {
	ctx := context.Background()
	b := newFlaky()
	b.failGets = true
	s := New(b, nil)

	var v any
	if s.Load(ctx, "rooms", &v) {
		t.Fatal("failing backend read should report absent")
	}
	if s.Failures() != 1 {
		t.Fatalf("Failures() = %d", s.Failures())
	}
}

func TestSnapshotDropsInvalidRecords(t *testing.T) {
	ctx := context.Background()
	reg, err := records.NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	s := New(NewMemoryBackend(), reg)

	in := records.Records{
		room("r1", "Salle A"),
		records.MustRecord(map[string]any{"id": "r2"}), // no name
		records.MustRecord(map[string]any{"name": "orphan"}),
	}
	stored := s.SaveSnapshot(ctx, "rooms", in)
	if len(stored) != 1 || stored[0].ID() != "r1" {
		t.Fatalf("stored = %v", stored)
	}
}

func TestEmptySnapshotIsPresent(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend(), nil)
	s.SaveSnapshot(ctx, "invoices", nil)

	rs, ok := s.LoadSnapshot(ctx, "invoices")
	if !ok {
		t.Fatal("empty snapshot should still be present")
	}
	if rs == nil || len(rs) != 0 {
		t.Fatalf("rs = %#v", rs)
	}
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b1, err := NewFileBackend(dir)
	if err != nil {
		t.Fatal(err)
	}
	s1 := New(b1, nil)
	s1.SaveSnapshot(ctx, "bookings", records.Records{
		records.MustRecord(map[string]any{"id": "b1", "roomId": "r1", "clientId": "c1"}),
	})
	s1.Save(ctx, PendingSyncKey, []string{"op-1"})
	_ = s1.Close()

	b2, err := NewFileBackend(dir)
	if err != nil {
		t.Fatal(err)
	}
	s2 := New(b2, nil)
	rs, ok := s2.LoadSnapshot(ctx, "bookings")
	if !ok || len(rs) != 1 || rs[0].String("roomId") != "r1" {
		t.Fatalf("after restart: %v, %v", rs, ok)
	}
	keys := s2.Keys(ctx)
	if len(keys) != 2 || keys[0] != "bookings" || keys[1] != PendingSyncKey {
		t.Fatalf("Keys() = %v", keys)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend(), nil)
	s.Save(ctx, "rooms", records.Records{})
	s.Delete(ctx, "rooms")
	if _, ok := s.LoadSnapshot(ctx, "rooms"); ok {
		t.Fatal("deleted key still present")
	}
}

func TestConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend(), nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Save(ctx, "rooms", records.Records{room("r1", "Salle A")})
			var rs records.Records
			s.Load(ctx, "rooms", &rs)
		}()
	}
	wg.Wait()
	if s.Failures() != 0 {
		t.Fatalf("Failures() = %d", s.Failures())
	}
}
