package handlers

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/opsdash/internal/apierr"
	"github.com/onnwee/opsdash/internal/pending"
	"github.com/onnwee/opsdash/internal/records"
	"github.com/onnwee/opsdash/internal/syncer"
)

// fakeSync is an in-memory stand-in for the orchestrator.
type fakeSync struct {
	mu       sync.Mutex
	data     map[string]records.Records
	reads    int
	readErr  error
	writeErr error
	online   bool
	ops      []pending.Operation
	drain    pending.DrainResult
	drainErr error
	clearErr error
	handlers []syncer.Handler
}

func newFakeSync() *fakeSync {
	return &fakeSync{data: make(map[string]records.Records), online: true}
}

func (f *fakeSync) Read(ctx context.Context, collection string) (records.Records, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.readErr != nil {
		return nil, f.readErr
	}
	rs, ok := f.data[collection]
	if !ok {
		return nil, &syncer.NotFoundError{Collection: collection}
	}
	return rs.Clone(), nil
}

func (f *fakeSync) Write(ctx context.Context, collection string, rec records.Record) (records.Record, error) {
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	if rec.ID() == "" {
		return nil, &records.ValidationError{Collection: collection, Err: records.ErrMissingID}
	}
	f.mu.Lock()
	f.data[collection], _ = f.data[collection].Upsert(rec)
	f.mu.Unlock()
	f.emit(collection)
	return rec, nil
}

func (f *fakeSync) Remove(ctx context.Context, collection, id string) error {
	f.mu.Lock()
	f.data[collection], _ = f.data[collection].Without(id)
	f.mu.Unlock()
	f.emit(collection)
	return nil
}

func (f *fakeSync) emit(collection string) {
	f.mu.Lock()
	hs := append([]syncer.Handler(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range hs {
		h(syncer.DataChanged{Collection: collection, Source: syncer.SourceLocal, At: time.Now()})
	}
}

func (f *fakeSync) Status(collection string) syncer.State { return syncer.Synced }

func (f *fakeSync) Catalog(ctx context.Context) []string { return []string{"clients", "rooms"} }

func (f *fakeSync) OnAnyDataChanged(fn syncer.Handler) func() {
	f.mu.Lock()
	f.handlers = append(f.handlers, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeSync) Summary() syncer.Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return syncer.Summary{Online: f.online, Pending: len(f.ops), Collections: map[string]syncer.CollectionStatus{}}
}

func (f *fakeSync) Pending() []pending.Operation { return f.ops }

func (f *fakeSync) Drain(ctx context.Context) (pending.DrainResult, error) {
	return f.drain, f.drainErr
}

func (f *fakeSync) ClearPending(ctx context.Context, id string) error { return f.clearErr }

func (f *fakeSync) OnConnectivityChange(online bool) {
	f.mu.Lock()
	f.online = online
	f.mu.Unlock()
}

func (f *fakeSync) Online() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func decodeAPIError(t *testing.T, body []byte) *apierr.Error {
	t.Helper()
	var resp apierr.ErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("Failed to decode error response %q: %v", body, err)
	}
	if resp.Error == nil {
		t.Fatalf("response has no error object: %s", body)
	}
	return resp.Error
}
