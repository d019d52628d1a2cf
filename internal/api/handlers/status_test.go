package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/gorilla/mux"

	"github.com/onnwee/opsdash/internal/apierr"
	"github.com/onnwee/opsdash/internal/pending"
	"github.com/onnwee/opsdash/internal/records"
	"github.com/onnwee/opsdash/internal/syncer"
)

func syncRouter(h *SyncHandlers) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/sync/status", h.Status).Methods(http.MethodGet)
	r.HandleFunc("/api/sync/pending", h.Pending).Methods(http.MethodGet)
	r.HandleFunc("/api/sync/pending/{id}", h.ClearPending).Methods(http.MethodDelete)
	r.HandleFunc("/api/sync/drain", h.Drain).Methods(http.MethodPost)
	r.HandleFunc("/api/sync/connectivity", h.Connectivity).Methods(http.MethodPut)
	return r
}

func TestSyncStatusAndPending(t *testing.T) {
	fs := newFakeSync()
	router := syncRouter(NewSyncHandlers(fs))

	rr := do(t, router, http.MethodGet, "/api/sync/pending", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var empty struct {
		Operations []pending.Operation `json:"operations"`
		Count      int                 `json:"count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &empty); err != nil {
		t.Fatal(err)
	}
	if empty.Operations == nil || empty.Count != 0 {
		t.Errorf("empty queue should render as [], got %s", rr.Body.String())
	}

	fs.ops = []pending.Operation{pending.NewOperation("clients", pending.ActionDelete, nil, "c1")}
	rr = do(t, router, http.MethodGet, "/api/sync/status", "")
	var sum syncer.Summary
	if err := json.Unmarshal(rr.Body.Bytes(), &sum); err != nil {
		t.Fatal(err)
	}
	if !sum.Online || sum.Pending != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}
}

func TestDrainResponse(t *testing.T) {
	fs := newFakeSync()
	op := pending.NewOperation("clients", pending.ActionUpdate, records.MustRecord(map[string]any{"id": "c2"}), "")
	fs.drain = pending.DrainResult{
		Replayed:  []pending.Operation{pending.NewOperation("clients", pending.ActionCreate, records.MustRecord(map[string]any{"id": "c1"}), "")},
		Failed:    []*pending.ReplayError{{Op: op, Err: errors.New("remote said no")}},
		Remaining: 1,
	}
	rr := do(t, syncRouter(NewSyncHandlers(fs)), http.MethodPost, "/api/sync/drain", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var out drainResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Replayed != 1 || out.Remaining != 1 || len(out.Failed) != 1 {
		t.Fatalf("unexpected drain response %+v", out)
	}
	if f := out.Failed[0]; f.ID != op.ID || f.RecordID != "c2" || f.Error != "remote said no" {
		t.Errorf("unexpected failure %+v", f)
	}
}

func TestDrainErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   apierr.ErrorCode
	}{
		{"offline", syncer.ErrOffline, http.StatusServiceUnavailable, apierr.ErrSyncOffline},
		{"in progress", pending.ErrDrainInProgress, http.StatusConflict, apierr.ErrSyncDrainInProgress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeSync()
			fs.drainErr = tt.err
			rr := do(t, syncRouter(NewSyncHandlers(fs)), http.MethodPost, "/api/sync/drain", "")
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rr.Code)
			}
			if e := decodeAPIError(t, rr.Body.Bytes()); e.Code != tt.wantCode {
				t.Errorf("expected %s, got %s", tt.wantCode, e.Code)
			}
		})
	}
}

func TestClearPending(t *testing.T) {
	fs := newFakeSync()
	router := syncRouter(NewSyncHandlers(fs))

	if rr := do(t, router, http.MethodDelete, "/api/sync/pending/op-1", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}

	fs.clearErr = pending.ErrUnknownOp
	rr := do(t, router, http.MethodDelete, "/api/sync/pending/op-2", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestConnectivityOverride(t *testing.T) {
	fs := newFakeSync()
	router := syncRouter(NewSyncHandlers(fs))

	rr := do(t, router, http.MethodPut, "/api/sync/connectivity", `{"online":false}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	if fs.Online() {
		t.Error("override should have taken the orchestrator offline")
	}

	rr = do(t, router, http.MethodPut, "/api/sync/connectivity", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing online field should be rejected, got %d", rr.Code)
	}
}
