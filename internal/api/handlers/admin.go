package handlers

import (
	"context"
	"net/http"

	"github.com/onnwee/opsdash/internal/apierr"
	"github.com/onnwee/opsdash/internal/circuitbreaker"
	"github.com/onnwee/opsdash/internal/store"
)

// DurableStore is the store surface the admin routes expose.
type DurableStore interface {
	Dirty() int
	Failures() uint64
	LastError() *store.PersistenceError
	Flush(ctx context.Context) error
}

// BreakerReporter is implemented by remotes guarded by a circuit breaker.
type BreakerReporter interface {
	BreakerState() circuitbreaker.State
}

type AdminHandler struct {
	store  DurableStore
	remote any
}

// NewAdminHandler reports on s. remote is inspected for BreakerReporter.
func NewAdminHandler(s DurableStore, remote any) *AdminHandler {
	return &AdminHandler{store: s, remote: remote}
}

type storeState struct {
	Dirty     int    `json:"dirty"`
	Failures  uint64 `json:"failures"`
	LastError string `json:"lastError,omitempty"`
	Breaker   string `json:"remoteBreaker,omitempty"`
}

func (h *AdminHandler) state() storeState {
	st := storeState{Dirty: h.store.Dirty(), Failures: h.store.Failures()}
	if pe := h.store.LastError(); pe != nil {
		st.LastError = pe.Error()
	}
	if b, ok := h.remote.(BreakerReporter); ok {
		st.Breaker = b.BreakerState().String()
	}
	return st
}

// GetStore reports persistence health.
// GET /api/admin/store
func (h *AdminHandler) GetStore(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state())
}

// FlushStore retries writes that reached the in-memory mirror but not the backend.
// POST /api/admin/store/flush
func (h *AdminHandler) FlushStore(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Flush(r.Context()); err != nil {
		e := apierr.SystemStorage("some keys could not be written")
		e.Details = map[string]interface{}{"error": err.Error(), "dirty": h.store.Dirty()}
		apierr.WriteErrorWithContext(w, r, e)
		return
	}
	writeJSON(w, http.StatusOK, h.state())
}
