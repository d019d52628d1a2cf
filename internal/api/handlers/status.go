package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/onnwee/opsdash/internal/apierr"
	"github.com/onnwee/opsdash/internal/pending"
	"github.com/onnwee/opsdash/internal/syncer"
)

// SyncControl is the orchestrator surface used by the sync routes.
type SyncControl interface {
	Summary() syncer.Summary
	Pending() []pending.Operation
	Drain(ctx context.Context) (pending.DrainResult, error)
	ClearPending(ctx context.Context, id string) error
	OnConnectivityChange(online bool)
}

type SyncHandlers struct{ sync SyncControl }

func NewSyncHandlers(s SyncControl) *SyncHandlers { return &SyncHandlers{sync: s} }

// Status returns the online badge, pending count and per-collection states.
// GET /api/sync/status
func (h *SyncHandlers) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sync.Summary())
}

// Pending lists queued operations in replay order.
// GET /api/sync/pending
func (h *SyncHandlers) Pending(w http.ResponseWriter, r *http.Request) {
	ops := h.sync.Pending()
	if ops == nil {
		ops = []pending.Operation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops, "count": len(ops)})
}

type drainResponse struct {
	Replayed  int           `json:"replayed"`
	Failed    []drainFailed `json:"failed"`
	Remaining int           `json:"remaining"`
}

type drainFailed struct {
	ID         string `json:"id"`
	Collection string `json:"collection"`
	RecordID   string `json:"recordId"`
	Error      string `json:"error"`
}

// Drain replays the pending queue now.
// POST /api/sync/drain
func (h *SyncHandlers) Drain(w http.ResponseWriter, r *http.Request) {
	res, err := h.sync.Drain(r.Context())
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	out := drainResponse{Replayed: len(res.Replayed), Failed: []drainFailed{}, Remaining: res.Remaining}
	for _, f := range res.Failed {
		out.Failed = append(out.Failed, drainFailed{
			ID:         f.Op.ID,
			Collection: f.Op.Collection,
			RecordID:   f.Op.RecordID,
			Error:      f.Err.Error(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// ClearPending discards one stuck operation.
// DELETE /api/sync/pending/{id}
func (h *SyncHandlers) ClearPending(w http.ResponseWriter, r *http.Request) {
	if err := h.sync.ClearPending(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeSyncError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

// Connectivity accepts a connectivity report from the platform.
// PUT or POST /api/sync/connectivity
func (h *SyncHandlers) Connectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if e := decodeJSON(w, r, &req); e != nil {
		apierr.WriteErrorWithContext(w, r, e)
		return
	}
	if req.Online == nil {
		apierr.WriteErrorWithContext(w, r, apierr.ValidationMissingField("online"))
		return
	}
	h.sync.OnConnectivityChange(*req.Online)
	writeJSON(w, http.StatusAccepted, h.sync.Summary())
}
