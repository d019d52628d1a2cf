package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/onnwee/opsdash/internal/apierr"
	"github.com/onnwee/opsdash/internal/logger"
	"github.com/onnwee/opsdash/internal/pending"
	"github.com/onnwee/opsdash/internal/records"
	"github.com/onnwee/opsdash/internal/syncer"
)

// maxBodyBytes bounds record payloads.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) *apierr.Error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return apierr.ValidationInvalidFormat("request body too large")
		}
		return apierr.ValidationInvalidJSON()
	}
	return nil
}

// writeSyncError maps orchestrator errors onto structured API errors.
func writeSyncError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *records.ValidationError
		nf *syncer.NotFoundError
	)
	switch {
	case errors.As(err, &ve):
		apierr.WriteErrorWithContext(w, r, apierr.ValidationSchema(ve.Collection, ve.Error()))
	case errors.As(err, &nf):
		e := apierr.ResourceNotFound("collection")
		e.Details["collection"] = nf.Collection
		if nf.Cause != nil {
			e.Details["remote_error"] = nf.Cause.Error()
		}
		apierr.WriteErrorWithContext(w, r, e)
	case errors.Is(err, syncer.ErrInvalidCollection):
		apierr.WriteErrorWithContext(w, r, apierr.ValidationInvalidValue("name", "collection name is required"))
	case errors.Is(err, syncer.ErrOffline):
		apierr.WriteErrorWithContext(w, r, apierr.SyncOffline())
	case errors.Is(err, pending.ErrDrainInProgress):
		apierr.WriteErrorWithContext(w, r, apierr.SyncDrainInProgress())
	case errors.Is(err, pending.ErrUnknownOp):
		apierr.WriteErrorWithContext(w, r, apierr.ResourceNotFound("pending operation"))
	default:
		logger.ErrorContext(r.Context(), "sync request failed", "error", err, "path", r.URL.Path)
		apierr.WriteErrorWithContext(w, r, apierr.SystemInternal(""))
	}
}
