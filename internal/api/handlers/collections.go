package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"github.com/onnwee/opsdash/internal/apierr"
	"github.com/onnwee/opsdash/internal/httpcache"
	"github.com/onnwee/opsdash/internal/metrics"
	"github.com/onnwee/opsdash/internal/records"
	"github.com/onnwee/opsdash/internal/syncer"
)

// Collections is the orchestrator surface used by the collection routes.
type Collections interface {
	Read(ctx context.Context, collection string) (records.Records, error)
	Write(ctx context.Context, collection string, rec records.Record) (records.Record, error)
	Remove(ctx context.Context, collection, id string) error
	Status(collection string) syncer.State
	OnAnyDataChanged(fn syncer.Handler) (unsubscribe func())
	Catalog(ctx context.Context) []string
}

// CollectionHandlers serves collection reads and writes. Encoded list
// responses are kept in a response cache until the collection changes.
type CollectionHandlers struct {
	sync      Collections
	responses httpcache.Cache
	unsub     func()

	mu       sync.Mutex
	versions map[string]uint64
}

type listResponse struct {
	Collection string          `json:"collection"`
	State      syncer.State    `json:"state"`
	Records    records.Records `json:"records"`
}

// NewCollectionHandlers wires response cache invalidation to data changes.
// responses may be nil to disable the response cache.
func NewCollectionHandlers(s Collections, responses httpcache.Cache) *CollectionHandlers {
	h := &CollectionHandlers{sync: s, responses: responses, versions: make(map[string]uint64)}
	h.unsub = s.OnAnyDataChanged(func(ev syncer.DataChanged) {
		h.mu.Lock()
		h.versions[ev.Collection]++
		h.mu.Unlock()
		if h.responses != nil {
			h.responses.InvalidateCollection(ev.Collection)
		}
	})
	return h
}

// Close stops listening for data changes.
func (h *CollectionHandlers) Close() { h.unsub() }

func (h *CollectionHandlers) version(collection string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.versions[collection]
}

// List returns a collection, local first.
// GET /api/collections/{name}
func (h *CollectionHandlers) List(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	key := httpcache.Key(name)

	if h.responses != nil {
		if body, ok := h.responses.Get(key); ok {
			metrics.ResponseCacheHits.WithLabelValues(name).Inc()
			w.Header().Set("X-Cache", "HIT")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(body)
			return
		}
		metrics.ResponseCacheMisses.WithLabelValues(name).Inc()
	}

	before := h.version(name)
	rs, err := h.sync.Read(r.Context(), name)
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	body, err := json.Marshal(listResponse{Collection: name, State: h.sync.Status(name), Records: rs})
	if err != nil {
		apierr.WriteErrorWithContext(w, r, apierr.SystemInternal("failed to encode collection"))
		return
	}
	body = append(body, '\n')
	// a change that landed during the read would make this body stale
	if h.responses != nil && h.version(name) == before {
		h.responses.Set(name, key, body, 0)
	}

	w.Header().Set("X-Cache", "MISS")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

type catalogEntry struct {
	Name  string       `json:"name"`
	State syncer.State `json:"state"`
}

// Catalog lists the collections with a registered schema.
// GET /api/collections
func (h *CollectionHandlers) Catalog(w http.ResponseWriter, r *http.Request) {
	names := h.sync.Catalog(r.Context())
	out := make([]catalogEntry, len(names))
	for i, name := range names {
		out[i] = catalogEntry{Name: name, State: h.sync.Status(name)}
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": out})
}

// Get returns one record of a collection.
// GET /api/collections/{name}/{id}
func (h *CollectionHandlers) Get(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rs, err := h.sync.Read(r.Context(), vars["name"])
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	rec, ok := rs.Find(vars["id"])
	if !ok {
		e := apierr.ResourceNotFound("record")
		e.Details["collection"] = vars["name"]
		e.Details["id"] = vars["id"]
		apierr.WriteErrorWithContext(w, r, e)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"record": rec,
		"state":  h.sync.Status(vars["name"]),
	})
}

// Put creates or replaces one record. An id in the path replaces the body
// id; without one the body must carry it.
// PUT /api/collections/{name}/{id}
// PUT /api/collections/{name}
func (h *CollectionHandlers) Put(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var rec records.Record
	if e := decodeJSON(w, r, &rec); e != nil {
		apierr.WriteErrorWithContext(w, r, e)
		return
	}
	if rec == nil {
		apierr.WriteErrorWithContext(w, r, apierr.ValidationInvalidFormat("record must be a JSON object"))
		return
	}
	if id := vars["id"]; id != "" {
		// the path id wins over the body id
		_ = rec.Set("id", id)
	}
	h.write(w, r, vars["name"], rec, http.StatusOK)
}

// Create adds a record whose id is given in the body.
// POST /api/collections/{name}
func (h *CollectionHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var rec records.Record
	if e := decodeJSON(w, r, &rec); e != nil {
		apierr.WriteErrorWithContext(w, r, e)
		return
	}
	if rec == nil || rec.ID() == "" {
		apierr.WriteErrorWithContext(w, r, apierr.ValidationMissingField("id"))
		return
	}
	h.write(w, r, mux.Vars(r)["name"], rec, http.StatusCreated)
}

func (h *CollectionHandlers) write(w http.ResponseWriter, r *http.Request, name string, rec records.Record, status int) {
	stored, err := h.sync.Write(r.Context(), name, rec)
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	writeJSON(w, status, map[string]any{
		"record": stored,
		"state":  h.sync.Status(name),
	})
}

// Delete removes one record.
// DELETE /api/collections/{name}/{id}
func (h *CollectionHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.sync.Remove(r.Context(), vars["name"], vars["id"]); err != nil {
		writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": h.sync.Status(vars["name"])})
}
