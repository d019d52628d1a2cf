package handlers

import (
	"net/http"
	"regexp"

	"github.com/onnwee/opsdash/internal/apierr"
	"github.com/onnwee/opsdash/internal/cache"
	"github.com/onnwee/opsdash/internal/httpcache"
)

// CacheAdminHandler handles cache administration endpoints.
type CacheAdminHandler struct {
	caches    *cache.Registry
	responses httpcache.Cache
}

// NewCacheAdminHandler creates a new cache admin handler. responses may be nil.
func NewCacheAdminHandler(caches *cache.Registry, responses httpcache.Cache) *CacheAdminHandler {
	return &CacheAdminHandler{caches: caches, responses: responses}
}

// GetCacheStats returns per-instance statistics, the number of running
// fills and the response cache.
// GET /api/admin/cache/stats
func (h *CacheAdminHandler) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"caches": h.caches.Stats(), "inFlight": h.caches.InFlight()}
	if h.responses != nil {
		out["responses"] = h.responses.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}

type invalidateRequest struct {
	// Cache limits key and pattern invalidation to one instance. Tag
	// invalidation always spans every instance.
	Cache   string `json:"cache"`
	Key     string `json:"key"`
	Tag     string `json:"tag"`
	Pattern string `json:"pattern"`
	All     bool   `json:"all"`
}

// InvalidateCache drops entries by key, tag or pattern, or everything.
// POST /api/admin/cache/invalidate
func (h *CacheAdminHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if e := decodeJSON(w, r, &req); e != nil {
		apierr.WriteErrorWithContext(w, r, e)
		return
	}

	selectors := 0
	for _, set := range []bool{req.Key != "", req.Tag != "", req.Pattern != "", req.All} {
		if set {
			selectors++
		}
	}
	if selectors != 1 {
		apierr.WriteErrorWithContext(w, r, apierr.CacheBadSelector(""))
		return
	}

	targets := h.caches.All()
	if req.Cache != "" {
		c, ok := h.caches.Get(req.Cache)
		if !ok {
			apierr.WriteErrorWithContext(w, r, apierr.CacheUnknown(req.Cache))
			return
		}
		targets = []*cache.Cache{c}
	}

	removed := 0
	switch {
	case req.Tag != "":
		removed = h.caches.InvalidateByTag(req.Tag)
		if h.responses != nil {
			h.responses.InvalidateCollection(req.Tag)
		}
	case req.Key != "":
		for _, c := range targets {
			if c.Invalidate(req.Key) {
				removed++
			}
		}
	case req.Pattern != "":
		re, err := regexp.Compile(req.Pattern)
		if err != nil {
			apierr.WriteErrorWithContext(w, r, apierr.CacheBadSelector("invalid pattern: "+err.Error()))
			return
		}
		for _, c := range targets {
			removed += c.InvalidateByPattern(re)
		}
	case req.All:
		for _, c := range targets {
			removed += c.Len()
			c.Clear()
		}
		if h.responses != nil && req.Cache == "" {
			h.responses.Clear()
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "removed": removed})
}
