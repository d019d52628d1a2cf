package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/opsdash/internal/api/handlers"
	"github.com/onnwee/opsdash/internal/apierr"
	"github.com/onnwee/opsdash/internal/cache"
	"github.com/onnwee/opsdash/internal/config"
	"github.com/onnwee/opsdash/internal/httpcache"
	"github.com/onnwee/opsdash/internal/middleware"
)

// Sync is everything the HTTP surface needs from the orchestrator.
type Sync interface {
	handlers.Collections
	handlers.SyncControl
	handlers.StatusReporter
}

// Deps are the collaborators the router wires into handlers.
type Deps struct {
	Config    *config.Config
	Sync      Sync
	Caches    *cache.Registry
	Responses httpcache.Cache
	Store     handlers.DurableStore
	Remote    any // reported in admin store state when it exposes a breaker
	Hub       *handlers.Hub
	Limiter   *middleware.RateLimiter
}

// Router is the HTTP handler plus the subscriptions it owns.
type Router struct {
	http.Handler
	collections *handlers.CollectionHandlers
}

// Close drops the router's change subscriptions.
func (r *Router) Close() { r.collections.Close() }

func NewRouter(d Deps) *Router {
	cfg := d.Config
	if cfg == nil {
		cfg = config.Load()
	}
	limiter := d.Limiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter(middleware.LimitsFromConfig(cfg))
	}

	r := mux.NewRouter()
	r.Use(middleware.RequestID, middleware.RecoverWithSentry, middleware.Instrument)

	r.HandleFunc("/health", handlers.Health(d.Sync)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(limiter.Limit)

	// Collections
	ch := handlers.NewCollectionHandlers(d.Sync, d.Responses)
	api.HandleFunc("/collections", ch.Catalog).Methods(http.MethodGet)
	api.Handle("/collections/{name}", middleware.ETag(http.HandlerFunc(ch.List))).Methods(http.MethodGet)
	api.Handle("/collections/{name}/{id}", middleware.ETag(http.HandlerFunc(ch.Get))).Methods(http.MethodGet)
	api.HandleFunc("/collections/{name}", ch.Create).Methods(http.MethodPost)
	api.HandleFunc("/collections/{name}", ch.Put).Methods(http.MethodPut)
	api.HandleFunc("/collections/{name}/{id}", ch.Put).Methods(http.MethodPut)
	api.HandleFunc("/collections/{name}/{id}", ch.Delete).Methods(http.MethodDelete)

	// Sync status and queue
	sh := handlers.NewSyncHandlers(d.Sync)
	api.HandleFunc("/sync/status", sh.Status).Methods(http.MethodGet)
	api.HandleFunc("/sync/pending", sh.Pending).Methods(http.MethodGet)
	api.HandleFunc("/sync/pending/{id}", sh.ClearPending).Methods(http.MethodDelete)
	api.HandleFunc("/sync/drain", sh.Drain).Methods(http.MethodPost)
	api.HandleFunc("/sync/connectivity", sh.Connectivity).Methods(http.MethodPut, http.MethodPost)

	if d.Hub != nil {
		ws := handlers.NewWebSocketHandler(d.Hub, d.Sync.Summary)
		api.HandleFunc("/ws", ws.HandleWebSocket).Methods(http.MethodGet)
	}

	// Admin
	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(adminOnly(cfg))
	if d.Caches != nil {
		cah := handlers.NewCacheAdminHandler(d.Caches, d.Responses)
		admin.HandleFunc("/cache/stats", cah.GetCacheStats).Methods(http.MethodGet)
		admin.HandleFunc("/cache/invalidate", cah.InvalidateCache).Methods(http.MethodPost)
	}
	if d.Store != nil {
		ah := handlers.NewAdminHandler(d.Store, d.Remote)
		admin.HandleFunc("/store", ah.GetStore).Methods(http.MethodGet)
		admin.HandleFunc("/store/flush", ah.FlushStore).Methods(http.MethodPost)
	}

	return &Router{
		Handler:     middleware.CORS(middleware.CORSFromConfig(cfg))(r),
		collections: ch,
	}
}

// adminOnly requires "Authorization: Bearer <ADMIN_API_TOKEN>".
func adminOnly(cfg *config.Config) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.AdminAPIToken == "" {
				apierr.WriteErrorWithContext(w, r, apierr.SystemUnavailable("admin token not configured"))
				return
			}
			header := r.Header.Get("Authorization")
			if header == "" {
				apierr.WriteErrorWithContext(w, r, apierr.AuthMissing(""))
				return
			}
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(cfg.AdminAPIToken)) != 1 {
				apierr.WriteErrorWithContext(w, r, apierr.AuthInvalid(""))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
