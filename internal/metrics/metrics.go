package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cache layer metrics, labelled by named cache instance
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Total number of cache entries removed",
		},
		[]string{"cache", "reason"}, // reason: lru, expired, invalidated
	)

	CacheItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cache_items",
			Help: "Current number of entries in the cache",
		},
		[]string{"cache"},
	)

	// Request coalescer
	CoalescedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coalescer_requests_total",
			Help: "Requests seen by the coalescer",
		},
		[]string{"role"}, // role: leader, joined
	)

	// Remote store adapter
	RemoteRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remote_requests_total",
			Help: "Total number of remote store calls",
		},
		[]string{"op", "status"}, // status: success, error
	)

	RemoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remote_request_duration_seconds",
			Help:    "Duration of remote store calls",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"op"},
	)

	RemoteRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remote_retries_total",
			Help: "Total number of remote request retries",
		},
	)

	RemoteRetryAfterWaits = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "remote_retry_after_wait_seconds",
			Help:    "Duration of Retry-After waits in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	RemoteRateLimitWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remote_rate_limit_waits_total",
			Help: "Total number of times a remote call waited for the rate limiter",
		},
	)

	// Durable store
	PersistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durable_store_errors_total",
			Help: "Durable store failures absorbed by the store",
		},
		[]string{"op"}, // op: save, load, delete
	)

	PersistenceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "durable_store_duration_seconds",
			Help:    "Duration of durable store backend calls",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"op"},
	)

	// Pending queue
	PendingOperations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pending_sync_operations",
			Help: "Number of operations waiting to be replayed against the remote",
		},
	)

	ReplayResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pending_replay_total",
			Help: "Replayed pending operations by outcome",
		},
		[]string{"result"}, // result: success, failed
	)

	DrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pending_drain_duration_seconds",
			Help:    "Duration of pending queue drains",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sync orchestrator
	SyncStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_state_transitions_total",
			Help: "Per-collection sync state transitions",
		},
		[]string{"state"},
	)

	SyncReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_reads_total",
			Help: "Reads served by the orchestrator by source",
		},
		[]string{"source"}, // source: cache, local, remote, none
	)

	SyncWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_writes_total",
			Help: "Writes handled by the orchestrator by outcome",
		},
		[]string{"action", "outcome"}, // outcome: synced, queued
	)

	// Connectivity
	Online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "connectivity_online",
			Help: "1 when the remote is considered reachable, 0 when offline",
		},
	)

	ConnectivityTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connectivity_transitions_total",
			Help: "Online/offline transitions",
		},
		[]string{"to"},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"component"},
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_trips_total",
			Help: "Total number of circuit breaker trips",
		},
		[]string{"component"},
	)

	// HTTP response cache
	ResponseCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_response_cache_hits_total",
			Help: "Total number of serialized response cache hits",
		},
		[]string{"collection"},
	)

	ResponseCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_response_cache_misses_total",
			Help: "Total number of serialized response cache misses",
		},
		[]string{"collection"},
	)

	// API request metrics
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "Duration of API requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"route", "method", "status"},
	)

	// Metrics collection error tracking
	MetricsCollectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metrics_collection_errors_total",
			Help: "Total number of errors during metrics collection",
		},
		[]string{"collector"},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)

	WebSocketMessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_messages_sent_total",
			Help: "Total number of WebSocket messages sent to clients",
		},
	)
)

// BoolGauge converts b into the 0/1 value used by boolean gauges.
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
