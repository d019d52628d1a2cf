package config

import (
	"os"
	"strings"
	"time"

	"github.com/onnwee/opsdash/internal/utils"
)

// Config holds application configuration derived from environment variables.
type Config struct {
	ListenAddr string
	// Durable store location: file://dir, memory://, postgres://...
	StoreDSN string

	// Remote store adapter
	RemoteURL        string
	RemoteToken      string // sent as a bearer token when set
	RemoteTimeout    time.Duration
	RemoteMaxRetries int
	RemoteRetryBase  time.Duration
	RemoteRPS        float64
	RemoteBurst      int
	LogRemoteRetries bool
	// Circuit breaker around the remote
	BreakerFailures int
	BreakerCooldown time.Duration

	// Cache profiles
	CacheDefaultTTL    time.Duration
	CacheCapacity      int
	CacheAggregatesTTL time.Duration
	CacheReferenceTTL  time.Duration
	CacheSweepInterval time.Duration
	ResponseCacheMB    int64

	// Connectivity
	ConnectivityFile string // flag file watched for online/offline; empty = static
	StartOnline      bool

	// Maintenance schedules (@every <duration> or @hourly style)
	SyncRetrySchedule  string
	StoreFlushSchedule string

	CORSAllowedOrigins []string
	// Bearer token guarding /api/admin; admin routes answer 503 when empty
	AdminAPIToken string
	// API rate limits
	APIGlobalRPS   float64
	APIGlobalBurst int
	APIPerIPRPS    float64
	APIPerIPBurst  int

	// Observability settings
	LogLevel          string  // log level: debug, info, warn, error
	MetricsInterval   time.Duration
	OTELEnabled       bool    // enable OpenTelemetry tracing
	OTELEndpoint      string  // OpenTelemetry collector endpoint
	OTELSampleRate    float64 // trace sampling rate (0.0 to 1.0)
	SentryDSN         string
	SentryEnvironment string
	SentryRelease     string
}

var cached *Config

// Load reads env vars once and caches them.
func Load() *Config {
	if cached != nil {
		return cached
	}
	cached = &Config{
		ListenAddr: utils.GetEnvString("LISTEN_ADDR", ":8000"),
		StoreDSN:   utils.GetEnvString("STORE_DSN", "file://./data"),

		RemoteURL:        strings.TrimRight(strings.TrimSpace(os.Getenv("REMOTE_URL")), "/"),
		RemoteToken:      strings.TrimSpace(os.Getenv("REMOTE_TOKEN")),
		RemoteTimeout:    utils.GetEnvAsMillis("REMOTE_TIMEOUT_MS", 5000),
		RemoteMaxRetries: utils.GetEnvAsInt("REMOTE_MAX_RETRIES", 2),
		RemoteRetryBase:  utils.GetEnvAsMillis("REMOTE_RETRY_BASE_MS", 200),
		RemoteRPS:        utils.GetEnvAsFloat("REMOTE_RPS", 20),
		RemoteBurst:      utils.GetEnvAsInt("REMOTE_BURST", 40),
		LogRemoteRetries: utils.GetEnvAsBool("LOG_REMOTE_RETRIES", false),
		BreakerFailures:  utils.GetEnvAsInt("REMOTE_BREAKER_FAILURES", 5),
		BreakerCooldown:  utils.GetEnvAsMillis("REMOTE_BREAKER_COOLDOWN_MS", 30000),

		CacheDefaultTTL:    utils.GetEnvAsMillis("CACHE_DEFAULT_TTL_MS", 300000),
		CacheCapacity:      utils.GetEnvAsInt("CACHE_CAPACITY", 256),
		CacheAggregatesTTL: utils.GetEnvAsMillis("CACHE_AGGREGATES_TTL_MS", 30000),
		CacheReferenceTTL:  utils.GetEnvAsMillis("CACHE_REFERENCE_TTL_MS", 3600000),
		CacheSweepInterval: utils.GetEnvAsMillis("CACHE_SWEEP_INTERVAL_MS", 60000),
		ResponseCacheMB:    int64(utils.GetEnvAsInt("RESPONSE_CACHE_MB", 16)),

		ConnectivityFile: strings.TrimSpace(os.Getenv("CONNECTIVITY_FILE")),
		StartOnline:      utils.GetEnvAsBool("START_ONLINE", true),

		SyncRetrySchedule:  utils.GetEnvString("SYNC_RETRY_SCHEDULE", "@every 1m"),
		StoreFlushSchedule: utils.GetEnvString("STORE_FLUSH_SCHEDULE", "@every 5m"),

		CORSAllowedOrigins: utils.GetEnvAsSlice("CORS_ALLOWED_ORIGINS",
			[]string{"http://localhost:5173", "http://localhost:3000"}, ","),
		AdminAPIToken:  strings.TrimSpace(os.Getenv("ADMIN_API_TOKEN")),
		APIGlobalRPS:   utils.GetEnvAsFloat("API_GLOBAL_RPS", 100),
		APIGlobalBurst: utils.GetEnvAsInt("API_GLOBAL_BURST", 200),
		APIPerIPRPS:    utils.GetEnvAsFloat("API_PER_IP_RPS", 10),
		APIPerIPBurst:  utils.GetEnvAsInt("API_PER_IP_BURST", 20),

		LogLevel:          strings.ToLower(utils.GetEnvString("LOG_LEVEL", "info")),
		MetricsInterval:   utils.GetEnvAsMillis("METRICS_INTERVAL_MS", 15000),
		OTELEnabled:       utils.GetEnvAsBool("OTEL_ENABLED", false),
		OTELEndpoint:      strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		OTELSampleRate:    utils.GetEnvAsFloat("OTEL_TRACE_SAMPLE_RATE", 0.1),
		SentryDSN:         strings.TrimSpace(os.Getenv("SENTRY_DSN")),
		SentryEnvironment: strings.TrimSpace(os.Getenv("SENTRY_ENVIRONMENT")),
		SentryRelease:     strings.TrimSpace(os.Getenv("SENTRY_RELEASE")),
	}
	if cached.SentryEnvironment == "" {
		cached.SentryEnvironment = utils.GetEnvString("ENV", "development")
	}
	if cached.CacheCapacity < 1 {
		cached.CacheCapacity = 1
	}
	return cached
}

// ResetForTest clears cached config; for use in tests only.
func ResetForTest() { cached = nil }
