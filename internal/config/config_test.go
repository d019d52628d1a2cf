package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"LISTEN_ADDR", "STORE_DSN", "REMOTE_TIMEOUT_MS", "CACHE_CAPACITY", "START_ONLINE", "SENTRY_ENVIRONMENT", "ENV"} {
		os.Unsetenv(k)
	}
	ResetForTest()
	defer ResetForTest()

	cfg := Load()
	if cfg.ListenAddr != ":8000" {
		t.Fatalf("expected default listen addr, got %q", cfg.ListenAddr)
	}
	if cfg.RemoteTimeout != 5*time.Second {
		t.Fatalf("expected 5s remote timeout, got %v", cfg.RemoteTimeout)
	}
	if cfg.CacheCapacity != 256 {
		t.Fatalf("expected capacity 256, got %d", cfg.CacheCapacity)
	}
	if !cfg.StartOnline {
		t.Fatal("expected StartOnline default true")
	}
	if cfg.SentryEnvironment != "development" {
		t.Fatalf("unexpected sentry env %q", cfg.SentryEnvironment)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("REMOTE_URL", "https://api.example.test/")
	t.Setenv("CACHE_CAPACITY", "0")
	t.Setenv("CACHE_AGGREGATES_TTL_MS", "1500")
	ResetForTest()
	defer ResetForTest()

	cfg := Load()
	if cfg.RemoteURL != "https://api.example.test" {
		t.Fatalf("trailing slash should be trimmed, got %q", cfg.RemoteURL)
	}
	if cfg.CacheCapacity != 1 {
		t.Fatalf("capacity should be clamped to 1, got %d", cfg.CacheCapacity)
	}
	if cfg.CacheAggregatesTTL != 1500*time.Millisecond {
		t.Fatalf("got %v", cfg.CacheAggregatesTTL)
	}
	if Load() != cfg {
		t.Fatal("Load should return the cached config")
	}
}

func TestLoadSecurityAndSchedules(t *testing.T) {
	t.Setenv("ADMIN_API_TOKEN", "  admin-secret  ")
	t.Setenv("REMOTE_TOKEN", "remote-secret")
	t.Setenv("SYNC_RETRY_SCHEDULE", "@every 30s")
	t.Setenv("API_PER_IP_BURST", "5")
	os.Unsetenv("STORE_FLUSH_SCHEDULE")
	os.Unsetenv("API_GLOBAL_BURST")
	ResetForTest()
	defer ResetForTest()

	cfg := Load()
	if cfg.AdminAPIToken != "admin-secret" || cfg.RemoteToken != "remote-secret" {
		t.Fatalf("tokens not loaded: %q %q", cfg.AdminAPIToken, cfg.RemoteToken)
	}
	if cfg.SyncRetrySchedule != "@every 30s" || cfg.StoreFlushSchedule != "@every 5m" {
		t.Fatalf("unexpected schedules %q %q", cfg.SyncRetrySchedule, cfg.StoreFlushSchedule)
	}
	if cfg.APIPerIPBurst != 5 || cfg.APIGlobalBurst != 200 {
		t.Fatalf("unexpected limits %d %d", cfg.APIPerIPBurst, cfg.APIGlobalBurst)
	}
}
