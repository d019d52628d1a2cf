package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/opsdash/internal/api"
	"github.com/onnwee/opsdash/internal/api/handlers"
	"github.com/onnwee/opsdash/internal/cache"
	"github.com/onnwee/opsdash/internal/coalesce"
	"github.com/onnwee/opsdash/internal/config"
	"github.com/onnwee/opsdash/internal/connectivity"
	"github.com/onnwee/opsdash/internal/errorreporting"
	"github.com/onnwee/opsdash/internal/httpcache"
	"github.com/onnwee/opsdash/internal/logger"
	"github.com/onnwee/opsdash/internal/metrics"
	"github.com/onnwee/opsdash/internal/middleware"
	"github.com/onnwee/opsdash/internal/pending"
	"github.com/onnwee/opsdash/internal/records"
	"github.com/onnwee/opsdash/internal/remote"
	"github.com/onnwee/opsdash/internal/scheduler"
	"github.com/onnwee/opsdash/internal/secrets"
	"github.com/onnwee/opsdash/internal/store"
	"github.com/onnwee/opsdash/internal/syncer"
	"github.com/onnwee/opsdash/internal/tracing"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	envErr := godotenv.Load()
	cfg := config.Load()
	logger.Init(cfg.LogLevel)
	if envErr != nil {
		logger.Info("no .env file found, using process environment")
	}

	if err := run(cfg); err != nil {
		logger.Error("server exited", "error", err)
		errorreporting.CaptureError(err)
		errorreporting.Flush(2 * time.Second)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log := logger.WithComponent("main")

	if cfg.SentryEnvironment == "production" {
		if err := secrets.Require(map[string]string{"ADMIN_API_TOKEN": cfg.AdminAPIToken}); err != nil {
			return err
		}
	}
	log.Info("configuration loaded",
		"store", secrets.MaskDSN(cfg.StoreDSN),
		"remote", secrets.MaskURL(cfg.RemoteURL),
		"remote_token", secrets.Mask(cfg.RemoteToken),
		"admin_token", secrets.Mask(cfg.AdminAPIToken),
	)

	release := cfg.SentryRelease
	if release == "" {
		release = version
	}
	if err := errorreporting.Init(errorreporting.Options{
		DSN:         cfg.SentryDSN,
		Environment: cfg.SentryEnvironment,
		Release:     release,
	}); err != nil {
		log.Warn("sentry disabled", "error", err)
	}
	defer errorreporting.Flush(2 * time.Second)

	shutdownTracing, err := tracing.Init(tracing.Options{
		Enabled:     cfg.OTELEnabled,
		Endpoint:    cfg.OTELEndpoint,
		SampleRate:  cfg.OTELSampleRate,
		ServiceName: "opsdash",
		Version:     version,
	})
	if err != nil {
		log.Warn("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := records.NewRegistry()
	if err != nil {
		return err
	}

	backend, err := store.OpenBackend(cfg.StoreDSN)
	if err != nil {
		return err
	}
	durable := store.New(backend, registry)
	defer func() {
		if err := durable.Flush(context.Background()); err != nil {
			log.Error("final store flush failed", "error", err, "dirty", durable.Dirty())
		}
		if err := durable.Close(); err != nil {
			log.Warn("closing store backend", "error", err)
		}
	}()

	group := coalesce.New()
	caches, err := cache.NewRegistry(nil, group, cache.ProfilesFromConfig(cfg)...)
	if err != nil {
		return err
	}
	defer caches.Close()
	caches.StartSweepers(ctx, cfg.CacheSweepInterval)

	rem, err := newRemote(cfg)
	if err != nil {
		return err
	}

	queue := pending.NewQueue(ctx, durable, store.PendingSyncKey)
	monitor := connectivity.NewMonitor(cfg.StartOnline)

	orch, err := syncer.New(syncer.Deps{
		Store:     durable,
		Caches:    caches,
		Remote:    rem,
		Queue:     queue,
		Monitor:   monitor,
		Coalescer: group,
		Registry:  registry,
	})
	if err != nil {
		return err
	}
	defer orch.Wait()
	defer orch.Close()

	var sig connectivity.Signal = connectivity.StaticSignal(cfg.StartOnline)
	if cfg.ConnectivityFile != "" {
		sig = connectivity.FileSignal{Path: cfg.ConnectivityFile}
		log.Info("watching connectivity flag file", "path", cfg.ConnectivityFile)
	}
	connectivity.Attach(ctx, monitor, sig)
	if orch.ResumeQueued() {
		log.Info("replaying operations queued before restart", "pending", queue.Len())
	}

	sched, err := newScheduler(cfg, orch, durable)
	if err != nil {
		return err
	}
	go sched.Start(ctx)
	defer sched.Stop()

	responses, err := httpcache.NewLRU(cfg.ResponseCacheMB, int64(cfg.CacheCapacity), cfg.CacheDefaultTTL)
	if err != nil {
		return err
	}
	defer responses.Close()

	collector := metrics.NewCollector(queue, cfg.MetricsInterval, caches.MustGet(cache.Collections), caches.MustGet(cache.Aggregates), caches.MustGet(cache.Reference))
	go collector.Start(ctx)

	limiter := middleware.NewRateLimiter(middleware.LimitsFromConfig(cfg))
	go limiter.Run(ctx)

	hub := handlers.NewHub()
	go hub.Run(ctx)
	defer orch.OnAnyDataChanged(hub.PublishChange)()
	defer monitor.Subscribe(hub.PublishConnectivity)()

	router := api.NewRouter(api.Deps{
		Config:    cfg,
		Sync:      orch,
		Caches:    caches,
		Responses: responses,
		Store:     durable,
		Remote:    rem,
		Hub:       hub,
		Limiter:   limiter,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.ListenAddr, "version", version, "online", monitor.Online())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown", "error", err)
	}
	return nil
}

// newScheduler retries the pending queue while online and flushes store
// writes the backend rejected earlier.
func newScheduler(cfg *config.Config, orch *syncer.Orchestrator, durable *store.Store) (*scheduler.Service, error) {
	return scheduler.NewService(
		scheduler.Task{
			Name:     "retry-drain",
			Schedule: cfg.SyncRetrySchedule,
			Run: func(ctx context.Context) error {
				if !orch.Online() || len(orch.Pending()) == 0 {
					return nil
				}
				_, err := orch.Drain(ctx)
				if errors.Is(err, pending.ErrDrainInProgress) || errors.Is(err, syncer.ErrOffline) {
					return nil
				}
				return err
			},
		},
		scheduler.Task{
			Name:     "store-flush",
			Schedule: cfg.StoreFlushSchedule,
			Run: func(ctx context.Context) error {
				if durable.Dirty() == 0 {
					return nil
				}
				return durable.Flush(ctx)
			},
		},
	)
}

// newRemote returns the HTTP adapter when REMOTE_URL is set and an
// in-process demo store otherwise.
func newRemote(cfg *config.Config) (remote.Store, error) {
	if cfg.RemoteURL != "" {
		return remote.NewHTTPStore(remote.OptionsFromConfig(cfg))
	}
	logger.WithComponent("main").Warn("REMOTE_URL not set, using in-memory demo remote")
	mem := remote.NewMemoryStore()
	mem.Seed("rooms", records.Records{
		records.MustRecord(map[string]any{"id": "r1", "name": "Salle A", "capacity": 12}),
		records.MustRecord(map[string]any{"id": "r2", "name": "Salle B", "capacity": 6}),
	})
	mem.Seed("clients", records.Records{})
	return mem, nil
}
