// Package main is the entrypoint for the conveyor scheduler service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/conveyor/internal/api"
	"github.com/kiranshivaraju/conveyor/internal/api/handler"
	mw "github.com/kiranshivaraju/conveyor/internal/api/middleware"
	"github.com/kiranshivaraju/conveyor/internal/backend"
	"github.com/kiranshivaraju/conveyor/internal/cache"
	"github.com/kiranshivaraju/conveyor/internal/config"
	"github.com/kiranshivaraju/conveyor/internal/gpu"
	"github.com/kiranshivaraju/conveyor/internal/leader"
	"github.com/kiranshivaraju/conveyor/internal/lifecycle"
	"github.com/kiranshivaraju/conveyor/internal/metrics"
	"github.com/kiranshivaraju/conveyor/internal/scheduler"
	"github.com/kiranshivaraju/conveyor/internal/store"
	"github.com/kiranshivaraju/conveyor/internal/telemetry"
)

const (
	serviceName     = "conveyor-scheduler"
	gpuPool         = "default"
	shutdownTimeout = 30 * time.Second
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("scheduler failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel,
	})))
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"instance_id", cfg.Server.InstanceID,
		"store", cfg.Database.Backend,
		"leader_election", cfg.Leader.Mode,
		"gpu_allocator", cfg.GPU.Allocator,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var rc *cache.Redis
	if cfg.Redis.URL != "" {
		rc, err = cache.NewRedis(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer rc.Close()

		if err := rc.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("redis connected")
	}

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing, serviceName, cfg.Server.InstanceID)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("failed to flush traces", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	alloc := newAllocator(cfg, rc)
	ctrl := newLeader(cfg, rc)
	be := backend.NewHTTPClient(cfg.Backend.BaseURL, cfg.Backend.APIToken, cfg.Backend.Timeout, cfg.Backend.RetryAttempts)

	machine := lifecycle.NewMachine(st, be, alloc, lifecycle.WithMetrics(m))
	settings := scheduler.SettingsFromConfig(cfg)
	guard := scheduler.NewDuplicateGuard(st, settings.BatchSize)

	runnerOpts := []scheduler.RunnerOption{scheduler.WithRunnerMetrics(m)}
	runners := []*scheduler.Runner{
		scheduler.NewRunner(
			scheduler.NewSchedulingLoop(st, machine, guard, be, settings, scheduler.WithMetrics(m)),
			cfg.Scheduler.SchedulingInterval, ctrl, runnerOpts...),
		scheduler.NewRunner(
			scheduler.NewResettingLoop(st, machine, settings),
			cfg.Scheduler.ResettingInterval, ctrl, runnerOpts...),
		scheduler.NewRunner(
			scheduler.NewDeletionLoop(st, machine, settings, scheduler.WithMetrics(m), scheduler.WithLeader(ctrl)),
			cfg.Scheduler.DeletionInterval, ctrl, runnerOpts...),
	}

	// A nil *cache.Redis must not reach the health handler as a non-nil Pinger.
	var pinger cache.Pinger
	if rc != nil {
		pinger = rc
	}
	router := api.NewRouter(api.Dependencies{
		Auth:            mw.NewAuth(cfg.Callback.TokenHash),
		HealthHandler:   handler.NewHealthHandler(st, pinger),
		MetricsHandler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		CallbackHandler: handler.NewCallbackHandler(st, machine),
	})
	if cfg.Callback.TokenHash == "" {
		slog.Warn("CALLBACK_TOKEN_HASH not set, backend callbacks are disabled")
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ctrl.Run(gctx)
	})
	for _, r := range runners {
		r := r
		g.Go(func() error {
			return r.Run(gctx)
		})
	}
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("scheduler stopped gracefully")
	return nil
}

// openStore connects the configured job store. The returned func releases
// its resources.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.Database.Backend == config.StoreBackendMemory {
		st, err := store.NewMemoryStore()
		if err != nil {
			return nil, nil, fmt.Errorf("create memory store: %w", err)
		}
		slog.Warn("using in-memory job store, state is lost on restart and only an embedding host can submit jobs")
		return st, func() {}, nil
	}

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	return store.NewPostgresStore(pool), pool.Close, nil
}

func newAllocator(cfg *config.Config, rc *cache.Redis) gpu.Allocator {
	if cfg.GPU.Allocator == config.GPUAllocatorRedis && rc != nil {
		return gpu.NewRedisAllocator(rc.Client(), gpuPool, cfg.GPU.Slots)
	}
	return gpu.NewMemoryAllocator(cfg.GPU.Slots)
}

func newLeader(cfg *config.Config, rc *cache.Redis) leader.Controller {
	if cfg.Leader.Mode == config.LeaderRedis && rc != nil {
		return leader.NewRedisController(rc.Client(), "scheduler", cfg.Server.InstanceID, cfg.Leader.Lease, nil)
	}
	return leader.NewStandalone()
}
