// Package main initializes and runs the Skuld hydrator.
//
// It acts as the composition root for the cache warming worker, wiring the
// tenant document store and the shared Redis snapshot cache the worker
// refreshes on every cycle.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skuld-io/skuld/internal/cache"
	"github.com/skuld-io/skuld/internal/config"
	"github.com/skuld-io/skuld/internal/database"
	"github.com/skuld-io/skuld/internal/hydrator"
	"github.com/skuld-io/skuld/internal/logger"
	"github.com/skuld-io/skuld/internal/observability"
	"github.com/skuld-io/skuld/internal/store"
)

// poolMonitorInterval is how often connection pool statistics are exported.
const poolMonitorInterval = 15 * time.Second

// main is the application entrypoint.
func main() {
	if err := run(); err != nil {
		log.Printf("Fatal error: %v", err)
		os.Exit(1)
	}
}

// run executes the service lifecycle.
func run() error {
	// -------------------------------------------------------------------------
	// 1. Configuration & Logging
	// -------------------------------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.New(&cfg.App)
	slog.SetDefault(log)
	cfg.LogConfig(log)

	if !cfg.Hydrator.Enabled {
		log.Warn("hydrator is disabled by configuration, exiting")
		return nil
	}

	// ctx drives the worker and is cancelled once shutdown starts.
	ctx, cancel := context.WithCancel(logger.WithContext(context.Background(), log))
	defer cancel()

	// -------------------------------------------------------------------------
	// 2. Store Backend
	// -------------------------------------------------------------------------
	var (
		backend  store.Backend
		checkers []observability.Checker
	)
	switch cfg.Store.Backend {
	case config.StoreBackendPostgres:
		pool, err := database.NewPostgresPool(ctx, &cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		defer pool.Close()
		go database.RunPoolMonitor(ctx, pool, poolMonitorInterval)

		backend = store.NewPostgresBackend(pool)
		checkers = append(checkers, database.NewHealthChecker(pool))

	case config.StoreBackendFile:
		fileBackend, err := store.NewFileBackend(log, cfg.Store.FilePath, cfg.Store.WatchFile)
		if err != nil {
			return fmt.Errorf("failed to open store file: %w", err)
		}
		defer fileBackend.Close()
		backend = fileBackend

	case config.StoreBackendMemory:
		log.Warn("using the in-memory store backend, definitions will not survive a restart")
		backend = store.NewMemoryBackend()

	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	st := store.New(log, backend, cfg.Store.MaxSaveRetries)

	// -------------------------------------------------------------------------
	// 3. Snapshot Cache (L2)
	// -------------------------------------------------------------------------
	// Config validation guarantees the L2 cache is enabled when the hydrator is.
	client, err := cache.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer client.Close()
	go cache.RunPoolMonitor(ctx, client, poolMonitorInterval)

	l2 := cache.NewTenantCache(log, client, cfg.Cache.L2TTL, cfg.Cache.InvalidationChannel)
	checkers = append(checkers, cache.NewHealthChecker(client))

	// -------------------------------------------------------------------------
	// 4. Wiring & Worker Startup
	// -------------------------------------------------------------------------
	obs := observability.NewServer(log, &cfg.Observability, checkers...)
	obs.Start()

	svc := hydrator.New(log, cfg.Hydrator, st, l2)

	runErr := make(chan error, 1)
	go func() {
		runErr <- svc.Run(ctx)
	}()

	// -------------------------------------------------------------------------
	// 5. Graceful Shutdown
	// -------------------------------------------------------------------------
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-runErr:
		return err
	case sig := <-sigChan:
		log.Info("shutdown signal received, stopping...", slog.String("signal", sig.String()))
	}

	// Let the in-flight cycle finish before tearing anything down.
	cancel()
	<-runErr

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Warn("observability server shutdown failed", slog.String("error", err.Error()))
	}

	log.Info("service exited successfully")
	return nil
}
