// Package main initializes and runs the Skuld data plane.
//
// It acts as the composition root for the evaluation REST API, wiring the
// layered snapshot read path (in-process L1, shared Redis L2, tenant document
// store), the rule engine and the invalidation listener that keeps every
// instance's L1 current.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skuld-io/skuld/internal/cache"
	"github.com/skuld-io/skuld/internal/config"
	"github.com/skuld-io/skuld/internal/dataapi"
	"github.com/skuld-io/skuld/internal/database"
	"github.com/skuld-io/skuld/internal/engine"
	"github.com/skuld-io/skuld/internal/expr"
	"github.com/skuld-io/skuld/internal/logger"
	"github.com/skuld-io/skuld/internal/observability"
	"github.com/skuld-io/skuld/internal/store"
)

const (
	// poolMonitorInterval is how often connection pool statistics are exported.
	poolMonitorInterval = 15 * time.Second

	// cacheStatsInterval is how often L1 cache statistics are exported.
	cacheStatsInterval = 15 * time.Second

	// listenerRetryDelay spaces out resubscription attempts after the
	// invalidation listener loses its connection.
	listenerRetryDelay = time.Second
)

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

	// ctx drives every background worker and is cancelled once shutdown starts.
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
	// 3. Caches & Rule Engine
	// -------------------------------------------------------------------------
	l1, err := cache.NewMemoryCache(cfg.Cache.L1Capacity, cfg.Cache.L1TTL)
	if err != nil {
		return fmt.Errorf("failed to create L1 cache: %w", err)
	}
	defer l1.Close()
	go l1.RunMetricsCollector(ctx, cacheStatsInterval)

	var tenantCache *cache.TenantCache
	if cfg.Cache.L2Enabled {
		client, err := cache.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer client.Close()
		go cache.RunPoolMonitor(ctx, client, poolMonitorInterval)

		tenantCache = cache.NewTenantCache(log, client, cfg.Cache.L2TTL, cfg.Cache.InvalidationChannel)
		checkers = append(checkers, cache.NewHealthChecker(client))
	}

	exprs, err := expr.NewCache(cfg.Cache.ExprCapacity)
	if err != nil {
		return fmt.Errorf("failed to create expression cache: %w", err)
	}
	defer exprs.Close()

	eng := engine.New(log, exprs)

	// -------------------------------------------------------------------------
	// 4. Wiring (Dependency Injection)
	// -------------------------------------------------------------------------
	if cfg.Server.Data.EvalKeyHash == "" {
		log.Info("evaluation surface is open, no API key configured")
	}

	var snapshots dataapi.SnapshotCache
	if tenantCache != nil {
		snapshots = tenantCache
	}
	api := dataapi.NewAPI(&cfg.Server.Data, st, l1, snapshots, eng)

	// The invalidation listener evicts L1 entries when the control plane
	// rewrites a tenant. A lost subscription only delays eviction until the
	// L1 TTL, so it is retried rather than treated as fatal.
	if tenantCache != nil {
		go func() {
			for {
				if err := tenantCache.RunInvalidationListener(ctx, api.EvictTenant); err != nil {
					log.Error("invalidation listener failed, restarting", slog.String("error", err.Error()))
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(listenerRetryDelay):
				}
			}
		}()
	}

	obs := observability.NewServer(log, &cfg.Observability, checkers...)
	obs.Start()

	// -------------------------------------------------------------------------
	// 5. HTTP Server
	// -------------------------------------------------------------------------
	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Data.Host, cfg.Server.Data.Port),
		Handler:           api.Router,
		ReadTimeout:       cfg.Server.Data.ReadTimeout,
		WriteTimeout:      cfg.Server.Data.WriteTimeout,
		ReadHeaderTimeout: cfg.Server.Data.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.Data.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.Data.MaxHeaderBytes,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("data plane listening",
			slog.String("addr", srv.Addr),
			slog.Bool("tls", cfg.Server.Data.TLSEnabled),
		)

		var err error
		if cfg.Server.Data.TLSEnabled {
			err = srv.ListenAndServeTLS(cfg.Server.Data.TLSCert, cfg.Server.Data.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("data plane server failed: %w", err)
		}
	}()

	// -------------------------------------------------------------------------
	// 6. Graceful Shutdown
	// -------------------------------------------------------------------------
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		log.Info("shutdown signal received, stopping...", slog.String("signal", sig.String()))
	}

	// Stop background workers first, then drain in-flight requests.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("data plane shutdown failed: %w", err)
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Warn("observability server shutdown failed", slog.String("error", err.Error()))
	}

	log.Info("service exited successfully")
	return nil
}
