// Package main initializes and runs the Skuld control plane.
//
// It acts as the composition root for the management REST API, wiring the
// tenant document store, the snapshot invalidation path and the observability
// server, and handling the service lifecycle.
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
	"github.com/skuld-io/skuld/internal/controlapi"
	"github.com/skuld-io/skuld/internal/database"
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
	// 3. Snapshot Invalidation (L2 Cache)
	// -------------------------------------------------------------------------
	var invalidator controlapi.Invalidator
	if cfg.Cache.L2Enabled {
		client, err := cache.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer client.Close()
		go cache.RunPoolMonitor(ctx, client, poolMonitorInterval)

		invalidator = cache.NewTenantCache(log, client, cfg.Cache.L2TTL, cfg.Cache.InvalidationChannel)
		checkers = append(checkers, cache.NewHealthChecker(client))
	}

	// -------------------------------------------------------------------------
	// 4. Wiring (Dependency Injection)
	// -------------------------------------------------------------------------
	if cfg.Server.Control.APIKeyHash == "" {
		// Config validation rejects this in production.
		log.Warn("management API key not configured, authentication disabled")
	}
	api := controlapi.NewAPIWithConfig(st, invalidator, cfg.Server.Control.APIKeyHash, cfg.Server.Control.APIKeyHash == "")

	obs := observability.NewServer(log, &cfg.Observability, checkers...)
	obs.Start()

	// -------------------------------------------------------------------------
	// 5. HTTP Server
	// -------------------------------------------------------------------------
	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Control.Host, cfg.Server.Control.Port),
		Handler:           api.Router,
		ReadTimeout:       cfg.Server.Control.ReadTimeout,
		WriteTimeout:      cfg.Server.Control.WriteTimeout,
		ReadHeaderTimeout: cfg.Server.Control.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.Control.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.Control.MaxHeaderBytes,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("control plane listening",
			slog.String("addr", srv.Addr),
			slog.Bool("tls", cfg.Server.Control.TLSEnabled),
		)

		var err error
		if cfg.Server.Control.TLSEnabled {
			err = srv.ListenAndServeTLS(cfg.Server.Control.TLSCert, cfg.Server.Control.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("control plane server failed: %w", err)
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
		return fmt.Errorf("control plane shutdown failed: %w", err)
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Warn("observability server shutdown failed", slog.String("error", err.Error()))
	}

	log.Info("service exited successfully")
	return nil
}
