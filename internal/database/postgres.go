// Package database provides the PostgreSQL connection factory and pool
// instrumentation for the tenant document store.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skuld-io/skuld/internal/config"
	"github.com/skuld-io/skuld/internal/logger"
	"github.com/skuld-io/skuld/internal/observability"
)

// NewPostgresPool initializes a PostgreSQL connection pool from the provided
// configuration and verifies connectivity before returning. The caller owns
// the pool lifecycle.
func NewPostgresPool(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config cannot be nil")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Pool tuning. MaxConns prevents the app from starving the DB,
	// MinConns keeps some connections warm to reduce latency spikes.
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Retry ping with exponential backoff
	maxRetries := cfg.PingMaxRetries
	backoff := cfg.PingBackoff

	var lastErr error
	log := logger.FromContext(ctx)

	for attempt := 1; attempt <= maxRetries; attempt++ {
		initCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		pingErr := pool.Ping(initCtx)
		cancel()

		if pingErr == nil {
			log.Info("connected to postgres", slog.Int("attempt", attempt))
			return pool, nil
		}

		log.Warn("postgres ping failed", slog.Int("attempt", attempt), slog.Any("error", pingErr))
		lastErr = pingErr
		if attempt < maxRetries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	pool.Close()
	return nil, fmt.Errorf("failed to connect to postgres after %d retries: %w", maxRetries, lastErr)
}

// RunPoolMonitor periodically exports pool statistics for the given pool.
// It blocks until ctx is cancelled, so it is meant to run as a sidecar
// goroutine next to the pool it observes.
func RunPoolMonitor(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		lastAcquires int64
		lastDuration time.Duration
		lastWaits    int64
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stat := pool.Stat()

			observability.DatabasePoolConnections.WithLabelValues("max").Set(float64(stat.MaxConns()))
			observability.DatabasePoolConnections.WithLabelValues("total").Set(float64(stat.TotalConns()))
			observability.DatabasePoolConnections.WithLabelValues("idle").Set(float64(stat.IdleConns()))
			observability.DatabasePoolConnections.WithLabelValues("in_use").Set(float64(stat.AcquiredConns()))

			// pgx counters are cumulative, so only the delta since the
			// previous tick is exported.
			if acquires := stat.AcquireCount(); acquires > lastAcquires {
				observability.DatabasePoolAcquireCount.Add(float64(acquires - lastAcquires))
				lastAcquires = acquires
			}
			if duration := stat.AcquireDuration(); duration > lastDuration {
				observability.DatabasePoolAcquireDuration.Add((duration - lastDuration).Seconds())
				lastDuration = duration
			}
			if waits := stat.EmptyAcquireCount(); waits > lastWaits {
				observability.DatabasePoolWaitCount.Add(float64(waits - lastWaits))
				lastWaits = waits
			}
		}
	}
}
