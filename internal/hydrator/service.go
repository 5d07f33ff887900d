// Package hydrator implements the background worker that keeps the shared
// snapshot cache warm. It periodically loads every tenant document from the
// store and writes it to the L2 cache, so evaluation nodes that restart or
// scale out rarely fall through to the store. Documents that fail the schema
// check are logged and skipped instead of fanning out.
package hydrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skuld-io/skuld/internal/config"
	"github.com/skuld-io/skuld/internal/observability"
	"github.com/skuld-io/skuld/internal/store"
	"github.com/skuld-io/skuld/internal/tenant"
	"github.com/skuld-io/skuld/internal/validation"
)

// SnapshotWriter is the slice of the snapshot cache the hydrator writes to.
// *cache.TenantCache satisfies it.
type SnapshotWriter interface {
	Set(ctx context.Context, key tenant.Key, doc store.Document) error
}

// Service orchestrates the hydration process.
type Service struct {
	logger *slog.Logger
	config config.HydratorConfig
	store  *store.TenantStore
	cache  SnapshotWriter
}

// New creates a new hydrator service.
func New(logger *slog.Logger, cfg config.HydratorConfig, st *store.TenantStore, cacheSvc SnapshotWriter) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	validation.AssertNotNil(st, "hydrator: tenant store")
	validation.AssertNotNil(cacheSvc, "hydrator: snapshot cache")

	if cfg.Interval < time.Second {
		cfg.Interval = 30 * time.Second // Safe default
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 5 * time.Second
	}

	return &Service{
		logger: logger,
		config: cfg,
		store:  st,
		cache:  cacheSvc,
	}
}

// Run starts the hydration loop. It blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("starting hydrator service",
		slog.String("interval", s.config.Interval.String()),
		slog.Int("concurrency", s.config.Concurrency),
	)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Run once immediately so a fresh deployment serves from a warm cache.
	if err := s.Hydrate(ctx); err != nil {
		s.logger.Error("initial hydration failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("hydrator service stopping...")
			return nil
		case <-ticker.C:
			if err := s.Hydrate(ctx); err != nil {
				// We log the error but don't stop the worker.
				// Retry on next tick.
				s.logger.Error("hydration cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Hydrate performs a single hydration cycle across every tenant in the store.
func (s *Service) Hydrate(ctx context.Context) error {
	start := time.Now()

	keys, err := s.store.Keys(ctx)
	if err != nil {
		return fmt.Errorf("listing tenants: %w", err)
	}

	var synced, failed int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)

	for _, key := range keys {
		g.Go(func() error {
			if err := s.hydrateTenant(gctx, key); err != nil {
				s.logger.Warn("failed to hydrate tenant",
					slog.String("tenant", key.Storage()),
					slog.String("error", err.Error()),
				)
				observability.HydratorTenantsTotal.WithLabelValues("fail").Inc()
				atomic.AddInt32(&failed, 1)
				return nil // Try next tenant, don't abort the cycle.
			}
			observability.HydratorTenantsTotal.WithLabelValues("success").Inc()
			atomic.AddInt32(&synced, 1)
			return nil
		})
	}

	// Workers contain their own errors, so Wait never reports one; it only
	// joins the cycle.
	_ = g.Wait()

	observability.HydratorCycleDuration.Observe(time.Since(start).Seconds())
	if failed == 0 {
		observability.HydratorLastSuccess.Set(float64(time.Now().Unix()))
	}

	if synced > 0 || failed > 0 {
		s.logger.Info("hydration cycle completed",
			slog.Int("synced", int(synced)),
			slog.Int("errors", int(failed)),
			slog.String("duration", time.Since(start).String()),
		)
	}
	return nil
}

func (s *Service) hydrateTenant(ctx context.Context, key tenant.Key) error {
	loadCtx, cancel := context.WithTimeout(ctx, s.config.LoadTimeout)
	defer cancel()

	doc, err := s.store.GetData(loadCtx, key)
	if err != nil {
		return fmt.Errorf("loading document: %w", err)
	}

	// The document mutators only ever persist valid documents, but backends
	// can be edited directly (SQL, hand-edited files). This is the last gate
	// before a document fans out to every evaluation node, so check it here.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	if err := store.ValidateDocumentJSON(raw); err != nil {
		return fmt.Errorf("validating document: %w", err)
	}

	if err := s.cache.Set(loadCtx, key, doc); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}
