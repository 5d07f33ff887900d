// Package dataapi implements the REST API of the Skuld data plane. It is the
// high-throughput read path: every request resolves the caller's tenant
// document through a layered cache (in-process L1, shared Redis L2, then the
// store) and decides flags against the assembled caller context.
package dataapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-chi/render"

	"github.com/skuld-io/skuld/internal/cache"
	"github.com/skuld-io/skuld/internal/config"
	"github.com/skuld-io/skuld/internal/engine"
	"github.com/skuld-io/skuld/internal/observability"
	"github.com/skuld-io/skuld/internal/store"
	"github.com/skuld-io/skuld/internal/tenant"
	"github.com/skuld-io/skuld/internal/validation"
)

// SnapshotCache is the shared snapshot layer between data-plane instances.
// *cache.TenantCache satisfies it; deployments without Redis pass nil and
// every L1 miss goes straight to the store.
type SnapshotCache interface {
	Get(ctx context.Context, key tenant.Key) (store.Document, bool, error)
	Set(ctx context.Context, key tenant.Key, doc store.Document) error
}

// API holds the dependencies and router of the evaluation surface.
type API struct {
	// Router is the Chi multiplexer that handles HTTP requests.
	Router *chi.Mux

	// store is the authoritative document source behind both cache layers.
	store *store.TenantStore

	// l1 caches tenant snapshots in-process, keyed by the storage key. The
	// invalidation listener evicts entries when the control plane broadcasts
	// a write.
	l1 *cache.MemoryCache

	// l2 is the shared snapshot cache. May be nil.
	l2 SnapshotCache

	// engine decides flags; stateless and shared across requests.
	engine *engine.Engine

	// evalKeyHash is the SHA-256 hash of the evaluation API key. Empty
	// leaves the surface open for public client-side flags.
	evalKeyHash string

	rateLimitRequests int
	rateLimitWindow   time.Duration
}

// NewAPI wires the evaluation surface. cfg supplies the auth and rate-limit
// settings; the store, L1 cache and engine are mandatory.
func NewAPI(cfg *config.DataPlaneConfig, st *store.TenantStore, l1 *cache.MemoryCache, l2 SnapshotCache, eng *engine.Engine) *API {
	validation.AssertNotNil(cfg, "dataapi: config")
	validation.AssertNotNil(st, "dataapi: tenant store")
	validation.AssertNotNil(l1, "dataapi: l1 cache")
	validation.AssertNotNil(eng, "dataapi: engine")

	api := &API{
		Router:            chi.NewRouter(),
		store:             st,
		l1:                l1,
		l2:                l2,
		engine:            eng,
		evalKeyHash:       cfg.EvalKeyHash,
		rateLimitRequests: cfg.RateLimitRequests,
		rateLimitWindow:   cfg.RateLimitWindow,
	}

	api.configureRoutes()
	return api
}

// EvictTenant drops one tenant snapshot from the in-process cache. The
// invalidation listener calls it with the storage keys the control plane
// broadcasts.
func (a *API) EvictTenant(storageKey string) {
	a.l1.Del(storageKey)
}

// configureRoutes registers the global middleware stack and API endpoints.
func (a *API) configureRoutes() {
	a.Router.Use(middleware.RealIP)
	// Logger: resolves the request ID, logs completion and injects a
	// request-scoped logger. Successes log at Debug; this surface is too hot
	// for per-request Info lines.
	a.Router.Use(requestLogger)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(observability.HTTPMetrics(
		observability.DataPlaneReqDuration,
		observability.DataPlaneReqTotal,
	))
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))

	// Public liveness check; deep readiness lives on the observability server.
	a.Router.Get("/health", a.handleHealthCheck)

	a.Router.Route("/api/v1", func(r chi.Router) {
		// The limiter runs before auth so key brute-forcing is throttled too.
		r.Use(httprate.Limit(
			a.rateLimitRequests,
			a.rateLimitWindow,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(handleRateLimited),
		))
		r.Use(a.authenticate)

		r.Post("/evaluate", a.handleEvaluateAll)
		r.Post("/evaluate/{flagID}", a.handleEvaluateFlag)
	})
}

func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func handleRateLimited(w http.ResponseWriter, r *http.Request) {
	renderError(w, r, http.StatusTooManyRequests, "ERR_RATE_LIMITED", "Too many requests, slow down")
}
