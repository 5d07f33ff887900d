// Package controlapi implements the REST API of the Skuld control plane.
// It manages flag and segment definitions per tenant, cross-environment
// syncs, and the cache invalidation that follows every successful write.
package controlapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/skuld-io/skuld/internal/observability"
	"github.com/skuld-io/skuld/internal/store"
	"github.com/skuld-io/skuld/internal/tenant"
	"github.com/skuld-io/skuld/internal/validation"
)

// Invalidator drops the cached snapshot of a tenant after its document
// changed. *cache.TenantCache satisfies it; deployments without a shared
// cache pass nil and rely on snapshot TTLs instead.
type Invalidator interface {
	Invalidate(ctx context.Context, key tenant.Key) error
}

// API is the main struct that holds dependencies and the router for the
// control plane. It follows the Dependency Injection pattern to facilitate
// testing.
type API struct {
	// Router is the Chi multiplexer that handles HTTP requests.
	Router *chi.Mux

	// store applies validated mutations to tenant documents.
	store *store.TenantStore

	// cache receives an invalidation for every tenant whose document was
	// written. May be nil.
	cache Invalidator

	// apiKeyHash is the SHA-256 hash of the valid API key.
	apiKeyHash string

	// skipAuth disables authentication when true (test/dev environments only).
	skipAuth bool
}

// NewAPI creates a new API instance with authentication enabled by default.
// The apiKeyHash parameter must be the SHA-256 hash of the API key.
func NewAPI(st *store.TenantStore, cache Invalidator, apiKeyHash string) *API {
	return NewAPIWithConfig(st, cache, apiKeyHash, false)
}

// NewAPIWithConfig creates a new API instance with explicit control over
// authentication. skipAuth is primarily used in tests; production deployments
// always configure a key hash.
//
// Panics if the store is nil or if apiKeyHash is empty while authentication
// is enabled.
func NewAPIWithConfig(st *store.TenantStore, cache Invalidator, apiKeyHash string, skipAuth bool) *API {
	validation.AssertNotNil(st, "controlapi: tenant store")
	if !skipAuth && apiKeyHash == "" {
		panic("controlapi: apiKeyHash cannot be empty when authentication is enabled")
	}

	api := &API{
		Router:     chi.NewRouter(),
		store:      st,
		cache:      cache,
		apiKeyHash: apiKeyHash,
		skipAuth:   skipAuth,
	}

	api.configureRoutes()
	return api
}

// configureRoutes registers the global middleware stack and API endpoints.
func (a *API) configureRoutes() {
	// 1. Global Middleware Stack
	// RequestID: Adds a unique ID to each request context (essential for tracing).
	a.Router.Use(middleware.RequestID)
	// RealIP: correctly sets the IP if behind a proxy/LB.
	a.Router.Use(middleware.RealIP)
	// Logger: logs completion and injects a request-scoped logger.
	a.Router.Use(RequestLogger)
	// Recoverer: Prevents the server from crashing on panics, returning 500 instead.
	a.Router.Use(middleware.Recoverer)
	// Metrics: request totals and latencies, keyed by route pattern.
	a.Router.Use(observability.HTTPMetrics(
		observability.ControlPlaneReqDuration,
		observability.ControlPlaneReqTotal,
	))
	// Content-Type: Forces JSON content type for API responses.
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))

	// 2. Public Routes (no authentication required)
	a.Router.Get("/health", a.handleHealthCheck)

	// 3. Protected API V1 Routes (authentication required)
	a.Router.Route("/api/v1", func(r chi.Router) {
		r.Use(a.authenticateAPIKey)

		r.Get("/definitions", a.handleGetDefinitions)
		r.Post("/sync", a.handleSyncEnv)

		r.Route("/flags", func(r chi.Router) {
			r.Post("/", a.handlePutFlag)

			r.Route("/{flagID}", func(r chi.Router) {
				r.Patch("/", a.handleUpdateFlag)
				r.Delete("/", a.handleDeleteFlag)
				r.Post("/sync", a.handleSyncFlag)
			})
		})

		r.Route("/segments/{segmentID}", func(r chi.Router) {
			r.Put("/", a.handlePutSegment)
			r.Delete("/", a.handleDeleteSegment)
		})
	})
}

// handleHealthCheck answers liveness convenience checks on the service port.
// Deep readiness (database, redis) lives on the observability server.
func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}
