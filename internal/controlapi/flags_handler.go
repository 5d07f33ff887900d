package controlapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/skuld-io/skuld/internal/engine"
	"github.com/skuld-io/skuld/internal/logger"
	"github.com/skuld-io/skuld/internal/store"
	"github.com/skuld-io/skuld/internal/tenant"
)

// maxDefinitionBytes caps definition payloads well above any legitimate
// document while keeping hostile payloads out of memory.
const maxDefinitionBytes = 1 << 20

// handleGetDefinitions processes GET /api/v1/definitions: the tenant's
// complete document in one response, the same shape the data plane caches.
func (a *API) handleGetDefinitions(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	key := tenant.FromHeaders(r.Header)

	doc, err := a.store.GetData(r.Context(), key)
	if err != nil {
		log.Error("failed to load tenant document",
			slog.String("tenant", key.String()),
			slog.String("error", err.Error()),
		)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INTERNAL", Message: "Failed to load definitions"})
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, doc)
}

// handlePutFlag processes POST /api/v1/flags as a full-definition upsert.
//
// The raw payload is checked against the embedded JSON Schema before it is
// decoded: shape and range errors come back as structured 400s instead of
// silently zeroed struct fields.
func (a *API) handlePutFlag(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	key := tenant.FromHeaders(r.Header)

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDefinitionBytes))
	if err != nil {
		log.Warn("unreadable request body", slog.String("error", err.Error()))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_JSON",
			Message: "Failed to read request body: " + err.Error(),
		})
		return
	}

	if err := store.ValidateFlagJSON(raw); err != nil {
		renderStoreError(w, r, err)
		return
	}

	// The schema has already pinned every field's shape, so this unmarshal
	// only fails on malformed JSON.
	var f engine.Flag
	if err := json.Unmarshal(raw, &f); err != nil {
		log.Warn("invalid json payload", slog.String("error", err.Error()))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_JSON",
			Message: "Invalid JSON payload: " + err.Error(),
		})
		return
	}

	stored, warnings, err := a.store.PutFlag(r.Context(), key, f)
	if err != nil {
		renderStoreError(w, r, err)
		return
	}

	a.invalidateAsync(log, key)

	log.Info("flag stored",
		slog.String("tenant", key.String()),
		slog.String("flag_id", stored.ID),
		slog.Int("warnings", len(warnings)),
	)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, FlagResponse{Flag: stored, Warnings: warnings})
}

// handleUpdateFlag processes PATCH /api/v1/flags/{flagID}. Absent fields keep
// their stored values; a patch that changes nothing is rejected.
func (a *API) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	key := tenant.FromHeaders(r.Header)
	id := chi.URLParam(r, "flagID")

	var patch store.FlagPatch
	if err := render.DecodeJSON(http.MaxBytesReader(w, r.Body, maxDefinitionBytes), &patch); err != nil {
		log.Warn("invalid json payload", slog.String("error", err.Error()))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_JSON",
			Message: "Invalid JSON payload: " + err.Error(),
		})
		return
	}

	merged, warnings, err := a.store.UpdateFlag(r.Context(), key, id, patch)
	if err != nil {
		renderStoreError(w, r, err)
		return
	}

	a.invalidateAsync(log, key)

	log.Info("flag updated",
		slog.String("tenant", key.String()),
		slog.String("flag_id", id),
	)
	render.Status(r, http.StatusOK)
	render.JSON(w, r, FlagResponse{Flag: merged, Warnings: warnings})
}

// handleDeleteFlag processes DELETE /api/v1/flags/{flagID}.
func (a *API) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	key := tenant.FromHeaders(r.Header)
	id := chi.URLParam(r, "flagID")

	if err := a.store.DeleteFlag(r.Context(), key, id); err != nil {
		renderStoreError(w, r, err)
		return
	}

	a.invalidateAsync(log, key)

	log.Info("flag deleted",
		slog.String("tenant", key.String()),
		slog.String("flag_id", id),
	)
	render.NoContent(w, r)
}

// invalidateAsync drops the tenant's cached snapshot after a successful
// write. It runs detached from the request: the write is already durable, so
// a failed invalidation must not fail the response. Retries cover transient
// Redis hiccups; a snapshot that stays stale expires with its TTL.
func (a *API) invalidateAsync(log *slog.Logger, key tenant.Key) {
	if a.cache == nil {
		return
	}

	go func() {
		// Context disconnected from the HTTP request.
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		const maxRetries = 3
		baseDelay := 100 * time.Millisecond

		for i := 0; i <= maxRetries; i++ {
			err := a.cache.Invalidate(ctx, key)
			if err == nil {
				return
			}

			if i == maxRetries {
				log.Error("failed to invalidate tenant snapshot after retries",
					slog.String("tenant", key.String()),
					slog.String("error", err.Error()))
				return
			}

			log.Warn("failed to invalidate tenant snapshot, retrying",
				slog.String("tenant", key.String()),
				slog.Int("attempt", i+1),
				slog.String("error", err.Error()))

			time.Sleep(baseDelay * time.Duration(1<<i))
		}
	}()
}
