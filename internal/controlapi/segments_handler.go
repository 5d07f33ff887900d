package controlapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/skuld-io/skuld/internal/logger"
	"github.com/skuld-io/skuld/internal/tenant"
)

// handlePutSegment processes PUT /api/v1/segments/{segmentID}. Segments are
// upserts of a single rule expression; a rule that does not compile is stored
// but flagged in the warnings, and evaluates as not matching.
func (a *API) handlePutSegment(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	key := tenant.FromHeaders(r.Header)
	id := chi.URLParam(r, "segmentID")

	var req SegmentRequest
	if err := render.DecodeJSON(http.MaxBytesReader(w, r.Body, maxDefinitionBytes), &req); err != nil {
		log.Warn("invalid json payload", slog.String("error", err.Error()))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_JSON",
			Message: "Invalid JSON payload: " + err.Error(),
		})
		return
	}

	warnings, err := a.store.PutSegment(r.Context(), key, id, req.Rule)
	if err != nil {
		renderStoreError(w, r, err)
		return
	}

	a.invalidateAsync(log, key)

	log.Info("segment stored",
		slog.String("tenant", key.String()),
		slog.String("segment_id", id),
	)
	render.Status(r, http.StatusOK)
	render.JSON(w, r, SegmentResponse{ID: id, Rule: req.Rule, Warnings: warnings})
}

// handleDeleteSegment processes DELETE /api/v1/segments/{segmentID}. The
// store removes the segment and strips it from every referencing flag in the
// same write, so no request ever observes a dangling reference.
func (a *API) handleDeleteSegment(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	key := tenant.FromHeaders(r.Header)
	id := chi.URLParam(r, "segmentID")

	if err := a.store.DeleteSegment(r.Context(), key, id); err != nil {
		renderStoreError(w, r, err)
		return
	}

	a.invalidateAsync(log, key)

	log.Info("segment deleted",
		slog.String("tenant", key.String()),
		slog.String("segment_id", id),
	)
	render.NoContent(w, r)
}
