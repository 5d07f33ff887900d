package controlapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/skuld-io/skuld/internal/logger"
	"github.com/skuld-io/skuld/internal/tenant"
)

// handleSyncEnv processes POST /api/v1/sync: copy every flag and segment of
// the source environment into the target environment of the same application.
// Only the target tenant is written.
func (a *API) handleSyncEnv(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	req, src, dst, ok := a.decodeSyncRequest(w, r)
	if !ok {
		return
	}

	report, err := a.store.SyncEnv(r.Context(), src, dst, req.Overwrite)
	if err != nil {
		renderStoreError(w, r, err)
		return
	}

	a.invalidateAsync(log, dst)

	log.Info("environment synced",
		slog.String("source", src.String()),
		slog.String("target", dst.String()),
		slog.Int("flags", report.Flags),
		slog.Int("segments", report.Segments),
		slog.Bool("overwrite", req.Overwrite),
	)
	render.Status(r, http.StatusOK)
	render.JSON(w, r, SyncResponse{
		SourceEnv: src.Env,
		TargetEnv: dst.Env,
		Flags:     report.Flags,
		Segments:  report.Segments,
	})
}

// handleSyncFlag processes POST /api/v1/flags/{flagID}/sync: copy one flag
// plus only the segments it references.
func (a *API) handleSyncFlag(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	id := chi.URLParam(r, "flagID")

	req, src, dst, ok := a.decodeSyncRequest(w, r)
	if !ok {
		return
	}

	report, err := a.store.SyncFlag(r.Context(), id, src, dst, req.Overwrite)
	if err != nil {
		renderStoreError(w, r, err)
		return
	}

	a.invalidateAsync(log, dst)

	log.Info("flag synced",
		slog.String("flag_id", id),
		slog.String("source", src.String()),
		slog.String("target", dst.String()),
		slog.Int("segments", report.Segments),
		slog.Bool("overwrite", req.Overwrite),
	)
	render.Status(r, http.StatusOK)
	render.JSON(w, r, SyncResponse{
		SourceEnv: src.Env,
		TargetEnv: dst.Env,
		Flags:     report.Flags,
		Segments:  report.Segments,
	})
}

// decodeSyncRequest decodes and validates the shared sync payload. The
// source defaults to the caller's tenant environment; source and target must
// name different environments of the same application. On failure the error
// response has already been written and ok is false.
func (a *API) decodeSyncRequest(w http.ResponseWriter, r *http.Request) (req SyncRequest, src, dst tenant.Key, ok bool) {
	log := logger.FromContext(r.Context())
	key := tenant.FromHeaders(r.Header)

	if err := render.DecodeJSON(http.MaxBytesReader(w, r.Body, maxDefinitionBytes), &req); err != nil {
		log.Warn("invalid json payload", slog.String("error", err.Error()))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_JSON",
			Message: "Invalid JSON payload: " + err.Error(),
		})
		return req, src, dst, false
	}

	src = key
	if req.SourceEnv != "" {
		if !tenant.ValidEnv(req.SourceEnv) {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, ErrorResponse{
				Code:    "ERR_INVALID_INPUT",
				Message: "sourceEnv is not a valid environment identifier",
			})
			return req, src, dst, false
		}
		src = key.WithEnv(req.SourceEnv)
	}

	if !tenant.ValidEnv(req.TargetEnv) {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "targetEnv is required and must be a valid environment identifier",
		})
		return req, src, dst, false
	}
	dst = key.WithEnv(req.TargetEnv)

	if src.Env == dst.Env {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "source and target environments must differ",
		})
		return req, src, dst, false
	}

	return req, src, dst, true
}
