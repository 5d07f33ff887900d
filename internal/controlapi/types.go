package controlapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/skuld-io/skuld/internal/engine"
	"github.com/skuld-io/skuld/internal/logger"
	"github.com/skuld-io/skuld/internal/store"
)

// FlagResponse wraps a stored flag definition together with the validation
// warnings the store collected. Warnings flag definitions that are legal but
// probably not what the operator meant, such as rules that do not compile.
type FlagResponse struct {
	Flag     engine.Flag `json:"flag"`
	Warnings []string    `json:"warnings,omitempty"`
}

// SegmentRequest defines the payload for PUT /segments/{id}.
type SegmentRequest struct {
	// Rule is the expression shared by every flag referencing the segment.
	Rule string `json:"rule"`
}

// SegmentResponse echoes the stored segment.
type SegmentResponse struct {
	ID       string   `json:"id"`
	Rule     string   `json:"rule"`
	Warnings []string `json:"warnings,omitempty"`
}

// SyncRequest defines the payload for POST /sync and POST /flags/{id}/sync.
// SourceEnv defaults to the caller's tenant environment when omitted.
type SyncRequest struct {
	SourceEnv string `json:"sourceEnv,omitempty"`
	TargetEnv string `json:"targetEnv"`

	// Overwrite keeps the enabled state of copied flags. Without it every
	// copied flag lands disabled, so a sync never turns a feature on in the
	// target environment by itself.
	Overwrite bool `json:"overwrite,omitempty"`
}

// SyncResponse reports what a sync copied into the target environment.
type SyncResponse struct {
	SourceEnv string `json:"sourceEnv"`
	TargetEnv string `json:"targetEnv"`
	Flags     int    `json:"flags"`
	Segments  int    `json:"segments"`
}

// ErrorResponse represents a standard structured API error.
type ErrorResponse struct {
	// Code is a machine-readable error code (e.g., "ERR_INVALID_DEFINITION").
	Code string `json:"code"`

	// Message is a human-readable description of the error.
	Message string `json:"message"`

	// Details provides optional granular validation errors.
	Details []ErrorDetail `json:"details,omitempty"`
}

// ErrorDetail provides context about specific field validation failures.
type ErrorDetail struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

// renderStoreError maps the store's sentinel errors onto the HTTP error
// contract. Anything unrecognized becomes an opaque 500 so internals never
// leak to clients.
func renderStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrorResponse{Code: "ERR_NOT_FOUND", Message: err.Error()})

	case errors.Is(err, store.ErrEmptyPatch):
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Code: "ERR_EMPTY_PATCH", Message: err.Error()})

	case errors.Is(err, store.ErrInvalidReference):
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_REFERENCE", Message: err.Error()})

	case errors.Is(err, store.ErrInvalidDefinition):
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_DEFINITION", Message: err.Error()})

	case errors.Is(err, store.ErrVersionConflict):
		// The CAS retry budget ran out; the client can simply retry.
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, ErrorResponse{Code: "ERR_CONFLICT", Message: "The definition changed concurrently, retry the request"})

	default:
		logger.FromContext(r.Context()).Error("store operation failed", slog.Any("error", err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INTERNAL", Message: "Internal server error"})
	}
}
