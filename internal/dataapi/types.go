package dataapi

import (
	"net/http"

	"github.com/go-chi/render"

	"github.com/skuld-io/skuld/internal/engine"
)

// EvaluateRequest is the caller context of an evaluation call. Every field
// is optional; the transport augments it with geo and header data before the
// engine sees it.
type EvaluateRequest struct {
	// ID is the stable caller identity used for percentage bucketing. When
	// absent the transport falls back to the backup identity.
	ID string `json:"id,omitempty"`

	// User carries arbitrary caller attributes addressed by rules as user.*.
	User map[string]any `json:"user,omitempty"`

	// Page describes where the evaluation happens, typically {url}.
	Page map[string]any `json:"page,omitempty"`
}

// EvaluateResponse is the batch result, one decision per flag in the tenant.
type EvaluateResponse struct {
	Flags map[string]engine.Result `json:"flags"`
}

// ErrorResponse represents a standard structured API error. It mirrors the
// control-plane envelope so SDKs share one error decoder.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func renderError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Code: code, Message: message})
}
