package dataapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/skuld-io/skuld/internal/engine"
	"github.com/skuld-io/skuld/internal/logger"
	"github.com/skuld-io/skuld/internal/observability"
	"github.com/skuld-io/skuld/internal/store"
	"github.com/skuld-io/skuld/internal/tenant"
)

// maxEvalBytes caps evaluation bodies. Caller contexts are small; anything
// near this limit is a client bug or abuse.
const maxEvalBytes = 1 << 20

// handleEvaluateAll decides every flag of the caller's tenant against one
// shared context. Individual flags never fail the batch; only a failed
// document load produces an error response.
func (a *API) handleEvaluateAll(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeEvalRequest(w, r)
	if !ok {
		return
	}

	key := tenant.FromHeaders(r.Header)
	in := buildInput(r, req)

	// One time reading serves the whole batch, so every decision sees the
	// same instant.
	now := time.Now()

	doc, err := a.loadDocument(r.Context(), key)
	if err != nil {
		renderLoadFailure(w, r, key, err)
		return
	}

	results := a.engine.DecideAll(doc.Flags, doc.Segments, in, now)
	countDecisions(results)

	render.Status(r, http.StatusOK)
	render.JSON(w, r, EvaluateResponse{Flags: results})
}

// handleEvaluateFlag decides a single flag. Unknown ids are NOT_FOUND; a
// decision is never synthesized for a flag the tenant does not define.
func (a *API) handleEvaluateFlag(w http.ResponseWriter, r *http.Request) {
	flagID := chi.URLParam(r, "flagID")

	req, ok := a.decodeEvalRequest(w, r)
	if !ok {
		return
	}

	key := tenant.FromHeaders(r.Header)
	in := buildInput(r, req)
	now := time.Now()

	doc, err := a.loadDocument(r.Context(), key)
	if err != nil {
		renderLoadFailure(w, r, key, err)
		return
	}

	f, ok := doc.Flags[flagID]
	if !ok {
		renderError(w, r, http.StatusNotFound, "ERR_NOT_FOUND", fmt.Sprintf("flag %q does not exist", flagID))
		return
	}

	res := a.engine.Decide(f, doc.Segments, in, now)
	countDecisions(map[string]engine.Result{flagID: res})

	render.Status(r, http.StatusOK)
	render.JSON(w, r, res)
}

// decodeEvalRequest reads the optional evaluation body. An empty body is a
// valid anonymous evaluation; a body that is present but not JSON is a
// client error.
func (a *API) decodeEvalRequest(w http.ResponseWriter, r *http.Request) (EvaluateRequest, bool) {
	var req EvaluateRequest

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEvalBytes))
	if err != nil {
		renderError(w, r, http.StatusBadRequest, "ERR_INVALID_JSON", "Failed to read request body")
		return EvaluateRequest{}, false
	}
	if len(raw) == 0 {
		return req, true
	}

	if err := json.Unmarshal(raw, &req); err != nil {
		renderError(w, r, http.StatusBadRequest, "ERR_INVALID_JSON", "Request body is not valid JSON")
		return EvaluateRequest{}, false
	}
	return req, true
}

// loadDocument resolves the tenant document through the read-through chain:
// L1 -> L2 -> store, filling the layers above on the way back. An L2 outage
// degrades to store reads; only a failed store load surfaces as an error,
// because answering with defaults would silently misrepresent every flag.
func (a *API) loadDocument(ctx context.Context, key tenant.Key) (*store.Document, error) {
	storageKey := key.Storage()

	if doc, ok := a.l1.Get(storageKey); ok {
		return doc, nil
	}

	log := logger.FromContext(ctx)

	if a.l2 != nil {
		doc, ok, err := a.l2.Get(ctx, key)
		if err != nil {
			log.Warn("l2 snapshot read failed, falling back to the store",
				slog.String("tenant", key.String()),
				slog.Any("error", err),
			)
		} else if ok {
			a.l1.Set(storageKey, &doc)
			return &doc, nil
		}
	}

	doc, err := a.store.GetData(ctx, key)
	if err != nil {
		return nil, err
	}

	a.l1.Set(storageKey, &doc)
	if a.l2 != nil {
		// Best effort: the next instance profits, but this response does not
		// depend on it.
		if err := a.l2.Set(ctx, key, doc); err != nil {
			log.Warn("l2 snapshot fill failed",
				slog.String("tenant", key.String()),
				slog.Any("error", err),
			)
		}
	}
	return &doc, nil
}

func renderLoadFailure(w http.ResponseWriter, r *http.Request, key tenant.Key, err error) {
	logger.FromContext(r.Context()).Error("failed to load tenant document",
		slog.String("tenant", key.String()),
		slog.Any("error", err),
	)
	renderError(w, r, http.StatusInternalServerError, "ERR_INTERNAL", "Failed to load flag definitions")
}

// countDecisions exports one counter increment per decision, labeled by flag
// type and whether the flag actually fired.
func countDecisions(results map[string]engine.Result) {
	for _, res := range results {
		outcome := "default"
		if res.IsEval {
			outcome = "evaluated"
		}
		observability.DataPlaneDecisions.WithLabelValues(string(res.Type), outcome).Inc()
	}
}
