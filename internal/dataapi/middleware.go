package dataapi

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/skuld-io/skuld/internal/logger"
)

// requestLogger resolves the request ID, logs the completion of each request
// and injects a request-scoped logger into the context. Unlike the control
// plane this surface logs successes at Debug: per-request Info lines would
// dominate the log volume on the evaluation hot path.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Trust the caller's X-Request-Id when present; otherwise generate
		// one so traceability is never broken. The ID is echoed back so
		// clients can correlate their logs with ours.
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)

		reqLogger := slog.Default().With(slog.String("request_id", reqID))
		ctx := logger.WithContext(r.Context(), reqLogger)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(ctx))

		duration := time.Since(start)
		status := ww.Status()

		level := slog.LevelDebug
		if status >= 500 {
			level = slog.LevelError
		} else if status >= 400 {
			level = slog.LevelWarn
		}

		reqLogger.Log(ctx, level, "HTTP request completed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("duration", duration.String()),
			slog.String("remote_ip", r.RemoteAddr),
		)
	})
}

// authenticate guards the evaluation routes when an eval key is configured.
// An empty hash leaves the surface open, which is the supported deployment
// for public client-side flags; configured hashes are compared in constant
// time against the SHA-256 of the presented bearer token.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.evalKeyHash == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			renderError(w, r, http.StatusUnauthorized, "ERR_UNAUTHORIZED", "Invalid or missing API key")
			return
		}

		sum := sha256.Sum256([]byte(token))
		presented := hex.EncodeToString(sum[:])
		expected := strings.ToLower(a.evalKeyHash)

		if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
			renderError(w, r, http.StatusUnauthorized, "ERR_UNAUTHORIZED", "Invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}
