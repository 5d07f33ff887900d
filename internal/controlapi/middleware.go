package controlapi

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/skuld-io/skuld/internal/logger"
)

// RequestLogger creates a middleware that logs the completion of each request
// and injects a request-scoped logger into the context, so every handler log
// line carries the request ID without threading it by hand.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Get RequestID set by Chi's RequestID middleware
		reqID := middleware.GetReqID(r.Context())

		reqLogger := slog.Default().With(slog.String("request_id", reqID))
		ctx := logger.WithContext(r.Context(), reqLogger)

		// Wrap the ResponseWriter to capture the status code
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(ctx))

		duration := time.Since(start)
		status := ww.Status()

		// Info for success, Warn for 4xx, Error for 5xx
		level := slog.LevelInfo
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

// authenticateAPIKey guards the management routes with a bearer token. The
// presented token is hashed and compared in constant time against the
// configured SHA-256 digest, so the plaintext key never exists server-side
// and the comparison leaks no timing signal.
func (a *API) authenticateAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.skipAuth {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			renderUnauthorized(w, r)
			return
		}

		sum := sha256.Sum256([]byte(token))
		presented := hex.EncodeToString(sum[:])
		expected := strings.ToLower(a.apiKeyHash)

		if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
			renderUnauthorized(w, r)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func renderUnauthorized(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusUnauthorized)
	render.JSON(w, r, ErrorResponse{
		Code:    "ERR_UNAUTHORIZED",
		Message: "Invalid or missing API key",
	})
}
