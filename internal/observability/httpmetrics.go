package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics returns a chi middleware that records request counts and
// latencies into the given collectors. The path label is the matched route
// pattern ("/api/v1/flags/{flagID}"), never the raw URL: business 404s keep
// their pattern while unmatched paths collapse into a single "not_found"
// value, so URL scanning cannot explode label cardinality.
func HTTPMetrics(duration *prometheus.HistogramVec, total *prometheus.CounterVec) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			path := chi.RouteContext(r.Context()).RoutePattern()
			if path == "" {
				path = "not_found"
			}

			code := ww.Status()
			if code == 0 {
				// A handler that never writes still answered 200.
				code = http.StatusOK
			}

			duration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
			total.WithLabelValues(r.Method, path, strconv.Itoa(code)).Inc()
		})
	}
}
