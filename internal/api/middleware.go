package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/meshforge/orchestrator/internal/classify"
	"github.com/meshforge/orchestrator/internal/logging"
	"github.com/meshforge/orchestrator/internal/metrics"
	"github.com/meshforge/orchestrator/internal/ratelimit"
)

// RateLimitMiddleware enforces A7's per-user token bucket ahead of command
// dispatch. It must run after AuthMiddleware, since the bucket key is the
// authenticated user id.
func RateLimitMiddleware(limiter *ratelimit.KeyedLimiter) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := logging.GetUserID(r.Context())
			if userID != "" && !limiter.Allow(userID) {
				logging.FromContext(r.Context()).LogSecurityEvent(r.Context(), "rate_limit_exceeded", map[string]interface{}{"user_id": userID, "path": r.URL.Path})
				writeServiceError(w, r, classify.RateLimitExceeded(int(limiter.RatePerSecond()), "second"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the status code written by the handler so the
// metrics middleware can label the request after it completes.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware records HTTPRequestSeconds per command (the mux route
// name) and outcome status.
func MetricsMiddleware(m *metrics.Registry) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)
			command := "unknown"
			if route := mux.CurrentRoute(r); route != nil && route.GetName() != "" {
				command = route.GetName()
			}
			m.HTTPRequestSeconds.WithLabelValues(command, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
		})
	}
}
