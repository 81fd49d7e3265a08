package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// statusRecorder captures the status code written through an
// http.ResponseWriter so Logging can report it after the handler returns.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Logging returns an HTTP middleware that logs each request's method, path,
// status, and duration via slog. Adapted from tygor/middleware/logging.go's
// LoggingInterceptor: this server has no RPC service/method pair to log
// against, so the same started/completed/failed shape is generalized to
// plain HTTP method+path.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			logger.InfoContext(r.Context(), "request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)

			next.ServeHTTP(rec, r)
			duration := time.Since(start)

			if rec.status >= 500 {
				logger.ErrorContext(r.Context(), "request failed",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", rec.status),
					slog.Duration("duration", duration),
				)
			} else {
				logger.InfoContext(r.Context(), "request completed",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", rec.status),
					slog.Duration("duration", duration),
				)
			}
		})
	}
}
