package middleware

import (
	"net/http"
	"time"

	"go.roomfleet.dev/fleet/internal/logging"
)

// RequestLogger logs every admin HTTP request at info level.
type RequestLogger struct {
	logger *logging.Logger
}

// NewRequestLogger creates a new request-logging middleware.
func NewRequestLogger(logger *logging.Logger) *RequestLogger {
	return &RequestLogger{logger: logger.Named("http")}
}

// Handler wraps next, logging method/path/status/duration once it returns.
func (m *RequestLogger) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		m.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"duration", time.Since(start).String(),
		)
	})
}

// statusWriter captures the status code written by a downstream handler.
type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
