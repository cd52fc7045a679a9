// Package middleware contains HTTP middleware for the fleet's admin API.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.roomfleet.dev/fleet/internal/logging"
)

// Recovery is a middleware that recovers from panics in downstream
// handlers and responds 500 rather than letting the admin HTTP server
// crash a process that's also serving WebSocket traffic.
type Recovery struct {
	logger *logging.Logger
}

// NewRecovery creates a new recovery middleware.
func NewRecovery(logger *logging.Logger) *Recovery {
	return &Recovery{logger: logger.Named("recovery")}
}

// Handler wraps next with panic recovery.
func (m *Recovery) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				m.logger.Error("panic recovered", fmt.Errorf("panic: %v", rec),
					"stack", string(stack),
					"method", r.Method,
					"path", r.URL.Path,
				)
				RespondWithError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
