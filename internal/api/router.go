// Package api provides the admin HTTP surface shared by the room-server
// and discovery binaries: liveness, Prometheus metrics, and (discovery
// only) a fleet-wide snapshot endpoint. Trimmed from the teacher's
// internal/api/router.go — which fronts a full users/media/playlists/
// rooms/auth REST surface behind its own session-cookie auth middleware —
// down to the handful of routes this fleet's protocol (join-token over
// WebSocket, no HTTP-facing accounts) actually needs.
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.roomfleet.dev/fleet/internal/api/middleware"
	"go.roomfleet.dev/fleet/internal/discovery"
	"go.roomfleet.dev/fleet/internal/logging"
)

// Options configures the admin router. Discovery is nil on a RoomServer
// process, which omits the /fleet route entirely.
type Options struct {
	Logger    *logging.Logger
	Discovery *discovery.Discovery
}

// Router is the fleet's admin HTTP surface.
type Router struct {
	*chi.Mux
}

// NewRouter builds the admin router.
func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}
	apiLogger := logger.Named("api")

	recovery := middleware.NewRecovery(apiLogger)
	reqLogger := middleware.NewRequestLogger(apiLogger)

	r := chi.NewRouter()
	r.Use(recovery.Handler)
	r.Use(reqLogger.Handler)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Heartbeat("/ping"))

	health := &healthHandler{startedAt: time.Now()}
	r.Get("/healthz", health.Check)
	r.Handle("/metrics", promhttp.Handler())

	if opts.Discovery != nil {
		fleet := &fleetHandler{discovery: opts.Discovery}
		r.Get("/fleet", fleet.Snapshot)
	}

	return &Router{Mux: r}
}
