package api

import (
	"net/http"
	"time"

	"go.roomfleet.dev/fleet/internal/api/middleware"
	"go.roomfleet.dev/fleet/internal/discovery"
)

// healthHandler answers /healthz, grounded on the teacher's HealthHandler.
type healthHandler struct {
	startedAt time.Time
}

func (h *healthHandler) Check(w http.ResponseWriter, r *http.Request) {
	middleware.RespondWithJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.startedAt).String(),
	})
}

// fleetHandler answers GET /fleet with the discovery process's current
// mirror — every RoomServer this discovery instance knows about, with
// their rooms and client counts.
type fleetHandler struct {
	discovery *discovery.Discovery
}

func (h *fleetHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	middleware.RespondWithJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    h.discovery.Snapshot(),
	})
}
