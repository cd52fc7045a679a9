package middleware

import (
	"encoding/json"
	"net/http"

	"go.roomfleet.dev/fleet/internal/logging"
)

// RespondWithJSON writes data as a JSON body with the given status code.
func RespondWithJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.GetLogger().Error("failed to encode JSON response", err)
	}
}

// RespondWithError writes the fleet's flat {success, error{message}}
// envelope with the given status code.
func RespondWithError(w http.ResponseWriter, statusCode int, message string) {
	RespondWithJSON(w, statusCode, map[string]any{
		"success": false,
		"error":   map[string]string{"message": message},
	})
}
