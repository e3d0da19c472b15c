// Package server exposes HTTP handlers for health and status reporting
// alongside the WebSocket endpoint.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Neolink relay is running!")
}

// StatusHandler reports the live connection count plus whatever extra fields
// the caller supplies, as JSON.
func StatusHandler(gw *Gateway, extra func() map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		status := map[string]any{
			"status":      "ok",
			"connections": gw.Count(),
		}
		if extra != nil {
			for k, v := range extra() {
				status[k] = v
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			gw.log.Warn().Err(err).Msg("error writing status response")
		}
	}
}
