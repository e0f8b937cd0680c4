package server

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
)

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":  "healthy",
		"version": "1.0.0",
		"service": "portfolio-optimize",
	}

	writeJSON(w, http.StatusOK, response, s.log)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}, log zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string, log zerolog.Logger) {
	writeJSON(w, status, map[string]string{"error": message}, log)
}
