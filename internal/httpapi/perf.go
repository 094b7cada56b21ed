package httpapi

import (
	"net/http"
	"strconv"
)

// handlePerfLatency serves the rolling turn stage window. ?reset=true clears
// it after the snapshot is taken.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	snap := s.metrics.StageSnapshot()
	if reset, _ := strconv.ParseBool(r.URL.Query().Get("reset")); reset {
		s.metrics.ResetStages()
	}
	respondJSON(w, http.StatusOK, snap)
}
