package httpapi

import "net/http"

// handlePerfLatency serves the rolling per-stage turn latency window
// (gate, cache lookup, queue wait, generate, turn total) as JSON.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
			"indicators":   []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotTurnStages())
}
