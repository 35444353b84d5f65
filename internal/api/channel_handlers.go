package api

import (
	"net/http"
)

// handleListChannels returns a snapshot of all currently tracked channels.
func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels := s.tracker.Channels()
	writeJSON(w, http.StatusOK, map[string]any{
		"channels": channels,
		"count":    len(channels),
	})
}

// handleStats returns tracker counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.tracker.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"channels":         stats.Channels,
		"dial_edges":       stats.DialEdges,
		"events_processed": stats.EventsProcessed,
		"events_skipped":   stats.EventsSkipped,
		"b_dials":          stats.BDials,
		"transfers":        stats.Transfers,
	})
}
