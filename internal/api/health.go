package api

import "net/http"

// handleHealth returns the store verification report. The check itself never
// fails; an unreachable store reads as can_connect=false with a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := s.store.Verify(r.Context())
	status := http.StatusOK
	if !rep.CanConnect {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, rep)
}
