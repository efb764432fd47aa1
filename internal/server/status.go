package server

import "net/http"

func (s *Server) handleRotationStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.aggregator.GetRotationStatus(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	status, err := s.aggregator.GetDashboardStatus(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}
