package api

import "net/http"

type statusView struct {
	Status string `json:"status"`
}

// handleStatus serves GET /status. With authentication handled outside
// this router there is no caller identity to echo, so this reports the
// director's status alone.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusView{Status: "director running"})
}
