package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	if !requireContentType(w, r, "text/yaml") {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	t, err := s.director.UpdateDeployment(string(body))
	if err != nil {
		writeError(w, err)
		return
	}
	redirectToTask(w, r, t.ID)
}

type deploymentView struct {
	Name string `json:"name"`
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	deployments, err := s.director.Store().ListDeployments()
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]deploymentView, 0, len(deployments))
	for _, d := range deployments {
		views = append(views, deploymentView{Name: d.Name})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleDeleteDeployment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	t, err := s.director.DeleteDeployment(name)
	if err != nil {
		writeError(w, err)
		return
	}
	redirectToTask(w, r, t.ID)
}
