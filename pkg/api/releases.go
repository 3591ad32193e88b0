package api

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/deploydirector/pkg/director"
	"github.com/go-chi/chi/v5"
)

// releaseUploadBody is the JSON shape accepted in place of the raw gzip
// tarball for POST /releases; see doc.go for why.
type releaseUploadBody struct {
	Name      string                    `json:"name"`
	Version   string                    `json:"version"`
	Packages  []director.PackageUpload  `json:"packages"`
	Templates []director.TemplateUpload `json:"templates"`
}

func (s *Server) handleCreateRelease(w http.ResponseWriter, r *http.Request) {
	if !requireContentType(w, r, "application/x-compressed") {
		return
	}
	var body releaseUploadBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	t, err := s.director.UpdateRelease(director.ReleaseUpload{
		Name:      body.Name,
		Version:   body.Version,
		Packages:  body.Packages,
		Templates: body.Templates,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	redirectToTask(w, r, t.ID)
}

type releaseView struct {
	Name     string   `json:"name"`
	Versions []string `json:"versions"`
}

func (s *Server) handleListReleases(w http.ResponseWriter, r *http.Request) {
	releases, err := s.director.Store().ListReleases()
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]releaseView, 0, len(releases))
	for _, rel := range releases {
		views = append(views, releaseView{Name: rel.Name, Versions: rel.Versions})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleDeleteRelease(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	t, err := s.director.DeleteRelease(name)
	if err != nil {
		writeError(w, err)
		return
	}
	redirectToTask(w, r, t.ID)
}
