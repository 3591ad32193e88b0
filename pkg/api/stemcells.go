package api

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/deploydirector/pkg/director"
	"github.com/go-chi/chi/v5"
)

// stemcellUploadBody is the JSON shape accepted in place of the raw gzip
// image tarball for POST /stemcells; see doc.go for why.
type stemcellUploadBody struct {
	Name       string                 `json:"name"`
	Version    string                 `json:"version"`
	ImagePath  string                 `json:"image_path"`
	Properties map[string]interface{} `json:"properties"`
}

func (s *Server) handleCreateStemcell(w http.ResponseWriter, r *http.Request) {
	if !requireContentType(w, r, "application/x-compressed") {
		return
	}
	var body stemcellUploadBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	t, err := s.director.UpdateStemcell(director.StemcellUpload{
		Name:       body.Name,
		Version:    body.Version,
		ImagePath:  body.ImagePath,
		Properties: body.Properties,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	redirectToTask(w, r, t.ID)
}

type stemcellView struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	CID     string `json:"cid"`
}

func (s *Server) handleListStemcells(w http.ResponseWriter, r *http.Request) {
	stemcells, err := s.director.Store().ListStemcells()
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]stemcellView, 0, len(stemcells))
	for _, sc := range stemcells {
		views = append(views, stemcellView{Name: sc.Name, Version: sc.Version, CID: sc.CID})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleDeleteStemcell(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	version := chi.URLParam(r, "version")
	t, err := s.director.DeleteStemcell(name, version)
	if err != nil {
		writeError(w, err)
		return
	}
	redirectToTask(w, r, t.ID)
}
