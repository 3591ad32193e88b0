package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cuemby/deploydirector/pkg/apierror"
	"github.com/cuemby/deploydirector/pkg/types"
	"github.com/go-chi/chi/v5"
)

type taskView struct {
	ID          int64  `json:"id"`
	Kind        string `json:"kind"`
	State       string `json:"state"`
	Timestamp   string `json:"timestamp"`
	Description string `json:"description"`
	Result      string `json:"result"`
}

func toTaskView(t *types.Task) taskView {
	return taskView{
		ID:          t.ID,
		Kind:        string(t.Kind),
		State:       string(t.State),
		Timestamp:   t.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
		Description: t.Description,
		Result:      t.Result,
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	state := types.TaskState(r.URL.Query().Get("state"))

	tasks, err := s.director.Tasks().List(limit, state)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, toTaskView(t))
	}
	writeJSON(w, http.StatusOK, views)
}

func parseTaskID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apierror.New(apierror.KindNotFound, "invalid task id %q", raw)
	}
	return id, nil
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := parseTaskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	t, err := s.director.Tasks().Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskView(t))
}

// handleTaskOutput serves the event log for task id, the stream an
// operator polls to watch a running deployment. It returns whatever has
// been appended so far; a task with no output yet gets 204.
func (s *Server) handleTaskOutput(w http.ResponseWriter, r *http.Request) {
	id, err := parseTaskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	t, err := s.director.Tasks().Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := os.ReadFile(filepath.Join(t.OutputDir, "event"))
	if err != nil {
		if os.IsNotExist(err) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeError(w, err)
		return
	}
	if len(data) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleCancelTask requests cooperative cancellation of a running task,
// setting its state to cancelling. The body observes the request at its
// next suspension point; there is no force-kill.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := parseTaskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.director.Tasks().RequestCancel(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
