package api

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/deploydirector/pkg/apierror"
)

// errorBody is the wire shape of an error payload: {code, description}.
type errorBody struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}

// writeError renders err: a domain error is written as
// {code, description} at its own HTTP status; anything else is an opaque
// 500 with no body, since its detail already went to the task's debug
// stream (for task bodies) or was never task-scoped to begin with (a
// synchronous handler error).
func writeError(w http.ResponseWriter, err error) {
	if de, ok := apierror.AsDomainError(err); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(de.Status)
		_ = json.NewEncoder(w).Encode(errorBody{Code: de.Code, Description: de.Description})
		return
	}
	w.WriteHeader(http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
