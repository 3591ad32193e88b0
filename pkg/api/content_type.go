package api

import (
	"net/http"
	"strconv"
	"strings"
)

// requireContentType enforces the per-endpoint content type. A mismatch is
// a routing-layer 404, not a domain error: a request with the wrong
// content type simply does not match any route.
func requireContentType(w http.ResponseWriter, r *http.Request, want string) bool {
	got := r.Header.Get("Content-Type")
	if i := strings.IndexByte(got, ';'); i >= 0 {
		got = got[:i]
	}
	if strings.TrimSpace(got) != want {
		http.NotFound(w, r)
		return false
	}
	return true
}

// redirectToTask writes the 302 redirect to /tasks/:id that every
// mutating endpoint answers with.
func redirectToTask(w http.ResponseWriter, r *http.Request, id int64) {
	http.Redirect(w, r, "/tasks/"+strconv.FormatInt(id, 10), http.StatusFound)
}
