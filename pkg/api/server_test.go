package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/deploydirector/pkg/agentrpc"
	"github.com/cuemby/deploydirector/pkg/cloud"
	"github.com/cuemby/deploydirector/pkg/director"
	"github.com/cuemby/deploydirector/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	d := director.New(context.Background(), director.Config{
		Store:         store,
		Bus:           agentrpc.NewBus(),
		Provider:      cloud.NewDummy(),
		TaskOutputDir: t.TempDir(),
		TaskWorkers:   2,
	})
	return NewServer(d, Config{Addr: "127.0.0.1:0"})
}

func TestHandleStatus(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	var body statusView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Status)
}

func TestCreateReleaseRedirectsToTask(t *testing.T) {
	s := newTestServer(t)
	payload := releaseUploadBody{Name: "myrelease", Version: "1"}
	buf, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/releases", bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/x-compressed")
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusFound, rr.Code)
	assert.Contains(t, rr.Header().Get("Location"), "/tasks")
}

func TestCreateReleaseWrongContentType(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/releases", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListReleasesEmpty(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/releases", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var views []releaseView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &views))
	assert.Empty(t, views)
}

func TestCreateDeploymentRequiresYAML(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/deployments", bytes.NewReader([]byte("name: foo")))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetMissingTaskReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/tasks/999", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.NotZero(t, body.Code)
}

func TestListTasksAfterReleaseUpload(t *testing.T) {
	s := newTestServer(t)
	payload := releaseUploadBody{Name: "myrelease", Version: "1"}
	buf, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/releases", bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/x-compressed")
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusFound, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/tasks", nil)
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var tasks []taskView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "update_release", tasks[0].Kind)
}
