package task

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/deploydirector/pkg/apierror"
	"github.com/cuemby/deploydirector/pkg/storage"
	"github.com/cuemby/deploydirector/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, Config{OutputDir: t.TempDir(), Workers: 2})
}

func TestCreateRunsBodyToDone(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, 2)

	done := make(chan struct{})
	tk, err := m.Create(types.TaskKindUpdateDeployment, "deploy web", func(ctx context.Context, sink *Sink) (string, error) {
		sink.Eventf("applying")
		close(done)
		return "deployed", nil
	})
	require.NoError(t, err)
	require.Equal(t, types.TaskStateQueued, tk.State)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("body never ran")
	}

	assert.Eventually(t, func() bool {
		got, err := m.Get(tk.ID)
		require.NoError(t, err)
		return got.State == types.TaskStateDone
	}, time.Second, 10*time.Millisecond)

	got, err := m.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "deployed", got.Result)

	resultFile, err := os.ReadFile(filepath.Join(got.OutputDir, "result"))
	require.NoError(t, err)
	assert.Contains(t, string(resultFile), "deployed")
}

func TestCreateSurfacesDomainError(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, 1)

	tk, err := m.Create(types.TaskKindUpdateDeployment, "bad deploy", func(ctx context.Context, sink *Sink) (string, error) {
		return "", apierror.New(apierror.KindValidationFailed, "bad manifest")
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := m.Get(tk.ID)
		require.NoError(t, err)
		return got.State == types.TaskStateError
	}, time.Second, 10*time.Millisecond)

	got, err := m.Get(tk.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Result, "bad manifest")
}

func TestRequestCancelStopsInFlightBody(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, 1)

	started := make(chan struct{})
	tk, err := m.Create(types.TaskKindUpdateDeployment, "long deploy", func(ctx context.Context, sink *Sink) (string, error) {
		close(started)
		<-ctx.Done()
		return "", apierror.New(apierror.KindCancelled, "cancelled")
	})
	require.NoError(t, err)

	<-started
	require.NoError(t, m.RequestCancel(tk.ID))

	assert.Eventually(t, func() bool {
		got, err := m.Get(tk.ID)
		require.NoError(t, err)
		return got.State == types.TaskStateCancelled
	}, time.Second, 10*time.Millisecond)
}

func TestListOrdersNewestFirst(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, m.store.CreateTask(&types.Task{Kind: types.TaskKindUpdateRelease, State: types.TaskStateDone, Timestamp: time.Now().UTC()}))
	}
	tasks, err := m.List(10, "")
	require.NoError(t, err)
	for i := 1; i < len(tasks); i++ {
		assert.GreaterOrEqual(t, tasks[i-1].Timestamp.Unix(), tasks[i].Timestamp.Unix())
	}
}
