package lock

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/deploydirector/pkg/apierror"
	"github.com/cuemby/deploydirector/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAcquireRelease(t *testing.T) {
	l := New(newTestStore(t))

	lease, err := l.Acquire(context.Background(), DeploymentName("foo"), time.Second, time.Second)
	require.NoError(t, err)
	require.NotNil(t, lease)

	require.NoError(t, lease.Release())
}

func TestAcquireBlocksUntilBusyTimeout(t *testing.T) {
	l := New(newTestStore(t))

	first, err := l.Acquire(context.Background(), DeploymentName("bar"), 5*time.Second, time.Second)
	require.NoError(t, err)
	defer first.Release()

	_, err = l.Acquire(context.Background(), DeploymentName("bar"), 5*time.Second, 200*time.Millisecond)
	require.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.KindLockBusy))
}

func TestAcquireSucceedsAfterExpiry(t *testing.T) {
	l := New(newTestStore(t))

	first, err := l.Acquire(context.Background(), DeploymentName("baz"), 100*time.Millisecond, time.Second)
	require.NoError(t, err)
	// Stop renewal so the row is allowed to expire instead of being refreshed.
	first.cancel()
	<-first.done

	second, err := l.Acquire(context.Background(), DeploymentName("baz"), time.Second, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestAcquireCancelledContext(t *testing.T) {
	l := New(newTestStore(t))

	first, err := l.Acquire(context.Background(), DeploymentName("qux"), 5*time.Second, time.Second)
	require.NoError(t, err)
	defer first.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = l.Acquire(ctx, DeploymentName("qux"), 5*time.Second, 5*time.Second)
	require.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.KindCancelled))
}
