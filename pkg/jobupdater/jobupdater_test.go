package jobupdater

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/cuemby/deploydirector/pkg/deployplan"
	"github.com/cuemby/deploydirector/pkg/planner"
	"github.com/cuemby/deploydirector/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingUpdater records the order (for serial phases) and set (for
// concurrent phases) of instances it was asked to apply. failAt, if set,
// fails that instance's index and every call after it records a touch.
type recordingUpdater struct {
	mu      sync.Mutex
	touched []int
	failAt  map[int]bool
}

func (r *recordingUpdater) Apply(ctx context.Context, deployment string, job *deployplan.Job, rp *deployplan.ResourcePool, bi *planner.BoundInstance) error {
	r.mu.Lock()
	r.touched = append(r.touched, bi.Spec.Index)
	fail := r.failAt[bi.Spec.Index]
	r.mu.Unlock()
	if fail {
		return fmt.Errorf("simulated failure on index %d", bi.Spec.Index)
	}
	return nil
}

func bis(n int) []*planner.BoundInstance {
	out := make([]*planner.BoundInstance, n)
	for i := 0; i < n; i++ {
		out[i] = &planner.BoundInstance{
			Spec:   &deployplan.InstanceSpec{Job: "web", Index: i},
			Change: types.ChangeRestart,
		}
	}
	return out
}

func TestUpdateRunsCanariesThenBulk(t *testing.T) {
	rec := &recordingUpdater{}
	u := New(rec)
	job := &deployplan.Job{Name: "web", Update: deployplan.UpdatePolicy{Canaries: 2, MaxInFlight: 3}}

	require.NoError(t, u.Update(context.Background(), "myapp", job, nil, bis(7)))

	assert.Equal(t, []int{0, 1}, rec.touched[:2], "canaries must run first and serially")
	assert.ElementsMatch(t, []int{2, 3, 4, 5, 6}, rec.touched[2:])
}

func TestUpdateCanaryFailureLeavesRestUntouched(t *testing.T) {
	rec := &recordingUpdater{failAt: map[int]bool{1: true}}
	u := New(rec)
	job := &deployplan.Job{Name: "web", Update: deployplan.UpdatePolicy{Canaries: 2, MaxInFlight: 3}}

	err := u.Update(context.Background(), "myapp", job, nil, bis(7))
	require.Error(t, err)
	assert.Equal(t, []int{0, 1}, rec.touched, "no instance past the failed canary should be touched")
}

func TestUpdateNoCanariesStillBoundsConcurrency(t *testing.T) {
	rec := &recordingUpdater{}
	u := New(rec)
	job := &deployplan.Job{Name: "web", Update: deployplan.UpdatePolicy{Canaries: 0, MaxInFlight: 2}}

	require.NoError(t, u.Update(context.Background(), "myapp", job, nil, bis(5)))
	assert.Len(t, rec.touched, 5)
}

func TestUpdateEmptyInstanceListIsNoop(t *testing.T) {
	rec := &recordingUpdater{}
	u := New(rec)
	job := &deployplan.Job{Name: "web", Update: deployplan.UpdatePolicy{Canaries: 1, MaxInFlight: 1}}

	require.NoError(t, u.Update(context.Background(), "myapp", job, nil, nil))
	assert.Empty(t, rec.touched)
}
