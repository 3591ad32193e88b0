package director

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/deploydirector/pkg/agentrpc"
	"github.com/cuemby/deploydirector/pkg/cloud"
	"github.com/cuemby/deploydirector/pkg/deployplan"
	"github.com/cuemby/deploydirector/pkg/storage"
	"github.com/cuemby/deploydirector/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirector(t *testing.T) (*Director, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	d := New(context.Background(), Config{
		Store:         store,
		Bus:           agentrpc.NewBus(),
		Provider:      cloud.NewDummy(),
		TaskOutputDir: t.TempDir(),
		TaskWorkers:   2,
	})
	return d, store
}

func TestPlanStemcellsCollectsEveryPool(t *testing.T) {
	plan := &deployplan.Plan{
		ResourcePools: map[string]*deployplan.ResourcePool{
			"web-pool":    {Name: "web-pool", StemcellName: "trusty", StemcellVersion: "1"},
			"worker-pool": {Name: "worker-pool", StemcellName: "xenial", StemcellVersion: "2"},
			"spare-pool":  {Name: "spare-pool", StemcellName: "trusty", StemcellVersion: "1"},
		},
	}
	refs := planStemcells(plan)
	assert.Equal(t, []types.StemcellRef{
		{Name: "trusty", Version: "1"},
		{Name: "xenial", Version: "2"},
	}, refs)
}

func TestDeleteStemcellRefusesWhenAnyPoolUsesIt(t *testing.T) {
	d, store := newTestDirector(t)

	require.NoError(t, store.CreateStemcell(&types.Stemcell{Name: "xenial", Version: "2", CID: "sc-1"}))
	require.NoError(t, store.CreateDeployment(&types.Deployment{
		Name: "myapp",
		Stemcells: []types.StemcellRef{
			{Name: "trusty", Version: "1"},
			{Name: "xenial", Version: "2"}, // used only by the deployment's second pool
		},
	}))

	tk, err := d.DeleteStemcell("xenial", "2")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, gerr := d.Tasks().Get(tk.ID)
		require.NoError(t, gerr)
		return got.State == types.TaskStateError
	}, time.Second, 10*time.Millisecond)

	got, err := d.Tasks().Get(tk.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Result, "in use")

	_, err = store.GetStemcell("xenial", "2")
	assert.NoError(t, err, "stemcell row must survive a refused delete")
}
