package instanceupdater

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cuemby/deploydirector/pkg/agentrpc"
	"github.com/cuemby/deploydirector/pkg/cloud"
	"github.com/cuemby/deploydirector/pkg/deployplan"
	"github.com/cuemby/deploydirector/pkg/planner"
	"github.com/cuemby/deploydirector/pkg/storage"
	"github.com/cuemby/deploydirector/pkg/types"
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

// noIdleVMs always reports no spare VM, forcing provisionVM down the
// fresh-create path used by most of these tests.
type noIdleVMs struct{}

func (noIdleVMs) TakeIdleVM(poolName, job string, index int) (*types.VM, error) {
	return nil, assertNotFound{}
}

type assertNotFound struct{}

func (assertNotFound) Error() string { return "no idle vm" }

// agentResponder answers apply/start/get_state/stop/migrate_disk on
// agentID's subject, so the updater's synchronous RPCs never block.
func agentResponder(t *testing.T, bus *agentrpc.Bus, agentID string) func() {
	t.Helper()
	ch, unsubscribe := bus.Subscribe("agent." + agentID)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case raw := <-ch:
				var req struct {
					Method  string `json:"method"`
					ReplyTo string `json:"reply_to"`
				}
				require.NoError(t, json.Unmarshal(raw, &req))
				var val json.RawMessage
				switch req.Method {
				case "get_state":
					val, _ = json.Marshal(map[string]string{"job_state": "running"})
				default:
					val, _ = json.Marshal("ok")
				}
				reply, _ := json.Marshal(map[string]json.RawMessage{"value": val})
				bus.Publish(req.ReplyTo, reply)
			case <-done:
				return
			}
		}
	}()
	return func() { close(done); unsubscribe() }
}

func boundInstance(job string, index int, target map[string]interface{}, existing *types.Instance) *planner.BoundInstance {
	blob, _ := json.Marshal(target)
	change := types.ChangeNew
	if existing != nil {
		change = types.ChangeRestart
	}
	return &planner.BoundInstance{
		Spec:     &deployplan.InstanceSpec{Job: job, Index: index, TargetState: blob},
		Existing: existing,
		Change:   change,
	}
}

func TestApplyNoChangeIsNoop(t *testing.T) {
	store := newTestStore(t)
	bus := agentrpc.NewBus()
	rpc := agentrpc.New(bus)
	provider := cloud.NewDummy()
	u := New(store, provider, rpc, noIdleVMs{})

	bi := &planner.BoundInstance{
		Spec:   &deployplan.InstanceSpec{Job: "web", Index: 0},
		Change: types.ChangeNoChange,
	}
	require.NoError(t, u.Apply(context.Background(), "myapp", &deployplan.Job{Name: "web"}, nil, bi))
}

func TestApplyRestartStopsAppliesAndStarts(t *testing.T) {
	store := newTestStore(t)
	bus := agentrpc.NewBus()
	rpc := agentrpc.New(bus)
	provider := cloud.NewDummy()
	u := New(store, provider, rpc, noIdleVMs{})

	scCID, err := provider.CreateStemcell(context.Background(), "/tmp/img", nil)
	require.NoError(t, err)
	require.NoError(t, store.CreateStemcell(&types.Stemcell{Name: "trusty", Version: "1", CID: scCID}))

	vmCID, err := provider.CreateVM(context.Background(), "agent-1", scCID, cloud.ResourcePoolSpec{}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, store.CreateVM(&types.VM{CID: vmCID, AgentID: "agent-1", Deployment: "myapp", ResourcePool: "web-pool", InstanceJob: "web", InstanceIdx: 0}))

	existing := &types.Instance{Deployment: "myapp", Job: "web", Index: 0, VMCID: vmCID, CurrentState: []byte(`{"v":1}`)}
	require.NoError(t, store.CreateInstance(existing))

	stop := agentResponder(t, bus, "agent-1")
	defer stop()

	job := &deployplan.Job{Name: "web", ResourcePool: "web-pool", Update: deployplan.UpdatePolicy{UpdateWatchTime: 5}}
	rp := &deployplan.ResourcePool{Name: "web-pool", StemcellName: "trusty", StemcellVersion: "1"}
	bi := boundInstance("web", 0, map[string]interface{}{"v": 2}, existing)
	bi.Change = types.ChangeRestart

	require.NoError(t, u.Apply(context.Background(), "myapp", job, rp, bi))

	updated, err := store.GetInstance("myapp", "web", 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(updated.CurrentState))
}

func TestApplyNewProvisionsVMAndPersistsInstance(t *testing.T) {
	store := newTestStore(t)
	bus := agentrpc.NewBus()
	rpc := agentrpc.New(bus)
	provider := cloud.NewDummy()

	scCID, err := provider.CreateStemcell(context.Background(), "/tmp/img", nil)
	require.NoError(t, err)
	require.NoError(t, store.CreateStemcell(&types.Stemcell{Name: "trusty", Version: "1", CID: scCID}))

	// The updater mints the agent id internally right before CreateVM, so
	// the responder has to attach as CreateVM runs rather than beforehand.
	serving := &servingProvider{Dummy: provider, bus: bus}
	u := New(store, serving, rpc, noIdleVMs{})

	job := &deployplan.Job{Name: "web", ResourcePool: "web-pool", Update: deployplan.UpdatePolicy{UpdateWatchTime: 5}}
	rp := &deployplan.ResourcePool{Name: "web-pool", StemcellName: "trusty", StemcellVersion: "1"}
	bi := boundInstance("web", 0, map[string]interface{}{"v": 1}, nil)

	require.NoError(t, u.Apply(context.Background(), "myapp", job, rp, bi))

	inst, err := store.GetInstance("myapp", "web", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, inst.VMCID)
}

func TestApplyRecreateResizesDiskInPlace(t *testing.T) {
	store := newTestStore(t)
	bus := agentrpc.NewBus()
	rpc := agentrpc.New(bus)
	provider := cloud.NewDummy()
	u := New(store, provider, rpc, noIdleVMs{})

	scCID, err := provider.CreateStemcell(context.Background(), "/tmp/img", nil)
	require.NoError(t, err)
	require.NoError(t, store.CreateStemcell(&types.Stemcell{Name: "trusty", Version: "1", CID: scCID}))

	vmCID, err := provider.CreateVM(context.Background(), "agent-1", scCID, cloud.ResourcePoolSpec{}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, store.CreateVM(&types.VM{CID: vmCID, AgentID: "agent-1", Deployment: "myapp", ResourcePool: "web-pool", InstanceJob: "web", InstanceIdx: 0}))

	oldDiskCID, err := provider.CreateDisk(context.Background(), 1024, vmCID)
	require.NoError(t, err)
	require.NoError(t, store.CreateDisk(&types.Disk{CID: oldDiskCID, SizeMB: 1024, Deployment: "myapp", Job: "web", Index: 0}))

	current, _ := json.Marshal(map[string]interface{}{
		"stemcell_name": "trusty", "stemcell_version": "1", "persistent_mb": 1024,
	})
	existing := &types.Instance{Deployment: "myapp", Job: "web", Index: 0, VMCID: vmCID, DiskCID: oldDiskCID, CurrentState: current}
	require.NoError(t, store.CreateInstance(existing))

	stop := agentResponder(t, bus, "agent-1")
	defer stop()

	job := &deployplan.Job{Name: "web", ResourcePool: "web-pool", PersistentMB: 2048, Update: deployplan.UpdatePolicy{UpdateWatchTime: 5}}
	rp := &deployplan.ResourcePool{Name: "web-pool", StemcellName: "trusty", StemcellVersion: "1"}
	bi := boundInstance("web", 0, map[string]interface{}{
		"stemcell_name": "trusty", "stemcell_version": "1", "persistent_mb": 2048,
	}, existing)
	bi.Change = types.ChangeRecreate

	require.NoError(t, u.Apply(context.Background(), "myapp", job, rp, bi))

	updated, err := store.GetInstance("myapp", "web", 0)
	require.NoError(t, err)
	assert.Equal(t, vmCID, updated.VMCID, "resize must keep the instance's VM")
	assert.NotEqual(t, oldDiskCID, updated.DiskCID, "resize must produce a new disk")

	_, err = store.GetDisk(oldDiskCID)
	assert.Error(t, err, "old disk row must be gone after migration")
	newDisk, err := store.GetDisk(updated.DiskCID)
	require.NoError(t, err)
	assert.Equal(t, 2048, newDisk.SizeMB)
}

// servingProvider mirrors resourcepool's agentServingProvider: it starts a
// responder on each minted agent id as soon as CreateVM mints it.
type servingProvider struct {
	*cloud.Dummy
	bus   *agentrpc.Bus
	stops []func()
}

func (p *servingProvider) CreateVM(ctx context.Context, agentID, stemcellCID string, pool cloud.ResourcePoolSpec, networks []cloud.NetworksSpec, env map[string]interface{}) (string, error) {
	cid, err := p.Dummy.CreateVM(ctx, agentID, stemcellCID, pool, networks, env)
	if err != nil {
		return "", err
	}
	p.stops = append(p.stops, agentResponderForTest(p.bus, agentID))
	return cid, nil
}

func agentResponderForTest(bus *agentrpc.Bus, agentID string) func() {
	ch, unsubscribe := bus.Subscribe("agent." + agentID)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case raw := <-ch:
				var req struct {
					Method  string `json:"method"`
					ReplyTo string `json:"reply_to"`
				}
				_ = json.Unmarshal(raw, &req)
				var val json.RawMessage
				switch req.Method {
				case "get_state":
					val, _ = json.Marshal(map[string]string{"job_state": "running"})
				default:
					val, _ = json.Marshal("ok")
				}
				reply, _ := json.Marshal(map[string]json.RawMessage{"value": val})
				bus.Publish(req.ReplyTo, reply)
			case <-done:
				return
			}
		}
	}()
	return func() { close(done); unsubscribe() }
}
