package resourcepool

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/cuemby/deploydirector/pkg/agentrpc"
	"github.com/cuemby/deploydirector/pkg/cloud"
	"github.com/cuemby/deploydirector/pkg/deployplan"
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

// agentServingProvider wraps cloud.Dummy and, as each VM is created,
// starts a responder goroutine on that VM's agent subject so the
// updater's immediate ping/apply calls in grow() get an answer, without
// the test needing to predict the agent id minted internally by grow.
type agentServingProvider struct {
	*cloud.Dummy
	bus   *agentrpc.Bus
	stops []func()
}

func (p *agentServingProvider) CreateVM(ctx context.Context, agentID, stemcellCID string, pool cloud.ResourcePoolSpec, networks []cloud.NetworksSpec, env map[string]interface{}) (string, error) {
	cid, err := p.Dummy.CreateVM(ctx, agentID, stemcellCID, pool, networks, env)
	if err != nil {
		return "", err
	}
	ch, unsubscribe := p.bus.Subscribe("agent." + agentID)
	p.stops = append(p.stops, unsubscribe)
	go func() {
		for raw := range ch {
			var req struct {
				ReplyTo string `json:"reply_to"`
			}
			_ = json.Unmarshal(raw, &req)
			val, _ := json.Marshal("ok")
			reply, _ := json.Marshal(map[string]json.RawMessage{"value": val})
			p.bus.Publish(req.ReplyTo, reply)
		}
	}()
	return cid, nil
}

func TestGrowCreatesVMsAndPingsAgent(t *testing.T) {
	store := newTestStore(t)
	bus := agentrpc.NewBus()
	rpc := agentrpc.New(bus)
	provider := &agentServingProvider{Dummy: cloud.NewDummy(), bus: bus}
	defer func() {
		for _, s := range provider.stops {
			s()
		}
	}()

	scCID, err := provider.CreateStemcell(context.Background(), "/tmp/img", nil)
	require.NoError(t, err)
	require.NoError(t, store.CreateStemcell(&types.Stemcell{Name: "trusty", Version: "1", CID: scCID}))

	u := New(store, provider, rpc, "myapp")
	rp := &deployplan.ResourcePool{Name: "web-pool", StemcellName: "trusty", StemcellVersion: "1", Size: 2}
	require.NoError(t, u.grow(context.Background(), rp, 2))

	vms, err := store.ListIdleVMs("myapp", "web-pool")
	require.NoError(t, err)
	assert.Len(t, vms, 2)
}

func TestShrinkDeletesIdleVMs(t *testing.T) {
	store := newTestStore(t)
	bus := agentrpc.NewBus()
	rpc := agentrpc.New(bus)
	provider := cloud.NewDummy()
	u := New(store, provider, rpc, "myapp")

	scCID, err := provider.CreateStemcell(context.Background(), "/tmp/img", nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		vmCID, err := provider.CreateVM(context.Background(), "agent", scCID, cloud.ResourcePoolSpec{}, nil, nil)
		require.NoError(t, err)
		require.NoError(t, store.CreateVM(&types.VM{CID: vmCID, Deployment: "myapp", ResourcePool: "web-pool"}))
	}

	require.NoError(t, u.shrink(context.Background(), "web-pool", 2))

	vms, err := store.ListIdleVMs("myapp", "web-pool")
	require.NoError(t, err)
	assert.Len(t, vms, 1)
}

func TestTakeIdleVMConcurrentClaimsAreExclusive(t *testing.T) {
	store := newTestStore(t)
	bus := agentrpc.NewBus()
	rpc := agentrpc.New(bus)
	provider := cloud.NewDummy()
	u := New(store, provider, rpc, "myapp")

	require.NoError(t, store.CreateVM(&types.VM{CID: "vm-1", AgentID: "agent-1", Deployment: "myapp", ResourcePool: "web-pool"}))

	const claimants = 8
	results := make(chan error, claimants)
	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := u.TakeIdleVM("web-pool", "web", i)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	won := 0
	for err := range results {
		if err == nil {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one claimant may win the single idle vm")
}

func TestReserveCompileVMReturnsToIdle(t *testing.T) {
	store := newTestStore(t)
	bus := agentrpc.NewBus()
	rpc := agentrpc.New(bus)
	provider := cloud.NewDummy()
	u := New(store, provider, rpc, "myapp")
	u.UseCompilePool("compile-pool")

	require.NoError(t, store.CreateVM(&types.VM{CID: "vm-1", AgentID: "agent-1", Deployment: "myapp", ResourcePool: "compile-pool"}))

	agentID, release, err := u.ReserveCompileVM(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "agent-1", agentID)

	idle, err := store.ListIdleVMs("myapp", "compile-pool")
	require.NoError(t, err)
	assert.Empty(t, idle)

	release()
	idle, err = store.ListIdleVMs("myapp", "compile-pool")
	require.NoError(t, err)
	assert.Len(t, idle, 1)
}
