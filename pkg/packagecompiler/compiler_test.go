package packagecompiler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/cuemby/deploydirector/pkg/agentrpc"
	"github.com/cuemby/deploydirector/pkg/lock"
	"github.com/cuemby/deploydirector/pkg/storage"
	"github.com/cuemby/deploydirector/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePool struct {
	mu    sync.Mutex
	count int
}

func (f *fakePool) ReserveCompileVM(ctx context.Context) (string, func(), error) {
	f.mu.Lock()
	f.count++
	f.mu.Unlock()
	return "compile-agent", func() {}, nil
}

func serveCompileAgent(t *testing.T, bus *agentrpc.Bus) (compiled *sync.Map, stop func()) {
	t.Helper()
	compiled = &sync.Map{}
	ch, unsubscribe := bus.Subscribe("agent.compile-agent")
	done := make(chan struct{})
	go func() {
		for {
			select {
			case raw := <-ch:
				var req struct {
					Method    string        `json:"method"`
					Arguments []interface{} `json:"arguments"`
					ReplyTo   string        `json:"reply_to"`
				}
				require.NoError(t, json.Unmarshal(raw, &req))
				name := req.Arguments[2].(string)
				compiled.Store(name, true)
				val, _ := json.Marshal(map[string]string{"blob_id": "blob-" + name, "sha1": "sha1-" + name})
				reply, _ := json.Marshal(map[string]json.RawMessage{"value": val})
				bus.Publish(req.ReplyTo, reply)
			case <-done:
				return
			}
		}
	}()
	return compiled, func() { close(done); unsubscribe() }
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func catalogABCDE() map[string]*types.Package {
	return map[string]*types.Package{
		"a": {Name: "a", Version: "1", Fingerprint: "fa"},
		"b": {Name: "b", Version: "1", Fingerprint: "fb", Dependencies: []string{"a"}},
		"c": {Name: "c", Version: "1", Fingerprint: "fc", Dependencies: []string{"a"}},
		"d": {Name: "d", Version: "1", Fingerprint: "fd", Dependencies: []string{"b", "c"}},
		"e": {Name: "e", Version: "1", Fingerprint: "fe"},
	}
}

func TestCompileDAGOrderAndIdempotence(t *testing.T) {
	store := newTestStore(t)
	bus := agentrpc.NewBus()
	rpc := agentrpc.New(bus)
	locker := lock.New(store)
	pool := &fakePool{}
	compiled, stop := serveCompileAgent(t, bus)
	defer stop()

	comp := New(store, locker, rpc, pool)
	sc := types.Stemcell{Name: "trusty", Version: "1"}
	catalog := catalogABCDE()

	err := comp.Compile(context.Background(), 2, catalog, []Request{
		{PackageName: "d", Stemcell: sc},
		{PackageName: "e", Stemcell: sc},
	})
	require.NoError(t, err)

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		_, ok := compiled.Load(name)
		assert.True(t, ok, "expected %s to be compiled", name)
	}

	// Re-running against the same inputs must perform zero agent work.
	compiled2, stop2 := serveCompileAgent(t, bus)
	defer stop2()
	err = comp.Compile(context.Background(), 2, catalog, []Request{
		{PackageName: "d", Stemcell: sc},
		{PackageName: "e", Stemcell: sc},
	})
	require.NoError(t, err)
	count := 0
	compiled2.Range(func(_, _ interface{}) bool { count++; return false })
	assert.Equal(t, 0, count)
}

func TestDependencyKeyStableAcrossDeclarationOrder(t *testing.T) {
	catalog := catalogABCDE()
	key1, err := DependencyKey(catalog, "d")
	require.NoError(t, err)

	catalog["d"].Dependencies = []string{"c", "b"} // reversed order
	key2, err := DependencyKey(catalog, "d")
	require.NoError(t, err)

	assert.Equal(t, key1, key2)
}
