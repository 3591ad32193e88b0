// Package packagecompiler implements the DAG-ordered package compiler:
// given the set of (package, stemcell) pairs a bound plan needs, it reuses
// cached CompiledPackage rows and schedules the rest across a bounded pool
// of compilation VMs, honoring each package's transitive compile
// dependencies.
package packagecompiler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/deploydirector/pkg/agentrpc"
	"github.com/cuemby/deploydirector/pkg/apierror"
	"github.com/cuemby/deploydirector/pkg/lock"
	"github.com/cuemby/deploydirector/pkg/log"
	"github.com/cuemby/deploydirector/pkg/metrics"
	"github.com/cuemby/deploydirector/pkg/storage"
	"github.com/cuemby/deploydirector/pkg/types"
	"github.com/rs/zerolog"
)

// CompileVMPool is the slice of the resource-pool updater the compiler
// needs: a compilation VM to run compile_package on, returned to the idle
// set when the caller is done with it. Kept narrow to avoid a dependency
// cycle between packagecompiler and resourcepool.
type CompileVMPool interface {
	ReserveCompileVM(ctx context.Context) (agentID string, release func(), err error)
}

// Compiler drives package compilation for a bound plan's requirements.
type Compiler struct {
	store  storage.Store
	locker *lock.Locker
	rpc    *agentrpc.Client
	pool   CompileVMPool
	logger zerolog.Logger
}

// New constructs a Compiler.
func New(store storage.Store, locker *lock.Locker, rpc *agentrpc.Client, pool CompileVMPool) *Compiler {
	return &Compiler{store: store, locker: locker, rpc: rpc, pool: pool, logger: log.WithComponent("packagecompiler")}
}

// Request names one (package, stemcell) pair a bound plan needs compiled.
type Request struct {
	PackageName string
	Stemcell    types.Stemcell
}

// Compile resolves every request's cache status and compiles whatever is
// missing, honoring the transitive compile-dependency DAG within each
// stemcell. catalog must contain every package reachable by following
// Dependencies from any requested package. It returns once every request
// either found or produced a CompiledPackage, or the first compile failure
// stopped scheduling (already-running compiles still ran to completion).
func (c *Compiler) Compile(ctx context.Context, workers int, catalog map[string]*types.Package, requests []Request) error {
	if workers < 1 {
		workers = 1
	}
	sched := newScheduler(c, workers, catalog)
	for _, req := range requests {
		sched.addRoot(req)
	}
	return sched.run(ctx)
}

// node is one (package, stemcell) compile unit in the scheduler's DAG.
type node struct {
	pkgName  string
	stemcell types.Stemcell
	deps     []string // sibling node keys this node waits on
	key      string
}

func nodeKey(pkgName string, sc types.Stemcell) string {
	return fmt.Sprintf("%s@%s/%s", pkgName, sc.Name, sc.Version)
}

type scheduler struct {
	c       *Compiler
	workers int
	catalog map[string]*types.Package

	mu        sync.Mutex
	nodes     map[string]*node
	remaining map[string]int // key -> count of unsatisfied deps
	done      map[string]bool
	ready     []string
	failed    error
	wg        sync.WaitGroup
	sem       chan struct{}
	readyCond *sync.Cond
}

func newScheduler(c *Compiler, workers int, catalog map[string]*types.Package) *scheduler {
	s := &scheduler{
		c:         c,
		workers:   workers,
		catalog:   catalog,
		nodes:     make(map[string]*node),
		remaining: make(map[string]int),
		done:      make(map[string]bool),
		sem:       make(chan struct{}, workers),
	}
	s.readyCond = sync.NewCond(&s.mu)
	return s
}

// addRoot registers req and, recursively, every transitive compile
// dependency it needs on the same stemcell, wiring DAG edges between them.
func (s *scheduler) addRoot(req Request) {
	s.addNode(req.PackageName, req.Stemcell)
}

func (s *scheduler) addNode(pkgName string, sc types.Stemcell) *node {
	key := nodeKey(pkgName, sc)
	s.mu.Lock()
	if n, ok := s.nodes[key]; ok {
		s.mu.Unlock()
		return n
	}
	n := &node{pkgName: pkgName, stemcell: sc, key: key}
	s.nodes[key] = n
	s.mu.Unlock()

	for _, dep := range directDeps(s.catalog, pkgName) {
		depNode := s.addNode(dep, sc)
		n.deps = append(n.deps, depNode.key)
	}

	s.mu.Lock()
	s.remaining[key] = len(n.deps)
	if len(n.deps) == 0 {
		s.ready = append(s.ready, key)
	}
	s.mu.Unlock()
	return n
}

// dependents recomputes which nodes list key as a dependency; done lazily
// since the DAG is small relative to a release's package count.
func (s *scheduler) dependents(key string) []string {
	var out []string
	for k, n := range s.nodes {
		for _, d := range n.deps {
			if d == key {
				out = append(out, k)
				break
			}
		}
	}
	return out
}

func (s *scheduler) run(ctx context.Context) error {
	s.mu.Lock()
	total := len(s.nodes)
	s.mu.Unlock()
	if total == 0 {
		return nil
	}

	for {
		s.mu.Lock()
		for len(s.ready) == 0 && len(s.done) < total && s.failed == nil {
			s.readyCond.Wait()
		}
		// A failure stops all further scheduling; units already dispatched
		// run to completion and are drained by the wg.Wait below.
		if len(s.done) >= total || s.failed != nil {
			s.mu.Unlock()
			break
		}
		key := s.ready[0]
		s.ready = s.ready[1:]
		n := s.nodes[key]
		s.mu.Unlock()

		s.wg.Add(1)
		s.sem <- struct{}{}
		go s.runNode(ctx, n)
	}
	s.wg.Wait()
	return s.failed
}

func (s *scheduler) runNode(ctx context.Context, n *node) {
	defer func() { <-s.sem; s.wg.Done() }()

	if ctx.Err() != nil {
		s.recordFailure(apierror.New(apierror.KindCancelled, "compile cancelled"))
		s.markDone(n)
		return
	}

	err := s.c.compileOne(ctx, s.catalog, n.pkgName, n.stemcell)
	if err != nil {
		s.recordFailure(err)
	}
	s.markDone(n)
}

func (s *scheduler) markDone(n *node) {
	s.mu.Lock()
	s.done[n.key] = true
	if s.failed == nil {
		for _, dkey := range s.dependents(n.key) {
			s.remaining[dkey]--
			if s.remaining[dkey] == 0 {
				s.ready = append(s.ready, dkey)
			}
		}
	}
	s.readyCond.Broadcast()
	s.mu.Unlock()
}

func (s *scheduler) recordFailure(err error) {
	s.mu.Lock()
	if s.failed == nil {
		s.failed = err
	}
	s.readyCond.Broadcast()
	s.mu.Unlock()
}

// compileOne handles a single (package, stemcell) pair: dedup via the
// per-(package,stemcell) compile lock, re-check the cache under the lock,
// then actually compile if still missing.
func (c *Compiler) compileOne(ctx context.Context, catalog map[string]*types.Package, pkgName string, sc types.Stemcell) error {
	depKey, err := DependencyKey(catalog, pkgName)
	if err != nil {
		return fmt.Errorf("compute dependency key for %s: %w", pkgName, err)
	}

	if cp, err := c.store.GetCompiledPackage(pkgName, catalog[pkgName].Version, sc.Name, sc.Version, depKey); err == nil && cp != nil {
		metrics.CompileCacheHits.Inc()
		c.logger.Debug().Str("package", pkgName).Msg("compiled package already cached")
		return nil
	}

	lockName := lock.CompileName(pkgName, sc.Name+"/"+sc.Version)
	lease, err := c.locker.Acquire(ctx, lockName, lock.DefaultTTL, lock.DefaultAcquireTimeout)
	if err != nil {
		return fmt.Errorf("acquire compile lock for %s: %w", pkgName, err)
	}
	defer lease.Release()

	if cp, err := c.store.GetCompiledPackage(pkgName, catalog[pkgName].Version, sc.Name, sc.Version, depKey); err == nil && cp != nil {
		metrics.CompileCacheHits.Inc()
		return nil
	}
	metrics.CompileCacheMisses.Inc()
	compileStart := time.Now()
	defer func() { metrics.CompileDuration.Observe(time.Since(compileStart).Seconds()) }()

	pkg := catalog[pkgName]
	agentID, release, err := c.pool.ReserveCompileVM(ctx)
	if err != nil {
		return apierror.Wrap(apierror.KindCompilationFailed, err, "reserve compilation vm for %s: %v", pkgName, err)
	}
	defer release()

	depBlobs, err := c.compiledDepBlobs(catalog, pkgName, sc)
	if err != nil {
		return fmt.Errorf("gather compiled deps for %s: %w", pkgName, err)
	}

	c.logger.Info().Str("package", pkgName).Str("stemcell", sc.Name).Str("agent_id", agentID).Msg("compiling package")
	raw, err := c.rpc.Send(ctx, agentID, "compile_package", []interface{}{
		pkg.BlobID, pkg.Fingerprint, pkg.Name, pkg.Version, depBlobs,
	}, 0)
	if err != nil {
		return apierror.Wrap(apierror.KindCompilationFailed, err, "compile %s failed: %v", pkgName, err)
	}

	var result struct {
		BlobID string `json:"blob_id"`
		SHA1   string `json:"sha1"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return apierror.Wrap(apierror.KindCompilationFailed, err, "parse compile_package reply for %s: %v", pkgName, err)
	}

	cp := &types.CompiledPackage{
		PackageName:     pkg.Name,
		PackageVersion:  pkg.Version,
		StemcellName:    sc.Name,
		StemcellVersion: sc.Version,
		DependencyKey:   depKey,
		BlobID:          result.BlobID,
		SHA1:            result.SHA1,
	}
	if err := c.store.CreateCompiledPackage(cp); err != nil {
		return fmt.Errorf("persist compiled package %s: %w", pkgName, err)
	}
	return nil
}

func (c *Compiler) compiledDepBlobs(catalog map[string]*types.Package, pkgName string, sc types.Stemcell) ([]map[string]string, error) {
	var blobs []map[string]string
	for _, dep := range directDeps(catalog, pkgName) {
		depKey, err := DependencyKey(catalog, dep)
		if err != nil {
			return nil, err
		}
		cp, err := c.store.GetCompiledPackage(dep, catalog[dep].Version, sc.Name, sc.Version, depKey)
		if err != nil {
			return nil, fmt.Errorf("dependency %s not yet compiled for stemcell %s: %w", dep, sc.Name, err)
		}
		blobs = append(blobs, map[string]string{"name": dep, "blob_id": cp.BlobID, "sha1": cp.SHA1})
	}
	return blobs, nil
}

