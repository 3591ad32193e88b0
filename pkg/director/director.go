// Package director is the composition root for the deployment director's
// top-level jobs: it wires the task manager, lock, deployment plan
// compiler, package compiler, resource pool updater, instance updater,
// job updater, cloud provider, and agent RPC client into the six mutating
// operations the HTTP layer creates tasks for, each running under the
// appropriate exclusive lock.
package director

import (
	"context"
	"fmt"
	"sort"

	"github.com/cuemby/deploydirector/pkg/agentrpc"
	"github.com/cuemby/deploydirector/pkg/apierror"
	"github.com/cuemby/deploydirector/pkg/cloud"
	"github.com/cuemby/deploydirector/pkg/deployplan"
	"github.com/cuemby/deploydirector/pkg/instanceupdater"
	"github.com/cuemby/deploydirector/pkg/jobupdater"
	"github.com/cuemby/deploydirector/pkg/lock"
	"github.com/cuemby/deploydirector/pkg/log"
	"github.com/cuemby/deploydirector/pkg/packagecompiler"
	"github.com/cuemby/deploydirector/pkg/planner"
	"github.com/cuemby/deploydirector/pkg/resourcepool"
	"github.com/cuemby/deploydirector/pkg/storage"
	"github.com/cuemby/deploydirector/pkg/task"
	"github.com/cuemby/deploydirector/pkg/types"
	"github.com/rs/zerolog"
)

// compilationPoolName is the synthetic resource pool every deployment gets
// for its compilation VMs. The manifest's compilation stanza carries a
// worker count and cloud properties but no pool name or stemcell of its
// own, so UpdateDeployment synthesizes this pool from the stemcell of one of
// the plan's regular resource pools (whichever the map iteration yields
// first; which one is not defined), sized to Compilation.Workers.
const compilationPoolName = "_compilation"

// Config configures a Director. It is built once at process startup (by
// cmd/director) and passed down explicitly; no package-level state holds
// the store, bus, or provider.
type Config struct {
	Store          storage.Store
	Bus            *agentrpc.Bus
	Provider       cloud.Provider
	TaskOutputDir  string
	TaskWorkers    int
	CompileWorkers int
}

// Director composes the director's components and exposes the six
// mutating operations the HTTP layer turns into Tasks.
type Director struct {
	store  storage.Store
	rpc    *agentrpc.Client
	cloud  cloud.Provider
	locker *lock.Locker
	tasks  *task.Manager
	logger zerolog.Logger

	compileWorkers int
}

// New constructs a Director and starts its task manager workers against
// ctx. The returned Director is ready to accept operations immediately.
func New(ctx context.Context, cfg Config) *Director {
	tasks := task.New(cfg.Store, task.Config{OutputDir: cfg.TaskOutputDir, Workers: cfg.TaskWorkers})
	tasks.Start(ctx, cfg.TaskWorkers)

	d := &Director{
		store:          cfg.Store,
		rpc:            agentrpc.New(cfg.Bus),
		cloud:          cfg.Provider,
		locker:         lock.New(cfg.Store),
		tasks:          tasks,
		logger:         log.WithComponent("director"),
		compileWorkers: cfg.CompileWorkers,
	}
	if d.compileWorkers <= 0 {
		d.compileWorkers = 4
	}
	return d
}

// Tasks exposes the task manager for the HTTP layer's read endpoints
// (GET /tasks, GET /tasks/:id, GET /tasks/:id/output) and cancellation.
func (d *Director) Tasks() *task.Manager { return d.tasks }

// Store exposes the store for the HTTP layer's read-only list endpoints
// (GET /releases, GET /deployments, GET /stemcells).
func (d *Director) Store() storage.Store { return d.store }

// reconcilerFor constructs the per-call collaborators a deployment update
// needs; kept as a helper since every deployment job reuses the same
// wiring against a freshly-bound plan.
func (d *Director) reconcilerFor(deployment string) (*planner.Reconciler, *resourcepool.Updater, *packagecompiler.Compiler, *instanceupdater.Updater, *jobupdater.Updater) {
	rp := resourcepool.New(d.store, d.cloud, d.rpc, deployment)
	compiler := packagecompiler.New(d.store, d.locker, d.rpc, rp)
	iu := instanceupdater.New(d.store, d.cloud, d.rpc, rp)
	ju := jobupdater.New(iu)
	reconciler := planner.New(d.store)
	return reconciler, rp, compiler, iu, ju
}

func withLock(ctx context.Context, locker *lock.Locker, name string, fn func(ctx context.Context) error) error {
	lease, err := locker.Acquire(ctx, name, lock.DefaultTTL, lock.DefaultAcquireTimeout)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", name, err)
	}
	defer lease.Release()
	return fn(ctx)
}

// UpdateDeployment parses manifestText eagerly, so a caller gets
// bad_manifest feedback (unparseable YAML, missing name) synchronously, then
// queues a Task that validates the manifest into a plan, binds it against
// the database and drives it to completion under the deployment's lock.
// Validation failures therefore surface as the Task's error, not as a
// synchronous error from this call.
func (d *Director) UpdateDeployment(manifestText string) (*types.Task, error) {
	m, err := deployplan.Parse([]byte(manifestText))
	if err != nil {
		return nil, apierror.Wrap(apierror.KindBadManifest, err, "parse manifest: %v", err)
	}
	if m.Name == "" {
		return nil, apierror.New(apierror.KindBadManifest, "manifest name is required")
	}

	body := func(ctx context.Context, sink *task.Sink) (string, error) {
		var result string
		err := withLock(ctx, d.locker, lock.DeploymentName(m.Name), func(ctx context.Context) error {
			plan, err := deployplan.Compile(m, d.store)
			if err != nil {
				return err
			}
			d.synthesizeCompilationPool(plan)

			reconciler, rp, compiler, _, ju := d.reconcilerFor(plan.Name)
			bound, err := reconciler.Bind(plan)
			if err != nil {
				return fmt.Errorf("bind plan: %w", err)
			}

			sink.Eventf("applying resource pool deltas for %s", plan.Name)
			if err := rp.Apply(ctx, plan, bound.PoolDeltas); err != nil {
				return fmt.Errorf("apply resource pools: %w", err)
			}
			rp.UseCompilePool(compilationPoolName)

			catalog, requests, err := d.compileRequests(plan)
			if err != nil {
				return err
			}
			if len(requests) > 0 {
				workers := plan.Compilation.Workers
				if workers <= 0 {
					workers = d.compileWorkers
				}
				sink.Eventf("compiling %d package(s)", len(requests))
				if err := compiler.Compile(ctx, workers, catalog, requests); err != nil {
					return fmt.Errorf("compile packages: %w", err)
				}
			}

			for _, job := range plan.Jobs {
				sink.Eventf("rolling out job %s", job.Name)
				if err := ju.Update(ctx, plan.Name, job, plan.ResourcePools[job.ResourcePool], bound.JobInstances[job.Name]); err != nil {
					return fmt.Errorf("update job %s: %w", job.Name, err)
				}
			}

			for _, inst := range bound.Obsolete {
				sink.Eventf("removing obsolete instance %s/%d", inst.Job, inst.Index)
				if err := d.teardownInstance(ctx, inst); err != nil {
					return fmt.Errorf("teardown obsolete instance %s/%d: %w", inst.Job, inst.Index, err)
				}
			}

			bound.Deployment.ManifestText = manifestText
			bound.Deployment.ReleaseName = plan.ReleaseName
			bound.Deployment.ReleaseVer = plan.ReleaseVersion
			bound.Deployment.Stemcells = planStemcells(plan)
			if err := d.store.UpdateDeployment(bound.Deployment); err != nil {
				return fmt.Errorf("persist deployment %s: %w", plan.Name, err)
			}
			result = fmt.Sprintf("deployment %s updated", plan.Name)
			return nil
		})
		return result, err
	}

	return d.tasks.Create(types.TaskKindUpdateDeployment, fmt.Sprintf("update deployment %s", m.Name), body)
}

// synthesizeCompilationPool inserts the compilationPoolName resource pool
// into plan, sized to the manifest's compilation worker count and reusing
// the stemcell of one of the plan's regular resource pools, so
// reconciler.Bind includes it in PoolDeltas and resourcepool.Updater grows
// it the same way as any named pool.
func (d *Director) synthesizeCompilationPool(plan *deployplan.Plan) {
	workers := plan.Compilation.Workers
	if workers < 1 {
		workers = 1
	}
	var stemcellName, stemcellVersion string
	for _, rp := range plan.ResourcePools {
		stemcellName, stemcellVersion = rp.StemcellName, rp.StemcellVersion
		break
	}
	plan.ResourcePools[compilationPoolName] = &deployplan.ResourcePool{
		Name:            compilationPoolName,
		StemcellName:    stemcellName,
		StemcellVersion: stemcellVersion,
		CloudProperties: plan.Compilation.CloudProperties,
		Network:         plan.Compilation.Network,
		Size:            workers,
	}
}

// planStemcells collects the distinct stemcells referenced by any of the
// plan's resource pools, recorded on the deployment row so stemcell
// deletion can check in-use against every pool, not just the first job's.
func planStemcells(plan *deployplan.Plan) []types.StemcellRef {
	seen := make(map[types.StemcellRef]bool)
	var refs []types.StemcellRef
	for _, rp := range plan.ResourcePools {
		ref := types.StemcellRef{Name: rp.StemcellName, Version: rp.StemcellVersion}
		if ref.Name == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Name != refs[j].Name {
			return refs[i].Name < refs[j].Name
		}
		return refs[i].Version < refs[j].Version
	})
	return refs
}

// compileRequests gathers the release's package catalog and the set of
// (package, stemcell) pairs every job's template requires, deduplicated
// across jobs that share a resource pool's stemcell.
func (d *Director) compileRequests(plan *deployplan.Plan) (map[string]*types.Package, []packagecompiler.Request, error) {
	pkgs, err := d.store.ListPackages(plan.ReleaseName, plan.ReleaseVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("list packages for %s/%s: %w", plan.ReleaseName, plan.ReleaseVersion, err)
	}
	catalog := make(map[string]*types.Package, len(pkgs))
	for _, p := range pkgs {
		catalog[p.Name] = p
	}

	seen := make(map[string]bool)
	var requests []packagecompiler.Request
	for _, job := range plan.Jobs {
		if job.Template == "" {
			continue
		}
		rp, ok := plan.ResourcePools[job.ResourcePool]
		if !ok {
			continue
		}
		tmpl, err := d.store.GetTemplate(job.Template, plan.ReleaseVersion)
		if err != nil {
			return nil, nil, fmt.Errorf("load template %s: %w", job.Template, err)
		}
		sc, err := d.store.GetStemcell(rp.StemcellName, rp.StemcellVersion)
		if err != nil {
			return nil, nil, apierror.Wrap(apierror.KindNotFound, err, "stemcell %s/%s not found: %v", rp.StemcellName, rp.StemcellVersion, err)
		}
		for _, pkgName := range tmpl.RequiredPackages {
			key := pkgName + "@" + sc.Name + "/" + sc.Version
			if seen[key] {
				continue
			}
			seen[key] = true
			requests = append(requests, packagecompiler.Request{PackageName: pkgName, Stemcell: *sc})
		}
	}
	return catalog, requests, nil
}

// teardownInstance deletes an instance's disk and VM through the cloud
// provider, then its rows, in that order so a mid-failure retry still finds
// the rows it needs to try again.
func (d *Director) teardownInstance(ctx context.Context, inst *types.Instance) error {
	if inst.DiskCID != "" {
		if inst.VMCID != "" {
			if err := d.cloud.DetachDisk(ctx, inst.VMCID, inst.DiskCID); err != nil {
				return apierror.Wrap(apierror.KindCloudError, err, "detach disk %s: %v", inst.DiskCID, err)
			}
		}
		if err := d.cloud.DeleteDisk(ctx, inst.DiskCID); err != nil {
			return apierror.Wrap(apierror.KindCloudError, err, "delete disk %s: %v", inst.DiskCID, err)
		}
		if err := d.store.DeleteDisk(inst.DiskCID); err != nil {
			return fmt.Errorf("delete disk row %s: %w", inst.DiskCID, err)
		}
	}
	if inst.VMCID != "" {
		if err := d.cloud.DeleteVM(ctx, inst.VMCID); err != nil {
			return apierror.Wrap(apierror.KindCloudError, err, "delete vm %s: %v", inst.VMCID, err)
		}
		if err := d.store.DeleteVM(inst.VMCID); err != nil {
			return fmt.Errorf("delete vm row %s: %w", inst.VMCID, err)
		}
	}
	return d.store.DeleteInstance(inst.Deployment, inst.Job, inst.Index)
}

// DeleteDeployment tears down every instance and idle VM of name, then
// deletes the deployment row itself, all under the deployment's lock.
func (d *Director) DeleteDeployment(name string) (*types.Task, error) {
	body := func(ctx context.Context, sink *task.Sink) (string, error) {
		var result string
		err := withLock(ctx, d.locker, lock.DeploymentName(name), func(ctx context.Context) error {
			if _, err := d.store.GetDeployment(name); err != nil {
				return apierror.Wrap(apierror.KindNotFound, err, "deployment %s not found: %v", name, err)
			}

			instances, err := d.store.ListInstancesByDeployment(name)
			if err != nil {
				return fmt.Errorf("list instances for %s: %w", name, err)
			}
			for _, inst := range instances {
				sink.Eventf("deleting instance %s/%d", inst.Job, inst.Index)
				if err := d.teardownInstance(ctx, inst); err != nil {
					return fmt.Errorf("teardown instance %s/%d: %w", inst.Job, inst.Index, err)
				}
			}

			vms, err := d.store.ListVMsByDeployment(name)
			if err != nil {
				return fmt.Errorf("list vms for %s: %w", name, err)
			}
			for _, vm := range vms {
				sink.Eventf("deleting idle vm %s", vm.CID)
				if err := d.cloud.DeleteVM(ctx, vm.CID); err != nil {
					return apierror.Wrap(apierror.KindCloudError, err, "delete vm %s: %v", vm.CID, err)
				}
				if err := d.store.DeleteVM(vm.CID); err != nil {
					return fmt.Errorf("delete vm row %s: %w", vm.CID, err)
				}
			}

			if err := d.store.DeleteDeployment(name); err != nil {
				return fmt.Errorf("delete deployment %s: %w", name, err)
			}
			result = fmt.Sprintf("deployment %s deleted", name)
			return nil
		})
		return result, err
	}
	return d.tasks.Create(types.TaskKindDeleteDeployment, fmt.Sprintf("delete deployment %s", name), body)
}
