// Package resourcepool grows and shrinks a deployment's idle VM pools to
// match the bound plan's target capacity, and lends idle VMs to the
// package compiler for transient compilation work.
package resourcepool

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/deploydirector/pkg/agentrpc"
	"github.com/cuemby/deploydirector/pkg/apierror"
	"github.com/cuemby/deploydirector/pkg/cloud"
	"github.com/cuemby/deploydirector/pkg/deployplan"
	"github.com/cuemby/deploydirector/pkg/log"
	"github.com/cuemby/deploydirector/pkg/storage"
	"github.com/cuemby/deploydirector/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Updater grows/shrinks resource pools to match a bound plan's deltas and
// reserves/returns compilation VMs for pkg/packagecompiler.
type Updater struct {
	store    storage.Store
	provider cloud.Provider
	rpc      *agentrpc.Client
	logger   zerolog.Logger

	compileMu   sync.Mutex
	compilePool string // name of the resource pool compilation VMs are drawn from
	deployment  string
}

// New constructs an Updater for one deployment's resource pools.
func New(store storage.Store, provider cloud.Provider, rpc *agentrpc.Client, deployment string) *Updater {
	return &Updater{
		store:      store,
		provider:   provider,
		rpc:        rpc,
		logger:     log.WithDeployment(deployment).With().Str("component", "resourcepool").Logger(),
		deployment: deployment,
	}
}

// Apply walks deltas (resource pool name -> target size - (bound + idle))
// and creates or deletes VMs in each named pool so idle+allocated reaches
// the target size again.
func (u *Updater) Apply(ctx context.Context, plan *deployplan.Plan, deltas map[string]int) error {
	for name, delta := range deltas {
		rp, ok := plan.ResourcePools[name]
		if !ok {
			continue
		}
		switch {
		case delta > 0:
			if err := u.grow(ctx, rp, delta); err != nil {
				return fmt.Errorf("grow resource pool %s: %w", name, err)
			}
		case delta < 0:
			if err := u.shrink(ctx, name, -delta); err != nil {
				return fmt.Errorf("shrink resource pool %s: %w", name, err)
			}
		}
	}
	return nil
}

// grow creates n VMs in rp: generate an agent id, create_vm, wait for the
// agent to answer ping, apply({}) to establish a minimal baseline, then
// place the VM in the idle set.
func (u *Updater) grow(ctx context.Context, rp *deployplan.ResourcePool, n int) error {
	stemcell, err := u.store.GetStemcell(rp.StemcellName, rp.StemcellVersion)
	if err != nil {
		return apierror.Wrap(apierror.KindNotFound, err, "stemcell %s/%s not found: %v", rp.StemcellName, rp.StemcellVersion, err)
	}

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return apierror.Wrap(apierror.KindCancelled, err, "cancelled growing resource pool %s", rp.Name)
		}
		agentID := uuid.NewString()
		cid, err := u.provider.CreateVM(ctx, agentID, stemcell.CID, cloud.ResourcePoolSpec{
			Name:            rp.Name,
			CloudProperties: rp.CloudProperties,
			Env:             rp.Env,
		}, nil, rp.Env)
		if err != nil {
			return apierror.Wrap(apierror.KindCloudError, err, "create_vm failed: %v", err)
		}

		if _, err := u.rpc.Send(ctx, agentID, "ping", nil, 0); err != nil {
			return apierror.Wrap(apierror.KindAgentUnreachable, err, "agent %s did not answer ping after create: %v", agentID, err)
		}
		if _, err := u.rpc.Send(ctx, agentID, "apply", []interface{}{map[string]interface{}{}}, 0); err != nil {
			return fmt.Errorf("baseline apply on %s: %w", agentID, err)
		}

		vm := &types.VM{CID: cid, AgentID: agentID, Deployment: u.deployment, ResourcePool: rp.Name}
		if err := u.store.CreateVM(vm); err != nil {
			return fmt.Errorf("persist vm %s: %w", cid, err)
		}
		u.logger.Info().Str("vm_cid", cid).Str("pool", rp.Name).Msg("resource pool grown")
	}
	return nil
}

// shrink deletes up to n idle VMs from the named pool, removing each from
// the provider and the store. It does not release any network reservation.
func (u *Updater) shrink(ctx context.Context, poolName string, n int) error {
	idle, err := u.store.ListIdleVMs(u.deployment, poolName)
	if err != nil {
		return fmt.Errorf("list idle vms: %w", err)
	}
	for i := 0; i < n && i < len(idle); i++ {
		vm := idle[i]
		if err := u.provider.DeleteVM(ctx, vm.CID); err != nil {
			return apierror.Wrap(apierror.KindCloudError, err, "delete_vm %s failed: %v", vm.CID, err)
		}
		if err := u.store.DeleteVM(vm.CID); err != nil {
			return fmt.Errorf("delete vm row %s: %w", vm.CID, err)
		}
		u.logger.Info().Str("vm_cid", vm.CID).Str("pool", poolName).Msg("idle vm deleted")
	}
	return nil
}

// UseCompilePool designates poolName as the source of compilation VMs for
// ReserveCompileVM, the pool the manifest's compilation stanza sizes.
func (u *Updater) UseCompilePool(poolName string) {
	u.compileMu.Lock()
	defer u.compileMu.Unlock()
	u.compilePool = poolName
}

// TakeIdleVM removes one idle VM from poolName and assigns it to
// (job, index), for the instance updater's "new"/"recreate" transitions
// that prefer an already-warm spare over creating a fresh VM. The claim is
// a single atomic store operation, since the job updater's bulk phase
// calls this from concurrent workers. It returns apierror.KindNotFound
// when the pool has no idle VM to give.
func (u *Updater) TakeIdleVM(poolName, job string, index int) (*types.VM, error) {
	vm, err := u.store.ClaimIdleVM(u.deployment, poolName, job, index)
	if err != nil {
		return nil, fmt.Errorf("claim idle vm: %w", err)
	}
	if vm == nil {
		return nil, apierror.New(apierror.KindNotFound, "no idle vm available in pool %s", poolName)
	}
	return vm, nil
}

// ReserveCompileVM implements packagecompiler.CompileVMPool: it takes one
// idle VM from the compilation pool (marking it non-idle for the duration)
// and returns it to the idle set when the caller's release func runs. The
// claim is atomic for the same reason TakeIdleVM's is: the compiler's
// workers reserve concurrently.
func (u *Updater) ReserveCompileVM(ctx context.Context) (string, func(), error) {
	u.compileMu.Lock()
	poolName := u.compilePool
	u.compileMu.Unlock()
	if poolName == "" {
		return "", nil, fmt.Errorf("no compilation resource pool configured")
	}

	vm, err := u.store.ClaimIdleVM(u.deployment, poolName, "__compiling__", 0)
	if err != nil {
		return "", nil, fmt.Errorf("claim idle compilation vm: %w", err)
	}
	if vm == nil {
		return "", nil, apierror.New(apierror.KindCompilationFailed, "no idle compilation vm available in pool %s", poolName)
	}

	release := func() {
		vm.InstanceJob = ""
		if err := u.store.UpdateVM(vm); err != nil {
			u.logger.Error().Err(err).Str("vm_cid", vm.CID).Msg("failed to return compilation vm to idle pool")
		}
	}
	return vm.AgentID, release, nil
}
