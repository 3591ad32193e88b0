// Package instanceupdater implements the per-instance state machine that
// transitions one VM from its current configuration to its target
// configuration: stop -> apply -> start -> watch for restarts, with disk
// detach/attach and VM replacement woven in for recreate and new
// instances.
package instanceupdater

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/deploydirector/pkg/agentrpc"
	"github.com/cuemby/deploydirector/pkg/apierror"
	"github.com/cuemby/deploydirector/pkg/cloud"
	"github.com/cuemby/deploydirector/pkg/deployplan"
	"github.com/cuemby/deploydirector/pkg/log"
	"github.com/cuemby/deploydirector/pkg/metrics"
	"github.com/cuemby/deploydirector/pkg/planner"
	"github.com/cuemby/deploydirector/pkg/storage"
	"github.com/cuemby/deploydirector/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// VMSource lends idle VMs from a resource pool to "new"/"recreate"
// transitions, falling back to a fresh cloud.Provider.CreateVM when none
// is idle. Kept narrow to avoid an import cycle with pkg/resourcepool.
type VMSource interface {
	TakeIdleVM(poolName, job string, index int) (*types.VM, error)
}

// DefaultUpdateWatchTime is used when a job's update policy does not name
// one explicitly.
const DefaultUpdateWatchTime = 1 * time.Second

// Updater drives one instance's transition to its target state.
type Updater struct {
	store    storage.Store
	provider cloud.Provider
	rpc      *agentrpc.Client
	vmSource VMSource
	logger   zerolog.Logger
}

// New constructs an Updater.
func New(store storage.Store, provider cloud.Provider, rpc *agentrpc.Client, vmSource VMSource) *Updater {
	return &Updater{store: store, provider: provider, rpc: rpc, vmSource: vmSource, logger: log.WithComponent("instanceupdater")}
}

// Apply transitions bi to its target configuration according to
// bi.Change, within deployment, using rp for stemcell/network/pool
// context. It is synchronous: callers (the job updater) decide
// concurrency via pkg/workerpool.
func (u *Updater) Apply(ctx context.Context, deployment string, job *deployplan.Job, rp *deployplan.ResourcePool, bi *planner.BoundInstance) error {
	logger := u.logger.With().Str("deployment", deployment).Str("job", bi.Spec.Job).Int("index", bi.Spec.Index).Logger()

	if ctx.Err() != nil {
		return apierror.Wrap(apierror.KindCancelled, ctx.Err(), "cancelled before updating %s/%d", bi.Spec.Job, bi.Spec.Index)
	}

	if bi.Change == types.ChangeNoChange {
		logger.Debug().Msg("no change")
		return nil
	}

	start := time.Now()
	defer func() { metrics.InstanceUpdateDuration.WithLabelValues(string(bi.Change)).Observe(time.Since(start).Seconds()) }()

	switch bi.Change {
	case types.ChangeRestart:
		return u.restart(ctx, deployment, job, bi, logger)
	case types.ChangeRecreate:
		return u.recreate(ctx, deployment, job, rp, bi, logger)
	case types.ChangeNew:
		return u.create(ctx, deployment, job, rp, bi, logger)
	default:
		return fmt.Errorf("unknown change kind %q for %s/%d", bi.Change, bi.Spec.Job, bi.Spec.Index)
	}
}

func (u *Updater) restart(ctx context.Context, deployment string, job *deployplan.Job, bi *planner.BoundInstance, logger zerolog.Logger) error {
	inst := bi.Existing
	vm, err := u.store.GetVM(inst.VMCID)
	if err != nil {
		return apierror.Wrap(apierror.KindNotFound, err, "vm %s for %s/%d not found: %v", inst.VMCID, bi.Spec.Job, bi.Spec.Index, err)
	}

	if _, err := u.rpc.Send(ctx, vm.AgentID, "stop", nil, 0); err != nil {
		return fmt.Errorf("stop %s/%d: %w", bi.Spec.Job, bi.Spec.Index, err)
	}
	if err := u.applyAndStart(ctx, vm.AgentID, bi, job, logger); err != nil {
		return err
	}
	return u.commit(inst, bi, vm.CID)
}

func (u *Updater) recreate(ctx context.Context, deployment string, job *deployplan.Job, rp *deployplan.ResourcePool, bi *planner.BoundInstance, logger zerolog.Logger) error {
	inst := bi.Existing
	oldVM, err := u.store.GetVM(inst.VMCID)
	if err != nil {
		return apierror.Wrap(apierror.KindNotFound, err, "vm %s for %s/%d not found: %v", inst.VMCID, bi.Spec.Job, bi.Spec.Index, err)
	}

	if _, err := u.rpc.Send(ctx, oldVM.AgentID, "stop", nil, 0); err != nil {
		return fmt.Errorf("stop %s/%d: %w", bi.Spec.Job, bi.Spec.Index, err)
	}

	if sameStemcell(inst.CurrentState, bi.Spec.TargetState) {
		// Only the persistent disk changed: keep the VM and swap disks in
		// place.
		newDiskCID, err := u.migrateDisk(ctx, oldVM, job, inst, inst.DiskCID, logger)
		if err != nil {
			return err
		}
		if err := u.applyAndStart(ctx, oldVM.AgentID, bi, job, logger); err != nil {
			return err
		}
		inst.DiskCID = newDiskCID
		return u.commit(inst, bi, oldVM.CID)
	}

	var oldDiskCID string
	if inst.DiskCID != "" {
		if err := u.provider.DetachDisk(ctx, oldVM.CID, inst.DiskCID); err != nil {
			return apierror.Wrap(apierror.KindCloudError, err, "detach_disk %s: %v", inst.DiskCID, err)
		}
		oldDiskCID = inst.DiskCID
	}

	if err := u.provider.DeleteVM(ctx, oldVM.CID); err != nil {
		return apierror.Wrap(apierror.KindCloudError, err, "delete_vm %s: %v", oldVM.CID, err)
	}
	if err := u.store.DeleteVM(oldVM.CID); err != nil {
		return fmt.Errorf("delete vm row %s: %w", oldVM.CID, err)
	}

	vm, err := u.provisionVM(ctx, deployment, job, rp, bi, logger)
	if err != nil {
		return err
	}

	newDiskCID, err := u.migrateDisk(ctx, vm, job, inst, oldDiskCID, logger)
	if err != nil {
		return err
	}

	if err := u.applyAndStart(ctx, vm.AgentID, bi, job, logger); err != nil {
		return err
	}
	inst.DiskCID = newDiskCID
	return u.commit(inst, bi, vm.CID)
}

func (u *Updater) create(ctx context.Context, deployment string, job *deployplan.Job, rp *deployplan.ResourcePool, bi *planner.BoundInstance, logger zerolog.Logger) error {
	vm, err := u.provisionVM(ctx, deployment, job, rp, bi, logger)
	if err != nil {
		return err
	}

	var diskCID string
	if job.PersistentMB > 0 {
		diskCID, err = u.provider.CreateDisk(ctx, job.PersistentMB, vm.CID)
		if err != nil {
			return apierror.Wrap(apierror.KindCloudError, err, "create_disk for %s/%d: %v", bi.Spec.Job, bi.Spec.Index, err)
		}
		if err := u.provider.AttachDisk(ctx, vm.CID, diskCID); err != nil {
			return apierror.Wrap(apierror.KindCloudError, err, "attach_disk %s: %v", diskCID, err)
		}
		disk := &types.Disk{CID: diskCID, SizeMB: job.PersistentMB, Deployment: deployment, Job: bi.Spec.Job, Index: bi.Spec.Index}
		if err := u.store.CreateDisk(disk); err != nil {
			return fmt.Errorf("persist disk %s: %w", diskCID, err)
		}
	}

	if err := u.applyAndStart(ctx, vm.AgentID, bi, job, logger); err != nil {
		return err
	}

	inst := &types.Instance{
		Deployment:   deployment,
		Job:          bi.Spec.Job,
		Index:        bi.Spec.Index,
		CurrentState: bi.Spec.TargetState,
		VMCID:        vm.CID,
		DiskCID:      diskCID,
	}
	for _, ip := range bi.Spec.StaticIPs {
		inst.IPs = append(inst.IPs, ip)
	}
	if err := u.store.CreateInstance(inst); err != nil {
		return fmt.Errorf("persist new instance %s/%d: %w", bi.Spec.Job, bi.Spec.Index, err)
	}
	return nil
}

// provisionVM gets a VM for bi: reuse an idle spare from the job's
// resource pool if one exists, otherwise create a fresh one.
func (u *Updater) provisionVM(ctx context.Context, deployment string, job *deployplan.Job, rp *deployplan.ResourcePool, bi *planner.BoundInstance, logger zerolog.Logger) (*types.VM, error) {
	if vm, err := u.vmSource.TakeIdleVM(job.ResourcePool, bi.Spec.Job, bi.Spec.Index); err == nil {
		logger.Debug().Str("vm_cid", vm.CID).Msg("reused idle vm from resource pool")
		return vm, nil
	}

	stemcell, err := u.store.GetStemcell(rp.StemcellName, rp.StemcellVersion)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindNotFound, err, "stemcell %s/%s not found: %v", rp.StemcellName, rp.StemcellVersion, err)
	}
	agentID := uuid.NewString()
	cid, err := u.provider.CreateVM(ctx, agentID, stemcell.CID, cloud.ResourcePoolSpec{
		Name:            rp.Name,
		CloudProperties: rp.CloudProperties,
		Env:             rp.Env,
	}, nil, rp.Env)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindCloudError, err, "create_vm for %s/%d: %v", bi.Spec.Job, bi.Spec.Index, err)
	}
	if _, err := u.rpc.Send(ctx, agentID, "ping", nil, 0); err != nil {
		return nil, apierror.Wrap(apierror.KindAgentUnreachable, err, "agent %s unreachable after create: %v", agentID, err)
	}

	vm := &types.VM{CID: cid, AgentID: agentID, Deployment: deployment, ResourcePool: job.ResourcePool, InstanceJob: bi.Spec.Job, InstanceIdx: bi.Spec.Index}
	if err := u.store.CreateVM(vm); err != nil {
		return nil, fmt.Errorf("persist vm %s: %w", cid, err)
	}
	return vm, nil
}

// migrateDisk preserves persistent data across a recreate: if the job
// still wants a disk, it reattaches the old one when the size is
// unchanged, or creates a new one on the new VM; when the size differs,
// both are attached while the agent migrates data, then the old one is
// deleted. Any failure mid-migration preserves the old disk and deletes
// the new one.
func (u *Updater) migrateDisk(ctx context.Context, vm *types.VM, job *deployplan.Job, inst *types.Instance, oldDiskCID string, logger zerolog.Logger) (string, error) {
	if job.PersistentMB == 0 {
		return "", nil
	}
	if oldDiskCID == "" {
		diskCID, err := u.provider.CreateDisk(ctx, job.PersistentMB, vm.CID)
		if err != nil {
			return "", apierror.Wrap(apierror.KindCloudError, err, "create_disk: %v", err)
		}
		if err := u.provider.AttachDisk(ctx, vm.CID, diskCID); err != nil {
			return "", apierror.Wrap(apierror.KindCloudError, err, "attach_disk %s: %v", diskCID, err)
		}
		disk := &types.Disk{CID: diskCID, SizeMB: job.PersistentMB, Deployment: inst.Deployment, Job: inst.Job, Index: inst.Index}
		if err := u.store.CreateDisk(disk); err != nil {
			return "", fmt.Errorf("persist disk %s: %w", diskCID, err)
		}
		return diskCID, nil
	}

	if oldDisk, err := u.store.GetDisk(oldDiskCID); err == nil && oldDisk.SizeMB == job.PersistentMB {
		if err := u.provider.AttachDisk(ctx, vm.CID, oldDiskCID); err != nil {
			return "", apierror.Wrap(apierror.KindCloudError, err, "attach_disk %s: %v", oldDiskCID, err)
		}
		return oldDiskCID, nil
	}

	newDiskCID, err := u.provider.CreateDisk(ctx, job.PersistentMB, vm.CID)
	if err != nil {
		return "", apierror.Wrap(apierror.KindCloudError, err, "create_disk for migration: %v", err)
	}
	if err := u.provider.AttachDisk(ctx, vm.CID, oldDiskCID); err != nil {
		u.rollbackNewDisk(ctx, newDiskCID, logger)
		return "", apierror.Wrap(apierror.KindCloudError, err, "attach_disk (old) %s: %v", oldDiskCID, err)
	}
	if err := u.provider.AttachDisk(ctx, vm.CID, newDiskCID); err != nil {
		u.rollbackNewDisk(ctx, newDiskCID, logger)
		return "", apierror.Wrap(apierror.KindCloudError, err, "attach_disk (new) %s: %v", newDiskCID, err)
	}

	vmRec, err := u.store.GetVM(vm.CID)
	if err != nil {
		vmRec = vm
	}
	if _, err := u.rpc.Send(ctx, vmRec.AgentID, "migrate_disk", []interface{}{oldDiskCID, newDiskCID}, 0); err != nil {
		u.rollbackNewDisk(ctx, newDiskCID, logger)
		return "", apierror.Wrap(apierror.KindInstanceUpdateError, err, "migrate_disk %s -> %s failed: %v", oldDiskCID, newDiskCID, err)
	}

	if err := u.provider.DetachDisk(ctx, vm.CID, oldDiskCID); err != nil {
		logger.Error().Err(err).Str("disk_cid", oldDiskCID).Msg("failed to detach old disk after successful migration")
	}
	if err := u.provider.DeleteDisk(ctx, oldDiskCID); err != nil {
		logger.Error().Err(err).Str("disk_cid", oldDiskCID).Msg("failed to delete old disk after successful migration")
	}
	if err := u.store.DeleteDisk(oldDiskCID); err != nil {
		logger.Error().Err(err).Str("disk_cid", oldDiskCID).Msg("failed to delete old disk row after successful migration")
	}
	disk := &types.Disk{CID: newDiskCID, SizeMB: job.PersistentMB, Deployment: inst.Deployment, Job: inst.Job, Index: inst.Index}
	if err := u.store.CreateDisk(disk); err != nil {
		return "", fmt.Errorf("persist migrated disk %s: %w", newDiskCID, err)
	}
	return newDiskCID, nil
}

// sameStemcell reports whether the current and target state blobs name the
// same stemcell, in which case the instance's VM can be kept across the
// transition.
func sameStemcell(current, target []byte) bool {
	var a, b struct {
		StemcellName    string `json:"stemcell_name"`
		StemcellVersion string `json:"stemcell_version"`
	}
	if err := json.Unmarshal(current, &a); err != nil {
		return false
	}
	if err := json.Unmarshal(target, &b); err != nil {
		return false
	}
	return a.StemcellName == b.StemcellName && a.StemcellVersion == b.StemcellVersion
}

func (u *Updater) rollbackNewDisk(ctx context.Context, newDiskCID string, logger zerolog.Logger) {
	if err := u.provider.DeleteDisk(ctx, newDiskCID); err != nil {
		logger.Error().Err(err).Str("disk_cid", newDiskCID).Msg("failed to roll back new disk after failed migration")
	}
}

// applyAndStart sends apply(target_state) then start, and watches for the
// job to report running within the update policy's watch time.
func (u *Updater) applyAndStart(ctx context.Context, agentID string, bi *planner.BoundInstance, job *deployplan.Job, logger zerolog.Logger) error {
	var target map[string]interface{}
	if err := json.Unmarshal(bi.Spec.TargetState, &target); err != nil {
		return fmt.Errorf("decode target state for %s/%d: %w", bi.Spec.Job, bi.Spec.Index, err)
	}
	if _, err := u.rpc.Send(ctx, agentID, "apply", []interface{}{target}, 0); err != nil {
		return apierror.Wrap(apierror.KindInstanceUpdateError, err, "apply failed for %s/%d: %v", bi.Spec.Job, bi.Spec.Index, err)
	}
	if _, err := u.rpc.Send(ctx, agentID, "start", nil, 0); err != nil {
		return apierror.Wrap(apierror.KindInstanceUpdateError, err, "start failed for %s/%d: %v", bi.Spec.Job, bi.Spec.Index, err)
	}
	return u.watch(ctx, agentID, job, bi, logger)
}

// watch polls get_state until the job reports running, with at least the
// update policy's watch time elapsed, or fails with
// KindInstanceUpdateError naming the job and index.
func (u *Updater) watch(ctx context.Context, agentID string, job *deployplan.Job, bi *planner.BoundInstance, logger zerolog.Logger) error {
	watchTime := DefaultUpdateWatchTime
	if job.Update.UpdateWatchTime > 0 {
		watchTime = time.Duration(job.Update.UpdateWatchTime) * time.Millisecond
	}
	deadline := time.Now().Add(watchTime)
	const pollInterval = 200 * time.Millisecond

	for {
		raw, err := u.rpc.Send(ctx, agentID, "get_state", nil, 0)
		if err != nil {
			return apierror.Wrap(apierror.KindInstanceUpdateError, err, "watch failed for %s/%d: %v", bi.Spec.Job, bi.Spec.Index, err)
		}
		var state struct {
			JobState string `json:"job_state"`
		}
		_ = json.Unmarshal(raw, &state)
		if state.JobState == "running" && time.Now().After(deadline) {
			logger.Debug().Msg("instance watch observed running")
			return nil
		}
		if time.Now().After(deadline.Add(10 * watchTime)) {
			return apierror.New(apierror.KindInstanceUpdateError, "job %s/%d did not reach running within watch deadline", bi.Spec.Job, bi.Spec.Index)
		}
		if ctx.Err() != nil {
			return apierror.Wrap(apierror.KindCancelled, ctx.Err(), "cancelled watching %s/%d", bi.Spec.Job, bi.Spec.Index)
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return apierror.Wrap(apierror.KindCancelled, ctx.Err(), "cancelled watching %s/%d", bi.Spec.Job, bi.Spec.Index)
		}
	}
}

func (u *Updater) commit(inst *types.Instance, bi *planner.BoundInstance, vmCID string) error {
	inst.CurrentState = bi.Spec.TargetState
	inst.VMCID = vmCID
	inst.IPs = inst.IPs[:0]
	for _, ip := range bi.Spec.StaticIPs {
		inst.IPs = append(inst.IPs, ip)
	}
	if err := u.store.UpdateInstance(inst); err != nil {
		return fmt.Errorf("persist updated instance %s/%d: %w", bi.Spec.Job, bi.Spec.Index, err)
	}
	return nil
}
