package storage

import (
	"time"

	"github.com/cuemby/deploydirector/pkg/types"
)

// Store defines the interface for the director's durable state. It is the
// only thing that talks to the database; every other package sees plain
// types.* values and never a row, cursor, or transaction.
type Store interface {
	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id int64) (*types.Task, error)
	UpdateTask(task *types.Task) error
	// CompareAndSwapTaskState performs the "queued -> processing" (or any
	// other) guarded transition atomically: it only applies newState if the
	// task's current state equals expectState, and reports whether it did.
	CompareAndSwapTaskState(id int64, expectState, newState types.TaskState) (bool, error)
	ListTasks(limit int, state types.TaskState) ([]*types.Task, error)

	// Releases
	CreateRelease(release *types.Release) error
	GetRelease(name string) (*types.Release, error)
	ListReleases() ([]*types.Release, error)
	DeleteRelease(name string) error

	CreateReleaseVersion(rv *types.ReleaseVersion) error
	GetReleaseVersion(release, version string) (*types.ReleaseVersion, error)
	ListReleaseVersions(release string) ([]*types.ReleaseVersion, error)

	// Packages
	CreatePackage(pkg *types.Package) error
	GetPackage(name, version string) (*types.Package, error)
	ListPackages(release, releaseVer string) ([]*types.Package, error)

	// CompiledPackages are keyed by (package, stemcell, dependency key); a
	// second compile with the same key must reuse the first's row.
	GetCompiledPackage(pkgName, pkgVersion, stemcellName, stemcellVersion, depKey string) (*types.CompiledPackage, error)
	CreateCompiledPackage(cp *types.CompiledPackage) error
	ListCompiledPackages() ([]*types.CompiledPackage, error)

	// Templates
	CreateTemplate(tmpl *types.Template) error
	GetTemplate(name, version string) (*types.Template, error)
	ListTemplates(release, releaseVer string) ([]*types.Template, error)

	// Stemcells
	CreateStemcell(sc *types.Stemcell) error
	GetStemcell(name, version string) (*types.Stemcell, error)
	ListStemcells() ([]*types.Stemcell, error)
	DeleteStemcell(name, version string) error

	// Deployments
	CreateDeployment(d *types.Deployment) error
	GetDeployment(name string) (*types.Deployment, error)
	ListDeployments() ([]*types.Deployment, error)
	UpdateDeployment(d *types.Deployment) error
	DeleteDeployment(name string) error

	// VMs
	CreateVM(vm *types.VM) error
	GetVM(cid string) (*types.VM, error)
	ListVMsByDeployment(deployment string) ([]*types.VM, error)
	ListIdleVMs(deployment, resourcePool string) ([]*types.VM, error)
	// ClaimIdleVM atomically takes one idle VM out of the named pool and
	// assigns it to (job, index), so two concurrent claimants can never be
	// handed the same VM. It returns (nil, nil) when the pool has no idle
	// VM to give.
	ClaimIdleVM(deployment, resourcePool, job string, index int) (*types.VM, error)
	UpdateVM(vm *types.VM) error
	DeleteVM(cid string) error

	// Instances
	CreateInstance(i *types.Instance) error
	GetInstance(deployment, job string, index int) (*types.Instance, error)
	ListInstancesByDeployment(deployment string) ([]*types.Instance, error)
	ListInstancesByJob(deployment, job string) ([]*types.Instance, error)
	UpdateInstance(i *types.Instance) error
	DeleteInstance(deployment, job string, index int) error

	// Disks
	CreateDisk(d *types.Disk) error
	GetDisk(cid string) (*types.Disk, error)
	ListDisksByInstance(deployment, job string, index int) ([]*types.Disk, error)
	DeleteDisk(cid string) error

	// Locks: TryAcquire inserts a row if none exists or the existing one is
	// expired; it reports whether the caller now holds the lock.
	TryAcquireLock(name, holder string, ttl time.Duration) (bool, error)
	RenewLock(name, holder string, ttl time.Duration) error
	ReleaseLock(name, holder string) error
	GetLock(name string) (*types.LockRecord, error)

	// Utility
	Close() error
}
