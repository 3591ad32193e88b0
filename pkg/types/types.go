package types

import (
	"net"
	"time"
)

// TaskKind identifies the kind of long-running operation a Task performs.
type TaskKind string

const (
	TaskKindUpdateDeployment TaskKind = "update_deployment"
	TaskKindDeleteDeployment TaskKind = "delete_deployment"
	TaskKindUpdateRelease    TaskKind = "update_release"
	TaskKindDeleteRelease    TaskKind = "delete_release"
	TaskKindUpdateStemcell   TaskKind = "update_stemcell"
	TaskKindDeleteStemcell   TaskKind = "delete_stemcell"
)

// TaskState is the lifecycle state of a Task. A Task advances forward only;
// it never revisits a terminal state once reached.
type TaskState string

const (
	TaskStateQueued     TaskState = "queued"
	TaskStateProcessing TaskState = "processing"
	TaskStateCancelling TaskState = "cancelling"
	TaskStateDone       TaskState = "done"
	TaskStateError      TaskState = "error"
	TaskStateCancelled  TaskState = "cancelled"
)

// Task is a durable record of an asynchronous mutating operation.
type Task struct {
	ID          int64
	Kind        TaskKind
	State       TaskState
	Timestamp   time.Time
	Description string
	Result      string
	OutputDir   string
}

// Release is a named, versioned collection of packages and templates.
type Release struct {
	Name     string
	Versions []string // ReleaseVersion.Version values, ordered oldest first
}

// ReleaseVersion groups the Packages and Templates shipped together under
// one (release, version) pair.
type ReleaseVersion struct {
	Release   string
	Version   string
	Packages  []string // Package names at this version
	Templates []string // Template names at this version
}

// Package is a content-addressed source package within a release.
type Package struct {
	Name         string
	Version      string
	Fingerprint  string // content hash of the package source tree
	Release      string
	ReleaseVer   string
	BlobID       string   // blobstore reference to the source tarball
	Dependencies []string // names of packages this package depends on at compile time
}

// CompiledPackage is the cached build output of a Package against a
// specific Stemcell and a specific set of transitive compile dependencies.
type CompiledPackage struct {
	PackageName     string
	PackageVersion  string
	StemcellName    string
	StemcellVersion string
	DependencyKey   string // sha1 over sorted transitive compile-dep identities
	BlobID          string
	SHA1            string
}

// Template is a job template: the deployable unit that declares the
// packages a job needs.
type Template struct {
	Name             string
	Version          string
	Release          string
	ReleaseVer       string
	BlobID           string
	RequiredPackages []string
}

// Stemcell is a base OS image uploaded to the cloud provider.
type Stemcell struct {
	Name    string
	Version string
	CID     string // cloud id assigned by the provider
	SHA1    string
}

// Deployment is the named, currently-applied desired state. Stemcells
// records every stemcell the deployment's resource pools draw from; a
// deployment with several pools can reference several stemcells at once.
type Deployment struct {
	Name         string
	ManifestText string
	ReleaseName  string
	ReleaseVer   string
	Stemcells    []StemcellRef
}

// StemcellRef names one stemcell a deployment references.
type StemcellRef struct {
	Name    string
	Version string
}

// VM is a provider-side virtual machine under the director's management.
type VM struct {
	CID          string
	AgentID      string
	Deployment   string
	InstanceJob  string // empty when the VM is idle (resource-pool spare)
	InstanceIdx  int
	ResourcePool string
}

// Instance is one numbered replica of a job within a deployment.
type Instance struct {
	Deployment   string
	Job          string
	Index        int
	CurrentState []byte // last-applied configuration blob (opaque to the director)
	VMCID        string
	DiskCID      string
	IPs          []net.IP
}

// Disk is a persistent disk attached to at most one Instance.
type Disk struct {
	CID        string
	SizeMB     int
	Deployment string
	Job        string
	Index      int
}

// LockRecord is a row in the distributed-lock table: at most one row per
// Name with Expiry in the future.
type LockRecord struct {
	Name   string
	Holder string // uuid of the current holder
	Expiry time.Time
}

// ChangeKind classifies how an existing Instance must be transitioned to
// reach its target configuration (see the plan compiler).
type ChangeKind string

const (
	ChangeNoChange ChangeKind = "no_change"
	ChangeRestart  ChangeKind = "restart"
	ChangeRecreate ChangeKind = "recreate"
	ChangeNew      ChangeKind = "new"
)
