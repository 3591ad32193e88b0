// Package cloud defines the director's uniform interface over
// infrastructure providers: vSphere, ESX, and an in-memory dummy used by
// tests and the resource-pool/instance-updater packages. Every operation
// is synchronous from the caller's perspective; a provider translates to
// whatever asynchronous mechanism its backend actually uses.
package cloud

import (
	"context"
	"net"
)

// NetworksSpec is the per-call network configuration passed to CreateVM and
// ConfigureNetworks: one entry per network the VM should be attached to.
type NetworksSpec struct {
	Name            string
	Type            string // manual | dynamic | vip
	IP              net.IP // set for manual/vip; empty for dynamic
	Netmask         net.IPMask
	Gateway         net.IP
	DNS             []net.IP
	CloudProperties map[string]interface{}
}

// ResourcePoolSpec carries the cloud-facing portion of a plan's resource
// pool: everything CreateVM needs that isn't the stemcell or networks.
type ResourcePoolSpec struct {
	Name            string
	CloudProperties map[string]interface{}
	Env             map[string]interface{}
}

// Provider is the capability set every backend (vsphere, esx, dummy)
// implements. Errors that originate from the backend are wrapped as
// apierror.KindCloudError by callers, not by the Provider itself, so a
// Provider can be tested in isolation against plain Go errors.
type Provider interface {
	CreateStemcell(ctx context.Context, imagePath string, properties map[string]interface{}) (cid string, err error)
	DeleteStemcell(ctx context.Context, cid string) error

	CreateVM(ctx context.Context, agentID, stemcellCID string, pool ResourcePoolSpec, networks []NetworksSpec, env map[string]interface{}) (cid string, err error)
	DeleteVM(ctx context.Context, cid string) error
	RebootVM(ctx context.Context, cid string) error
	ConfigureNetworks(ctx context.Context, cid string, networks []NetworksSpec) error

	CreateDisk(ctx context.Context, sizeMB int, vmCID string) (cid string, err error)
	DeleteDisk(ctx context.Context, cid string) error
	AttachDisk(ctx context.Context, vmCID, diskCID string) error
	DetachDisk(ctx context.Context, vmCID, diskCID string) error
	GetDisks(ctx context.Context, vmCID string) ([]string, error)
	SnapshotDisk(ctx context.Context, diskCID string) (snapshotID string, err error)
}

// Kind names a Provider variant, selected by configuration at startup.
type Kind string

const (
	KindVSphere Kind = "vsphere"
	KindESX     Kind = "esx"
	KindDummy   Kind = "dummy"
)
