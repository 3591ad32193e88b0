package cloud

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Dummy is an in-memory Provider used by tests and local development:
// every operation is instantaneous and just bookkeeps ids.
type Dummy struct {
	mu        sync.Mutex
	stemcells map[string]bool
	vms       map[string][]NetworksSpec
	disks     map[string]diskRecord
}

type diskRecord struct {
	sizeMB int
	vmCID  string
}

// NewDummy constructs an empty Dummy provider.
func NewDummy() *Dummy {
	return &Dummy{
		stemcells: make(map[string]bool),
		vms:       make(map[string][]NetworksSpec),
		disks:     make(map[string]diskRecord),
	}
}

func (d *Dummy) CreateStemcell(ctx context.Context, imagePath string, properties map[string]interface{}) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cid := "sc-" + uuid.NewString()
	d.stemcells[cid] = true
	return cid, nil
}

func (d *Dummy) DeleteStemcell(ctx context.Context, cid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.stemcells, cid)
	return nil
}

func (d *Dummy) CreateVM(ctx context.Context, agentID, stemcellCID string, pool ResourcePoolSpec, networks []NetworksSpec, env map[string]interface{}) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.stemcells[stemcellCID] {
		return "", fmt.Errorf("unknown stemcell %s", stemcellCID)
	}
	cid := "vm-" + uuid.NewString()
	d.vms[cid] = networks
	return cid, nil
}

func (d *Dummy) DeleteVM(ctx context.Context, cid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.vms, cid)
	for dcid, rec := range d.disks {
		if rec.vmCID == cid {
			rec.vmCID = ""
			d.disks[dcid] = rec
		}
	}
	return nil
}

func (d *Dummy) RebootVM(ctx context.Context, cid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.vms[cid]; !ok {
		return fmt.Errorf("unknown vm %s", cid)
	}
	return nil
}

func (d *Dummy) ConfigureNetworks(ctx context.Context, cid string, networks []NetworksSpec) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.vms[cid]; !ok {
		return fmt.Errorf("unknown vm %s", cid)
	}
	d.vms[cid] = networks
	return nil
}

func (d *Dummy) CreateDisk(ctx context.Context, sizeMB int, vmCID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cid := "disk-" + uuid.NewString()
	d.disks[cid] = diskRecord{sizeMB: sizeMB, vmCID: vmCID}
	return cid, nil
}

func (d *Dummy) DeleteDisk(ctx context.Context, cid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.disks, cid)
	return nil
}

func (d *Dummy) AttachDisk(ctx context.Context, vmCID, diskCID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.disks[diskCID]
	if !ok {
		return fmt.Errorf("unknown disk %s", diskCID)
	}
	rec.vmCID = vmCID
	d.disks[diskCID] = rec
	return nil
}

func (d *Dummy) DetachDisk(ctx context.Context, vmCID, diskCID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.disks[diskCID]
	if !ok {
		return fmt.Errorf("unknown disk %s", diskCID)
	}
	rec.vmCID = ""
	d.disks[diskCID] = rec
	return nil
}

func (d *Dummy) GetDisks(ctx context.Context, vmCID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var cids []string
	for cid, rec := range d.disks {
		if rec.vmCID == vmCID {
			cids = append(cids, cid)
		}
	}
	return cids, nil
}

func (d *Dummy) SnapshotDisk(ctx context.Context, diskCID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.disks[diskCID]; !ok {
		return "", fmt.Errorf("unknown disk %s", diskCID)
	}
	return "snap-" + uuid.NewString(), nil
}
