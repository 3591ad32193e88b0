package cloud

import "context"

// ESX is the standalone-host variant of the vSphere provider: the same
// govmomi session and operations apply against a single ESX host's API,
// which is a strict subset of vCenter's, so it is implemented as a
// restricted VSphere rather than a separate client.
type ESX struct {
	*VSphere
}

// NewESX connects directly to an ESX host's API endpoint. Resource pools
// and folders are meaningless on a standalone host; cfg.ResourcePool and
// cfg.Folder are ignored if set.
func NewESX(ctx context.Context, cfg VSphereConfig) (*ESX, error) {
	cfg.ResourcePool = ""
	cfg.Folder = ""
	vs, err := NewVSphere(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &ESX{VSphere: vs}, nil
}
