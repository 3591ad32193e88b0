package director

import (
	"context"
	"fmt"

	"github.com/cuemby/deploydirector/pkg/apierror"
	"github.com/cuemby/deploydirector/pkg/lock"
	"github.com/cuemby/deploydirector/pkg/task"
	"github.com/cuemby/deploydirector/pkg/types"
)

// UpdateStemcell uploads a stemcell image to the cloud provider and records
// the resulting row, under the stemcells collection lock.
func (d *Director) UpdateStemcell(upload StemcellUpload) (*types.Task, error) {
	if upload.Name == "" || upload.Version == "" {
		return nil, apierror.New(apierror.KindValidationFailed, "stemcell name and version are required")
	}

	body := func(ctx context.Context, sink *task.Sink) (string, error) {
		var result string
		err := withLock(ctx, d.locker, lock.StemcellsName(), func(ctx context.Context) error {
			sink.Eventf("creating stemcell %s/%s", upload.Name, upload.Version)
			cid, err := d.cloud.CreateStemcell(ctx, upload.ImagePath, upload.Properties)
			if err != nil {
				return apierror.Wrap(apierror.KindCloudError, err, "create_stemcell failed: %v", err)
			}
			sc := &types.Stemcell{Name: upload.Name, Version: upload.Version, CID: cid}
			if err := d.store.CreateStemcell(sc); err != nil {
				return fmt.Errorf("persist stemcell %s/%s: %w", upload.Name, upload.Version, err)
			}
			result = fmt.Sprintf("stemcell %s/%s created", upload.Name, upload.Version)
			return nil
		})
		return result, err
	}

	return d.tasks.Create(types.TaskKindUpdateStemcell, fmt.Sprintf("upload stemcell %s/%s", upload.Name, upload.Version), body)
}

// DeleteStemcell removes a stemcell from the cloud provider and the store,
// refusing when any deployment currently uses it. As with DeleteRelease,
// the check runs inside the stemcells lock, so a concurrent UpdateStemcell
// or DeleteStemcell cannot interleave between the check and the delete.
// UpdateDeployment holds only its deployment lock, not the stemcells lock,
// so this check sees only deployments whose rows already name the stemcell.
func (d *Director) DeleteStemcell(name, version string) (*types.Task, error) {
	body := func(ctx context.Context, sink *task.Sink) (string, error) {
		var result string
		err := withLock(ctx, d.locker, lock.StemcellsName(), func(ctx context.Context) error {
			sc, err := d.store.GetStemcell(name, version)
			if err != nil {
				return apierror.Wrap(apierror.KindNotFound, err, "stemcell %s/%s not found: %v", name, version, err)
			}

			deployments, err := d.store.ListDeployments()
			if err != nil {
				return fmt.Errorf("list deployments: %w", err)
			}
			for _, dep := range deployments {
				for _, ref := range dep.Stemcells {
					if ref.Name == name && ref.Version == version {
						return apierror.New(apierror.KindStemcellInUse, "stemcell %s/%s is in use by deployment %s", name, version, dep.Name)
					}
				}
			}

			sink.Eventf("deleting stemcell %s/%s", name, version)
			if err := d.cloud.DeleteStemcell(ctx, sc.CID); err != nil {
				return apierror.Wrap(apierror.KindCloudError, err, "delete_stemcell failed: %v", err)
			}
			if err := d.store.DeleteStemcell(name, version); err != nil {
				return fmt.Errorf("delete stemcell %s/%s: %w", name, version, err)
			}
			result = fmt.Sprintf("stemcell %s/%s deleted", name, version)
			return nil
		})
		return result, err
	}
	return d.tasks.Create(types.TaskKindDeleteStemcell, fmt.Sprintf("delete stemcell %s/%s", name, version), body)
}
