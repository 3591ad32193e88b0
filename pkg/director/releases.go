package director

import (
	"context"
	"fmt"
	"slices"

	"github.com/cuemby/deploydirector/pkg/apierror"
	"github.com/cuemby/deploydirector/pkg/lock"
	"github.com/cuemby/deploydirector/pkg/task"
	"github.com/cuemby/deploydirector/pkg/types"
)

// UpdateRelease records a new version of a release: its packages and
// templates, creating the release row itself on first upload. All releases
// share one lock, so an upload can check referential use (for a future
// DeleteRelease racing against it) inside the same critical section a
// delete would use.
func (d *Director) UpdateRelease(upload ReleaseUpload) (*types.Task, error) {
	if upload.Name == "" || upload.Version == "" {
		return nil, apierror.New(apierror.KindValidationFailed, "release name and version are required")
	}

	body := func(ctx context.Context, sink *task.Sink) (string, error) {
		var result string
		err := withLock(ctx, d.locker, lock.ReleaseName(), func(ctx context.Context) error {
			if _, err := d.store.GetRelease(upload.Name); err != nil {
				if err := d.store.CreateRelease(&types.Release{Name: upload.Name}); err != nil {
					return fmt.Errorf("create release %s: %w", upload.Name, err)
				}
			}

			rv := &types.ReleaseVersion{Release: upload.Name, Version: upload.Version}
			for _, p := range upload.Packages {
				sink.Eventf("recording package %s/%s", p.Name, p.Version)
				pkg := &types.Package{
					Name:         p.Name,
					Version:      p.Version,
					Fingerprint:  p.Fingerprint,
					Release:      upload.Name,
					ReleaseVer:   upload.Version,
					BlobID:       p.BlobID,
					Dependencies: p.Dependencies,
				}
				if err := d.store.CreatePackage(pkg); err != nil {
					return fmt.Errorf("create package %s/%s: %w", p.Name, p.Version, err)
				}
				rv.Packages = append(rv.Packages, p.Name)
			}
			for _, t := range upload.Templates {
				sink.Eventf("recording template %s/%s", t.Name, t.Version)
				tmpl := &types.Template{
					Name:             t.Name,
					Version:          t.Version,
					Release:          upload.Name,
					ReleaseVer:       upload.Version,
					BlobID:           t.BlobID,
					RequiredPackages: t.RequiredPackages,
				}
				if err := d.store.CreateTemplate(tmpl); err != nil {
					return fmt.Errorf("create template %s/%s: %w", t.Name, t.Version, err)
				}
				rv.Templates = append(rv.Templates, t.Name)
			}
			if err := d.store.CreateReleaseVersion(rv); err != nil {
				return fmt.Errorf("create release version %s/%s: %w", upload.Name, upload.Version, err)
			}
			rel, err := d.store.GetRelease(upload.Name)
			if err != nil {
				return fmt.Errorf("load release %s: %w", upload.Name, err)
			}
			if !slices.Contains(rel.Versions, upload.Version) {
				rel.Versions = append(rel.Versions, upload.Version)
				if err := d.store.CreateRelease(rel); err != nil {
					return fmt.Errorf("record version %s of release %s: %w", upload.Version, upload.Name, err)
				}
			}
			result = fmt.Sprintf("release %s/%s created", upload.Name, upload.Version)
			return nil
		})
		return result, err
	}

	return d.tasks.Create(types.TaskKindUpdateRelease, fmt.Sprintf("upload release %s/%s", upload.Name, upload.Version), body)
}

// DeleteRelease removes the release row, refusing when any deployment
// currently references it. The release's version, package and template rows
// are not deleted. The in-use check runs inside the
// release lock's critical section, so a concurrent UpdateRelease or
// DeleteRelease cannot interleave between the check and the delete.
// UpdateDeployment holds only its deployment lock, not the release lock, so
// this check sees only deployments whose rows already name the release.
func (d *Director) DeleteRelease(name string) (*types.Task, error) {
	body := func(ctx context.Context, sink *task.Sink) (string, error) {
		var result string
		err := withLock(ctx, d.locker, lock.ReleaseName(), func(ctx context.Context) error {
			if _, err := d.store.GetRelease(name); err != nil {
				return apierror.Wrap(apierror.KindNotFound, err, "release %s not found: %v", name, err)
			}

			deployments, err := d.store.ListDeployments()
			if err != nil {
				return fmt.Errorf("list deployments: %w", err)
			}
			for _, dep := range deployments {
				if dep.ReleaseName == name {
					return apierror.New(apierror.KindReleaseInUse, "release %s is in use by deployment %s", name, dep.Name)
				}
			}

			sink.Eventf("deleting release %s", name)
			if err := d.store.DeleteRelease(name); err != nil {
				return fmt.Errorf("delete release %s: %w", name, err)
			}
			result = fmt.Sprintf("release %s deleted", name)
			return nil
		})
		return result, err
	}
	return d.tasks.Create(types.TaskKindDeleteRelease, fmt.Sprintf("delete release %s", name), body)
}
