package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/deploydirector/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTasks            = []byte("tasks")
	bucketReleases         = []byte("releases")
	bucketReleaseVersions  = []byte("release_versions")
	bucketPackages         = []byte("packages")
	bucketCompiledPackages = []byte("compiled_packages")
	bucketTemplates        = []byte("templates")
	bucketStemcells        = []byte("stemcells")
	bucketDeployments      = []byte("deployments")
	bucketVMs              = []byte("vms")
	bucketInstances        = []byte("instances")
	bucketDisks            = []byte("disks")
	bucketLocks            = []byte("locks")
)

// BoltStore implements Store using BoltDB, one bucket per entity with
// JSON-marshaled values.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the director's database file
// under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "director.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTasks,
			bucketReleases,
			bucketReleaseVersions,
			bucketPackages,
			bucketCompiledPackages,
			bucketTemplates,
			bucketStemcells,
			bucketDeployments,
			bucketVMs,
			bucketInstances,
			bucketDisks,
			bucketLocks,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func taskKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

// Tasks

func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if task.ID == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			task.ID = int64(seq)
		}
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put(taskKey(task.ID), data)
	})
}

func (s *BoltStore) GetTask(id int64) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get(taskKey(id))
		if data == nil {
			return fmt.Errorf("task not found: %d", id)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) UpdateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put(taskKey(task.ID), data)
	})
}

func (s *BoltStore) CompareAndSwapTaskState(id int64, expectState, newState types.TaskState) (bool, error) {
	var swapped bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get(taskKey(id))
		if data == nil {
			return fmt.Errorf("task not found: %d", id)
		}
		var task types.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}
		if task.State != expectState {
			swapped = false
			return nil
		}
		task.State = newState
		updated, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		if err := b.Put(taskKey(id), updated); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}

func (s *BoltStore) ListTasks(limit int, state types.TaskState) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if state != "" && task.State != state {
				continue
			}
			tasks = append(tasks, &task)
			if limit > 0 && len(tasks) >= limit {
				break
			}
		}
		return nil
	})
	return tasks, err
}

// Releases

func (s *BoltStore) CreateRelease(release *types.Release) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReleases)
		data, err := json.Marshal(release)
		if err != nil {
			return err
		}
		return b.Put([]byte(release.Name), data)
	})
}

func (s *BoltStore) GetRelease(name string) (*types.Release, error) {
	var release types.Release
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReleases)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("release not found: %s", name)
		}
		return json.Unmarshal(data, &release)
	})
	if err != nil {
		return nil, err
	}
	return &release, nil
}

func (s *BoltStore) ListReleases() ([]*types.Release, error) {
	var releases []*types.Release
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReleases)
		return b.ForEach(func(k, v []byte) error {
			var release types.Release
			if err := json.Unmarshal(v, &release); err != nil {
				return err
			}
			releases = append(releases, &release)
			return nil
		})
	})
	return releases, err
}

func (s *BoltStore) DeleteRelease(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReleases)
		return b.Delete([]byte(name))
	})
}

func releaseVersionKey(release, version string) []byte {
	return []byte(release + "/" + version)
}

func (s *BoltStore) CreateReleaseVersion(rv *types.ReleaseVersion) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReleaseVersions)
		data, err := json.Marshal(rv)
		if err != nil {
			return err
		}
		return b.Put(releaseVersionKey(rv.Release, rv.Version), data)
	})
}

func (s *BoltStore) GetReleaseVersion(release, version string) (*types.ReleaseVersion, error) {
	var rv types.ReleaseVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReleaseVersions)
		data := b.Get(releaseVersionKey(release, version))
		if data == nil {
			return fmt.Errorf("release version not found: %s/%s", release, version)
		}
		return json.Unmarshal(data, &rv)
	})
	if err != nil {
		return nil, err
	}
	return &rv, nil
}

func (s *BoltStore) ListReleaseVersions(release string) ([]*types.ReleaseVersion, error) {
	var versions []*types.ReleaseVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReleaseVersions)
		return b.ForEach(func(k, v []byte) error {
			var rv types.ReleaseVersion
			if err := json.Unmarshal(v, &rv); err != nil {
				return err
			}
			if rv.Release == release {
				versions = append(versions, &rv)
			}
			return nil
		})
	})
	return versions, err
}

// Packages

func packageKey(name, version string) []byte {
	return []byte(name + "/" + version)
}

func (s *BoltStore) CreatePackage(pkg *types.Package) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPackages)
		data, err := json.Marshal(pkg)
		if err != nil {
			return err
		}
		return b.Put(packageKey(pkg.Name, pkg.Version), data)
	})
}

func (s *BoltStore) GetPackage(name, version string) (*types.Package, error) {
	var pkg types.Package
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPackages)
		data := b.Get(packageKey(name, version))
		if data == nil {
			return fmt.Errorf("package not found: %s/%s", name, version)
		}
		return json.Unmarshal(data, &pkg)
	})
	if err != nil {
		return nil, err
	}
	return &pkg, nil
}

func (s *BoltStore) ListPackages(release, releaseVer string) ([]*types.Package, error) {
	var pkgs []*types.Package
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPackages)
		return b.ForEach(func(k, v []byte) error {
			var pkg types.Package
			if err := json.Unmarshal(v, &pkg); err != nil {
				return err
			}
			if pkg.Release == release && pkg.ReleaseVer == releaseVer {
				pkgs = append(pkgs, &pkg)
			}
			return nil
		})
	})
	return pkgs, err
}

// CompiledPackages

func compiledPackageKey(pkgName, pkgVersion, stemcellName, stemcellVersion, depKey string) []byte {
	return []byte(fmt.Sprintf("%s/%s/%s/%s/%s", pkgName, pkgVersion, stemcellName, stemcellVersion, depKey))
}

func (s *BoltStore) GetCompiledPackage(pkgName, pkgVersion, stemcellName, stemcellVersion, depKey string) (*types.CompiledPackage, error) {
	var cp types.CompiledPackage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCompiledPackages)
		data := b.Get(compiledPackageKey(pkgName, pkgVersion, stemcellName, stemcellVersion, depKey))
		if data == nil {
			return fmt.Errorf("compiled package not found: %s/%s", pkgName, pkgVersion)
		}
		return json.Unmarshal(data, &cp)
	})
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *BoltStore) CreateCompiledPackage(cp *types.CompiledPackage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCompiledPackages)
		data, err := json.Marshal(cp)
		if err != nil {
			return err
		}
		key := compiledPackageKey(cp.PackageName, cp.PackageVersion, cp.StemcellName, cp.StemcellVersion, cp.DependencyKey)
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListCompiledPackages() ([]*types.CompiledPackage, error) {
	var out []*types.CompiledPackage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCompiledPackages)
		return b.ForEach(func(k, v []byte) error {
			var cp types.CompiledPackage
			if err := json.Unmarshal(v, &cp); err != nil {
				return err
			}
			out = append(out, &cp)
			return nil
		})
	})
	return out, err
}

// Templates

func (s *BoltStore) CreateTemplate(tmpl *types.Template) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTemplates)
		data, err := json.Marshal(tmpl)
		if err != nil {
			return err
		}
		return b.Put(packageKey(tmpl.Name, tmpl.Version), data)
	})
}

func (s *BoltStore) GetTemplate(name, version string) (*types.Template, error) {
	var tmpl types.Template
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTemplates)
		data := b.Get(packageKey(name, version))
		if data == nil {
			return fmt.Errorf("template not found: %s/%s", name, version)
		}
		return json.Unmarshal(data, &tmpl)
	})
	if err != nil {
		return nil, err
	}
	return &tmpl, nil
}

func (s *BoltStore) ListTemplates(release, releaseVer string) ([]*types.Template, error) {
	var out []*types.Template
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTemplates)
		return b.ForEach(func(k, v []byte) error {
			var tmpl types.Template
			if err := json.Unmarshal(v, &tmpl); err != nil {
				return err
			}
			if tmpl.Release == release && tmpl.ReleaseVer == releaseVer {
				out = append(out, &tmpl)
			}
			return nil
		})
	})
	return out, err
}

// Stemcells

func (s *BoltStore) CreateStemcell(sc *types.Stemcell) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStemcells)
		data, err := json.Marshal(sc)
		if err != nil {
			return err
		}
		return b.Put(packageKey(sc.Name, sc.Version), data)
	})
}

func (s *BoltStore) GetStemcell(name, version string) (*types.Stemcell, error) {
	var sc types.Stemcell
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStemcells)
		data := b.Get(packageKey(name, version))
		if data == nil {
			return fmt.Errorf("stemcell not found: %s/%s", name, version)
		}
		return json.Unmarshal(data, &sc)
	})
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *BoltStore) ListStemcells() ([]*types.Stemcell, error) {
	var out []*types.Stemcell
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStemcells)
		return b.ForEach(func(k, v []byte) error {
			var sc types.Stemcell
			if err := json.Unmarshal(v, &sc); err != nil {
				return err
			}
			out = append(out, &sc)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteStemcell(name, version string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStemcells)
		return b.Delete(packageKey(name, version))
	})
}

// Deployments

func (s *BoltStore) CreateDeployment(d *types.Deployment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return b.Put([]byte(d.Name), data)
	})
}

func (s *BoltStore) GetDeployment(name string) (*types.Deployment, error) {
	var d types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("deployment not found: %s", name)
		}
		return json.Unmarshal(data, &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *BoltStore) ListDeployments() ([]*types.Deployment, error) {
	var out []*types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		return b.ForEach(func(k, v []byte) error {
			var d types.Deployment
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			out = append(out, &d)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateDeployment(d *types.Deployment) error {
	return s.CreateDeployment(d)
}

func (s *BoltStore) DeleteDeployment(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		return b.Delete([]byte(name))
	})
}

// VMs

func (s *BoltStore) CreateVM(vm *types.VM) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVMs)
		data, err := json.Marshal(vm)
		if err != nil {
			return err
		}
		return b.Put([]byte(vm.CID), data)
	})
}

func (s *BoltStore) GetVM(cid string) (*types.VM, error) {
	var vm types.VM
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVMs)
		data := b.Get([]byte(cid))
		if data == nil {
			return fmt.Errorf("vm not found: %s", cid)
		}
		return json.Unmarshal(data, &vm)
	})
	if err != nil {
		return nil, err
	}
	return &vm, nil
}

func (s *BoltStore) ListVMsByDeployment(deployment string) ([]*types.VM, error) {
	var out []*types.VM
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVMs)
		return b.ForEach(func(k, v []byte) error {
			var vm types.VM
			if err := json.Unmarshal(v, &vm); err != nil {
				return err
			}
			if vm.Deployment == deployment {
				out = append(out, &vm)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListIdleVMs(deployment, resourcePool string) ([]*types.VM, error) {
	var out []*types.VM
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVMs)
		return b.ForEach(func(k, v []byte) error {
			var vm types.VM
			if err := json.Unmarshal(v, &vm); err != nil {
				return err
			}
			if vm.Deployment == deployment && vm.ResourcePool == resourcePool && vm.InstanceJob == "" {
				out = append(out, &vm)
			}
			return nil
		})
	})
	return out, err
}

// ClaimIdleVM does the find-and-assign inside one write transaction, the
// same read-check-write shape as CompareAndSwapTaskState and
// TryAcquireLock: concurrent claimants serialize on the transaction, so a
// VM is handed to at most one of them.
func (s *BoltStore) ClaimIdleVM(deployment, resourcePool, job string, index int) (*types.VM, error) {
	var claimed *types.VM
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVMs)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var vm types.VM
			if err := json.Unmarshal(v, &vm); err != nil {
				return err
			}
			if vm.Deployment != deployment || vm.ResourcePool != resourcePool || vm.InstanceJob != "" {
				continue
			}
			vm.InstanceJob = job
			vm.InstanceIdx = index
			data, err := json.Marshal(&vm)
			if err != nil {
				return err
			}
			key := append([]byte(nil), k...)
			if err := b.Put(key, data); err != nil {
				return err
			}
			claimed = &vm
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *BoltStore) UpdateVM(vm *types.VM) error {
	return s.CreateVM(vm)
}

func (s *BoltStore) DeleteVM(cid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVMs)
		return b.Delete([]byte(cid))
	})
}

// Instances

func instanceKey(deployment, job string, index int) []byte {
	return []byte(fmt.Sprintf("%s/%s/%d", deployment, job, index))
}

func (s *BoltStore) CreateInstance(i *types.Instance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data, err := json.Marshal(i)
		if err != nil {
			return err
		}
		return b.Put(instanceKey(i.Deployment, i.Job, i.Index), data)
	})
}

func (s *BoltStore) GetInstance(deployment, job string, index int) (*types.Instance, error) {
	var i types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data := b.Get(instanceKey(deployment, job, index))
		if data == nil {
			return fmt.Errorf("instance not found: %s/%s/%d", deployment, job, index)
		}
		return json.Unmarshal(data, &i)
	})
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (s *BoltStore) ListInstancesByDeployment(deployment string) ([]*types.Instance, error) {
	var out []*types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.ForEach(func(k, v []byte) error {
			var i types.Instance
			if err := json.Unmarshal(v, &i); err != nil {
				return err
			}
			if i.Deployment == deployment {
				out = append(out, &i)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListInstancesByJob(deployment, job string) ([]*types.Instance, error) {
	var out []*types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.ForEach(func(k, v []byte) error {
			var i types.Instance
			if err := json.Unmarshal(v, &i); err != nil {
				return err
			}
			if i.Deployment == deployment && i.Job == job {
				out = append(out, &i)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateInstance(i *types.Instance) error {
	return s.CreateInstance(i)
}

func (s *BoltStore) DeleteInstance(deployment, job string, index int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.Delete(instanceKey(deployment, job, index))
	})
}

// Disks

func (s *BoltStore) CreateDisk(d *types.Disk) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDisks)
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return b.Put([]byte(d.CID), data)
	})
}

func (s *BoltStore) GetDisk(cid string) (*types.Disk, error) {
	var d types.Disk
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDisks)
		data := b.Get([]byte(cid))
		if data == nil {
			return fmt.Errorf("disk not found: %s", cid)
		}
		return json.Unmarshal(data, &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *BoltStore) ListDisksByInstance(deployment, job string, index int) ([]*types.Disk, error) {
	var out []*types.Disk
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDisks)
		return b.ForEach(func(k, v []byte) error {
			var d types.Disk
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.Deployment == deployment && d.Job == job && d.Index == index {
				out = append(out, &d)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteDisk(cid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDisks)
		return b.Delete([]byte(cid))
	})
}

// Locks

func (s *BoltStore) TryAcquireLock(name, holder string, ttl time.Duration) (bool, error) {
	var acquired bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		data := b.Get([]byte(name))
		now := time.Now()
		if data != nil {
			var existing types.LockRecord
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			if existing.Expiry.After(now) && existing.Holder != holder {
				acquired = false
				return nil
			}
		}
		rec := types.LockRecord{Name: name, Holder: holder, Expiry: now.Add(ttl)}
		encoded, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(name), encoded); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

func (s *BoltStore) RenewLock(name, holder string, ttl time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("lock not held: %s", name)
		}
		var existing types.LockRecord
		if err := json.Unmarshal(data, &existing); err != nil {
			return err
		}
		if existing.Holder != holder {
			return fmt.Errorf("lock %s is held by another holder", name)
		}
		existing.Expiry = time.Now().Add(ttl)
		encoded, err := json.Marshal(&existing)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), encoded)
	})
}

func (s *BoltStore) ReleaseLock(name, holder string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		data := b.Get([]byte(name))
		if data == nil {
			return nil
		}
		var existing types.LockRecord
		if err := json.Unmarshal(data, &existing); err != nil {
			return err
		}
		if existing.Holder != holder {
			return fmt.Errorf("lock %s is held by another holder", name)
		}
		return b.Delete([]byte(name))
	})
}

func (s *BoltStore) GetLock(name string) (*types.LockRecord, error) {
	var rec types.LockRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("lock not found: %s", name)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
