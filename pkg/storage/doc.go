/*
Package storage provides BoltDB-backed persistence for the director's state.

BoltStore implements Store using bbolt as the embedded database, with one
bucket per entity type and values JSON-marshaled on write. There is no
secondary indexing: lookups by a non-key field (ListPackages,
ListInstancesByDeployment, ListIdleVMs) scan the bucket and filter in
memory, which is the same tradeoff the rest of this codebase makes for
list operations at this scale.

# Buckets

  - tasks: keyed by an 8-byte big-endian encoding of the int64 task ID,
    assigned from the bucket's built-in sequence on first insert
  - releases, release_versions, packages, compiled_packages, templates,
    stemcells: keyed by name, or name/version, or the full identity tuple
    for compiled packages (package, stemcell, dependency key)
  - deployments: keyed by deployment name
  - vms: keyed by VM CID
  - instances: keyed by deployment/job/index
  - disks: keyed by disk CID
  - locks: keyed by lock name; see pkg/lock for the acquire/renew/release
    protocol built on TryAcquireLock, RenewLock and ReleaseLock

# Transactions

Reads use db.View, writes use db.Update; bbolt serializes writers and
gives readers a consistent MVCC snapshot. CompareAndSwapTaskState and the
lock methods rely on this to make a read-modify-write atomic without a
separate locking layer.

# Usage

	store, err := storage.NewBoltStore("/var/vcap/store/director")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	task := &types.Task{Kind: types.TaskKindUpdateDeployment, State: types.TaskStateQueued}
	if err := store.CreateTask(task); err != nil {
		...
	}
*/
package storage
