// Package lock implements the director's distributed lock: a named,
// TTL-bounded mutual exclusion row backed by pkg/storage, used to serialize
// mutating tasks against the same deployment, release, stemcell collection,
// or compile target.
package lock

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/cuemby/deploydirector/pkg/apierror"
	"github.com/cuemby/deploydirector/pkg/log"
	"github.com/cuemby/deploydirector/pkg/metrics"
	"github.com/cuemby/deploydirector/pkg/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultTTL is the lock's time-to-live absent an explicit override.
	DefaultTTL = 30 * time.Second
	// DefaultAcquireTimeout bounds how long Acquire retries before giving up.
	DefaultAcquireTimeout = 5 * time.Minute

	minBackoff = 50 * time.Millisecond
	maxBackoff = 2 * time.Second
)

// Name builders for the well-known lock namespaces.
func DeploymentName(name string) string { return fmt.Sprintf("lock:deployment:%s", name) }
func ReleaseName() string               { return "lock:release" }
func StemcellsName() string             { return "lock:stemcells" }
func CompileName(pkg, stemcell string) string {
	return fmt.Sprintf("lock:compile:%s:%s", pkg, stemcell)
}

// Locker acquires and releases named locks against a Store.
type Locker struct {
	store  storage.Store
	logger zerolog.Logger
}

// New creates a Locker backed by store.
func New(store storage.Store) *Locker {
	return &Locker{
		store:  store,
		logger: log.WithComponent("lock"),
	}
}

// Lease represents a held lock. Call Release exactly once, from a defer
// placed immediately after a successful Acquire, so the lock is released on
// every exit path of the body it scopes.
type Lease struct {
	name   string
	holder string
	ttl    time.Duration
	store  storage.Store
	logger zerolog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// Acquire attempts to take the named lock, retrying with jittered backoff
// until ctx is done or acquireTimeout elapses. It returns apierror with
// Kind lock_busy on timeout.
func (l *Locker) Acquire(ctx context.Context, name string, ttl, acquireTimeout time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	holder := uuid.NewString()
	deadline := time.Now().Add(acquireTimeout)
	waitStart := time.Now()

	for {
		acquired, err := l.store.TryAcquireLock(name, holder, ttl)
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", name, err)
		}
		if acquired {
			break
		}
		if time.Now().After(deadline) {
			metrics.LockWaitDuration.WithLabelValues(name).Observe(time.Since(waitStart).Seconds())
			return nil, apierror.New(apierror.KindLockBusy, "lock %s busy after %s", name, acquireTimeout)
		}
		select {
		case <-ctx.Done():
			metrics.LockWaitDuration.WithLabelValues(name).Observe(time.Since(waitStart).Seconds())
			return nil, apierror.Wrap(apierror.KindCancelled, ctx.Err(), "cancelled waiting for lock %s", name)
		case <-time.After(jitteredBackoff()):
		}
	}
	metrics.LockWaitDuration.WithLabelValues(name).Observe(time.Since(waitStart).Seconds())

	leaseCtx, cancel := context.WithCancel(context.Background())
	lease := &Lease{
		name:   name,
		holder: holder,
		ttl:    ttl,
		store:  l.store,
		logger: l.logger.With().Str("lock", name).Str("holder", holder).Logger(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go lease.renewLoop(leaseCtx)
	lease.logger.Debug().Msg("lock acquired")
	return lease, nil
}

func jitteredBackoff() time.Duration {
	span := maxBackoff - minBackoff
	return minBackoff + time.Duration(rand.Int63n(int64(span)))
}

// renewLoop refreshes the lock's expiry at ttl/3 until the lease's context
// is cancelled by Release.
func (lease *Lease) renewLoop(ctx context.Context) {
	defer close(lease.done)
	ticker := time.NewTicker(lease.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := lease.store.RenewLock(lease.name, lease.holder, lease.ttl); err != nil {
				lease.logger.Error().Err(err).Msg("lock renewal failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Release deletes the lock row, but only if this lease still holds it, and
// stops the background renewal goroutine. It is safe to call more than
// once.
func (lease *Lease) Release() error {
	select {
	case <-lease.done:
		return nil
	default:
	}
	lease.cancel()
	<-lease.done
	if err := lease.store.ReleaseLock(lease.name, lease.holder); err != nil {
		return fmt.Errorf("release lock %s: %w", lease.name, err)
	}
	lease.logger.Debug().Msg("lock released")
	return nil
}
