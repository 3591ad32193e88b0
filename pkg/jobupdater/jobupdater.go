// Package jobupdater implements a job's rollout across its bound
// instances: canaries run serially and gate the rest, which then update
// through a bounded worker pool. A canary failure stops every instance
// behind it from being touched at all.
package jobupdater

import (
	"context"
	"fmt"

	"github.com/cuemby/deploydirector/pkg/deployplan"
	"github.com/cuemby/deploydirector/pkg/log"
	"github.com/cuemby/deploydirector/pkg/planner"
	"github.com/cuemby/deploydirector/pkg/workerpool"
	"github.com/rs/zerolog"
)

// InstanceUpdater is the slice of pkg/instanceupdater the job updater
// drives, kept narrow so jobupdater does not depend on cloud/agentrpc
// directly.
type InstanceUpdater interface {
	Apply(ctx context.Context, deployment string, job *deployplan.Job, rp *deployplan.ResourcePool, bi *planner.BoundInstance) error
}

// Updater rolls one job's bound instances through an InstanceUpdater.
type Updater struct {
	instances InstanceUpdater
	logger    zerolog.Logger
}

// New constructs an Updater.
func New(instances InstanceUpdater) *Updater {
	return &Updater{instances: instances, logger: log.WithComponent("jobupdater")}
}

// Update rolls job's bound instances bis (already index-ordered by
// planner.Reconciler.Bind) within deployment against rp. Canaries is
// clamped to len(bis); MaxInFlight below 1 behaves as 1.
func (u *Updater) Update(ctx context.Context, deployment string, job *deployplan.Job, rp *deployplan.ResourcePool, bis []*planner.BoundInstance) error {
	if len(bis) == 0 {
		return nil
	}

	canaries := job.Update.Canaries
	if canaries > len(bis) {
		canaries = len(bis)
	}
	if canaries < 0 {
		canaries = 0
	}

	logger := u.logger.With().Str("deployment", deployment).Str("job", job.Name).Logger()
	logger.Info().Int("canaries", canaries).Int("total", len(bis)).Msg("starting job rollout")

	for i := 0; i < canaries; i++ {
		if err := u.instances.Apply(ctx, deployment, job, rp, bis[i]); err != nil {
			return fmt.Errorf("canary %s/%d failed, rest of job %s left untouched: %w", job.Name, bis[i].Spec.Index, job.Name, err)
		}
	}

	rest := bis[canaries:]
	if len(rest) == 0 {
		return nil
	}

	maxInFlight := job.Update.MaxInFlight
	if maxInFlight < 1 {
		maxInFlight = 1
	}

	pool := workerpool.New(ctx, maxInFlight)
	for _, bi := range rest {
		bi := bi
		pool.Go(func(ctx context.Context) error {
			if err := u.instances.Apply(ctx, deployment, job, rp, bi); err != nil {
				return fmt.Errorf("instance %s/%d: %w", job.Name, bi.Spec.Index, err)
			}
			return nil
		})
	}
	if err := pool.Wait(); err != nil {
		return fmt.Errorf("job %s rollout failed: %w", job.Name, err)
	}

	logger.Info().Msg("job rollout complete")
	return nil
}
