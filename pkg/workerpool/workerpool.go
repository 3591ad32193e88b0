// Package workerpool implements the bounded worker pool used to fan out
// job-updater bulk rollouts: at most K units run
// concurrently, the first failure stops further scheduling while in-flight
// units run to completion, and cancellation short-circuits the same way.
package workerpool

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Pool runs work units with bounded concurrency and first-error-abort
// semantics. It is not reusable after Wait returns; construct a new Pool
// per batch of work.
type Pool struct {
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Pool that runs at most limit units concurrently. limit must
// be at least 1. The returned context is cancelled as soon as any unit
// fails or the parent ctx is done; work functions should observe it at
// their own suspension points to cooperate with cancellation.
func New(ctx context.Context, limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	childCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(childCtx)
	group.SetLimit(limit)
	return &Pool{group: group, ctx: groupCtx, cancel: cancel}
}

// Context returns the pool's context. Work functions should pass it to
// blocking calls (agent RPCs, cloud calls) so a sibling failure or external
// cancellation interrupts them promptly.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Go schedules a unit of work. Units admitted before a sibling failure run
// to completion; units that start after a failure observe the cancelled
// pool context and return immediately without invoking fn.
func (p *Pool) Go(fn func(ctx context.Context) error) {
	p.group.Go(func() error {
		if err := p.ctx.Err(); err != nil {
			return fmt.Errorf("cancelled: %w", err)
		}
		return fn(p.ctx)
	})
}

// Wait blocks until every scheduled unit has returned, then returns the
// first error recorded, if any.
func (p *Pool) Wait() error {
	defer p.cancel()
	return p.group.Wait()
}
