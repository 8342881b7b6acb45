// Package workpool runs a batch of tasks on a bounded number of goroutines.
//
// Dispatch is cooperative: once a task fails or the caller's context is
// cancelled, no further task is started, but tasks already started run to
// completion on a context that is not cancelled with the caller's. A
// half-issued engine call is never aborted.
package workpool

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Run calls fn for every item with at most limit calls in flight and
// returns the first error. A limit below 1 is treated as 1, which runs items
// strictly one after another in slice order.
//
// Cancellation only matters while items remain to be dispatched. When ctx
// is cancelled and at least one item was never started, Run returns
// ctx.Err(). When every item was started and none failed, Run returns nil
// even if ctx was cancelled while the last tasks were running, so callers
// can continue with work that depends on the batch having completed.
func Run[T any](ctx context.Context, limit int, items []T, fn func(context.Context, T) error) error {
	if limit < 1 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	detached := context.WithoutCancel(ctx)

	// stopped records that some item was skipped.
	var stopped atomic.Bool

	for _, item := range items {
		if gctx.Err() != nil {
			stopped.Store(true)
			break
		}
		// Go blocks while limit tasks are in flight, so re-check once a
		// slot is free.
		g.Go(func() error {
			if gctx.Err() != nil {
				stopped.Store(true)
				return nil
			}
			return fn(detached, item)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if stopped.Load() {
		return ctx.Err()
	}
	return nil
}
