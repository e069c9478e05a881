// Package rpcgate is the process-wide RPC admission controller (C1):
// a fair concurrency cap plus a separately-paced limiter for head-block
// calls, shared across every chain's goroutines in one process.
package rpcgate

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Controller gates every outbound RPC call. One Controller per process, per
// spec.md §4.1: "process-wide, not per-chain."
type Controller struct {
	sem          *semaphore.Weighted
	headLimiter  *rate.Limiter
}

// NewController builds a Controller allowing at most maxConcurrent
// in-flight calls, with head-block calls additionally spaced at least
// minHeadSpacing apart.
func NewController(maxConcurrent int, minHeadSpacing time.Duration) *Controller {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	var lim *rate.Limiter
	if minHeadSpacing <= 0 {
		lim = rate.NewLimiter(rate.Inf, 1)
	} else {
		lim = rate.NewLimiter(rate.Every(minHeadSpacing), 1)
	}
	return &Controller{
		sem:         semaphore.NewWeighted(int64(maxConcurrent)),
		headLimiter: lim,
	}
}

// Acquire blocks until a concurrency slot is free, and — for head-block
// calls — until the minimum spacing since the last head-block call has
// elapsed. It returns a release func the caller must defer.
func (c *Controller) Acquire(ctx context.Context, headBlock bool) (func(), error) {
	if headBlock {
		if err := c.headLimiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { c.sem.Release(1) }, nil
}
