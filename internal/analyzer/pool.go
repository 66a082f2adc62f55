package analyzer

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// DefaultWorkers is the default number of concurrent analyzer runs.
const DefaultWorkers = 4

// Pool limits the number of concurrent runs of an Invoker. Callers beyond
// the limit wait for a free slot; giving up while waiting yields
// ErrCancelled without running anything.
type Pool struct {
	inv Invoker
	sem *semaphore.Weighted
}

// NewPool returns a Pool running at most size invocations of inv at once.
func NewPool(inv Invoker, size int) *Pool {
	if size <= 0 {
		size = DefaultWorkers
	}
	return &Pool{inv: inv, sem: semaphore.NewWeighted(int64(size))}
}

func (p *Pool) Run(ctx context.Context, req Request) (Output, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Output{}, fmt.Errorf("%w: waiting for a worker: %v", ErrCancelled, err)
	}
	defer p.sem.Release(1)
	return p.inv.Run(ctx, req)
}
