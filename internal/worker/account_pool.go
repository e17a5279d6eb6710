package worker

import (
	"context"
	"errors"

	"github.com/alitto/pond/v2"
)

// AccountPool runs per-account work with bounded concurrency. Each call of the
// work function handles one account from start to finish, so work within an
// account stays serial.
type AccountPool struct {
	pool        pond.Pool
	concurrency int
}

// NewAccountPool creates a pool running at most concurrency accounts at once
func NewAccountPool(concurrency int) *AccountPool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &AccountPool{
		pool:        pond.NewPool(concurrency),
		concurrency: concurrency,
	}
}

// Concurrency returns the maximum number of accounts processed at once
func (p *AccountPool) Concurrency() int {
	return p.concurrency
}

// Run calls fn for every index in [0, n) and waits for all calls to return.
// Indexes not yet started when ctx is done are skipped and ctx's error is returned.
func (p *AccountPool) Run(ctx context.Context, n int, fn func(ctx context.Context, i int)) error {
	if n == 0 {
		return ctx.Err()
	}

	group := p.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for i := 0; i < n; i++ {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			fn(groupCtx, i)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		return err
	}
	return ctx.Err()
}

// Stop waits for running work to finish and releases the pool's workers
func (p *AccountPool) Stop() {
	p.pool.StopAndWait()
}
