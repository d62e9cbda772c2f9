package resilience

import (
	"context"

	"digital.vasic.fileops/pkg/client"
	"digital.vasic.fileops/pkg/pool"
)

// Runner runs calls on pooled sessions under the Executor policies.
type Runner struct {
	pool     *pool.Pool
	executor *Executor
}

// NewRunner creates a Runner.
func NewRunner(p *pool.Pool, e *Executor) *Runner {
	return &Runner{pool: p, executor: e}
}

// Run acquires a session of resource, runs fn on its client and releases
// the session, retrying the whole unit per class.
func (r *Runner) Run(ctx context.Context, resource string, class Class, fn func(context.Context, client.Client) error) error {
	return r.executor.Do(ctx, resource, class, func(ctx context.Context) error {
		s, err := r.pool.Acquire(ctx, resource)
		if err != nil {
			return err
		}
		err = Protect(func() error { return fn(ctx, s.Client()) })
		r.pool.Release(s, err)
		return err
	})
}

// Pool returns the session pool.
func (r *Runner) Pool() *pool.Pool { return r.pool }

// Executor returns the executor.
func (r *Runner) Executor() *Executor { return r.executor }
