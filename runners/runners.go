// Package runners bounds how many simulations run at once.
package runners

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrShuttingDown is returned by Run once Shutdown has been called.
var ErrShuttingDown = errors.New("runners: shutting down")

// Stats is a snapshot of runner usage.
type Stats struct {
	Capacity int   `json:"capacity"`
	Running  int   `json:"running"`
	Waiting  int   `json:"waiting"`
	Started  int64 `json:"started"`
	Rejected int64 `json:"rejected"`
}

// Runners manages a pool of concurrent simulation slots.
type Runners struct {
	sem      *semaphore.Weighted
	capacity int

	mu       sync.Mutex
	running  int
	waiting  int
	started  int64
	rejected int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pool with n slots. n <= 0 means GOMAXPROCS.
func New(n int) *Runners {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runners{
		sem:      semaphore.NewWeighted(int64(n)),
		capacity: n,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Run waits for a free slot and calls fn in the caller's goroutine. The
// context passed to fn is cancelled when ctx is or when the pool shuts down.
// If no slot frees up before ctx ends, Run returns ctx.Err().
func (r *Runners) Run(ctx context.Context, fn func(context.Context) error) error {
	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.rejected++
		r.mu.Unlock()
		return ErrShuttingDown
	}
	r.waiting++
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	if err := r.sem.Acquire(jobCtx, 1); err != nil {
		r.mu.Lock()
		r.waiting--
		r.rejected++
		r.mu.Unlock()
		if ctx.Err() == nil && r.ctx.Err() != nil {
			return ErrShuttingDown
		}
		return ctx.Err()
	}

	r.mu.Lock()
	r.waiting--
	r.running++
	r.started++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running--
		r.mu.Unlock()
		r.sem.Release(1)
	}()

	return fn(jobCtx)
}

// Stats returns current usage.
func (r *Runners) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Capacity: r.capacity,
		Running:  r.running,
		Waiting:  r.waiting,
		Started:  r.started,
		Rejected: r.rejected,
	}
}

// Shutdown stops accepting work, cancels running jobs and waits for them
// to return.
func (r *Runners) Shutdown() {
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()
	r.wg.Wait()
}
