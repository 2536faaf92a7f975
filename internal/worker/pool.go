// Package worker provides the bounded goroutine pool that node executions and
// plan-creation waves are dispatched onto.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Queued    int64 `json:"queued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Dropped   int64 `json:"dropped"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// Task is a unit of work run on the pool.
type Task func(ctx context.Context) error

// Option configures a Pool.
type Option func(*Pool)

// WithPanicHandler registers a callback invoked with the recovered value when
// a task panics.
func WithPanicHandler(fn func(recovered any)) Option {
	return func(p *Pool) { p.onPanic = fn }
}

// WithDropHandler registers a callback for detached work that could not be
// scheduled (pool shut down or context cancelled while queued).
func WithDropHandler(fn func(err error)) Option {
	return func(p *Pool) { p.onDrop = fn }
}

// Pool is a bounded goroutine pool.
type Pool struct {
	sem  chan struct{}
	done chan struct{}

	mu          sync.Mutex
	idle        *sync.Cond
	outstanding int
	closed      bool

	metrics PoolMetrics
	onPanic func(any)
	onDrop  func(error)
}

// NewPool creates a pool with the given max concurrency.
func NewPool(size int, opts ...Option) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
	p.idle = sync.NewCond(&p.mu)
	for _, o := range opts {
		o(p)
	}
	return p
}

// Size returns the max concurrency.
func (p *Pool) Size() int { return cap(p.sem) }

// Submit runs fn on the pool. It blocks while the pool is at capacity
// (backpressure) and respects context cancellation while waiting.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	atomic.AddInt64(&p.metrics.Queued, 1)
	select {
	case p.sem <- struct{}{}:
		atomic.AddInt64(&p.metrics.Queued, -1)
	case <-ctx.Done():
		atomic.AddInt64(&p.metrics.Queued, -1)
		return ctx.Err()
	case <-p.done:
		atomic.AddInt64(&p.metrics.Queued, -1)
		return ErrPoolShutdown
	}

	// Shutdown may have raced the slot acquisition.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.outstanding++
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go p.run(ctx, fn)
	return nil
}

// Go schedules fn without blocking the caller. Tasks running on the pool use
// it to dispatch follow-up work, which would deadlock a full pool with Submit.
func (p *Pool) Go(ctx context.Context, fn Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.outstanding++
	p.mu.Unlock()

	go func() {
		defer p.finish()
		if err := p.Submit(ctx, fn); err != nil {
			atomic.AddInt64(&p.metrics.Dropped, 1)
			if p.onDrop != nil {
				p.onDrop(err)
			}
		}
	}()
	return nil
}

func (p *Pool) run(ctx context.Context, fn Task) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.metrics.Panics, 1)
			atomic.AddInt64(&p.metrics.Failed, 1)
			if p.onPanic != nil {
				p.onPanic(r)
			}
		}
		atomic.AddInt64(&p.metrics.Active, -1)
		<-p.sem
		p.finish()
	}()

	if err := fn(ctx); err != nil {
		atomic.AddInt64(&p.metrics.Failed, 1)
	} else {
		atomic.AddInt64(&p.metrics.Completed, 1)
	}
}

func (p *Pool) finish() {
	p.mu.Lock()
	p.outstanding--
	if p.outstanding == 0 {
		p.idle.Broadcast()
	}
	p.mu.Unlock()
}

// Wait blocks until all submitted work, including work scheduled with Go by
// running tasks, has completed.
func (p *Pool) Wait() {
	p.mu.Lock()
	for p.outstanding > 0 {
		p.idle.Wait()
	}
	p.mu.Unlock()
}

// Shutdown stops accepting work and waits for outstanding work to finish.
// Detached work still waiting for a slot is dropped.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *Pool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Queued:    atomic.LoadInt64(&p.metrics.Queued),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
		Dropped:   atomic.LoadInt64(&p.metrics.Dropped),
	}
}
