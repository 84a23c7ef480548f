package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"dcollector/internal/logging"
	"dcollector/internal/metrics"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("pool closed")

// Task is one unit of pool work. workerID names the goroutine running it.
type Task func(ctx context.Context, workerID string)

// Pool runs tasks on a fixed set of worker goroutines. Submitted tasks wait
// in an unbounded FIFO queue; each worker runs one task to completion before
// taking the next. Every accepted task runs, including those still queued
// when Close is called.
type Pool struct {
	g       errgroup.Group
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Task
	closed bool
}

// NewPool starts workers goroutines named worker-1 .. worker-N. Tasks get
// a context that keeps ctx's values but is never cancelled, so in-flight
// work always runs to completion.
func NewPool(ctx context.Context, workers int, m *metrics.Metrics, logger *slog.Logger) *Pool {
	workers = max(workers, 1)
	p := &Pool{
		logger:  logging.Default(logger).With("component", "pool"),
		metrics: m,
	}
	p.cond = sync.NewCond(&p.mu)

	taskCtx := context.WithoutCancel(ctx)
	for i := range workers {
		id := fmt.Sprintf("worker-%d", i+1)
		p.g.Go(func() error {
			for {
				task, ok := p.next()
				if !ok {
					return nil
				}
				p.run(taskCtx, id, task)
			}
		})
	}
	p.logger.Debug("pool started", "workers", workers)
	return p
}

// Submit queues task and returns immediately. It fails only after Close.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.queue = append(p.queue, task)
	p.metrics.TaskQueued()
	p.cond.Signal()
	return nil
}

// Pending returns the number of queued tasks not yet taken by a worker.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close stops intake. Queued tasks still run. Close is idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.cond.Broadcast()
}

// Wait blocks until every queued task has run and the workers exit. It
// must be called after Close.
func (p *Pool) Wait() {
	_ = p.g.Wait()
	p.logger.Debug("pool drained")
}

// next blocks until a task is queued or the pool is closed and empty.
func (p *Pool) next() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 {
		if p.closed {
			return nil, false
		}
		p.cond.Wait()
	}
	task := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return task, true
}

func (p *Pool) run(ctx context.Context, id string, task Task) {
	p.metrics.TaskStarted()
	defer p.metrics.TaskDone()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "worker", id, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task(ctx, id)
}
