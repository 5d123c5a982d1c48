package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/keel/pkg/observability"
)

// SafeGo runs fn in a goroutine with a timeout and panic recovery. Errors are
// logged, never returned.
//
//	async.SafeGo(ctx, logger, 5*time.Second, "catalog reload", func(ctx context.Context) error {
//	    return src.Reload()
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()
		defer observability.RecoverPanic(logger, taskName)

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", taskName).Warn("Background task failed")
		}
	}()
}

// WorkerPool runs submitted tasks on a fixed number of workers with a
// per-task timeout. Queued tasks run to completion on Shutdown; cancelling
// the context passed to NewWorkerPool does not abandon them.
type WorkerPool struct {
	workers  int
	taskName string
	timeout  time.Duration
	logger   *observability.Logger

	mu     sync.RWMutex
	closed bool
	workCh chan func(context.Context) error
	doneCh chan struct{}

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// NewWorkerPool starts workers goroutines. queueSize bounds pending tasks;
// zero means twice the worker count. Task contexts carry ctx's values but
// are only cancelled by their own timeout or a Shutdown that times out.
//
//	pool := async.NewWorkerPool(ctx, logger, 4, 256, "analytics", 5*time.Second)
//	defer pool.Shutdown(5 * time.Second)
func NewWorkerPool(ctx context.Context, logger *observability.Logger, workers, queueSize int, taskName string, timeout time.Duration) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 2
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	pool := &WorkerPool{
		workers:  workers,
		taskName: taskName,
		timeout:  timeout,
		logger:   logger.WithField("pool", taskName),
		workCh:   make(chan func(context.Context) error, queueSize),
		doneCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				pool.worker(id)
			}(i)
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// TrySubmit queues fn without blocking. It reports false when the pool is
// full or shut down.
func (p *WorkerPool) TrySubmit(fn func(context.Context) error) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	select {
	case p.workCh <- fn:
		return true
	default:
		return false
	}
}

// Shutdown stops accepting work and waits up to timeout for queued tasks.
// On timeout the remaining tasks still run, with an already cancelled
// context, so they fail fast instead of vanishing.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var shutdownErr error

	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.workCh)
		p.mu.Unlock()

		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			shutdownErr = fmt.Errorf("worker pool %s shutdown timed out after %v with %d tasks queued", p.taskName, timeout, len(p.workCh))
		}
	})

	return shutdownErr
}

func (p *WorkerPool) worker(id int) {
	for fn := range p.workCh {
		p.run(id, fn)
	}
}

func (p *WorkerPool) run(id int, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("worker", id).Errorf("Panic in worker task: %v", r)
		}
	}()

	if err := fn(ctx); err != nil {
		p.logger.WithError(err).WithField("worker", id).Warn("Worker task failed")
	}
}
