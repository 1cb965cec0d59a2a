// Package worker provides the background pool running archive query pipelines.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/and161185/mam-keeper/internal/errs"
)

// DefaultGrace is how long Shutdown lets outstanding tasks finish before cancelling them.
const DefaultGrace = 4 * time.Second

// Pool runs submitted tasks on background goroutines until it is drained.
type Pool struct {
	mu         sync.Mutex
	closed     bool
	submitting sync.WaitGroup

	pool   *pool.ContextPool
	cancel context.CancelFunc
	done   chan struct{}
	wait   sync.Once
	logger *zap.Logger
}

// New creates a pool whose tasks observe a context derived from parent. maxWorkers bounds
// concurrency; zero or less means one goroutine per task.
func New(parent context.Context, maxWorkers int, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	p := pool.New().WithContext(ctx)
	if maxWorkers > 0 {
		p = p.WithMaxGoroutines(maxWorkers)
	}
	return &Pool{pool: p, cancel: cancel, done: make(chan struct{}), logger: logger}
}

// Submit schedules task. With a worker limit it blocks until a worker is free.
// After Drain it returns errs.ErrPoolClosed.
func (p *Pool) Submit(task func(ctx context.Context)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errs.ErrPoolClosed
	}
	p.submitting.Add(1)
	p.mu.Unlock()
	defer p.submitting.Done()

	p.pool.Go(func(ctx context.Context) error {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("worker task panicked", zap.Any("panic", r), zap.Stack("stack"))
			}
		}()
		task(ctx)
		return nil
	})
	return nil
}

// Drain stops accepting tasks and waits up to grace for outstanding ones.
// It reports whether every task finished in time.
func (p *Pool) Drain(grace time.Duration) bool {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.wait.Do(func() {
		go func() {
			p.submitting.Wait()
			_ = p.pool.Wait()
			close(p.done)
		}()
	})

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

// ForceStop cancels the context of every outstanding task.
func (p *Pool) ForceStop() {
	p.cancel()
}

// Done is closed once the pool is drained and every task returned.
func (p *Pool) Done() <-chan struct{} { return p.done }

// Draining reports whether the pool stopped accepting tasks.
func (p *Pool) Draining() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Shutdown drains the pool for grace, then cancels whatever is still running and waits for it.
func (p *Pool) Shutdown(grace time.Duration) {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if p.Drain(grace) {
		p.cancel()
		return
	}
	p.logger.Warn("worker pool did not drain in time, cancelling outstanding tasks", zap.Duration("grace", grace))
	p.ForceStop()
	<-p.done
}
