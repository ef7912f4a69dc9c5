package engine

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrShuttingDown is returned by Executor.Go once Shutdown has begun.
var ErrShuttingDown = errors.New("executor shutting down")

type task struct {
	jobID string
	fn    func(ctx context.Context)
}

// Executor runs invocations on a fixed set of workers. Its context is
// canceled on shutdown so running loops stop at the next unit boundary.
type Executor struct {
	log     *zap.Logger
	workers int

	ch     chan task
	wg     sync.WaitGroup
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

type ExecutorOption func(*Executor)

func WithWorkers(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

func WithQueueSize(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.ch = make(chan task, n)
		}
	}
}

func NewExecutor(log *zap.Logger, opts ...ExecutorOption) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		log:     log.Named("executor"),
		workers: 8,
		ch:      make(chan task, 256),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(e)
	}
	e.start()
	return e
}

func (e *Executor) start() {
	e.once.Do(func() {
		for i := 0; i < e.workers; i++ {
			e.wg.Add(1)
			go func(workerID int) {
				defer e.wg.Done()
				for t := range e.ch {
					if e.ctx.Err() != nil {
						e.log.Info("dropping invocation during shutdown", zap.String("job_id", t.jobID))
						continue
					}
					t.fn(e.ctx)
				}
			}(i + 1)
		}
	})
}

// Go queues fn for jobID. It blocks while the queue is full.
func (e *Executor) Go(jobID string, fn func(ctx context.Context)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrShuttingDown
	}
	select {
	case e.ch <- task{jobID: jobID, fn: fn}:
	default:
		e.log.Warn("executor queue full, applying backpressure", zap.String("job_id", jobID))
		e.ch <- task{jobID: jobID, fn: fn}
	}
	return nil
}

// Shutdown stops accepting work, cancels running invocations and waits for
// the workers until ctx is done.
func (e *Executor) Shutdown(ctx context.Context) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.ch)
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() { defer close(done); e.wg.Wait() }()

	select {
	case <-ctx.Done():
		e.log.Warn("shutdown interrupted by context")
	case <-done:
		e.log.Info("executor drained")
	}
}
