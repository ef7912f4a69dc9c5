package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/imagejobs/internal/domain"
	"github.com/SirClappington/imagejobs/internal/metrics"
)

// Handler runs one invocation of a job type. It returns when the job is
// finished, halted, or handed to a continuation.
type Handler interface {
	Run(ctx context.Context, inv *Invocation) error
}

type HandlerFunc func(ctx context.Context, inv *Invocation) error

func (f HandlerFunc) Run(ctx context.Context, inv *Invocation) error { return f(ctx, inv) }

// Registry maps job types to handlers and owns the lease around every
// invocation.
type Registry struct {
	jobs     *Jobs
	store    Store
	exec     *Executor
	cont     Continuer
	handlers map[domain.Type]Handler
	log      *zap.Logger
	// hardLimit bounds one invocation beyond the loop's soft ceiling.
	hardLimit time.Duration
}

// NewRegistry builds a registry from an explicit handler table. With a nil
// exec the registry runs nothing itself: Schedule hands the job to cont, for
// processes that only accept requests while workers consume the queue.
func NewRegistry(jobs *Jobs, store Store, exec *Executor, cont Continuer, handlers map[domain.Type]Handler, hardLimit time.Duration, log *zap.Logger) (*Registry, error) {
	table := make(map[domain.Type]Handler, len(handlers))
	for t, h := range handlers {
		if !t.Valid() {
			return nil, fmt.Errorf("register %q: %w", t, domain.ErrUnsupportedJobType)
		}
		if h == nil {
			return nil, fmt.Errorf("register %q: nil handler", t)
		}
		table[t] = h
	}
	return &Registry{
		jobs:      jobs,
		store:     store,
		exec:      exec,
		cont:      cont,
		handlers:  table,
		log:       log.Named("registry"),
		hardLimit: hardLimit,
	}, nil
}

func (r *Registry) Has(t domain.Type) bool {
	_, ok := r.handlers[t]
	return ok
}

// Submit creates a job and, when it starts running, schedules its first
// invocation.
func (r *Registry) Submit(ctx context.Context, req CreateRequest) (*domain.Job, error) {
	if !r.Has(req.Type) {
		return nil, domain.ErrUnsupportedJobType
	}
	job, err := r.jobs.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	if job.Status == domain.Running {
		r.Schedule(job.ID)
	}
	return job, nil
}

// Resume is the operator path: it moves the job to RUNNING and schedules an
// invocation. A job that already has a live invocation is left alone.
func (r *Registry) Resume(ctx context.Context, id string) (*domain.Job, error) {
	job, err := r.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.Has(job.Type) {
		return nil, domain.ErrUnsupportedJobType
	}
	if job.Status.Terminal() {
		return nil, &domain.TransitionError{From: job.Status, To: domain.Running}
	}
	if job.Status == domain.Running && job.Leased(r.jobs.Now()) {
		r.log.Info("resume ignored, invocation in flight", zap.String("job_id", id))
		return job, nil
	}
	job, err = r.jobs.Transition(ctx, id, domain.Running, "Resuming")
	if err != nil {
		return nil, err
	}
	r.Schedule(id)
	return job, nil
}

// Requeue resets failed items and resumes the job.
func (r *Registry) Requeue(ctx context.Context, id string) (int, *domain.Job, error) {
	n, err := r.jobs.RequeueFailed(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	job, err := r.Resume(ctx, id)
	if err != nil {
		return n, nil, err
	}
	return n, job, nil
}

// Restart resets the job's progress and resumes it from its first item.
func (r *Registry) Restart(ctx context.Context, id string) (*domain.Job, error) {
	if _, err := r.jobs.Restart(ctx, id); err != nil {
		return nil, err
	}
	return r.Resume(ctx, id)
}

// Shutdown stops scheduling and waits for running invocations.
func (r *Registry) Shutdown(ctx context.Context) {
	if r.exec != nil {
		r.exec.Shutdown(ctx)
	}
}

// Schedule queues an invocation of the job on the executor, or on the
// continuation queue when the registry has no executor.
func (r *Registry) Schedule(id string) {
	if r.exec == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.cont.Continue(ctx, id, r.jobs.Now()); err != nil {
			r.log.Warn("enqueue failed, watchdog will resume", zap.String("job_id", id), zap.Error(err))
		}
		return
	}
	err := r.exec.Go(id, func(ctx context.Context) {
		if err := r.Dispatch(ctx, id); err != nil {
			r.log.Warn("invocation ended with error", zap.String("job_id", id), zap.Error(err))
		}
	})
	if err != nil {
		r.log.Warn("schedule failed, watchdog will resume", zap.String("job_id", id), zap.Error(err))
	}
}

// Dispatch is the continuation path. It runs the job's handler in the calling
// goroutine if the job is still RUNNING and nobody else holds its lease.
func (r *Registry) Dispatch(ctx context.Context, id string) error {
	job, err := r.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != domain.Running {
		r.log.Info("continuation dropped, job not running",
			zap.String("job_id", id), zap.String("status", string(job.Status)))
		return nil
	}
	h, ok := r.handlers[job.Type]
	if !ok {
		return domain.ErrUnsupportedJobType
	}
	return r.supervise(ctx, job, h)
}

func (r *Registry) supervise(ctx context.Context, job *domain.Job, h Handler) error {
	owner := uuid.NewString()
	now := r.jobs.Now()
	log := r.log.With(zap.String("job_id", job.ID), zap.String("type", string(job.Type)), zap.String("owner", owner))

	ok, err := r.store.AcquireLease(ctx, job.ID, owner, now.Add(r.jobs.LeaseTTL()), now)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		log.Info("lease held elsewhere, skipping invocation")
		return nil
	}
	inv := &Invocation{Job: job, Owner: owner, Started: now}
	defer r.release(inv, log)

	// Items left running by a dead invocation are ours to redo.
	if n, err := r.store.RequeueRunning(ctx, job.ID); err != nil {
		return fmt.Errorf("requeue running items: %w", err)
	} else if n > 0 {
		log.Info("requeued orphaned items", zap.Int("items", n))
	}
	if job, err = r.jobs.Get(ctx, job.ID); err != nil {
		return err
	}

	runCtx := ctx
	if r.hardLimit > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.hardLimit)
		defer cancel()
	}

	inv.Job = job
	start := time.Now()
	err = r.run(runCtx, h, inv)
	metrics.InvocationDuration.WithLabelValues(string(job.Type)).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCheckpoint), errors.Is(err, domain.ErrLeaseLost):
		log.Warn("invocation interrupted, last checkpoint stands", zap.Error(err))
		return err
	case runCtx.Err() != nil:
		log.Warn("invocation canceled, last checkpoint stands", zap.Error(err))
		return err
	case errors.Is(err, domain.ErrInvalidTransition):
		log.Info("job changed status under invocation", zap.Error(err))
		return nil
	}

	log.Error("handler failed", zap.Error(err))
	fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, ferr := r.jobs.Fail(fctx, job.ID, err.Error()); ferr != nil && !errors.Is(ferr, domain.ErrInvalidTransition) {
		log.Error("mark job failed", zap.Error(ferr))
	}
	return err
}

// release drops the lease and then delivers any requested continuation, so
// the next invocation can acquire the lease.
func (r *Registry) release(inv *Invocation, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.ReleaseLease(ctx, inv.Job.ID, inv.Owner); err != nil {
		log.Warn("release lease failed", zap.Error(err))
	}
	at, ok := inv.Continuation()
	if !ok {
		return
	}
	metrics.Continuations.WithLabelValues(string(inv.Job.Type), inv.reason).Inc()
	if err := r.cont.Continue(ctx, inv.Job.ID, at); err != nil {
		log.Error("enqueue continuation failed, watchdog will resume", zap.Error(err))
		return
	}
	log.Info("continuation enqueued", zap.String("reason", inv.reason), zap.Time("at", at))
}

func (r *Registry) run(ctx context.Context, h Handler, inv *Invocation) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.Run(ctx, inv)
}

// InlineContinuer schedules continuations in process with timers. It loses
// pending continuations on restart; the watchdog picks those jobs up.
type InlineContinuer struct {
	mu       sync.Mutex
	dispatch func(jobID string)
	now      func() time.Time
}

func NewInlineContinuer() *InlineContinuer {
	return &InlineContinuer{now: time.Now}
}

func (c *InlineContinuer) Bind(dispatch func(jobID string)) {
	c.mu.Lock()
	c.dispatch = dispatch
	c.mu.Unlock()
}

func (c *InlineContinuer) Continue(_ context.Context, jobID string, at time.Time) error {
	c.mu.Lock()
	dispatch := c.dispatch
	c.mu.Unlock()
	if dispatch == nil {
		return errors.New("inline continuer not bound")
	}
	delay := at.Sub(c.now())
	if delay <= 0 {
		go dispatch(jobID)
		return nil
	}
	time.AfterFunc(delay, func() { dispatch(jobID) })
	return nil
}
