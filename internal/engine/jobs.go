package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/imagejobs/internal/domain"
	"github.com/SirClappington/imagejobs/internal/metrics"
)

// Jobs is the job state machine on top of a Store.
type Jobs struct {
	store    Store
	pub      Publisher
	log      *zap.Logger
	leaseTTL time.Duration
	now      func() time.Time
}

type JobsOption func(*Jobs)

func WithPublisher(p Publisher) JobsOption {
	return func(j *Jobs) {
		if p != nil {
			j.pub = p
		}
	}
}

func WithLeaseTTL(d time.Duration) JobsOption {
	return func(j *Jobs) {
		if d > 0 {
			j.leaseTTL = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) JobsOption {
	return func(j *Jobs) { j.now = now }
}

func NewJobs(store Store, log *zap.Logger, opts ...JobsOption) *Jobs {
	j := &Jobs{
		store:    store,
		pub:      NopPublisher,
		log:      log.Named("jobs"),
		leaseTTL: 90 * time.Second,
		now:      time.Now,
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

func (j *Jobs) Now() time.Time { return j.now() }

func (j *Jobs) LeaseTTL() time.Duration { return j.leaseTTL }

type CreateRequest struct {
	Type    domain.Type   `json:"type"`
	Context domain.Values `json:"context"`
	Refs    []string      `json:"refs"`
	// Start creates the job directly in RUNNING.
	Start bool `json:"start"`
}

// Create validates the request and persists a new job with its items.
func (j *Jobs) Create(ctx context.Context, req CreateRequest) (*domain.Job, error) {
	if !req.Type.Valid() {
		return nil, domain.ErrUnsupportedJobType
	}
	values := req.Context
	if values == nil {
		values = domain.Values{}
	}
	if _, err := domain.DecodeContext(req.Type, values); err != nil {
		return nil, err
	}

	now := j.now()
	caps := req.Type.Capabilities()
	job := &domain.Job{
		ID:              uuid.NewString(),
		Type:            req.Type,
		Status:          domain.Pending,
		ProgressTotal:   len(req.Refs),
		ProgressMessage: "Queued",
		Context:         values,
		SupportsPause:   caps.Pause,
		SupportsRetry:   caps.Retry,
		SupportsRestart: caps.Restart,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.Start {
		job.Status = domain.Running
		job.StartedAt = &now
		job.ProgressMessage = "Starting"
	}
	if err := j.store.InsertJob(ctx, job, req.Refs); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	metrics.JobsCreated.WithLabelValues(string(job.Type)).Inc()
	j.publish(ctx, domain.EventCreated, job)
	j.log.Info("job created",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.String("status", string(job.Status)),
		zap.Int("items", len(req.Refs)),
	)
	return job, nil
}

func (j *Jobs) Get(ctx context.Context, id string) (*domain.Job, error) {
	return j.store.GetJob(ctx, id)
}

func (j *Jobs) List(ctx context.Context, f JobFilter) ([]*domain.Job, error) {
	return j.store.ListJobs(ctx, f)
}

// Transition moves the job to `to` if the state machine allows it from the
// current status. Rejected transitions leave the job untouched.
func (j *Jobs) Transition(ctx context.Context, id string, to domain.Status, message string) (*domain.Job, error) {
	for attempt := 0; attempt < 3; attempt++ {
		cur, err := j.store.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if !cur.Status.CanTransition(to) {
			return nil, &domain.TransitionError{From: cur.Status, To: to}
		}
		job, err := j.store.SetStatus(ctx, id, cur.Status, to, message, j.now())
		if errors.Is(err, domain.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		metrics.JobTransitions.WithLabelValues(string(job.Type), string(to)).Inc()
		j.publish(ctx, domain.EventTransition, job)
		j.log.Info("job transition",
			zap.String("job_id", id),
			zap.String("from", string(cur.Status)),
			zap.String("to", string(to)),
			zap.String("message", message),
		)
		return job, nil
	}
	return nil, fmt.Errorf("transition %s to %s: %w", id, to, domain.ErrStatusConflict)
}

func (j *Jobs) Pause(ctx context.Context, id string) (*domain.Job, error) {
	cur, err := j.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cur.SupportsPause {
		return nil, fmt.Errorf("pause %s: %w", cur.Type, domain.ErrCapability)
	}
	return j.Transition(ctx, id, domain.Paused, "Paused by operator")
}

func (j *Jobs) Cancel(ctx context.Context, id string) (*domain.Job, error) {
	return j.Transition(ctx, id, domain.Canceled, "Canceled by operator")
}

func (j *Jobs) Complete(ctx context.Context, id, message string) (*domain.Job, error) {
	return j.Transition(ctx, id, domain.Completed, message)
}

func (j *Jobs) Fail(ctx context.Context, id, message string) (*domain.Job, error) {
	return j.Transition(ctx, id, domain.Failed, message)
}

// Checkpoint durably records progress for the invocation holding owner's
// lease and extends that lease. Counters only move forward.
func (j *Jobs) Checkpoint(ctx context.Context, id, owner string, cp domain.Checkpoint) (*domain.Job, error) {
	if cp.DoneDelta < 0 || cp.FailedDelta < 0 {
		return nil, fmt.Errorf("negative progress delta (done %d, failed %d)", cp.DoneDelta, cp.FailedDelta)
	}
	now := j.now()
	job, err := j.store.Checkpoint(ctx, id, owner, cp, now.Add(j.leaseTTL), now)
	if err != nil {
		metrics.Checkpoints.WithLabelValues("unknown", "error").Inc()
		if errors.Is(err, domain.ErrLeaseLost) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrCheckpoint, err)
	}
	metrics.Checkpoints.WithLabelValues(string(job.Type), "ok").Inc()
	j.publish(ctx, domain.EventCheckpoint, job)
	return job, nil
}

// Restart drops the job's progress and requeues every item. The status is
// left alone; Registry.Restart resumes the job afterwards.
func (j *Jobs) Restart(ctx context.Context, id string) (*domain.Job, error) {
	cur, err := j.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cur.SupportsRestart {
		return nil, fmt.Errorf("restart %s: %w", cur.Type, domain.ErrCapability)
	}
	if cur.Status.Terminal() {
		return nil, &domain.TransitionError{From: cur.Status, To: domain.Running}
	}
	c, err := domain.DecodeContext(cur.Type, cur.Context)
	if err != nil {
		return nil, err
	}
	job, err := j.store.ResetJob(ctx, id, domain.Fresh(c).Encode(), j.now())
	if err != nil {
		return nil, fmt.Errorf("reset job: %w", err)
	}
	j.log.Info("job restarted", zap.String("job_id", id), zap.String("type", string(job.Type)))
	return job, nil
}

// RenewLease extends owner's lease by the lease TTL from now.
func (j *Jobs) RenewLease(ctx context.Context, id, owner string) error {
	now := j.now()
	_, err := j.store.Checkpoint(ctx, id, owner, domain.Checkpoint{}, now.Add(j.leaseTTL), now)
	return err
}

// RequeueFailed is the operator's bulk retry: failed items go back to queued
// with cleared attempts and progressFailed returns to zero.
func (j *Jobs) RequeueFailed(ctx context.Context, id string) (int, error) {
	cur, err := j.store.GetJob(ctx, id)
	if err != nil {
		return 0, err
	}
	if !cur.SupportsRetry {
		return 0, fmt.Errorf("retry %s: %w", cur.Type, domain.ErrCapability)
	}
	if cur.Status.Terminal() {
		return 0, &domain.TransitionError{From: cur.Status, To: domain.Running}
	}
	n, err := j.store.RequeueFailed(ctx, id, j.now())
	if err != nil {
		return 0, fmt.Errorf("requeue failed items: %w", err)
	}
	j.log.Info("failed items requeued", zap.String("job_id", id), zap.Int("items", n))
	return n, nil
}

func (j *Jobs) publish(ctx context.Context, kind domain.EventKind, job *domain.Job) {
	if err := j.pub.Publish(ctx, domain.NewEvent(kind, job, j.now())); err != nil {
		j.log.Warn("publish job event failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
