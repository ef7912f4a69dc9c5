// Package engine drives checkpointed, resumable batch jobs: the job state
// machine, the batch runner, the timeout-guarded step loop and the resume
// handler registry.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/SirClappington/imagejobs/internal/domain"
)

// ErrCheckpoint marks a failed durable write. An invocation that hits it exits
// without failing the job; the last successful checkpoint is the resume point.
var ErrCheckpoint = errors.New("checkpoint failed")

type JobFilter struct {
	Statuses []domain.Status
	Type     domain.Type
	Limit    int
}

// Store is the durable job and item state. It is the only coordination point
// between invocations.
type Store interface {
	// InsertJob persists a new job and its initial items in one write.
	InsertJob(ctx context.Context, job *domain.Job, refs []string) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]*domain.Job, error)
	// SetStatus moves a job from `from` to `to`, returning domain.ErrStatusConflict
	// when the current status is no longer `from`.
	SetStatus(ctx context.Context, id string, from, to domain.Status, message string, at time.Time) (*domain.Job, error)
	// Checkpoint applies cp and extends the lease in one write. A non-empty owner
	// must match the lease holder, otherwise domain.ErrLeaseLost.
	Checkpoint(ctx context.Context, id, owner string, cp domain.Checkpoint, leaseUntil, at time.Time) (*domain.Job, error)

	AcquireLease(ctx context.Context, id, owner string, until, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, id, owner string) error
	// ReleaseExpiredLeases clears leases that ran out before now and requeues
	// their running items. It returns the affected job ids.
	ReleaseExpiredLeases(ctx context.Context, now time.Time) ([]string, error)

	InsertItems(ctx context.Context, jobID string, refs []string) (int, error)
	// ReadyItems returns queued items whose backoff has passed, oldest first,
	// skipping the excluded ids.
	ReadyItems(ctx context.Context, jobID string, now time.Time, limit int, exclude []string) ([]domain.Item, error)
	ListItems(ctx context.Context, jobID string, status domain.ItemStatus, limit int) ([]domain.Item, error)
	MarkRunning(ctx context.Context, ids []string, at time.Time) error
	// RequeueRunning puts a job's running items back to queued.
	RequeueRunning(ctx context.Context, jobID string) (int, error)
	CountItems(ctx context.Context, jobID string, now time.Time) (domain.ItemCounts, error)
	// RequeueFailed resets failed items to queued with cleared attempts, zeroes
	// progressFailed and drops the items from the processed set.
	RequeueFailed(ctx context.Context, jobID string, at time.Time) (int, error)
	// ResetJob requeues every item with attempts and results cleared, zeroes
	// progress and replaces the context. A job under a live lease returns
	// domain.ErrStatusConflict.
	ResetJob(ctx context.Context, id string, values domain.Values, at time.Time) (*domain.Job, error)
}

// Continuer hands the remaining work of a job to a fresh invocation.
type Continuer interface {
	Continue(ctx context.Context, jobID string, at time.Time) error
}

// Publisher broadcasts job lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, domain.Event) error { return nil }

var NopPublisher Publisher = nopPublisher{}
