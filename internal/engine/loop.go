package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/imagejobs/internal/domain"
	"github.com/SirClappington/imagejobs/internal/metrics"
	"github.com/SirClappington/imagejobs/internal/retry"
)

// Outcome says how a phase of the loop ended.
type Outcome int

const (
	// Finished means no work is left in the phase.
	Finished Outcome = iota
	// Stopped means a pause or cancel was observed at a unit boundary.
	Stopped
	// Continued means the ceiling was reached and a continuation was requested.
	Continued
	// Deferred means only backoff-delayed items remain; a continuation is
	// requested for the earliest of them.
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case Finished:
		return "finished"
	case Stopped:
		return "stopped"
	case Continued:
		return "continued"
	case Deferred:
		return "deferred"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Invocation is one physical execution of a job, bounded by the ceiling.
type Invocation struct {
	Job     *domain.Job
	Owner   string
	Started time.Time

	// next is the requested continuation, delivered once the lease is released.
	next   *time.Time
	reason string
}

// RequestContinuation asks for a fresh invocation at the given time.
func (inv *Invocation) RequestContinuation(at time.Time, reason string) {
	if inv.next == nil || at.Before(*inv.next) {
		inv.next = &at
	}
	inv.reason = reason
}

func (inv *Invocation) Continuation() (time.Time, bool) {
	if inv.next == nil {
		return time.Time{}, false
	}
	return *inv.next, true
}

type LoopConfig struct {
	// Ceiling is the soft wall-clock budget of one invocation.
	Ceiling time.Duration
	// Width is the number of items processed in parallel per batch.
	Width int
	// Delay is the pause between batches, kept for upstream rate limits.
	Delay time.Duration
	Retry retry.Policy
	// ItemMaxAttempts bounds how often a transiently failing item is deferred
	// before it counts as failed.
	ItemMaxAttempts int
	ItemRetryDelay  time.Duration
	// RenewEvery is how often the lease is renewed while a batch or step is
	// in flight. A third of the lease TTL when zero.
	RenewEvery time.Duration
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.Ceiling <= 0 {
		c.Ceiling = 60 * time.Second
	}
	if c.Width < 1 {
		c.Width = 4
	}
	if c.ItemMaxAttempts < 1 {
		c.ItemMaxAttempts = 1
	}
	if c.ItemRetryDelay <= 0 {
		c.ItemRetryDelay = 30 * time.Second
	}
	if c.Retry.MaxAttempts < 1 {
		c.Retry.MaxAttempts = 3
	}
	return c
}

// Loop executes units of work while the invocation is under its ceiling and
// hands the rest to a continuation when it is not.
type Loop struct {
	jobs  *Jobs
	store Store
	cfg   LoopConfig
	log   *zap.Logger
	sleep func(context.Context, time.Duration) error
}

func NewLoop(jobs *Jobs, store Store, cfg LoopConfig, log *zap.Logger) *Loop {
	cfg = cfg.withDefaults()
	if cfg.RenewEvery <= 0 {
		cfg.RenewEvery = jobs.LeaseTTL() / 3
	}
	return &Loop{
		jobs:  jobs,
		store: store,
		cfg:   cfg,
		log:   log.Named("loop"),
		sleep: sleepCtx,
	}
}

func (l *Loop) WithSleep(fn func(context.Context, time.Duration) error) *Loop {
	l.sleep = fn
	return l
}

func (l *Loop) Config() LoopConfig { return l.cfg }

func (l *Loop) Now() time.Time { return l.jobs.Now() }

// ItemPhase is one item-processing step of a job.
type ItemPhase struct {
	Step, Steps int
	Label       string
	Process     func(ctx context.Context, item domain.Item) (json.RawMessage, error)
}

type PhaseResult struct {
	Outcome Outcome
	// Processed counts items finished (done or failed) in this invocation.
	Processed int
}

// RunItems processes the job's ready items batch by batch. Each batch's
// outcomes, counters and finished ids are folded into one checkpoint before
// the next batch starts.
func (l *Loop) RunItems(ctx context.Context, inv *Invocation, ph ItemPhase) (PhaseResult, error) {
	jobID := inv.Job.ID
	log := l.log.With(zap.String("job_id", jobID), zap.Int("step", ph.Step))
	var res PhaseResult

	for {
		if stop, err := l.halted(ctx, inv); err != nil || stop {
			if stop {
				res.Outcome = Stopped
			}
			return res, err
		}
		processed := domain.NewProcessedSet(inv.Job.Context)

		items, err := l.store.ReadyItems(ctx, jobID, l.jobs.Now(), l.cfg.Width, processedIDs(processed))
		if err != nil {
			return res, fmt.Errorf("%w: load ready items: %v", ErrCheckpoint, err)
		}
		if len(items) == 0 {
			break
		}
		ids := make([]string, len(items))
		for i, it := range items {
			ids[i] = it.ID
		}
		if err := l.store.MarkRunning(ctx, ids, l.jobs.Now()); err != nil {
			return res, fmt.Errorf("%w: mark running: %v", ErrCheckpoint, err)
		}

		var batch BatchResult[domain.Item, json.RawMessage]
		err = l.holdLease(ctx, inv, func(ctx context.Context) {
			batch = RunBatch(ctx, items, l.cfg.Width, func(ctx context.Context, it domain.Item) (json.RawMessage, error) {
				return retry.Value(ctx, l.retryPolicy(inv.Job.Type), func(ctx context.Context) (json.RawMessage, error) {
					return ph.Process(ctx, it)
				})
			})
		})
		if err != nil {
			return res, err
		}

		cp := l.foldBatch(inv.Job, batch)
		cp.Message = fmt.Sprintf("Step %d/%d: %s (%d/%d)", ph.Step, ph.Steps, ph.Label,
			inv.Job.ProgressDone+inv.Job.ProgressFailed+cp.DoneDelta+cp.FailedDelta, inv.Job.ProgressTotal)
		if err := l.checkpoint(ctx, inv, cp); err != nil {
			return res, err
		}
		res.Processed += cp.DoneDelta + cp.FailedDelta
		if err := batch.Err(); err != nil {
			log.Warn("batch had failures", zap.Int("failed", len(batch.Failed)), zap.Error(err))
		}

		if l.overCeiling(inv) {
			counts, err := l.store.CountItems(ctx, jobID, l.jobs.Now())
			if err != nil {
				return res, fmt.Errorf("%w: count items: %v", ErrCheckpoint, err)
			}
			if counts.Ready > 0 {
				res.Outcome = Continued
				l.continueAt(inv, l.jobs.Now(), "ceiling")
				return res, nil
			}
			break
		}
		if err := l.sleep(ctx, l.cfg.Delay); err != nil {
			return res, err
		}
	}

	counts, err := l.store.CountItems(ctx, jobID, l.jobs.Now())
	if err != nil {
		return res, fmt.Errorf("%w: count items: %v", ErrCheckpoint, err)
	}
	if counts.Deferred > 0 && counts.NextAttemptAt != nil {
		res.Outcome = Deferred
		l.continueAt(inv, *counts.NextAttemptAt, "deferred")
		return res, nil
	}
	res.Outcome = Finished
	return res, nil
}

// foldBatch turns batch results into item outcomes. Transient failures are
// deferred with backoff until the item runs out of attempts.
func (l *Loop) foldBatch(job *domain.Job, batch BatchResult[domain.Item, json.RawMessage]) domain.Checkpoint {
	var cp domain.Checkpoint
	now := l.jobs.Now()
	for _, s := range batch.Succeeded {
		cp.Outcomes = append(cp.Outcomes, domain.ItemOutcome{ItemID: s.Item.ID, Status: domain.ItemDone, Result: s.Result})
		cp.Processed = append(cp.Processed, s.Item.ID)
		cp.DoneDelta++
	}
	for _, f := range batch.Failed {
		attempts := f.Item.Attempts + 1
		if retry.IsTransient(f.Err) && attempts < l.cfg.ItemMaxAttempts {
			next := now.Add(l.cfg.ItemRetryDelay << (attempts - 1))
			cp.Outcomes = append(cp.Outcomes, domain.ItemOutcome{ItemID: f.Item.ID, Status: domain.ItemQueued, Error: f.Err.Error(), NextAttemptAt: &next})
			metrics.ItemsProcessed.WithLabelValues(string(job.Type), "deferred").Inc()
			continue
		}
		cp.Outcomes = append(cp.Outcomes, domain.ItemOutcome{ItemID: f.Item.ID, Status: domain.ItemFailed, Error: f.Err.Error()})
		cp.Processed = append(cp.Processed, f.Item.ID)
		cp.FailedDelta++
	}
	metrics.ItemsProcessed.WithLabelValues(string(job.Type), "done").Add(float64(cp.DoneDelta))
	metrics.ItemsProcessed.WithLabelValues(string(job.Type), "failed").Add(float64(cp.FailedDelta))
	return cp
}

// StepPhase is a sequence of non-item units, such as listing pages. Next
// performs one unit and returns the checkpoint describing it.
type StepPhase struct {
	Step, Steps int
	Label       string
	Next        func(ctx context.Context, inv *Invocation) (done bool, cp domain.Checkpoint, err error)
}

// RunSteps calls Next until it reports done, checkpointing after every unit.
// An error from Next ends the phase and is returned as is.
func (l *Loop) RunSteps(ctx context.Context, inv *Invocation, ph StepPhase) (Outcome, error) {
	for {
		if stop, err := l.halted(ctx, inv); err != nil || stop {
			if stop {
				return Stopped, err
			}
			return Finished, err
		}
		var (
			done bool
			cp   domain.Checkpoint
			err  error
		)
		lerr := l.holdLease(ctx, inv, func(ctx context.Context) {
			done, cp, err = ph.Next(ctx, inv)
		})
		if lerr != nil {
			return Finished, lerr
		}
		if err != nil {
			return Finished, err
		}
		if cp.Message == "" {
			cp.Message = fmt.Sprintf("Step %d/%d: %s", ph.Step, ph.Steps, ph.Label)
		}
		if err := l.checkpoint(ctx, inv, cp); err != nil {
			return Finished, err
		}
		if done {
			return Finished, nil
		}
		if l.overCeiling(inv) {
			l.continueAt(inv, l.jobs.Now(), "ceiling")
			return Continued, nil
		}
		if err := l.sleep(ctx, l.cfg.Delay); err != nil {
			return Finished, err
		}
	}
}

// Checkpoint writes cp for the invocation and refreshes its job snapshot.
func (l *Loop) Checkpoint(ctx context.Context, inv *Invocation, cp domain.Checkpoint) error {
	return l.checkpoint(ctx, inv, cp)
}

func (l *Loop) checkpoint(ctx context.Context, inv *Invocation, cp domain.Checkpoint) error {
	job, err := l.jobs.Checkpoint(ctx, inv.Job.ID, inv.Owner, cp)
	if err != nil {
		return err
	}
	inv.Job = job
	return nil
}

// Halted refreshes the job and reports whether it left RUNNING. Pause and
// cancel are cooperative and only observed here.
func (l *Loop) Halted(ctx context.Context, inv *Invocation) (bool, error) {
	return l.halted(ctx, inv)
}

func (l *Loop) halted(ctx context.Context, inv *Invocation) (bool, error) {
	job, err := l.store.GetJob(ctx, inv.Job.ID)
	if err != nil {
		return false, fmt.Errorf("%w: read status: %v", ErrCheckpoint, err)
	}
	if inv.Owner != "" && (job.LeaseOwner == nil || *job.LeaseOwner != inv.Owner) {
		return false, domain.ErrLeaseLost
	}
	inv.Job = job
	if job.Status.Halted() {
		l.log.Info("job halted, stopping at unit boundary",
			zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
		return true, nil
	}
	return false, nil
}

func (l *Loop) Complete(ctx context.Context, inv *Invocation, message string) error {
	job, err := l.jobs.Complete(ctx, inv.Job.ID, message)
	if err != nil {
		return err
	}
	inv.Job = job
	return nil
}

// holdLease runs fn while renewing inv's lease every RenewEvery. Losing the
// lease cancels fn and is returned once fn is back.
func (l *Loop) holdLease(ctx context.Context, inv *Invocation, fn func(ctx context.Context)) error {
	if inv.Owner == "" {
		fn(ctx)
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	id, owner := inv.Job.ID, inv.Owner
	var (
		lost error
		wg   sync.WaitGroup
	)
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		tick := time.NewTicker(l.cfg.RenewEvery)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-tick.C:
			}
			err := l.jobs.RenewLease(ctx, id, owner)
			if errors.Is(err, domain.ErrLeaseLost) {
				lost = err
				cancel()
				return
			}
			if err != nil && ctx.Err() == nil {
				l.log.Warn("lease renewal failed", zap.String("job_id", id), zap.Error(err))
			}
		}
	}()
	fn(ctx)
	close(stop)
	wg.Wait()
	return lost
}

func (l *Loop) overCeiling(inv *Invocation) bool {
	return l.jobs.Now().Sub(inv.Started) > l.cfg.Ceiling
}

// continueAt records the continuation on the invocation; the registry
// enqueues it after the lease is released.
func (l *Loop) continueAt(inv *Invocation, at time.Time, reason string) {
	inv.RequestContinuation(at, reason)
	l.log.Info("continuation requested",
		zap.String("job_id", inv.Job.ID),
		zap.String("reason", reason),
		zap.Time("at", at),
		zap.Duration("elapsed", l.jobs.Now().Sub(inv.Started)),
	)
}

func (l *Loop) retryPolicy(t domain.Type) retry.Policy {
	p := l.cfg.Retry
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.RetryAttempts.WithLabelValues(string(t)).Inc()
		l.log.Debug("retrying item", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}
	return p
}

func processedIDs(s domain.ProcessedSet) []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	return ids
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
