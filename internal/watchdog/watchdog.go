// Package watchdog resumes RUNNING jobs whose continuation was lost. It runs
// on a tick in the scheduler process; only the elected leader does work.
package watchdog

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/imagejobs/internal/domain"
	"github.com/SirClappington/imagejobs/internal/engine"
	"github.com/SirClappington/imagejobs/internal/metrics"
)

// Leader reports whether this process may act for the current tick.
type Leader interface {
	TryLead(ctx context.Context) (bool, error)
}

// Mover promotes delayed continuations whose time has come.
type Mover interface {
	MoveDue(ctx context.Context, now time.Time, batch int64) (int, error)
}

type Config struct {
	Interval   time.Duration
	StallAfter time.Duration
	// Batch bounds the continuations moved and jobs scanned per tick.
	Batch int
}

type Watchdog struct {
	store  engine.Store
	leader Leader
	mover  Mover
	cont   engine.Continuer
	cfg    Config
	now    func() time.Time
	log    *zap.Logger
}

type Option func(*Watchdog)

// WithMover sets the delayed-continuation mover; queues without a delay set
// leave it unset.
func WithMover(m Mover) Option { return func(w *Watchdog) { w.mover = m } }

func WithClock(now func() time.Time) Option { return func(w *Watchdog) { w.now = now } }

func New(store engine.Store, leader Leader, cont engine.Continuer, cfg Config, log *zap.Logger, opts ...Option) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = 2 * time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 500
	}
	w := &Watchdog{
		store:  store,
		leader: leader,
		cont:   cont,
		cfg:    cfg,
		now:    time.Now,
		log:    log.Named("watchdog"),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Report summarises one tick.
type Report struct {
	Leader   bool
	Moved    int
	Released []string
	Resumed  []string
}

func (w *Watchdog) Run(ctx context.Context) error {
	tick := time.NewTicker(w.cfg.Interval)
	defer tick.Stop()
	w.log.Info("watchdog started", zap.Duration("interval", w.cfg.Interval), zap.Duration("stall_after", w.cfg.StallAfter))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
		rep, err := w.Tick(ctx)
		if err != nil {
			w.log.Warn("watchdog tick", zap.Error(err))
		}
		if len(rep.Resumed) > 0 || len(rep.Released) > 0 {
			w.log.Info("watchdog tick",
				zap.Int("moved", rep.Moved),
				zap.Strings("released", rep.Released),
				zap.Strings("resumed", rep.Resumed))
		}
	}
}

// Tick does one pass: move due continuations, release expired leases, then
// resume stalled jobs. Failures on one job do not stop the others.
func (w *Watchdog) Tick(ctx context.Context) (Report, error) {
	var rep Report
	ok, err := w.leader.TryLead(ctx)
	if err != nil || !ok {
		return rep, err
	}
	rep.Leader = true
	now := w.now()

	var errs error
	if w.mover != nil {
		n, err := w.mover.MoveDue(ctx, now, int64(w.cfg.Batch))
		rep.Moved = n
		errs = multierr.Append(errs, err)
	}

	released, err := w.store.ReleaseExpiredLeases(ctx, now)
	rep.Released = released
	errs = multierr.Append(errs, err)

	jobs, err := w.store.ListJobs(ctx, engine.JobFilter{Statuses: []domain.Status{domain.Running}, Limit: w.cfg.Batch})
	if err != nil {
		return rep, multierr.Append(errs, err)
	}
	for _, j := range jobs {
		resume, err := w.stalled(ctx, j, now)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !resume {
			continue
		}
		if err := w.cont.Continue(ctx, j.ID, now); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		metrics.WatchdogResumes.WithLabelValues(string(j.Type)).Inc()
		w.log.Info("resuming stalled job",
			zap.String("job_id", j.ID),
			zap.String("type", string(j.Type)),
			zap.Time("updated_at", j.UpdatedAt))
		rep.Resumed = append(rep.Resumed, j.ID)
	}
	return rep, errs
}

// stalled reports whether j is a RUNNING job nobody is working on: lease free,
// quiet for StallAfter, and either ready work or nothing left to wait for.
// Jobs waiting only on backoff are left alone until the backoff passes.
func (w *Watchdog) stalled(ctx context.Context, j *domain.Job, now time.Time) (bool, error) {
	if j.Leased(now) || now.Sub(j.UpdatedAt) < w.cfg.StallAfter {
		return false, nil
	}
	c, err := w.store.CountItems(ctx, j.ID, now)
	if err != nil {
		return false, err
	}
	if c.Running > 0 {
		return false, nil
	}
	return c.Ready > 0 || c.Deferred == 0, nil
}
