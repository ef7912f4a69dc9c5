package watchdog_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/imagejobs/internal/domain"
	"github.com/SirClappington/imagejobs/internal/engine"
	"github.com/SirClappington/imagejobs/internal/storage/memstore"
	"github.com/SirClappington/imagejobs/internal/watchdog"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type leader bool

func (l leader) TryLead(context.Context) (bool, error) { return bool(l), nil }

type continuer struct {
	mu  sync.Mutex
	ids []string
}

func (c *continuer) Continue(_ context.Context, id string, _ time.Time) error {
	c.mu.Lock()
	c.ids = append(c.ids, id)
	c.mu.Unlock()
	return nil
}

type mover struct{ calls int }

func (m *mover) MoveDue(context.Context, time.Time, int64) (int, error) {
	m.calls++
	return 2, nil
}

type fixture struct {
	store *memstore.Store
	jobs  *engine.Jobs
	cont  *continuer
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{store: memstore.New(), cont: &continuer{}, now: t0}
	f.jobs = engine.NewJobs(f.store, zaptest.NewLogger(t), engine.WithClock(func() time.Time { return t0 }))
	return f
}

func (f *fixture) watchdog(t *testing.T, l watchdog.Leader, opts ...watchdog.Option) *watchdog.Watchdog {
	opts = append(opts, watchdog.WithClock(func() time.Time { return f.now }))
	return watchdog.New(f.store, l, f.cont, watchdog.Config{StallAfter: 2 * time.Minute}, zaptest.NewLogger(t), opts...)
}

func (f *fixture) running(t *testing.T, refs ...string) *domain.Job {
	t.Helper()
	job, err := f.jobs.Create(context.Background(), engine.CreateRequest{
		Type:    domain.TypeReposeBatch,
		Context: domain.ReposeContext{Pose: "seated"}.Encode(),
		Refs:    refs,
		Start:   true,
	})
	require.NoError(t, err)
	return job
}

func TestTickResumesStalledJobWithReadyItems(t *testing.T) {
	f := newFixture(t)
	stalled := f.running(t, "s3://b/a.jpg")
	f.now = t0.Add(3 * time.Minute)
	fresh := f.running(t, "s3://b/b.jpg")
	f.store.Touch(fresh.ID, f.now.Add(-30*time.Second))

	m := &mover{}
	rep, err := f.watchdog(t, leader(true), watchdog.WithMover(m)).Tick(context.Background())
	require.NoError(t, err)

	assert.True(t, rep.Leader)
	assert.Equal(t, 1, m.calls)
	assert.Equal(t, 2, rep.Moved)
	assert.Equal(t, []string{stalled.ID}, rep.Resumed)
	assert.Equal(t, []string{stalled.ID}, f.cont.ids)
}

func TestTickDoesNothingWithoutLeadership(t *testing.T) {
	f := newFixture(t)
	f.running(t, "s3://b/a.jpg")
	f.now = t0.Add(time.Hour)

	m := &mover{}
	rep, err := f.watchdog(t, leader(false), watchdog.WithMover(m)).Tick(context.Background())
	require.NoError(t, err)

	assert.False(t, rep.Leader)
	assert.Zero(t, m.calls)
	assert.Empty(t, f.cont.ids)
}

func TestTickSkipsLeasedAndNonRunningJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	leased := f.running(t, "s3://b/a.jpg")
	ok, err := f.store.AcquireLease(ctx, leased.ID, "owner-1", t0.Add(time.Hour), t0)
	require.NoError(t, err)
	require.True(t, ok)

	paused := f.running(t, "s3://b/b.jpg")
	_, err = f.jobs.Pause(ctx, paused.ID)
	require.NoError(t, err)

	f.now = t0.Add(10 * time.Minute)
	rep, err := f.watchdog(t, leader(true)).Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Resumed)
	assert.Empty(t, rep.Released)
}

func TestTickReleasesExpiredLeaseAndResumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.running(t, "s3://b/a.jpg", "s3://b/b.jpg")
	ok, err := f.store.AcquireLease(ctx, job.ID, "dead-worker", t0.Add(90*time.Second), t0)
	require.NoError(t, err)
	require.True(t, ok)
	items, err := f.store.ReadyItems(ctx, job.ID, t0, 1, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.MarkRunning(ctx, []string{items[0].ID}, t0))

	f.now = t0.Add(5 * time.Minute)
	rep, err := f.watchdog(t, leader(true)).Tick(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{job.ID}, rep.Released)
	assert.Equal(t, []string{job.ID}, rep.Resumed)
	c, err := f.store.CountItems(ctx, job.ID, f.now)
	require.NoError(t, err)
	assert.Zero(t, c.Running)
	assert.Equal(t, 2, c.Ready)
}

func TestTickWaitsForBackoffBeforeResuming(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.running(t, "s3://b/a.jpg")
	items, err := f.store.ReadyItems(ctx, job.ID, t0, 1, nil)
	require.NoError(t, err)
	due := t0.Add(10 * time.Minute)
	_, err = f.store.Checkpoint(ctx, job.ID, "", domain.Checkpoint{Outcomes: []domain.ItemOutcome{{
		ItemID: items[0].ID, Status: domain.ItemQueued, Error: "rate limited", NextAttemptAt: &due,
	}}}, t0, t0)
	require.NoError(t, err)

	w := f.watchdog(t, leader(true))

	f.now = t0.Add(5 * time.Minute)
	rep, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Resumed)

	f.now = due.Add(time.Second)
	rep, err = w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, rep.Resumed)
}

func TestTickResumesJobWithNothingLeft(t *testing.T) {
	f := newFixture(t)
	job := f.running(t)
	f.now = t0.Add(3 * time.Minute)

	rep, err := f.watchdog(t, leader(true)).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, rep.Resumed)
}

type failingContinuer struct{}

func (failingContinuer) Continue(context.Context, string, time.Time) error {
	return errors.New("queue unavailable")
}

func TestTickReportsContinuationFailures(t *testing.T) {
	f := newFixture(t)
	f.running(t, "s3://b/a.jpg")
	f.now = t0.Add(3 * time.Minute)

	w := watchdog.New(f.store, leader(true), failingContinuer{}, watchdog.Config{StallAfter: time.Minute},
		zaptest.NewLogger(t), watchdog.WithClock(func() time.Time { return f.now }))
	rep, err := w.Tick(context.Background())
	require.ErrorContains(t, err, "queue unavailable")
	assert.Empty(t, rep.Resumed)
}
