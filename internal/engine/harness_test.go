package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/imagejobs/internal/domain"
	"github.com/SirClappington/imagejobs/internal/engine"
	"github.com/SirClappington/imagejobs/internal/retry"
	"github.com/SirClappington/imagejobs/internal/storage/memstore"
)

const ceiling = time.Minute

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type continuation struct {
	JobID string
	At    time.Time
}

type recordingContinuer struct {
	mu    sync.Mutex
	calls []continuation
}

func (c *recordingContinuer) Continue(_ context.Context, jobID string, at time.Time) error {
	c.mu.Lock()
	c.calls = append(c.calls, continuation{jobID, at})
	c.mu.Unlock()
	return nil
}

func (c *recordingContinuer) Calls() []continuation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]continuation(nil), c.calls...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.Event) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Events(jobID string) []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Event
	for _, ev := range p.events {
		if ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	clock *clock
	store *memstore.Store
	jobs  *engine.Jobs
	loop  *engine.Loop
	cont  *recordingContinuer
	pub   *recordingPublisher
	reg   *engine.Registry
}

func noSleep(context.Context, time.Duration) error { return nil }

// newHarness wires an engine around a memory store with a fake clock. process
// is the per-item work of a single-phase organize-items handler.
func newHarness(t *testing.T, width int, process func(context.Context, domain.Item) ([]byte, error), opts ...func(*engine.LoopConfig)) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	h := &harness{
		clock: &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		store: memstore.New(),
		cont:  &recordingContinuer{},
		pub:   &recordingPublisher{},
	}
	h.jobs = engine.NewJobs(h.store, log, engine.WithClock(h.clock.Now), engine.WithPublisher(h.pub))
	cfg := engine.LoopConfig{
		Ceiling:         ceiling,
		Width:           width,
		Retry:           retry.Policy{MaxAttempts: 3, BaseDelay: time.Second}.WithSleep(noSleep),
		ItemMaxAttempts: 3,
		ItemRetryDelay:  30 * time.Second,
	}
	for _, o := range opts {
		o(&cfg)
	}
	h.loop = engine.NewLoop(h.jobs, h.store, cfg, log).WithSleep(noSleep)

	handler := engine.HandlerFunc(func(ctx context.Context, inv *engine.Invocation) error {
		res, err := h.loop.RunItems(ctx, inv, engine.ItemPhase{
			Step: 1, Steps: 1, Label: "Organizing",
			Process: func(ctx context.Context, it domain.Item) (json.RawMessage, error) {
				b, err := process(ctx, it)
				return json.RawMessage(b), err
			},
		})
		if err != nil || res.Outcome != engine.Finished {
			return err
		}
		return h.loop.Complete(ctx, inv, "Done")
	})

	exec := engine.NewExecutor(log, engine.WithWorkers(2))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		exec.Shutdown(ctx)
	})
	reg, err := engine.NewRegistry(h.jobs, h.store, exec, h.cont,
		map[domain.Type]engine.Handler{domain.TypeOrganizeItems: handler}, 0, log)
	require.NoError(t, err)
	h.reg = reg
	return h
}

func (h *harness) create(t *testing.T, start bool, refs ...string) *domain.Job {
	t.Helper()
	job, err := h.jobs.Create(context.Background(), engine.CreateRequest{
		Type:    domain.TypeOrganizeItems,
		Context: domain.OrganizeContext{Categories: []string{"portrait", "landscape"}}.Encode(),
		Refs:    refs,
		Start:   start,
	})
	require.NoError(t, err)
	return job
}

func (h *harness) get(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := h.jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func refs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("s3://bucket/img-%02d.jpg", i+1)
	}
	return out
}

// leaseCovers polls until the job's lease runs past at, for up to two seconds.
func (h *harness) leaseCovers(jobID string, at time.Time) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := h.store.GetJob(context.Background(), jobID)
		if err == nil && job.LeaseExpiresAt != nil && job.LeaseExpiresAt.After(at) {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}
