package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/imagejobs/internal/domain"
	"github.com/SirClappington/imagejobs/internal/storage"
)

// newStore connects to POSTGRES_DSN and migrates it. Tests are skipped
// without a database.
func newStore(t *testing.T) *storage.Store {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, storage.Migrate(ctx, pool))
	return storage.New(pool)
}

func newJob(status domain.Status, now time.Time) *domain.Job {
	caps := domain.TypeOrganizeItems.Capabilities()
	return &domain.Job{
		ID:              uuid.NewString(),
		Type:            domain.TypeOrganizeItems,
		Status:          status,
		ProgressTotal:   3,
		ProgressMessage: "Queued",
		Context:         domain.OrganizeContext{Categories: []string{"a", "b"}}.Encode(),
		SupportsPause:   caps.Pause,
		SupportsRetry:   caps.Retry,
		SupportsRestart: caps.Restart,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestStoreJobLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	job := newJob(domain.Running, now)
	require.NoError(t, s.InsertJob(ctx, job, []string{"r1", "r2", "r3"}))

	n, err := s.InsertItems(ctx, job.ID, []string{"r3", "r4"})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "existing refs are skipped")

	ok, err := s.AcquireLease(ctx, job.ID, "w1", now.Add(time.Minute), now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.AcquireLease(ctx, job.ID, "w2", now.Add(time.Minute), now)
	require.NoError(t, err)
	assert.False(t, ok)

	items, err := s.ReadyItems(ctx, job.ID, now, 2, nil)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "r1", items[0].Ref)
	require.NoError(t, s.MarkRunning(ctx, []string{items[0].ID, items[1].ID}, now))

	next := now.Add(time.Hour)
	processed := domain.ProcessedSet{}
	processed.Add(items[0].ID)
	got, err := s.Checkpoint(ctx, job.ID, "w1", domain.Checkpoint{
		DoneDelta: 1,
		Message:   "Step 1/1: Organizing (1/3)",
		Patch:     domain.Values{domain.KeyProcessedIDs: processed.Encode()},
		Outcomes: []domain.ItemOutcome{
			{ItemID: items[0].ID, Status: domain.ItemDone, Result: []byte(`{"label":"a"}`)},
			{ItemID: items[1].ID, Status: domain.ItemQueued, Error: "503", NextAttemptAt: &next},
		},
	}, now.Add(2*time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ProgressDone)
	assert.Equal(t, "Step 1/1: Organizing (1/3)", got.ProgressMessage)
	assert.Equal(t, `["a","b"]`, got.Context[domain.KeyCategories])

	_, err = s.Checkpoint(ctx, job.ID, "w2", domain.Checkpoint{DoneDelta: 1}, now, now)
	assert.ErrorIs(t, err, domain.ErrLeaseLost)

	counts, err := s.CountItems(ctx, job.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Done)
	assert.Equal(t, 1, counts.Deferred)
	assert.Equal(t, 2, counts.Ready)
	require.NotNil(t, counts.NextAttemptAt)
	assert.WithinDuration(t, next, *counts.NextAttemptAt, time.Millisecond)

	_, err = s.SetStatus(ctx, job.ID, domain.Paused, domain.Canceled, "", now)
	assert.ErrorIs(t, err, domain.ErrStatusConflict)
	done, err := s.SetStatus(ctx, job.ID, domain.Running, domain.Completed, "Done", now)
	require.NoError(t, err)
	assert.NotNil(t, done.CompletedAt)

	_, err = s.GetJob(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestStoreReleaseExpiredLeases(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	job := newJob(domain.Running, now)
	require.NoError(t, s.InsertJob(ctx, job, []string{"r1"}))

	ok, err := s.AcquireLease(ctx, job.ID, "w1", now.Add(-time.Second), now.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	items, err := s.ListItems(ctx, job.ID, "", 0)
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning(ctx, []string{items[0].ID}, now))

	ids, err := s.ReleaseExpiredLeases(ctx, now)
	require.NoError(t, err)
	assert.Contains(t, ids, job.ID)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LeaseOwner)
	queued, err := s.ListItems(ctx, job.ID, domain.ItemQueued, 0)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

func TestStoreMergeIdentities(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	job := newJob(domain.Running, now)
	job.Type = domain.TypeClassifyIdentities
	job.Context = domain.ClassifyContext{}.Encode()
	require.NoError(t, s.InsertJob(ctx, job, []string{"r1", "r2", "r3"}))
	items, err := s.ListItems(ctx, job.ID, "", 0)
	require.NoError(t, err)

	idents, err := s.ReplaceIdentities(ctx, job.ID, []domain.IdentitySeed{
		{Label: "alice", SampleRef: "r1", ItemIDs: []string{items[0].ID, items[1].ID}},
		{Label: "al", SampleRef: "r3", ItemIDs: []string{items[2].ID}},
	})
	require.NoError(t, err)
	require.Len(t, idents, 2)
	assert.Equal(t, 2, idents[0].ItemCount)

	require.NoError(t, s.MergeIdentities(ctx, job.ID, idents[0].ID, []string{idents[1].ID}))
	require.NoError(t, s.MergeIdentities(ctx, job.ID, idents[0].ID, []string{idents[1].ID}), "repeat is a no-op")

	left, err := s.ListIdentities(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, 3, left[0].ItemCount)
}

func TestStoreCheckpointMergesProcessedIDs(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	job := newJob(domain.Running, now)
	require.NoError(t, s.InsertJob(ctx, job, []string{"r1", "r2", "r3"}))
	items, err := s.ReadyItems(ctx, job.ID, now, 0, nil)
	require.NoError(t, err)
	require.Len(t, items, 3)

	_, err = s.Checkpoint(ctx, job.ID, "", domain.Checkpoint{
		FailedDelta: 1,
		Processed:   []string{items[0].ID},
		Outcomes:    []domain.ItemOutcome{{ItemID: items[0].ID, Status: domain.ItemFailed, Error: "bad"}},
	}, now, now)
	require.NoError(t, err)

	// An operator requeue lands between two batch checkpoints.
	n, err := s.RequeueFailed(ctx, job.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Checkpoint(ctx, job.ID, "", domain.Checkpoint{
		DoneDelta: 1,
		Processed: []string{items[1].ID},
		Outcomes:  []domain.ItemOutcome{{ItemID: items[1].ID, Status: domain.ItemDone}},
	}, now, now)
	require.NoError(t, err)
	ids, err := domain.DecodeList(got.Context[domain.KeyProcessedIDs])
	require.NoError(t, err)
	assert.Equal(t, []string{items[1].ID}, ids)

	counts, err := s.CountItems(ctx, job.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Ready)
}

func TestStoreResetJob(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	job := newJob(domain.Paused, now)
	require.NoError(t, s.InsertJob(ctx, job, []string{"r1", "r2"}))
	items, err := s.ReadyItems(ctx, job.ID, now, 0, nil)
	require.NoError(t, err)
	_, err = s.Checkpoint(ctx, job.ID, "", domain.Checkpoint{
		DoneDelta:   1,
		FailedDelta: 1,
		Processed:   []string{items[0].ID, items[1].ID},
		Outcomes: []domain.ItemOutcome{
			{ItemID: items[0].ID, Status: domain.ItemDone, Result: []byte(`{"label":"a"}`)},
			{ItemID: items[1].ID, Status: domain.ItemFailed, Error: "bad"},
		},
	}, now, now)
	require.NoError(t, err)

	fresh := domain.OrganizeContext{Categories: []string{"a", "b"}}.Encode()
	got, err := s.ResetJob(ctx, job.ID, fresh, now)
	require.NoError(t, err)
	assert.Zero(t, got.ProgressDone)
	assert.Zero(t, got.ProgressFailed)
	assert.Equal(t, "[]", got.Context[domain.KeyProcessedIDs])

	queued, err := s.ListItems(ctx, job.ID, domain.ItemQueued, 0)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	for _, it := range queued {
		assert.Empty(t, it.LastError)
		assert.Nil(t, it.Result)
	}

	ok, err := s.AcquireLease(ctx, job.ID, "w1", now.Add(time.Minute), now)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = s.ResetJob(ctx, job.ID, fresh, now)
	assert.ErrorIs(t, err, domain.ErrStatusConflict)
}
