package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestQ(t *testing.T) (*RedisQ, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := New(rdb)
	q.now = func() time.Time { return now }
	return q, &now
}

func TestContinueNowIsReady(t *testing.T) {
	q, now := newTestQ(t)
	ctx := context.Background()

	require.NoError(t, q.Continue(ctx, "job-1", *now))
	require.NoError(t, q.Continue(ctx, "job-2", now.Add(-time.Second)))

	id, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id, "FIFO order")
	id, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "job-2", id)
}

func TestDelayedContinuationMovesWhenDue(t *testing.T) {
	q, now := newTestQ(t)
	ctx := context.Background()

	require.NoError(t, q.Continue(ctx, "job-1", now.Add(30*time.Second)))
	require.NoError(t, q.Continue(ctx, "job-1", now.Add(10*time.Second)))
	require.NoError(t, q.Continue(ctx, "job-2", now.Add(time.Hour)))

	ready, delayed, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, ready)
	assert.Equal(t, int64(2), delayed, "one delayed entry per job")

	n, err := q.MoveDue(ctx, now.Add(5*time.Second), 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.MoveDue(ctx, now.Add(11*time.Second), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	id, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	ready, delayed, err = q.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, ready)
	assert.Equal(t, int64(1), delayed)
}

func TestConsumeDispatchesUntilCanceled(t *testing.T) {
	q, now := newTestQ(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Continue(ctx, "job-1", *now))
	require.NoError(t, q.Continue(ctx, "job-2", *now))

	got := make(chan string, 2)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, zaptest.NewLogger(t), func(id string) { got <- id })
	}()

	assert.Equal(t, "job-1", <-got)
	assert.Equal(t, "job-2", <-got)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
