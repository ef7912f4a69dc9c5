// Package queue carries job continuations between invocations. The job store
// stays authoritative: a lost continuation only delays a job until the
// watchdog resumes it.
package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	readyKey = "imagejobs:continuations"
	delayKey = "imagejobs:continuations:delay"
)

// RedisQ keeps ready continuations in a list and delayed ones in a sorted set
// scored by due time in milliseconds.
type RedisQ struct {
	rdb *r.Client
	now func() time.Time
}

func New(rdb *r.Client) *RedisQ { return &RedisQ{rdb: rdb, now: time.Now} }

// Continue enqueues jobID to run at `at`. A job has at most one delayed entry;
// re-adding it moves the due time.
func (q *RedisQ) Continue(ctx context.Context, jobID string, at time.Time) error {
	if at.After(q.now()) {
		err := q.rdb.ZAdd(ctx, delayKey, r.Z{Score: float64(at.UnixMilli()), Member: jobID}).Err()
		return errors.Wrap(err, "enqueue delayed continuation")
	}
	return errors.Wrap(q.rdb.LPush(ctx, readyKey, jobID).Err(), "enqueue continuation")
}

// Dequeue blocks up to `block` for a ready continuation. It returns "" when
// none arrived in time.
func (q *RedisQ) Dequeue(ctx context.Context, block time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, block, readyKey).Result()
	if errors.Is(err, r.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "dequeue continuation")
	}
	if len(res) == 2 {
		return res[1], nil
	}
	return "", nil
}

// MoveDue promotes delayed continuations whose time has come.
func (q *RedisQ) MoveDue(ctx context.Context, now time.Time, batch int64) (int, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, delayKey, &r.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, errors.Wrap(err, "fetch due continuations")
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, readyKey, id)
		pipe.ZRem(ctx, delayKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "move due continuations")
	}
	return len(ids), nil
}

// Pending returns the number of ready and delayed continuations.
func (q *RedisQ) Pending(ctx context.Context) (ready, delayed int64, err error) {
	pipe := q.rdb.Pipeline()
	l := pipe.LLen(ctx, readyKey)
	z := pipe.ZCard(ctx, delayKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, errors.Wrap(err, "queue depth")
	}
	return l.Val(), z.Val(), nil
}

// Consume dequeues continuations and hands them to dispatch until ctx ends.
// dispatch should return quickly; it typically schedules onto an executor.
func (q *RedisQ) Consume(ctx context.Context, log *zap.Logger, dispatch func(jobID string)) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		id, err := q.Dequeue(ctx, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if id == "" {
			continue
		}
		dispatch(id)
	}
}
