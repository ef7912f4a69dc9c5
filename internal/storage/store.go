package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/imagejobs/internal/domain"
	"github.com/SirClappington/imagejobs/internal/engine"
)

// Store is the Postgres-backed job store. Jobs, items and identities are the
// source of truth; queues only carry hints.
type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

var _ engine.Store = (*Store)(nil)

const jobCols = `id, type, status, progress_total, progress_done, progress_failed, progress_message,
context, supports_pause, supports_retry, supports_restart, started_at, completed_at,
lease_owner, lease_expires_at, created_at, updated_at`

const itemCols = `id, job_id, ref, status, attempts, next_attempt_at, last_error, result,
identity_id, created_at, updated_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		j   domain.Job
		raw []byte
	)
	err := row.Scan(&j.ID, &j.Type, &j.Status, &j.ProgressTotal, &j.ProgressDone, &j.ProgressFailed,
		&j.ProgressMessage, &raw, &j.SupportsPause, &j.SupportsRetry, &j.SupportsRestart,
		&j.StartedAt, &j.CompletedAt, &j.LeaseOwner, &j.LeaseExpiresAt, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan job")
	}
	j.Context = domain.Values{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &j.Context); err != nil {
			return nil, errors.Wrap(err, "decode job context")
		}
	}
	return &j, nil
}

func scanItem(row pgx.Row) (domain.Item, error) {
	var it domain.Item
	err := row.Scan(&it.ID, &it.JobID, &it.Ref, &it.Status, &it.Attempts, &it.NextAttemptAt,
		&it.LastError, &it.Result, &it.IdentityID, &it.CreatedAt, &it.UpdatedAt)
	return it, errors.Wrap(err, "scan item")
}

func encodeValues(v domain.Values) ([]byte, error) {
	if v == nil {
		v = domain.Values{}
	}
	b, err := json.Marshal(v)
	return b, errors.Wrap(err, "encode context")
}

// InsertJob persists the job and its initial items in one transaction.
func (s *Store) InsertJob(ctx context.Context, j *domain.Job, refs []string) error {
	raw, err := encodeValues(j.Context)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `insert into jobs(
id, type, status, progress_total, progress_done, progress_failed, progress_message, context,
supports_pause, supports_retry, supports_restart, started_at, created_at, updated_at
) values ($1,$2,$3,$4,0,0,$5,$6,$7,$8,$9,$10,$11,$12)`,
		j.ID, j.Type, j.Status, j.ProgressTotal, j.ProgressMessage, raw,
		j.SupportsPause, j.SupportsRetry, j.SupportsRestart, j.StartedAt, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert job")
	}
	if _, err := insertItems(ctx, tx, j.ID, refs, j.CreatedAt); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "commit")
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return scanJob(s.db.QueryRow(ctx, `select `+jobCols+` from jobs where id = $1`, id))
}

func (s *Store) ListJobs(ctx context.Context, f engine.JobFilter) ([]*domain.Job, error) {
	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}
	rows, err := s.db.Query(ctx, `select `+jobCols+` from jobs
where (cardinality($1::text[]) = 0 or status = any($1::text[]))
  and ($2::text = '' or type = $2::text)
order by created_at desc, id
limit nullif($3::int, 0)`, statuses, string(f.Type), f.Limit)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()
	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, errors.Wrap(rows.Err(), "list jobs")
}

func (s *Store) SetStatus(ctx context.Context, id string, from, to domain.Status, message string, at time.Time) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `update jobs set
  status = $3::text,
  progress_message = coalesce(nullif($4::text, ''), progress_message),
  started_at = case when $3::text = 'RUNNING' then coalesce(started_at, $5) else started_at end,
  completed_at = case when $3::text in ('COMPLETED', 'FAILED') then $5 else completed_at end,
  updated_at = $5
where id = $1 and status = $2::text
returning `+jobCols, id, string(from), string(to), message, at))
	if errors.Is(err, domain.ErrJobNotFound) {
		if _, gerr := s.GetJob(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, domain.ErrStatusConflict
	}
	return j, err
}

// Checkpoint writes item outcomes, counters, context patch and lease renewal
// in one transaction. Processed ids are merged into the locked row's set.
func (s *Store) Checkpoint(ctx context.Context, id, owner string, cp domain.Checkpoint, leaseUntil, at time.Time) (*domain.Job, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var (
		holder *string
		raw    []byte
	)
	err = tx.QueryRow(ctx, `select lease_owner, context from jobs where id = $1 for update`, id).Scan(&holder, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "lock job")
	}
	if owner != "" && (holder == nil || *holder != owner) {
		return nil, domain.ErrLeaseLost
	}
	current := domain.Values{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &current); err != nil {
			return nil, errors.Wrap(err, "decode job context")
		}
	}
	patch, err := encodeValues(cp.ContextPatch(current))
	if err != nil {
		return nil, err
	}

	if len(cp.Outcomes) > 0 {
		b := &pgx.Batch{}
		for _, o := range cp.Outcomes {
			var result []byte
			if o.Result != nil {
				result = o.Result
			}
			b.Queue(`update items set status = $3, last_error = $4, result = coalesce($5::jsonb, result),
next_attempt_at = $6, updated_at = $7 where id = $1 and job_id = $2`,
				o.ItemID, id, string(o.Status), o.Error, result, o.NextAttemptAt, at)
		}
		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return nil, errors.Wrap(err, "write item outcomes")
		}
	}

	job, err := scanJob(tx.QueryRow(ctx, `update jobs set
  progress_done = progress_done + $2,
  progress_failed = progress_failed + $3,
  progress_total = coalesce($4::int, progress_total),
  progress_message = coalesce(nullif($5::text, ''), progress_message),
  context = context || $6::jsonb,
  lease_expires_at = case when $7::text <> '' then $8 else lease_expires_at end,
  updated_at = $9
where id = $1
returning `+jobCols, id, cp.DoneDelta, cp.FailedDelta, cp.Total, cp.Message, patch, owner, leaseUntil, at))
	if err != nil {
		return nil, err
	}
	return job, errors.Wrap(tx.Commit(ctx), "commit checkpoint")
}

func (s *Store) AcquireLease(ctx context.Context, id, owner string, until, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `update jobs set lease_owner = $2, lease_expires_at = $3
where id = $1 and (lease_owner is null or lease_expires_at <= $4 or lease_owner = $2)`, id, owner, until, now)
	if err != nil {
		return false, errors.Wrap(err, "acquire lease")
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) ReleaseLease(ctx context.Context, id, owner string) error {
	_, err := s.db.Exec(ctx, `update jobs set lease_owner = null, lease_expires_at = null
where id = $1 and lease_owner = $2`, id, owner)
	return errors.Wrap(err, "release lease")
}

// ReleaseExpiredLeases is the DB-authoritative half of lease recovery: owners
// that stopped renewing lose the job and their running items go back to queued.
func (s *Store) ReleaseExpiredLeases(ctx context.Context, now time.Time) ([]string, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx, `update jobs set lease_owner = null, lease_expires_at = null
where lease_owner is not null and lease_expires_at <= $1
returning id`, now)
	if err != nil {
		return nil, errors.Wrap(err, "release expired leases")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, "release expired leases")
	}
	if len(ids) > 0 {
		if _, err := tx.Exec(ctx, `update items set status = 'queued', updated_at = $2
where job_id = any($1) and status = 'running'`, ids, now); err != nil {
			return nil, errors.Wrap(err, "requeue running items")
		}
	}
	return ids, errors.Wrap(tx.Commit(ctx), "commit")
}

func (s *Store) InsertItems(ctx context.Context, jobID string, refs []string) (int, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return 0, err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck
	n, err := insertItems(ctx, tx, jobID, refs, time.Now())
	if err != nil {
		return 0, err
	}
	return n, errors.Wrap(tx.Commit(ctx), "commit")
}

// insertItems skips refs the job already has.
func insertItems(ctx context.Context, tx pgx.Tx, jobID string, refs []string, at time.Time) (int, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	b := &pgx.Batch{}
	for _, ref := range refs {
		b.Queue(`insert into items(id, job_id, ref, status, created_at, updated_at)
values ($1, $2, $3, 'queued', $4, $4) on conflict (job_id, ref) do nothing`, uuid.NewString(), jobID, ref, at)
	}
	br := tx.SendBatch(ctx, b)
	n := 0
	for range refs {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, errors.Wrap(err, "insert items")
		}
		n += int(tag.RowsAffected())
	}
	return n, errors.Wrap(br.Close(), "insert items")
}

func (s *Store) queryItems(ctx context.Context, sql string, args ...any) ([]domain.Item, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query items")
	}
	defer rows.Close()
	var out []domain.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, errors.Wrap(rows.Err(), "query items")
}

func (s *Store) ReadyItems(ctx context.Context, jobID string, now time.Time, limit int, exclude []string) ([]domain.Item, error) {
	if exclude == nil {
		exclude = []string{}
	}
	return s.queryItems(ctx, `select `+itemCols+` from items
where job_id = $1 and status = 'queued'
  and (next_attempt_at is null or next_attempt_at <= $2)
  and not (id = any($3::text[]))
order by seq
limit nullif($4::int, 0)`, jobID, now, exclude, limit)
}

func (s *Store) ListItems(ctx context.Context, jobID string, status domain.ItemStatus, limit int) ([]domain.Item, error) {
	return s.queryItems(ctx, `select `+itemCols+` from items
where job_id = $1 and ($2::text = '' or status = $2::text)
order by seq
limit nullif($3::int, 0)`, jobID, string(status), limit)
}

func (s *Store) MarkRunning(ctx context.Context, ids []string, at time.Time) error {
	_, err := s.db.Exec(ctx, `update items set status = 'running', attempts = attempts + 1, updated_at = $2
where id = any($1)`, ids, at)
	return errors.Wrap(err, "mark running")
}

func (s *Store) RequeueRunning(ctx context.Context, jobID string) (int, error) {
	tag, err := s.db.Exec(ctx, `update items set status = 'queued', updated_at = now()
where job_id = $1 and status = 'running'`, jobID)
	if err != nil {
		return 0, errors.Wrap(err, "requeue running")
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) CountItems(ctx context.Context, jobID string, now time.Time) (domain.ItemCounts, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return domain.ItemCounts{}, err
	}
	processed := make([]string, 0)
	for id := range domain.NewProcessedSet(job.Context) {
		processed = append(processed, id)
	}
	var c domain.ItemCounts
	err = s.db.QueryRow(ctx, `select
  count(*) filter (where status = 'queued'),
  count(*) filter (where status = 'queued' and not (id = any($3::text[]))
                   and (next_attempt_at is null or next_attempt_at <= $2)),
  count(*) filter (where status = 'running'),
  count(*) filter (where status = 'done'),
  count(*) filter (where status = 'failed'),
  count(*) filter (where status = 'queued' and not (id = any($3::text[])) and next_attempt_at > $2),
  min(next_attempt_at) filter (where status = 'queued' and not (id = any($3::text[])) and next_attempt_at > $2)
from items where job_id = $1`, jobID, now, processed).
		Scan(&c.Queued, &c.Ready, &c.Running, &c.Done, &c.Failed, &c.Deferred, &c.NextAttemptAt)
	return c, errors.Wrap(err, "count items")
}

// RequeueFailed resets failed items, zeroes progress_failed and removes the
// items from the processed set in one transaction.
func (s *Store) RequeueFailed(ctx context.Context, jobID string, at time.Time) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	job, err := scanJob(tx.QueryRow(ctx, `select `+jobCols+` from jobs where id = $1 for update`, jobID))
	if err != nil {
		return 0, err
	}
	rows, err := tx.Query(ctx, `update items set status = 'queued', attempts = 0, last_error = '',
next_attempt_at = null, updated_at = $2
where job_id = $1 and status = 'failed'
returning id`, jobID, at)
	if err != nil {
		return 0, errors.Wrap(err, "requeue failed items")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, errors.Wrap(err, "requeue failed items")
	}
	processed := domain.NewProcessedSet(job.Context)
	for _, id := range ids {
		delete(processed, id)
	}
	patch, err := encodeValues(domain.Values{domain.KeyProcessedIDs: processed.Encode()})
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `update jobs set progress_failed = 0, context = context || $2::jsonb, updated_at = $3
where id = $1`, jobID, patch, at); err != nil {
		return 0, errors.Wrap(err, "reset failed progress")
	}
	return len(ids), errors.Wrap(tx.Commit(ctx), "commit")
}

func (s *Store) ResetJob(ctx context.Context, id string, values domain.Values, at time.Time) (*domain.Job, error) {
	raw, err := encodeValues(values)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	job, err := scanJob(tx.QueryRow(ctx, `select `+jobCols+` from jobs where id = $1 for update`, id))
	if err != nil {
		return nil, err
	}
	if job.Leased(at) {
		return nil, domain.ErrStatusConflict
	}
	if _, err := tx.Exec(ctx, `update items set status = 'queued', attempts = 0, last_error = '',
next_attempt_at = null, result = null, updated_at = $2
where job_id = $1`, id, at); err != nil {
		return nil, errors.Wrap(err, "requeue items")
	}
	job, err = scanJob(tx.QueryRow(ctx, `update jobs set progress_done = 0, progress_failed = 0,
progress_message = 'Restarting', context = $2::jsonb, updated_at = $3
where id = $1
returning `+jobCols, id, raw, at))
	if err != nil {
		return nil, err
	}
	return job, errors.Wrap(tx.Commit(ctx), "commit")
}
