package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/SirClappington/imagejobs/internal/domain"
)

// ReplaceIdentities drops the job's identities and creates one per seed,
// assigning its items.
func (s *Store) ReplaceIdentities(ctx context.Context, jobID string, seeds []domain.IdentitySeed) ([]domain.Identity, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `update items set identity_id = null where job_id = $1`, jobID); err != nil {
		return nil, errors.Wrap(err, "clear item identities")
	}
	if _, err := tx.Exec(ctx, `delete from identities where job_id = $1`, jobID); err != nil {
		return nil, errors.Wrap(err, "delete identities")
	}

	now := time.Now().UTC()
	out := make([]domain.Identity, 0, len(seeds))
	for _, seed := range seeds {
		ident := domain.Identity{
			ID:        uuid.NewString(),
			JobID:     jobID,
			Label:     seed.Label,
			SampleRef: seed.SampleRef,
			CreatedAt: now,
		}
		if _, err := tx.Exec(ctx, `insert into identities(id, job_id, label, sample_ref, item_count, created_at)
values ($1, $2, $3, $4, 0, $5)`, ident.ID, jobID, ident.Label, ident.SampleRef, now); err != nil {
			return nil, errors.Wrap(err, "insert identity")
		}
		tag, err := tx.Exec(ctx, `update items set identity_id = $1 where job_id = $2 and id = any($3)`,
			ident.ID, jobID, seed.ItemIDs)
		if err != nil {
			return nil, errors.Wrap(err, "assign items")
		}
		ident.ItemCount = int(tag.RowsAffected())
		if _, err := tx.Exec(ctx, `update identities set item_count = $2 where id = $1`, ident.ID, ident.ItemCount); err != nil {
			return nil, errors.Wrap(err, "count identity items")
		}
		out = append(out, ident)
	}
	return out, errors.Wrap(tx.Commit(ctx), "commit")
}

func (s *Store) ListIdentities(ctx context.Context, jobID string) ([]domain.Identity, error) {
	rows, err := s.db.Query(ctx, `select id, job_id, label, sample_ref, item_count, created_at
from identities where job_id = $1 order by label, id`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "list identities")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Identity, error) {
		var i domain.Identity
		err := row.Scan(&i.ID, &i.JobID, &i.Label, &i.SampleRef, &i.ItemCount, &i.CreatedAt)
		return i, err
	})
	return out, errors.Wrap(err, "list identities")
}

// MergeIdentities moves the children's items to root and deletes the
// children. Children already gone are ignored, so a repeated merge is a no-op.
func (s *Store) MergeIdentities(ctx context.Context, jobID, rootID string, childIDs []string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var exists bool
	if err := tx.QueryRow(ctx, `select exists(select 1 from identities where id = $1 and job_id = $2)`,
		rootID, jobID).Scan(&exists); err != nil {
		return errors.Wrap(err, "lookup root identity")
	}
	if !exists {
		return domain.ErrIdentityNotFound
	}
	if _, err := tx.Exec(ctx, `update items set identity_id = $1
where job_id = $2 and identity_id = any($3) and identity_id <> $1`, rootID, jobID, childIDs); err != nil {
		return errors.Wrap(err, "reassign items")
	}
	if _, err := tx.Exec(ctx, `delete from identities where job_id = $1 and id = any($2) and id <> $3`,
		jobID, childIDs, rootID); err != nil {
		return errors.Wrap(err, "delete merged identities")
	}
	if _, err := tx.Exec(ctx, `update identities
set item_count = (select count(*) from items where identity_id = $1)
where id = $1`, rootID); err != nil {
		return errors.Wrap(err, "recount identity")
	}
	return errors.Wrap(tx.Commit(ctx), "commit")
}
