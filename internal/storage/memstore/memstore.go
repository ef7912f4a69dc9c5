// Package memstore keeps job, item and identity state in process memory. It
// backs tests and single-process deployments (STORE_BACKEND=memory).
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SirClappington/imagejobs/internal/domain"
	"github.com/SirClappington/imagejobs/internal/engine"
)

type Store struct {
	mu         sync.Mutex
	jobs       map[string]*domain.Job
	items      map[string]*domain.Item
	order      []string // item ids in insertion order
	identities map[string]*domain.Identity
	seq        int
	now        func() time.Time
	failCP     bool
}

func New() *Store {
	return &Store{
		jobs:       map[string]*domain.Job{},
		items:      map[string]*domain.Item{},
		identities: map[string]*domain.Identity{},
		now:        time.Now,
	}
}

var _ engine.Store = (*Store)(nil)

// TryLead always wins; a memory store has exactly one process.
func (s *Store) TryLead(context.Context) (bool, error) { return true, nil }

func (s *Store) InsertJob(_ context.Context, job *domain.Job, refs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneJob(job)
	s.jobs[job.ID] = cp
	s.insertItemsLocked(job.ID, refs, job.CreatedAt)
	return nil
}

func (s *Store) GetJob(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (s *Store) ListJobs(_ context.Context, f engine.JobFilter) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for _, j := range s.jobs {
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, j.Status) {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) SetStatus(_ context.Context, id string, from, to domain.Status, message string, at time.Time) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if j.Status != from {
		return nil, domain.ErrStatusConflict
	}
	j.Status = to
	if message != "" {
		j.ProgressMessage = message
	}
	if to == domain.Running && j.StartedAt == nil {
		t := at
		j.StartedAt = &t
	}
	if to.Terminal() {
		t := at
		j.CompletedAt = &t
	}
	j.UpdatedAt = at
	return cloneJob(j), nil
}

func (s *Store) Checkpoint(_ context.Context, id, owner string, cp domain.Checkpoint, leaseUntil, at time.Time) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCP {
		return nil, errInjected
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if owner != "" {
		if j.LeaseOwner == nil || *j.LeaseOwner != owner {
			return nil, domain.ErrLeaseLost
		}
		until := leaseUntil
		j.LeaseExpiresAt = &until
	}
	for _, o := range cp.Outcomes {
		it, ok := s.items[o.ItemID]
		if !ok || it.JobID != id {
			continue
		}
		it.Status = o.Status
		it.LastError = o.Error
		if o.Result != nil {
			it.Result = append(json.RawMessage(nil), o.Result...)
		}
		it.NextAttemptAt = copyTime(o.NextAttemptAt)
		it.UpdatedAt = at
	}
	j.ProgressDone += cp.DoneDelta
	j.ProgressFailed += cp.FailedDelta
	if cp.Total != nil {
		j.ProgressTotal = *cp.Total
	}
	if cp.Message != "" {
		j.ProgressMessage = cp.Message
	}
	if patch := cp.ContextPatch(j.Context); len(patch) > 0 {
		j.Context = j.Context.Merge(patch)
	}
	j.UpdatedAt = at
	return cloneJob(j), nil
}

func (s *Store) AcquireLease(_ context.Context, id, owner string, until, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	if j.Leased(now) && *j.LeaseOwner != owner {
		return false, nil
	}
	o, u := owner, until
	j.LeaseOwner, j.LeaseExpiresAt = &o, &u
	return true, nil
}

func (s *Store) ReleaseLease(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.LeaseOwner != nil && *j.LeaseOwner == owner {
		j.LeaseOwner, j.LeaseExpiresAt = nil, nil
	}
	return nil
}

func (s *Store) ReleaseExpiredLeases(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, j := range s.jobs {
		if j.LeaseOwner == nil || j.Leased(now) {
			continue
		}
		j.LeaseOwner, j.LeaseExpiresAt = nil, nil
		s.requeueRunningLocked(id)
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) InsertItems(_ context.Context, jobID string, refs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return 0, domain.ErrJobNotFound
	}
	return s.insertItemsLocked(jobID, refs, s.now()), nil
}

// insertItemsLocked skips refs the job already has.
func (s *Store) insertItemsLocked(jobID string, refs []string, at time.Time) int {
	have := map[string]bool{}
	for _, id := range s.order {
		if it := s.items[id]; it.JobID == jobID {
			have[it.Ref] = true
		}
	}
	n := 0
	for _, ref := range refs {
		if have[ref] {
			continue
		}
		have[ref] = true
		s.seq++
		it := &domain.Item{
			ID:        uuid.NewString(),
			JobID:     jobID,
			Ref:       ref,
			Status:    domain.ItemQueued,
			CreatedAt: at.Add(time.Duration(s.seq)),
			UpdatedAt: at,
		}
		s.items[it.ID] = it
		s.order = append(s.order, it.ID)
		n++
	}
	return n
}

func (s *Store) ReadyItems(_ context.Context, jobID string, now time.Time, limit int, exclude []string) ([]domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	var out []domain.Item
	for _, id := range s.order {
		it := s.items[id]
		if it.JobID != jobID || skip[id] || !it.Ready(now) {
			continue
		}
		out = append(out, cloneItem(it))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListItems(_ context.Context, jobID string, status domain.ItemStatus, limit int) ([]domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Item
	for _, id := range s.order {
		it := s.items[id]
		if it.JobID != jobID || (status != "" && it.Status != status) {
			continue
		}
		out = append(out, cloneItem(it))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkRunning(_ context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if it, ok := s.items[id]; ok {
			it.Status = domain.ItemRunning
			it.Attempts++
			it.UpdatedAt = at
		}
	}
	return nil
}

func (s *Store) RequeueRunning(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requeueRunningLocked(jobID), nil
}

func (s *Store) requeueRunningLocked(jobID string) int {
	n := 0
	for _, it := range s.items {
		if it.JobID == jobID && it.Status == domain.ItemRunning {
			it.Status = domain.ItemQueued
			n++
		}
	}
	return n
}

func (s *Store) CountItems(_ context.Context, jobID string, now time.Time) (domain.ItemCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c domain.ItemCounts
	processed := domain.ProcessedSet{}
	if j, ok := s.jobs[jobID]; ok {
		processed = domain.NewProcessedSet(j.Context)
	}
	for _, it := range s.items {
		if it.JobID != jobID {
			continue
		}
		switch it.Status {
		case domain.ItemQueued:
			c.Queued++
			switch {
			case processed.Has(it.ID):
			case it.Ready(now):
				c.Ready++
			default:
				c.Deferred++
				if c.NextAttemptAt == nil || it.NextAttemptAt.Before(*c.NextAttemptAt) {
					c.NextAttemptAt = copyTime(it.NextAttemptAt)
				}
			}
		case domain.ItemRunning:
			c.Running++
		case domain.ItemDone:
			c.Done++
		case domain.ItemFailed:
			c.Failed++
		}
	}
	return c, nil
}

func (s *Store) RequeueFailed(_ context.Context, jobID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return 0, domain.ErrJobNotFound
	}
	processed := domain.NewProcessedSet(j.Context)
	n := 0
	for _, it := range s.items {
		if it.JobID != jobID || it.Status != domain.ItemFailed {
			continue
		}
		it.Status = domain.ItemQueued
		it.Attempts = 0
		it.LastError = ""
		it.NextAttemptAt = nil
		it.UpdatedAt = at
		delete(processed, it.ID)
		n++
	}
	j.ProgressFailed = 0
	j.Context = j.Context.Merge(domain.Values{domain.KeyProcessedIDs: processed.Encode()})
	j.UpdatedAt = at
	return n, nil
}

func (s *Store) ResetJob(_ context.Context, id string, values domain.Values, at time.Time) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if j.Leased(at) {
		return nil, domain.ErrStatusConflict
	}
	for _, it := range s.items {
		if it.JobID != id {
			continue
		}
		it.Status = domain.ItemQueued
		it.Attempts = 0
		it.LastError = ""
		it.NextAttemptAt = nil
		it.Result = nil
		it.UpdatedAt = at
	}
	j.ProgressDone, j.ProgressFailed = 0, 0
	j.ProgressMessage = "Restarting"
	j.Context = values.Merge(nil)
	j.UpdatedAt = at
	return cloneJob(j), nil
}

// ReplaceIdentities drops the job's identities and creates one per seed,
// assigning its items.
func (s *Store) ReplaceIdentities(_ context.Context, jobID string, seeds []domain.IdentitySeed) ([]domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ident := range s.identities {
		if ident.JobID == jobID {
			delete(s.identities, id)
		}
	}
	for _, it := range s.items {
		if it.JobID == jobID {
			it.IdentityID = nil
		}
	}
	now := s.now()
	out := make([]domain.Identity, 0, len(seeds))
	for _, seed := range seeds {
		ident := &domain.Identity{
			ID:        uuid.NewString(),
			JobID:     jobID,
			Label:     seed.Label,
			SampleRef: seed.SampleRef,
			CreatedAt: now,
		}
		for _, itemID := range seed.ItemIDs {
			if it, ok := s.items[itemID]; ok && it.JobID == jobID {
				id := ident.ID
				it.IdentityID = &id
				ident.ItemCount++
			}
		}
		s.identities[ident.ID] = ident
		out = append(out, *ident)
	}
	return out, nil
}

func (s *Store) ListIdentities(_ context.Context, jobID string) ([]domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Identity
	for _, ident := range s.identities {
		if ident.JobID == jobID {
			out = append(out, *ident)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Label < out[b].Label })
	return out, nil
}

// MergeIdentities moves the children's items to root and deletes the
// children. Children already gone are ignored, so a repeated merge is a no-op.
func (s *Store) MergeIdentities(_ context.Context, jobID, rootID string, childIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	root, ok := s.identities[rootID]
	if !ok || root.JobID != jobID {
		return domain.ErrIdentityNotFound
	}
	for _, cid := range childIDs {
		child, ok := s.identities[cid]
		if !ok || child.JobID != jobID || cid == rootID {
			continue
		}
		for _, it := range s.items {
			if it.IdentityID != nil && *it.IdentityID == cid {
				id := rootID
				it.IdentityID = &id
			}
		}
		delete(s.identities, cid)
	}
	root.ItemCount = 0
	for _, it := range s.items {
		if it.IdentityID != nil && *it.IdentityID == rootID {
			root.ItemCount++
		}
	}
	return nil
}

// FailCheckpoints makes Checkpoint fail while set, for tests.
func (s *Store) FailCheckpoints(fail bool) {
	s.mu.Lock()
	s.failCP = fail
	s.mu.Unlock()
}

// Expire moves the job's lease deadline to at, for tests.
func (s *Store) Expire(jobID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok && j.LeaseOwner != nil {
		t := at
		j.LeaseExpiresAt = &t
	}
}

// Touch sets the job's updated_at, for tests.
func (s *Store) Touch(jobID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		j.UpdatedAt = at
	}
}

func hasStatus(list []domain.Status, s domain.Status) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func cloneJob(j *domain.Job) *domain.Job {
	c := *j
	c.Context = domain.Values{}.Merge(j.Context)
	c.StartedAt = copyTime(j.StartedAt)
	c.CompletedAt = copyTime(j.CompletedAt)
	c.LeaseExpiresAt = copyTime(j.LeaseExpiresAt)
	if j.LeaseOwner != nil {
		o := *j.LeaseOwner
		c.LeaseOwner = &o
	}
	return &c
}

func cloneItem(it *domain.Item) domain.Item {
	c := *it
	c.NextAttemptAt = copyTime(it.NextAttemptAt)
	if it.Result != nil {
		c.Result = append(json.RawMessage(nil), it.Result...)
	}
	if it.IdentityID != nil {
		id := *it.IdentityID
		c.IdentityID = &id
	}
	return c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

type injectedError string

func (e injectedError) Error() string { return string(e) }

const errInjected = injectedError("memstore: injected checkpoint failure")
