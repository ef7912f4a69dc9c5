package domain

import (
	"encoding/json"
	"time"
)

type ItemStatus string

const (
	ItemQueued  ItemStatus = "queued"
	ItemRunning ItemStatus = "running"
	ItemDone    ItemStatus = "done"
	ItemFailed  ItemStatus = "failed"
)

type Item struct {
	ID            string          `json:"id"`
	JobID         string          `json:"jobId"`
	Ref           string          `json:"ref"`
	Status        ItemStatus      `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt *time.Time      `json:"nextAttemptAt,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	IdentityID    *string         `json:"identityId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Ready reports whether the item may be picked up at now.
func (it Item) Ready(now time.Time) bool {
	return it.Status == ItemQueued && (it.NextAttemptAt == nil || !it.NextAttemptAt.After(now))
}

// ItemOutcome is the result of processing one item, written with a checkpoint.
// Status queued means the item was deferred until NextAttemptAt.
type ItemOutcome struct {
	ItemID        string
	Status        ItemStatus
	Result        json.RawMessage
	Error         string
	NextAttemptAt *time.Time
}

// ItemCounts summarises the items of one job.
type ItemCounts struct {
	Queued   int
	Ready    int
	Running  int
	Done     int
	Failed   int
	Deferred int
	// NextAttemptAt is the earliest backoff deadline among deferred items.
	NextAttemptAt *time.Time
}

func (c ItemCounts) Total() int { return c.Queued + c.Running + c.Done + c.Failed }

// Identity is one merged "same person" grouping produced by classify-identities.
type Identity struct {
	ID        string    `json:"id"`
	JobID     string    `json:"jobId"`
	Label     string    `json:"label"`
	SampleRef string    `json:"sampleRef"`
	ItemCount int       `json:"itemCount"`
	CreatedAt time.Time `json:"createdAt"`
}

// IdentitySeed is a candidate identity before it is persisted.
type IdentitySeed struct {
	Label     string
	SampleRef string
	ItemIDs   []string
}
