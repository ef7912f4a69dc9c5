package domain

import "time"

type Status string

const (
	Pending   Status = "PENDING"
	Running   Status = "RUNNING"
	Paused    Status = "PAUSED"
	Canceled  Status = "CANCELED"
	Completed Status = "COMPLETED"
	Failed    Status = "FAILED"
)

// transitions lists the statuses reachable from each status. RUNNING -> RUNNING
// is the re-entry used by resume and self-continuation.
var transitions = map[Status][]Status{
	Pending:   {Running, Canceled, Failed},
	Running:   {Running, Paused, Canceled, Completed, Failed},
	Paused:    {Running, Canceled},
	Canceled:  {Running},
	Completed: nil,
	Failed:    nil,
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) Terminal() bool { return s == Completed || s == Failed }

// Halted reports whether a running loop must stop before starting new work.
func (s Status) Halted() bool { return s != Running }

// CanTransition reports whether to is reachable from s.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is the durable record of one pipeline execution.
type Job struct {
	ID              string     `json:"id"`
	Type            Type       `json:"type"`
	Status          Status     `json:"status"`
	ProgressTotal   int        `json:"progressTotal"`
	ProgressDone    int        `json:"progressDone"`
	ProgressFailed  int        `json:"progressFailed"`
	ProgressMessage string     `json:"progressMessage"`
	Context         Values     `json:"context"`
	SupportsPause   bool       `json:"supportsPause"`
	SupportsRetry   bool       `json:"supportsRetry"`
	SupportsRestart bool       `json:"supportsRestart"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	LeaseOwner      *string    `json:"-"`
	LeaseExpiresAt  *time.Time `json:"-"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Leased reports whether an invocation holds an unexpired lease at now.
func (j *Job) Leased(now time.Time) bool {
	return j.LeaseOwner != nil && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.After(now)
}

// Checkpoint is one durable progress write. Deltas are never negative.
type Checkpoint struct {
	DoneDelta   int
	FailedDelta int
	// Total replaces progressTotal when set.
	Total    *int
	Message  string
	Patch    Values
	Outcomes []ItemOutcome
	// Processed ids are added to the stored processed set under the job's
	// row lock, never written back wholesale.
	Processed []string
}

// ContextPatch returns the patch to apply on top of current, with Processed
// folded into current's processed set.
func (cp Checkpoint) ContextPatch(current Values) Values {
	if len(cp.Processed) == 0 {
		return cp.Patch
	}
	set := NewProcessedSet(current)
	set.Add(cp.Processed...)
	return cp.Patch.Merge(Values{KeyProcessedIDs: set.Encode()})
}
