package domain

import "time"

type EventKind string

const (
	EventTransition EventKind = "transition"
	EventCheckpoint EventKind = "checkpoint"
	EventCreated    EventKind = "created"
)

// Event is a job lifecycle notification for dashboards and other listeners.
type Event struct {
	Kind    EventKind `json:"kind"`
	JobID   string    `json:"jobId"`
	Type    Type      `json:"type"`
	Status  Status    `json:"status"`
	Total   int       `json:"progressTotal"`
	Done    int       `json:"progressDone"`
	Failed  int       `json:"progressFailed"`
	Message string    `json:"progressMessage"`
	At      time.Time `json:"at"`
}

func NewEvent(kind EventKind, j *Job, at time.Time) Event {
	return Event{
		Kind:    kind,
		JobID:   j.ID,
		Type:    j.Type,
		Status:  j.Status,
		Total:   j.ProgressTotal,
		Done:    j.ProgressDone,
		Failed:  j.ProgressFailed,
		Message: j.ProgressMessage,
		At:      at,
	}
}
