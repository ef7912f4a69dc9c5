package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrResumeTargetMissing is matched by every error meaning "nothing to resume".
	ErrResumeTargetMissing = errors.New("resume target missing")

	ErrJobNotFound        = fmt.Errorf("job not found: %w", ErrResumeTargetMissing)
	ErrUnsupportedJobType = fmt.Errorf("unsupported job type: %w", ErrResumeTargetMissing)

	ErrInvalidTransition = errors.New("invalid transition")
	ErrCapability        = errors.New("action not supported by job type")
	ErrLeaseLost         = errors.New("job lease lost")
	ErrInvalidContext    = errors.New("invalid resumption context")
)

// TransitionError reports a rejected status change.
type TransitionError struct {
	From, To Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ErrStatusConflict is returned by stores when a compare-and-set status update
// finds a different current status.
var ErrStatusConflict = errors.New("job status changed concurrently")

var ErrIdentityNotFound = errors.New("identity not found")
