package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{Pending, Running, true},
		{Pending, Paused, false},
		{Running, Running, true},
		{Running, Paused, true},
		{Running, Completed, true},
		{Paused, Running, true},
		{Paused, Completed, false},
		{Canceled, Running, true},
		{Canceled, Paused, false},
		{Completed, Running, false},
		{Completed, Failed, false},
		{Failed, Running, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}
}

func TestTransitionErrorMatchesSentinel(t *testing.T) {
	err := error(&TransitionError{From: Completed, To: Running})
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Contains(t, err.Error(), "COMPLETED -> RUNNING")
}

func TestResumeTargetMissingCoversLookupErrors(t *testing.T) {
	assert.ErrorIs(t, ErrJobNotFound, ErrResumeTargetMissing)
	assert.ErrorIs(t, ErrUnsupportedJobType, ErrResumeTargetMissing)
	assert.NotErrorIs(t, ErrInvalidTransition, ErrResumeTargetMissing)
}

func TestLeased(t *testing.T) {
	now := time.Now()
	owner := "w1"
	later := now.Add(time.Minute)
	earlier := now.Add(-time.Second)

	j := &Job{}
	assert.False(t, j.Leased(now))
	j.LeaseOwner, j.LeaseExpiresAt = &owner, &later
	assert.True(t, j.Leased(now))
	j.LeaseExpiresAt = &earlier
	assert.False(t, j.Leased(now))
}

func TestItemReady(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Minute)
	assert.True(t, Item{Status: ItemQueued}.Ready(now))
	assert.False(t, Item{Status: ItemQueued, NextAttemptAt: &future}.Ready(now))
	assert.True(t, Item{Status: ItemQueued, NextAttemptAt: &now}.Ready(now))
	assert.False(t, Item{Status: ItemRunning}.Ready(now))
}
