package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from JobState
		to   JobState
		want bool
	}{
		{"received to queued", JobStateReceived, JobStateQueued, true},
		{"queued to routed", JobStateQueued, JobStateRouted, true},
		{"queued to scheduled", JobStateQueued, JobStateScheduled, true},
		{"scheduled to queued", JobStateScheduled, JobStateQueued, true},
		{"routed to assigned", JobStateRouted, JobStateAssigned, true},
		{"assigned to running", JobStateAssigned, JobStateRunning, true},
		{"running to completed", JobStateRunning, JobStateCompleted, true},
		{"running to failed", JobStateRunning, JobStateFailed, true},
		{"failed to scheduled", JobStateFailed, JobStateScheduled, true},
		{"failed to dead lettered", JobStateFailed, JobStateDeadLettered, true},
		{"running to cancelled", JobStateRunning, JobStateCancelled, true},
		{"received to running", JobStateReceived, JobStateRunning, false},
		{"completed is terminal", JobStateCompleted, JobStateQueued, false},
		{"dead lettered is terminal", JobStateDeadLettered, JobStateScheduled, false},
		{"cancelled is terminal", JobStateCancelled, JobStateQueued, false},
		{"queued to completed skips running", JobStateQueued, JobStateCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStates(t *testing.T) {
	terminal := []JobState{JobStateCompleted, JobStateDeadLettered, JobStateCancelled}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "state %s should be terminal", s)
		// Terminal states must reject every outgoing transition
		for _, to := range []JobState{JobStateQueued, JobStateScheduled, JobStateRunning, JobStateFailed} {
			assert.False(t, CanTransition(s, to), "%s -> %s must be rejected", s, to)
		}
	}

	nonTerminal := []JobState{JobStateReceived, JobStateQueued, JobStateScheduled, JobStateRouted, JobStateAssigned, JobStateRunning, JobStateFailed}
	for _, s := range nonTerminal {
		assert.False(t, s.Terminal(), "state %s should not be terminal", s)
	}
}

func TestPoolKeyRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		key  PoolKey
	}{
		{"simple", PoolKey{Repository: "acme/web", Profile: "default"}},
		{"nested repo", PoolKey{Repository: "org/group/repo", Profile: "gpu"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := ParsePoolKey(tt.key.String())
			assert.NoError(t, err)
			assert.Equal(t, tt.key, parsed)
		})
	}

	_, err := ParsePoolKey("noslash")
	assert.Error(t, err)
}

func TestPoolStatusTotal(t *testing.T) {
	status := PoolStatus{
		Counts: map[RunnerState]int{
			RunnerStateIdle:       2,
			RunnerStateBusy:       3,
			RunnerStateDraining:   1,
			RunnerStateTerminated: 5,
			RunnerStateFailed:     1,
		},
	}
	assert.Equal(t, 6, status.Total())
}

func TestJobSummarize(t *testing.T) {
	now := time.Now()
	job := &Job{
		ID:         "job-1",
		Repository: "acme/web",
		Workflow:   "ci",
		QueueName:  "default",
		State:      JobStateCompleted,
		Attempts:   2,
		CreatedAt:  now.Add(-time.Hour),
		FinishedAt: now,
	}

	sum := job.Summarize()
	assert.Equal(t, job.ID, sum.ID)
	assert.Equal(t, job.State, sum.State)
	assert.Equal(t, 2, sum.Attempts)
	assert.Equal(t, job.FinishedAt, sum.FinishedAt)
}
