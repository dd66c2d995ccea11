package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthci/stoker/pkg/config"
	"github.com/hearthci/stoker/pkg/errdefs"
	"github.com/hearthci/stoker/pkg/events"
	"github.com/hearthci/stoker/pkg/types"
)

func minutelySchedule(id string) *types.Schedule {
	return &types.Schedule{
		ID:       id,
		CronExpr: "* * * * *",
		Template: types.Job{
			Repository: "acme/web",
			Workflow:   "nightly@refs/heads/main",
			Priority:   4,
			QueueName:  "default",
		},
	}
}

func TestAddScheduleValidates(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)

	bad := minutelySchedule("s1")
	bad.CronExpr = "not a cron"
	assert.True(t, errdefs.IsValidation(e.AddSchedule(bad)))

	orphan := minutelySchedule("s2")
	orphan.Template.QueueName = "nope"
	assert.True(t, errdefs.IsValidation(e.AddSchedule(orphan)))

	skewed := minutelySchedule("s3")
	skewed.Template.Priority = 9
	assert.True(t, errdefs.IsValidation(e.AddSchedule(skewed)))
}

func TestAddScheduleDefaultsTemplatePriority(t *testing.T) {
	e, store := newTestEngine(t, nil, nil)
	base := time.Date(2026, 8, 25, 12, 0, 30, 0, time.UTC)
	e.now = func() time.Time { return base }

	s := minutelySchedule("s1")
	s.Template.Priority = 0
	require.NoError(t, e.AddSchedule(s))

	// The defaulted template survives a boundary emission.
	e.schedMu.Lock()
	e.schedules["s1"].checked = base.Add(-70 * time.Second)
	e.schedMu.Unlock()
	e.fireDue(base)

	queued, err := store.ListJobsByStates([]types.JobState{types.JobStateQueued}, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, 3, queued[0].Priority)
}

func TestScheduleEmitsOncePerBoundary(t *testing.T) {
	e, store := newTestEngine(t, nil, nil)
	base := time.Date(2026, 8, 25, 12, 0, 30, 0, time.UTC)
	e.now = func() time.Time { return base }

	require.NoError(t, e.AddSchedule(minutelySchedule("s1")))

	// Rewind the cursor so two minute boundaries are due.
	e.schedMu.Lock()
	e.schedules["s1"].checked = base.Add(-2*time.Minute - 10*time.Second)
	e.schedMu.Unlock()

	e.fireDue(base)

	queued, err := store.ListJobsByStates([]types.JobState{types.JobStateQueued}, 10)
	require.NoError(t, err)
	assert.Len(t, queued, 2)
	for _, job := range queued {
		assert.Equal(t, "acme/web", job.Repository)
		assert.Equal(t, 4, job.Priority)
	}

	// Same boundaries again: durably marked, nothing new fires.
	e.schedMu.Lock()
	e.schedules["s1"].checked = base.Add(-2*time.Minute - 10*time.Second)
	e.schedMu.Unlock()
	e.fireDue(base)

	queued, err = store.ListJobsByStates([]types.JobState{types.JobStateQueued}, 10)
	require.NoError(t, err)
	assert.Len(t, queued, 2)
}

func TestScheduleSurvivesReload(t *testing.T) {
	e, store := newTestEngine(t, nil, nil)
	require.NoError(t, e.AddSchedule(minutelySchedule("s1")))

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	reloaded, err := New(store, broker, map[string]config.QueueConfig{"default": testQueueConfig()}, nil)
	require.NoError(t, err)
	require.NoError(t, reloaded.loadSchedules())
	require.Len(t, reloaded.ListSchedules(), 1)
	assert.Equal(t, "s1", reloaded.ListSchedules()[0].ID)

	require.NoError(t, e.RemoveSchedule("s1"))
	stored, err := store.ListSchedules()
	require.NoError(t, err)
	assert.Empty(t, stored)
}
