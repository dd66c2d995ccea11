package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthci/stoker/pkg/errdefs"
	"github.com/hearthci/stoker/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newJob(id string, state types.JobState) *types.Job {
	return &types.Job{
		ID:          id,
		DeliveryID:  "d-" + id,
		Repository:  "acme/web",
		Workflow:    "ci",
		Priority:    3,
		QueueName:   "default",
		State:       state,
		MaxAttempts: 3,
		CreatedAt:   time.Now(),
	}
}

func TestInsertAndGetJob(t *testing.T) {
	s := newTestStore(t)

	job := newJob("job-1", types.JobStateReceived)
	require.NoError(t, s.InsertJob(job))

	got, err := s.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, job.Repository, got.Repository)
	assert.Equal(t, types.JobStateReceived, got.State)

	// Double insert conflicts
	err = s.InsertJob(job)
	assert.True(t, errdefs.IsConflict(err))
}

func TestUpdateJobStateConditional(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertJob(newJob("job-1", types.JobStateReceived)))

	updated, err := s.UpdateJobState("job-1", types.JobStateReceived, types.JobStateQueued, "enqueued", func(j *types.Job) {
		j.EnqueuedAt = time.Now()
	})
	require.NoError(t, err)
	assert.Equal(t, types.JobStateQueued, updated.State)
	assert.False(t, updated.EnqueuedAt.IsZero())

	// Wrong precondition fails with conflict and does not mutate
	_, err = s.UpdateJobState("job-1", types.JobStateReceived, types.JobStateQueued, "", nil)
	assert.True(t, errdefs.IsConflict(err))

	got, err := s.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateQueued, got.State)
}

func TestUpdateJobStateRejectsIllegalTransition(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertJob(newJob("job-1", types.JobStateReceived)))

	_, err := s.UpdateJobState("job-1", types.JobStateReceived, types.JobStateRunning, "", nil)
	assert.True(t, errdefs.IsConflict(err))
}

func TestTransitionLogAppendOnly(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertJob(newJob("job-1", types.JobStateReceived)))

	_, err := s.UpdateJobState("job-1", types.JobStateReceived, types.JobStateQueued, "enqueued", nil)
	require.NoError(t, err)
	_, err = s.UpdateJobState("job-1", types.JobStateQueued, types.JobStateRouted, "dispatched", nil)
	require.NoError(t, err)

	log, err := s.Transitions("job-1")
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, types.JobStateReceived, log[0].From)
	assert.Equal(t, types.JobStateQueued, log[0].To)
	assert.Equal(t, "enqueued", log[0].Reason)
	assert.Equal(t, types.JobStateRouted, log[1].To)
	assert.False(t, log[1].Timestamp.Before(log[0].Timestamp))
}

func TestRecoverGroupsNonTerminal(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertJob(newJob("a", types.JobStateQueued)))
	require.NoError(t, s.InsertJob(newJob("b", types.JobStateScheduled)))
	require.NoError(t, s.InsertJob(newJob("c", types.JobStateRunning)))
	require.NoError(t, s.InsertJob(newJob("d", types.JobStateCompleted)))
	require.NoError(t, s.InsertJob(newJob("e", types.JobStateDeadLettered)))

	grouped, err := s.Recover()
	require.NoError(t, err)
	assert.Len(t, grouped[types.JobStateQueued], 1)
	assert.Len(t, grouped[types.JobStateScheduled], 1)
	assert.Len(t, grouped[types.JobStateRunning], 1)
	assert.Empty(t, grouped[types.JobStateCompleted])
	assert.Empty(t, grouped[types.JobStateDeadLettered])
}

func TestArchiveJob(t *testing.T) {
	s := newTestStore(t)
	job := newJob("job-1", types.JobStateCompleted)
	job.FinishedAt = time.Now()
	require.NoError(t, s.InsertJob(job))

	require.NoError(t, s.ArchiveJob("job-1"))

	_, err := s.GetJob("job-1")
	assert.Error(t, err, "detail dropped after archive")

	sum, err := s.GetArchivedJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateCompleted, sum.State)

	// Second archive is a no-op
	assert.NoError(t, s.ArchiveJob("job-1"))

	// Non-terminal jobs cannot be archived
	require.NoError(t, s.InsertJob(newJob("job-2", types.JobStateQueued)))
	err = s.ArchiveJob("job-2")
	assert.True(t, errdefs.IsConflict(err))
}

func TestSeenDelivery(t *testing.T) {
	s := newTestStore(t)

	seen, err := s.SeenDelivery("d1", time.Hour)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.MarkDelivery("d1"))

	seen, err = s.SeenDelivery("d1", time.Hour)
	require.NoError(t, err)
	assert.True(t, seen)

	// Expired entries are treated as unseen
	seen, err = s.SeenDelivery("d1", 0)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestScheduleEmissionIdempotency(t *testing.T) {
	s := newTestStore(t)
	sched := &types.Schedule{ID: "nightly", CronExpr: "0 2 * * *", CreatedAt: time.Now()}
	require.NoError(t, s.CreateSchedule(sched))

	boundary := time.Date(2026, 8, 25, 2, 0, 0, 0, time.UTC)
	fresh, err := s.MarkEmission("nightly", boundary)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.MarkEmission("nightly", boundary)
	require.NoError(t, err)
	assert.False(t, fresh, "same boundary must be suppressed")

	fresh, err = s.MarkEmission("nightly", boundary.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, fresh)

	schedules, err := s.ListSchedules()
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, "0 2 * * *", schedules[0].CronExpr)
}

func TestRunnerAndContainerRoundTrip(t *testing.T) {
	s := newTestStore(t)

	r := &types.Runner{
		ID:      "runner-1",
		PoolKey: types.PoolKey{Repository: "acme/web", Profile: "default"},
		State:   types.RunnerStateIdle,
	}
	require.NoError(t, s.SaveRunner(r))
	got, err := s.GetRunner("runner-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunnerStateIdle, got.State)

	c := &types.Container{ID: "cont-1", Image: "ghcr.io/hearthci/runner:latest", State: types.ContainerStateRunning}
	require.NoError(t, s.SaveContainer(c))
	gc, err := s.GetContainer("cont-1")
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateRunning, gc.State)

	require.NoError(t, s.DeleteRunner("runner-1"))
	_, err = s.GetRunner("runner-1")
	assert.Error(t, err)

	require.NoError(t, s.DeleteContainer("cont-1"))
	_, err = s.GetContainer("cont-1")
	assert.Error(t, err)
}

func TestPoolStatusRoundTrip(t *testing.T) {
	s := newTestStore(t)
	key := types.PoolKey{Repository: "acme/web", Profile: "default"}
	p := &types.PoolStatus{
		Key: key, Min: 1, Max: 5, Desired: 2,
		Counts: map[types.RunnerState]int{types.RunnerStateIdle: 2},
	}
	require.NoError(t, s.SavePoolStatus(p))

	pools, err := s.ListPoolStatuses()
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, key, pools[0].Key)
	assert.Equal(t, 2, pools[0].Desired)

	require.NoError(t, s.DeletePoolStatus(key))
	pools, err = s.ListPoolStatuses()
	require.NoError(t, err)
	assert.Empty(t, pools)
}
