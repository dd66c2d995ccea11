package orchestrator

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthci/stoker/pkg/engine"
	"github.com/hearthci/stoker/pkg/errdefs"
	"github.com/hearthci/stoker/pkg/scanner"
	"github.com/hearthci/stoker/pkg/storage"
	"github.com/hearthci/stoker/pkg/types"
)

type fakeEngine struct {
	mu      sync.Mutex
	created []string
	started []string
	stopped []string
	removed []string

	startErr error
	logLine  []byte

	waitExit  int
	waitOOM   bool
	waitErr   error
	waitBlock bool
}

func (f *fakeEngine) Create(ctx context.Context, spec *engine.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "ctr-" + shortID(spec.RunnerID)
	f.created = append(f.created, id)
	return id, nil
}

func (f *fakeEngine) StartContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeEngine) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeEngine) Wait(ctx context.Context, id string) (int, bool, error) {
	if f.waitBlock {
		<-ctx.Done()
		return 0, false, ctx.Err()
	}
	return f.waitExit, f.waitOOM, f.waitErr
}

func (f *fakeEngine) StreamLogs(ctx context.Context, id string, dst io.Writer) error {
	if len(f.logLine) > 0 {
		dst.Write(f.logLine)
	}
	return nil
}

type fakePools struct {
	mu       sync.Mutex
	idle     []*types.Runner
	acquires int
	scaled   []int
	busy     []string
	released []string
	failed   []string
	total    int
	max      int
}

func (f *fakePools) Acquire(ctx context.Context, key types.PoolKey, job *types.Job) (*types.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if len(f.idle) == 0 {
		return nil, nil
	}
	r := f.idle[0]
	f.idle = f.idle[1:]
	r.State = types.RunnerStateAssigned
	r.CurrentJobID = job.ID
	return r, nil
}

func (f *fakePools) MarkBusy(runnerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy = append(f.busy, runnerID)
	return nil
}

func (f *fakePools) Release(ctx context.Context, runnerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, runnerID)
	return nil
}

func (f *fakePools) Fail(ctx context.Context, runnerID string, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, runnerID+"/"+reason)
	return nil
}

func (f *fakePools) Scale(ctx context.Context, key types.PoolKey, desired int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scaled = append(f.scaled, desired)
	if desired > f.total && f.total < f.max {
		f.total++
		f.idle = append(f.idle, &types.Runner{
			ID:          "runner-grown",
			PoolKey:     key,
			ContainerID: "ctr-grown",
			State:       types.RunnerStateIdle,
		})
	}
	return nil
}

func (f *fakePools) Status(key types.PoolKey) (types.PoolStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.PoolStatus{
		Key: key,
		Max: f.max,
		Counts: map[types.RunnerState]int{
			types.RunnerStateIdle: len(f.idle),
			types.RunnerStateBusy: f.total - len(f.idle),
		},
	}, true
}

func testScanner() *scanner.Scanner {
	return scanner.New(scanner.DefaultPatterns(), nil)
}

func newTestExecutor(t *testing.T, eng *fakeEngine, pools *fakePools) (*Executor, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewExecutor(store, eng, pools, testScanner(), t.TempDir()), store
}

func assignedJob(t *testing.T, store storage.Store, id string) *types.Job {
	t.Helper()
	job := &types.Job{
		ID:         id,
		Repository: "acme/web",
		QueueName:  "default",
		Priority:   3,
		Profile:    &types.ResourceProfile{Name: "default", Image: "ghcr.io/hearthci/runner:latest", MemoryBytes: 4 << 30},
		State:      types.JobStateReceived,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, store.InsertJob(job))
	for _, step := range []struct {
		from, to types.JobState
	}{
		{types.JobStateReceived, types.JobStateQueued},
		{types.JobStateQueued, types.JobStateRouted},
		{types.JobStateRouted, types.JobStateAssigned},
	} {
		var err error
		job, err = store.UpdateJobState(id, step.from, step.to, "test setup", nil)
		require.NoError(t, err)
	}
	return job
}

func idleRunner(id string) *types.Runner {
	return &types.Runner{
		ID:          id,
		PoolKey:     types.PoolKey{Repository: "acme/web", Profile: "default"},
		ContainerID: "ctr-" + id,
		State:       types.RunnerStateIdle,
	}
}

func TestRunHappyPath(t *testing.T) {
	eng := &fakeEngine{}
	pools := &fakePools{idle: []*types.Runner{idleRunner("r1")}, total: 1, max: 5}
	x, store := newTestExecutor(t, eng, pools)
	job := assignedJob(t, store, "j1")

	require.NoError(t, x.Run(context.Background(), job))

	persisted, err := store.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateRunning, persisted.State)
	assert.Equal(t, "r1", persisted.RunnerID)
	assert.Equal(t, "ctr-r1", persisted.ContainerID)

	assert.Equal(t, []string{"ctr-r1"}, eng.started)
	assert.Equal(t, []string{"ctr-r1"}, eng.removed)
	assert.Equal(t, []string{"r1"}, pools.busy)
	assert.Equal(t, []string{"r1"}, pools.released)
	assert.Empty(t, pools.failed)
}

func TestRunRejectsJobWithoutProfile(t *testing.T) {
	x, store := newTestExecutor(t, &fakeEngine{}, &fakePools{})
	job := assignedJob(t, store, "j1")
	job.Profile = nil

	err := x.Run(context.Background(), job)
	require.Error(t, err)
	assert.False(t, errdefs.Retryable(err))
}

func TestRunOOMTerminatesRunner(t *testing.T) {
	eng := &fakeEngine{waitExit: 137, waitOOM: true}
	pools := &fakePools{idle: []*types.Runner{idleRunner("r1")}, total: 1, max: 5}
	x, store := newTestExecutor(t, eng, pools)
	job := assignedJob(t, store, "j1")

	err := x.Run(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, "container_oom", err.Error())
	assert.True(t, errdefs.Retryable(err))

	assert.Equal(t, []string{"ctr-r1"}, eng.removed)
	assert.Equal(t, []string{"r1/container_oom"}, pools.failed)
	assert.Empty(t, pools.released)
}

func TestRunNonzeroExitIsRetryable(t *testing.T) {
	eng := &fakeEngine{waitExit: 2}
	pools := &fakePools{idle: []*types.Runner{idleRunner("r1")}, total: 1, max: 5}
	x, store := newTestExecutor(t, eng, pools)
	job := assignedJob(t, store, "j1")

	err := x.Run(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errdefs.Retryable(err))
	assert.Contains(t, err.Error(), "code 2")
}

func TestRunStartFailureFailsRunner(t *testing.T) {
	eng := &fakeEngine{startErr: errdefs.Transientf("engine unavailable")}
	pools := &fakePools{idle: []*types.Runner{idleRunner("r1")}, total: 1, max: 5}
	x, store := newTestExecutor(t, eng, pools)
	job := assignedJob(t, store, "j1")

	err := x.Run(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, []string{"r1/container start failed"}, pools.failed)
}

func TestRunCancellationStopsContainer(t *testing.T) {
	eng := &fakeEngine{waitBlock: true}
	pools := &fakePools{idle: []*types.Runner{idleRunner("r1")}, total: 1, max: 5}
	x, store := newTestExecutor(t, eng, pools)
	job := assignedJob(t, store, "j1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := x.Run(ctx, job)
	require.Error(t, err)
	assert.Equal(t, []string{"ctr-r1"}, eng.stopped)
	assert.Equal(t, []string{"ctr-r1"}, eng.removed)
}

func TestRunExecutionTimeout(t *testing.T) {
	eng := &fakeEngine{waitBlock: true}
	pools := &fakePools{idle: []*types.Runner{idleRunner("r1")}, total: 1, max: 5}
	x, store := newTestExecutor(t, eng, pools)
	job := assignedJob(t, store, "j1")
	job.Profile.MaxExecutionTime = 50 * time.Millisecond

	err := x.Run(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errdefs.Retryable(err))
	assert.Contains(t, err.Error(), "exceeded")
	assert.Equal(t, []string{"ctr-r1"}, eng.stopped)
	assert.Equal(t, []string{"r1/execution timeout"}, pools.failed)
}

func TestAcquireGrowsPoolOnMiss(t *testing.T) {
	eng := &fakeEngine{}
	pools := &fakePools{total: 0, max: 5}
	x, store := newTestExecutor(t, eng, pools)
	job := assignedJob(t, store, "j1")

	require.NoError(t, x.Run(context.Background(), job))

	assert.Equal(t, 2, pools.acquires)
	require.Len(t, pools.scaled, 1)
	assert.Equal(t, 1, pools.scaled[0])
	assert.Equal(t, []string{"ctr-grown"}, eng.started)
}

func TestAcquireAtMaxIsTransient(t *testing.T) {
	pools := &fakePools{total: 5, max: 5}
	x, store := newTestExecutor(t, &fakeEngine{}, pools)
	job := assignedJob(t, store, "j1")

	err := x.Run(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errdefs.IsTransient(err))
}

func TestRunRedactsSecretsInPersistedLog(t *testing.T) {
	token := "ghp_" + strings.Repeat("a", 36)
	eng := &fakeEngine{logLine: []byte("deploy token " + token + " used\n")}
	pools := &fakePools{idle: []*types.Runner{idleRunner("r1")}, total: 1, max: 5}
	x, store := newTestExecutor(t, eng, pools)
	job := assignedJob(t, store, "j1")

	require.NoError(t, x.Run(context.Background(), job))

	data, err := os.ReadFile(filepath.Join(x.logDir, "j1.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), token)
	assert.Contains(t, string(data), strings.Repeat("*", len(token)))
}

func TestProvisionerLifecycle(t *testing.T) {
	eng := &fakeEngine{}
	x, _ := newTestExecutor(t, eng, &fakePools{})

	runner := idleRunner("r1")
	runner.ContainerID = ""
	runner.Resources = &types.ResourceProfile{Name: "default", Image: "ghcr.io/hearthci/runner:latest", MemoryBytes: 4 << 30}

	id, err := x.CreateRunner(context.Background(), runner)
	require.NoError(t, err)
	assert.Equal(t, "ctr-r1", id)

	runner.ContainerID = id
	require.NoError(t, x.DestroyRunner(context.Background(), runner))
	assert.Equal(t, []string{"ctr-r1"}, eng.stopped)
	assert.Equal(t, []string{"ctr-r1"}, eng.removed)
}
