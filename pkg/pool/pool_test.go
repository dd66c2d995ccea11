package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthci/stoker/pkg/config"
	"github.com/hearthci/stoker/pkg/errdefs"
	"github.com/hearthci/stoker/pkg/storage"
	"github.com/hearthci/stoker/pkg/types"
)

// fakeProvisioner hands out container ids and records teardowns.
type fakeProvisioner struct {
	mu        sync.Mutex
	created   int
	destroyed []string
	failNext  bool
}

func (f *fakeProvisioner) CreateRunner(ctx context.Context, runner *types.Runner) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return "", errdefs.Transientf("engine unavailable")
	}
	f.created++
	return "ctr-" + runner.ID[:8], nil
}

func (f *fakeProvisioner) DestroyRunner(ctx context.Context, runner *types.Runner) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, runner.ID)
	return nil
}

var testKey = types.PoolKey{Repository: "acme/web", Profile: "default"}

func testProfiles() map[string]*types.ResourceProfile {
	return map[string]*types.ResourceProfile{
		"default": {Name: "default", Image: "ghcr.io/hearthci/runner:latest", MemoryBytes: 4 << 30},
	}
}

func newTestManager(t *testing.T, cfgs map[string]config.PoolConfig) (*Manager, *fakeProvisioner, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	prov := &fakeProvisioner{}
	return New(store, prov, cfgs, testProfiles()), prov, store
}

func TestWarmUpProvisionsMin(t *testing.T) {
	m, prov, store := newTestManager(t, map[string]config.PoolConfig{
		testKey.String(): {Min: 2, Max: 5, Ephemeral: true},
	})

	require.NoError(t, m.EnsurePool(context.Background(), testKey))
	assert.Equal(t, 2, prov.created)

	status, ok := m.Status(testKey)
	require.True(t, ok)
	assert.Equal(t, 2, status.Counts[types.RunnerStateIdle])

	runners, err := store.ListRunners()
	require.NoError(t, err)
	assert.Len(t, runners, 2)
}

func TestAcquireFlipsIdleToAssigned(t *testing.T) {
	m, _, store := newTestManager(t, map[string]config.PoolConfig{
		testKey.String(): {Min: 1, Max: 5, Ephemeral: true},
	})
	job := &types.Job{ID: "j1"}

	runner, err := m.Acquire(context.Background(), testKey, job)
	require.NoError(t, err)
	require.NotNil(t, runner)
	assert.Equal(t, types.RunnerStateAssigned, runner.State)
	assert.Equal(t, "j1", runner.CurrentJobID)

	persisted, err := store.GetRunner(runner.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunnerStateAssigned, persisted.State)
}

func TestAcquireMissRecordsDemand(t *testing.T) {
	m, _, _ := newTestManager(t, map[string]config.PoolConfig{
		testKey.String(): {Min: 0, Max: 5, Ephemeral: true},
	})

	runner, err := m.Acquire(context.Background(), testKey, &types.Job{ID: "j1"})
	require.NoError(t, err)
	assert.Nil(t, runner)

	runner, err = m.Acquire(context.Background(), testKey, &types.Job{ID: "j2"})
	require.NoError(t, err)
	assert.Nil(t, runner)

	demand, lastArrival := m.TakeDemand(testKey)
	assert.Equal(t, 2, demand)
	assert.False(t, lastArrival.IsZero())

	demand, _ = m.TakeDemand(testKey)
	assert.Zero(t, demand)
}

func TestConcurrentAcquiresNeverShareARunner(t *testing.T) {
	m, _, _ := newTestManager(t, map[string]config.PoolConfig{
		testKey.String(): {Min: 3, Max: 5, Ephemeral: true},
	})
	require.NoError(t, m.EnsurePool(context.Background(), testKey))

	var hits sync.Map
	var misses atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			runner, err := m.Acquire(context.Background(), testKey, &types.Job{ID: "j"})
			require.NoError(t, err)
			if runner == nil {
				misses.Add(1)
				return
			}
			if _, loaded := hits.LoadOrStore(runner.ID, n); loaded {
				t.Errorf("runner %s handed out twice", runner.ID)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(7), misses.Load())
}

func TestReleaseEphemeralDrains(t *testing.T) {
	m, prov, store := newTestManager(t, map[string]config.PoolConfig{
		testKey.String(): {Min: 1, Max: 5, Ephemeral: true},
	})

	runner, err := m.Acquire(context.Background(), testKey, &types.Job{ID: "j1"})
	require.NoError(t, err)
	require.NoError(t, m.MarkBusy(runner.ID))

	require.NoError(t, m.Release(context.Background(), runner.ID))
	assert.Equal(t, []string{runner.ID}, prov.destroyed)

	_, err = store.GetRunner(runner.ID)
	assert.Error(t, err)

	status, _ := m.Status(testKey)
	assert.Zero(t, status.Total())
}

func TestReleaseReusableReturnsToIdle(t *testing.T) {
	m, prov, _ := newTestManager(t, map[string]config.PoolConfig{
		testKey.String(): {Min: 1, Max: 5, Ephemeral: false},
	})

	runner, err := m.Acquire(context.Background(), testKey, &types.Job{ID: "j1"})
	require.NoError(t, err)
	require.NoError(t, m.MarkBusy(runner.ID))

	require.NoError(t, m.Release(context.Background(), runner.ID))
	assert.Empty(t, prov.destroyed)

	again, err := m.Acquire(context.Background(), testKey, &types.Job{ID: "j2"})
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, runner.ID, again.ID)
	assert.Equal(t, "j2", again.CurrentJobID)
}

func TestScaleUpAndDownWithinBounds(t *testing.T) {
	m, prov, _ := newTestManager(t, map[string]config.PoolConfig{
		testKey.String(): {Min: 1, Max: 3, Ephemeral: true},
	})

	require.NoError(t, m.Scale(context.Background(), testKey, 5))
	status, _ := m.Status(testKey)
	assert.Equal(t, 3, status.Counts[types.RunnerStateIdle]) // clamped to max
	assert.Equal(t, 3, status.Desired)

	require.NoError(t, m.Scale(context.Background(), testKey, 0))
	status, _ = m.Status(testKey)
	assert.Equal(t, 1, status.Counts[types.RunnerStateIdle]) // clamped to min
	assert.Len(t, prov.destroyed, 2)
}

func TestScaleDownNeverDrainsBusy(t *testing.T) {
	m, _, _ := newTestManager(t, map[string]config.PoolConfig{
		testKey.String(): {Min: 0, Max: 3, Ephemeral: true},
	})
	require.NoError(t, m.Scale(context.Background(), testKey, 2))

	runner, err := m.Acquire(context.Background(), testKey, &types.Job{ID: "j1"})
	require.NoError(t, err)
	require.NoError(t, m.MarkBusy(runner.ID))

	require.NoError(t, m.Scale(context.Background(), testKey, 0))
	status, _ := m.Status(testKey)
	assert.Equal(t, 1, status.Counts[types.RunnerStateBusy])
	assert.Zero(t, status.Counts[types.RunnerStateIdle])
}

func TestProvisionFailureSurfaces(t *testing.T) {
	m, prov, _ := newTestManager(t, map[string]config.PoolConfig{
		testKey.String(): {Min: 0, Max: 3, Ephemeral: true},
	})
	prov.failNext = true

	err := m.Scale(context.Background(), testKey, 1)
	require.Error(t, err)
	assert.True(t, errdefs.Retryable(err))

	status, _ := m.Status(testKey)
	assert.Zero(t, status.Total())
}

func TestLoadRebuildsAndFlagsStale(t *testing.T) {
	m, _, store := newTestManager(t, map[string]config.PoolConfig{
		testKey.String(): {Min: 0, Max: 5, Ephemeral: true},
	})

	seed := func(id string, state types.RunnerState) {
		require.NoError(t, store.SaveRunner(&types.Runner{
			ID:      id,
			PoolKey: testKey,
			State:   state,
		}))
	}
	seed("idle-1", types.RunnerStateIdle)
	seed("busy-1", types.RunnerStateBusy)
	seed("gone-1", types.RunnerStateTerminated)

	stale, err := m.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "busy-1", stale[0].ID)

	status, _ := m.Status(testKey)
	assert.Equal(t, 1, status.Counts[types.RunnerStateIdle])
	assert.Equal(t, 1, status.Counts[types.RunnerStateBusy])
}
