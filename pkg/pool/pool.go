package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hearthci/stoker/pkg/config"
	"github.com/hearthci/stoker/pkg/errdefs"
	"github.com/hearthci/stoker/pkg/log"
	"github.com/hearthci/stoker/pkg/metrics"
	"github.com/hearthci/stoker/pkg/storage"
	"github.com/hearthci/stoker/pkg/types"
)

// Provisioner creates and destroys the container behind a runner. The
// pool manager owns runner records and state; the provisioner owns the
// engine interaction.
type Provisioner interface {
	CreateRunner(ctx context.Context, runner *types.Runner) (containerID string, err error)
	DestroyRunner(ctx context.Context, runner *types.Runner) error
}

// defaultPoolConfig applies to pools with no configuration block.
var defaultPoolConfig = config.PoolConfig{Min: 0, Max: 10, Ephemeral: true}

// pool is the in-memory state for one (repository, profile) pool.
type pool struct {
	key     types.PoolKey
	cfg     config.PoolConfig
	profile *types.ResourceProfile

	mu          sync.Mutex
	runners     map[string]*types.Runner
	desired     int
	demand      int
	lastArrival time.Time
}

// Manager keeps runner pools keyed by (repository, profile). Acquire
// and Release are atomic per pool; two concurrent Acquires never see
// the same idle runner.
type Manager struct {
	store    storage.Store
	prov     Provisioner
	cfgs     map[string]config.PoolConfig
	profiles map[string]*types.ResourceProfile

	mu     sync.Mutex
	pools  map[types.PoolKey]*pool
	logger zerolog.Logger
}

// New builds a pool manager. profiles maps profile name to its
// resource bundle; cfgs is keyed "repository/profile".
func New(store storage.Store, prov Provisioner, cfgs map[string]config.PoolConfig, profiles map[string]*types.ResourceProfile) *Manager {
	return &Manager{
		store:    store,
		prov:     prov,
		cfgs:     cfgs,
		profiles: profiles,
		pools:    make(map[types.PoolKey]*pool),
		logger:   log.WithComponent("pool"),
	}
}

// EnsurePool creates and warms up the pool for key if absent.
func (m *Manager) EnsurePool(ctx context.Context, key types.PoolKey) error {
	_, err := m.ensure(ctx, key)
	return err
}

// ensure returns the pool for key, creating and warming it up on first
// use. Warm-up provisions min runners so the first job sees near-zero
// start latency.
func (m *Manager) ensure(ctx context.Context, key types.PoolKey) (*pool, error) {
	m.mu.Lock()
	p, ok := m.pools[key]
	if !ok {
		profile, found := m.profiles[key.Profile]
		if !found {
			m.mu.Unlock()
			return nil, errdefs.Validationf("unknown profile %q", key.Profile)
		}
		cfg, found := m.cfgs[key.String()]
		if !found {
			cfg = defaultPoolConfig
		}
		p = &pool{
			key:     key,
			cfg:     cfg,
			profile: profile,
			runners: make(map[string]*types.Runner),
			desired: cfg.Min,
		}
		m.pools[key] = p
	}
	m.mu.Unlock()
	if ok {
		return p, nil
	}

	for i := 0; i < p.cfg.Min; i++ {
		if _, err := m.provision(ctx, p); err != nil {
			m.logger.Warn().Err(err).Str("pool", key.String()).Msg("warm-up provision failed")
			break
		}
	}
	m.publishStatus(p)
	return p, nil
}

// Acquire hands out an idle runner, flipping it to assigned with the
// job attached. A miss records demand for the scaler and returns nil.
func (m *Manager) Acquire(ctx context.Context, key types.PoolKey, job *types.Job) (*types.Runner, error) {
	p, err := m.ensure(ctx, key)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastArrival = time.Now()

	runner := p.oldestIdleLocked()
	if runner == nil {
		p.demand++
		return nil, nil
	}

	runner.State = types.RunnerStateAssigned
	runner.CurrentJobID = job.ID
	runner.AssignedAt = time.Now()
	if err := m.store.SaveRunner(runner); err != nil {
		runner.State = types.RunnerStateIdle
		runner.CurrentJobID = ""
		return nil, err
	}
	m.updateGaugesLocked(p)
	return runner, nil
}

// oldestIdleLocked picks the longest-idle runner so reuse is fair and
// drain targets the newest.
func (p *pool) oldestIdleLocked() *types.Runner {
	var idle []*types.Runner
	for _, r := range p.runners {
		if r.State == types.RunnerStateIdle {
			idle = append(idle, r)
		}
	}
	if len(idle) == 0 {
		return nil
	}
	sort.Slice(idle, func(i, j int) bool {
		if !idle[i].CreatedAt.Equal(idle[j].CreatedAt) {
			return idle[i].CreatedAt.Before(idle[j].CreatedAt)
		}
		return idle[i].ID < idle[j].ID
	})
	return idle[0]
}

// MarkBusy flips an assigned runner to busy once its container is
// actually executing the job.
func (m *Manager) MarkBusy(runnerID string) error {
	return m.flip(runnerID, types.RunnerStateAssigned, types.RunnerStateBusy, nil)
}

// Release returns a runner after its job. Ephemeral pools drain the
// runner; reusable pools put it back to idle.
func (m *Manager) Release(ctx context.Context, runnerID string) error {
	p, runner := m.find(runnerID)
	if runner == nil {
		return errdefs.Conflictf("runner %s is not tracked", runnerID)
	}

	if !p.cfg.Ephemeral {
		return m.flip(runnerID, runner.State, types.RunnerStateIdle, func(r *types.Runner) {
			r.CurrentJobID = ""
		})
	}
	return m.terminate(ctx, p, runner)
}

// Fail marks a runner broken and tears its container down.
func (m *Manager) Fail(ctx context.Context, runnerID string, reason string) error {
	p, runner := m.find(runnerID)
	if runner == nil {
		return errdefs.Conflictf("runner %s is not tracked", runnerID)
	}
	m.logger.Warn().Str("runner_id", runnerID).Str("reason", reason).Msg("runner failed")
	return m.terminate(ctx, p, runner)
}

// Scale moves the pool toward desired: provisions the shortfall, or
// drains idle runners down to it. Busy and assigned runners are never
// drained.
func (m *Manager) Scale(ctx context.Context, key types.PoolKey, desired int) error {
	p, err := m.ensure(ctx, key)
	if err != nil {
		return err
	}

	if desired < p.cfg.Min {
		desired = p.cfg.Min
	}
	if desired > p.cfg.Max {
		desired = p.cfg.Max
	}

	p.mu.Lock()
	p.desired = desired
	total := p.totalLocked()
	var toDrain []*types.Runner
	if total > desired {
		toDrain = p.newestIdleLocked(total - desired)
	}
	p.mu.Unlock()

	metrics.PoolDesired.WithLabelValues(key.String()).Set(float64(desired))

	for total < desired {
		if _, err := m.provision(ctx, p); err != nil {
			return err
		}
		total++
	}

	for _, runner := range toDrain {
		if err := m.terminate(ctx, p, runner); err != nil {
			m.logger.Warn().Err(err).Str("runner_id", runner.ID).Msg("drain failed")
		}
	}
	m.publishStatus(p)
	return nil
}

// newestIdleLocked picks up to n idle runners, newest first.
func (p *pool) newestIdleLocked(n int) []*types.Runner {
	var idle []*types.Runner
	for _, r := range p.runners {
		if r.State == types.RunnerStateIdle {
			idle = append(idle, r)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		if !idle[i].CreatedAt.Equal(idle[j].CreatedAt) {
			return idle[i].CreatedAt.After(idle[j].CreatedAt)
		}
		return idle[i].ID > idle[j].ID
	})
	if len(idle) > n {
		idle = idle[:n]
	}
	return idle
}

// provision creates one runner and its container. The record is
// persisted as provisioning before the engine call so a crash leaves a
// discoverable orphan.
func (m *Manager) provision(ctx context.Context, p *pool) (*types.Runner, error) {
	runner := &types.Runner{
		ID:        uuid.New().String(),
		PoolKey:   p.key,
		State:     types.RunnerStateProvisioning,
		Resources: p.profile,
		Labels:    []string{"self-hosted", p.key.Profile},
		CreatedAt: time.Now(),
	}
	if err := m.store.SaveRunner(runner); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.runners[runner.ID] = runner
	p.mu.Unlock()

	containerID, err := m.prov.CreateRunner(ctx, runner)
	if err != nil {
		runner.State = types.RunnerStateFailed
		if saveErr := m.store.SaveRunner(runner); saveErr != nil {
			m.logger.Warn().Err(saveErr).Str("runner_id", runner.ID).Msg("failed-state save failed")
		}
		p.mu.Lock()
		delete(p.runners, runner.ID)
		m.updateGaugesLocked(p)
		p.mu.Unlock()
		return nil, err
	}

	runner.ContainerID = containerID
	runner.State = types.RunnerStateIdle
	if err := m.store.SaveRunner(runner); err != nil {
		return nil, err
	}

	p.mu.Lock()
	m.updateGaugesLocked(p)
	p.mu.Unlock()

	m.logger.Info().
		Str("runner_id", runner.ID).
		Str("container_id", containerID).
		Str("pool", p.key.String()).
		Msg("runner provisioned")
	return runner, nil
}

// terminate drains a runner and destroys its container.
func (m *Manager) terminate(ctx context.Context, p *pool, runner *types.Runner) error {
	if err := m.flip(runner.ID, runner.State, types.RunnerStateDraining, nil); err != nil {
		return err
	}
	if err := m.prov.DestroyRunner(ctx, runner); err != nil {
		m.logger.Warn().Err(err).Str("runner_id", runner.ID).Msg("container teardown failed")
	}

	runner.State = types.RunnerStateTerminated
	runner.CurrentJobID = ""
	if err := m.store.DeleteRunner(runner.ID); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.runners, runner.ID)
	m.updateGaugesLocked(p)
	p.mu.Unlock()
	return nil
}

// flip transitions a tracked runner and persists it.
func (m *Manager) flip(runnerID string, from, to types.RunnerState, patch func(*types.Runner)) error {
	p, runner := m.find(runnerID)
	if runner == nil {
		return errdefs.Conflictf("runner %s is not tracked", runnerID)
	}

	p.mu.Lock()
	if runner.State != from {
		p.mu.Unlock()
		return errdefs.Conflictf("runner %s is %s, expected %s", runnerID, runner.State, from)
	}
	runner.State = to
	if patch != nil {
		patch(runner)
	}
	m.updateGaugesLocked(p)
	p.mu.Unlock()

	return m.store.SaveRunner(runner)
}

func (m *Manager) find(runnerID string) (*pool, *types.Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pools {
		p.mu.Lock()
		runner, ok := p.runners[runnerID]
		p.mu.Unlock()
		if ok {
			return p, runner
		}
	}
	return nil, nil
}

func (p *pool) totalLocked() int {
	n := 0
	for _, r := range p.runners {
		if !r.State.Terminal() {
			n++
		}
	}
	return n
}

// Status snapshots one pool's runner counts.
func (m *Manager) Status(key types.PoolKey) (types.PoolStatus, bool) {
	m.mu.Lock()
	p, ok := m.pools[key]
	m.mu.Unlock()
	if !ok {
		return types.PoolStatus{}, false
	}
	return p.status(), true
}

// Statuses snapshots every pool.
func (m *Manager) Statuses() []types.PoolStatus {
	m.mu.Lock()
	pools := make([]*pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	out := make([]types.PoolStatus, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

func (p *pool) status() types.PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	counts := make(map[types.RunnerState]int)
	for _, r := range p.runners {
		counts[r.State]++
	}
	return types.PoolStatus{
		Key:     p.key,
		Min:     p.cfg.Min,
		Max:     p.cfg.Max,
		Desired: p.desired,
		Counts:  counts,
	}
}

// TakeDemand returns and resets the acquire-miss count plus the last
// arrival instant. The scaler consumes this each evaluation.
func (m *Manager) TakeDemand(key types.PoolKey) (int, time.Time) {
	m.mu.Lock()
	p, ok := m.pools[key]
	m.mu.Unlock()
	if !ok {
		return 0, time.Time{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.demand
	p.demand = 0
	return d, p.lastArrival
}

// LastArrival returns the instant of the pool's most recent acquire.
// Zero means the pool has never been asked for a runner.
func (m *Manager) LastArrival(key types.PoolKey) time.Time {
	m.mu.Lock()
	p, ok := m.pools[key]
	m.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastArrival
}

// Load rebuilds pool state from the runner records after a restart.
// Runners that were mid-job are returned for the caller to tear down;
// their jobs were already requeued.
func (m *Manager) Load(ctx context.Context) ([]*types.Runner, error) {
	runners, err := m.store.ListRunners()
	if err != nil {
		return nil, err
	}

	var stale []*types.Runner
	for _, runner := range runners {
		if runner.State.Terminal() {
			continue
		}
		p, err := m.ensure(ctx, runner.PoolKey)
		if err != nil {
			m.logger.Warn().Err(err).Str("runner_id", runner.ID).Msg("dropping runner for unknown profile")
			stale = append(stale, runner)
			continue
		}

		switch runner.State {
		case types.RunnerStateIdle:
			p.mu.Lock()
			p.runners[runner.ID] = runner
			p.mu.Unlock()
		default:
			// Provisioning, assigned or busy across a restart: the
			// container is unaccounted for, tear it down.
			p.mu.Lock()
			p.runners[runner.ID] = runner
			p.mu.Unlock()
			stale = append(stale, runner)
		}
	}
	return stale, nil
}

// publishStatus persists the pool snapshot for the status surface.
func (m *Manager) publishStatus(p *pool) {
	status := p.status()
	if err := m.store.SavePoolStatus(&status); err != nil {
		m.logger.Warn().Err(err).Str("pool", p.key.String()).Msg("pool status save failed")
	}
}

// updateGaugesLocked refreshes the per-state runner gauges. Caller
// holds p.mu.
func (m *Manager) updateGaugesLocked(p *pool) {
	counts := make(map[types.RunnerState]int)
	for _, r := range p.runners {
		counts[r.State]++
	}
	for _, state := range []types.RunnerState{
		types.RunnerStateProvisioning,
		types.RunnerStateIdle,
		types.RunnerStateAssigned,
		types.RunnerStateBusy,
		types.RunnerStateDraining,
	} {
		metrics.RunnersTotal.WithLabelValues(p.key.String(), string(state)).Set(float64(counts[state]))
	}
}
