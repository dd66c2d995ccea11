package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hearthci/stoker/pkg/cache"
	"github.com/hearthci/stoker/pkg/config"
	"github.com/hearthci/stoker/pkg/log"
	"github.com/hearthci/stoker/pkg/metrics"
	"github.com/hearthci/stoker/pkg/storage"
	"github.com/hearthci/stoker/pkg/types"
)

// ContainerJanitor is the slice of the container orchestrator the
// reaper needs.
type ContainerJanitor interface {
	RemoveContainer(ctx context.Context, id string, force bool) error
	EvictMetrics(olderThan time.Time)
}

// PoolDrainer is the slice of the pool manager the reaper needs.
type PoolDrainer interface {
	Statuses() []types.PoolStatus
	LastArrival(key types.PoolKey) time.Time
	Scale(ctx context.Context, key types.PoolKey, desired int) error
}

// Reaper periodically clears expired containers, archives old terminal
// jobs, evicts stale metrics, and drains pools nobody is using. Every
// task is idempotent; a failed task logs and retries next tick.
type Reaper struct {
	cfg    config.CleanupConfig
	queues map[string]config.QueueConfig
	store  storage.Store
	cache  cache.Store
	engine ContainerJanitor
	pools  PoolDrainer
	logger zerolog.Logger
	now    func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg config.CleanupConfig, queues map[string]config.QueueConfig, store storage.Store, kv cache.Store, engine ContainerJanitor, pools PoolDrainer) *Reaper {
	return &Reaper{
		cfg:    cfg,
		queues: queues,
		store:  store,
		cache:  kv,
		engine: engine,
		pools:  pools,
		logger: log.WithComponent("reaper"),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start launches the cleanup loop.
func (r *Reaper) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		interval := r.cfg.Interval
		if interval <= 0 {
			interval = time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.Sweep(context.Background())
			}
		}
	}()
}

func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Sweep runs every cleanup task once.
func (r *Reaper) Sweep(ctx context.Context) {
	r.runTask(ctx, "containers", r.sweepContainers)
	r.runTask(ctx, "jobs", r.sweepJobs)
	r.runTask(ctx, "metrics", r.sweepMetrics)
	r.runTask(ctx, "pools", r.sweepPools)
}

// runTask guards a task with a cache lease so overlapping processes
// run each task at most once per interval, then counts the outcome.
func (r *Reaper) runTask(ctx context.Context, name string, task func(context.Context) error) {
	if !r.leased(ctx, name) {
		return
	}
	if err := task(ctx); err != nil {
		metrics.CleanupRuns.WithLabelValues(name, "error").Inc()
		r.logger.Warn().Err(err).Str("task", name).Msg("cleanup task failed")
		return
	}
	metrics.CleanupRuns.WithLabelValues(name, "ok").Inc()
}

// leased acquires the per-task lease. Cache loss just means an extra
// harmless run.
func (r *Reaper) leased(ctx context.Context, name string) bool {
	ttl := r.cfg.Interval
	if ttl <= 0 {
		ttl = time.Minute
	}
	ok, err := r.cache.SetNX(ctx, "reaper:lease:"+name, r.now().Format(time.RFC3339), ttl-time.Second)
	if err != nil {
		// Run anyway; the tasks are idempotent.
		return true
	}
	return ok
}

// sweepContainers removes finished containers past their TTL, both
// from the engine and from the registry.
func (r *Reaper) sweepContainers(ctx context.Context) error {
	records, err := r.store.ListContainers()
	if err != nil {
		return err
	}

	cutoff := r.now().Add(-r.cfg.ContainerTTL)
	for _, c := range records {
		switch c.State {
		case types.ContainerStateExited, types.ContainerStateErrored:
			if c.FinishedAt.IsZero() || c.FinishedAt.After(cutoff) {
				continue
			}
			if err := r.engine.RemoveContainer(ctx, c.ID, true); err != nil {
				r.logger.Warn().Err(err).Str("container_id", c.ID).Msg("container removal deferred")
				continue
			}
			if err := r.store.DeleteContainer(c.ID); err != nil {
				return err
			}
			r.logger.Debug().Str("container_id", c.ID).Msg("reaped container")
		case types.ContainerStateRemoved:
			if err := r.store.DeleteContainer(c.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// sweepJobs archives terminal jobs older than their retention window.
// A queue's configured retention overrides the global one.
func (r *Reaper) sweepJobs(ctx context.Context) error {
	jobs, err := r.store.ListJobsByStates([]types.JobState{
		types.JobStateCompleted,
		types.JobStateDeadLettered,
		types.JobStateCancelled,
	}, 0)
	if err != nil {
		return err
	}

	now := r.now()
	for _, job := range jobs {
		finished := job.FinishedAt
		if finished.IsZero() {
			finished = job.CreatedAt
		}
		if finished.After(now.Add(-r.retention(job.QueueName))) {
			continue
		}
		if err := r.store.ArchiveJob(job.ID); err != nil {
			return err
		}
		r.logger.Debug().Str("job_id", job.ID).Msg("archived job")
	}
	return nil
}

// retention resolves the job retention window for a queue.
func (r *Reaper) retention(queue string) time.Duration {
	if q, ok := r.queues[queue]; ok && q.Retention > 0 {
		return q.Retention
	}
	return r.cfg.JobRetention
}

func (r *Reaper) sweepMetrics(ctx context.Context) error {
	r.engine.EvictMetrics(r.now().Add(-r.cfg.MetricsRetention))
	return nil
}

// sweepPools drains pools that have sat idle with no arrivals for the
// idle TTL down to their configured minimum.
func (r *Reaper) sweepPools(ctx context.Context) error {
	cutoff := r.now().Add(-r.cfg.PoolIdleTTL)
	for _, status := range r.pools.Statuses() {
		idle := status.Counts[types.RunnerStateIdle]
		busy := status.Counts[types.RunnerStateBusy] + status.Counts[types.RunnerStateAssigned]
		if busy > 0 || idle <= status.Min {
			continue
		}
		last := r.pools.LastArrival(status.Key)
		if !last.IsZero() && last.After(cutoff) {
			continue
		}
		if err := r.pools.Scale(ctx, status.Key, status.Min); err != nil {
			r.logger.Warn().Err(err).Str("pool", status.Key.String()).Msg("idle pool drain deferred")
			continue
		}
		r.logger.Info().Str("pool", status.Key.String()).Int("idle", idle).Msg("drained idle pool")
	}
	return nil
}
