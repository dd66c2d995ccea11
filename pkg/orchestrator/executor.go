package orchestrator

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/hearthci/stoker/pkg/engine"
	"github.com/hearthci/stoker/pkg/errdefs"
	"github.com/hearthci/stoker/pkg/log"
	"github.com/hearthci/stoker/pkg/scanner"
	"github.com/hearthci/stoker/pkg/storage"
	"github.com/hearthci/stoker/pkg/types"
)

// stopGrace is the window a container gets to exit before force
// removal.
const stopGrace = 30 * time.Second

// ContainerEngine is the slice of the container orchestrator the
// executor drives.
type ContainerEngine interface {
	Create(ctx context.Context, spec *engine.Spec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	Wait(ctx context.Context, id string) (int, bool, error)
	StreamLogs(ctx context.Context, id string, dst io.Writer) error
}

// RunnerPools is the slice of the pool manager the executor drives.
type RunnerPools interface {
	Acquire(ctx context.Context, key types.PoolKey, job *types.Job) (*types.Runner, error)
	MarkBusy(runnerID string) error
	Release(ctx context.Context, runnerID string) error
	Fail(ctx context.Context, runnerID string, reason string) error
	Scale(ctx context.Context, key types.PoolKey, desired int) error
	Status(key types.PoolKey) (types.PoolStatus, bool)
}

// Executor runs one job on one runner container. It is the queue
// engine's handler and the pool manager's provisioner.
type Executor struct {
	store   storage.Store
	engine  ContainerEngine
	pools   RunnerPools
	scanner *scanner.Scanner
	logDir  string
	logger  zerolog.Logger
}

func NewExecutor(store storage.Store, eng ContainerEngine, pools RunnerPools, sc *scanner.Scanner, logDir string) *Executor {
	return &Executor{
		store:   store,
		engine:  eng,
		pools:   pools,
		scanner: sc,
		logDir:  logDir,
		logger:  log.WithComponent("executor"),
	}
}

// Run executes a job that the queue engine just flipped to Assigned.
// The error it returns decides retry versus dead-letter.
func (x *Executor) Run(ctx context.Context, job *types.Job) error {
	if job.Profile == nil {
		return errdefs.Validationf("job %s has no resource profile", job.ID)
	}
	key := types.PoolKey{Repository: job.Repository, Profile: job.Profile.Name}

	runner, err := x.acquire(ctx, key, job)
	if err != nil {
		return err
	}
	containerID := runner.ContainerID

	runCtx := ctx
	if d := job.Profile.MaxExecutionTime; d > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	if _, err := x.store.UpdateJobState(job.ID, types.JobStateAssigned, types.JobStateRunning, "container started", func(j *types.Job) {
		j.RunnerID = runner.ID
		j.ContainerID = containerID
		j.StartedAt = time.Now()
	}); err != nil {
		// Likely cancelled between pickup and start; put the runner
		// back.
		x.release(runner.ID)
		return err
	}

	if err := x.engine.StartContainer(runCtx, containerID); err != nil {
		x.pools.Fail(context.Background(), runner.ID, "container start failed")
		return err
	}
	if err := x.pools.MarkBusy(runner.ID); err != nil {
		x.logger.Warn().Err(err).Str("runner_id", runner.ID).Msg("busy flip failed")
	}

	streamDone := x.streamLogs(runCtx, containerID, job.ID)
	exitCode, oom, waitErr := x.engine.Wait(runCtx, containerID)

	select {
	case <-streamDone:
	case <-time.After(5 * time.Second):
	}

	return x.settle(ctx, runCtx, job, runner, containerID, exitCode, oom, waitErr)
}

// settle turns the container outcome into the job's result and tears
// the container and runner down.
func (x *Executor) settle(ctx, runCtx context.Context, job *types.Job, runner *types.Runner, containerID string, exitCode int, oom bool, waitErr error) error {
	cleanup, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch {
	case ctx.Err() != nil:
		// Job cancelled. Stop with grace, then force-remove.
		x.engine.StopContainer(cleanup, containerID, stopGrace)
		x.engine.RemoveContainer(cleanup, containerID, true)
		x.fail(runner.ID, "job cancelled")
		return errdefs.Wrap(errdefs.KindTransient, ctx.Err(), "job cancelled")

	case runCtx.Err() != nil:
		x.engine.StopContainer(cleanup, containerID, stopGrace)
		x.engine.RemoveContainer(cleanup, containerID, true)
		x.fail(runner.ID, "execution timeout")
		return errdefs.Transientf("execution exceeded %s", job.Profile.MaxExecutionTime)

	case waitErr != nil:
		x.engine.RemoveContainer(cleanup, containerID, true)
		x.fail(runner.ID, "wait failed")
		return waitErr
	}

	x.engine.RemoveContainer(cleanup, containerID, true)
	x.scanner.Forget(containerID)

	if oom {
		x.fail(runner.ID, "container_oom")
		return errdefs.Transientf("container_oom")
	}
	if exitCode != 0 {
		x.fail(runner.ID, "nonzero exit")
		return errdefs.Transientf("container exited with code %d", exitCode)
	}

	x.release(runner.ID)
	return nil
}

// streamLogs pipes the container's log stream through the secret
// scanner into the job's persisted log file.
func (x *Executor) streamLogs(ctx context.Context, containerID, jobID string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		var dst io.Writer = io.Discard
		if x.logDir != "" {
			path := filepath.Join(x.logDir, jobID+".log")
			f, err := os.Create(path)
			if err != nil {
				x.logger.Warn().Err(err).Str("job_id", jobID).Msg("log file create failed")
			} else {
				defer f.Close()
				dst = f
			}
		}

		stream := x.scanner.NewStream(containerID, jobID, dst)
		defer stream.Close()
		if err := x.engine.StreamLogs(ctx, containerID, stream); err != nil {
			x.logger.Debug().Err(err).Str("container_id", containerID).Msg("log stream ended")
		}
	}()
	return done
}

// acquire takes an idle runner, growing the pool by one on a miss. A
// second miss means the pool is at max; the caller retries with
// backoff.
func (x *Executor) acquire(ctx context.Context, key types.PoolKey, job *types.Job) (*types.Runner, error) {
	runner, err := x.pools.Acquire(ctx, key, job)
	if err != nil || runner != nil {
		return runner, err
	}

	if status, ok := x.pools.Status(key); ok {
		if err := x.pools.Scale(ctx, key, status.Total()+1); err != nil {
			return nil, err
		}
	}
	runner, err = x.pools.Acquire(ctx, key, job)
	if err != nil {
		return nil, err
	}
	if runner == nil {
		return nil, errdefs.Transientf("no idle runner in pool %s", key)
	}
	return runner, nil
}

func (x *Executor) release(runnerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := x.pools.Release(ctx, runnerID); err != nil {
		x.logger.Warn().Err(err).Str("runner_id", runnerID).Msg("runner release failed")
	}
}

func (x *Executor) fail(runnerID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := x.pools.Fail(ctx, runnerID, reason); err != nil {
		x.logger.Warn().Err(err).Str("runner_id", runnerID).Msg("runner teardown failed")
	}
}

// CreateRunner provisions the runner's container without starting it.
// Implements the pool manager's Provisioner.
func (x *Executor) CreateRunner(ctx context.Context, runner *types.Runner) (string, error) {
	return x.engine.Create(ctx, &engine.Spec{
		Name:     "stoker-runner-" + shortID(runner.ID),
		RunnerID: runner.ID,
		PoolKey:  runner.PoolKey,
		Profile:  runner.Resources,
	})
}

// DestroyRunner stops and removes the runner's container.
func (x *Executor) DestroyRunner(ctx context.Context, runner *types.Runner) error {
	if runner.ContainerID == "" {
		return nil
	}
	if err := x.engine.StopContainer(ctx, runner.ContainerID, 10*time.Second); err != nil {
		x.logger.Debug().Err(err).Str("container_id", runner.ContainerID).Msg("stop before remove failed")
	}
	return x.engine.RemoveContainer(ctx, runner.ContainerID, true)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
