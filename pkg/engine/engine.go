package engine

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	enginevents "github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	dockererrdefs "github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hearthci/stoker/pkg/config"
	"github.com/hearthci/stoker/pkg/errdefs"
	"github.com/hearthci/stoker/pkg/events"
	"github.com/hearthci/stoker/pkg/log"
	"github.com/hearthci/stoker/pkg/metrics"
	"github.com/hearthci/stoker/pkg/storage"
	"github.com/hearthci/stoker/pkg/types"
)

// Engine drives runner containers over the local engine socket. The
// socket is a shared resource; every call passes through a bounded
// semaphore and a per-call timeout.
type Engine struct {
	cli    APIClient
	cfg    config.ContainerConfig
	store  storage.Store
	broker *events.Broker

	retryClass errdefs.RetryClass
	sem        chan struct{}
	mon        *monitor
	logger     zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds an engine. The retry class table decides which engine
// failures flow back into the job retry policy.
func New(cli APIClient, cfg config.ContainerConfig, store storage.Store, broker *events.Broker) *Engine {
	inflight := cfg.MaxInflightCalls
	if inflight < 1 {
		inflight = 1
	}
	return &Engine{
		cli:        cli,
		cfg:        cfg,
		store:      store,
		broker:     broker,
		retryClass: errdefs.DefaultRetryClass(),
		sem:        make(chan struct{}, inflight),
		mon:        newMonitor(cfg),
		logger:     log.WithComponent("engine"),
		stopCh:     make(chan struct{}),
	}
}

// Start verifies the socket and launches the monitoring and event
// watcher loops.
func (e *Engine) Start() error {
	if err := e.call(context.Background(), "ping", func(ctx context.Context) error {
		_, err := e.cli.Ping(ctx)
		return err
	}); err != nil {
		return errdefs.Wrap(errdefs.KindFatal, err, "engine socket unreachable")
	}

	e.wg.Add(1)
	go e.monitorLoop()

	e.wg.Add(1)
	go e.eventLoop()

	e.logger.Info().Msg("engine started")
	return nil
}

// Ping checks the engine socket. The control loop uses it for health
// reporting.
func (e *Engine) Ping(ctx context.Context) error {
	err := e.call(ctx, "ping", func(ctx context.Context) error {
		_, err := e.cli.Ping(ctx)
		return err
	})
	return e.wrapEngineError(err, "engine ping failed")
}

// Stop halts the loops. Running containers are left to the caller;
// shutdown policy is the control loop's call.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

// call runs one engine API call under the socket semaphore with the
// configured timeout, recording its duration.
func (e *Engine) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return errdefs.Wrap(errdefs.KindTransient, ctx.Err(), "engine call queue full")
	}
	defer func() { <-e.sem }()

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.EngineCallTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	err := fn(callCtx)
	metrics.EngineCallDuration.WithLabelValues(op).Observe(timer.Elapsed().Seconds())
	return err
}

// wrapEngineError classifies a raw engine error through the retry
// class table.
func (e *Engine) wrapEngineError(err error, msg string) error {
	if err == nil {
		return nil
	}
	return e.retryClass.ClassifyEngineError(categorize(err), err, msg)
}

// categorize buckets a daemon error with the client's typed
// predicates, which hold across daemon versions. Errors from other
// sources fall back to the message-shape categorizer.
func categorize(err error) errdefs.EngineErrorCategory {
	switch {
	case err == nil:
		return errdefs.EngineUnknown
	case dockererrdefs.IsNotFound(err):
		return errdefs.EngineNotFound
	case dockererrdefs.IsConflict(err):
		return errdefs.EngineConflict
	case dockererrdefs.IsInvalidParameter(err):
		return errdefs.EngineInvalidParam
	case dockererrdefs.IsUnavailable(err), dockererrdefs.IsDeadline(err):
		return errdefs.EngineConnection
	case dockererrdefs.IsSystem(err):
		return errdefs.EngineServerError
	}
	return errdefs.CategorizeEngineError(err)
}

// Create validates the spec and creates the container. The registry
// record is written before the function returns, so a crash between
// create and start leaves a discoverable orphan, not a leak.
func (e *Engine) Create(ctx context.Context, spec *Spec) (string, error) {
	if err := spec.validate(e.cfg); err != nil {
		return "", err
	}

	cfg, host := spec.engineConfig()
	name := spec.Name
	if name == "" {
		name = "stoker-runner-" + uuid.New().String()[:8]
	}

	var id string
	err := e.call(ctx, "create", func(ctx context.Context) error {
		resp, err := e.cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
		if err != nil {
			return err
		}
		id = resp.ID
		return nil
	})
	if err != nil {
		return "", e.wrapEngineError(err, "container create failed")
	}

	record := &types.Container{
		ID:        id,
		Image:     spec.Profile.Image,
		Labels:    spec.labels(),
		Resources: spec.Profile,
		State:     types.ContainerStateCreated,
		SpecHash:  spec.Hash(),
		CreatedAt: time.Now(),
	}
	if err := e.store.SaveContainer(record); err != nil {
		return id, err
	}

	e.logger.Info().
		Str("container_id", id).
		Str("image", spec.Profile.Image).
		Str("pool", spec.PoolKey.String()).
		Msg("container created")
	return id, nil
}

// StartContainer starts a created container.
func (e *Engine) StartContainer(ctx context.Context, id string) error {
	err := e.call(ctx, "start", func(ctx context.Context) error {
		return e.cli.ContainerStart(ctx, id, container.StartOptions{})
	})
	if err != nil {
		return e.wrapEngineError(err, "container start failed")
	}

	e.setState(id, types.ContainerStateRunning, func(c *types.Container) {})
	e.broker.Publish(&events.Event{
		ID:       uuid.New().String(),
		Type:     events.EventContainerStarted,
		Message:  "container started",
		Metadata: map[string]string{"container_id": id},
	})
	return nil
}

// StopContainer stops with a grace window, after which the engine
// kills the init process.
func (e *Engine) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	err := e.call(ctx, "stop", func(ctx context.Context) error {
		return e.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds})
	})
	if err != nil {
		return e.wrapEngineError(err, "container stop failed")
	}
	e.setState(id, types.ContainerStateExited, func(c *types.Container) {
		c.FinishedAt = time.Now()
	})
	return nil
}

// RemoveContainer removes the engine container. The registry record
// flips to removed and stays for the reaper's retention window.
func (e *Engine) RemoveContainer(ctx context.Context, id string, force bool) error {
	err := e.call(ctx, "remove", func(ctx context.Context) error {
		return e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
	})
	if err != nil && categorize(err) != errdefs.EngineNotFound {
		return e.wrapEngineError(err, "container remove failed")
	}
	e.setState(id, types.ContainerStateRemoved, func(c *types.Container) {})
	e.mon.forget(id)
	return nil
}

// Wait blocks until the container stops and returns its exit code and
// whether the kernel OOM-killed it. An OOM or signaled death raises a
// security event.
func (e *Engine) Wait(ctx context.Context, id string) (int, bool, error) {
	statusCh, errCh := e.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	var exitCode int
	select {
	case err := <-errCh:
		return 0, false, e.wrapEngineError(err, "container wait failed")
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		return 0, false, ctx.Err()
	}

	oom := false
	if err := e.call(ctx, "inspect", func(ctx context.Context) error {
		info, err := e.cli.ContainerInspect(ctx, id)
		if err != nil {
			return err
		}
		if info.ContainerJSONBase != nil && info.State != nil {
			oom = info.State.OOMKilled
		}
		return nil
	}); err != nil {
		e.logger.Warn().Err(err).Str("container_id", id).Msg("post-exit inspect failed")
	}

	e.setState(id, types.ContainerStateExited, func(c *types.Container) {
		c.ExitCode = exitCode
		c.OOMKilled = oom
		c.FinishedAt = time.Now()
	})

	signaled := exitCode >= 128
	e.broker.Publish(&events.Event{
		ID:       uuid.New().String(),
		Type:     events.EventContainerDied,
		Message:  "container exited",
		Security: oom || (exitCode != 0 && signaled),
		Metadata: map[string]string{
			"container_id": id,
			"exit_code":    strconv.Itoa(exitCode),
			"oom_killed":   strconv.FormatBool(oom),
		},
	})
	return exitCode, oom, nil
}

// Stats samples the container once and derives the snapshot.
func (e *Engine) Stats(ctx context.Context, id string) (*types.StatsSnapshot, error) {
	var resp container.StatsResponse
	start := time.Now()
	err := e.call(ctx, "stats", func(ctx context.Context) error {
		reader, err := e.cli.ContainerStats(ctx, id, false)
		if err != nil {
			return err
		}
		defer reader.Body.Close()
		return json.NewDecoder(reader.Body).Decode(&resp)
	})
	if err != nil {
		return nil, e.wrapEngineError(err, "container stats failed")
	}

	snapshot := deriveSnapshot(&resp, time.Since(start))
	return &snapshot, nil
}

// StreamLogs follows the container's output into dst, demultiplexing
// the engine's stdout/stderr framing. It returns when the stream ends
// or ctx is cancelled. The caller layers the secret scanner on dst.
func (e *Engine) StreamLogs(ctx context.Context, id string, dst io.Writer) error {
	var reader io.ReadCloser
	err := e.call(ctx, "logs", func(callCtx context.Context) error {
		var err error
		// The stream outlives the per-call timeout on purpose.
		reader, err = e.cli.ContainerLogs(ctx, id, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     true,
		})
		return err
	})
	if err != nil {
		return e.wrapEngineError(err, "container logs failed")
	}
	defer reader.Close()

	_, err = stdcopy.StdCopy(dst, dst, reader)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// History returns the sampled stats ring for a container, oldest
// first.
func (e *Engine) History(id string) []types.StatsSnapshot {
	return e.mon.history(id)
}

// ActiveAlerts returns the alerts currently raised.
func (e *Engine) ActiveAlerts() []*types.Alert {
	return e.mon.activeAlerts()
}

// EvictMetrics drops ring samples and resolved alerts older than the
// retention window. The reaper calls this.
func (e *Engine) EvictMetrics(olderThan time.Time) {
	e.mon.evict(olderThan)
}

// setState patches the registry record; missing records are logged,
// not fatal, since the watcher may race the reaper.
func (e *Engine) setState(id string, state types.ContainerState, patch func(*types.Container)) {
	record, err := e.store.GetContainer(id)
	if err != nil {
		e.logger.Debug().Err(err).Str("container_id", id).Msg("registry record missing")
		return
	}
	record.State = state
	patch(record)
	if err := e.store.SaveContainer(record); err != nil {
		e.logger.Warn().Err(err).Str("container_id", id).Msg("registry update failed")
	}
}

// eventLoop follows the engine's event stream, filtered to managed
// containers, and mirrors state changes into the registry.
func (e *Engine) eventLoop() {
	defer e.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-e.stopCh
		cancel()
	}()

	for {
		f := filters.NewArgs()
		f.Add("type", string(enginevents.ContainerEventType))
		f.Add("label", LabelManaged+"=true")
		msgCh, errCh := e.cli.Events(ctx, enginevents.ListOptions{Filters: f})

		if !e.consumeEvents(ctx, msgCh, errCh) {
			return
		}

		// Stream broke; back off briefly and resubscribe.
		select {
		case <-e.stopCh:
			return
		case <-time.After(time.Second):
		}
	}
}

// consumeEvents drains one event subscription. It returns false when
// the engine is stopping.
func (e *Engine) consumeEvents(ctx context.Context, msgCh <-chan enginevents.Message, errCh <-chan error) bool {
	for {
		select {
		case <-e.stopCh:
			return false
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				e.logger.Warn().Err(err).Msg("event stream broke")
			}
			return ctx.Err() == nil
		case msg := <-msgCh:
			e.handleEngineEvent(msg)
		}
	}
}

func (e *Engine) handleEngineEvent(msg enginevents.Message) {
	id := msg.Actor.ID
	switch msg.Action {
	case "start":
		e.setState(id, types.ContainerStateRunning, func(c *types.Container) {})
	case "die":
		e.setState(id, types.ContainerStateExited, func(c *types.Container) {
			c.FinishedAt = time.Now()
		})
	case "oom":
		e.setState(id, types.ContainerStateExited, func(c *types.Container) {
			c.OOMKilled = true
		})
		e.broker.Publish(&events.Event{
			ID:       uuid.New().String(),
			Type:     events.EventContainerDied,
			Message:  "container oom-killed",
			Security: true,
			Metadata: map[string]string{"container_id": id, "oom_killed": "true"},
		})
	case "destroy":
		e.setState(id, types.ContainerStateRemoved, func(c *types.Container) {})
	}
}
