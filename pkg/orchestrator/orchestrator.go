package orchestrator

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hearthci/stoker/pkg/cache"
	"github.com/hearthci/stoker/pkg/config"
	"github.com/hearthci/stoker/pkg/engine"
	"github.com/hearthci/stoker/pkg/errdefs"
	"github.com/hearthci/stoker/pkg/events"
	"github.com/hearthci/stoker/pkg/intake"
	"github.com/hearthci/stoker/pkg/log"
	"github.com/hearthci/stoker/pkg/metrics"
	"github.com/hearthci/stoker/pkg/pool"
	"github.com/hearthci/stoker/pkg/queue"
	"github.com/hearthci/stoker/pkg/reaper"
	"github.com/hearthci/stoker/pkg/router"
	"github.com/hearthci/stoker/pkg/scaler"
	"github.com/hearthci/stoker/pkg/scanner"
	"github.com/hearthci/stoker/pkg/storage"
	"github.com/hearthci/stoker/pkg/types"
)

// Orchestrator wires every component together and owns their
// lifecycles. Startup brings components up in dependency order;
// shutdown walks the same order backwards with a bounded timeout per
// phase.
type Orchestrator struct {
	cfg    *config.Config
	logger zerolog.Logger

	store  storage.Store
	kv     cache.Store
	broker *events.Broker
	router *router.Router
	queue  *queue.Engine
	engine *engine.Engine
	pools  *pool.Manager
	scan   *scanner.Scanner
	scaler *scaler.Scaler
	reaper *reaper.Reaper
	exec   *Executor

	intakeCore *intake.Intake
	intakeSrv  *intake.Server
	control    *http.Server

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds the orchestrator against the local container engine
// socket.
func New(cfg *config.Config) (*Orchestrator, error) {
	cli, err := engine.NewDockerClient()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindFatal, err, "engine client init failed")
	}
	return NewWithClient(cfg, cli)
}

// NewWithClient builds the orchestrator over a provided engine client.
func NewWithClient(cfg *config.Config, cli engine.APIClient) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:    cfg,
		logger: log.WithComponent("orchestrator"),
		stopCh: make(chan struct{}),
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	o.store = store

	o.kv, err = newCache(cfg.Cache)
	if err != nil {
		store.Close()
		return nil, err
	}

	o.broker = events.NewBroker()

	o.router, err = router.New(cfg.Router)
	if err != nil {
		return nil, err
	}

	patterns, err := scanner.Compile(cfg.Scanner.Patterns)
	if err != nil {
		return nil, err
	}
	o.scan = scanner.New(patterns, o.onSecretHit)

	o.engine = engine.New(cli, cfg.Container, store, o.broker)

	logDir := filepath.Join(cfg.DataDir, "logs")
	o.exec = NewExecutor(store, o.engine, nil, o.scan, logDir)
	o.pools = pool.New(store, o.exec, cfg.Pools, routerProfiles(cfg.Router))
	o.exec.pools = o.pools

	o.queue, err = queue.New(store, o.broker, cfg.Queues, o.exec.Run)
	if err != nil {
		return nil, err
	}

	o.scaler = scaler.New(cfg.Scaler, store, o.pools, o.broker)
	o.reaper = reaper.New(cfg.Cleanup, cfg.Queues, store, o.kv, o.engine, o.pools)

	o.intakeCore = intake.New(cfg.Intake, o.kv, store, o)
	o.intakeSrv = intake.NewServer(o.intakeCore, cfg.Intake.ListenAddr)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", metrics.HealthHandler())
	o.control = &http.Server{
		Addr:              cfg.Control.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return o, nil
}

func newCache(cfg config.CacheConfig) (cache.Store, error) {
	if cfg.Backend == "redis" {
		return cache.NewRedisStore(context.Background(), cfg.RedisAddr, cfg.RedisDB)
	}
	return cache.NewMemoryStore(), nil
}

func routerProfiles(cfg config.RouterConfig) map[string]*types.ResourceProfile {
	out := make(map[string]*types.ResourceProfile, len(cfg.Profiles))
	for name, pc := range cfg.Profiles {
		out[name] = pc.Profile(name)
	}
	return out
}

// Start brings the components up in dependency order and runs
// recovery before the intake opens.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := os.MkdirAll(o.exec.logDir, 0o755); err != nil {
		return errdefs.Wrap(errdefs.KindFatal, err, "log dir create failed")
	}

	o.broker.Start()
	metrics.RegisterComponent("store", true, "")

	if err := o.queue.Start(); err != nil {
		return err
	}
	metrics.RegisterComponent("queue", true, "")
	metrics.RegisterComponent("router", true, "")

	if err := o.engine.Start(); err != nil {
		return err
	}
	metrics.RegisterComponent("engine", true, "")

	for key := range o.cfg.Pools {
		pk, err := types.ParsePoolKey(key)
		if err != nil {
			return errdefs.Fatalf("bad pool key %q", key)
		}
		if err := o.pools.EnsurePool(ctx, pk); err != nil {
			o.logger.Warn().Err(err).Str("pool", key).Msg("pool warm-up failed")
		}
	}
	metrics.RegisterComponent("pools", true, "")

	if err := o.recover(ctx); err != nil {
		return err
	}

	metrics.RegisterComponent("scanner", true, "")
	o.scaler.Start()
	metrics.RegisterComponent("scaler", true, "")
	o.reaper.Start()
	metrics.RegisterComponent("reaper", true, "")

	o.watchIntake(o.intakeSrv.Start())
	metrics.RegisterComponent("intake", true, "")

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.control.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			o.logger.Error().Err(err).Msg("control listener failed")
		}
	}()

	o.wg.Add(1)
	go o.healthLoop()

	o.logger.Info().Msg("orchestrator started")
	return nil
}

// recover reconciles durable state with reality after a restart.
// Jobs the queue engine cannot own (state Received) are re-routed;
// runners that were mid-job are torn down, their jobs having already
// been requeued.
func (o *Orchestrator) recover(ctx context.Context) error {
	received, err := o.queue.Recover()
	if err != nil {
		return err
	}
	for _, job := range received {
		if err := o.Submit(ctx, job); err != nil {
			o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("recovery resubmit failed")
		}
	}

	stale, err := o.pools.Load(ctx)
	if err != nil {
		return err
	}
	for _, runner := range stale {
		if err := o.pools.Fail(ctx, runner.ID, "stale after restart"); err != nil {
			o.logger.Warn().Err(err).Str("runner_id", runner.ID).Msg("stale runner teardown failed")
		}
	}

	if len(received) > 0 || len(stale) > 0 {
		o.logger.Info().
			Int("rerouted_jobs", len(received)).
			Int("stale_runners", len(stale)).
			Msg("recovery complete")
	}
	return nil
}

// Submit routes a Received job and enqueues it. Implements the intake
// sink.
func (o *Orchestrator) Submit(ctx context.Context, job *types.Job) error {
	decision := o.router.Route(job)
	job.QueueName = decision.QueueName
	job.Priority = decision.Priority
	job.Profile = decision.Profile
	return o.queue.Enqueue(job)
}

// onSecretHit fans a scanner detection out to the counters and the
// security event tap. The matched bytes never reach here.
func (o *Orchestrator) onSecretHit(hit types.SecretHit) {
	metrics.SecretHits.WithLabelValues(hit.PatternKind).Inc()
	o.broker.Publish(&events.Event{
		ID:       uuid.New().String(),
		Type:     events.EventSecretDetected,
		Message:  "secret detected in log stream",
		Security: true,
		Metadata: map[string]string{
			"container_id": hit.ContainerID,
			"job_id":       hit.JobID,
			"kind":         hit.PatternKind,
			"severity":     hit.Severity,
		},
	})
}

// watchIntake restarts the webhook listener if it dies and
// auto_restart is on.
func (o *Orchestrator) watchIntake(errCh <-chan error) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-o.stopCh:
				return
			case err, ok := <-errCh:
				if !ok || err == nil {
					return
				}
				metrics.UpdateComponent("intake", false, err.Error())
				o.logger.Error().Err(err).Msg("intake listener failed")
				if !o.cfg.Control.AutoRestart {
					return
				}
				select {
				case <-o.stopCh:
					return
				case <-time.After(time.Second):
				}
				o.intakeSrv = intake.NewServer(o.intakeCore, o.cfg.Intake.ListenAddr)
				errCh = o.intakeSrv.Start()
				metrics.UpdateComponent("intake", true, "restarted")
				o.logger.Info().Msg("intake listener restarted")
			}
		}
	}()
}

// healthLoop keeps the engine's self-report current.
func (o *Orchestrator) healthLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := o.engine.Ping(ctx)
			cancel()
			if err != nil {
				metrics.UpdateComponent("engine", false, err.Error())
			} else {
				metrics.UpdateComponent("engine", true, "")
			}
		}
	}
}

// Stop drains in reverse startup order. Each phase gets the configured
// shutdown timeout, then is abandoned with a force-stop log line.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })

	o.phase("intake", func(ctx context.Context) error {
		return o.intakeSrv.Stop(ctx)
	})
	o.phase("reaper", func(ctx context.Context) error {
		o.reaper.Stop()
		return nil
	})
	o.phase("scaler", func(ctx context.Context) error {
		o.scaler.Stop()
		return nil
	})
	o.phase("engine", func(ctx context.Context) error {
		o.engine.Stop()
		return nil
	})
	o.phase("queue", func(ctx context.Context) error {
		return o.queue.Stop(ctx)
	})
	o.phase("control", func(ctx context.Context) error {
		return o.control.Shutdown(ctx)
	})

	o.broker.Stop()
	if err := o.kv.Close(); err != nil {
		o.logger.Warn().Err(err).Msg("cache close failed")
	}
	if err := o.store.Close(); err != nil {
		o.logger.Warn().Err(err).Msg("store close failed")
	}

	o.wg.Wait()
	o.logger.Info().Msg("orchestrator stopped")
}

// phase runs one shutdown step under the bounded timeout.
func (o *Orchestrator) phase(name string, fn func(ctx context.Context) error) {
	timeout := o.cfg.Control.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			o.logger.Warn().Err(err).Str("phase", name).Msg("shutdown phase error")
		}
	case <-ctx.Done():
		o.logger.Warn().Str("phase", name).Msg("shutdown phase timed out, force-stopping")
	}
	metrics.UnregisterComponent(name)
}

// Events exposes the broker for external subscribers.
func (o *Orchestrator) Events() *events.Broker { return o.broker }

// Health returns the aggregate component health.
func (o *Orchestrator) Health() metrics.HealthStatus { return metrics.GetHealth() }
