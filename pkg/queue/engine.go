package queue

import (
	"container/heap"
	"context"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/hearthci/stoker/pkg/config"
	"github.com/hearthci/stoker/pkg/errdefs"
	"github.com/hearthci/stoker/pkg/events"
	"github.com/hearthci/stoker/pkg/log"
	"github.com/hearthci/stoker/pkg/metrics"
	"github.com/hearthci/stoker/pkg/storage"
	"github.com/hearthci/stoker/pkg/types"
)

const schedulerTick = 100 * time.Millisecond

// Handler executes one dispatched job. It owns the assigned -> running
// flip; the engine owns everything before and after. A nil return
// completes the job, an error routes it through the retry policy.
type Handler func(ctx context.Context, job *types.Job) error

// namedQueue is the in-memory half of one configured queue. The store
// holds the authoritative job states; the heaps are rebuilt from it on
// recovery.
type namedQueue struct {
	name string
	cfg  config.QueueConfig

	mu      sync.Mutex
	waiting waitingHeap
	delayed delayedHeap
	active  map[string]struct{}
	limiter *rate.Limiter
}

// Depths is a point-in-time bucket count for one queue.
type Depths struct {
	Waiting int
	Delayed int
	Active  int
}

// Engine is the persistent priority queue. One scheduler goroutine
// visits queues in weighted round-robin order and hands ready jobs to
// a bounded worker pool.
type Engine struct {
	store   storage.Store
	broker  *events.Broker
	handler Handler

	queues map[string]*namedQueue
	order  []string

	work    chan *types.Job
	workers int

	runMu sync.Mutex
	runs  map[string]context.CancelFunc

	now func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	schedMu   sync.Mutex
	schedules map[string]*scheduleEntry

	logger zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds an engine over the configured queues. The worker pool is
// sized to the summed concurrency limits.
func New(store storage.Store, broker *events.Broker, cfgs map[string]config.QueueConfig, handler Handler) (*Engine, error) {
	if len(cfgs) == 0 {
		return nil, errdefs.Fatalf("no queues configured")
	}

	queues := make(map[string]*namedQueue, len(cfgs))
	workers := 0
	for name, cfg := range cfgs {
		q := &namedQueue{
			name:   name,
			cfg:    cfg,
			active: make(map[string]struct{}),
		}
		if cfg.RateLimit > 0 {
			burst := int(cfg.RateLimit)
			if burst < 1 {
				burst = 1
			}
			q.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
		}
		queues[name] = q
		workers += cfg.ConcurrencyLimit
	}
	if workers < 1 {
		workers = 1
	}

	return &Engine{
		store:     store,
		broker:    broker,
		handler:   handler,
		queues:    queues,
		order:     expandWeights(cfgs),
		work:      make(chan *types.Job, workers),
		workers:   workers,
		runs:      make(map[string]context.CancelFunc),
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		schedules: make(map[string]*scheduleEntry),
		logger:    log.WithComponent("queue"),
		stopCh:    make(chan struct{}),
	}, nil
}

// expandWeights builds the scheduler visit order. Queues are
// interleaved so a weight-3 queue gets three turns spread across the
// cycle rather than three back-to-back.
func expandWeights(cfgs map[string]config.QueueConfig) []string {
	names := make([]string, 0, len(cfgs))
	remaining := make(map[string]int, len(cfgs))
	for name, cfg := range cfgs {
		names = append(names, name)
		w := cfg.Weight
		if w < 1 {
			w = 1
		}
		remaining[name] = w
	}
	sort.Strings(names)

	var order []string
	for {
		appended := false
		for _, name := range names {
			if remaining[name] > 0 {
				order = append(order, name)
				remaining[name]--
				appended = true
			}
		}
		if !appended {
			return order
		}
	}
}

// Start launches the worker pool, the scheduler loop, and the cron
// schedule loop. Call Recover first to rebuild state after a restart.
func (e *Engine) Start() error {
	if err := e.loadSchedules(); err != nil {
		return err
	}

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}

	e.wg.Add(1)
	go e.schedulerLoop()

	e.wg.Add(1)
	go e.scheduleLoop()

	e.logger.Info().
		Int("queues", len(e.queues)).
		Int("workers", e.workers).
		Msg("engine started")
	return nil
}

// Stop halts dispatch and waits for in-flight handlers until ctx
// expires, then cancels whatever is still running.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stopCh) })

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	e.runMu.Lock()
	for _, cancel := range e.runs {
		cancel()
	}
	e.runMu.Unlock()

	<-done
	return ctx.Err()
}

// Enqueue persists the job and makes it eligible for dispatch. Jobs
// carrying a future DelayUntil park in the delayed bucket first. A job
// already present in the store (recovery resubmission) is not
// duplicated.
func (e *Engine) Enqueue(job *types.Job) error {
	q, ok := e.queues[job.QueueName]
	if !ok {
		return errdefs.Validationf("unknown queue %q", job.QueueName)
	}

	now := e.now()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.State == "" {
		job.State = types.JobStateReceived
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.cfg.MaxAttempts
	}
	if job.Priority < 1 || job.Priority > 5 {
		return errdefs.Validationf("job %s: priority %d out of range", job.ID, job.Priority)
	}

	if err := e.store.InsertJob(job); err != nil && !errdefs.IsConflict(err) {
		return err
	}

	queued, err := e.store.UpdateJobState(job.ID, types.JobStateReceived, types.JobStateQueued, "enqueued", func(j *types.Job) {
		j.EnqueuedAt = now
	})
	if err != nil {
		return err
	}

	if job.DelayUntil != nil && job.DelayUntil.After(now) {
		delayed, err := e.store.UpdateJobState(job.ID, types.JobStateQueued, types.JobStateScheduled, "delayed", nil)
		if err != nil {
			return err
		}
		e.park(q, delayed)
	} else {
		e.admit(q, queued)
	}

	metrics.JobsEnqueued.WithLabelValues(q.name).Inc()
	e.publishStateChange(job.ID, types.JobStateReceived, types.JobStateQueued)
	return nil
}

// Cancel moves a non-terminal job to cancelled and interrupts its
// handler when one is running. Heap entries are dropped lazily; their
// state flips already happened so the next pop discards them.
func (e *Engine) Cancel(jobID, reason string) error {
	for attempt := 0; attempt < 3; attempt++ {
		job, err := e.store.GetJob(jobID)
		if err != nil {
			return err
		}
		if job.State.Terminal() {
			return errdefs.Conflictf("job %s is already %s", jobID, job.State)
		}

		_, err = e.store.UpdateJobState(jobID, job.State, types.JobStateCancelled, reason, func(j *types.Job) {
			j.FinishedAt = e.now()
		})
		if err == nil {
			e.runMu.Lock()
			if cancel, ok := e.runs[jobID]; ok {
				cancel()
			}
			e.runMu.Unlock()

			metrics.JobsCompleted.WithLabelValues(job.QueueName, string(types.JobStateCancelled)).Inc()
			e.publishStateChange(jobID, job.State, types.JobStateCancelled)
			return nil
		}
		if !errdefs.IsConflict(err) {
			return err
		}
	}
	return errdefs.Conflictf("job %s: state kept moving during cancel", jobID)
}

// Recover rebuilds the in-memory queues from the store after a
// restart. Jobs caught mid-dispatch or mid-run go back to waiting with
// their attempt budget untouched; the dispatch that restarts them is
// what gets charged. Jobs still in received are returned for the
// caller to re-route.
func (e *Engine) Recover() ([]*types.Job, error) {
	byState, err := e.store.Recover()
	if err != nil {
		return nil, err
	}

	for _, job := range byState[types.JobStateQueued] {
		q, ok := e.queueFor(job)
		if !ok {
			continue
		}
		e.admit(q, job)
	}

	for _, job := range byState[types.JobStateScheduled] {
		q, ok := e.queueFor(job)
		if !ok {
			continue
		}
		e.park(q, job)
	}

	for _, state := range []types.JobState{types.JobStateRouted, types.JobStateAssigned, types.JobStateRunning} {
		for _, job := range byState[state] {
			q, ok := e.queueFor(job)
			if !ok {
				continue
			}
			requeued, err := e.store.UpdateJobState(job.ID, state, types.JobStateQueued, "recovered after restart", nil)
			if err != nil {
				e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("recovery requeue failed")
				continue
			}
			e.admit(q, requeued)
		}
	}

	received := byState[types.JobStateReceived]
	e.logger.Info().
		Int("queued", len(byState[types.JobStateQueued])).
		Int("scheduled", len(byState[types.JobStateScheduled])).
		Int("routed", len(byState[types.JobStateRouted])).
		Int("assigned", len(byState[types.JobStateAssigned])).
		Int("running", len(byState[types.JobStateRunning])).
		Int("received", len(received)).
		Msg("recovery complete")
	return received, nil
}

// queueFor resolves a recovered job's queue. Jobs whose queue left the
// configuration are cancelled rather than silently dropped.
func (e *Engine) queueFor(job *types.Job) (*namedQueue, bool) {
	if q, ok := e.queues[job.QueueName]; ok {
		return q, true
	}
	if _, err := e.store.UpdateJobState(job.ID, job.State, types.JobStateCancelled, "queue no longer configured", nil); err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("orphan cancel failed")
	}
	return nil, false
}

// admit puts a queued job on the waiting heap.
func (e *Engine) admit(q *namedQueue, job *types.Job) {
	q.mu.Lock()
	heap.Push(&q.waiting, job)
	q.mu.Unlock()
}

// park puts a scheduled job on the delayed heap.
func (e *Engine) park(q *namedQueue, job *types.Job) {
	q.mu.Lock()
	heap.Push(&q.delayed, delayedItem{job: job, readyAt: readyAt(job)})
	q.mu.Unlock()
}

func readyAt(job *types.Job) time.Time {
	if job.NextAttemptAt != nil {
		return *job.NextAttemptAt
	}
	if job.DelayUntil != nil {
		return *job.DelayUntil
	}
	return time.Time{}
}

func (e *Engine) schedulerLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.runTick()
		}
	}
}

// runTick visits every queue in weighted round-robin order, promoting
// due delayed jobs and dispatching until the concurrency limit, the
// rate budget, or the waiting heap stops it.
func (e *Engine) runTick() {
	now := e.now()
	for _, name := range e.order {
		q := e.queues[name]
		e.promote(q, now)
		e.dispatch(q, now)
	}
	e.updateDepthGauges()
}

// promote moves due delayed jobs to the waiting heap. The store flips
// happen with the queue lock released.
func (e *Engine) promote(q *namedQueue, now time.Time) {
	q.mu.Lock()
	var due []*types.Job
	for q.delayed.Len() > 0 && !q.delayed[0].readyAt.After(now) {
		due = append(due, heap.Pop(&q.delayed).(delayedItem).job)
	}
	q.mu.Unlock()
	if len(due) == 0 {
		return
	}

	var ready []*types.Job
	for _, job := range due {
		queued, err := e.store.UpdateJobState(job.ID, types.JobStateScheduled, types.JobStateQueued, "delay elapsed", func(j *types.Job) {
			j.EnqueuedAt = now
			j.NextAttemptAt = nil
			j.DelayUntil = nil
		})
		if err != nil {
			// Cancelled while parked; the flip already moved it off this path.
			continue
		}
		ready = append(ready, queued)
	}

	q.mu.Lock()
	for _, job := range ready {
		heap.Push(&q.waiting, job)
	}
	q.mu.Unlock()
}

// dispatch drains the waiting heap into the worker pool until the
// concurrency limit, the rate budget, or the heap stops it. The queue
// lock is never held across the store flip.
func (e *Engine) dispatch(q *namedQueue, now time.Time) {
	for {
		q.mu.Lock()
		if len(q.active) >= q.cfg.ConcurrencyLimit || q.waiting.Len() == 0 {
			q.mu.Unlock()
			return
		}
		if q.limiter != nil && !q.limiter.Allow() {
			q.mu.Unlock()
			return
		}
		job := heap.Pop(&q.waiting).(*types.Job)
		q.mu.Unlock()

		routed, err := e.store.UpdateJobState(job.ID, types.JobStateQueued, types.JobStateRouted, "dispatched", nil)
		if err != nil {
			// Cancelled while waiting; discard and try the next entry.
			continue
		}

		q.mu.Lock()
		q.active[routed.ID] = struct{}{}
		q.mu.Unlock()

		metrics.JobsDispatched.WithLabelValues(q.name).Inc()
		metrics.DispatchLatency.WithLabelValues(q.name).Observe(now.Sub(routed.EnqueuedAt).Seconds())

		select {
		case e.work <- routed:
		default:
			go e.slowHandoff(q, routed)
		}
	}
}

// slowHandoff blocks on the worker channel up to the hand-off timeout.
// A timeout returns the job to the waiting heap with its original
// enqueue time, so it keeps its position.
func (e *Engine) slowHandoff(q *namedQueue, job *types.Job) {
	timer := time.NewTimer(q.cfg.HandoffTimeout)
	defer timer.Stop()

	select {
	case e.work <- job:
		return
	case <-e.stopCh:
	case <-timer.C:
	}

	queued, err := e.store.UpdateJobState(job.ID, types.JobStateRouted, types.JobStateQueued, "handoff timeout", nil)
	q.mu.Lock()
	delete(q.active, job.ID)
	if err == nil {
		heap.Push(&q.waiting, queued)
	}
	q.mu.Unlock()
}

func (e *Engine) worker() {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			return
		case job := <-e.work:
			e.run(job)
		}
	}
}

// run drives one job through its handler and settles the outcome.
func (e *Engine) run(job *types.Job) {
	q := e.queues[job.QueueName]

	ctx, cancel := context.WithCancel(context.Background())
	e.runMu.Lock()
	e.runs[job.ID] = cancel
	e.runMu.Unlock()

	defer func() {
		cancel()
		e.runMu.Lock()
		delete(e.runs, job.ID)
		e.runMu.Unlock()

		q.mu.Lock()
		delete(q.active, job.ID)
		q.mu.Unlock()
	}()

	// Attempts counts dispatches, so the budget is charged here, not
	// when the handler reports back.
	assigned, err := e.store.UpdateJobState(job.ID, types.JobStateRouted, types.JobStateAssigned, "worker pickup", func(j *types.Job) {
		j.Attempts++
	})
	if err != nil {
		// Cancelled between hand-off and pickup.
		return
	}

	handlerErr := e.handler(ctx, assigned)
	e.settle(q, assigned, handlerErr)
}

// settle finalizes a handler return: complete on nil, retry or
// dead-letter on error. The store is re-read because cancellation may
// have raced the handler.
func (e *Engine) settle(q *namedQueue, job *types.Job, handlerErr error) {
	current, err := e.store.GetJob(job.ID)
	if err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("settle read failed")
		return
	}
	if current.State.Terminal() {
		metrics.JobsCompleted.WithLabelValues(q.name, string(current.State)).Inc()
		return
	}

	if handlerErr == nil {
		from := current.State
		if from == types.JobStateAssigned {
			// Handler returned before flipping to running.
			started, err := e.store.UpdateJobState(job.ID, types.JobStateAssigned, types.JobStateRunning, "late start", nil)
			if err != nil {
				return
			}
			current, from = started, started.State
		}
		if _, err := e.store.UpdateJobState(job.ID, from, types.JobStateCompleted, "handler succeeded", func(j *types.Job) {
			j.FinishedAt = e.now()
		}); err != nil {
			e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("complete flip failed")
			return
		}
		metrics.JobsCompleted.WithLabelValues(q.name, string(types.JobStateCompleted)).Inc()
		e.publishStateChange(job.ID, from, types.JobStateCompleted)
		return
	}

	failed, err := e.store.UpdateJobState(job.ID, current.State, types.JobStateFailed, handlerErr.Error(), func(j *types.Job) {
		j.FinishedAt = e.now()
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("fail flip failed")
		return
	}
	e.publishStateChange(job.ID, current.State, types.JobStateFailed)
	e.retryOrDeadLetter(q, failed, errdefs.Retryable(handlerErr))
}

// retryOrDeadLetter decides a failed job's fate. Non-retryable errors
// and exhausted attempts dead-letter; everything else is parked with
// backoff.
func (e *Engine) retryOrDeadLetter(q *namedQueue, job *types.Job, retryable bool) {
	if !retryable || job.Attempts >= job.MaxAttempts {
		reason := "attempts exhausted"
		if !retryable {
			reason = "non-retryable failure"
		}
		if _, err := e.store.UpdateJobState(job.ID, types.JobStateFailed, types.JobStateDeadLettered, reason, func(j *types.Job) {
			// The entry moves to the configured dead-letter queue.
			if q.cfg.DeadLetterName != "" {
				j.QueueName = q.cfg.DeadLetterName
			}
		}); err != nil {
			e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("dead-letter flip failed")
			return
		}
		metrics.JobsCompleted.WithLabelValues(q.name, string(types.JobStateDeadLettered)).Inc()
		e.broker.Publish(&events.Event{
			ID:      uuid.New().String(),
			Type:    events.EventJobDeadLettered,
			Message: "job dead-lettered: " + reason,
			Metadata: map[string]string{
				"job_id":            job.ID,
				"queue":             q.name,
				"dead_letter_queue": q.cfg.DeadLetterName,
				"attempts":          strconv.Itoa(job.Attempts),
			},
		})
		e.broker.Publish(&events.Event{
			ID:      uuid.New().String(),
			Type:    events.EventAlertTriggered,
			Message: string(types.AlertJobDeadLetter),
			Metadata: map[string]string{
				"alert_type": string(types.AlertJobDeadLetter),
				"severity":   "critical",
				"job_id":     job.ID,
				"queue":      q.name,
			},
		})
		return
	}

	delay := e.backoff(q.cfg.Retry, job.Attempts)
	next := e.now().Add(delay)
	scheduled, err := e.store.UpdateJobState(job.ID, types.JobStateFailed, types.JobStateScheduled, "retry scheduled", func(j *types.Job) {
		j.NextAttemptAt = &next
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("retry flip failed")
		return
	}
	metrics.JobRetries.WithLabelValues(q.name).Inc()
	e.park(q, scheduled)
}

// backoff computes min(cap, base * factor^(attempts-1)), multiplied by
// a jitter factor in [0.5, 1.5) when jitter is enabled.
func (e *Engine) backoff(cfg config.RetryConfig, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := float64(cfg.Base) * math.Pow(cfg.Factor, float64(attempts-1))
	if d > float64(cfg.Cap) {
		d = float64(cfg.Cap)
	}
	if cfg.Jitter {
		e.rngMu.Lock()
		d *= 0.5 + e.rng.Float64()
		e.rngMu.Unlock()
	}
	return time.Duration(d)
}

// Depths reports the bucket counts for one queue.
func (e *Engine) Depths(name string) (Depths, bool) {
	q, ok := e.queues[name]
	if !ok {
		return Depths{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return Depths{
		Waiting: q.waiting.Len(),
		Delayed: q.delayed.Len(),
		Active:  len(q.active),
	}, true
}

// Snapshot reports bucket counts for every queue.
func (e *Engine) Snapshot() map[string]Depths {
	out := make(map[string]Depths, len(e.queues))
	for name := range e.queues {
		d, _ := e.Depths(name)
		out[name] = d
	}
	return out
}

// DeadLettered lists jobs parked in the dead-letter state.
func (e *Engine) DeadLettered(limit int) ([]*types.Job, error) {
	return e.store.ListJobsByStates([]types.JobState{types.JobStateDeadLettered}, limit)
}

func (e *Engine) updateDepthGauges() {
	for name, d := range e.Snapshot() {
		metrics.QueueDepth.WithLabelValues(name, "waiting").Set(float64(d.Waiting))
		metrics.QueueDepth.WithLabelValues(name, "delayed").Set(float64(d.Delayed))
		metrics.QueueDepth.WithLabelValues(name, "active").Set(float64(d.Active))
	}
}

func (e *Engine) publishStateChange(jobID string, from, to types.JobState) {
	e.broker.Publish(&events.Event{
		ID:      uuid.New().String(),
		Type:    events.EventJobStateChanged,
		Message: string(from) + " -> " + string(to),
		Metadata: map[string]string{
			"job_id": jobID,
			"from":   string(from),
			"to":     string(to),
		},
	})
}
