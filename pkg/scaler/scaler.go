package scaler

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hearthci/stoker/pkg/config"
	"github.com/hearthci/stoker/pkg/events"
	"github.com/hearthci/stoker/pkg/log"
	"github.com/hearthci/stoker/pkg/metrics"
	"github.com/hearthci/stoker/pkg/storage"
	"github.com/hearthci/stoker/pkg/types"
)

// ewmaAlpha weights the newest utilization sample.
const ewmaAlpha = 0.3

// arrivalHistory bounds the per-pool arrival rate series the forecast
// regresses over.
const arrivalHistory = 20

// PoolController is the slice of the pool manager the scaler drives.
type PoolController interface {
	Statuses() []types.PoolStatus
	TakeDemand(key types.PoolKey) (int, time.Time)
	Scale(ctx context.Context, key types.PoolKey, desired int) error
}

// Scaler periodically sizes every pool from queue pressure, runner
// utilization, and an optional arrival-rate forecast. It emits
// decisions; the pool manager mutates runner state.
type Scaler struct {
	cfg    config.ScalerConfig
	store  storage.Store
	pools  PoolController
	broker *events.Broker
	logger zerolog.Logger
	now    func() time.Time

	mu            sync.Mutex
	utilEWMA      map[types.PoolKey]float64
	arrivals      map[types.PoolKey][]float64
	lastScaleUp   map[types.PoolKey]time.Time
	lastScaleDown map[types.PoolKey]time.Time
	decisions     map[types.PoolKey]types.ScaleDecision

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg config.ScalerConfig, store storage.Store, pools PoolController, broker *events.Broker) *Scaler {
	return &Scaler{
		cfg:           cfg,
		store:         store,
		pools:         pools,
		broker:        broker,
		logger:        log.WithComponent("scaler"),
		now:           time.Now,
		utilEWMA:      make(map[types.PoolKey]float64),
		arrivals:      make(map[types.PoolKey][]float64),
		lastScaleUp:   make(map[types.PoolKey]time.Time),
		lastScaleDown: make(map[types.PoolKey]time.Time),
		decisions:     make(map[types.PoolKey]types.ScaleDecision),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the evaluation loop.
func (s *Scaler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		interval := s.cfg.Interval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Evaluate(context.Background())
			}
		}
	}()
}

func (s *Scaler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Evaluate runs one sizing pass across all pools.
func (s *Scaler) Evaluate(ctx context.Context) {
	waiting, err := s.waitingPerPool()
	if err != nil {
		s.logger.Warn().Err(err).Msg("waiting census failed")
		return
	}

	now := s.now()
	for _, status := range s.pools.Statuses() {
		s.evaluatePool(ctx, status, waiting[status.Key], now)
	}
}

// waitingPerPool counts dispatchable jobs grouped by their pool key.
func (s *Scaler) waitingPerPool() (map[types.PoolKey]int, error) {
	jobs, err := s.store.ListJobsByStates([]types.JobState{
		types.JobStateQueued,
		types.JobStateScheduled,
	}, 0)
	if err != nil {
		return nil, err
	}

	out := make(map[types.PoolKey]int)
	for _, job := range jobs {
		if job.Profile == nil {
			continue
		}
		key := types.PoolKey{Repository: job.Repository, Profile: job.Profile.Name}
		out[key]++
	}
	return out, nil
}

func (s *Scaler) evaluatePool(ctx context.Context, status types.PoolStatus, waiting int, now time.Time) {
	idle := status.Counts[types.RunnerStateIdle]
	busy := status.Counts[types.RunnerStateBusy] + status.Counts[types.RunnerStateAssigned]
	total := status.Total()

	pressure := float64(waiting) / math.Max(1, float64(idle))
	util := s.updateUtil(status.Key, busy, total)

	demand, _ := s.pools.TakeDemand(status.Key)
	predicted := s.updateForecast(status.Key, float64(demand))
	if s.cfg.Forecast && predicted > 0 {
		forecastPressure := predicted / math.Max(1, float64(idle))
		if forecastPressure > pressure {
			pressure = forecastPressure
		}
	}

	desired := total
	reason := "hold"

	if k := int(math.Ceil(pressure - s.cfg.TargetPressure)); k > 0 {
		desired = total + k
		reason = "queue pressure"
	}
	if util > s.cfg.UpThreshold && desired <= total {
		desired = total + 1
		reason = "utilization above threshold"
	}

	if desired > total {
		if now.Sub(s.lastUp(status.Key)) < s.cfg.CooldownUp {
			s.record(status.Key, total, total, "up suppressed by cooldown")
			return
		}
		s.mu.Lock()
		s.lastScaleUp[status.Key] = now
		s.mu.Unlock()
	} else if util < s.cfg.DownThreshold && pressure < 1 && total > status.Min {
		if now.Sub(s.lastDown(status.Key)) < s.cfg.CooldownDown {
			s.record(status.Key, total, total, "down suppressed by cooldown")
			return
		}
		desired = total - 1
		reason = "idle capacity"
		s.mu.Lock()
		s.lastScaleDown[status.Key] = now
		s.mu.Unlock()
	}

	if desired < busy {
		desired = busy
	}

	s.record(status.Key, total, desired, reason)
	if desired == total {
		return
	}

	if err := s.pools.Scale(ctx, status.Key, desired); err != nil {
		s.logger.Warn().Err(err).Str("pool", status.Key.String()).Msg("scale apply failed")
	}
}

// updateUtil folds the instantaneous utilization into the pool's EWMA.
func (s *Scaler) updateUtil(key types.PoolKey, busy, total int) float64 {
	inst := float64(busy) / math.Max(1, float64(total))
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.utilEWMA[key]
	if !ok {
		s.utilEWMA[key] = inst
		return inst
	}
	next := ewmaAlpha*inst + (1-ewmaAlpha)*prev
	s.utilEWMA[key] = next
	return next
}

// updateForecast appends the interval's arrival count and returns the
// regression's prediction for the next interval.
func (s *Scaler) updateForecast(key types.PoolKey, rate float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	series := append(s.arrivals[key], rate)
	if len(series) > arrivalHistory {
		series = series[len(series)-arrivalHistory:]
	}
	s.arrivals[key] = series
	return predictNext(series)
}

// predictNext fits y = a + b*x over the series and evaluates at the
// next index. Short or flat series predict their mean.
func predictNext(series []float64) float64 {
	n := float64(len(series))
	if n == 0 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range series {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return sumY / n
	}
	b := (n*sumXY - sumX*sumY) / denom
	a := (sumY - b*sumX) / n
	predicted := a + b*n
	if predicted < 0 {
		return 0
	}
	return predicted
}

func (s *Scaler) lastUp(key types.PoolKey) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastScaleUp[key]
}

func (s *Scaler) lastDown(key types.PoolKey) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastScaleDown[key]
}

// LastDecision returns the most recent decision for the pool.
func (s *Scaler) LastDecision(key types.PoolKey) (types.ScaleDecision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[key]
	return d, ok
}

// record emits the decision to the event tap and the counters.
func (s *Scaler) record(key types.PoolKey, current, desired int, reason string) {
	direction := "hold"
	switch {
	case desired > current:
		direction = "up"
	case desired < current:
		direction = "down"
	}
	metrics.ScaleDecisions.WithLabelValues(direction).Inc()

	s.mu.Lock()
	s.decisions[key] = types.ScaleDecision{
		Key:       key,
		Current:   current,
		Desired:   desired,
		Reason:    reason,
		Timestamp: s.now(),
	}
	s.mu.Unlock()

	if direction == "hold" {
		return
	}
	s.logger.Info().
		Str("pool", key.String()).
		Int("current", current).
		Int("desired", desired).
		Str("reason", reason).
		Msg("scale decision")
	s.broker.Publish(&events.Event{
		ID:      uuid.New().String(),
		Type:    events.EventScaleDecision,
		Message: reason,
		Metadata: map[string]string{
			"pool":      key.String(),
			"direction": direction,
		},
	})
}
