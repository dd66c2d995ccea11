package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthci/stoker/pkg/config"
	"github.com/hearthci/stoker/pkg/events"
	"github.com/hearthci/stoker/pkg/metrics"
	"github.com/hearthci/stoker/pkg/types"
)

// ring is a fixed-size stats buffer for one container.
type ring struct {
	buf  []types.StatsSnapshot
	next int
	full bool
}

func newRing(size int) *ring {
	if size < 1 {
		size = 1
	}
	return &ring{buf: make([]types.StatsSnapshot, size)}
}

func (r *ring) push(s types.StatsSnapshot) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// items returns the samples oldest first.
func (r *ring) items() []types.StatsSnapshot {
	if !r.full {
		return append([]types.StatsSnapshot(nil), r.buf[:r.next]...)
	}
	out := make([]types.StatsSnapshot, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

func (r *ring) dropBefore(t time.Time) {
	kept := make([]types.StatsSnapshot, 0, len(r.buf))
	for _, s := range r.items() {
		if !s.Timestamp.Before(t) {
			kept = append(kept, s)
		}
	}
	fresh := newRing(len(r.buf))
	for _, s := range kept {
		fresh.push(s)
	}
	*r = *fresh
}

type alertKey struct {
	containerID string
	typ         types.AlertType
}

// monitor keeps the stats rings and the alert table.
type monitor struct {
	cfg config.ContainerConfig

	mu     sync.Mutex
	rings  map[string]*ring
	alerts map[alertKey]*types.Alert
}

func newMonitor(cfg config.ContainerConfig) *monitor {
	return &monitor{
		cfg:    cfg,
		rings:  make(map[string]*ring),
		alerts: make(map[alertKey]*types.Alert),
	}
}

func (m *monitor) record(containerID string, s types.StatsSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rings[containerID]
	if !ok {
		r = newRing(m.cfg.StatsRingSize)
		m.rings[containerID] = r
	}
	r.push(s)
}

func (m *monitor) history(containerID string) []types.StatsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rings[containerID]
	if !ok {
		return nil
	}
	return r.items()
}

// forget discards the container's stats ring and alert records; a
// removed container leaves nothing behind in the monitor.
func (m *monitor) forget(containerID string) {
	m.mu.Lock()
	delete(m.rings, containerID)
	var released []types.AlertType
	for key, a := range m.alerts {
		if key.containerID != containerID {
			continue
		}
		if a.Active {
			released = append(released, a.Type)
		}
		delete(m.alerts, key)
	}
	m.mu.Unlock()

	for _, typ := range released {
		metrics.AlertsActive.WithLabelValues(string(typ)).Dec()
	}
}

func (m *monitor) activeAlerts() []*types.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if a.Active {
			copied := *a
			out = append(out, &copied)
		}
	}
	return out
}

func (m *monitor) evict(olderThan time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rings {
		r.dropBefore(olderThan)
	}
	for key, a := range m.alerts {
		if !a.Active && a.LastSeen.Before(olderThan) {
			delete(m.alerts, key)
		}
	}
}

// monitorLoop samples every tracked container each interval and runs
// the alert predicates over the fresh sample.
func (e *Engine) monitorLoop() {
	defer e.wg.Done()

	interval := e.cfg.MonitoringInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sampleAll()
		}
	}
}

func (e *Engine) sampleAll() {
	records, err := e.store.ListContainers()
	if err != nil {
		e.logger.Warn().Err(err).Msg("container list failed")
		return
	}

	now := time.Now()
	stateCounts := make(map[types.ContainerState]int)
	for _, record := range records {
		stateCounts[record.State]++

		switch record.State {
		case types.ContainerStateRemoved, types.ContainerStateErrored:
			continue
		}

		e.evaluateState(record, now)

		if record.State != types.ContainerStateRunning {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.EngineCallTimeout)
		snapshot, err := e.Stats(ctx, record.ID)
		cancel()
		if err != nil {
			e.logger.Debug().Err(err).Str("container_id", record.ID).Msg("stats sample failed")
			continue
		}

		e.mon.record(record.ID, *snapshot)
		e.evaluateSample(record.ID, snapshot, now)
	}

	for state, n := range stateCounts {
		metrics.ContainersTotal.WithLabelValues(string(state)).Set(float64(n))
	}
	e.resolveQuiet(now)
}

// evaluateSample runs the per-sample predicates.
func (e *Engine) evaluateSample(containerID string, s *types.StatsSnapshot, now time.Time) {
	if s.CPUPercent > e.cfg.AlertCPU {
		e.trigger(containerID, types.AlertHighCPU, "warning", now)
	}
	if s.MemoryPercent > e.cfg.AlertMemory {
		e.trigger(containerID, types.AlertHighMemory, "warning", now)
	}
	if s.SampleLatency > e.cfg.AlertResponse {
		e.trigger(containerID, types.AlertSlowResponse, "warning", now)
	}
}

// evaluateState flags containers stuck outside running/exited.
func (e *Engine) evaluateState(record *types.Container, now time.Time) {
	switch record.State {
	case types.ContainerStateRunning, types.ContainerStateExited:
		return
	}
	e.trigger(record.ID, types.AlertContainerState, "critical", now)
}

// trigger creates or bumps the (container, type) alert record.
func (e *Engine) trigger(containerID string, typ types.AlertType, severity string, now time.Time) {
	e.mon.mu.Lock()
	key := alertKey{containerID: containerID, typ: typ}
	a, ok := e.mon.alerts[key]
	if ok && a.Active {
		a.Count++
		a.LastSeen = now
		e.mon.mu.Unlock()
		return
	}
	e.mon.alerts[key] = &types.Alert{
		ContainerID: containerID,
		Type:        typ,
		Severity:    severity,
		FirstSeen:   now,
		LastSeen:    now,
		Count:       1,
		Active:      true,
	}
	e.mon.mu.Unlock()

	metrics.AlertsActive.WithLabelValues(string(typ)).Inc()
	e.broker.Publish(&events.Event{
		ID:      uuid.New().String(),
		Type:    events.EventAlertTriggered,
		Message: string(typ),
		Metadata: map[string]string{
			"container_id": containerID,
			"alert_type":   string(typ),
			"severity":     severity,
		},
	})
}

// resolveQuiet resolves alerts whose predicate has been silent for the
// cooldown window.
func (e *Engine) resolveQuiet(now time.Time) {
	cooldown := e.cfg.AlertCooldown
	if cooldown <= 0 {
		return
	}

	var resolved []*types.Alert
	e.mon.mu.Lock()
	for _, a := range e.mon.alerts {
		if a.Active && now.Sub(a.LastSeen) >= cooldown {
			a.Active = false
			copied := *a
			resolved = append(resolved, &copied)
		}
	}
	e.mon.mu.Unlock()

	for _, a := range resolved {
		metrics.AlertsActive.WithLabelValues(string(a.Type)).Dec()
		e.broker.Publish(&events.Event{
			ID:      uuid.New().String(),
			Type:    events.EventAlertResolved,
			Message: string(a.Type),
			Metadata: map[string]string{
				"container_id": a.ContainerID,
				"alert_type":   string(a.Type),
			},
		})
	}
}
