package queue

import (
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/hearthci/stoker/pkg/errdefs"
	"github.com/hearthci/stoker/pkg/types"
)

const (
	scheduleTick = time.Second

	// maxCatchUp bounds boundary replay after downtime. Anything older
	// is skipped; emissions stay idempotent either way.
	maxCatchUp = 100
)

type scheduleEntry struct {
	schedule *types.Schedule
	cron     cron.Schedule
	checked  time.Time
}

// AddSchedule registers a cron template. Every boundary the expression
// crosses emits one concrete job, deduplicated on (schedule, boundary)
// so a restart straddling a boundary cannot double-fire.
func (e *Engine) AddSchedule(s *types.Schedule) error {
	parsed, err := cron.ParseStandard(s.CronExpr)
	if err != nil {
		return errdefs.Validationf("invalid cron expression %q: %v", s.CronExpr, err)
	}
	if _, ok := e.queues[s.Template.QueueName]; !ok {
		return errdefs.Validationf("schedule targets unknown queue %q", s.Template.QueueName)
	}
	// Catch a bad template here, not on every boundary.
	if s.Template.Priority == 0 {
		s.Template.Priority = 3
	}
	if s.Template.Priority < 1 || s.Template.Priority > 5 {
		return errdefs.Validationf("schedule template priority %d out of range", s.Template.Priority)
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = e.now()
	}

	if err := e.store.CreateSchedule(s); err != nil {
		return err
	}

	e.schedMu.Lock()
	e.schedules[s.ID] = &scheduleEntry{schedule: s, cron: parsed, checked: e.now()}
	e.schedMu.Unlock()
	return nil
}

// RemoveSchedule deletes a schedule. Jobs it already emitted are
// untouched.
func (e *Engine) RemoveSchedule(id string) error {
	if err := e.store.DeleteSchedule(id); err != nil {
		return err
	}
	e.schedMu.Lock()
	delete(e.schedules, id)
	e.schedMu.Unlock()
	return nil
}

// ListSchedules returns the registered schedules.
func (e *Engine) ListSchedules() []*types.Schedule {
	e.schedMu.Lock()
	defer e.schedMu.Unlock()
	out := make([]*types.Schedule, 0, len(e.schedules))
	for _, entry := range e.schedules {
		out = append(out, entry.schedule)
	}
	return out
}

// loadSchedules rebuilds the in-memory schedule table from the store.
// The check cursor resumes from the last fire so boundaries crossed
// while down are still emitted.
func (e *Engine) loadSchedules() error {
	stored, err := e.store.ListSchedules()
	if err != nil {
		return err
	}

	now := e.now()
	e.schedMu.Lock()
	defer e.schedMu.Unlock()
	for _, s := range stored {
		parsed, err := cron.ParseStandard(s.CronExpr)
		if err != nil {
			e.logger.Warn().Err(err).Str("schedule_id", s.ID).Msg("dropping unparseable schedule")
			continue
		}
		checked := s.LastFiredAt
		if checked.IsZero() {
			checked = now
		}
		e.schedules[s.ID] = &scheduleEntry{schedule: s, cron: parsed, checked: checked}
	}
	return nil
}

func (e *Engine) scheduleLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(scheduleTick)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.fireDue(e.now())
		}
	}
}

// fireDue emits one job per boundary crossed since each schedule's
// check cursor. MarkEmission is the idempotency gate.
func (e *Engine) fireDue(now time.Time) {
	e.schedMu.Lock()
	defer e.schedMu.Unlock()

	for id, entry := range e.schedules {
		fired := 0
		for b := entry.cron.Next(entry.checked); !b.After(now) && fired < maxCatchUp; b = entry.cron.Next(b) {
			fresh, err := e.store.MarkEmission(id, b)
			if err != nil {
				e.logger.Warn().Err(err).Str("schedule_id", id).Msg("emission mark failed")
				break
			}
			if fresh {
				e.emit(entry, b)
			}
			fired++
		}
		entry.checked = now
	}
}

// emit materializes one job from the schedule template.
func (e *Engine) emit(entry *scheduleEntry, boundary time.Time) {
	job := entry.schedule.Template
	job.ID = uuid.New().String()
	job.CreatedAt = boundary
	job.State = ""
	job.Attempts = 0

	if err := e.Enqueue(&job); err != nil {
		e.logger.Error().Err(err).Str("schedule_id", entry.schedule.ID).Msg("scheduled emission failed")
		return
	}
	entry.schedule.LastFiredAt = boundary
	e.logger.Debug().
		Str("schedule_id", entry.schedule.ID).
		Str("job_id", job.ID).
		Time("boundary", boundary).
		Msg("schedule fired")
}
