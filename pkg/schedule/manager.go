// Package schedule implements ScheduleManager: cron-triggered
// submission of recurring TestRequests (spec.md §4.7). Grounded on the
// teacher's pkg/scheduler.Scheduler for its Config/DefaultConfig/
// Start/Stop shape; where the teacher computed "should run now" with
// ad hoc window-comparison logic, nextRunAt here is delegated to
// robfig/cron/v3.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/dovaclean/testorc/pkg/core"
	"github.com/dovaclean/testorc/pkg/ports"
)

// Config holds ScheduleManager configuration.
type Config struct {
	// PollInterval is how often due schedules are checked and fired.
	PollInterval time.Duration
}

// DefaultConfig returns schedule manager configuration with sensible
// defaults.
func DefaultConfig() *Config {
	return &Config{PollInterval: 30 * time.Second}
}

// Submitter is the narrow capability ScheduleManager needs from
// TestOrchestrator: admitting a cron-fired request under the
// schedule's Requester identity, typed core.TypeSuite to distinguish it
// from an ad hoc submission.
type Submitter interface {
	SubmitSuite(ctx context.Context, req core.TestRequest, requester, testName string, priority core.Priority) (core.SubmitResult, error)
}

// Manager fires TestRequests on their CronExpr's cadence and persists
// run history through ports.ScheduleRepo.
type Manager struct {
	config    *Config
	store     ports.ScheduleRepo
	submitter Submitter
	log       zerolog.Logger

	mu        sync.Mutex
	schedules map[string]*entry
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

type entry struct {
	def      core.ScheduleDefinition
	schedule cron.Schedule
}

// New creates a Manager, loading existing definitions from store.
func New(ctx context.Context, config *Config, store ports.ScheduleRepo, submitter Submitter, log zerolog.Logger) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}

	m := &Manager{
		config:    config,
		store:     store,
		submitter: submitter,
		log:       log.With().Str("component", "schedule.manager").Logger(),
		schedules: make(map[string]*entry),
		stopCh:    make(chan struct{}),
	}

	defs, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load schedules: %w", err)
	}
	for _, def := range defs {
		if err := m.index(def); err != nil {
			m.log.Warn().Err(err).Str("schedule_id", def.ID).Msg("dropping schedule with invalid cron expression")
			continue
		}
	}

	return m, nil
}

func (m *Manager) index(def core.ScheduleDefinition) error {
	sched, err := cron.ParseStandard(def.CronExpr)
	if err != nil {
		return fmt.Errorf("parse cron expr %q: %w", def.CronExpr, err)
	}
	m.schedules[def.ID] = &entry{def: def, schedule: sched}
	return nil
}

// Add registers a new schedule and persists it.
func (m *Manager) Add(ctx context.Context, name, cronExpr string, req core.TestRequest, requester string) (string, error) {
	sched, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return "", fmt.Errorf("parse cron expr %q: %w", cronExpr, err)
	}

	def := core.ScheduleDefinition{
		ID:        uuid.NewString(),
		Name:      name,
		CronExpr:  cronExpr,
		Request:   req,
		Requester: requester,
		Enabled:   true,
		CreatedAt: time.Now(),
	}
	next := sched.Next(def.CreatedAt)
	def.NextRunAt = &next

	if err := m.store.Save(ctx, def); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.schedules[def.ID] = &entry{def: def, schedule: sched}
	m.mu.Unlock()

	return def.ID, nil
}

// Remove disables and deletes a schedule.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.schedules, id)
	m.mu.Unlock()
	return m.store.Delete(ctx, id)
}

// Start begins the background firing loop.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx)
}

// Stop halts the background firing loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.fireDue(ctx)
		}
	}
}

func (m *Manager) fireDue(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	due := make([]*entry, 0)
	for _, e := range m.schedules {
		if !e.def.Enabled {
			continue
		}
		if e.def.NextRunAt != nil && !e.def.NextRunAt.After(now) {
			due = append(due, e)
		}
	}
	m.mu.Unlock()

	for _, e := range due {
		m.fire(ctx, e, now)

		next := e.schedule.Next(now)
		m.mu.Lock()
		e.def.NextRunAt = &next
		m.mu.Unlock()

		if err := m.store.Save(ctx, e.def); err != nil {
			m.log.Warn().Err(err).Str("schedule_id", e.def.ID).Msg("failed to persist schedule run")
		}
	}
}

// fire submits e's request as a core.TypeSuite test and records the
// outcome in its bounded history ring (spec.md §4.7 "run history").
func (m *Manager) fire(ctx context.Context, e *entry, now time.Time) {
	result, err := m.submitter.SubmitSuite(ctx, e.def.Request, e.def.Requester, e.def.Name, core.PriorityNormal)

	record := core.ScheduleRunRecord{FiredAt: now}
	if err != nil {
		record.Error = err.Error()
		m.log.Warn().Err(err).Str("schedule_id", e.def.ID).Msg("scheduled submission failed")
	} else {
		record.QueueID = result.QueueID
		record.ExecutionID = result.ExecutionID
		m.log.Info().Str("schedule_id", e.def.ID).Str("queue_id", result.QueueID).Msg("scheduled test submitted")
	}

	m.mu.Lock()
	e.def.LastRunAt = &now
	e.def.AppendHistory(record)
	m.mu.Unlock()
}

// RunNow fires schedule id immediately, equivalent to an ad hoc submit
// (spec.md §4.7: "Manual runNow is equivalent to an immediate submit").
// It does not alter the schedule's NextRunAt cadence.
func (m *Manager) RunNow(ctx context.Context, id string) (core.SubmitResult, error) {
	m.mu.Lock()
	e, ok := m.schedules[id]
	m.mu.Unlock()
	if !ok {
		return core.SubmitResult{}, fmt.Errorf("schedule %q not found", id)
	}

	now := time.Now()
	result, err := m.submitter.SubmitSuite(ctx, e.def.Request, e.def.Requester, e.def.Name, core.PriorityNormal)

	record := core.ScheduleRunRecord{FiredAt: now}
	if err != nil {
		record.Error = err.Error()
	} else {
		record.QueueID = result.QueueID
		record.ExecutionID = result.ExecutionID
	}

	m.mu.Lock()
	e.def.LastRunAt = &now
	e.def.AppendHistory(record)
	m.mu.Unlock()

	if saveErr := m.store.Save(ctx, e.def); saveErr != nil {
		m.log.Warn().Err(saveErr).Str("schedule_id", id).Msg("failed to persist manual run")
	}

	return result, err
}
