// Package schedule turns persisted cron entries into recurring task
// submissions. Entries live in the schedules table; the scheduler keeps a
// parsed copy in memory and checks it once a minute.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/quorum/internal/events"
	"github.com/dohr-michael/quorum/internal/fault"
	"github.com/dohr-michael/quorum/internal/store"
	"github.com/dohr-michael/quorum/internal/task"
)

// DefaultCooldown is the minimum interval between two fires of one entry.
// The minute grain already spaces regular fires; this guards restarts that
// land inside an already-fired minute.
const DefaultCooldown = 60 * time.Second

// Submitter creates one task per trigger. Satisfied by *task.Manager.
type Submitter interface {
	Create(ctx context.Context, req task.CreateRequest) (*store.Task, error)
}

// Definition is the caller-facing shape for Add.
type Definition struct {
	Name        string
	CronExpr    string
	Prompt      string
	BudgetLimit *float64
	MaxRuns     int
}

type entry struct {
	id      string
	name    string
	expr    *CronExpr
	prompt  string
	budget  *float64
	lastRun time.Time
}

// Scheduler owns the live entry set and the minute ticker.
type Scheduler struct {
	store *store.Store
	sub   Submitter
	bus   *events.Bus
	log   *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry

	// base is the long-lived run context, set once by Start and read-only
	// afterwards.
	base context.Context
	done chan struct{}
}

func New(st *store.Store, sub Submitter, bus *events.Bus, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:   st,
		sub:     sub,
		bus:     bus,
		log:     log.With(slog.String("component", "schedule")),
		entries: make(map[string]*entry),
		done:    make(chan struct{}),
	}
}

// NewID mints a schedule identifier.
func NewID() string {
	return "sched_" + uuid.NewString()[:8]
}

// Start loads the enabled entries and begins the ticker. Rows with a cron
// expression that no longer parses are skipped, not fatal.
func (s *Scheduler) Start(ctx context.Context) error {
	s.base = ctx

	rows, err := s.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}

	s.mu.Lock()
	for _, row := range rows {
		if !row.Enabled {
			continue
		}
		e, err := toEntry(row)
		if err != nil {
			s.log.Warn("skip schedule with bad cron",
				slog.String("id", row.ID), slog.String("error", err.Error()))
			continue
		}
		s.entries[row.ID] = e
	}
	count := len(s.entries)
	s.mu.Unlock()

	s.log.Info("scheduler started", slog.Int("entries", count))
	go s.loop()
	return nil
}

// Stop halts the ticker.
func (s *Scheduler) Stop() {
	close(s.done)
}

// Add validates and persists a new schedule. It is live immediately.
func (s *Scheduler) Add(ctx context.Context, def Definition) (*store.Schedule, error) {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return nil, fault.New(fault.MissingRequiredParam, "schedule name is required")
	}
	if strings.TrimSpace(def.Prompt) == "" {
		return nil, fault.New(fault.MissingRequiredParam, "schedule prompt is required")
	}
	if _, err := ParseCron(def.CronExpr); err != nil {
		return nil, fault.Wrap(fault.InvalidParam, err, "cron expression")
	}
	if def.BudgetLimit != nil && *def.BudgetLimit < 0 {
		return nil, fault.New(fault.InvalidParam, "budget limit must not be negative")
	}
	if def.MaxRuns < 0 {
		return nil, fault.New(fault.InvalidParam, "max runs must not be negative")
	}

	row := store.Schedule{
		ID:          NewID(),
		Name:        name,
		CronExpr:    def.CronExpr,
		Prompt:      def.Prompt,
		BudgetLimit: def.BudgetLimit,
		Enabled:     true,
		MaxRuns:     def.MaxRuns,
	}
	if err := s.store.SaveSchedule(ctx, row); err != nil {
		return nil, err
	}

	e, err := toEntry(row)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.entries[row.ID] = e
	s.mu.Unlock()

	s.log.Info("schedule added",
		slog.String("id", row.ID),
		slog.String("name", name),
		slog.String("cron", def.CronExpr))
	return s.store.GetSchedule(ctx, row.ID)
}

// Remove deletes a schedule.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	s.log.Info("schedule removed", slog.String("id", id))
	return nil
}

// SetEnabled flips a schedule on or off without losing its run history.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	row, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	row.Enabled = enabled
	if err := s.store.SaveSchedule(ctx, *row); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !enabled {
		delete(s.entries, id)
		return nil
	}
	e, err := toEntry(*row)
	if err != nil {
		return err
	}
	if old, ok := s.entries[id]; ok {
		e.lastRun = old.lastRun
	}
	s.entries[id] = e
	return nil
}

// List returns every persisted schedule, enabled or not.
func (s *Scheduler) List(ctx context.Context) ([]store.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

func toEntry(row store.Schedule) (*entry, error) {
	expr, err := ParseCron(row.CronExpr)
	if err != nil {
		return nil, err
	}
	e := &entry{
		id:     row.ID,
		name:   row.Name,
		expr:   expr,
		prompt: row.Prompt,
		budget: row.BudgetLimit,
	}
	if row.LastRun != nil {
		e.lastRun = *row.LastRun
	}
	return e, nil
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if !e.expr.Matches(now) {
			continue
		}
		if now.Sub(e.lastRun) < DefaultCooldown {
			continue
		}
		s.fire(e, now)
	}
}

// fire submits one task for the entry. Caller holds s.mu. A failed
// submission does not count as a run; the entry retries at its next
// activation.
func (s *Scheduler) fire(e *entry, now time.Time) {
	e.lastRun = now

	t, err := s.sub.Create(s.base, task.CreateRequest{Prompt: e.prompt, BudgetLimit: e.budget})
	if err != nil {
		s.log.Error("scheduled task submit",
			slog.String("schedule_id", e.id), slog.String("error", err.Error()))
		return
	}

	if err := s.store.MarkScheduleRun(s.base, e.id, now); err != nil {
		s.log.Warn("mark schedule run",
			slog.String("schedule_id", e.id), slog.String("error", err.Error()))
	}
	// MarkScheduleRun disables the row at max_runs; mirror that here.
	if row, err := s.store.GetSchedule(s.base, e.id); err == nil && !row.Enabled {
		delete(s.entries, e.id)
		s.log.Info("schedule reached max runs",
			slog.String("schedule_id", e.id), slog.Int("runs", row.RunCount))
	}

	s.bus.Publish(events.TopicSchedules, events.ScheduleTriggered{
		ScheduleID: e.id,
		Name:       e.name,
		TaskID:     t.ID,
		Timestamp:  now,
	})
	s.log.Info("schedule triggered",
		slog.String("schedule_id", e.id),
		slog.String("task_id", t.ID))
}
