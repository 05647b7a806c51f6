// Package task owns the task lifecycle. Each user task gets a root agent
// and a tree of workers under it; the manager creates that tree, pauses
// it by terminating every agent while keeping their rows, resumes it by
// rebuilding the tree from the store, and restores running tasks after a
// process restart.
package task

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/quorum/internal/agent"
	"github.com/dohr-michael/quorum/internal/budget"
	"github.com/dohr-michael/quorum/internal/config"
	"github.com/dohr-michael/quorum/internal/events"
	"github.com/dohr-michael/quorum/internal/fault"
	"github.com/dohr-michael/quorum/internal/store"
)

// PauseReason marks terminations that keep agent rows for a later resume.
const PauseReason = "paused"

// drainTimeout bounds how long a delete waits for terminating agents to
// finish their shutdown writes.
const drainTimeout = 5 * time.Second

// Manager drives task lifecycle transitions and owns the root agent of
// every running task.
type Manager struct {
	env      agent.Env
	defaults config.AgentConfig
	models   []string
	log      *slog.Logger

	// set once by Start, read-only afterwards
	base  context.Context
	unsub func()
}

// NewManager builds a manager over the shared agent environment.
// defaultModels seeds root agents whose request and profile name none.
func NewManager(env agent.Env, defaults config.AgentConfig, defaultModels []string) *Manager {
	log := env.Log
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		env:      env,
		defaults: defaults,
		models:   defaultModels,
		log:      log.With(slog.String("component", "task")),
	}
}

// Start restores tasks left over from the previous process and begins
// watching agent terminations so pausing tasks settle into paused. The
// context outlives every agent the manager creates; cancel it to stop
// them all. Must be called before the first Create.
func (m *Manager) Start(ctx context.Context) error {
	m.base = ctx
	m.unsub = m.env.Bus.Subscribe(events.TopicLifecycle, m.onLifecycle)
	return m.restoreAtStartup(ctx)
}

// Close detaches the lifecycle watcher. Live agents keep running until
// the Start context is canceled.
func (m *Manager) Close() {
	if m.unsub != nil {
		m.unsub()
	}
}

// NewID mints a task id.
func NewID() string {
	return "task_" + uuid.NewString()[:8]
}

// CreateRequest describes a new task. Profile and Models fall back to the
// agent defaults; a nil BudgetLimit means unlimited spend.
type CreateRequest struct {
	Prompt      string
	Profile     string
	Models      []string
	BudgetLimit *float64
}

// Create validates the request, writes the task row, and starts the root
// agent seeded with the prompt. Validation failures leave no rows behind.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*store.Task, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, fault.New(fault.MissingRequiredParam, "task prompt is required")
	}
	if req.BudgetLimit != nil && *req.BudgetLimit < 0 {
		return nil, fault.New(fault.InvalidParam, "budget_limit must be non-negative")
	}

	profileName := req.Profile
	if profileName == "" {
		profileName = m.defaults.DefaultProfile
	}
	var prof config.ProfileConfig
	if profileName != "" {
		p, ok := m.env.Profiles[profileName]
		if !ok {
			return nil, fault.New(fault.InvalidParam, "unknown profile %q", profileName)
		}
		prof = p
	}

	models := req.Models
	if len(models) == 0 {
		models = prof.Models
	}
	if len(models) == 0 {
		models = m.models
	}
	if len(models) == 0 {
		return nil, fault.New(fault.InvalidParam, "no models configured for task")
	}

	caps := prof.CapabilityGroups
	if caps == nil {
		caps = m.defaults.CapabilityGroups
	}

	b := budget.NewNA()
	if req.BudgetLimit != nil {
		b = budget.NewRoot(*req.BudgetLimit)
	}

	t := store.Task{
		ID:          NewID(),
		Prompt:      prompt,
		Status:      store.TaskPending,
		BudgetLimit: req.BudgetLimit,
	}
	if err := m.env.Store.SaveTask(ctx, t); err != nil {
		return nil, err
	}

	root := agent.New(m.env, agent.Config{
		ID:     agent.NewID(),
		TaskID: t.ID,
		Task:   prompt,
		State: agent.State{
			Models:       slices.Clone(models),
			Capabilities: slices.Clone(caps),
			Profile:      profileName,
			Budget:       b,
		},
	})
	if err := root.Start(m.base); err != nil {
		_ = m.env.Store.DeleteTask(ctx, t.ID)
		return nil, err
	}

	if err := m.env.Store.UpdateTaskStatus(ctx, t.ID, store.TaskRunning, "", ""); err != nil {
		return nil, err
	}
	t.Status = store.TaskRunning
	m.publishStatus(t.ID, store.TaskRunning)

	root.Deliver(agent.UserMessage{From: "user", Content: prompt})

	m.log.Info("task created",
		slog.String("task_id", t.ID),
		slog.String("root_agent", root.ID()),
		slog.String("profile", profileName),
	)
	return &t, nil
}

// Pause moves a running task to pausing and terminates its agent tree.
// The lifecycle watcher settles it into paused once the last agent is
// gone. Pausing a task already on its way down is a no-op.
func (m *Manager) Pause(ctx context.Context, id string) error {
	t, err := m.env.Store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	switch t.Status {
	case store.TaskPausing, store.TaskPaused:
		return nil
	case store.TaskRunning:
	default:
		return fault.New(fault.InvalidParam, "task %s is %s, not running", id, t.Status)
	}

	if err := m.env.Store.UpdateTaskStatus(ctx, id, store.TaskPausing, "", ""); err != nil {
		return err
	}
	m.publishStatus(id, store.TaskPausing)

	if n := m.terminateTree(id, PauseReason); n == 0 {
		if err := m.env.Store.UpdateTaskStatus(ctx, id, store.TaskPaused, "", ""); err != nil {
			return err
		}
		m.publishStatus(id, store.TaskPaused)
		m.log.Info("task paused", slog.String("task_id", id))
		return nil
	}
	m.log.Info("task pausing", slog.String("task_id", id))
	return nil
}

// Resume rebuilds the agent tree of a paused or failed task from its
// persisted rows and moves it back to running.
func (m *Manager) Resume(ctx context.Context, id string) error {
	t, err := m.env.Store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	switch t.Status {
	case store.TaskRunning:
		return nil
	case store.TaskPaused, store.TaskFailed:
	default:
		return fault.New(fault.InvalidParam, "task %s is %s, cannot resume", id, t.Status)
	}

	started, err := m.restoreTree(m.base, *t)
	if err != nil {
		return err
	}
	if err := m.env.Store.UpdateTaskStatus(ctx, id, store.TaskRunning, "", ""); err != nil {
		return err
	}
	m.publishStatus(id, store.TaskRunning)
	m.log.Info("task resumed", slog.String("task_id", id), slog.Int("agents", started))
	return nil
}

// Complete terminates the task's agents and records the final result.
func (m *Manager) Complete(ctx context.Context, id, result string) error {
	return m.finish(ctx, id, store.TaskCompleted, result, "")
}

// Fail terminates the task's agents and records the error message.
func (m *Manager) Fail(ctx context.Context, id, errMsg string) error {
	return m.finish(ctx, id, store.TaskFailed, "", errMsg)
}

func (m *Manager) finish(ctx context.Context, id string, status store.TaskStatus, result, errMsg string) error {
	t, err := m.env.Store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == status {
		return nil
	}
	if !store.ValidTransition(t.Status, status) {
		return fault.New(fault.InvalidParam, "task %s is %s, cannot move to %s", id, t.Status, status)
	}

	// Status lands before the terminations so the lifecycle watcher never
	// sees an ordered teardown as a root agent dying mid-task.
	if err := m.env.Store.UpdateTaskStatus(ctx, id, status, result, errMsg); err != nil {
		return err
	}
	m.publishStatus(id, status)
	m.terminateTree(id, string(status))
	m.log.Info("task finished", slog.String("task_id", id), slog.String("status", string(status)))
	return nil
}

// Delete terminates any live agents, waits for their shutdown writes, and
// cascade-deletes the task with its rows.
func (m *Manager) Delete(ctx context.Context, id string) error {
	t, err := m.env.Store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == store.TaskRunning || t.Status == store.TaskPausing {
		if m.terminateTree(id, "deleted") > 0 {
			m.awaitDrain(ctx, id)
		}
	}
	if err := m.env.Store.DeleteTask(ctx, id); err != nil {
		return err
	}
	m.log.Info("task deleted", slog.String("task_id", id))
	return nil
}

// Send delivers a user message to the task's root agent.
func (m *Manager) Send(ctx context.Context, id, content string) error {
	t, err := m.env.Store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != store.TaskRunning {
		return fault.New(fault.InvalidParam, "task %s is %s, not running", id, t.Status)
	}
	root := m.root(id)
	if root == nil {
		return fault.New(fault.NotFound, "task %s has no live root agent", id)
	}
	root.Deliver(agent.UserMessage{From: "user", Content: content})
	return nil
}

// root returns the live root handle of a task.
func (m *Manager) root(taskID string) *agent.Handle {
	for _, h := range m.env.Registry.ListByTask(taskID) {
		if h.ParentID == "" {
			return h
		}
	}
	return nil
}

// terminateTree delivers Terminate to the live roots of a task's agent
// forest; each agent cascades to its own children. Agents orphaned by an
// interrupted cascade surface as forest roots on the next call. Returns
// the number of live agents at the time of the call.
func (m *Manager) terminateTree(taskID, reason string) int {
	live := m.env.Registry.ListByTask(taskID)
	byID := make(map[string]bool, len(live))
	for _, h := range live {
		byID[h.ID] = true
	}
	for _, h := range live {
		if h.ParentID == "" || !byID[h.ParentID] {
			h.Deliver(agent.Terminate{Reason: reason})
		}
	}
	return len(live)
}

// awaitDrain waits until a task has no live agents, so shutdown writes
// land before a cascade delete removes the rows underneath them.
func (m *Manager) awaitDrain(ctx context.Context, taskID string) {
	deadline := time.After(drainTimeout)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		if len(m.env.Registry.ListByTask(taskID)) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			m.log.Warn("agents still live at delete", slog.String("task_id", taskID))
			return
		case <-tick.C:
		}
	}
}

// orderedReasons are terminations the manager itself drives; their status
// handling happens on the path that ordered them, not in the watcher.
var orderedReasons = map[string]bool{
	PauseReason:                 true,
	"shutdown":                  true,
	"deleted":                   true,
	string(store.TaskCompleted): true,
	string(store.TaskFailed):    true,
}

// onLifecycle settles tasks from agent terminations. A pausing task lands
// in paused when its last agent is gone; a termination that leaves live
// agents behind re-delivers Terminate to the remaining forest roots,
// catching agents the original cascade missed. A running task whose root
// agent dies outside any ordered teardown has nothing left to drive it
// and fails with the termination reason as its error.
func (m *Manager) onLifecycle(e events.Event) {
	term, ok := e.Payload.(events.AgentTerminated)
	if !ok {
		return
	}
	t, err := m.env.Store.GetTask(m.base, term.TaskID)
	if err != nil {
		return
	}
	switch t.Status {
	case store.TaskPausing:
		m.settlePaused(term.TaskID)
	case store.TaskRunning:
		if term.ParentID == "" && !orderedReasons[term.Reason] {
			if err := m.Fail(m.base, t.ID, "root agent terminated: "+term.Reason); err != nil {
				m.log.Error("settle failed", slog.String("task_id", t.ID), slog.String("error", err.Error()))
			}
		}
	}
}

func (m *Manager) settlePaused(taskID string) {
	if m.terminateTree(taskID, PauseReason) > 0 {
		return
	}
	if err := m.env.Store.UpdateTaskStatus(m.base, taskID, store.TaskPaused, "", ""); err != nil {
		m.log.Error("settle paused", slog.String("task_id", taskID), slog.String("error", err.Error()))
		return
	}
	m.publishStatus(taskID, store.TaskPaused)
	m.log.Info("task paused", slog.String("task_id", taskID))
}

func (m *Manager) publishStatus(id string, status store.TaskStatus) {
	m.env.Bus.Publish(events.TopicTaskStatus(id), events.TaskStatusChanged{
		TaskID:    id,
		Status:    string(status),
		Timestamp: time.Now(),
	})
}
