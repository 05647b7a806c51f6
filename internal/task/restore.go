package task

import (
	"context"
	"log/slog"

	"github.com/dohr-michael/quorum/internal/agent"
	"github.com/dohr-michael/quorum/internal/fault"
	"github.com/dohr-michael/quorum/internal/store"
)

// restoreAtStartup brings back tasks that were live when the previous
// process stopped: running tasks get their trees rebuilt, and tasks
// caught mid-pause settle straight into paused since none of their agents
// survived the restart.
func (m *Manager) restoreAtStartup(ctx context.Context) error {
	running, err := m.env.Store.ListTasksByStatus(ctx, store.TaskRunning)
	if err != nil {
		return err
	}
	for _, t := range running {
		n, err := m.restoreTree(ctx, t)
		if err != nil {
			m.log.Error("restore running task", slog.String("task_id", t.ID), slog.String("error", err.Error()))
			continue
		}
		m.log.Info("task restored", slog.String("task_id", t.ID), slog.Int("agents", n))
	}

	pausing, err := m.env.Store.ListTasksByStatus(ctx, store.TaskPausing)
	if err != nil {
		return err
	}
	for _, t := range pausing {
		if err := m.env.Store.UpdateTaskStatus(ctx, t.ID, store.TaskPaused, "", ""); err != nil {
			m.log.Error("settle pausing task", slog.String("task_id", t.ID), slog.String("error", err.Error()))
			continue
		}
		m.publishStatus(t.ID, store.TaskPaused)
	}
	return nil
}

// restoreTree rebuilds a task's agents from their persisted rows. Rows
// come back oldest first, so every parent starts before its children and
// child handles resolve as soon as each agent registers. Once the whole
// tree is up, each restored agent gets a Resumed wake so it can replay
// consensus and reconsider whatever was in flight when it stopped.
func (m *Manager) restoreTree(ctx context.Context, t store.Task) (int, error) {
	rows, err := m.env.Store.ListAgentsByTask(ctx, t.ID)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fault.New(fault.NotFound, "task %s has no persisted agents", t.ID)
	}

	var started []*agent.Agent
	for _, row := range rows {
		if _, live := m.env.Registry.Get(row.ID); live {
			continue
		}
		st, err := agent.UnmarshalState(row.State)
		if err != nil {
			m.log.Error("skip agent with corrupt state",
				slog.String("agent_id", row.ID), slog.String("error", err.Error()))
			continue
		}
		entries, err := m.env.Store.LoadConversation(ctx, row.ID)
		if err != nil {
			return len(started), err
		}
		histories := agent.RestoreHistories(entries)
		if len(histories) == 0 {
			// Never persisted a turn; let the agent seed fresh histories.
			histories = nil
		}

		a := agent.New(m.env, agent.Config{
			ID:        row.ID,
			TaskID:    row.TaskID,
			ParentID:  row.ParentID,
			Task:      t.Prompt,
			State:     st,
			Histories: histories,
		})
		if err := a.Start(ctx); err != nil {
			return len(started), err
		}
		started = append(started, a)
	}

	if len(started) == 0 && len(m.env.Registry.ListByTask(t.ID)) == 0 {
		return 0, fault.New(fault.NotFound, "task %s has no restorable agents", t.ID)
	}
	for _, a := range started {
		a.Deliver(agent.Resumed{})
	}
	return len(started), nil
}
