package events

import (
	"encoding/json"
	"time"
)

// Lifecycle payloads ride on TopicLifecycle with Kind discriminating.

type LifecycleKind string

const (
	LifecycleSpawned    LifecycleKind = "agent_spawned"
	LifecycleTerminated LifecycleKind = "agent_terminated"
	LifecycleState      LifecycleKind = "state_changed"
)

type AgentSpawned struct {
	Kind      LifecycleKind   `json:"kind"`
	AgentID   string          `json:"agent_id"`
	ParentID  string          `json:"parent_id,omitempty"`
	TaskID    string          `json:"task_id"`
	Task      string          `json:"task"`
	Budget    json.RawMessage `json:"budget,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type AgentTerminated struct {
	Kind               LifecycleKind `json:"kind"`
	AgentID            string        `json:"agent_id"`
	ParentID           string        `json:"parent_id,omitempty"`
	TaskID             string        `json:"task_id"`
	Reason             string        `json:"reason,omitempty"`
	OriginalAllocation float64       `json:"original_allocation,omitempty"`
	Timestamp          time.Time     `json:"timestamp"`
}

type StateChanged struct {
	Kind     LifecycleKind `json:"kind"`
	AgentID  string        `json:"agent_id"`
	NewState string        `json:"new_state"`
}

func NewAgentSpawned(agentID, parentID, taskID, task string, budget json.RawMessage) AgentSpawned {
	return AgentSpawned{
		Kind:      LifecycleSpawned,
		AgentID:   agentID,
		ParentID:  parentID,
		TaskID:    taskID,
		Task:      task,
		Budget:    budget,
		Timestamp: time.Now(),
	}
}

func NewAgentTerminated(agentID, parentID, taskID, reason string, originalAllocation float64) AgentTerminated {
	return AgentTerminated{
		Kind:               LifecycleTerminated,
		AgentID:            agentID,
		ParentID:           parentID,
		TaskID:             taskID,
		Reason:             reason,
		OriginalAllocation: originalAllocation,
		Timestamp:          time.Now(),
	}
}

func NewStateChanged(agentID, newState string) StateChanged {
	return StateChanged{Kind: LifecycleState, AgentID: agentID, NewState: newState}
}

// Log rides on TopicAgentLogs(agent_id).
type Log struct {
	AgentID   string         `json:"agent_id"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Message rides on TopicTaskMessages(task_id).
type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id,omitempty"`
	Content     string    `json:"content"`
	At          time.Time `json:"at"`
}

// CostRecorded rides on TopicAgentCosts and TopicTaskCosts.
type CostRecorded struct {
	AgentID string    `json:"agent_id"`
	TaskID  string    `json:"task_id,omitempty"`
	Type    string    `json:"type,omitempty"`
	Amount  float64   `json:"amount"`
	At      time.Time `json:"at"`
}

// ActionCompleted rides on TopicActions.
type ActionCompleted struct {
	AgentID       string `json:"agent_id"`
	ActionID      string `json:"action_id"`
	ActionKind    string `json:"kind"`
	OK            bool   `json:"ok"`
	ResultSummary string `json:"result_summary,omitempty"`
}

// TodosChanged rides on TopicAgentTodos with the full replacement list.
type TodosChanged struct {
	AgentID string     `json:"agent_id"`
	Items   []TodoItem `json:"items"`
}

type TodoItem struct {
	Content string `json:"content"`
	State   string `json:"state"` // "todo", "pending", "done"
}

// TaskStatusChanged rides on TopicTaskStatus.
type TaskStatusChanged struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ScheduleTriggered rides on TopicSchedules whenever a cron entry submits
// a task.
type ScheduleTriggered struct {
	ScheduleID string    `json:"schedule_id"`
	Name       string    `json:"name"`
	TaskID     string    `json:"task_id"`
	Timestamp  time.Time `json:"timestamp"`
}
