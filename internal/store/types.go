package store

import (
	"encoding/json"
	"time"
)

// TaskStatus is the persistent lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskPausing   TaskStatus = "pausing"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// ValidTransition reports whether a task may move from one status to
// another: pending → running, running ↔ pausing → paused ↔ running,
// {running, pausing} → {completed, failed}, and failed → running when a
// failed task is resumed with its persisted agent tree.
func ValidTransition(from, to TaskStatus) bool {
	switch from {
	case TaskPending:
		return to == TaskRunning
	case TaskRunning:
		return to == TaskPausing || to == TaskCompleted || to == TaskFailed
	case TaskPausing:
		return to == TaskPaused || to == TaskRunning || to == TaskCompleted || to == TaskFailed
	case TaskPaused:
		return to == TaskRunning
	case TaskFailed:
		return to == TaskRunning
	}
	return false
}

// Terminal reports whether no further transition is allowed. Failed is
// not terminal: a failed task keeps its agent rows and may be resumed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted
}

// Task is one persisted task row. BudgetLimit nil means unlimited.
type Task struct {
	ID           string     `json:"id"`
	Prompt       string     `json:"prompt"`
	Status       TaskStatus `json:"status"`
	Result       string     `json:"result,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	BudgetLimit  *float64   `json:"budget_limit,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// AgentRow is one persisted agent. State is the JSON state blob the agent
// process serializes: models, capability groups, profile, conversation
// pointers, pending actions, children, todos, budget, over_budget.
type AgentRow struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	ParentID  string          `json:"parent_id,omitempty"`
	State     json.RawMessage `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ConversationEntry is one message in one model's history for an agent.
type ConversationEntry struct {
	AgentID   string    `json:"agent_id"`
	ModelID   string    `json:"model_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// CostRecord is one append-only spend entry.
type CostRecord struct {
	AgentID   string         `json:"agent_id"`
	TaskID    string         `json:"task_id"`
	Type      string         `json:"type"`
	Amount    float64        `json:"amount"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// LogEntry is one durable agent log line.
type LogEntry struct {
	AgentID   string         `json:"agent_id"`
	TaskID    string         `json:"task_id,omitempty"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// SecretRow is one vault entry. Ciphertext is the age-encrypted blob;
// plaintext never touches the database.
type SecretRow struct {
	Name        string    `json:"name"`
	Ciphertext  string    `json:"-"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SecretUsage is one audit entry written whenever a secret is resolved.
type SecretUsage struct {
	SecretName string    `json:"secret_name"`
	AgentID    string    `json:"agent_id"`
	ActionID   string    `json:"action_id,omitempty"`
	UsedAt     time.Time `json:"used_at"`
}

// Credential is a stored provider credential, matched by model id.
type Credential struct {
	Name       string    `json:"name"`
	Provider   string    `json:"provider"`
	ModelID    string    `json:"model_id,omitempty"`
	Ciphertext string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// LessonRow is one durable lesson; its embedding lives in the vector
// store keyed by ID.
type LessonRow struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id,omitempty"`
	Category  string    `json:"category,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Schedule is one recurring task definition.
type Schedule struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	CronExpr    string     `json:"cron_expr"`
	Prompt      string     `json:"prompt"`
	BudgetLimit *float64   `json:"budget_limit,omitempty"`
	Enabled     bool       `json:"enabled"`
	MaxRuns     int        `json:"max_runs,omitempty"`
	RunCount    int        `json:"run_count"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
