package action

import (
	"github.com/google/uuid"
)

// Action is one decided, dispatchable unit of work.
type Action struct {
	ID     string         `json:"id"`
	Kind   Kind           `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
	Wait   Wait           `json:"wait"`
}

// Wait is the decided wait directive attached to an action. Enabled with
// Seconds zero means wait indefinitely for an external wake.
type Wait struct {
	Enabled bool    `json:"enabled"`
	Seconds float64 `json:"seconds,omitempty"`
}

// NewID mints an action id.
func NewID() string {
	return "act_" + uuid.NewString()[:8]
}

// New builds an action with a fresh id.
func New(kind Kind, params map[string]any, wait Wait) Action {
	return Action{ID: NewID(), Kind: kind, Params: params, Wait: wait}
}

// Result is the terminal outcome of one executed action, fed back to the
// owning agent as a stimulus. Data carries structured side effects the
// agent folds into its state, such as the child id of a spawn.
type Result struct {
	ActionID string         `json:"action_id"`
	Kind     Kind           `json:"kind"`
	OK       bool           `json:"ok"`
	Output   string         `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Cost     float64        `json:"cost,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}
