package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/budget"
)

// PendingAction tracks one dispatched action from dispatch until its result
// lands in history. Acked marks async actions whose first acknowledgement
// arrived; AsyncRef carries their background handle.
type PendingAction struct {
	ID        string         `json:"id"`
	Kind      action.Kind    `json:"kind"`
	Params    map[string]any `json:"params,omitempty"`
	Wait      action.Wait    `json:"wait"`
	Timestamp time.Time      `json:"timestamp"`
	Acked     bool           `json:"acked,omitempty"`
	AsyncRef  string         `json:"async_ref,omitempty"`
}

// Todo is one item of the agent's wholesale-replaced todo list.
type Todo struct {
	Content string `json:"content"`
	State   string `json:"state"`
}

// State is the mutable agent state blob, serialized into the agent row.
// Children maps each live child to the allocation escrowed for it so
// release on termination is idempotent.
type State struct {
	Models       []string                 `json:"models"`
	Capabilities []string                 `json:"capability_groups,omitempty"`
	Profile      string                   `json:"profile,omitempty"`
	Pending      map[string]PendingAction `json:"pending_actions,omitempty"`
	Children     map[string]float64       `json:"children,omitempty"`
	Todos        []Todo                   `json:"todos,omitempty"`
	Budget       budget.Budget            `json:"budget_data"`
	OverBudget   bool                     `json:"over_budget,omitempty"`
}

// Marshal serializes the state blob.
func (s State) Marshal() (json.RawMessage, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal agent state: %w", err)
	}
	return data, nil
}

// UnmarshalState restores a state blob.
func UnmarshalState(data json.RawMessage) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("unmarshal agent state: %w", err)
	}
	if s.Pending == nil {
		s.Pending = make(map[string]PendingAction)
	}
	if s.Children == nil {
		s.Children = make(map[string]float64)
	}
	return s, nil
}

// HasCapability reports whether the agent may execute actions of the given
// capability group. An empty capability set grants everything.
func (s State) HasCapability(group string) bool {
	if len(s.Capabilities) == 0 {
		return true
	}
	for _, c := range s.Capabilities {
		if c == group {
			return true
		}
	}
	return false
}

// Permitted reports whether the agent may execute the action kind at all.
func (s State) Permitted(k action.Kind) bool {
	group, gated := action.RequiredGroup(k)
	if !gated {
		return true
	}
	return s.HasCapability(group)
}

// NewID mints an agent id.
func NewID() string {
	return "agent_" + uuid.NewString()[:8]
}

// NewTimerRef mints a wait timer reference.
func NewTimerRef() string {
	return "tmr_" + uuid.NewString()[:8]
}
