// Package budget implements hierarchical cost accounting: an allocation
// per agent, escrow committed to live children, spend derived from cost
// records, and the enforcement gate costly actions must pass.
package budget

import (
	"encoding/json"
	"fmt"
)

// Mode says where an agent's allocation came from.
type Mode string

const (
	// ModeRoot is the task's root agent, funded by the task budget limit.
	ModeRoot Mode = "root"
	// ModeAllocated is a child funded by escrow from its parent.
	ModeAllocated Mode = "allocated"
	// ModeNA is an unlimited agent; every check passes.
	ModeNA Mode = "na"
)

// Budget is the pure accounting state carried in the agent state blob.
// Allocated nil means unlimited. Committed is the escrow currently held
// for live children and never goes negative.
type Budget struct {
	Allocated *float64 `json:"allocated"`
	Committed float64  `json:"committed"`
	Mode      Mode     `json:"mode"`
}

// NewRoot funds a root agent from the task budget limit.
func NewRoot(limit float64) Budget {
	return Budget{Allocated: &limit, Mode: ModeRoot}
}

// NewAllocated funds a child from parent escrow.
func NewAllocated(amount float64) Budget {
	return Budget{Allocated: &amount, Mode: ModeAllocated}
}

// NewNA is the unlimited budget used when a task has no limit.
func NewNA() Budget {
	return Budget{Mode: ModeNA}
}

// Unlimited reports whether no accounting applies.
func (b Budget) Unlimited() bool {
	return b.Mode == ModeNA || b.Allocated == nil
}

// AddCommitted escrows amount for a child.
func (b Budget) AddCommitted(amount float64) Budget {
	b.Committed += amount
	return b
}

// ReleaseCommitted returns escrow after a child terminated. Clamped at
// zero so double releases or stale amounts cannot drive committed negative.
func (b Budget) ReleaseCommitted(amount float64) Budget {
	b.Committed -= amount
	if b.Committed < 0 {
		b.Committed = 0
	}
	return b
}

// WithAllocated returns a copy with a new allocation.
func (b Budget) WithAllocated(amount float64) Budget {
	b.Allocated = &amount
	return b
}

// Serialize encodes b for the agent state blob.
func (b Budget) Serialize() ([]byte, error) {
	return json.Marshal(b)
}

// Deserialize decodes a budget and rejects unknown modes.
func Deserialize(data []byte) (Budget, error) {
	var b Budget
	if err := json.Unmarshal(data, &b); err != nil {
		return Budget{}, fmt.Errorf("decode budget: %w", err)
	}
	switch b.Mode {
	case ModeRoot, ModeAllocated, ModeNA:
	default:
		return Budget{}, fmt.Errorf("decode budget: unknown mode %q", b.Mode)
	}
	if b.Committed < 0 {
		return Budget{}, fmt.Errorf("decode budget: negative committed %v", b.Committed)
	}
	return b, nil
}
