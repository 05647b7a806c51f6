package agent

import (
	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/consensus"
)

// Stimulus is one unit of mailbox input. An agent processes stimuli
// strictly in arrival order; there is no intra-agent concurrency.
type Stimulus interface {
	stimulus()
}

// UserMessage is a message from the external user or another agent,
// appended to every model's history as a user turn.
type UserMessage struct {
	From    string
	Content string
}

// ActionResult is the outcome of one dispatched action. Ack marks the
// first-result acknowledgement of an async action; the pending entry stays
// until the final result arrives with Ack false. AsyncRef carries the
// background handle on acks.
type ActionResult struct {
	Result   action.Result
	Ack      bool
	AsyncRef string
}

// WaitExpired is a wait timer firing. Ref must match the agent's currently
// armed timer or the stimulus is stale and ignored.
type WaitExpired struct {
	Ref string
}

// ChildTerminated reports a direct child going away, for escrow release.
type ChildTerminated struct {
	ChildID    string
	Reason     string
	Allocation float64
}

// CostRecorded reports new spend attributed to this agent.
type CostRecorded struct {
	Amount float64
}

// BudgetAdjusted reports the parent changing this agent's allocation.
type BudgetAdjusted struct {
	NewAllocated float64
}

// Resumed wakes an agent rebuilt from persisted state. The agent replays
// consensus over its restored history and decides whether in-flight
// actions from before the pause should be re-issued.
type Resumed struct{}

// Terminate stops the agent: persist state, cancel timers, terminate the
// child subtree, notify the parent. Reason "paused" keeps rows for resume.
type Terminate struct {
	Reason string
}

// consensusDone re-enters the mailbox when a consensus round finishes.
type consensusDone struct {
	outcome consensus.Outcome
	err     error
}

func (UserMessage) stimulus()     {}
func (ActionResult) stimulus()    {}
func (WaitExpired) stimulus()     {}
func (ChildTerminated) stimulus() {}
func (CostRecorded) stimulus()    {}
func (BudgetAdjusted) stimulus()  {}
func (Resumed) stimulus()         {}
func (Terminate) stimulus()       {}
func (consensusDone) stimulus()   {}
