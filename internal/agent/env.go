package agent

import (
	"context"
	"log/slog"

	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/budget"
	"github.com/dohr-michael/quorum/internal/config"
	"github.com/dohr-michael/quorum/internal/consensus"
	"github.com/dohr-michael/quorum/internal/events"
	"github.com/dohr-michael/quorum/internal/store"
)

// Decider runs one consensus decision. Implemented by consensus.Engine.
type Decider interface {
	Decide(ctx context.Context, req consensus.Request) (consensus.Outcome, error)
}

// Dispatcher executes one decided action in an isolated executor. It must
// never block the caller: results come back through the owner's mailbox.
type Dispatcher interface {
	Dispatch(ctx context.Context, scope Scope, act action.Action)
}

// LessonSource feeds the <lessons> envelope. Nil disables lessons.
type LessonSource interface {
	Relevant(ctx context.Context, query string) (string, error)
}

// Env is the immutable collaborator set threaded to every agent at
// creation. Tests build a fresh Env per case; nothing here is global.
type Env struct {
	Store      *store.Store
	Bus        *events.Bus
	Registry   *Registry
	Decider    Decider
	Dispatcher Dispatcher
	Tracker    *budget.Tracker
	Lessons    LessonSource
	Profiles   map[string]config.ProfileConfig
	Consensus  config.ConsensusConfig
	Log        *slog.Logger
}

// MaxRefinement resolves the refinement round budget for a profile,
// falling back to the consensus default.
func (e Env) MaxRefinement(profile string) int {
	if p, ok := e.Profiles[profile]; ok && p.MaxRefinementRounds != nil {
		return *p.MaxRefinementRounds
	}
	return e.Consensus.MaxRefinementRounds
}

// Scope is the per-action snapshot handed to the dispatcher: identity,
// budget position, and grants at decision time.
type Scope struct {
	AgentID      string
	TaskID       string
	ParentID     string
	Profile      string
	Owner        Process
	Budget       budget.Budget
	Spent        float64
	Capabilities []string
	Models       []string
	Children     []string
}
