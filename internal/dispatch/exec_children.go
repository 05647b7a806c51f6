package dispatch

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/agent"
	"github.com/dohr-michael/quorum/internal/budget"
	"github.com/dohr-michael/quorum/internal/fault"
)

// spawnExecutor creates a child agent under the caller. The parent's
// escrow is not touched here: the parent folds the allocation into its
// committed figure when it processes the result.
type spawnExecutor struct {
	d *Dispatcher
}

func (e *spawnExecutor) Execute(ctx context.Context, scope agent.Scope, act action.Action) Outcome {
	env := e.d.env
	prompt := pstr(act.Params, "prompt")
	profile := pstr(act.Params, "profile")

	prof, ok := env.Profiles[profile]
	if !ok {
		return failure(act, fault.New(fault.InvalidParam, "unknown profile %q", profile))
	}

	childBudget := budget.NewNA()
	var alloc float64
	if amount, present := pnum(act.Params, "budget"); present {
		if amount <= 0 {
			return failure(act, fault.New(fault.InvalidParam, "budget must be positive, got %.4f", amount))
		}
		if err := budget.CheckSpawn(scope.Budget, scope.Spent, amount); err != nil {
			return failure(act, err)
		}
		childBudget = budget.NewAllocated(amount)
		alloc = amount
	}

	models := pstrs(act.Params, "models")
	if len(models) == 0 {
		models = prof.Models
	}
	if len(models) == 0 {
		models = scope.Models
	}

	caps := pstrs(act.Params, "capability_groups")
	if len(caps) == 0 {
		caps = prof.CapabilityGroups
	}
	if len(caps) == 0 {
		caps = scope.Capabilities
	}
	// Grants only narrow going down the tree.
	if len(scope.Capabilities) > 0 {
		var over []string
		for _, c := range caps {
			if !slices.Contains(scope.Capabilities, c) {
				over = append(over, c)
			}
		}
		if len(over) > 0 {
			return failure(act, fault.New(fault.Forbidden,
				"capability groups %s exceed the caller's grants", strings.Join(over, ", ")))
		}
	}

	child := agent.New(env, agent.Config{
		ID:       agent.NewID(),
		TaskID:   scope.TaskID,
		ParentID: scope.AgentID,
		Task:     prompt,
		State: agent.State{
			Models:       models,
			Capabilities: caps,
			Profile:      profile,
			Budget:       childBudget,
		},
	})
	if err := child.Start(e.d.base); err != nil {
		return failure(act, fault.Wrap(fault.ActionCrashed, err, "spawn_child: start"))
	}
	child.Deliver(agent.UserMessage{From: scope.AgentID, Content: prompt})

	output := fmt.Sprintf("spawned child %s (profile %s)", child.ID(), profile)
	if alloc > 0 {
		output += fmt.Sprintf(", allocated %.4f", alloc)
	}
	return successData(act, output, map[string]any{
		"child_id":   child.ID(),
		"allocation": alloc,
	})
}

// dismissExecutor signals recursive termination of one direct child.
// Escrow comes back to the parent on the child's termination stimulus,
// not here.
type dismissExecutor struct {
	d *Dispatcher
}

func (e *dismissExecutor) Execute(_ context.Context, scope agent.Scope, act action.Action) Outcome {
	childID := pstr(act.Params, "child_id")
	if !slices.Contains(scope.Children, childID) {
		return failure(act, fault.New(fault.NotFound, "%s is not a direct child of %s", childID, scope.AgentID))
	}
	reason := pstr(act.Params, "reason")
	if reason == "" {
		reason = "dismissed by parent"
	}

	h, ok := e.d.env.Registry.Get(childID)
	if !ok || !h.Deliver(agent.Terminate{Reason: reason}) {
		return success(act, fmt.Sprintf("child %s already terminated", childID))
	}
	return success(act, fmt.Sprintf("child %s dismissed; subtree termination in progress", childID))
}

// adjustBudgetExecutor reallocates one direct child. The decrease floor
// is the child's own spend plus what it has escrowed for grandchildren;
// the parent rebalances its committed figure off the result data.
type adjustBudgetExecutor struct {
	d *Dispatcher
}

func (e *adjustBudgetExecutor) Execute(ctx context.Context, scope agent.Scope, act action.Action) Outcome {
	childID := pstr(act.Params, "child_id")
	if !slices.Contains(scope.Children, childID) {
		return failure(act, fault.New(fault.NotFound, "%s is not a direct child of %s", childID, scope.AgentID))
	}
	newBudget, ok := pnum(act.Params, "new_budget")
	if !ok || newBudget <= 0 {
		return failure(act, fault.New(fault.InvalidParam, "new_budget must be a positive number"))
	}

	env := e.d.env
	row, err := env.Store.GetAgent(ctx, childID)
	if err != nil {
		return failure(act, err)
	}
	childState, err := agent.UnmarshalState(row.State)
	if err != nil {
		return failure(act, err)
	}
	spent, err := env.Tracker.GetSpent(ctx, childID)
	if err != nil {
		return failure(act, err)
	}
	if err := budget.ValidateDecrease(newBudget, spent, childState.Budget.Committed); err != nil {
		return failure(act, err)
	}

	h, ok := env.Registry.Get(childID)
	if !ok || !h.Deliver(agent.BudgetAdjusted{NewAllocated: newBudget}) {
		return failure(act, fault.New(fault.NotFound, "child %s is not running", childID))
	}
	return successData(act,
		fmt.Sprintf("child %s budget adjusted to %.4f", childID, newBudget),
		map[string]any{"child_id": childID, "new": newBudget})
}
