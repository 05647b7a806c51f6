package budget

import (
	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/fault"
)

// CheckAction gates one action against the agent's budget. Free kinds
// always pass. Costly kinds are blocked once the agent is over budget;
// the decision depends only on (kind, params, budget, spent).
func CheckAction(kind action.Kind, params map[string]any, b Budget, spent float64) error {
	if !action.Costly(kind, params) {
		return nil
	}
	if StatusFor(b, spent) == StatusOverBudget {
		available, _ := Available(b, spent)
		return fault.New(fault.BudgetExceeded, "%s blocked: available %.4f", kind, available).
			WithMeta(map[string]any{
				"available": available,
				"spent":     spent,
				"committed": b.Committed,
			})
	}
	return nil
}

// CheckSpawn gates a child spawn that would escrow amount from the parent.
// Stricter than CheckAction: the full amount must fit in the headroom.
func CheckSpawn(b Budget, spent, amount float64) error {
	if HasAvailable(b, spent, amount) {
		return nil
	}
	available, _ := Available(b, spent)
	return fault.New(fault.InsufficientBudget, "spawn needs %.4f, available %.4f", amount, available).
		WithMeta(map[string]any{
			"requested": amount,
			"available": available,
		})
}
