package budget

import (
	"context"

	"github.com/dohr-michael/quorum/internal/fault"
)

// Status classifies how much headroom an agent has left.
type Status string

const (
	StatusOK         Status = "ok"
	StatusWarning    Status = "warning"
	StatusOverBudget Status = "over_budget"
	StatusNA         Status = "na"
)

// warningFraction is the remaining share of the allocation at which the
// status degrades to warning.
const warningFraction = 0.20

// CostSource sums an agent's recorded costs. Cost records are append-only;
// spend is always derived, never stored on the budget itself.
type CostSource interface {
	SumCosts(ctx context.Context, agentID string) (float64, error)
}

// Tracker answers derived budget queries against recorded costs.
type Tracker struct {
	costs CostSource
}

func NewTracker(costs CostSource) *Tracker {
	return &Tracker{costs: costs}
}

// GetSpent returns the agent's total recorded spend.
func (t *Tracker) GetSpent(ctx context.Context, agentID string) (float64, error) {
	return t.costs.SumCosts(ctx, agentID)
}

// StatusOf resolves the agent's current status from stored costs.
func (t *Tracker) StatusOf(ctx context.Context, agentID string, b Budget) (Status, error) {
	spent, err := t.GetSpent(ctx, agentID)
	if err != nil {
		return StatusNA, err
	}
	return StatusFor(b, spent), nil
}

// Available computes allocated − spent − committed. The second return is
// false when the budget is unlimited and no number applies.
func Available(b Budget, spent float64) (float64, bool) {
	if b.Unlimited() {
		return 0, false
	}
	return *b.Allocated - spent - b.Committed, true
}

// StatusFor classifies headroom: over_budget at available ≤ 0, warning
// when at most a fifth of the allocation remains.
func StatusFor(b Budget, spent float64) Status {
	available, ok := Available(b, spent)
	if !ok {
		return StatusNA
	}
	switch {
	case available <= 0:
		return StatusOverBudget
	case available <= *b.Allocated*warningFraction:
		return StatusWarning
	default:
		return StatusOK
	}
}

// HasAvailable reports whether required funds fit in the remaining
// headroom. Unlimited budgets always have room.
func HasAvailable(b Budget, spent, required float64) bool {
	available, ok := Available(b, spent)
	if !ok {
		return true
	}
	return available >= required
}

// ValidateDecrease rejects lowering a child's allocation below what it has
// already spent plus what it holds in escrow for its own children.
func ValidateDecrease(requested, spent, committed float64) error {
	minimum := spent + committed
	if requested < minimum {
		return fault.Escrow(spent, committed, minimum, requested)
	}
	return nil
}
