package dispatch

import (
	"context"
	"fmt"

	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/agent"
	"github.com/dohr-michael/quorum/internal/fault"
)

// execOrient echoes the agent's reasoning back as the action result. The
// value of an orient is the note itself landing in every model's history.
func execOrient(_ context.Context, _ agent.Scope, act action.Action) Outcome {
	return success(act, pstr(act.Params, "thoughts"))
}

// execWait acknowledges the wait; the owning agent arms the timer itself
// from the decision's wait directive when this result lands.
func execWait(_ context.Context, _ agent.Scope, act action.Action) Outcome {
	switch {
	case !act.Wait.Enabled:
		return success(act, "continuing immediately")
	case act.Wait.Seconds > 0:
		return success(act, fmt.Sprintf("waiting %.0f seconds", act.Wait.Seconds))
	default:
		return success(act, "waiting for an external wake")
	}
}

// execTodo passes the replacement list through; the agent folds it into
// state and publishes the todos event.
func execTodo(_ context.Context, _ agent.Scope, act action.Action) Outcome {
	items, _ := act.Params["items"].([]any)
	return successData(act,
		fmt.Sprintf("todo list updated, %d items", len(items)),
		map[string]any{"items": items})
}

// execRecordCost reports external spend. The dispatcher owns the durable
// cost row and the cost_recorded events; this executor only shapes the
// result that carries the amount.
func execRecordCost(_ context.Context, _ agent.Scope, act action.Action) Outcome {
	amount, _ := pnum(act.Params, "amount")
	if amount <= 0 {
		return failure(act, fault.New(fault.InvalidParam, "amount must be positive, got %v", act.Params["amount"]))
	}
	costType := pstr(act.Params, "cost_type")
	data := map[string]any{"cost_type": costType}
	if meta := pmap(act.Params, "metadata"); meta != nil {
		data["cost_metadata"] = meta
	}
	out := successData(act, fmt.Sprintf("recorded %.4f as %s", amount, costType), data)
	out.Result.Cost = amount
	return out
}
