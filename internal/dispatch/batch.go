package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/agent"
	"github.com/dohr-michael/quorum/internal/fault"
)

// batchExecutor interprets batch_sync and batch_async: a list of at least
// two sub-actions run through the full dispatch pipeline. Sync runs them
// in order and stops on the first error; async runs them concurrently and
// streams each completion as an acknowledgement on the batch action,
// closing with a summary.
type batchExecutor struct {
	d     *Dispatcher
	async bool
}

type subAction struct {
	kind   action.Kind
	params map[string]any
}

// Hierarchy kinds mutate parent escrow state through their result data,
// which a batch result cannot carry back. They must run standalone.
var batchExcluded = map[action.Kind]bool{
	action.KindSpawnChild:   true,
	action.KindDismissChild: true,
	action.KindAdjustBudget: true,
}

func parseBatch(act action.Action) ([]subAction, error) {
	raw, _ := act.Params["actions"].([]any)
	if len(raw) < 2 {
		return nil, fault.New(fault.InvalidParam, "batch requires at least 2 sub-actions, got %d", len(raw))
	}
	subs := make([]subAction, 0, len(raw))
	for i, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fault.New(fault.InvalidParam, "sub-action %d is not an object", i+1)
		}
		kind := action.Kind(pstr(m, "kind"))
		if !action.Batchable(kind) {
			return nil, fault.New(fault.InvalidParam, "sub-action %d: %q cannot run in a batch", i+1, kind)
		}
		if batchExcluded[kind] {
			return nil, fault.New(fault.InvalidParam, "sub-action %d: %q must run standalone", i+1, kind)
		}
		params := pmap(m, "params")
		if params == nil {
			params = map[string]any{}
		}
		subs = append(subs, subAction{kind: kind, params: params})
	}
	return subs, nil
}

func (e *batchExecutor) Execute(ctx context.Context, scope agent.Scope, act action.Action) Outcome {
	subs, err := parseBatch(act)
	if err != nil {
		return failure(act, err)
	}
	if e.async {
		return e.executeAsync(ctx, scope, act, subs)
	}
	return e.executeSync(ctx, scope, act, subs)
}

func (e *batchExecutor) executeSync(ctx context.Context, scope agent.Scope, act action.Action, subs []subAction) Outcome {
	var lines []string
	for i, sub := range subs {
		out := e.d.execute(ctx, scope, action.New(sub.kind, sub.params, action.Wait{}))
		e.settleSubCost(ctx, scope, &out)
		if !out.Result.OK {
			lines = append(lines, fmt.Sprintf("%d. [%s] error: %s", i+1, sub.kind, out.Result.Error))
			return failure(act, fault.New(fault.ActionCrashed,
				"stopped at sub-action %d of %d\n%s", i+1, len(subs), strings.Join(lines, "\n")))
		}
		lines = append(lines, fmt.Sprintf("%d. [%s] %s", i+1, sub.kind, out.Result.Output))
	}
	return success(act, strings.Join(lines, "\n"))
}

// executeAsync shares the batch's pool slot across its sub-actions;
// taking one slot per sub could deadlock a saturated pool.
func (e *batchExecutor) executeAsync(ctx context.Context, scope agent.Scope, act action.Action, subs []subAction) Outcome {
	var wg sync.WaitGroup
	results := make([]action.Result, len(subs))

	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub subAction) {
			defer wg.Done()
			out := e.d.execute(ctx, scope, action.New(sub.kind, sub.params, action.Wait{}))
			e.settleSubCost(ctx, scope, &out)
			results[i] = out.Result

			stream := Outcome{Ack: true, Result: action.Result{
				ActionID: act.ID,
				Kind:     act.Kind,
				OK:       out.Result.OK,
			}}
			if out.Result.OK {
				stream.Result.Output = fmt.Sprintf("sub-action %d/%d (%s): %s", i+1, len(subs), sub.kind, out.Result.Output)
			} else {
				stream.Result.Error = fmt.Sprintf("sub-action %d/%d (%s): %s", i+1, len(subs), sub.kind, out.Result.Error)
			}
			e.d.deliver(ctx, scope, stream)
		}(i, sub)
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if !r.OK {
			failed++
		}
	}
	summary := fmt.Sprintf("batch finished: %d/%d succeeded", len(subs)-failed, len(subs))
	if failed > 0 {
		return failure(act, fault.New(fault.ActionCrashed, "%s", summary))
	}
	return success(act, summary)
}

// settleSubCost records a sub-action's cost immediately and nudges the
// agent's budget view; the batch result itself must not carry the cost or
// it would be recorded twice at delivery.
func (e *batchExecutor) settleSubCost(ctx context.Context, scope agent.Scope, out *Outcome) {
	if out.Result.Cost <= 0 {
		return
	}
	e.d.recordCost(context.WithoutCancel(ctx), scope, out.Result)
	scope.Owner.Deliver(agent.CostRecorded{Amount: out.Result.Cost})
	out.Result.Cost = 0
}
