package dispatch

import (
	"context"
	"strings"
	"testing"

	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/agent"
	"github.com/dohr-michael/quorum/internal/budget"
	"github.com/dohr-michael/quorum/internal/config"
	"github.com/dohr-michael/quorum/internal/store"
)

func TestSpawnChild_RegistersAndEscrows(t *testing.T) {
	r := newRig(t, config.Config{}, Services{})
	owner := newMailbox()
	scope := r.scope(owner)
	scope.Budget = budget.NewAllocated(10)

	act := action.New(action.KindSpawnChild, map[string]any{
		"prompt":  "summarize the report",
		"profile": "worker",
		"budget":  4.0,
	}, action.Wait{})
	r.d.Dispatch(context.Background(), scope, act)

	res := awaitResult(t, owner)
	if !res.Result.OK {
		t.Fatalf("spawn failed: %s", res.Result.Error)
	}
	childID, _ := res.Result.Data["child_id"].(string)
	if childID == "" {
		t.Fatal("result carries no child_id")
	}
	if alloc, _ := res.Result.Data["allocation"].(float64); alloc != 4.0 {
		t.Errorf("allocation = %v, want 4", res.Result.Data["allocation"])
	}

	h, ok := r.env.Registry.Get(childID)
	if !ok {
		t.Fatalf("child %s not registered", childID)
	}
	if h.ParentID != scope.AgentID || h.TaskID != scope.TaskID {
		t.Errorf("handle = %+v, want parent %s task %s", h, scope.AgentID, scope.TaskID)
	}

	row, err := r.store.GetAgent(context.Background(), childID)
	if err != nil {
		t.Fatalf("child row: %v", err)
	}
	st, err := agent.UnmarshalState(row.State)
	if err != nil {
		t.Fatalf("child state: %v", err)
	}
	if st.Budget.Allocated == nil || *st.Budget.Allocated != 4.0 {
		t.Errorf("child budget = %+v, want allocated 4", st.Budget)
	}
	if st.Profile != "worker" {
		t.Errorf("child profile = %q", st.Profile)
	}
}

func TestSpawnChild_InsufficientBudget(t *testing.T) {
	r := newRig(t, config.Config{}, Services{})
	owner := newMailbox()
	scope := r.scope(owner)
	scope.Budget = budget.NewAllocated(10)
	scope.Spent = 7

	act := action.New(action.KindSpawnChild, map[string]any{
		"prompt":  "do the thing",
		"profile": "worker",
		"budget":  5.0,
	}, action.Wait{})
	r.d.Dispatch(context.Background(), scope, act)

	res := awaitResult(t, owner)
	if res.Result.OK || !strings.Contains(res.Result.Error, "insufficient_budget") {
		t.Errorf("result = %+v, want insufficient_budget", res.Result)
	}
	if r.env.Registry.Len() != 0 {
		t.Error("no child may be registered on a failed spawn")
	}
}

func TestSpawnChild_UnknownProfile(t *testing.T) {
	r := newRig(t, config.Config{}, Services{})
	owner := newMailbox()

	act := action.New(action.KindSpawnChild, map[string]any{
		"prompt":  "x",
		"profile": "astronaut",
	}, action.Wait{})
	r.d.Dispatch(context.Background(), r.scope(owner), act)

	res := awaitResult(t, owner)
	if res.Result.OK || !strings.Contains(res.Result.Error, "unknown profile") {
		t.Errorf("result = %+v, want unknown profile", res.Result)
	}
}

func TestSpawnChild_CapabilityEscalationForbidden(t *testing.T) {
	r := newRig(t, config.Config{}, Services{})
	owner := newMailbox()
	scope := r.scope(owner)
	scope.Capabilities = []string{"hierarchy", "files"}

	act := action.New(action.KindSpawnChild, map[string]any{
		"prompt":            "x",
		"profile":           "worker",
		"capability_groups": []any{"files", "shell"},
	}, action.Wait{})
	r.d.Dispatch(context.Background(), scope, act)

	res := awaitResult(t, owner)
	if res.Result.OK {
		t.Fatal("child must not gain groups the parent lacks")
	}
	if !strings.Contains(res.Result.Error, "shell") {
		t.Errorf("error = %q, want offending group named", res.Result.Error)
	}
}

func TestSpawnChild_InheritsParentScope(t *testing.T) {
	r := newRig(t, config.Config{}, Services{})
	r.env.Profiles["bare"] = config.ProfileConfig{}
	owner := newMailbox()
	scope := r.scope(owner)
	scope.Models = []string{"m7"}
	scope.Capabilities = []string{"hierarchy", "web"}

	act := action.New(action.KindSpawnChild, map[string]any{
		"prompt":  "inherit everything",
		"profile": "bare",
	}, action.Wait{})
	r.d.Dispatch(context.Background(), scope, act)

	res := awaitResult(t, owner)
	if !res.Result.OK {
		t.Fatalf("spawn failed: %s", res.Result.Error)
	}
	childID, _ := res.Result.Data["child_id"].(string)
	row, err := r.store.GetAgent(context.Background(), childID)
	if err != nil {
		t.Fatalf("child row: %v", err)
	}
	st, _ := agent.UnmarshalState(row.State)
	if len(st.Models) != 1 || st.Models[0] != "m7" {
		t.Errorf("child models = %v, want [m7]", st.Models)
	}
	if len(st.Capabilities) != 2 {
		t.Errorf("child capabilities = %v, want parent's", st.Capabilities)
	}
	if !st.Budget.Unlimited() {
		t.Errorf("child budget = %+v, want unlimited when none requested", st.Budget)
	}
}

func TestDismissChild(t *testing.T) {
	r := newRig(t, config.Config{}, Services{})
	owner := newMailbox()
	child := newMailbox()
	r.env.Registry.Register(agent.NewHandle("agent_kid", "task_disp1", "agent_disp1", child))

	scope := r.scope(owner)
	scope.Children = []string{"agent_kid"}

	act := action.New(action.KindDismissChild, map[string]any{
		"child_id": "agent_kid",
		"reason":   "done with you",
	}, action.Wait{})
	r.d.Dispatch(context.Background(), scope, act)

	res := awaitResult(t, owner)
	if !res.Result.OK {
		t.Fatalf("dismiss failed: %s", res.Result.Error)
	}

	stimuli := child.all()
	if len(stimuli) != 1 {
		t.Fatalf("child stimuli = %d, want 1", len(stimuli))
	}
	term, ok := stimuli[0].(agent.Terminate)
	if !ok || term.Reason != "done with you" {
		t.Errorf("stimulus = %+v, want Terminate with reason", stimuli[0])
	}
}

func TestDismissChild_NotAChild(t *testing.T) {
	r := newRig(t, config.Config{}, Services{})
	owner := newMailbox()
	stranger := newMailbox()
	r.env.Registry.Register(agent.NewHandle("agent_stranger", "task_disp1", "agent_other", stranger))

	act := action.New(action.KindDismissChild, map[string]any{
		"child_id": "agent_stranger",
	}, action.Wait{})
	r.d.Dispatch(context.Background(), r.scope(owner), act)

	res := awaitResult(t, owner)
	if res.Result.OK || !strings.Contains(res.Result.Error, "not a direct child") {
		t.Errorf("result = %+v, want direct-child rejection", res.Result)
	}
	if len(stranger.all()) != 0 {
		t.Error("stranger must not receive a terminate")
	}
}

func TestAdjustBudget(t *testing.T) {
	r := newRig(t, config.Config{}, Services{})
	ctx := context.Background()
	owner := newMailbox()
	child := newMailbox()
	r.env.Registry.Register(agent.NewHandle("agent_kid", "task_disp1", "agent_disp1", child))

	childState := agent.State{Models: []string{"m1"}, Budget: budget.NewAllocated(10).AddCommitted(2)}
	blob, err := childState.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if err := r.store.SaveAgent(ctx, store.AgentRow{ID: "agent_kid", TaskID: "task_disp1", ParentID: "agent_disp1", State: blob}); err != nil {
		t.Fatal(err)
	}
	if err := r.store.AppendCost(ctx, store.CostRecord{AgentID: "agent_kid", TaskID: "task_disp1", Type: "llm", Amount: 3}); err != nil {
		t.Fatal(err)
	}

	scope := r.scope(owner)
	scope.Children = []string{"agent_kid"}

	// Floor is spent 3 + committed 2 = 5.
	act := action.New(action.KindAdjustBudget, map[string]any{
		"child_id":   "agent_kid",
		"new_budget": 4.0,
	}, action.Wait{})
	r.d.Dispatch(ctx, scope, act)

	res := awaitResult(t, owner)
	if res.Result.OK || !strings.Contains(res.Result.Error, "would_violate_escrow") {
		t.Errorf("result = %+v, want would_violate_escrow", res.Result)
	}
	if len(child.all()) != 0 {
		t.Fatal("child must not be adjusted on a rejected decrease")
	}

	act = action.New(action.KindAdjustBudget, map[string]any{
		"child_id":   "agent_kid",
		"new_budget": 6.0,
	}, action.Wait{})
	r.d.Dispatch(ctx, scope, act)

	res = awaitResult(t, owner)
	if !res.Result.OK {
		t.Fatalf("adjust failed: %s", res.Result.Error)
	}
	if res.Result.Data["child_id"] != "agent_kid" || res.Result.Data["new"] != 6.0 {
		t.Errorf("data = %+v", res.Result.Data)
	}

	stimuli := child.all()
	if len(stimuli) != 1 {
		t.Fatalf("child stimuli = %d, want 1", len(stimuli))
	}
	adj, ok := stimuli[0].(agent.BudgetAdjusted)
	if !ok || adj.NewAllocated != 6.0 {
		t.Errorf("stimulus = %+v, want BudgetAdjusted 6", stimuli[0])
	}
}
