package dispatch

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/agent"
	"github.com/dohr-michael/quorum/internal/budget"
	"github.com/dohr-michael/quorum/internal/config"
	"github.com/dohr-michael/quorum/internal/consensus"
	"github.com/dohr-michael/quorum/internal/events"
	"github.com/dohr-michael/quorum/internal/secrets"
	"github.com/dohr-michael/quorum/internal/store"
)

// mailbox stands in for an agent process and collects what the
// dispatcher delivers.
type mailbox struct {
	mu      sync.Mutex
	stimuli []agent.Stimulus
	notify  chan agent.Stimulus
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan agent.Stimulus, 32)}
}

func (m *mailbox) Deliver(s agent.Stimulus) bool {
	m.mu.Lock()
	m.stimuli = append(m.stimuli, s)
	m.mu.Unlock()
	select {
	case m.notify <- s:
	default:
	}
	return true
}

func (m *mailbox) all() []agent.Stimulus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]agent.Stimulus(nil), m.stimuli...)
}

// awaitResult pulls stimuli until an ActionResult arrives.
func awaitResult(t *testing.T, m *mailbox) agent.ActionResult {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-m.notify:
			if r, ok := s.(agent.ActionResult); ok {
				return r
			}
		case <-deadline:
			t.Fatal("timed out waiting for an action result")
		}
	}
}

// stubDecider answers every consensus request with an orient decision,
// enough to let spawned children idle without real models.
type stubDecider struct{}

func (stubDecider) Decide(context.Context, consensus.Request) (consensus.Outcome, error) {
	return consensus.Outcome{
		Decision: consensus.Decision{
			Kind:    action.KindOrient,
			Params:  map[string]any{"thoughts": "idle"},
			Backers: []string{"m1"},
		},
		Rounds: 1,
	}, nil
}

// nopDispatcher swallows actions decided by spawned children; tests
// drive the dispatcher under test directly.
type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, agent.Scope, action.Action) {}

type rig struct {
	t     *testing.T
	d     *Dispatcher
	env   agent.Env
	store *store.Store
	bus   *events.Bus
}

func newRig(t *testing.T, cfg config.Config, svc Services) *rig {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)

	env := agent.Env{
		Store:      st,
		Bus:        bus,
		Registry:   agent.NewRegistry(),
		Decider:    stubDecider{},
		Dispatcher: nopDispatcher{},
		Tracker:    budget.NewTracker(st),
		Profiles:   map[string]config.ProfileConfig{"worker": {Models: []string{"m1"}}},
		Consensus:  config.ConsensusConfig{MaxRefinementRounds: 1},
		Log:        slog.New(slog.DiscardHandler),
	}
	d := New(cfg, svc, slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(d.Close)
	d.Bind(ctx, env)
	return &rig{t: t, d: d, env: env, store: st, bus: bus}
}

func (r *rig) scope(owner agent.Process) agent.Scope {
	return agent.Scope{
		AgentID: "agent_disp1",
		TaskID:  "task_disp1",
		Owner:   owner,
		Budget:  budget.NewNA(),
		Models:  []string{"m1"},
	}
}

func TestDispatch_UnknownKind(t *testing.T) {
	r := newRig(t, config.Config{}, Services{})
	owner := newMailbox()

	r.d.Dispatch(context.Background(), r.scope(owner), action.New("teleport", nil, action.Wait{}))

	res := awaitResult(t, owner)
	if res.Result.OK {
		t.Fatal("unknown kind must fail")
	}
	if !strings.Contains(res.Result.Error, "unknown action kind") {
		t.Errorf("error = %q, want unknown action kind", res.Result.Error)
	}
}

func TestDispatch_CapabilityForbidden(t *testing.T) {
	r := newRig(t, config.Config{}, Services{})
	owner := newMailbox()
	scope := r.scope(owner)
	scope.Capabilities = []string{"files"}

	act := action.New(action.KindExecuteShell, map[string]any{"command": "echo hi"}, action.Wait{})
	r.d.Dispatch(context.Background(), scope, act)

	res := awaitResult(t, owner)
	if res.Result.OK {
		t.Fatal("gated kind must fail without its capability group")
	}
	if !strings.Contains(res.Result.Error, "forbidden") {
		t.Errorf("error = %q, want forbidden", res.Result.Error)
	}
}

func TestDispatch_CostlyBlockedWhenOverBudget(t *testing.T) {
	r := newRig(t, config.Config{}, Services{})
	owner := newMailbox()
	scope := r.scope(owner)
	scope.Budget = budget.NewAllocated(10)
	scope.Spent = 15

	// The gate fires before the executor, so the unreachable URL is
	// never dialed.
	act := action.New(action.KindFetchWeb, map[string]any{"url": "http://127.0.0.1:1/"}, action.Wait{})
	r.d.Dispatch(context.Background(), scope, act)

	res := awaitResult(t, owner)
	if res.Result.OK {
		t.Fatal("costly action must be blocked over budget")
	}
	if !strings.Contains(res.Result.Error, "budget_exceeded") {
		t.Errorf("error = %q, want budget_exceeded", res.Result.Error)
	}
}

func TestDispatch_FreeKindsPassBudgetGate(t *testing.T) {
	r := newRig(t, config.Config{}, Services{})
	owner := newMailbox()
	scope := r.scope(owner)
	scope.Budget = budget.NewAllocated(10)
	scope.Spent = 15

	act := action.New(action.KindOrient, map[string]any{"thoughts": "still thinking"}, action.Wait{})
	r.d.Dispatch(context.Background(), scope, act)

	res := awaitResult(t, owner)
	if !res.Result.OK {
		t.Fatalf("free action blocked: %s", res.Result.Error)
	}
}

func TestDispatch_PanicBecomesActionCrashed(t *testing.T) {
	r := newRig(t, config.Config{}, Services{})
	r.d.executors[action.KindOrient] = executorFunc(func(context.Context, agent.Scope, action.Action) Outcome {
		panic("boom")
	})
	owner := newMailbox()

	r.d.Dispatch(context.Background(), r.scope(owner), action.New(action.KindOrient, map[string]any{"thoughts": "x"}, action.Wait{}))

	res := awaitResult(t, owner)
	if res.Result.OK {
		t.Fatal("panicking executor must fail the action")
	}
	if !strings.Contains(res.Result.Error, "action_crashed") || !strings.Contains(res.Result.Error, "boom") {
		t.Errorf("error = %q, want action_crashed with panic text", res.Result.Error)
	}
}

func TestDispatch_SecretsResolvedAndScrubbed(t *testing.T) {
	vault := testVault(t)
	ctx := context.Background()
	if err := vault.vault.Set(ctx, "api_token", "tok-12345-secret", "test token", "tester"); err != nil {
		t.Fatalf("set secret: %v", err)
	}

	r := newRig(t, config.Config{}, Services{Vault: vault.vault, Resolver: secrets.NewResolver(vault.vault)})
	owner := newMailbox()

	act := action.New(action.KindOrient, map[string]any{"thoughts": "send {{SECRET:api_token}} upstream"}, action.Wait{})
	r.d.Dispatch(ctx, r.scope(owner), act)

	res := awaitResult(t, owner)
	if !res.Result.OK {
		t.Fatalf("orient failed: %s", res.Result.Error)
	}
	if strings.Contains(res.Result.Output, "tok-12345-secret") {
		t.Fatalf("plaintext secret leaked into output: %q", res.Result.Output)
	}
	if !strings.Contains(res.Result.Output, "[SECRET:api_token]") {
		t.Errorf("output = %q, want scrub marker", res.Result.Output)
	}

	usage, err := vault.vault.ListUsage(ctx, "api_token", 10)
	if err != nil {
		t.Fatalf("list usage: %v", err)
	}
	if len(usage) != 1 || usage[0].ActionID != act.ID {
		t.Errorf("usage = %+v, want one row for %s", usage, act.ID)
	}
}

func TestDispatch_FlatCostRecorded(t *testing.T) {
	cfg := config.Config{}
	cfg.Dispatch.Costs = map[string]float64{"fetch_web": 0.25}
	r := newRig(t, cfg, Services{})
	r.d.executors[action.KindFetchWeb] = executorFunc(func(_ context.Context, _ agent.Scope, act action.Action) Outcome {
		return success(act, "fetched")
	})
	owner := newMailbox()
	scope := r.scope(owner)

	costs, unsub := r.bus.SubscribeChan(events.TopicAgentCosts(scope.AgentID), 4)
	defer unsub()

	r.d.Dispatch(context.Background(), scope, action.New(action.KindFetchWeb, map[string]any{"url": "http://example.com"}, action.Wait{}))

	res := awaitResult(t, owner)
	if !res.Result.OK {
		t.Fatalf("fetch stub failed: %s", res.Result.Error)
	}
	if res.Result.Cost != 0.25 {
		t.Errorf("cost = %v, want 0.25", res.Result.Cost)
	}

	spent, err := r.env.Tracker.GetSpent(context.Background(), scope.AgentID)
	if err != nil {
		t.Fatalf("get spent: %v", err)
	}
	if spent != 0.25 {
		t.Errorf("spent = %v, want 0.25", spent)
	}

	select {
	case e := <-costs:
		rec := e.Payload.(events.CostRecorded)
		if rec.Amount != 0.25 || rec.Type != "action:fetch_web" {
			t.Errorf("cost event = %+v", rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no cost event published")
	}
}

func TestDispatch_RecordCostWritesTypedRow(t *testing.T) {
	r := newRig(t, config.Config{}, Services{})
	owner := newMailbox()
	scope := r.scope(owner)

	act := action.New(action.KindRecordCost, map[string]any{"cost_type": "tokens", "amount": 1.5}, action.Wait{})
	r.d.Dispatch(context.Background(), scope, act)

	res := awaitResult(t, owner)
	if !res.Result.OK {
		t.Fatalf("record_cost failed: %s", res.Result.Error)
	}
	if res.Result.Cost != 1.5 {
		t.Errorf("cost = %v, want 1.5", res.Result.Cost)
	}

	rows, err := r.store.ListCostsByTask(context.Background(), scope.TaskID)
	if err != nil {
		t.Fatalf("list costs: %v", err)
	}
	if len(rows) != 1 || rows[0].Type != "tokens" || rows[0].Amount != 1.5 {
		t.Errorf("rows = %+v, want one tokens row of 1.5", rows)
	}
}

// testVaultHandle bundles a vault with its key dir for tests.
type testVaultHandle struct {
	vault *secrets.Vault
}

func testVault(t *testing.T) *testVaultHandle {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	v, err := secrets.OpenVault(st, filepath.Join(t.TempDir(), "identity.key"))
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	return &testVaultHandle{vault: v}
}
