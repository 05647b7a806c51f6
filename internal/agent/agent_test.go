package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/budget"
	"github.com/dohr-michael/quorum/internal/config"
	"github.com/dohr-michael/quorum/internal/consensus"
	"github.com/dohr-michael/quorum/internal/events"
	"github.com/dohr-michael/quorum/internal/store"
)

// scriptedDecider counts rounds and, when release is set, blocks each
// round until the test hands it an outcome.
type scriptedDecider struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan consensus.Outcome
}

func (d *scriptedDecider) Decide(ctx context.Context, _ consensus.Request) (consensus.Outcome, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.started != nil {
		d.started <- struct{}{}
	}
	if d.release != nil {
		select {
		case out := <-d.release:
			return out, nil
		case <-ctx.Done():
			return consensus.Outcome{}, ctx.Err()
		}
	}
	return orientOutcome(), nil
}

func (d *scriptedDecider) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func orientOutcome() consensus.Outcome {
	return consensus.Outcome{
		Decision: consensus.Decision{
			Kind:    action.KindOrient,
			Params:  map[string]any{"thoughts": "thinking"},
			Backers: []string{"m1"},
		},
		Rounds: 1,
	}
}

type recordingDispatcher struct {
	mu      sync.Mutex
	actions []action.Action
	notify  chan action.Action
}

func (d *recordingDispatcher) Dispatch(_ context.Context, _ Scope, act action.Action) {
	d.mu.Lock()
	d.actions = append(d.actions, act)
	d.mu.Unlock()
	if d.notify != nil {
		d.notify <- act
	}
}

// recordingProcess stands in for a parent or child agent.
type recordingProcess struct {
	mu      sync.Mutex
	stimuli []Stimulus
	notify  chan Stimulus
}

func (p *recordingProcess) Deliver(s Stimulus) bool {
	p.mu.Lock()
	p.stimuli = append(p.stimuli, s)
	p.mu.Unlock()
	if p.notify != nil {
		p.notify <- s
	}
	return true
}

func newTestEnv(t *testing.T, dec Decider, disp Dispatcher) Env {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)
	return Env{
		Store:      st,
		Bus:        bus,
		Registry:   NewRegistry(),
		Decider:    dec,
		Dispatcher: disp,
		Tracker:    budget.NewTracker(st),
		Consensus:  config.ConsensusConfig{MaxRefinementRounds: 2},
		Log:        slog.New(slog.DiscardHandler),
	}
}

func testState(models ...string) State {
	if len(models) == 0 {
		models = []string{"m1"}
	}
	return State{
		Models:   models,
		Pending:  map[string]PendingAction{},
		Children: map[string]float64{},
		Budget:   budget.NewNA(),
	}
}

func waitSignal[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestAgent_FreshAgentSeedsSystemPrompt(t *testing.T) {
	env := newTestEnv(t, &scriptedDecider{}, &recordingDispatcher{})
	a := New(env, Config{ID: "agent_fresh1", TaskID: "task_1", State: testState("m1", "m2")})

	for _, m := range []string{"m1", "m2"} {
		h := a.histories[m]
		if len(h) != 1 {
			t.Fatalf("history[%s] has %d turns, want 1", m, len(h))
		}
		if h[0].Role != schema.System {
			t.Errorf("history[%s][0].Role = %v, want system", m, h[0].Role)
		}
		if !strings.Contains(h[0].Content, "orient") {
			t.Errorf("system prompt lacks action catalog")
		}
	}
	if len(a.dirty) != 2 {
		t.Errorf("buffered %d conversation rows, want 2", len(a.dirty))
	}
}

func TestAgent_RestoredHistoriesNotReseeded(t *testing.T) {
	env := newTestEnv(t, &scriptedDecider{}, &recordingDispatcher{})
	h := map[string][]*schema.Message{
		"m1": {schema.SystemMessage("restored"), schema.UserMessage("hi")},
	}
	a := New(env, Config{ID: "agent_rest1", TaskID: "task_1", State: testState("m1"), Histories: h})

	if got := len(a.histories["m1"]); got != 2 {
		t.Fatalf("restored history has %d turns, want 2", got)
	}
	if a.histories["m1"][0].Content != "restored" {
		t.Errorf("restore rewrote the system prompt")
	}
	if len(a.dirty) != 0 {
		t.Errorf("restore buffered %d rows for persistence, want 0", len(a.dirty))
	}
}

func TestAgent_StaleWaitExpiryIgnored(t *testing.T) {
	dec := &scriptedDecider{started: make(chan struct{}, 8)}
	env := newTestEnv(t, dec, &recordingDispatcher{})
	a := New(env, Config{ID: "agent_wait1", TaskID: "task_1", State: testState("m1")})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.armTimer(action.Wait{Enabled: true, Seconds: 3600})
	ref1 := a.timerRef
	a.armTimer(action.Wait{Enabled: true, Seconds: 3600})
	ref2 := a.timerRef
	if ref1 == ref2 {
		t.Fatalf("rearming kept ref %q", ref1)
	}

	a.handleWaitExpired(ctx, WaitExpired{Ref: ref1})
	if a.timerRef != ref2 {
		t.Fatalf("stale expiry changed armed ref to %q, want %q", a.timerRef, ref2)
	}
	if a.inFlight {
		t.Fatal("stale expiry scheduled a consensus round")
	}

	a.handleWaitExpired(ctx, WaitExpired{Ref: ref2})
	if a.timerRef != "" {
		t.Fatalf("honored expiry left ref %q armed", a.timerRef)
	}
	if !a.inFlight {
		t.Fatal("live expiry did not schedule consensus")
	}
	waitSignal(t, dec.started, "consensus start")
}

func TestAgent_WaitDirectiveThenMessagePreempts(t *testing.T) {
	dec := &scriptedDecider{started: make(chan struct{}, 8)}
	env := newTestEnv(t, dec, &recordingDispatcher{})
	st := testState("m1")
	st.Pending["act_w1"] = PendingAction{
		ID:   "act_w1",
		Kind: action.KindSendMessage,
		Wait: action.Wait{Enabled: true, Seconds: 1800},
	}
	a := New(env, Config{ID: "agent_wait2", TaskID: "task_1", State: st})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.handleActionResult(ctx, ActionResult{Result: action.Result{
		ActionID: "act_w1", Kind: action.KindSendMessage, OK: true, Output: "sent",
	}})
	if a.timerRef == "" {
		t.Fatal("wait directive did not arm a timer")
	}
	if a.inFlight {
		t.Fatal("consensus scheduled despite wait directive")
	}
	if _, ok := a.state.Pending["act_w1"]; ok {
		t.Fatal("completed action still pending")
	}

	a.handleUserMessage(ctx, UserMessage{From: "user", Content: "status?"})
	if a.timerRef != "" {
		t.Fatalf("message left wait ref %q armed", a.timerRef)
	}
	if !a.inFlight {
		t.Fatal("message did not schedule consensus")
	}
}

func TestAgent_AsyncAckKeepsActionPending(t *testing.T) {
	dec := &scriptedDecider{}
	env := newTestEnv(t, dec, &recordingDispatcher{})
	st := testState("m1")
	st.Pending["act_sh1"] = PendingAction{ID: "act_sh1", Kind: action.KindExecuteShell}
	a := New(env, Config{ID: "agent_async1", TaskID: "task_1", State: st})
	ctx := context.Background()

	a.handleActionResult(ctx, ActionResult{
		Result:   action.Result{ActionID: "act_sh1", Kind: action.KindExecuteShell, OK: true, Output: "started"},
		Ack:      true,
		AsyncRef: "job_42",
	})
	p, ok := a.state.Pending["act_sh1"]
	if !ok {
		t.Fatal("ack removed the pending action")
	}
	if !p.Acked || p.AsyncRef != "job_42" {
		t.Fatalf("pending after ack = %+v, want acked with job_42", p)
	}
	if !a.inFlight {
		t.Fatal("ack with no wait directive should wake the agent")
	}

	a.handleActionResult(ctx, ActionResult{Result: action.Result{
		ActionID: "act_sh1", Kind: action.KindExecuteShell, OK: true, Output: "exit 0",
	}})
	if _, ok := a.state.Pending["act_sh1"]; ok {
		t.Fatal("final result left the action pending")
	}
}

func TestAgent_AsyncCompletionEndsIndefiniteWait(t *testing.T) {
	dec := &scriptedDecider{}
	env := newTestEnv(t, dec, &recordingDispatcher{})
	st := testState("m1")
	st.Pending["act_sh2"] = PendingAction{
		ID:   "act_sh2",
		Kind: action.KindExecuteShell,
		Wait: action.Wait{Enabled: true},
	}
	a := New(env, Config{ID: "agent_async2", TaskID: "task_1", State: st})
	ctx := context.Background()

	a.handleActionResult(ctx, ActionResult{
		Result: action.Result{ActionID: "act_sh2", Kind: action.KindExecuteShell, OK: true, Output: "started"},
		Ack:    true, AsyncRef: "job_7",
	})
	if a.timerRef == "" {
		t.Fatal("indefinite wait armed no ref")
	}
	if a.timer != nil {
		t.Fatal("indefinite wait started a firing timer")
	}
	if a.inFlight {
		t.Fatal("consensus scheduled during indefinite wait")
	}

	a.handleActionResult(ctx, ActionResult{Result: action.Result{
		ActionID: "act_sh2", Kind: action.KindExecuteShell, OK: true, Output: "exit 0",
	}})
	if a.timerRef != "" {
		t.Fatal("completion did not end the wait")
	}
	if !a.inFlight {
		t.Fatal("completion did not wake the agent")
	}
}

func TestAgent_UnknownActionResultIgnored(t *testing.T) {
	env := newTestEnv(t, &scriptedDecider{}, &recordingDispatcher{})
	a := New(env, Config{ID: "agent_unk1", TaskID: "task_1", State: testState("m1")})
	before := len(a.histories["m1"])

	a.handleActionResult(context.Background(), ActionResult{Result: action.Result{
		ActionID: "act_gone", Kind: action.KindOrient, OK: true,
	}})
	if got := len(a.histories["m1"]); got != before {
		t.Fatalf("stray result appended history: %d turns, want %d", got, before)
	}
	if a.inFlight {
		t.Fatal("stray result scheduled consensus")
	}
}

func TestAgent_SpawnResultEscrowsChildAllocation(t *testing.T) {
	env := newTestEnv(t, &scriptedDecider{}, &recordingDispatcher{})
	st := testState("m1")
	st.Budget = budget.NewAllocated(50)
	st.Pending["act_sp1"] = PendingAction{ID: "act_sp1", Kind: action.KindSpawnChild}
	a := New(env, Config{ID: "agent_sp1", TaskID: "task_1", State: st})

	a.handleActionResult(context.Background(), ActionResult{Result: action.Result{
		ActionID: "act_sp1", Kind: action.KindSpawnChild, OK: true,
		Output: "spawned agent_kid1",
		Data:   map[string]any{"child_id": "agent_kid1", "allocation": 7.5},
	}})

	if got := a.state.Children["agent_kid1"]; got != 7.5 {
		t.Errorf("child allocation = %v, want 7.5", got)
	}
	if got := a.state.Budget.Committed; got != 7.5 {
		t.Errorf("committed = %v, want 7.5", got)
	}
	if _, ok := a.state.Pending["act_sp1"]; ok {
		t.Error("spawn action still pending after result")
	}
}

func TestAgent_ChildTerminationReleasesEscrowOnce(t *testing.T) {
	env := newTestEnv(t, &scriptedDecider{}, &recordingDispatcher{})
	st := testState("m1")
	st.Budget = budget.NewAllocated(20).AddCommitted(5)
	st.Children["agent_c1"] = 5
	a := New(env, Config{ID: "agent_esc1", TaskID: "task_1", State: st})
	ctx := context.Background()

	a.handleChildTerminated(ctx, ChildTerminated{ChildID: "agent_c1", Reason: "done", Allocation: 5})
	if got := a.state.Budget.Committed; got != 0 {
		t.Fatalf("committed after release = %v, want 0", got)
	}
	if _, ok := a.state.Children["agent_c1"]; ok {
		t.Fatal("terminated child still tracked")
	}
	turns := len(a.histories["m1"])

	// A duplicate notification must not release twice or renotify.
	a.handleChildTerminated(ctx, ChildTerminated{ChildID: "agent_c1", Reason: "done", Allocation: 5})
	if got := a.state.Budget.Committed; got != 0 {
		t.Fatalf("double release drove committed to %v", got)
	}
	if got := len(a.histories["m1"]); got != turns {
		t.Fatalf("duplicate termination appended history: %d turns, want %d", got, turns)
	}
}

func TestAgent_AdjustBudgetResultRebalancesEscrow(t *testing.T) {
	env := newTestEnv(t, &scriptedDecider{}, &recordingDispatcher{})
	st := testState("m1")
	st.Budget = budget.NewAllocated(20).AddCommitted(5)
	st.Children["agent_c1"] = 5
	st.Pending["act_adj1"] = PendingAction{ID: "act_adj1", Kind: action.KindAdjustBudget}
	a := New(env, Config{ID: "agent_adj1", TaskID: "task_1", State: st})

	a.handleActionResult(context.Background(), ActionResult{Result: action.Result{
		ActionID: "act_adj1", Kind: action.KindAdjustBudget, OK: true,
		Output: "budget for agent_c1 adjusted to 2",
		Data:   map[string]any{"child_id": "agent_c1", "new": 2.0},
	}})

	if got := a.state.Children["agent_c1"]; got != 2 {
		t.Errorf("child allocation = %v, want 2", got)
	}
	if got := a.state.Budget.Committed; got != 2 {
		t.Errorf("committed = %v, want 2", got)
	}

	// A result for a child this agent does not own changes nothing.
	a.handleActionResult(context.Background(), ActionResult{Result: action.Result{
		ActionID: "act_ghost", Kind: action.KindAdjustBudget, OK: true,
		Data: map[string]any{"child_id": "agent_stranger", "new": 9.0},
	}})
	if got := a.state.Budget.Committed; got != 2 {
		t.Errorf("committed after foreign child result = %v, want 2", got)
	}
}

func TestAgent_TodoResultReplacesList(t *testing.T) {
	env := newTestEnv(t, &scriptedDecider{}, &recordingDispatcher{})
	st := testState("m1")
	st.Todos = []Todo{{Content: "old", State: "done"}}
	st.Pending["act_td1"] = PendingAction{ID: "act_td1", Kind: action.KindTodo}
	a := New(env, Config{ID: "agent_td1", TaskID: "task_1", State: st})

	a.handleActionResult(context.Background(), ActionResult{Result: action.Result{
		ActionID: "act_td1", Kind: action.KindTodo, OK: true, Output: "updated",
		Data: map[string]any{"items": []any{
			map[string]any{"content": "draft", "state": "pending"},
			map[string]any{"content": "ship", "state": "todo"},
		}},
	}})

	want := []Todo{{Content: "draft", State: "pending"}, {Content: "ship", State: "todo"}}
	if len(a.state.Todos) != len(want) {
		t.Fatalf("todos = %+v, want %+v", a.state.Todos, want)
	}
	for i := range want {
		if a.state.Todos[i] != want[i] {
			t.Errorf("todos[%d] = %+v, want %+v", i, a.state.Todos[i], want[i])
		}
	}
}

func TestAgent_BudgetAdjustedTakesNewAllocation(t *testing.T) {
	env := newTestEnv(t, &scriptedDecider{}, &recordingDispatcher{})
	st := testState("m1")
	st.Budget = budget.NewAllocated(10)
	a := New(env, Config{ID: "agent_adj1", TaskID: "task_1", State: st})

	a.handleBudgetAdjusted(context.Background(), BudgetAdjusted{NewAllocated: 25})
	if got := *a.state.Budget.Allocated; got != 25 {
		t.Errorf("allocated = %v, want 25", got)
	}
	if !a.inFlight {
		t.Error("budget adjustment did not wake the agent")
	}
	h := a.histories["m1"]
	if last := h[len(h)-1]; !strings.Contains(last.Content, "budget adjusted") {
		t.Errorf("last turn = %q, want budget notice", last.Content)
	}
}

func TestAgent_PeerMessagePrefixedWithSender(t *testing.T) {
	env := newTestEnv(t, &scriptedDecider{}, &recordingDispatcher{})
	a := New(env, Config{ID: "agent_msg1", TaskID: "task_1", State: testState("m1")})
	ctx := context.Background()

	a.handleUserMessage(ctx, UserMessage{From: "agent_peer1", Content: "done"})
	h := a.histories["m1"]
	if got := h[len(h)-1].Content; got != "[from agent_peer1] done" {
		t.Errorf("peer turn = %q, want sender prefix", got)
	}

	a.handleUserMessage(ctx, UserMessage{From: "user", Content: "thanks"})
	h = a.histories["m1"]
	if got := h[len(h)-1].Content; got != "thanks" {
		t.Errorf("user turn = %q, want bare content", got)
	}
}

func TestAgent_ConsensusLatchCollapsesBurst(t *testing.T) {
	dec := &scriptedDecider{
		started: make(chan struct{}, 8),
		release: make(chan consensus.Outcome),
	}
	disp := &recordingDispatcher{notify: make(chan action.Action, 8)}
	env := newTestEnv(t, dec, disp)
	a := New(env, Config{ID: "agent_burst1", TaskID: "task_1", State: testState("m1")})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	a.Deliver(UserMessage{From: "user", Content: "go"})
	waitSignal(t, dec.started, "first round")

	// Two stimuli during the round; the mailbox orders them ahead of the
	// round's completion, so they collapse into one follow-up round.
	a.Deliver(UserMessage{From: "user", Content: "more"})
	a.Deliver(UserMessage{From: "user", Content: "and more"})
	dec.release <- orientOutcome()

	waitSignal(t, disp.notify, "first dispatch")
	waitSignal(t, dec.started, "follow-up round")
	dec.release <- orientOutcome()
	waitSignal(t, disp.notify, "second dispatch")

	time.Sleep(50 * time.Millisecond)
	if got := dec.count(); got != 2 {
		t.Fatalf("consensus ran %d rounds, want 2", got)
	}
}

func TestAgent_TerminateCascadesAndNotifiesParent(t *testing.T) {
	dec := &scriptedDecider{}
	env := newTestEnv(t, dec, &recordingDispatcher{})

	parent := &recordingProcess{notify: make(chan Stimulus, 4)}
	child := &recordingProcess{notify: make(chan Stimulus, 4)}
	if err := env.Registry.Register(&Handle{ID: "agent_par1", TaskID: "task_1", proc: parent}); err != nil {
		t.Fatalf("register parent: %v", err)
	}
	if err := env.Registry.Register(&Handle{ID: "agent_kid1", TaskID: "task_1", ParentID: "agent_mid1", proc: child}); err != nil {
		t.Fatalf("register child: %v", err)
	}

	lifecycle := make(chan events.Event, 8)
	env.Bus.Subscribe(events.TopicLifecycle, func(e events.Event) { lifecycle <- e })

	st := testState("m1")
	st.Budget = budget.NewAllocated(12)
	st.Children["agent_kid1"] = 3
	a := New(env, Config{ID: "agent_mid1", TaskID: "task_1", ParentID: "agent_par1", State: st})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	a.Deliver(Terminate{Reason: "done"})
	select {
	case <-a.done:
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}

	if _, ok := env.Registry.Get("agent_mid1"); ok {
		t.Error("terminated agent still registered")
	}
	if a.Deliver(UserMessage{From: "user", Content: "late"}) {
		t.Error("Deliver accepted a stimulus after stop")
	}

	got := waitSignal(t, child.notify, "child terminate")
	term, ok := got.(Terminate)
	if !ok || term.Reason != "done" {
		t.Errorf("child received %+v, want Terminate done", got)
	}

	got = waitSignal(t, parent.notify, "parent notification")
	ct, ok := got.(ChildTerminated)
	if !ok {
		t.Fatalf("parent received %T, want ChildTerminated", got)
	}
	if ct.ChildID != "agent_mid1" || ct.Allocation != 12 {
		t.Errorf("parent notified %+v, want agent_mid1 with allocation 12", ct)
	}

	for {
		e := waitSignal(t, lifecycle, "terminated lifecycle event")
		if at, ok := e.Payload.(events.AgentTerminated); ok {
			if at.AgentID != "agent_mid1" || at.Reason != "done" {
				t.Errorf("terminated event = %+v", at)
			}
			break
		}
	}
}

func TestWaitRefProperties(t *testing.T) {
	env := newTestEnv(t, &scriptedDecider{}, &recordingDispatcher{})
	ctx := context.Background()

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("only the latest ref wakes the agent", prop.ForAll(
		func(rearms int) bool {
			a := New(env, Config{ID: NewID(), TaskID: "task_p", State: testState("m1")})
			refs := make([]string, 0, rearms)
			for i := 0; i < rearms; i++ {
				a.armTimer(action.Wait{Enabled: true, Seconds: 3600})
				refs = append(refs, a.timerRef)
			}
			for _, ref := range refs[:len(refs)-1] {
				a.handleWaitExpired(ctx, WaitExpired{Ref: ref})
				if a.inFlight || a.timerRef != refs[len(refs)-1] {
					return false
				}
			}
			a.handleWaitExpired(ctx, WaitExpired{Ref: refs[len(refs)-1]})
			return a.inFlight && a.timerRef == ""
		},
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}
