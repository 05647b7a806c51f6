// Package agent implements the per-agent state machine: a single-writer
// goroutine that owns one agent's conversation histories, pending actions,
// children, todos, and budget, receives stimuli through a mailbox, and
// drives consensus rounds and action dispatch. Agents form a tree; parent
// and child reference each other by id through the injected registry.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/budget"
	"github.com/dohr-michael/quorum/internal/consensus"
	"github.com/dohr-michael/quorum/internal/events"
	"github.com/dohr-michael/quorum/internal/store"
)

const mailboxSize = 64

// Config seeds a new or restored agent.
type Config struct {
	ID       string
	TaskID   string
	ParentID string
	Task     string // prompt shown in lifecycle events
	State    State
	// Histories restores prior conversations; nil starts fresh ones
	// seeded with the system prompt.
	Histories map[string][]*schema.Message
}

// Agent is one supervised, single-writer agent process.
type Agent struct {
	id       string
	taskID   string
	parentID string
	task     string
	env      Env
	log      *slog.Logger

	state     State
	histories map[string][]*schema.Message
	dirty     []store.ConversationEntry

	mailbox chan Stimulus
	done    chan struct{}

	// consensus latch: one round in flight, rerun collapses stimuli that
	// arrived during it into one follow-up round
	inFlight bool
	rerun    bool

	timerRef string
	timer    *time.Timer
}

// New builds an agent from config. Call Start to register and run it.
func New(env Env, cfg Config) *Agent {
	log := env.Log
	if log == nil {
		log = slog.Default()
	}

	a := &Agent{
		id:        cfg.ID,
		taskID:    cfg.TaskID,
		parentID:  cfg.ParentID,
		task:      cfg.Task,
		env:       env,
		log:       log.With(slog.String("agent_id", cfg.ID)),
		state:     cfg.State,
		histories: cfg.Histories,
		mailbox:   make(chan Stimulus, mailboxSize),
		done:      make(chan struct{}),
	}
	if a.state.Pending == nil {
		a.state.Pending = make(map[string]PendingAction)
	}
	if a.state.Children == nil {
		a.state.Children = make(map[string]float64)
	}

	if a.histories == nil {
		a.histories = make(map[string][]*schema.Message, len(a.state.Models))
		system := BuildSystemPrompt(a.state)
		for _, m := range a.state.Models {
			a.histories[m] = []*schema.Message{schema.SystemMessage(system)}
			a.dirty = append(a.dirty, store.ConversationEntry{
				AgentID: a.id, ModelID: m, Role: "system", Content: system, CreatedAt: time.Now(),
			})
		}
	}
	return a
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.id }

// TaskID returns the owning task id.
func (a *Agent) TaskID() string { return a.taskID }

// Start registers the agent, persists its initial state, emits the
// lifecycle event, and launches the mailbox loop.
func (a *Agent) Start(ctx context.Context) error {
	handle := &Handle{ID: a.id, TaskID: a.taskID, ParentID: a.parentID, proc: a}
	if err := a.env.Registry.Register(handle); err != nil {
		return err
	}
	if err := a.persist(ctx); err != nil {
		a.env.Registry.Unregister(a.id)
		return err
	}

	blob, _ := a.state.Budget.Serialize()
	a.env.Bus.Publish(events.TopicLifecycle, events.NewAgentSpawned(a.id, a.parentID, a.taskID, a.task, blob))
	a.log.Info("agent started", slog.String("task_id", a.taskID), slog.String("profile", a.state.Profile))

	go a.run(ctx)
	return nil
}

// Deliver enqueues a stimulus. Returns false once the agent has stopped.
func (a *Agent) Deliver(s Stimulus) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.mailbox <- s:
		return true
	case <-a.done:
		return false
	}
}

func (a *Agent) run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			a.shutdown(context.WithoutCancel(ctx), "shutdown")
			return
		case s := <-a.mailbox:
			if t, ok := s.(Terminate); ok {
				a.shutdown(ctx, t.Reason)
				return
			}
			a.handle(ctx, s)
		}
	}
}

func (a *Agent) handle(ctx context.Context, s Stimulus) {
	switch st := s.(type) {
	case UserMessage:
		a.handleUserMessage(ctx, st)
	case ActionResult:
		a.handleActionResult(ctx, st)
	case WaitExpired:
		a.handleWaitExpired(ctx, st)
	case ChildTerminated:
		a.handleChildTerminated(ctx, st)
	case CostRecorded:
		a.handleCostRecorded(ctx)
	case BudgetAdjusted:
		a.handleBudgetAdjusted(ctx, st)
	case Resumed:
		a.wake(ctx)
	case consensusDone:
		a.handleConsensusDone(ctx, st)
	default:
		a.log.Warn("unknown stimulus", slog.String("type", fmt.Sprintf("%T", s)))
	}
}

func (a *Agent) handleUserMessage(ctx context.Context, m UserMessage) {
	content := m.Content
	if m.From != "" && m.From != "user" {
		content = fmt.Sprintf("[from %s] %s", m.From, m.Content)
	}
	a.appendAll("user", content)
	if err := a.persist(ctx); err != nil {
		a.log.Error("persist user message", slog.String("error", err.Error()))
	}

	a.env.Bus.Publish(events.TopicTaskMessages(a.taskID), events.Message{
		ID:          "msg_" + uuid.NewString()[:8],
		SenderID:    m.From,
		RecipientID: a.id,
		Content:     m.Content,
		At:          time.Now(),
	})

	a.wake(ctx)
}

func (a *Agent) handleActionResult(ctx context.Context, r ActionResult) {
	res := r.Result
	p, known := a.state.Pending[res.ActionID]
	if !known {
		a.log.Debug("result for unknown action", slog.String("action_id", res.ActionID))
		return
	}
	wasAcked := p.Acked

	a.appendAll("tool", renderResult(res))
	a.applyResultEffects(ctx, res)

	if r.Ack {
		p.Acked = true
		p.AsyncRef = r.AsyncRef
		a.state.Pending[res.ActionID] = p
	} else {
		delete(a.state.Pending, res.ActionID)
	}

	if res.Cost > 0 {
		a.recomputeOverBudget(ctx)
	}

	if err := a.persist(ctx); err != nil {
		a.log.Error("persist action result", slog.String("error", err.Error()))
	}

	// Announced only after children and state are durable.
	a.env.Bus.Publish(events.TopicActions, events.ActionCompleted{
		AgentID:       a.id,
		ActionID:      res.ActionID,
		ActionKind:    string(res.Kind),
		OK:            res.OK,
		ResultSummary: summarize(res),
	})

	// The decided wait starts on the action's first reply, whether an ack
	// or a synchronous completion. The completion of an already acked
	// action is the external wake the wait was for.
	if !wasAcked && p.Wait.Enabled {
		a.armTimer(p.Wait)
		return
	}
	a.wake(ctx)
}

// applyResultEffects folds structured result data into agent state.
func (a *Agent) applyResultEffects(ctx context.Context, res action.Result) {
	if !res.OK {
		return
	}
	switch res.Kind {
	case action.KindSpawnChild:
		childID, _ := res.Data["child_id"].(string)
		if childID == "" {
			return
		}
		alloc, _ := res.Data["allocation"].(float64)
		a.state.Children[childID] = alloc
		if alloc > 0 {
			a.state.Budget = a.state.Budget.AddCommitted(alloc)
		}
		a.recomputeOverBudget(ctx)

	case action.KindTodo:
		items, _ := res.Data["items"].([]any)
		todos := make([]Todo, 0, len(items))
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			content, _ := m["content"].(string)
			state, _ := m["state"].(string)
			todos = append(todos, Todo{Content: content, State: state})
		}
		a.state.Todos = todos
		a.publishTodos()

	case action.KindAdjustBudget:
		childID, _ := res.Data["child_id"].(string)
		newAlloc, _ := res.Data["new"].(float64)
		if childID == "" {
			return
		}
		oldAlloc, mine := a.state.Children[childID]
		if !mine {
			return
		}
		a.state.Children[childID] = newAlloc
		a.state.Budget = a.state.Budget.ReleaseCommitted(oldAlloc).AddCommitted(newAlloc)
		a.recomputeOverBudget(ctx)
	}
}

func (a *Agent) publishTodos() {
	items := make([]events.TodoItem, len(a.state.Todos))
	for i, t := range a.state.Todos {
		items[i] = events.TodoItem{Content: t.Content, State: t.State}
	}
	a.env.Bus.Publish(events.TopicAgentTodos(a.id), events.TodosChanged{AgentID: a.id, Items: items})
}

func (a *Agent) handleWaitExpired(ctx context.Context, w WaitExpired) {
	if w.Ref == "" || w.Ref != a.timerRef {
		a.log.Debug("stale wait timer", slog.String("ref", w.Ref), slog.String("armed", a.timerRef))
		return
	}
	a.timerRef = ""
	a.timer = nil
	a.scheduleConsensus(ctx)
}

func (a *Agent) handleChildTerminated(ctx context.Context, c ChildTerminated) {
	alloc, mine := a.state.Children[c.ChildID]
	if !mine {
		a.log.Debug("terminated child already released", slog.String("child_id", c.ChildID))
		return
	}
	delete(a.state.Children, c.ChildID)
	if alloc > 0 {
		a.state.Budget = a.state.Budget.ReleaseCommitted(alloc)
	}
	a.recomputeOverBudget(ctx)

	a.appendAll("user", fmt.Sprintf("[child %s terminated: %s]", c.ChildID, c.Reason))
	if err := a.persist(ctx); err != nil {
		a.log.Error("persist child termination", slog.String("error", err.Error()))
	}
	a.wake(ctx)
}

func (a *Agent) handleCostRecorded(ctx context.Context) {
	if a.recomputeOverBudget(ctx) {
		if err := a.persist(ctx); err != nil {
			a.log.Error("persist budget status", slog.String("error", err.Error()))
		}
	}
}

func (a *Agent) handleBudgetAdjusted(ctx context.Context, b BudgetAdjusted) {
	a.state.Budget = a.state.Budget.WithAllocated(b.NewAllocated)
	a.recomputeOverBudget(ctx)
	a.appendAll("user", fmt.Sprintf("[budget adjusted: allocation is now %.4f]", b.NewAllocated))
	if err := a.persist(ctx); err != nil {
		a.log.Error("persist budget adjustment", slog.String("error", err.Error()))
	}
	a.wake(ctx)
}

func (a *Agent) handleConsensusDone(ctx context.Context, d consensusDone) {
	a.inFlight = false
	a.recordDecisionCosts(ctx, d.outcome.Costs)
	for _, w := range d.outcome.Warnings {
		a.log.Warn("consensus warning", slog.String("warning", w))
	}

	if d.err != nil {
		if ctx.Err() != nil {
			return
		}
		var failed *consensus.FailedError
		if errors.As(d.err, &failed) {
			a.log.Warn("consensus failed", slog.Int("rounds", failed.Rounds), slog.String("reason", failed.Reason))
		} else {
			a.log.Warn("consensus error", slog.String("error", d.err.Error()))
		}
		a.appendAll("tool", fmt.Sprintf("[consensus] %s", d.err.Error()))
		if err := a.persist(ctx); err != nil {
			a.log.Error("persist consensus failure", slog.String("error", err.Error()))
		}
		a.maybeRerun(ctx)
		return
	}

	dec := d.outcome.Decision
	act := action.New(dec.Kind, dec.Params, dec.Wait)
	a.appendAll("assistant", renderDecision(act))
	a.state.Pending[act.ID] = PendingAction{
		ID:        act.ID,
		Kind:      act.Kind,
		Params:    act.Params,
		Wait:      act.Wait,
		Timestamp: time.Now(),
	}
	if err := a.persist(ctx); err != nil {
		a.log.Error("persist decision", slog.String("error", err.Error()))
	}

	a.log.Info("decision reached",
		slog.String("action_id", act.ID),
		slog.String("kind", string(act.Kind)),
		slog.Int("rounds", d.outcome.Rounds),
	)

	spent, err := a.env.Tracker.GetSpent(ctx, a.id)
	if err != nil {
		a.log.Warn("read spent", slog.String("error", err.Error()))
	}
	a.env.Dispatcher.Dispatch(ctx, a.scope(spent), act)

	a.maybeRerun(ctx)
}

func (a *Agent) maybeRerun(ctx context.Context) {
	if a.rerun {
		a.rerun = false
		a.scheduleConsensus(ctx)
	}
}

// scope snapshots the agent for one dispatch.
func (a *Agent) scope(spent float64) Scope {
	children := make([]string, 0, len(a.state.Children))
	for id := range a.state.Children {
		children = append(children, id)
	}
	slices.Sort(children)
	return Scope{
		AgentID:      a.id,
		TaskID:       a.taskID,
		ParentID:     a.parentID,
		Profile:      a.state.Profile,
		Owner:        a,
		Budget:       a.state.Budget,
		Spent:        spent,
		Capabilities: slices.Clone(a.state.Capabilities),
		Models:       slices.Clone(a.state.Models),
		Children:     children,
	}
}

// scheduleConsensus starts a round unless one is in flight, in which case
// the request collapses into a rerun after the current round.
func (a *Agent) scheduleConsensus(ctx context.Context) {
	if a.inFlight {
		a.rerun = true
		return
	}
	if len(a.state.Models) == 0 {
		a.log.Error("no models configured, agent cannot decide")
		return
	}
	a.inFlight = true

	models := slices.Clone(a.state.Models)
	histories := make(map[string][]*schema.Message, len(models))
	for _, m := range models {
		histories[m] = slices.Clone(a.histories[m])
	}

	stateEnv := renderStateEnvelope(a.id, a.taskID, a.parentID, a.state)
	todosEnv := renderTodosEnvelope(a.state.Todos)
	childrenEnv := renderChildrenEnvelope(a.state.Children)
	stateCopy := a.state
	overBudget := a.state.OverBudget
	maxRefine := a.env.MaxRefinement(a.state.Profile)
	query := a.lastUserContent()

	go func() {
		spent, err := a.env.Tracker.GetSpent(ctx, a.id)
		if err != nil {
			a.log.Warn("read spent", slog.String("error", err.Error()))
		}

		var lessons string
		if a.env.Lessons != nil && query != "" {
			lessons, err = a.env.Lessons.Relevant(ctx, query)
			if err != nil {
				a.log.Debug("lesson lookup failed", slog.String("error", err.Error()))
			}
		}

		out, err := a.env.Decider.Decide(ctx, consensus.Request{
			AgentID:   a.id,
			Models:    models,
			Histories: histories,
			Envelopes: consensus.Envelopes{
				State:    stateEnv,
				Lessons:  lessons,
				Todos:    todosEnv,
				Children: childrenEnv,
				Budget:   renderBudgetEnvelope(stateCopy, spent),
			},
			MaxRefinementRounds: maxRefine,
			OverBudget: func(kind action.Kind, params map[string]any) bool {
				return overBudget && action.Costly(kind, params)
			},
		})
		a.Deliver(consensusDone{outcome: out, err: err})
	}()
}

// lastUserContent returns the most recent user turn, used as the lesson
// retrieval query.
func (a *Agent) lastUserContent() string {
	for _, m := range a.state.Models {
		h := a.histories[m]
		for i := len(h) - 1; i >= 0; i-- {
			if h[i].Role == schema.User {
				return h[i].Content
			}
		}
	}
	return ""
}

// wake cancels any outstanding wait and schedules consensus: external
// stimuli preempt waits, and the preempted timer's expiry becomes stale.
func (a *Agent) wake(ctx context.Context) {
	if a.timerRef != "" {
		a.stopTimer()
		a.timerRef = ""
	}
	a.scheduleConsensus(ctx)
}

// armTimer replaces the current wait timer. Indefinite waits keep a ref
// with no firing timer; only an external stimulus ends them.
func (a *Agent) armTimer(w action.Wait) {
	a.stopTimer()
	ref := NewTimerRef()
	a.timerRef = ref
	if w.Seconds > 0 {
		a.timer = time.AfterFunc(time.Duration(w.Seconds*float64(time.Second)), func() {
			a.Deliver(WaitExpired{Ref: ref})
		})
	}
	a.log.Debug("wait armed", slog.String("ref", ref), slog.Float64("seconds", w.Seconds))
}

func (a *Agent) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// recomputeOverBudget refreshes the over_budget flag from recorded spend.
// Reports whether the flag flipped; flips emit a state_changed event.
func (a *Agent) recomputeOverBudget(ctx context.Context) bool {
	spent, err := a.env.Tracker.GetSpent(ctx, a.id)
	if err != nil {
		a.log.Warn("read spent", slog.String("error", err.Error()))
		return false
	}
	over := budget.StatusFor(a.state.Budget, spent) == budget.StatusOverBudget
	if over == a.state.OverBudget {
		return false
	}
	a.state.OverBudget = over
	newState := "ok"
	if over {
		newState = "over_budget"
	}
	a.env.Bus.Publish(events.TopicLifecycle, events.NewStateChanged(a.id, newState))
	a.log.Info("budget status changed", slog.Bool("over_budget", over))
	return true
}

// recordDecisionCosts persists the round's model spend as one cost row.
func (a *Agent) recordDecisionCosts(ctx context.Context, costs map[string]float64) {
	var total float64
	for _, c := range costs {
		total += c
	}
	if total <= 0 {
		return
	}

	meta := make(map[string]any, len(costs))
	for model, c := range costs {
		meta[model] = c
	}
	err := a.env.Store.AppendCost(ctx, store.CostRecord{
		AgentID:   a.id,
		TaskID:    a.taskID,
		Type:      "llm_call",
		Amount:    total,
		Metadata:  meta,
		CreatedAt: time.Now(),
	})
	if err != nil {
		a.log.Error("append consensus cost", slog.String("error", err.Error()))
		return
	}

	payload := events.CostRecorded{AgentID: a.id, TaskID: a.taskID, Type: "llm_call", Amount: total, At: time.Now()}
	a.env.Bus.Publish(events.TopicAgentCosts(a.id), payload)
	a.env.Bus.Publish(events.TopicTaskCosts(a.taskID), payload)

	a.recomputeOverBudget(ctx)
}

// appendAll adds one turn to every model's history and buffers the
// durable rows for the next persist.
func (a *Agent) appendAll(role, content string) {
	now := time.Now()
	for _, m := range a.state.Models {
		a.histories[m] = append(a.histories[m], toSchema(role, content))
		a.dirty = append(a.dirty, store.ConversationEntry{
			AgentID: a.id, ModelID: m, Role: role, Content: content, CreatedAt: now,
		})
	}
}

// toSchema maps a durable row role onto the wire message sent to models.
// Tool results travel as user turns: the decision protocol is plain
// content, so native tool-call turns would confuse providers.
func toSchema(role, content string) *schema.Message {
	switch role {
	case "system":
		return schema.SystemMessage(content)
	case "assistant":
		return schema.AssistantMessage(content, nil)
	default: // "user", "tool"
		return schema.UserMessage(content)
	}
}

// RestoreHistories rebuilds per-model message histories from persisted
// conversation rows, for handing to Config.Histories on restore.
func RestoreHistories(entries map[string][]store.ConversationEntry) map[string][]*schema.Message {
	out := make(map[string][]*schema.Message, len(entries))
	for model, rows := range entries {
		msgs := make([]*schema.Message, len(rows))
		for i, row := range rows {
			msgs[i] = toSchema(row.Role, row.Content)
		}
		out[model] = msgs
	}
	return out
}

// persist writes the state blob and any buffered conversation rows in one
// transaction. Buffered rows are kept on failure and retried next time.
func (a *Agent) persist(ctx context.Context) error {
	blob, err := a.state.Marshal()
	if err != nil {
		return err
	}
	row := store.AgentRow{ID: a.id, TaskID: a.taskID, ParentID: a.parentID, State: blob}
	if err := a.env.Store.SaveAgentWithConversation(ctx, row, a.dirty); err != nil {
		return err
	}
	a.dirty = nil
	return nil
}

// shutdown persists, deregisters, terminates the child subtree, and
// notifies the parent. Runs exactly once, from the mailbox goroutine.
func (a *Agent) shutdown(ctx context.Context, reason string) {
	a.stopTimer()
	a.timerRef = ""

	if err := a.persist(ctx); err != nil {
		a.log.Error("persist at shutdown", slog.String("error", err.Error()))
	}
	a.env.Registry.Unregister(a.id)

	for childID := range a.state.Children {
		if h, ok := a.env.Registry.Get(childID); ok {
			go h.Deliver(Terminate{Reason: reason})
		}
	}

	var allocated float64
	if a.state.Budget.Allocated != nil {
		allocated = *a.state.Budget.Allocated
	}
	if a.parentID != "" {
		if ph, ok := a.env.Registry.Get(a.parentID); ok {
			go ph.Deliver(ChildTerminated{ChildID: a.id, Reason: reason, Allocation: allocated})
		}
	}

	a.env.Bus.Publish(events.TopicLifecycle, events.NewAgentTerminated(a.id, a.parentID, a.taskID, reason, allocated))
	a.log.Info("agent terminated", slog.String("reason", reason))
}

// renderDecision is the assistant turn recorded for a decided action.
func renderDecision(act action.Action) string {
	var wait any = false
	if act.Wait.Enabled {
		if act.Wait.Seconds > 0 {
			wait = act.Wait.Seconds
		} else {
			wait = true
		}
	}
	payload := map[string]any{"action": act.Kind, "params": act.Params, "wait": wait}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"action": %q}`, act.Kind)
	}
	return string(data)
}

// renderResult is the tool turn recorded for a finished action.
func renderResult(r action.Result) string {
	if r.OK {
		if r.Output == "" {
			return fmt.Sprintf("[%s %s] ok", r.ActionID, r.Kind)
		}
		return fmt.Sprintf("[%s %s] ok\n%s", r.ActionID, r.Kind, r.Output)
	}
	return fmt.Sprintf("[%s %s] error: %s", r.ActionID, r.Kind, r.Error)
}

func summarize(r action.Result) string {
	s := r.Output
	if !r.OK {
		s = r.Error
	}
	const max = 200
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}
