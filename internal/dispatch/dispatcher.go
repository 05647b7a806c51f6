// Package dispatch executes decided actions. Every action runs in its own
// executor goroutine behind a capacity pool; the owning agent is never
// blocked and receives results as mailbox stimuli. The dispatcher gates
// each action on capability grants and budget before execution, resolves
// secret templates in parameters, and scrubs secret material from results
// before they can reach agent history.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/agent"
	"github.com/dohr-michael/quorum/internal/budget"
	"github.com/dohr-michael/quorum/internal/config"
	"github.com/dohr-michael/quorum/internal/events"
	"github.com/dohr-michael/quorum/internal/fault"
	"github.com/dohr-michael/quorum/internal/mcp"
	"github.com/dohr-michael/quorum/internal/secrets"
	"github.com/dohr-michael/quorum/internal/skills"
	"github.com/dohr-michael/quorum/internal/store"
)

// Outcome is what one executor run reports back to the owning agent.
// Ack marks the first acknowledgement of an async action; AsyncRef then
// carries the background handle the agent can poll with.
type Outcome struct {
	Result   action.Result
	Ack      bool
	AsyncRef string
}

// Executor runs one action kind. Implementations must be safe for
// concurrent use; every invocation runs on its own goroutine.
type Executor interface {
	Execute(ctx context.Context, scope agent.Scope, act action.Action) Outcome
}

type executorFunc func(ctx context.Context, scope agent.Scope, act action.Action) Outcome

func (f executorFunc) Execute(ctx context.Context, scope agent.Scope, act action.Action) Outcome {
	return f(ctx, scope, act)
}

// Services are the shared collaborators executors draw on. Nil entries
// disable the executors that need them; those report service_unavailable.
type Services struct {
	Vault    *secrets.Vault
	Resolver *secrets.Resolver
	Skills   *skills.Registry
	MCP      *mcp.Manager
}

// TaskFinisher settles a task's terminal status. Implemented by the task
// manager; the root agent's final parent report drives it.
type TaskFinisher interface {
	Complete(ctx context.Context, taskID, result string) error
	Fail(ctx context.Context, taskID, errMsg string) error
}

// Dispatcher routes actions to their executors. Construct with New, then
// Bind the agent environment before the first Dispatch.
type Dispatcher struct {
	cfg  config.Config
	svc  Services
	log  *slog.Logger
	pool *Pool
	jobs *jobs

	executors map[action.Kind]Executor

	// set once by Bind/BindTasks, read-only afterwards
	base  context.Context
	env   agent.Env
	tasks TaskFinisher

	closeOnce   sync.Once
	unsubscribe func()
}

// New builds a dispatcher with every executor registered.
func New(cfg config.Config, svc Services, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		cfg:  cfg,
		svc:  svc,
		log:  log.With(slog.String("component", "dispatch")),
		pool: NewPool(cfg.Dispatch.PoolSize),
	}
	d.jobs = newJobs(d.log, d.monitorDeliver)
	retry := newRetryPolicy(cfg.Dispatch)

	d.executors = map[action.Kind]Executor{
		action.KindOrient:         executorFunc(execOrient),
		action.KindWait:           executorFunc(execWait),
		action.KindTodo:           executorFunc(execTodo),
		action.KindRecordCost:     executorFunc(execRecordCost),
		action.KindSendMessage:    &messageExecutor{d: d},
		action.KindBatchSync:      &batchExecutor{d: d},
		action.KindBatchAsync:     &batchExecutor{d: d, async: true},
		action.KindFetchWeb:       newFetchExecutor(cfg.Dispatch.Fetch, retry),
		action.KindAnswerEngine:   &searchExecutor{cfg: cfg.Web, retry: retry},
		action.KindFileRead:       executorFunc(execFileRead),
		action.KindFileWrite:      executorFunc(execFileWrite),
		action.KindSearchSecrets:  &secretSearchExecutor{vault: svc.Vault},
		action.KindGenerateSecret: &secretGenerateExecutor{vault: svc.Vault},
		action.KindLearnSkills:    &learnSkillsExecutor{skills: svc.Skills},
		action.KindCreateSkill:    &createSkillExecutor{skills: svc.Skills},
		action.KindAdjustBudget:   &adjustBudgetExecutor{d: d},
		action.KindGenerateImages: &imagesExecutor{cfg: cfg.Images},
		action.KindCallMCP:        &mcpExecutor{client: svc.MCP},
		action.KindCallAPI:        newAPIExecutor(cfg.Dispatch.API, svc.Vault),
		action.KindExecuteShell:   &shellExecutor{cfg: cfg.Dispatch.Shell, jobs: d.jobs},
		action.KindDismissChild:   &dismissExecutor{d: d},
		action.KindSpawnChild:     &spawnExecutor{d: d},
	}
	return d
}

// Bind wires the agent environment and base context. The base context
// outlives individual dispatches: spawned children and shell job monitors
// are tied to it, not to the action that created them. Must be called
// before the first Dispatch.
func (d *Dispatcher) Bind(ctx context.Context, env agent.Env) {
	d.base = ctx
	d.env = env
	d.unsubscribe = env.Bus.Subscribe(events.TopicLifecycle, func(e events.Event) {
		if term, ok := e.Payload.(events.AgentTerminated); ok {
			d.jobs.killByAgent(term.AgentID)
		}
	})
}

// BindTasks wires the task lifecycle endpoint. A separate phase from Bind
// because the task manager is built on top of the agent environment the
// dispatcher is part of. Must be called before the first Dispatch.
func (d *Dispatcher) BindTasks(t TaskFinisher) {
	d.tasks = t
}

// Close kills outstanding shell jobs and detaches from the bus.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		if d.unsubscribe != nil {
			d.unsubscribe()
		}
		d.jobs.killAll()
	})
}

// Dispatch runs one action asynchronously and delivers the outcome to the
// scope's owner mailbox. It returns immediately; the pool slot is taken
// inside the goroutine so a saturated pool never stalls an agent.
func (d *Dispatcher) Dispatch(ctx context.Context, scope agent.Scope, act action.Action) {
	go func() {
		if err := d.pool.Acquire(ctx); err != nil {
			d.deliver(ctx, scope, failure(act, fault.Exit("canceled before execution: "+err.Error())))
			return
		}
		defer d.pool.Release()
		d.deliver(ctx, scope, d.execute(ctx, scope, act))
	}()
}

// execute runs the full per-action pipeline: capability gate, parameter
// validation, budget gate, secret resolution, execution, scrubbing.
// Batch executors re-enter here for each sub-action.
func (d *Dispatcher) execute(ctx context.Context, scope agent.Scope, act action.Action) Outcome {
	ex, ok := d.executors[act.Kind]
	if !ok {
		return failure(act, fault.New(fault.InvalidParam, "unknown action kind %q", act.Kind))
	}
	if group, gated := action.RequiredGroup(act.Kind); gated && !hasCapability(scope.Capabilities, group) {
		return failure(act, fault.New(fault.Forbidden, "%s requires capability group %q", act.Kind, group))
	}
	if err := action.Validate(act.Kind, act.Params); err != nil {
		return failure(act, err)
	}
	if err := budget.CheckAction(act.Kind, act.Params, scope.Budget, scope.Spent); err != nil {
		return failure(act, err)
	}

	used := map[string]string{}
	if d.svc.Resolver != nil {
		resolved, u, err := d.svc.Resolver.ResolveParams(ctx, act.Params)
		if err != nil {
			return failure(act, err)
		}
		act.Params = resolved
		used = u
		for name := range used {
			if err := d.svc.Vault.LogUsage(ctx, name, scope.AgentID, act.ID); err != nil {
				d.log.Warn("secret usage audit failed", slog.String("secret", name), slog.Any("error", err))
			}
		}
	}

	out := d.run(withUsedSecrets(ctx, used), ex, scope, act)

	if out.Result.OK && out.Result.Cost == 0 && action.Costly(act.Kind, act.Params) {
		if c, ok := d.cfg.Dispatch.Costs[string(act.Kind)]; ok && c > 0 {
			out.Result.Cost = c
		}
	}
	out.Result.Output = secrets.Scrub(out.Result.Output, used)
	out.Result.Error = secrets.Scrub(out.Result.Error, used)
	return out
}

// run isolates executor panics into action_crashed results.
func (d *Dispatcher) run(ctx context.Context, ex Executor, scope agent.Scope, act action.Action) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("executor panicked",
				slog.String("kind", string(act.Kind)),
				slog.String("action_id", act.ID),
				slog.Any("panic", r))
			out = failure(act, fault.Crashed(fmt.Sprintf("%v", r)))
		}
	}()
	return ex.Execute(ctx, scope, act)
}

// deliver records any cost carried by the result and hands it to the
// owning agent. The cost row is written even when the agent is already
// gone; spend happened either way.
func (d *Dispatcher) deliver(ctx context.Context, scope agent.Scope, out Outcome) {
	d.recordCost(context.WithoutCancel(ctx), scope, out.Result)
	if !scope.Owner.Deliver(agent.ActionResult{Result: out.Result, Ack: out.Ack, AsyncRef: out.AsyncRef}) {
		d.log.Debug("result dropped, agent gone",
			slog.String("agent_id", scope.AgentID),
			slog.String("action_id", out.Result.ActionID))
	}
}

// monitorDeliver is the delivery path for results produced after the
// dispatching call returned, such as shell job completions.
func (d *Dispatcher) monitorDeliver(scope agent.Scope, out Outcome) {
	d.deliver(d.base, scope, out)
}

func (d *Dispatcher) recordCost(ctx context.Context, scope agent.Scope, r action.Result) {
	if r.Cost <= 0 {
		return
	}
	costType, _ := r.Data["cost_type"].(string)
	if costType == "" {
		costType = "action:" + string(r.Kind)
	}
	meta, _ := r.Data["cost_metadata"].(map[string]any)

	if err := d.env.Store.AppendCost(ctx, store.CostRecord{
		AgentID:   scope.AgentID,
		TaskID:    scope.TaskID,
		Type:      costType,
		Amount:    r.Cost,
		Metadata:  meta,
		CreatedAt: time.Now(),
	}); err != nil {
		d.log.Error("cost append failed", slog.String("agent_id", scope.AgentID), slog.Any("error", err))
	}

	evt := events.CostRecorded{AgentID: scope.AgentID, TaskID: scope.TaskID, Type: costType, Amount: r.Cost, At: time.Now()}
	d.env.Bus.Publish(events.TopicAgentCosts(scope.AgentID), evt)
	d.env.Bus.Publish(events.TopicTaskCosts(scope.TaskID), evt)
}

func hasCapability(granted []string, group string) bool {
	if len(granted) == 0 {
		return true
	}
	for _, g := range granted {
		if g == group {
			return true
		}
	}
	return false
}

// usedSecretsKey threads the resolved-secret map from the pipeline to
// executors that keep output streams open past their return, so late
// output can still be scrubbed.
type usedSecretsKey struct{}

func withUsedSecrets(ctx context.Context, used map[string]string) context.Context {
	return context.WithValue(ctx, usedSecretsKey{}, used)
}

func usedSecretsFrom(ctx context.Context) map[string]string {
	used, _ := ctx.Value(usedSecretsKey{}).(map[string]string)
	return used
}

func success(act action.Action, output string) Outcome {
	return Outcome{Result: action.Result{ActionID: act.ID, Kind: act.Kind, OK: true, Output: output}}
}

func successData(act action.Action, output string, data map[string]any) Outcome {
	return Outcome{Result: action.Result{ActionID: act.ID, Kind: act.Kind, OK: true, Output: output, Data: data}}
}

func failure(act action.Action, err error) Outcome {
	return Outcome{Result: action.Result{ActionID: act.ID, Kind: act.Kind, OK: false, Error: err.Error()}}
}

func acked(act action.Action, ref, output string) Outcome {
	return Outcome{
		Result:   action.Result{ActionID: act.ID, Kind: act.Kind, OK: true, Output: output},
		Ack:      true,
		AsyncRef: ref,
	}
}
