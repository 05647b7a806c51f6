// Package consensus turns N model proposals into one executable decision.
// Each round fans out to every model of the agent concurrently, parses the
// replies into {action, params, wait} proposals, votes on the action kind,
// and merges parameters by the kind's declared rules. Disagreement triggers
// refinement rounds at decreasing temperature until the decision converges
// or the round budget runs out.
package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/config"
	"github.com/dohr-michael/quorum/internal/fault"
)

// Caller abstracts the model registry: one chat completion against a named
// provider, plus its flat per-call cost.
type Caller interface {
	Generate(ctx context.Context, name string, messages []*schema.Message, opts ...model.Option) (*schema.Message, error)
	CostPerCall(name string) float64
}

// Engine runs consensus rounds. Safe for concurrent use by many agents;
// per-agent serialization is the agent's own latch.
type Engine struct {
	caller       Caller
	embedder     embedding.Embedder // nil degrades semantic rules to mode selection
	cfg          config.ConsensusConfig
	log          *slog.Logger
	degradedOnce sync.Once
}

// New creates a consensus engine.
func New(caller Caller, embedder embedding.Embedder, cfg config.ConsensusConfig, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{caller: caller, embedder: embedder, cfg: cfg, log: log}
}

// Envelopes carries the context blocks injected into the prompt. State and
// Lessons prepend to the first user message; Todos, Children, and Budget to
// the last. Empty blocks are skipped.
type Envelopes struct {
	State    string
	Lessons  string
	Todos    string
	Children string
	Budget   string
}

// Request describes one decision to reach.
type Request struct {
	AgentID             string
	Models              []string
	Histories           map[string][]*schema.Message
	Envelopes           Envelopes
	MaxRefinementRounds int
	// OverBudget vetoes proposals the agent cannot afford. Nil means no veto.
	OverBudget func(kind action.Kind, params map[string]any) bool
}

// Decision is the merged result of a successful consensus.
type Decision struct {
	Kind    action.Kind
	Params  map[string]any
	Wait    action.Wait
	Backers []string // models whose proposals carried the winning kind
}

// Outcome reports a completed Decide call. Costs accumulate per model for
// every round that produced a reply, valid even when Decide fails.
type Outcome struct {
	Decision Decision
	Rounds   int
	Costs    map[string]float64
	Warnings []string
}

// FailedError is the terminal consensus failure after exhausting rounds.
// The agent records it as a tool-turn error and retries on the next
// stimulus instead of treating it as a crash.
type FailedError struct {
	Rounds int
	Reason string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("consensus failed after %d round(s): %s", e.Rounds, e.Reason)
}

// Decide runs rounds until one decision survives the merge or the round
// budget is exhausted. The returned Outcome carries accrued model costs in
// every case.
func (e *Engine) Decide(ctx context.Context, req Request) (Outcome, error) {
	outcome := Outcome{Costs: make(map[string]float64)}
	if len(req.Models) == 0 {
		return outcome, fault.New(fault.InvalidParam, "no models to consult")
	}

	histories := make(map[string][]*schema.Message, len(req.Models))
	for _, name := range req.Models {
		h, ok := req.Histories[name]
		if !ok {
			return outcome, fault.New(fault.InvalidParam, "no history for model %q", name)
		}
		histories[name] = injectEnvelopes(h, req.Envelopes)
	}

	maxRefine := req.MaxRefinementRounds
	if maxRefine < 0 {
		maxRefine = 0
	}
	if maxRefine > 9 {
		maxRefine = 9
	}
	totalRounds := 1 + maxRefine

	excluded := make(map[string]bool)
	lastReason := "no proposals"

	for round := 0; round < totalRounds; round++ {
		outcome.Rounds = round + 1
		temp := Schedule(e.cfg.Temperature, round, totalRounds)

		results := e.fanOut(ctx, req.Models, histories, excluded, temp)

		var ballot []Proposal
		for _, res := range results {
			if res.skipped {
				continue
			}
			if res.replied {
				outcome.Costs[res.model] += e.caller.CostPerCall(res.model)
				histories[res.model] = append(histories[res.model], schema.AssistantMessage(res.reply, nil))
			}
			if res.err != nil {
				kind := fault.KindOf(res.err)
				if kind == fault.AuthenticationFailed || kind == fault.Forbidden {
					excluded[res.model] = true
					e.log.Warn("model excluded from ballot",
						slog.String("agent_id", req.AgentID),
						slog.String("model", res.model),
						slog.String("kind", string(kind)),
					)
					continue
				}
				e.log.Warn("model call failed",
					slog.String("agent_id", req.AgentID),
					slog.String("model", res.model),
					slog.String("error", res.err.Error()),
				)
				continue
			}

			prop := res.proposal
			normalizeWaitParam(&prop)
			if !prop.Kind.Known() {
				e.log.Debug("proposal dropped: unknown kind",
					slog.String("agent_id", req.AgentID),
					slog.String("model", res.model),
					slog.String("kind", string(prop.Kind)),
				)
				continue
			}
			if err := action.Validate(prop.Kind, prop.Params); err != nil {
				e.log.Debug("proposal dropped: invalid params",
					slog.String("agent_id", req.AgentID),
					slog.String("model", res.model),
					slog.String("error", err.Error()),
				)
				continue
			}
			if req.OverBudget != nil && req.OverBudget(prop.Kind, prop.Params) {
				e.log.Warn("proposal dropped: over budget",
					slog.String("agent_id", req.AgentID),
					slog.String("model", res.model),
					slog.String("kind", string(prop.Kind)),
				)
				continue
			}
			ballot = append(ballot, prop)
		}

		if len(excluded) == len(req.Models) {
			return outcome, &FailedError{Rounds: outcome.Rounds, Reason: "every model excluded for credential errors"}
		}

		if len(ballot) == 0 {
			lastReason = "no valid proposals in round"
			e.appendDirective(histories, excluded, retryDirective())
			continue
		}

		kind := voteKind(ballot)
		winners := proposalsOf(ballot, kind)

		merged, conflicts, err := e.mergeParams(ctx, kind, winners)
		if err != nil {
			return outcome, err
		}
		if conflicts == nil {
			if verr := action.Validate(kind, merged); verr != nil {
				// Individually valid proposals can merge into an invalid
				// whole, e.g. both sides of an xor group supplied.
				lastReason = fmt.Sprintf("merged decision invalid: %v", verr)
				e.appendDirective(histories, excluded, reconcileDirective(nil, lastReason))
				continue
			}

			wait, warnings := e.resolveWait(req.AgentID, kind, winners, merged)
			outcome.Warnings = append(outcome.Warnings, warnings...)
			outcome.Decision = Decision{
				Kind:    kind,
				Params:  merged,
				Wait:    wait,
				Backers: backers(winners),
			}
			return outcome, nil
		}

		lastReason = conflictSummary(conflicts)
		e.appendDirective(histories, excluded, reconcileDirective(conflicts, ""))
	}

	return outcome, &FailedError{Rounds: outcome.Rounds, Reason: lastReason}
}

type callResult struct {
	model    string
	proposal Proposal
	reply    string
	replied  bool
	skipped  bool
	err      error
}

// fanOut calls every non-excluded model concurrently at the given
// temperature and parses replies into proposals.
func (e *Engine) fanOut(ctx context.Context, names []string, histories map[string][]*schema.Message, excluded map[string]bool, temp float64) []callResult {
	results := make([]callResult, len(names))
	var wg sync.WaitGroup

	for i, name := range names {
		if excluded[name] {
			results[i] = callResult{model: name, skipped: true}
			continue
		}
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()

			callCtx := ctx
			if timeout := e.cfg.ProposalTimeout.Duration(); timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			reply, err := e.caller.Generate(callCtx, name, histories[name], model.WithTemperature(float32(temp)))
			if err != nil {
				results[i] = callResult{model: name, err: err}
				return
			}

			prop, perr := ParseReply(name, reply.Content)
			if perr != nil {
				results[i] = callResult{model: name, reply: reply.Content, replied: true, err: perr}
				return
			}
			results[i] = callResult{model: name, reply: reply.Content, replied: true, proposal: prop}
		}(i, name)
	}

	wg.Wait()
	return results
}

// normalizeWaitParam coerces "true"/"false" strings inside a wait action's
// params before schema validation sees them.
func normalizeWaitParam(p *Proposal) {
	if p.Kind != action.KindWait {
		return
	}
	if s, ok := p.Params["wait"].(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true":
			p.Params["wait"] = true
		case "false":
			p.Params["wait"] = false
		}
	}
}

// resolveWait derives the decision-level wait: mode over the winners' wait
// directives, then kind-specific normalization. A wait action's directive
// comes from its own params; self-contained decisions never wait.
func (e *Engine) resolveWait(agentID string, kind action.Kind, winners []Proposal, params map[string]any) (action.Wait, []string) {
	var warnings []string

	values := make([]any, len(winners))
	for i, w := range winners {
		values[i] = w.Wait
	}
	wait, _ := modeValue(values).(action.Wait)

	if kind == action.KindWait {
		derived, err := coerceWait(params["wait"])
		if err != nil {
			warnings = append(warnings, "wait parameter unusable, defaulting to no wait")
			derived = action.Wait{}
		}
		return derived, warnings
	}

	if wait.Enabled && decisionSelfContained(kind, params) {
		msg := fmt.Sprintf("wait=true on self-contained %s auto-corrected to false", kind)
		warnings = append(warnings, msg)
		e.log.Warn("wait auto-corrected",
			slog.String("agent_id", agentID),
			slog.String("kind", string(kind)),
		)
		return action.Wait{}, warnings
	}

	return wait, warnings
}

// decisionSelfContained reports whether the decision completes without any
// external responder: a self-contained kind, or a batch_sync whose every
// sub-action is self-contained.
func decisionSelfContained(kind action.Kind, params map[string]any) bool {
	if action.SelfContained(kind) {
		return true
	}
	if kind != action.KindBatchSync {
		return false
	}
	items, ok := params["actions"].([]any)
	if !ok || len(items) == 0 {
		return false
	}
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return false
		}
		sub, _ := m["kind"].(string)
		if !action.SelfContained(action.Kind(sub)) {
			return false
		}
	}
	return true
}

// appendDirective adds a user-turn directive to every non-excluded model's
// working history before the next round.
func (e *Engine) appendDirective(histories map[string][]*schema.Message, excluded map[string]bool, directive string) {
	for name := range histories {
		if excluded[name] {
			continue
		}
		histories[name] = append(histories[name], schema.UserMessage(directive))
	}
}

const decisionShape = `{"action": "...", "params": {...}, "wait": false}`

func retryDirective() string {
	return "None of the replies contained a valid decision. Reply with exactly one JSON object " + decisionShape + " and nothing else."
}

const maxDirectiveValue = 1000

// reconcileDirective renders the disagreeing proposals for the refinement
// prompt. Proposals are numbered, not attributed, to avoid anchoring on a
// particular model.
func reconcileDirective(conflicts []disagreement, note string) string {
	var b strings.Builder
	b.WriteString("The proposals for this step did not converge.\n")
	if note != "" {
		b.WriteString(note)
		b.WriteString("\n")
	}
	for _, c := range conflicts {
		fmt.Fprintf(&b, "Parameter %q (%s) received:\n", c.Param, c.Rule)
		for i, v := range c.Values {
			rendered := canon(v)
			if len(rendered) > maxDirectiveValue {
				rendered = rendered[:maxDirectiveValue] + "…"
			}
			fmt.Fprintf(&b, "  %d. %s\n", i+1, rendered)
		}
	}
	b.WriteString("Reply again with one JSON object ")
	b.WriteString(decisionShape)
	b.WriteString(", reconciling the differences. Prefer the most conservative option.")
	return b.String()
}

func conflictSummary(conflicts []disagreement) string {
	names := make([]string, len(conflicts))
	for i, c := range conflicts {
		names[i] = c.Param
	}
	return "disagreement on " + strings.Join(names, ", ")
}

func backers(winners []Proposal) []string {
	out := make([]string, len(winners))
	for i, w := range winners {
		out[i] = w.Model
	}
	return out
}

// injectEnvelopes returns a copy of history with Lessons and State
// prepended to the first user message and Todos, Children, and Budget to
// the last. Injection happens once per decision; refinement directives are
// appended after these positions.
func injectEnvelopes(history []*schema.Message, env Envelopes) []*schema.Message {
	out := make([]*schema.Message, len(history))
	copy(out, history)

	firstUser, lastUser := -1, -1
	for i, msg := range out {
		if msg.Role == schema.User {
			if firstUser == -1 {
				firstUser = i
			}
			lastUser = i
		}
	}
	if firstUser == -1 {
		return out
	}

	head := joinBlocks(tagBlock("lessons", env.Lessons), tagBlock("state", env.State))
	tail := joinBlocks(tagBlock("todos", env.Todos), tagBlock("children", env.Children), tagBlock("budget", env.Budget))

	if firstUser == lastUser {
		combined := joinBlocks(head, tail)
		if combined != "" {
			out[firstUser] = prependContent(out[firstUser], combined)
		}
		return out
	}

	if head != "" {
		out[firstUser] = prependContent(out[firstUser], head)
	}
	if tail != "" {
		out[lastUser] = prependContent(out[lastUser], tail)
	}
	return out
}

func tagBlock(name, body string) string {
	if body == "" {
		return ""
	}
	return "<" + name + ">\n" + body + "\n</" + name + ">"
}

func joinBlocks(blocks ...string) string {
	var parts []string
	for _, b := range blocks {
		if b != "" {
			parts = append(parts, b)
		}
	}
	return strings.Join(parts, "\n\n")
}

func prependContent(msg *schema.Message, block string) *schema.Message {
	clone := *msg
	clone.Content = block + "\n\n" + msg.Content
	return &clone
}
