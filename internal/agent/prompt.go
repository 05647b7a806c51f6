package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dohr-michael/quorum/internal/action"
)

// decisionPreamble opens every agent's system prompt.
const decisionPreamble = `You are one voice of a multi-model agent. Several models receive this same conversation; your individual reply is merged with theirs into one decision, so answer decisively and avoid hedging.

On every turn reply with exactly one JSON object and nothing else:

{"action": "<kind>", "params": {...}, "wait": false}

"wait" controls what happens after the action runs: false continues immediately, true sleeps until something external wakes you (a message, a child finishing), a number sleeps that many seconds. Never set wait true on an action that completes by itself.

Batch sub-actions are objects of the form {"kind": "<kind>", "params": {...}}.

Work in small steps. Use orient to think, todo to track progress, send_message to report to your parent. When the task is done, send your final result to "parent" with "final": true; that report closes the task.`

// BuildSystemPrompt renders the decision protocol plus the action catalog
// the agent is permitted to use.
func BuildSystemPrompt(s State) string {
	var b strings.Builder
	b.WriteString(decisionPreamble)
	b.WriteString("\n\n## Actions\n")

	for _, k := range action.Kinds() {
		if !s.Permitted(k) {
			continue
		}
		schema, ok := action.SchemaFor(k)
		if !ok {
			continue
		}
		b.WriteString("\n### ")
		b.WriteString(string(k))
		b.WriteString("\n")
		writeParamLines(&b, schema, schema.Required, "required")
		writeParamLines(&b, schema, schema.Optional, "optional")
		for _, group := range schema.XOR {
			fmt.Fprintf(&b, "- exactly one of: %s\n", strings.Join(group, ", "))
		}
	}
	return b.String()
}

func writeParamLines(b *strings.Builder, schema action.Schema, names []string, label string) {
	for _, name := range names {
		desc := schema.Descriptions[name]
		if desc == "" {
			fmt.Fprintf(b, "- %s (%s)\n", name, label)
			continue
		}
		fmt.Fprintf(b, "- %s (%s): %s\n", name, label, desc)
	}
}

// renderStateEnvelope is the <state> block: identity and standing of the
// agent, injected at the head of the conversation.
func renderStateEnvelope(id, taskID, parentID string, s State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "agent: %s\ntask: %s\n", id, taskID)
	if parentID != "" {
		fmt.Fprintf(&b, "parent: %s\n", parentID)
	}
	if s.Profile != "" {
		fmt.Fprintf(&b, "profile: %s\n", s.Profile)
	}
	if len(s.Capabilities) > 0 {
		fmt.Fprintf(&b, "capabilities: %s\n", strings.Join(s.Capabilities, ", "))
	}
	if len(s.Pending) > 0 {
		ids := make([]string, 0, len(s.Pending))
		for id := range s.Pending {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = fmt.Sprintf("%s (%s)", id, s.Pending[id].Kind)
		}
		fmt.Fprintf(&b, "in flight: %s\n", strings.Join(parts, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderBudgetEnvelope is the <budget> block.
func renderBudgetEnvelope(s State, spent float64) string {
	b := s.Budget
	if b.Unlimited() {
		return fmt.Sprintf("unlimited (spent %.4f)", spent)
	}
	available := *b.Allocated - spent - b.Committed
	out := fmt.Sprintf("allocated %.4f, spent %.4f, reserved for children %.4f, available %.4f",
		*b.Allocated, spent, b.Committed, available)
	if s.OverBudget {
		out += "\nOVER BUDGET: costly actions are blocked until budget is freed (dismiss a child or raise the allocation)."
	}
	return out
}

// renderChildrenEnvelope is the <children> block.
func renderChildrenEnvelope(children map[string]float64) string {
	if len(children) == 0 {
		return ""
	}
	ids := make([]string, 0, len(children))
	for id := range children {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	for _, id := range ids {
		if alloc := children[id]; alloc > 0 {
			fmt.Fprintf(&b, "%s (budget %.4f)\n", id, alloc)
		} else {
			fmt.Fprintf(&b, "%s\n", id)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderTodosEnvelope is the <todos> block.
func renderTodosEnvelope(todos []Todo) string {
	if len(todos) == 0 {
		return ""
	}
	marks := map[string]string{"todo": " ", "pending": "~", "done": "x"}
	var b strings.Builder
	for _, t := range todos {
		mark, ok := marks[t.State]
		if !ok {
			mark = " "
		}
		fmt.Fprintf(&b, "- [%s] %s\n", mark, t.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
