// Package action declares the action kinds an agent can decide on, their
// parameter schemas, their consensus merge rules, and the static
// classification tables (priority, cost, self-containment, batchability,
// capability gating) the dispatcher and consensus engine are driven by.
package action

// Kind identifies one executable action type.
type Kind string

const (
	KindOrient         Kind = "orient"
	KindWait           Kind = "wait"
	KindSendMessage    Kind = "send_message"
	KindBatchSync      Kind = "batch_sync"
	KindBatchAsync     Kind = "batch_async"
	KindFetchWeb       Kind = "fetch_web"
	KindFileRead       Kind = "file_read"
	KindSearchSecrets  Kind = "search_secrets"
	KindLearnSkills    Kind = "learn_skills"
	KindAnswerEngine   Kind = "answer_engine"
	KindTodo           Kind = "todo"
	KindAdjustBudget   Kind = "adjust_budget"
	KindGenerateSecret Kind = "generate_secret"
	KindGenerateImages Kind = "generate_images"
	KindRecordCost     Kind = "record_cost"
	KindCallMCP        Kind = "call_mcp"
	KindCallAPI        Kind = "call_api"
	KindExecuteShell   Kind = "execute_shell"
	KindFileWrite      Kind = "file_write"
	KindDismissChild   Kind = "dismiss_child"
	KindCreateSkill    Kind = "create_skill"
	KindSpawnChild     Kind = "spawn_child"
)

// priorities break consensus vote ties: lower = more conservative wins.
var priorities = map[Kind]int{
	KindOrient:         1,
	KindWait:           2,
	KindSendMessage:    3,
	KindBatchSync:      4,
	KindBatchAsync:     5,
	KindFetchWeb:       6,
	KindFileRead:       7,
	KindSearchSecrets:  8,
	KindLearnSkills:    9,
	KindAnswerEngine:   10,
	KindTodo:           11,
	KindAdjustBudget:   12,
	KindGenerateSecret: 13,
	KindGenerateImages: 14,
	KindRecordCost:     15,
	KindCallMCP:        16,
	KindCallAPI:        17,
	KindExecuteShell:   18,
	KindFileWrite:      19,
	KindDismissChild:   20,
	KindCreateSkill:    21,
	KindSpawnChild:     22,
}

// costlyKinds are blocked for over-budget agents. execute_shell is costly
// only when it starts a new command; see Costly.
var costlyKinds = map[Kind]bool{
	KindSpawnChild:     true,
	KindCallAPI:        true,
	KindCallMCP:        true,
	KindFetchWeb:       true,
	KindAnswerEngine:   true,
	KindGenerateImages: true,
	KindExecuteShell:   true,
}

// selfContained kinds complete without any external responder. A proposed
// wait=true on them would stall forever and is auto-corrected.
var selfContained = map[Kind]bool{
	KindOrient:         true,
	KindTodo:           true,
	KindFileRead:       true,
	KindFileWrite:      true,
	KindAdjustBudget:   true,
	KindGenerateSecret: true,
	KindSearchSecrets:  true,
	KindLearnSkills:    true,
	KindCreateSkill:    true,
	KindRecordCost:     true,
}

// notBatchable kinds may not appear inside batch_sync or batch_async.
var notBatchable = map[Kind]bool{
	KindWait:       true,
	KindBatchSync:  true,
	KindBatchAsync: true,
}

// capabilityGroups gates kinds behind permission tags. Kinds absent from
// the table are always permitted.
var capabilityGroups = map[Kind]string{
	KindSpawnChild:     "hierarchy",
	KindDismissChild:   "hierarchy",
	KindAdjustBudget:   "hierarchy",
	KindFetchWeb:       "web",
	KindAnswerEngine:   "web",
	KindCallAPI:        "api",
	KindCallMCP:        "api",
	KindExecuteShell:   "shell",
	KindFileRead:       "files",
	KindFileWrite:      "files",
	KindSearchSecrets:  "secrets",
	KindGenerateSecret: "secrets",
	KindLearnSkills:    "skills",
	KindCreateSkill:    "skills",
	KindGenerateImages: "images",
}

// Known reports whether k is a declared kind.
func (k Kind) Known() bool {
	_, ok := priorities[k]
	return ok
}

// Priority returns the vote tiebreak rank for k. Unknown kinds sort last.
func Priority(k Kind) int {
	if p, ok := priorities[k]; ok {
		return p
	}
	return len(priorities) + 1
}

// Kinds returns every declared kind in priority order.
func Kinds() []Kind {
	out := make([]Kind, len(priorities))
	for k, p := range priorities {
		out[p-1] = k
	}
	return out
}

// Costly reports whether executing (k, params) must pass the budget check.
// An execute_shell that only checks or terminates an existing command is
// free; starting a new command is costly. Unknown kinds default to free —
// permission gating catches them separately.
func Costly(k Kind, params map[string]any) bool {
	if !costlyKinds[k] {
		return false
	}
	if k == KindExecuteShell {
		return ShellStartsCommand(params)
	}
	return true
}

// ShellStartsCommand reports whether an execute_shell invocation starts a
// new command, as opposed to polling or terminating one via check_id.
func ShellStartsCommand(params map[string]any) bool {
	if _, ok := params["check_id"]; ok {
		return false
	}
	cmd, ok := params["command"].(string)
	return ok && cmd != ""
}

// SelfContained reports whether k completes without an external responder.
func SelfContained(k Kind) bool { return selfContained[k] }

// Batchable reports whether k may appear inside a batch action.
func Batchable(k Kind) bool { return k.Known() && !notBatchable[k] }

// RequiredGroup returns the capability group gating k, if any.
func RequiredGroup(k Kind) (string, bool) {
	g, ok := capabilityGroups[k]
	return g, ok
}
