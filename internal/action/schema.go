package action

// RuleName identifies the merge strategy applied to one parameter when
// several model proposals of the same kind are combined into a decision.
type RuleName string

const (
	RuleExactMatch         RuleName = "exact_match"
	RuleModeSelection      RuleName = "mode_selection"
	RuleSemanticSimilarity RuleName = "semantic_similarity"
	RulePercentile         RuleName = "percentile"
	RuleUnionMerge         RuleName = "union_merge"
	RuleStructuralMerge    RuleName = "structural_merge"
	RuleMergeMaps          RuleName = "merge_maps"
	RuleFirstNonNil        RuleName = "first_non_nil"
	RuleBatchSequence      RuleName = "batch_sequence_merge"
)

// Rule binds a merge strategy to its tuning knobs. Threshold applies to
// semantic_similarity, Percentile to percentile.
type Rule struct {
	Name       RuleName
	Threshold  float64
	Percentile float64
}

func exact() Rule              { return Rule{Name: RuleExactMatch} }
func mode() Rule               { return Rule{Name: RuleModeSelection} }
func semantic(t float64) Rule  { return Rule{Name: RuleSemanticSimilarity, Threshold: t} }
func percentile(p float64) Rule { return Rule{Name: RulePercentile, Percentile: p} }
func union() Rule              { return Rule{Name: RuleUnionMerge} }
func structural() Rule         { return Rule{Name: RuleStructuralMerge} }
func mergeMaps() Rule          { return Rule{Name: RuleMergeMaps} }
func firstNonNil() Rule        { return Rule{Name: RuleFirstNonNil} }
func batchSequence() Rule      { return Rule{Name: RuleBatchSequence} }

// Schema declares the parameters of one action kind: which are required,
// which optional, mutually exclusive groups, per-parameter types, and the
// consensus merge rule for each.
type Schema struct {
	Required     []string
	Optional     []string
	XOR          [][]string
	Types        map[string]Type
	Rules        map[string]Rule
	Descriptions map[string]string
}

// Params returns every declared parameter name, required first.
func (s Schema) Params() []string {
	out := make([]string, 0, len(s.Required)+len(s.Optional))
	out = append(out, s.Required...)
	out = append(out, s.Optional...)
	return out
}

var schemas = map[Kind]Schema{
	KindOrient: {
		Required: []string{"thoughts"},
		Types:    map[string]Type{"thoughts": String()},
		Rules:    map[string]Rule{"thoughts": semantic(0.70)},
		Descriptions: map[string]string{
			"thoughts": "free-form reflection on progress and next steps",
		},
	},
	KindWait: {
		Required: []string{"wait"},
		Types:    map[string]Type{"wait": Union(Boolean(), Number())},
		Rules:    map[string]Rule{"wait": mode()},
		Descriptions: map[string]string{
			"wait": "true to sleep until woken, or seconds to sleep",
		},
	},
	KindSendMessage: {
		Required: []string{"to", "content"},
		Optional: []string{"final"},
		Types: map[string]Type{
			"to":      Union(Enum("parent", "children", "announcement"), List(String())),
			"content": String(),
			"final":   Boolean(),
		},
		Rules: map[string]Rule{
			"to":      exact(),
			"content": semantic(0.85),
			"final":   mode(),
		},
		Descriptions: map[string]string{
			"to":      "parent, children, announcement, or explicit agent ids",
			"content": "message body",
			"final":   "true on a root agent's parent report marks the task completed with this content as its result",
		},
	},
	KindBatchSync: {
		Required: []string{"actions"},
		Types:    map[string]Type{"actions": List(Map())},
		Rules:    map[string]Rule{"actions": batchSequence()},
		Descriptions: map[string]string{
			"actions": `sub-actions as {"kind": "...", "params": {...}} objects, executed in order, stopping on failure`,
		},
	},
	KindBatchAsync: {
		Required: []string{"actions"},
		Types:    map[string]Type{"actions": List(Map())},
		Rules:    map[string]Rule{"actions": batchSequence()},
		Descriptions: map[string]string{
			"actions": `sub-actions as {"kind": "...", "params": {...}} objects, executed concurrently`,
		},
	},
	KindFetchWeb: {
		Required: []string{"url"},
		Optional: []string{"prompt"},
		Types: map[string]Type{
			"url":    String(),
			"prompt": String(),
		},
		Rules: map[string]Rule{
			"url":    exact(),
			"prompt": firstNonNil(),
		},
		Descriptions: map[string]string{
			"url":    "page to fetch",
			"prompt": "optional extraction focus applied to the page text",
		},
	},
	KindFileRead: {
		Optional: []string{"path", "pattern", "max_bytes"},
		XOR:      [][]string{{"path", "pattern"}},
		Types: map[string]Type{
			"path":      String(),
			"pattern":   String(),
			"max_bytes": Integer(),
		},
		Rules: map[string]Rule{
			"path":      exact(),
			"pattern":   exact(),
			"max_bytes": percentile(50),
		},
		Descriptions: map[string]string{
			"path":      "single file to read",
			"pattern":   "glob of files to read, ** supported",
			"max_bytes": "truncate each file to this many bytes",
		},
	},
	KindSearchSecrets: {
		Required: []string{"query"},
		Types:    map[string]Type{"query": String()},
		Rules:    map[string]Rule{"query": mode()},
		Descriptions: map[string]string{
			"query": "substring matched against secret names and descriptions",
		},
	},
	KindLearnSkills: {
		Required: []string{"names"},
		Types:    map[string]Type{"names": List(String())},
		Rules:    map[string]Rule{"names": union()},
		Descriptions: map[string]string{
			"names": "skill names to load into the conversation",
		},
	},
	KindAnswerEngine: {
		Required: []string{"query"},
		Optional: []string{"max_results"},
		Types: map[string]Type{
			"query":       String(),
			"max_results": Integer(),
		},
		Rules: map[string]Rule{
			"query":       semantic(0.85),
			"max_results": percentile(50),
		},
		Descriptions: map[string]string{
			"query":       "web search query",
			"max_results": "cap on returned results",
		},
	},
	KindTodo: {
		Required: []string{"items"},
		Types: map[string]Type{
			"items": List(Shape(map[string]Type{
				"content": String(),
				"state":   Enum("todo", "pending", "done"),
			})),
		},
		Rules: map[string]Rule{"items": structural()},
		Descriptions: map[string]string{
			"items": "full replacement todo list",
		},
	},
	KindAdjustBudget: {
		Required: []string{"child_id", "new_budget"},
		Types: map[string]Type{
			"child_id":   String(),
			"new_budget": Number(),
		},
		Rules: map[string]Rule{
			"child_id":   exact(),
			"new_budget": percentile(50),
		},
		Descriptions: map[string]string{
			"child_id":   "direct child whose allocation changes",
			"new_budget": "new allocation in account currency",
		},
	},
	KindGenerateSecret: {
		Required: []string{"name"},
		Optional: []string{"length", "description"},
		Types: map[string]Type{
			"name":        String(),
			"length":      Integer(),
			"description": String(),
		},
		Rules: map[string]Rule{
			"name":        exact(),
			"length":      percentile(50),
			"description": firstNonNil(),
		},
		Descriptions: map[string]string{
			"name":        "secret name, unique in the vault",
			"length":      "random value length, default 32",
			"description": "what the secret is for",
		},
	},
	KindGenerateImages: {
		Required: []string{"prompt"},
		Optional: []string{"count"},
		Types: map[string]Type{
			"prompt": String(),
			"count":  Integer(),
		},
		Rules: map[string]Rule{
			"prompt": semantic(0.85),
			"count":  percentile(50),
		},
		Descriptions: map[string]string{
			"prompt": "image description",
			"count":  "number of images, default 1",
		},
	},
	KindRecordCost: {
		Required: []string{"cost_type", "amount"},
		Optional: []string{"metadata"},
		Types: map[string]Type{
			"cost_type": String(),
			"amount":    Number(),
			"metadata":  Map(),
		},
		Rules: map[string]Rule{
			"cost_type": mode(),
			"amount":    percentile(50),
			"metadata":  mergeMaps(),
		},
		Descriptions: map[string]string{
			"cost_type": "label for the external spend",
			"amount":    "cost in account currency",
			"metadata":  "free-form context for the record",
		},
	},
	KindCallMCP: {
		Required: []string{"server", "tool"},
		Optional: []string{"arguments"},
		Types: map[string]Type{
			"server":    String(),
			"tool":      String(),
			"arguments": Map(),
		},
		Rules: map[string]Rule{
			"server":    exact(),
			"tool":      exact(),
			"arguments": mergeMaps(),
		},
		Descriptions: map[string]string{
			"server":    "configured MCP server name",
			"tool":      "tool to invoke on the server",
			"arguments": "tool arguments",
		},
	},
	KindCallAPI: {
		Required: []string{"url"},
		Optional: []string{"method", "headers", "body", "auth_type", "auth_secret"},
		Types: map[string]Type{
			"url":         String(),
			"method":      Enum("GET", "POST", "PUT", "PATCH", "DELETE"),
			"headers":     Map(),
			"body":        Any(),
			"auth_type":   Enum("none", "bearer", "basic", "api_key"),
			"auth_secret": String(),
		},
		Rules: map[string]Rule{
			"url":         exact(),
			"method":      mode(),
			"headers":     mergeMaps(),
			"body":        structural(),
			"auth_type":   exact(),
			"auth_secret": firstNonNil(),
		},
		Descriptions: map[string]string{
			"url":         "endpoint to call",
			"method":      "HTTP method, default GET",
			"headers":     "extra request headers",
			"body":        "request body, JSON-encoded when not a string",
			"auth_type":   "credential scheme applied to the request",
			"auth_secret": "vault secret name holding the credential",
		},
	},
	KindExecuteShell: {
		Optional: []string{"command", "check_id", "terminate", "timeout_seconds", "workdir"},
		XOR:      [][]string{{"command", "check_id"}},
		Types: map[string]Type{
			"command":         String(),
			"check_id":        String(),
			"terminate":       Boolean(),
			"timeout_seconds": Integer(),
			"workdir":         String(),
		},
		Rules: map[string]Rule{
			"command":         exact(),
			"check_id":        exact(),
			"terminate":       mode(),
			"timeout_seconds": percentile(50),
			"workdir":         exact(),
		},
		Descriptions: map[string]string{
			"command":         "shell command to start",
			"check_id":        "id of a running command to poll or terminate",
			"terminate":       "with check_id, kill instead of poll",
			"timeout_seconds": "kill the command after this long",
			"workdir":         "working directory for the command",
		},
	},
	KindFileWrite: {
		Required: []string{"path", "content"},
		Optional: []string{"append"},
		Types: map[string]Type{
			"path":    String(),
			"content": String(),
			"append":  Boolean(),
		},
		Rules: map[string]Rule{
			"path":    exact(),
			"content": semantic(0.90),
			"append":  mode(),
		},
		Descriptions: map[string]string{
			"path":    "file to write",
			"content": "full contents, or suffix when append",
			"append":  "append instead of replacing",
		},
	},
	KindDismissChild: {
		Required: []string{"child_id"},
		Optional: []string{"reason"},
		Types: map[string]Type{
			"child_id": String(),
			"reason":   String(),
		},
		Rules: map[string]Rule{
			"child_id": exact(),
			"reason":   firstNonNil(),
		},
		Descriptions: map[string]string{
			"child_id": "direct child to terminate",
			"reason":   "why the child is no longer needed",
		},
	},
	KindCreateSkill: {
		Required: []string{"name", "description", "body"},
		Types: map[string]Type{
			"name":        String(),
			"description": String(),
			"body":        String(),
		},
		Rules: map[string]Rule{
			"name":        exact(),
			"description": semantic(0.80),
			"body":        semantic(0.80),
		},
		Descriptions: map[string]string{
			"name":        "skill name, becomes the directory name",
			"description": "when the skill applies",
			"body":        "skill instructions in markdown",
		},
	},
	KindSpawnChild: {
		Required: []string{"prompt"},
		Optional: []string{"profile", "budget", "models", "capability_groups"},
		Types: map[string]Type{
			"prompt":            String(),
			"profile":           String(),
			"budget":            Number(),
			"models":            List(String()),
			"capability_groups": List(String()),
		},
		Rules: map[string]Rule{
			"prompt":            semantic(0.85),
			"profile":           exact(),
			"budget":            percentile(50),
			"models":            union(),
			"capability_groups": union(),
		},
		Descriptions: map[string]string{
			"prompt":            "task delegated to the child",
			"profile":           "behavior profile for the child",
			"budget":            "allocation escrowed from this agent",
			"models":            "model ids the child consults",
			"capability_groups": "capability groups granted to the child",
		},
	},
}

// SchemaFor returns the declared schema for k.
func SchemaFor(k Kind) (Schema, bool) {
	s, ok := schemas[k]
	return s, ok
}

// RuleFor returns the merge rule for one parameter of k. Undeclared
// parameters merge with first_non_nil so stray extras never block a round.
func RuleFor(k Kind, param string) Rule {
	if s, ok := schemas[k]; ok {
		if r, ok := s.Rules[param]; ok {
			return r
		}
	}
	return firstNonNil()
}
