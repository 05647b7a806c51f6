package action

import (
	"strings"
	"testing"

	"github.com/dohr-michael/quorum/internal/fault"
)

func TestCompile(t *testing.T) {
	if err := Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
}

func TestValidateRequired(t *testing.T) {
	err := Validate(KindOrient, map[string]any{})
	if fault.KindOf(err) != fault.MissingRequiredParam {
		t.Fatalf("expected MissingRequiredParam, got %v", err)
	}
	if err := Validate(KindOrient, map[string]any{"thoughts": "first pass done"}); err != nil {
		t.Fatalf("valid orient rejected: %v", err)
	}
}

func TestValidateTypes(t *testing.T) {
	cases := []struct {
		name   string
		kind   Kind
		params map[string]any
		ok     bool
	}{
		{"wait bool", KindWait, map[string]any{"wait": true}, true},
		{"wait seconds", KindWait, map[string]any{"wait": 30.0}, true},
		{"wait string", KindWait, map[string]any{"wait": "soon"}, false},
		{"send to enum", KindSendMessage, map[string]any{"to": "parent", "content": "done"}, true},
		{"send to ids", KindSendMessage, map[string]any{"to": []any{"agent_1"}, "content": "hi"}, true},
		{"send to bad enum", KindSendMessage, map[string]any{"to": "everyone", "content": "hi"}, false},
		{"api method enum", KindCallAPI, map[string]any{"url": "https://x", "method": "POST"}, true},
		{"api method bad", KindCallAPI, map[string]any{"url": "https://x", "method": "FETCH"}, false},
		{"todo shape", KindTodo, map[string]any{"items": []any{map[string]any{"content": "ship", "state": "todo"}}}, true},
		{"todo bad state", KindTodo, map[string]any{"items": []any{map[string]any{"content": "ship", "state": "later"}}}, false},
		{"count integer", KindGenerateImages, map[string]any{"prompt": "a fox", "count": 2.0}, true},
		{"count fractional", KindGenerateImages, map[string]any{"prompt": "a fox", "count": 2.5}, false},
	}
	for _, tc := range cases {
		err := Validate(tc.kind, tc.params)
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && fault.KindOf(err) != fault.InvalidParam {
			t.Errorf("%s: expected InvalidParam, got %v", tc.name, err)
		}
	}
}

func TestValidateXOR(t *testing.T) {
	if err := Validate(KindFileRead, map[string]any{"path": "a.txt"}); err != nil {
		t.Fatalf("path alone rejected: %v", err)
	}
	if err := Validate(KindFileRead, map[string]any{"pattern": "**/*.go"}); err != nil {
		t.Fatalf("pattern alone rejected: %v", err)
	}
	err := Validate(KindFileRead, map[string]any{"path": "a.txt", "pattern": "**/*.go"})
	if fault.KindOf(err) != fault.InvalidParam {
		t.Fatalf("both path and pattern accepted: %v", err)
	}
	err = Validate(KindFileRead, map[string]any{})
	if fault.KindOf(err) != fault.InvalidParam {
		t.Fatalf("neither path nor pattern accepted: %v", err)
	}
	err = Validate(KindExecuteShell, map[string]any{"command": "ls", "check_id": "act_1"})
	if fault.KindOf(err) != fault.InvalidParam {
		t.Fatalf("command plus check_id accepted: %v", err)
	}
}

func TestValidateIgnoresUndeclared(t *testing.T) {
	err := Validate(KindOrient, map[string]any{"thoughts": "ok", "confidence": 0.9})
	if err != nil {
		t.Fatalf("undeclared parameter rejected: %v", err)
	}
}

func TestPriorityOrdering(t *testing.T) {
	if Priority(KindOrient) != 1 {
		t.Fatalf("orient priority = %d, want 1", Priority(KindOrient))
	}
	if Priority(KindSpawnChild) != 22 {
		t.Fatalf("spawn_child priority = %d, want 22", Priority(KindSpawnChild))
	}
	if !(Priority(KindWait) < Priority(KindSendMessage)) {
		t.Fatal("wait should outrank send_message in ties")
	}
	if p := Priority(Kind("made_up")); p <= len(Kinds()) {
		t.Fatalf("unknown kind priority = %d, should sort last", p)
	}
	kinds := Kinds()
	if len(kinds) != 22 {
		t.Fatalf("declared %d kinds, want 22", len(kinds))
	}
	for i, k := range kinds {
		if Priority(k) != i+1 {
			t.Fatalf("Kinds() out of priority order at %d: %s", i, k)
		}
	}
}

func TestCostly(t *testing.T) {
	if !Costly(KindSpawnChild, nil) {
		t.Fatal("spawn_child should be costly")
	}
	if Costly(KindOrient, nil) {
		t.Fatal("orient should be free")
	}
	if !Costly(KindExecuteShell, map[string]any{"command": "make build"}) {
		t.Fatal("starting a shell command should be costly")
	}
	if Costly(KindExecuteShell, map[string]any{"check_id": "act_9"}) {
		t.Fatal("polling a command should be free")
	}
	if Costly(KindExecuteShell, map[string]any{"check_id": "act_9", "terminate": true}) {
		t.Fatal("terminating a command should be free")
	}
	if Costly(Kind("made_up"), nil) {
		t.Fatal("unknown kinds should be free")
	}
}

func TestSelfContainedAndBatchable(t *testing.T) {
	for _, k := range []Kind{KindOrient, KindTodo, KindFileWrite, KindRecordCost} {
		if !SelfContained(k) {
			t.Errorf("%s should be self-contained", k)
		}
	}
	for _, k := range []Kind{KindSpawnChild, KindSendMessage, KindExecuteShell} {
		if SelfContained(k) {
			t.Errorf("%s should not be self-contained", k)
		}
	}
	for _, k := range []Kind{KindWait, KindBatchSync, KindBatchAsync} {
		if Batchable(k) {
			t.Errorf("%s should not be batchable", k)
		}
	}
	if !Batchable(KindFetchWeb) {
		t.Fatal("fetch_web should be batchable")
	}
	if Batchable(Kind("made_up")) {
		t.Fatal("unknown kinds should not be batchable")
	}
}

func TestRequiredGroup(t *testing.T) {
	g, ok := RequiredGroup(KindSpawnChild)
	if !ok || g != "hierarchy" {
		t.Fatalf("spawn_child group = %q, want hierarchy", g)
	}
	if _, ok := RequiredGroup(KindOrient); ok {
		t.Fatal("orient should be ungated")
	}
}

func TestRuleFor(t *testing.T) {
	r := RuleFor(KindOrient, "thoughts")
	if r.Name != RuleSemanticSimilarity || r.Threshold != 0.70 {
		t.Fatalf("orient.thoughts rule = %+v", r)
	}
	r = RuleFor(KindOrient, "stray")
	if r.Name != RuleFirstNonNil {
		t.Fatalf("undeclared parameter rule = %+v, want first_non_nil", r)
	}
}

func TestNewID(t *testing.T) {
	id := NewID()
	if !strings.HasPrefix(id, "act_") || len(id) != len("act_")+8 {
		t.Fatalf("unexpected action id %q", id)
	}
}
