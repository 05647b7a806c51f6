package agent

import (
	"strings"
	"testing"

	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/budget"
)

func TestBuildSystemPrompt_FiltersByCapability(t *testing.T) {
	s := testState("m1")
	s.Capabilities = []string{"hierarchy"}

	prompt := BuildSystemPrompt(s)
	for _, want := range []string{"### orient", "### send_message", "### spawn_child", "### wait"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt lacks %q", want)
		}
	}
	for _, gated := range []string{"### execute_shell", "### fetch_web", "### file_read"} {
		if strings.Contains(prompt, gated) {
			t.Errorf("prompt offers %q without its capability group", gated)
		}
	}
}

func TestBuildSystemPrompt_EmptyCapabilitiesGrantsAll(t *testing.T) {
	prompt := BuildSystemPrompt(testState("m1"))
	for _, want := range []string{"### execute_shell", "### generate_images", "### call_mcp"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("unrestricted prompt lacks %q", want)
		}
	}
	if !strings.Contains(prompt, "exactly one of: path, pattern") {
		t.Error("file_read xor constraint missing from catalog")
	}
}

func TestRenderStateEnvelope(t *testing.T) {
	s := testState("m1")
	s.Profile = "researcher"
	s.Capabilities = []string{"web", "files"}
	s.Pending["act_b"] = PendingAction{ID: "act_b", Kind: action.KindFetchWeb}
	s.Pending["act_a"] = PendingAction{ID: "act_a", Kind: action.KindExecuteShell}

	got := renderStateEnvelope("agent_x1", "task_y1", "agent_p1", s)
	for _, want := range []string{
		"agent: agent_x1",
		"task: task_y1",
		"parent: agent_p1",
		"profile: researcher",
		"capabilities: web, files",
		"in flight: act_a (execute_shell), act_b (fetch_web)",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("state envelope lacks %q:\n%s", want, got)
		}
	}
}

func TestRenderStateEnvelope_RootOmitsParent(t *testing.T) {
	got := renderStateEnvelope("agent_x1", "task_y1", "", testState("m1"))
	if strings.Contains(got, "parent:") {
		t.Errorf("root envelope mentions a parent:\n%s", got)
	}
}

func TestRenderBudgetEnvelope(t *testing.T) {
	s := testState("m1")
	if got := renderBudgetEnvelope(s, 1.5); !strings.Contains(got, "unlimited") {
		t.Errorf("na budget rendered %q", got)
	}

	s.Budget = budget.NewAllocated(10).AddCommitted(2)
	got := renderBudgetEnvelope(s, 3)
	for _, want := range []string{"allocated 10.0000", "spent 3.0000", "reserved for children 2.0000", "available 5.0000"} {
		if !strings.Contains(got, want) {
			t.Errorf("budget envelope lacks %q: %s", want, got)
		}
	}
	if strings.Contains(got, "OVER BUDGET") {
		t.Errorf("healthy budget warns: %s", got)
	}

	s.OverBudget = true
	if got := renderBudgetEnvelope(s, 11); !strings.Contains(got, "OVER BUDGET") {
		t.Errorf("exhausted budget missing warning: %s", got)
	}
}

func TestRenderChildrenEnvelope(t *testing.T) {
	if got := renderChildrenEnvelope(nil); got != "" {
		t.Errorf("no children rendered %q", got)
	}

	got := renderChildrenEnvelope(map[string]float64{"agent_b": 0, "agent_a": 2.5})
	want := "agent_a (budget 2.5000)\nagent_b"
	if got != want {
		t.Errorf("children envelope = %q, want %q", got, want)
	}
}

func TestRenderTodosEnvelope(t *testing.T) {
	if got := renderTodosEnvelope(nil); got != "" {
		t.Errorf("no todos rendered %q", got)
	}

	got := renderTodosEnvelope([]Todo{
		{Content: "a", State: "todo"},
		{Content: "b", State: "pending"},
		{Content: "c", State: "done"},
	})
	want := "- [ ] a\n- [~] b\n- [x] c"
	if got != want {
		t.Errorf("todos envelope = %q, want %q", got, want)
	}
}
