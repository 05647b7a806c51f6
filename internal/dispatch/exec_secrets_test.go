package dispatch

import (
	"context"
	"strings"
	"testing"

	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/agent"
)

func TestSearchSecrets(t *testing.T) {
	v := testVault(t)
	ctx := context.Background()
	if err := v.vault.Set(ctx, "github_token", "ghp_abc", "deploy token for CI", "tester"); err != nil {
		t.Fatal(err)
	}
	if err := v.vault.Set(ctx, "db_password", "hunter2", "staging database", "tester"); err != nil {
		t.Fatal(err)
	}

	e := &secretSearchExecutor{vault: v.vault}
	out := e.Execute(ctx, agent.Scope{}, action.New(action.KindSearchSecrets, map[string]any{"query": "token"}, action.Wait{}))
	if !out.Result.OK {
		t.Fatalf("search failed: %s", out.Result.Error)
	}
	if !strings.Contains(out.Result.Output, "github_token") {
		t.Errorf("output = %q, want github_token listed", out.Result.Output)
	}
	if strings.Contains(out.Result.Output, "ghp_abc") || strings.Contains(out.Result.Output, "hunter2") {
		t.Fatalf("secret value leaked: %q", out.Result.Output)
	}
	if !strings.Contains(out.Result.Output, "{{SECRET:name}}") {
		t.Errorf("output = %q, want template hint", out.Result.Output)
	}

	out = e.Execute(ctx, agent.Scope{}, action.New(action.KindSearchSecrets, map[string]any{"query": "zzz"}, action.Wait{}))
	if !out.Result.OK || !strings.Contains(out.Result.Output, "no secrets match") {
		t.Errorf("result = %+v, want empty-match message", out.Result)
	}
}

func TestSearchSecrets_NoVault(t *testing.T) {
	e := &secretSearchExecutor{}
	out := e.Execute(context.Background(), agent.Scope{}, action.New(action.KindSearchSecrets, map[string]any{"query": "x"}, action.Wait{}))
	if out.Result.OK || !strings.Contains(out.Result.Error, "service_unavailable") {
		t.Errorf("result = %+v, want service_unavailable", out.Result)
	}
}

func TestGenerateSecret(t *testing.T) {
	v := testVault(t)
	ctx := context.Background()

	e := &secretGenerateExecutor{vault: v.vault}
	out := e.Execute(ctx, agent.Scope{AgentID: "agent_g1"}, action.New(action.KindGenerateSecret, map[string]any{
		"name":        "session_key",
		"length":      16,
		"description": "ephemeral session key",
	}, action.Wait{}))
	if !out.Result.OK {
		t.Fatalf("generate failed: %s", out.Result.Error)
	}
	if !strings.Contains(out.Result.Output, "{{SECRET:session_key}}") {
		t.Errorf("output = %q, want template reference", out.Result.Output)
	}

	value, err := v.vault.Get(ctx, "session_key")
	if err != nil {
		t.Fatalf("get generated: %v", err)
	}
	if len(value) != 16 {
		t.Errorf("value length = %d, want 16", len(value))
	}
	if strings.Contains(out.Result.Output, value) {
		t.Fatal("generated value leaked into the result")
	}
}
