package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/agent"
	"github.com/dohr-michael/quorum/internal/config"
)

func newShellExecutor(deliver func(agent.Scope, Outcome)) *shellExecutor {
	if deliver == nil {
		deliver = func(agent.Scope, Outcome) {}
	}
	return &shellExecutor{
		cfg:  config.ShellConfig{},
		jobs: newJobs(slog.New(slog.DiscardHandler), deliver),
	}
}

func shellAct(params map[string]any) action.Action {
	return action.New(action.KindExecuteShell, params, action.Wait{})
}

func TestShell_SyncCommand(t *testing.T) {
	e := newShellExecutor(nil)

	out := e.Execute(context.Background(), agent.Scope{AgentID: "agent_s1"}, shellAct(map[string]any{
		"command": "echo hello",
	}))
	if !out.Result.OK {
		t.Fatalf("echo failed: %s", out.Result.Error)
	}
	if out.Ack {
		t.Fatal("short command must complete synchronously")
	}
	if out.Result.Output != "hello\n" {
		t.Errorf("output = %q, want hello\\n", out.Result.Output)
	}
}

func TestShell_ExitStatus(t *testing.T) {
	e := newShellExecutor(nil)

	out := e.Execute(context.Background(), agent.Scope{AgentID: "agent_s1"}, shellAct(map[string]any{
		"command": "echo partial; exit 3",
	}))
	if out.Result.OK {
		t.Fatal("nonzero exit must fail")
	}
	if !strings.Contains(out.Result.Error, "exit status 3") {
		t.Errorf("error = %q, want exit status 3", out.Result.Error)
	}
	if !strings.Contains(out.Result.Error, "partial") {
		t.Errorf("error = %q, want captured output attached", out.Result.Error)
	}
}

func TestShell_ParseError(t *testing.T) {
	e := newShellExecutor(nil)

	out := e.Execute(context.Background(), agent.Scope{AgentID: "agent_s1"}, shellAct(map[string]any{
		"command": "if then fi",
	}))
	if out.Result.OK || !strings.Contains(out.Result.Error, "invalid_param") {
		t.Errorf("result = %+v, want invalid_param", out.Result)
	}
}

func TestShell_BackgroundCheckAndTerminate(t *testing.T) {
	final := make(chan Outcome, 1)
	e := newShellExecutor(func(_ agent.Scope, out Outcome) { final <- out })
	scope := agent.Scope{AgentID: "agent_s1"}

	start := e.Execute(context.Background(), scope, shellAct(map[string]any{
		"command": "while :; do :; done",
	}))
	if !start.Ack || start.AsyncRef == "" {
		t.Fatalf("long command must ack with a job ref, got %+v", start)
	}
	jobID := start.AsyncRef

	check := e.Execute(context.Background(), scope, shellAct(map[string]any{
		"check_id": jobID,
	}))
	if !check.Result.OK || !strings.Contains(check.Result.Output, "still running") {
		t.Errorf("check = %+v, want still running", check.Result)
	}

	// Another agent must not see the job.
	foreign := e.Execute(context.Background(), agent.Scope{AgentID: "agent_other"}, shellAct(map[string]any{
		"check_id": jobID,
	}))
	if foreign.Result.OK {
		t.Error("foreign agent resolved another agent's job")
	}

	term := e.Execute(context.Background(), scope, shellAct(map[string]any{
		"check_id":  jobID,
		"terminate": true,
	}))
	if !term.Result.OK || !strings.Contains(term.Result.Output, "termination signaled") {
		t.Errorf("terminate = %+v", term.Result)
	}

	select {
	case out := <-final:
		if out.Result.ActionID != start.Result.ActionID {
			t.Errorf("final result for %s, want %s", out.Result.ActionID, start.Result.ActionID)
		}
		if out.Result.OK || !strings.Contains(out.Result.Error, "command terminated") {
			t.Errorf("final = %+v, want command terminated", out.Result)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no final result after terminate")
	}

	if _, ok := e.jobs.get(jobID); ok {
		t.Error("job still registered after completion")
	}
}

func TestShell_Timeout(t *testing.T) {
	final := make(chan Outcome, 1)
	e := newShellExecutor(func(_ agent.Scope, out Outcome) { final <- out })

	start := e.Execute(context.Background(), agent.Scope{AgentID: "agent_s1"}, shellAct(map[string]any{
		"command":         "while :; do :; done",
		"timeout_seconds": 1,
	}))
	if !start.Ack {
		t.Fatalf("expected background ack, got %+v", start)
	}

	select {
	case out := <-final:
		if out.Result.OK || !strings.Contains(out.Result.Error, "timed out after 1s") {
			t.Errorf("final = %+v, want timeout", out.Result)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no final result after timeout")
	}
}

func TestShell_CheckUnknownJob(t *testing.T) {
	e := newShellExecutor(nil)

	out := e.Execute(context.Background(), agent.Scope{AgentID: "agent_s1"}, shellAct(map[string]any{
		"check_id": "job_missing",
	}))
	if out.Result.OK || !strings.Contains(out.Result.Error, "not_found") {
		t.Errorf("result = %+v, want not_found", out.Result)
	}
}

func TestShell_KillByAgent(t *testing.T) {
	final := make(chan Outcome, 1)
	e := newShellExecutor(func(_ agent.Scope, out Outcome) { final <- out })
	scope := agent.Scope{AgentID: "agent_doomed"}

	start := e.Execute(context.Background(), scope, shellAct(map[string]any{
		"command": "while :; do :; done",
	}))
	if !start.Ack {
		t.Fatalf("expected background ack, got %+v", start)
	}

	e.jobs.killByAgent("agent_doomed")

	select {
	case out := <-final:
		if out.Result.OK {
			t.Errorf("killed job reported success: %+v", out.Result)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job not reaped after killByAgent")
	}
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{max: 8}
	b.Write([]byte("0123456789"))
	got := b.String()
	if !strings.HasPrefix(got, "[earlier output truncated]\n") || !strings.HasSuffix(got, "23456789") {
		t.Errorf("tail = %q", got)
	}

	small := &tailBuffer{max: 8}
	small.Write([]byte("abc"))
	if small.String() != "abc" {
		t.Errorf("tail = %q, want abc", small.String())
	}
}
