package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/agent"
	"github.com/dohr-michael/quorum/internal/config"
	"github.com/dohr-michael/quorum/internal/fault"
	"github.com/dohr-michael/quorum/internal/secrets"
)

const (
	defaultShellTimeout = 30 * time.Second
	maxShellTimeout     = 5 * time.Minute
	defaultShellOutput  = 64 * 1024

	// syncGrace is how long a command may run before it is promoted to a
	// background job with a check_id.
	syncGrace = 100 * time.Millisecond
)

// shellExecutor runs execute_shell in its three modes: start a command,
// check a background job, terminate one. Commands run under an embedded
// POSIX interpreter so no host shell is involved.
type shellExecutor struct {
	cfg  config.ShellConfig
	jobs *jobs
}

func (e *shellExecutor) Execute(ctx context.Context, scope agent.Scope, act action.Action) Outcome {
	if checkID := pstr(act.Params, "check_id"); checkID != "" {
		if pbool(act.Params, "terminate") {
			return e.terminate(scope, act, checkID)
		}
		return e.check(scope, act, checkID)
	}
	return e.start(ctx, scope, act)
}

func (e *shellExecutor) start(ctx context.Context, scope agent.Scope, act action.Action) Outcome {
	command := pstr(act.Params, "command")
	file, err := syntax.NewParser().Parse(strings.NewReader(command), "")
	if err != nil {
		return failure(act, fault.Wrap(fault.InvalidParam, err, "execute_shell: parse"))
	}

	timeout := e.cfg.DefaultTimeout.Duration()
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	if secs := pint(act.Params, "timeout_seconds", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	if timeout > maxShellTimeout {
		timeout = maxShellTimeout
	}
	workdir := pstr(act.Params, "workdir")
	if workdir == "" {
		workdir = e.cfg.Workdir
	}
	maxOut := e.cfg.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = defaultShellOutput
	}

	j := &job{
		id:      "job_" + uuid.NewString()[:8],
		scope:   scope,
		act:     act,
		command: command,
		timeout: timeout,
		used:    usedSecretsFrom(ctx),
		buf:     &tailBuffer{max: maxOut},
		started: time.Now(),
		done:    make(chan struct{}),
	}

	runner, err := interp.New(
		interp.StdIO(nil, j.buf, j.buf),
		interp.Dir(workdir),
		interp.Env(expand.ListEnviron(os.Environ()...)),
	)
	if err != nil {
		return failure(act, fault.Wrap(fault.ActionCrashed, err, "execute_shell: interpreter"))
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	j.cancel = cancel
	go func() {
		defer cancel()
		j.runErr = runner.Run(runCtx, file)
		j.ctxErr = runCtx.Err()
		close(j.done)
	}()

	select {
	case <-j.done:
		output := secrets.Scrub(j.buf.String(), j.used)
		if j.runErr != nil {
			return failure(act, errors.New(shellFailure(j, output)))
		}
		return success(act, output)
	case <-time.After(syncGrace):
		e.jobs.register(j)
		go e.jobs.watch(j)
		return acked(act, j.id, fmt.Sprintf("command running in background; poll with check_id %q", j.id))
	}
}

func (e *shellExecutor) check(scope agent.Scope, act action.Action, id string) Outcome {
	j, ok := e.jobs.get(id)
	if !ok || j.scope.AgentID != scope.AgentID {
		return failure(act, fault.New(fault.NotFound, "no running job %q", id))
	}
	select {
	case <-j.done:
		return success(act, fmt.Sprintf("job %s has finished; its result follows separately", id))
	default:
	}
	output := secrets.Scrub(j.buf.String(), j.used)
	if output == "" {
		output = "(no output yet)"
	}
	return success(act, fmt.Sprintf("job %s still running (%s elapsed)\n%s",
		id, time.Since(j.started).Round(time.Second), output))
}

func (e *shellExecutor) terminate(scope agent.Scope, act action.Action, id string) Outcome {
	j, ok := e.jobs.get(id)
	if !ok || j.scope.AgentID != scope.AgentID {
		return failure(act, fault.New(fault.NotFound, "no running job %q", id))
	}
	j.cancel()
	return success(act, fmt.Sprintf("termination signaled for job %s; its final result follows separately", id))
}

// shellFailure renders a failed run with the command's output attached,
// since a failure result carries no separate output field.
func shellFailure(j *job, output string) string {
	var b strings.Builder
	switch {
	case errors.Is(j.ctxErr, context.DeadlineExceeded):
		fmt.Fprintf(&b, "command timed out after %s", j.timeout)
	case errors.Is(j.ctxErr, context.Canceled):
		b.WriteString("command terminated")
	default:
		if code, ok := interp.IsExitStatus(j.runErr); ok {
			fmt.Fprintf(&b, "exit status %d", code)
		} else {
			b.WriteString(j.runErr.Error())
		}
	}
	if output != "" {
		b.WriteString("\n")
		b.WriteString(output)
	}
	return b.String()
}
