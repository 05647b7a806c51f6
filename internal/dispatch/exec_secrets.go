package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/agent"
	"github.com/dohr-michael/quorum/internal/fault"
	"github.com/dohr-michael/quorum/internal/secrets"
)

const defaultSecretLength = 32

// secretSearchExecutor runs search_secrets over vault metadata. Only
// names and descriptions are returned; values never leave the vault
// through this path.
type secretSearchExecutor struct {
	vault *secrets.Vault
}

func (e *secretSearchExecutor) Execute(ctx context.Context, _ agent.Scope, act action.Action) Outcome {
	if e.vault == nil {
		return failure(act, fault.New(fault.ServiceUnavailable, "search_secrets: vault not configured"))
	}
	query := pstr(act.Params, "query")

	rows, err := e.vault.Search(ctx, query)
	if err != nil {
		return failure(act, fault.Wrap(fault.ActionCrashed, err, "search_secrets"))
	}
	if len(rows) == 0 {
		return success(act, fmt.Sprintf("no secrets match %q", query))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d secret(s) match %q:\n", len(rows), query)
	for _, row := range rows {
		if row.Description != "" {
			fmt.Fprintf(&b, "- %s: %s\n", row.Name, row.Description)
		} else {
			fmt.Fprintf(&b, "- %s\n", row.Name)
		}
	}
	b.WriteString("reference a secret in action parameters as {{SECRET:name}}")
	return success(act, b.String())
}

// secretGenerateExecutor runs generate_secret: a random value inserted
// into the vault under the given name. The value itself is never part of
// the result.
type secretGenerateExecutor struct {
	vault *secrets.Vault
}

func (e *secretGenerateExecutor) Execute(ctx context.Context, scope agent.Scope, act action.Action) Outcome {
	if e.vault == nil {
		return failure(act, fault.New(fault.ServiceUnavailable, "generate_secret: vault not configured"))
	}
	name := pstr(act.Params, "name")
	length := pint(act.Params, "length", defaultSecretLength)
	if length <= 0 {
		length = defaultSecretLength
	}
	description := pstr(act.Params, "description")

	if _, err := e.vault.Generate(ctx, name, length, description, scope.AgentID); err != nil {
		return failure(act, fault.Wrap(fault.ActionCrashed, err, "generate_secret: %s", name))
	}
	return success(act, fmt.Sprintf("generated secret %q (%d chars); reference it as {{SECRET:%s}}", name, length, name))
}
