package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/agent"
	"github.com/dohr-michael/quorum/internal/fault"
	"github.com/dohr-michael/quorum/internal/mcp"
)

// mcpExecutor runs call_mcp: one tool invocation on a configured MCP
// server. Session management and reconnects live in the manager.
type mcpExecutor struct {
	client *mcp.Manager
}

func (e *mcpExecutor) Execute(ctx context.Context, _ agent.Scope, act action.Action) Outcome {
	if e.client == nil {
		return failure(act, fault.New(fault.ServiceUnavailable, "call_mcp: no MCP servers configured"))
	}
	server := pstr(act.Params, "server")
	tool := pstr(act.Params, "tool")
	args := pmap(act.Params, "arguments")

	text, err := e.client.Call(ctx, server, tool, args)
	if err != nil {
		return failure(act, err)
	}

	output := fmt.Sprintf("%s.%s:\n<untrusted_content>\n%s\n</untrusted_content>",
		server, tool, strings.TrimSpace(text))
	return successData(act, output, map[string]any{"server": server, "tool": tool})
}
