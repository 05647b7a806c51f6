package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino-ext/components/tool/bingsearch"
	duckduckgo "github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"

	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/agent"
	"github.com/dohr-michael/quorum/internal/config"
	"github.com/dohr-michael/quorum/internal/fault"
)

// searchExecutor runs answer_engine through the configured web search
// provider. The provider tool is built per call because max_results is a
// per-action parameter.
type searchExecutor struct {
	cfg   config.WebConfig
	retry retryPolicy
}

func (e *searchExecutor) Execute(ctx context.Context, _ agent.Scope, act action.Action) Outcome {
	query := pstr(act.Params, "query")
	maxResults := pint(act.Params, "max_results", e.cfg.MaxResults)
	if maxResults <= 0 {
		maxResults = 10
	}

	t, err := e.buildTool(ctx, maxResults)
	if err != nil {
		return failure(act, err)
	}

	args, _ := json.Marshal(map[string]any{"query": query})
	var raw string
	err = e.retry.do(ctx, func() error {
		var rerr error
		raw, rerr = t.InvokableRun(ctx, string(args))
		if rerr != nil {
			return fault.Wrap(fault.ServiceUnavailable, rerr, "answer_engine: %s search", e.provider())
		}
		return nil
	})
	if err != nil {
		return failure(act, err)
	}

	output := fmt.Sprintf("results for %q via %s:\n<untrusted_content>\n%s\n</untrusted_content>",
		query, e.provider(), raw)
	return successData(act, output, map[string]any{"provider": e.provider()})
}

func (e *searchExecutor) provider() string {
	if e.cfg.Provider == "" {
		return "duckduckgo"
	}
	return e.cfg.Provider
}

func (e *searchExecutor) buildTool(ctx context.Context, maxResults int) (tool.InvokableTool, error) {
	switch e.provider() {
	case "duckduckgo":
		return duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
			ToolName:   "answer_engine",
			ToolDesc:   "Search the web using DuckDuckGo.",
			MaxResults: maxResults,
		})
	case "google":
		if e.cfg.APIKey == "" || e.cfg.SearchEngineID == "" {
			return nil, fault.New(fault.InvalidParam, "answer_engine: google provider needs api_key and search_engine_id")
		}
		return googlesearch.NewTool(ctx, &googlesearch.Config{
			APIKey:         e.cfg.APIKey,
			SearchEngineID: e.cfg.SearchEngineID,
			Num:            maxResults,
			ToolName:       "answer_engine",
			ToolDesc:       "Search the web using Google.",
		})
	case "bing":
		if e.cfg.APIKey == "" {
			return nil, fault.New(fault.InvalidParam, "answer_engine: bing provider needs api_key")
		}
		return bingsearch.NewTool(ctx, &bingsearch.Config{
			APIKey:     e.cfg.APIKey,
			MaxResults: maxResults,
			ToolName:   "answer_engine",
			ToolDesc:   "Search the web using Bing.",
		})
	default:
		return nil, fault.New(fault.InvalidParam, "answer_engine: unknown provider %q", e.cfg.Provider)
	}
}
