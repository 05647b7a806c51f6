package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/dohr-michael/quorum/internal/config"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-6"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicChatModel is the native anthropic driver. Unlike the eino-ext
// claude component it supports Bearer token auth alongside x-api-key,
// which is what OAuth-issued credentials need.
type AnthropicChatModel struct {
	client    anthropic.Client
	modelName string
	maxTokens int
	tools     []*schema.ToolInfo
}

// NewAnthropic builds the driver from provider config and resolved auth.
func NewAnthropic(_ context.Context, cfg config.ProviderConfig, auth ResolvedAuth) (model.ToolCallingChatModel, error) {
	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	var opts []option.RequestOption
	switch auth.Kind {
	case AuthBearerToken:
		opts = append(opts, option.WithAuthToken(auth.Value))
	default:
		opts = append(opts, option.WithAPIKey(auth.Value))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	opts = append(opts, option.WithRequestTimeout(timeout))

	return &AnthropicChatModel{
		client:    anthropic.NewClient(opts...),
		modelName: modelName,
		maxTokens: maxTokens,
	}, nil
}

func (m *AnthropicChatModel) Generate(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	resp, err := m.client.Messages.New(ctx, m.buildParams(messages, opts))
	if err != nil {
		return nil, Classify(err)
	}
	return m.convertResponse(resp), nil
}

// Stream satisfies the chat-model interface with a single-frame stream.
// Decision rounds consume whole replies, so nothing here streams tokens;
// a caller that does ask for a stream gets the full message at once.
func (m *AnthropicChatModel) Stream(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	sr, sw := schema.Pipe[*schema.Message](1)
	go func() {
		defer sw.Close()
		msg, err := m.Generate(ctx, messages, opts...)
		if err != nil {
			sw.Send(nil, err)
			return
		}
		sw.Send(msg, nil)
	}()
	return sr, nil
}

func (m *AnthropicChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return &AnthropicChatModel{
		client:    m.client,
		modelName: m.modelName,
		maxTokens: m.maxTokens,
		tools:     tools,
	}, nil
}

func (m *AnthropicChatModel) buildParams(messages []*schema.Message, opts []model.Option) anthropic.MessageNewParams {
	options := model.GetCommonOptions(&model.Options{MaxTokens: &m.maxTokens}, opts...)

	maxTokens := m.maxTokens
	if options.MaxTokens != nil && *options.MaxTokens > 0 {
		maxTokens = *options.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.modelName),
		MaxTokens: int64(maxTokens),
	}
	if options.Temperature != nil {
		params.Temperature = param.NewOpt(float64(*options.Temperature))
	}

	var msgs []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == schema.System {
			params.System = append(params.System, anthropic.TextBlockParam{Text: msg.Content})
			continue
		}
		msgs = append(msgs, convertAnthropicMessage(msg))
	}
	params.Messages = msgs

	for _, tool := range m.tools {
		tu := anthropic.ToolUnionParamOfTool(convertAnthropicToolSchema(tool), tool.Name)
		if tu.OfTool != nil {
			tu.OfTool.Description = param.NewOpt(tool.Desc)
		}
		params.Tools = append(params.Tools, tu)
	}
	return params
}

func convertAnthropicToolSchema(tool *schema.ToolInfo) anthropic.ToolInputSchemaParam {
	var out anthropic.ToolInputSchemaParam
	if tool.ParamsOneOf == nil {
		return out
	}
	js, err := tool.ParamsOneOf.ToJSONSchema()
	if err != nil || js == nil {
		return out
	}
	raw, err := json.Marshal(js)
	if err != nil {
		return out
	}
	var schemaMap map[string]any
	if json.Unmarshal(raw, &schemaMap) != nil {
		return out
	}
	if props, ok := schemaMap["properties"]; ok {
		out.Properties = props
	}
	if req, ok := schemaMap["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	return out
}

func convertAnthropicMessage(msg *schema.Message) anthropic.MessageParam {
	switch msg.Role {
	case schema.Assistant:
		var blocks []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}
		for _, tc := range msg.ToolCalls {
			var input any
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				input = tc.Function.Arguments
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Function.Name))
		}
		return anthropic.NewAssistantMessage(blocks...)
	case schema.Tool:
		return anthropic.NewUserMessage(anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
	default:
		return anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content))
	}
}

func (m *AnthropicChatModel) convertResponse(resp *anthropic.Message) *schema.Message {
	out := &schema.Message{
		Role: schema.Assistant,
		ResponseMeta: &schema.ResponseMeta{
			Usage: &schema.TokenUsage{
				PromptTokens:     int(resp.Usage.InputTokens),
				CompletionTokens: int(resp.Usage.OutputTokens),
			},
		},
	}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			args, err := json.Marshal(block.Input)
			if err != nil {
				args = []byte("{}")
			}
			out.ToolCalls = append(out.ToolCalls, schema.ToolCall{
				ID:       block.ID,
				Function: schema.FunctionCall{Name: block.Name, Arguments: string(args)},
			})
		}
	}

	switch resp.StopReason {
	case anthropic.StopReasonToolUse:
		out.ResponseMeta.FinishReason = "tool_calls"
	case anthropic.StopReasonMaxTokens:
		out.ResponseMeta.FinishReason = "length"
	default:
		out.ResponseMeta.FinishReason = "stop"
	}
	return out
}

var _ model.ToolCallingChatModel = (*AnthropicChatModel)(nil)
