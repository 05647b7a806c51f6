package models

import (
	"context"
	"time"

	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"github.com/dohr-michael/quorum/internal/config"
)

const (
	mistralBaseURL      = "https://api.mistral.ai/v1"
	mistralDefaultModel = "mistral-small-latest"
)

// NewOpenAI builds an OpenAI chat model.
func NewOpenAI(ctx context.Context, cfg config.ProviderConfig, auth ResolvedAuth) (model.ToolCallingChatModel, error) {
	return newOpenAICompatible(ctx, cfg, auth, "", "", 60*time.Second)
}

// NewMistral builds a Mistral chat model over the OpenAI-compatible API.
func NewMistral(ctx context.Context, cfg config.ProviderConfig, auth ResolvedAuth) (model.ToolCallingChatModel, error) {
	return newOpenAICompatible(ctx, cfg, auth, mistralBaseURL, mistralDefaultModel, 5*time.Minute)
}

// newOpenAICompatible wires a ProviderConfig into the eino openai driver.
// Empty fallback values mean the driver's own defaults apply.
func newOpenAICompatible(ctx context.Context, cfg config.ProviderConfig, auth ResolvedAuth, fallbackBaseURL, fallbackModel string, fallbackTimeout time.Duration) (model.ToolCallingChatModel, error) {
	mc := &einoopenai.ChatModelConfig{
		APIKey:  auth.Value,
		Model:   cfg.Model,
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout.Duration(),
	}
	if mc.Model == "" {
		mc.Model = fallbackModel
	}
	if mc.BaseURL == "" {
		mc.BaseURL = fallbackBaseURL
	}
	if mc.Timeout <= 0 {
		mc.Timeout = fallbackTimeout
	}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		mc.MaxCompletionTokens = &maxTokens
	}
	if t, ok := optFloat32(cfg.Options, "temperature"); ok {
		mc.Temperature = &t
	}
	if p, ok := optFloat32(cfg.Options, "top_p"); ok {
		mc.TopP = &p
	}
	return einoopenai.NewChatModel(ctx, mc)
}

// optFloat32 reads a numeric tuning knob from the free-form options map.
// JSON numbers decode as float64, so that is the only shape accepted.
func optFloat32(opts map[string]any, key string) (float32, bool) {
	if opts == nil {
		return 0, false
	}
	v, ok := opts[key].(float64)
	if !ok {
		return 0, false
	}
	return float32(v), true
}
