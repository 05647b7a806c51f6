package models

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	einoollama "github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino/components/model"

	"github.com/dohr-michael/quorum/internal/config"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// NewOllama builds an Ollama chat model. No credentials: local backends
// authenticate at the network layer, if at all.
func NewOllama(ctx context.Context, cfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	mc := &einoollama.ChatModelConfig{
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Timeout: cfg.Timeout.Duration(),
	}
	if mc.BaseURL == "" {
		mc.BaseURL = defaultOllamaBaseURL
	}
	if mc.Timeout <= 0 {
		mc.Timeout = 5 * time.Minute
	}

	opts := &einoollama.Options{}
	if cfg.MaxTokens > 0 {
		opts.NumPredict = cfg.MaxTokens
	}
	if t, ok := optFloat32(cfg.Options, "temperature"); ok {
		opts.Temperature = t
	}
	if p, ok := optFloat32(cfg.Options, "top_p"); ok {
		opts.TopP = p
	}
	if n, ok := optFloat32(cfg.Options, "num_ctx"); ok {
		opts.NumCtx = int(n)
	}
	if n, ok := optFloat32(cfg.Options, "num_predict"); ok {
		opts.NumPredict = int(n)
	}
	if k, ok := optFloat32(cfg.Options, "top_k"); ok {
		opts.TopK = int(k)
	}
	mc.Options = opts

	// Reverse proxies in front of Ollama answer with plain-text bodies
	// ("no available server") that the driver would try to parse as JSON.
	// Catch those at the transport and surface them as backend outages.
	mc.HTTPClient = &http.Client{
		Timeout:   mc.Timeout,
		Transport: &jsonGuard{next: http.DefaultTransport, provider: "ollama"},
	}

	return einoollama.NewChatModel(ctx, mc)
}

// jsonGuard rejects responses that cannot be a model reply before the
// driver sees them: transport failures, error statuses, and non-JSON
// content types.
type jsonGuard struct {
	next     http.RoundTripper
	provider string
}

func (g *jsonGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := g.next.RoundTrip(req)
	if err != nil {
		return nil, &ErrModelUnavailable{Provider: g.provider, Cause: err}
	}
	if resp.StatusCode >= 400 {
		return nil, g.reject(resp)
	}
	// Ollama replies with application/json, or x-ndjson when streaming.
	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.Contains(ct, "json") {
		return nil, g.reject(resp)
	}
	return resp, nil
}

// reject drains a prefix of the body into the error and closes the response.
func (g *jsonGuard) reject(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	return &ErrModelUnavailable{
		Provider: g.provider,
		Body:     strings.TrimSpace(string(body)),
	}
}
