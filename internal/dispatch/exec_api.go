package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/agent"
	"github.com/dohr-michael/quorum/internal/config"
	"github.com/dohr-michael/quorum/internal/fault"
	"github.com/dohr-michael/quorum/internal/secrets"
)

// apiExecutor runs call_api: one bounded HTTP request with optional
// vault-backed authentication. The credential value is pulled from the
// vault by name, applied to the request, and scrubbed from the response
// before it can reach history.
type apiExecutor struct {
	client   *http.Client
	maxBytes int64
	vault    *secrets.Vault
}

func newAPIExecutor(cfg config.APICallConfig, vault *secrets.Vault) *apiExecutor {
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxBytes := int64(cfg.MaxBytes)
	if maxBytes <= 0 {
		maxBytes = 256 * 1024
	}
	return &apiExecutor{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
		vault:    vault,
	}
}

func (e *apiExecutor) Execute(ctx context.Context, _ agent.Scope, act action.Action) Outcome {
	url := pstr(act.Params, "url")
	method := pstr(act.Params, "method")
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	contentType := ""
	switch v := act.Params["body"].(type) {
	case nil:
	case string:
		if v != "" {
			body = strings.NewReader(v)
		}
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return failure(act, fault.Wrap(fault.InvalidParam, err, "call_api: encode body"))
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return failure(act, fault.Wrap(fault.InvalidParam, err, "call_api: bad request for %q", url))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range pmap(act.Params, "headers") {
		if s, ok := v.(string); ok {
			req.Header.Set(k, s)
		}
	}

	credential, err := e.applyAuth(ctx, req, act.Params)
	if err != nil {
		return failure(act, err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return failure(act, transportFault(err, "call_api", url))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBytes))
	if err != nil {
		return failure(act, fault.Wrap(fault.ConnectionFailed, err, "call_api: read %s", url))
	}
	text := secrets.Scrub(string(raw), credential)

	if resp.StatusCode >= 400 {
		snippet := text
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		ferr := httpFault(resp.StatusCode, "call_api", url)
		if snippet != "" {
			ferr = fault.Wrap(fault.KindOf(ferr), ferr, "call_api: %s returned %d: %s", url, resp.StatusCode, snippet)
		}
		return failure(act, ferr)
	}

	output := fmt.Sprintf("%s %s (status %d)\n<untrusted_content>\n%s\n</untrusted_content>",
		method, url, resp.StatusCode, text)
	return successData(act, output, map[string]any{"status": resp.StatusCode})
}

// applyAuth attaches the requested credential scheme and returns the
// secret material that must be scrubbed from the response.
func (e *apiExecutor) applyAuth(ctx context.Context, req *http.Request, params map[string]any) (map[string]string, error) {
	authType := pstr(params, "auth_type")
	if authType == "" || authType == "none" {
		return nil, nil
	}
	name := pstr(params, "auth_secret")
	if name == "" {
		return nil, fault.New(fault.InvalidParam, "call_api: auth_type %q needs auth_secret", authType)
	}
	if e.vault == nil {
		return nil, fault.New(fault.ServiceUnavailable, "call_api: vault not configured")
	}
	value, err := e.vault.Get(ctx, name)
	if err != nil {
		return nil, fault.Wrap(fault.NotFound, err, "call_api: secret %q", name)
	}

	switch authType {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+value)
	case "basic":
		user, pass, ok := strings.Cut(value, ":")
		if !ok {
			return nil, fault.New(fault.InvalidParam, "call_api: basic auth secret %q must be user:password", name)
		}
		req.SetBasicAuth(user, pass)
	case "api_key":
		req.Header.Set("X-API-Key", value)
	default:
		return nil, fault.New(fault.UnsupportedAuthType, "call_api: auth_type %q", authType)
	}
	return map[string]string{name: value}, nil
}
