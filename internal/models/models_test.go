package models

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/dohr-michael/quorum/internal/config"
	"github.com/dohr-michael/quorum/internal/fault"
)

type stubCreds map[string]string

func (s stubCreds) Credential(name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", fault.New(fault.NotFound, "credential %q", name)
	}
	return v, nil
}

func TestResolveAuth_DirectAPIKey(t *testing.T) {
	cfg := config.ProviderConfig{
		Driver: "anthropic",
		Auth:   config.AuthConfig{APIKey: "sk-ant-test-123"},
	}
	auth, err := ResolveAuth(cfg, nil)
	if err != nil {
		t.Fatalf("ResolveAuth: %v", err)
	}
	if auth.Kind != AuthAPIKey {
		t.Fatalf("expected AuthAPIKey, got %d", auth.Kind)
	}
	if auth.Value != "sk-ant-test-123" {
		t.Fatalf("expected value %q, got %q", "sk-ant-test-123", auth.Value)
	}
}

func TestResolveAuth_DirectBearerToken(t *testing.T) {
	cfg := config.ProviderConfig{
		Driver: "anthropic",
		Auth: config.AuthConfig{
			APIKey: "sk-ant-test-123",
			Token:  "bearer-token-xyz",
		},
	}
	auth, err := ResolveAuth(cfg, nil)
	if err != nil {
		t.Fatalf("ResolveAuth: %v", err)
	}
	// Bearer token takes priority over API key
	if auth.Kind != AuthBearerToken {
		t.Fatalf("expected AuthBearerToken, got %d", auth.Kind)
	}
	if auth.Value != "bearer-token-xyz" {
		t.Fatalf("expected value %q, got %q", "bearer-token-xyz", auth.Value)
	}
}

func TestResolveAuth_EnvVarSyntax(t *testing.T) {
	t.Setenv("MY_CUSTOM_KEY", "custom-api-key-value")

	cfg := config.ProviderConfig{
		Driver: "anthropic",
		Auth:   config.AuthConfig{APIKey: "${MY_CUSTOM_KEY}"},
	}
	auth, err := ResolveAuth(cfg, nil)
	if err != nil {
		t.Fatalf("ResolveAuth: %v", err)
	}
	if auth.Kind != AuthAPIKey {
		t.Fatalf("expected AuthAPIKey, got %d", auth.Kind)
	}
	if auth.Value != "custom-api-key-value" {
		t.Fatalf("expected value %q, got %q", "custom-api-key-value", auth.Value)
	}
}

func TestResolveAuth_NamedCredential(t *testing.T) {
	cfg := config.ProviderConfig{
		Driver: "openai",
		Auth:   config.AuthConfig{Credential: "openai-prod"},
	}
	auth, err := ResolveAuth(cfg, stubCreds{"openai-prod": "sk-from-store"})
	if err != nil {
		t.Fatalf("ResolveAuth: %v", err)
	}
	if auth.Value != "sk-from-store" {
		t.Fatalf("expected value %q, got %q", "sk-from-store", auth.Value)
	}
}

func TestResolveAuth_NamedCredentialMissing(t *testing.T) {
	cfg := config.ProviderConfig{
		Driver: "openai",
		Auth:   config.AuthConfig{Credential: "nope"},
	}
	_, err := ResolveAuth(cfg, stubCreds{})
	if err == nil {
		t.Fatal("expected error for missing credential")
	}
	if fault.KindOf(err) != fault.AuthenticationFailed {
		t.Fatalf("expected authentication_failed, got %s", fault.KindOf(err))
	}
}

func TestResolveAuth_NamedCredentialNoStore(t *testing.T) {
	cfg := config.ProviderConfig{
		Driver: "openai",
		Auth:   config.AuthConfig{Credential: "openai-prod"},
	}
	_, err := ResolveAuth(cfg, nil)
	if err == nil {
		t.Fatal("expected error when no credential store is wired")
	}
	if fault.KindOf(err) != fault.AuthenticationFailed {
		t.Fatalf("expected authentication_failed, got %s", fault.KindOf(err))
	}
}

func TestResolveAuth_FallbackAnthropicEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "env-anthropic-key")

	for _, driver := range []string{"anthropic", "claude"} {
		cfg := config.ProviderConfig{Driver: driver}
		auth, err := ResolveAuth(cfg, nil)
		if err != nil {
			t.Fatalf("ResolveAuth(%s): %v", driver, err)
		}
		if auth.Kind != AuthAPIKey {
			t.Fatalf("expected AuthAPIKey, got %d", auth.Kind)
		}
		if auth.Value != "env-anthropic-key" {
			t.Fatalf("expected value %q, got %q", "env-anthropic-key", auth.Value)
		}
	}
}

func TestResolveAuth_FallbackGeminiEnv(t *testing.T) {
	os.Unsetenv("GEMINI_API_KEY")
	t.Setenv("GOOGLE_API_KEY", "env-google-key")

	cfg := config.ProviderConfig{Driver: "gemini"}
	auth, err := ResolveAuth(cfg, nil)
	if err != nil {
		t.Fatalf("ResolveAuth: %v", err)
	}
	if auth.Value != "env-google-key" {
		t.Fatalf("expected value %q, got %q", "env-google-key", auth.Value)
	}
}

func TestResolveAuth_NothingSet(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	os.Unsetenv("ANTHROPIC_API_KEY")

	cfg := config.ProviderConfig{Driver: "anthropic"}
	_, err := ResolveAuth(cfg, nil)
	if err == nil {
		t.Fatal("expected error when nothing is configured")
	}
	if fault.KindOf(err) != fault.AuthenticationFailed {
		t.Fatalf("expected authentication_failed, got %s", fault.KindOf(err))
	}
}

func TestResolveAuth_UnknownDriver(t *testing.T) {
	cfg := config.ProviderConfig{Driver: "frontier-9000"}
	_, err := ResolveAuth(cfg, nil)
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if !strings.Contains(err.Error(), "unknown driver") {
		t.Fatalf("expected 'unknown driver' error, got %v", err)
	}
}

func TestClassify_Substrings(t *testing.T) {
	cases := []struct {
		msg  string
		want fault.Kind
	}{
		{"401 unauthorized: invalid x-api-key", fault.AuthenticationFailed},
		{"403 forbidden", fault.Forbidden},
		{"429 too many requests", fault.RateLimitExceeded},
		{"502 bad gateway", fault.BadGateway},
		{"503 service unavailable", fault.ServiceUnavailable},
		{"504 gateway timeout from upstream", fault.GatewayTimeout},
		{"request timeout after 60s", fault.RequestTimeout},
		{"dial tcp 127.0.0.1:11434: connection refused", fault.ServiceUnavailable},
	}
	for _, tc := range cases {
		got := fault.KindOf(Classify(errors.New(tc.msg)))
		if got != tc.want {
			t.Errorf("Classify(%q): got %s, want %s", tc.msg, got, tc.want)
		}
	}
}

func TestClassify_PreservesFaults(t *testing.T) {
	orig := fault.New(fault.BudgetExceeded, "over")
	got := Classify(orig)
	if got != orig {
		t.Fatalf("expected fault errors to pass through, got %v", got)
	}
}

func TestClassify_Unavailable(t *testing.T) {
	err := Classify(&ErrModelUnavailable{Provider: "ollama", Body: "no available server"})
	if fault.KindOf(err) != fault.ServiceUnavailable {
		t.Fatalf("expected service_unavailable, got %s", fault.KindOf(err))
	}
}

func TestClassify_UnknownPassesThrough(t *testing.T) {
	orig := fmt.Errorf("some unrelated failure")
	got := Classify(orig)
	if got != orig {
		t.Fatalf("expected pass-through, got %v", got)
	}
}

func newTestRegistry() *Registry {
	return NewRegistry(config.ModelsConfig{
		Default: []string{"fast", "smart"},
		Providers: map[string]config.ProviderConfig{
			"fast":  {Driver: "ollama", Model: "llama3.2"},
			"smart": {Driver: "anthropic", Model: "claude-sonnet-4-6", CostPerCall: 0.05},
			"spare": {Driver: "openai", Model: "gpt-4o", CostPerCall: 0.02, MaxConcurrent: 2},
		},
	}, nil)
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg := newTestRegistry()

	_, err := reg.Get(context.Background(), "nonexistent")
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected 'not found' error, got %v", err)
	}
}

func TestRegistry_DefaultNames(t *testing.T) {
	reg := newTestRegistry()
	got := reg.DefaultNames()
	if len(got) != 2 || got[0] != "fast" || got[1] != "smart" {
		t.Fatalf("DefaultNames: got %v", got)
	}
}

func TestRegistry_CostPerCall(t *testing.T) {
	reg := newTestRegistry()
	if c := reg.CostPerCall("smart"); c != 0.05 {
		t.Errorf("smart cost: got %v, want 0.05", c)
	}
	if c := reg.CostPerCall("missing"); c != 0 {
		t.Errorf("missing cost: got %v, want 0", c)
	}
}

func TestRegistry_Names(t *testing.T) {
	reg := newTestRegistry()
	got := reg.Names()
	want := []string{"fast", "smart", "spare"}
	if len(got) != len(want) {
		t.Fatalf("Names: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Names: got %v, want %v", got, want)
		}
	}
}

func TestSelectModels_Explicit(t *testing.T) {
	reg := newTestRegistry()
	got, err := SelectModels([]string{"spare", "fast", "spare"}, nil, reg)
	if err != nil {
		t.Fatalf("SelectModels: %v", err)
	}
	if len(got) != 2 || got[0] != "spare" || got[1] != "fast" {
		t.Fatalf("SelectModels: got %v", got)
	}
}

func TestSelectModels_ProfileFallback(t *testing.T) {
	reg := newTestRegistry()
	profile := &config.ProfileConfig{Models: []string{"smart"}}
	got, err := SelectModels(nil, profile, reg)
	if err != nil {
		t.Fatalf("SelectModels: %v", err)
	}
	if len(got) != 1 || got[0] != "smart" {
		t.Fatalf("SelectModels: got %v", got)
	}
}

func TestSelectModels_DefaultFallback(t *testing.T) {
	reg := newTestRegistry()
	got, err := SelectModels(nil, nil, reg)
	if err != nil {
		t.Fatalf("SelectModels: %v", err)
	}
	if len(got) != 2 || got[0] != "fast" || got[1] != "smart" {
		t.Fatalf("SelectModels: got %v", got)
	}
}

func TestSelectModels_UnknownProvider(t *testing.T) {
	reg := newTestRegistry()
	_, err := SelectModels([]string{"missing"}, nil, reg)
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if fault.KindOf(err) != fault.InvalidParam {
		t.Fatalf("expected invalid_param, got %s", fault.KindOf(err))
	}
}
