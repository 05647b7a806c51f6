package models

import (
	"fmt"
	"os"
	"strings"

	"github.com/dohr-michael/quorum/internal/config"
	"github.com/dohr-michael/quorum/internal/fault"
)

// AuthKind distinguishes between API key and Bearer token auth.
type AuthKind int

const (
	AuthAPIKey AuthKind = iota
	AuthBearerToken
)

// ResolvedAuth holds the resolved credentials and their kind.
type ResolvedAuth struct {
	Kind  AuthKind
	Value string
}

// CredentialSource resolves named credentials kept outside the config file,
// typically the encrypted credential store.
type CredentialSource interface {
	Credential(name string) (string, error)
}

// ResolveAuth resolves the credentials for a provider.
// Resolution order: direct token → direct api_key → named credential →
// driver default env.
func ResolveAuth(cfg config.ProviderConfig, creds CredentialSource) (ResolvedAuth, error) {
	resolve := func(token string) string {
		trimmed := strings.TrimSpace(token)
		if trimmed == "" {
			return ""
		}
		if strings.HasPrefix(trimmed, "${") && strings.HasSuffix(trimmed, "}") {
			return os.Getenv(trimmed[2 : len(trimmed)-1])
		}
		return trimmed
	}

	// Direct Bearer token (OAuth-style providers)
	token := resolve(cfg.Auth.Token)
	if token != "" {
		return ResolvedAuth{Kind: AuthBearerToken, Value: token}, nil
	}

	// Direct API key from config
	apiKey := resolve(cfg.Auth.APIKey)
	if apiKey != "" {
		return ResolvedAuth{Kind: AuthAPIKey, Value: apiKey}, nil
	}

	// Named credential from the store
	if cfg.Auth.Credential != "" {
		if creds == nil {
			return ResolvedAuth{}, fault.New(fault.AuthenticationFailed, "credential %q referenced but no credential store available", cfg.Auth.Credential)
		}
		value, err := creds.Credential(cfg.Auth.Credential)
		if err != nil {
			return ResolvedAuth{}, fault.Wrap(fault.AuthenticationFailed, err, "credential %q", cfg.Auth.Credential)
		}
		return ResolvedAuth{Kind: AuthAPIKey, Value: value}, nil
	}

	// Default env vars per driver
	switch strings.ToLower(cfg.Driver) {
	case "anthropic", "claude":
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			return ResolvedAuth{Kind: AuthAPIKey, Value: key}, nil
		}
		return ResolvedAuth{}, fault.New(fault.AuthenticationFailed, "ANTHROPIC_API_KEY not set")
	case "openai":
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			return ResolvedAuth{Kind: AuthAPIKey, Value: key}, nil
		}
		return ResolvedAuth{}, fault.New(fault.AuthenticationFailed, "OPENAI_API_KEY not set")
	case "gemini":
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			return ResolvedAuth{Kind: AuthAPIKey, Value: key}, nil
		}
		if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
			return ResolvedAuth{Kind: AuthAPIKey, Value: key}, nil
		}
		return ResolvedAuth{}, fault.New(fault.AuthenticationFailed, "GEMINI_API_KEY not set")
	case "mistral":
		if key := os.Getenv("MISTRAL_API_KEY"); key != "" {
			return ResolvedAuth{Kind: AuthAPIKey, Value: key}, nil
		}
		return ResolvedAuth{}, fault.New(fault.AuthenticationFailed, "MISTRAL_API_KEY not set")
	default:
		return ResolvedAuth{}, fmt.Errorf("unknown driver %q: cannot resolve auth", cfg.Driver)
	}
}
