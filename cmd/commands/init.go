package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/quorum/internal/config"
	"github.com/dohr-michael/quorum/internal/secrets"
)

// NewInitCommand returns the onboarding subcommand.
func NewInitCommand() *cli.Command {
	return &cli.Command{
		Name:   "init",
		Usage:  "Initialize the quorum home directory (~/.quorum)",
		Action: runInit,
	}
}

func runInit(_ context.Context, _ *cli.Command) error {
	root := config.QuorumPath()
	created := false

	dirs := []string{
		root,
		config.LogsDir(),
		filepath.Join(root, "skills"),
		filepath.Join(root, "lessons"),
	}
	for _, d := range dirs {
		if _, err := os.Stat(d); err != nil {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", d, err)
			}
			fmt.Printf("  Created %s\n", d)
			created = true
		}
	}

	configPath := config.ConfigPath()
	if _, err := os.Stat(configPath); err != nil {
		if err := os.WriteFile(configPath, []byte(defaultConfig), 0o644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("  Created %s\n", configPath)
		created = true
	}

	dotenvPath := config.DotenvPath()
	if _, err := os.Stat(dotenvPath); err != nil {
		if err := os.WriteFile(dotenvPath, []byte(defaultDotenv), 0o600); err != nil {
			return fmt.Errorf("write .env: %w", err)
		}
		fmt.Printf("  Created %s\n", dotenvPath)
		created = true
	}

	// The vault identity is generated idempotently: an existing key stays.
	keyPath := config.AgeKeyPath()
	if _, err := os.Stat(keyPath); err != nil {
		if err := secrets.GenerateIdentity(keyPath); err != nil {
			return fmt.Errorf("generate vault key: %w", err)
		}
		fmt.Printf("  Created %s\n", keyPath)
		created = true
	}

	if !created {
		fmt.Printf("Already initialized — %s is complete. Nothing to do.\n", root)
		return nil
	}

	fmt.Printf(`
  Quorum home set up at %s

  Next steps:
    1. Drop your API keys in %s/.env
    2. Adjust the model panel in %s/config.jsonc
    3. Run: quorum serve
`, root, root, root)
	return nil
}

const defaultConfig = `{
	// Quorum configuration
	// Docs: https://github.com/dohr-michael/quorum

	"gateway": {
		"host": "127.0.0.1",
		"port": 18420
	},

	"models": {
		// Every task consults each default model and the panel votes on
		// one action per step. Two or more models make the vote real.
		"default": ["claude", "gpt"],
		"providers": {
			"claude": {
				"driver": "anthropic",
				"model": "claude-sonnet-4-20250514",
				"auth": { "api_key": "${{ .Env.ANTHROPIC_API_KEY }}" },
				"max_tokens": 4096,
				"cost_per_call": 0.02
			},
			"gpt": {
				"driver": "openai",
				"model": "gpt-4o",
				"auth": { "api_key": "${{ .Env.OPENAI_API_KEY }}" },
				"max_tokens": 4096,
				"cost_per_call": 0.02
			}

			// Local model via Ollama (no auth required)
			// "local": {
			// 	"driver": "ollama",
			// 	"model": "llama3.1:8b",
			// 	"base_url": "http://localhost:11434"
			// }
		}
	},

	"consensus": {
		"max_refinement_rounds": 4,
		"temperature": { "max": 0.9, "min": 0.2, "curve": 1.0 }

		// Embeddings back the semantic_similarity merge rule and lesson
		// recall. Without them both degrade gracefully.
		// "embedding": { "provider": "openai", "model": "text-embedding-3-small" }
	},

	"events": {
		"buffer_size": 1024
	}
}
`

const defaultDotenv = `# Quorum environment variables
# This file is loaded automatically. Existing env vars are never overridden.

# ANTHROPIC_API_KEY=sk-ant-...
# OPENAI_API_KEY=sk-...
# GEMINI_API_KEY=...
`
