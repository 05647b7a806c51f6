package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates,
// strips comments, unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variable templates (before stripping, since templates are in strings)
	expanded := expandEnvTemplates(string(data))

	standard, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("standardize config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(standard, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18420
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if cfg.Consensus.MaxRefinementRounds == 0 {
		cfg.Consensus.MaxRefinementRounds = 4
	}
	if cfg.Consensus.MaxRefinementRounds < 0 {
		cfg.Consensus.MaxRefinementRounds = 0
	}
	if cfg.Consensus.MaxRefinementRounds > 9 {
		cfg.Consensus.MaxRefinementRounds = 9
	}
	if cfg.Consensus.ProposalTimeout == 0 {
		cfg.Consensus.ProposalTimeout = Duration(2 * time.Minute)
	}
	for name, p := range cfg.Profiles {
		if p.MaxRefinementRounds == nil {
			continue
		}
		if *p.MaxRefinementRounds < 0 {
			*p.MaxRefinementRounds = 0
		}
		if *p.MaxRefinementRounds > 9 {
			*p.MaxRefinementRounds = 9
		}
		cfg.Profiles[name] = p
	}
	if cfg.Consensus.Temperature.Max == 0 {
		cfg.Consensus.Temperature.Max = 0.9
	}
	if cfg.Consensus.Temperature.Min == 0 {
		cfg.Consensus.Temperature.Min = 0.2
	}
	if cfg.Consensus.Temperature.Curve == 0 {
		cfg.Consensus.Temperature.Curve = 1.0
	}

	if cfg.Dispatch.PoolSize == 0 {
		cfg.Dispatch.PoolSize = 16
	}
	if cfg.Dispatch.MaxRetries == 0 {
		cfg.Dispatch.MaxRetries = 3
	}
	if cfg.Dispatch.RetryBackoff == 0 {
		cfg.Dispatch.RetryBackoff = Duration(2 * time.Second)
	}
	if cfg.Dispatch.Shell.DefaultTimeout == 0 {
		cfg.Dispatch.Shell.DefaultTimeout = Duration(5 * time.Minute)
	}
	if cfg.Dispatch.Shell.MaxOutputBytes == 0 {
		cfg.Dispatch.Shell.MaxOutputBytes = 64 * 1024
	}
	if cfg.Dispatch.Fetch.Timeout == 0 {
		cfg.Dispatch.Fetch.Timeout = Duration(30 * time.Second)
	}
	if cfg.Dispatch.Fetch.MaxBytes == 0 {
		cfg.Dispatch.Fetch.MaxBytes = 512 * 1024
	}
	if cfg.Dispatch.API.Timeout == 0 {
		cfg.Dispatch.API.Timeout = Duration(30 * time.Second)
	}
	if cfg.Dispatch.API.MaxBytes == 0 {
		cfg.Dispatch.API.MaxBytes = 1024 * 1024
	}

	if len(cfg.Skills.Dirs) == 0 {
		cfg.Skills.Dirs = []string{filepath.Join(QuorumPath(), "skills")}
	}
	if cfg.Lessons.Dir == "" {
		cfg.Lessons.Dir = filepath.Join(QuorumPath(), "lessons")
	}
	if cfg.Lessons.TopK == 0 {
		cfg.Lessons.TopK = 5
	}
	if cfg.Lessons.MaxPerTask == 0 {
		cfg.Lessons.MaxPerTask = 3
	}

	if cfg.Web.Provider == "" {
		cfg.Web.Provider = "duckduckgo"
	}
	if cfg.Web.MaxResults == 0 {
		cfg.Web.MaxResults = 5
	}
	if cfg.Images.Dir == "" {
		cfg.Images.Dir = filepath.Join(QuorumPath(), "images")
	}
	if cfg.Heartbeat.Interval == 0 {
		cfg.Heartbeat.Interval = Duration(30 * time.Second)
	}

	for name, s := range cfg.MCP.Servers {
		if s.InitTimeout == 0 {
			s.InitTimeout = Duration(30 * time.Second)
			cfg.MCP.Servers[name] = s
		}
	}
	for name, p := range cfg.Models.Providers {
		if p.MaxConcurrent <= 0 {
			p.MaxConcurrent = 1
			cfg.Models.Providers[name] = p
		}
	}
	// Auth resolution is deferred to models.ResolveAuth() at model init time.
}
