package models

import (
	"github.com/dohr-michael/quorum/internal/config"
	"github.com/dohr-michael/quorum/internal/fault"
)

// SelectModels resolves the model set a new agent consults. Explicit names
// win, then the profile's set, then the configured default set. Duplicates
// collapse; order is preserved so ballot ties stay deterministic.
func SelectModels(explicit []string, profile *config.ProfileConfig, r *Registry) ([]string, error) {
	candidates := explicit
	if len(candidates) == 0 && profile != nil {
		candidates = profile.Models
	}
	if len(candidates) == 0 {
		candidates = r.DefaultNames()
	}
	if len(candidates) == 0 {
		return nil, fault.New(fault.InvalidParam, "no models configured: set models.default or the profile's models")
	}

	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, name := range candidates {
		if _, dup := seen[name]; dup {
			continue
		}
		if !r.Has(name) {
			return nil, fault.New(fault.InvalidParam, "unknown model provider %q", name)
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out, nil
}
