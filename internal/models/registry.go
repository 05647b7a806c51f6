package models

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/dohr-michael/quorum/internal/config"
)

// ProviderEntry holds a lazily-initialized model instance.
type ProviderEntry struct {
	Config config.ProviderConfig
	model  model.ToolCallingChatModel
	once   sync.Once
	err    error
	sem    chan struct{} // nil when unbounded
}

// Registry manages named model providers with lazy initialization. Each
// provider may cap concurrent in-flight calls via max_concurrent.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*ProviderEntry
	defaults  []string
	creds     CredentialSource
}

// NewRegistry creates a model registry from config. creds may be nil when no
// credential store is available.
func NewRegistry(cfg config.ModelsConfig, creds CredentialSource) *Registry {
	r := &Registry{
		providers: make(map[string]*ProviderEntry),
		defaults:  append([]string(nil), cfg.Default...),
		creds:     creds,
	}

	for name, provCfg := range cfg.Providers {
		entry := &ProviderEntry{Config: provCfg}
		if provCfg.MaxConcurrent > 0 {
			entry.sem = make(chan struct{}, provCfg.MaxConcurrent)
		}
		r.providers[name] = entry
	}

	return r
}

// Get returns the named model, initializing it lazily.
func (r *Registry) Get(ctx context.Context, name string) (model.ToolCallingChatModel, error) {
	entry, ok := r.entry(name)
	if !ok {
		return nil, fmt.Errorf("model provider %q not found", name)
	}

	entry.once.Do(func() {
		entry.model, entry.err = CreateModel(ctx, entry.Config, r.creds)
	})

	return entry.model, entry.err
}

// Generate runs one chat completion against the named provider, honoring its
// concurrency cap and classifying errors onto the fault taxonomy.
func (r *Registry) Generate(ctx context.Context, name string, messages []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	entry, ok := r.entry(name)
	if !ok {
		return nil, fmt.Errorf("model provider %q not found", name)
	}

	m, err := r.Get(ctx, name)
	if err != nil {
		return nil, Classify(err)
	}

	if entry.sem != nil {
		select {
		case entry.sem <- struct{}{}:
			defer func() { <-entry.sem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out, err := m.Generate(ctx, messages, opts...)
	if err != nil {
		return nil, Classify(err)
	}
	return out, nil
}

// Has reports whether a provider with this name is configured.
func (r *Registry) Has(name string) bool {
	_, ok := r.entry(name)
	return ok
}

// Names returns all configured provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultNames returns the configured default model set.
func (r *Registry) DefaultNames() []string {
	return append([]string(nil), r.defaults...)
}

// CostPerCall returns the configured flat cost of one call to the named
// provider, or zero when the provider is unknown or free.
func (r *Registry) CostPerCall(name string) float64 {
	entry, ok := r.entry(name)
	if !ok {
		return 0
	}
	return entry.Config.CostPerCall
}

func (r *Registry) entry(name string) (*ProviderEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.providers[name]
	return entry, ok
}
