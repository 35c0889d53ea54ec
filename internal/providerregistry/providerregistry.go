// Package providerregistry wraps the configured LLM provider adapters
// (internal/llm/kimi, internal/llm/glm) behind a hot-reloadable map keyed
// by provider key, with capability metadata the Router uses for model
// selection.
//
// Grounded on the ProviderInfo/reloadProvider/removeProvider trio
// (internal/server/server.go): a sync.RWMutex-guarded map[string]ProviderInfo,
// rebuilt entry-by-entry on config/admin change rather than wholesale, so
// in-flight calls against untouched providers are unaffected.
package providerregistry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rakunlabs/atd/internal/config"
	"github.com/rakunlabs/atd/internal/llm"
	"github.com/rakunlabs/atd/internal/llm/glm"
	"github.com/rakunlabs/atd/internal/llm/kimi"
)

// Info holds a provider instance and the metadata the Router needs.
type Info struct {
	Key string
	Provider llm.LLMProvider
	Type string // "kimi" or "glm"
	DefaultModel string
	PreferredModels []string // in configured preference order
}

// HasModel reports whether model is in this provider's preferred list, or
// true if the list is empty (meaning the provider accepts any model name,
// e.g. a passthrough OpenAI-compatible endpoint).
func (i Info) HasModel(model string) bool {
	if len(i.PreferredModels) == 0 {
		return true
	}
	for _, m := range i.PreferredModels {
		if m == model {
			return true
		}
	}
	return false
}

// Factory builds an llm.LLMProvider from an LLMConfig, matching the
// ProviderFactory injection point (server.go) so callers can swap in
// stubs for testing.
type Factory func(cfg config.LLMConfig) (llm.LLMProvider, error)

// DefaultFactory builds the real kimi/glm adapters based on cfg.Type.
func DefaultFactory(cfg config.LLMConfig) (llm.LLMProvider, error) {
	switch cfg.Type {
	case "kimi":
		return kimi.New(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Proxy, cfg.InsecureSkipVerify, cfg.ExtraHeaders)
	case "glm":
		return glm.New(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Proxy, cfg.InsecureSkipVerify)
	default:
		return nil, fmt.Errorf("providerregistry: unknown provider type %q", cfg.Type)
	}
}

// Registry is the hot-reloadable provider map.
type Registry struct {
	mu sync.RWMutex
	providers map[string]Info
	factory Factory
}

// New builds an empty Registry using factory to construct providers.
func New(factory Factory) *Registry {
	if factory == nil {
		factory = DefaultFactory
	}
	return &Registry{providers: make(map[string]Info), factory: factory}
}

// Reload builds or replaces the provider registered under key, without
// disturbing any other entry — mirrors reloadProvider.
func (r *Registry) Reload(key string, cfg config.LLMConfig) error {
	provider, err := r.factory(cfg)
	if err != nil {
		return fmt.Errorf("providerregistry: reload %q: %w", key, err)
	}

	info := Info{
		Key: key,
		Provider: provider,
		Type: cfg.Type,
		DefaultModel: cfg.Model,
		PreferredModels: cfg.Models,
	}

	r.mu.Lock()
	r.providers[key] = info
	r.mu.Unlock()

	return nil
}

// Remove deregisters key, mirroring removeProvider.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	delete(r.providers, key)
	r.mu.Unlock()
}

// Get returns the Info for key.
func (r *Registry) Get(key string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.providers[key]
	return info, ok
}

// Keys returns all registered provider keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.providers))
	for k := range r.providers {
		keys = append(keys, k)
	}
	return keys
}

// All returns a snapshot of every registered Info, sorted by Key so that
// Router.Resolve's "auto" candidate expansion is deterministic
// regardless of Go's randomized map iteration order.
func (r *Registry) All() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.providers))
	for _, info := range r.providers {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
