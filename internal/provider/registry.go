// Package provider builds generation backends from configuration.
//
// # Adding a New Provider
//
// Implement ports.Provider in a subpackage, expose a Register function that
// calls registry.Register, and add it to RegisterBuiltins. Registration is
// explicit so no package relies on init().
package provider

import (
	"fmt"

	"github.com/tjfontaine/npc-trainer/internal/core/ports"
	"github.com/tjfontaine/npc-trainer/internal/pkg/config"
	"github.com/tjfontaine/npc-trainer/internal/provider/openai"
	"github.com/tjfontaine/npc-trainer/internal/provider/registry"
	"github.com/tjfontaine/npc-trainer/internal/provider/scripted"
	"github.com/tjfontaine/npc-trainer/internal/router"
)

// RegisterBuiltins registers every provider type shipped with the trainer.
// It is safe to call more than once.
func RegisterBuiltins() {
	openai.Register()
	scripted.Register()
}

// Registry creates providers from configuration.
type Registry struct{}

// NewRegistry registers the built-in factories and returns a registry.
func NewRegistry() *Registry {
	RegisterBuiltins()
	return &Registry{}
}

// CreateProvider creates a provider instance from configuration. A configured
// model or output cap is applied to every request.
func (r *Registry) CreateProvider(cfg config.ProviderConfig) (ports.Provider, error) {
	base, err := registry.Create(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Model != "" || cfg.MaxOutputTokens > 0 {
		return Pin(base, cfg.Model, cfg.MaxOutputTokens), nil
	}
	return base, nil
}

// CreateProviders creates every configured provider keyed by name.
func (r *Registry) CreateProviders(configs []config.ProviderConfig) (map[string]ports.Provider, error) {
	providers := make(map[string]ports.Provider, len(configs))
	for _, cfg := range configs {
		p, err := r.CreateProvider(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create provider %s: %w", cfg.Name, err)
		}
		providers[cfg.Name] = p
	}
	return providers, nil
}

// Entries creates the providers of cfg and pairs them with their routing
// specs, in configuration order.
func (r *Registry) Entries(cfg *config.Config) ([]router.Entry, error) {
	providers, err := r.CreateProviders(cfg.Providers)
	if err != nil {
		return nil, err
	}

	entries := make([]router.Entry, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		entries = append(entries, router.Entry{
			Spec:     router.SpecFromConfig(pc, cfg.Routing.DefaultProvider),
			Provider: providers[pc.Name],
		})
	}
	return entries, nil
}
