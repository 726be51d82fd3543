// Package registry maps provider types named in configuration to the code
// that builds them. Provider packages register themselves through an
// exported Register function that provider.RegisterBuiltins calls.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/tjfontaine/npc-trainer/internal/core/ports"
	"github.com/tjfontaine/npc-trainer/internal/pkg/config"
)

// ErrUnknownType is returned by Create for an unregistered provider type.
var ErrUnknownType = errors.New("unknown provider type")

// Factory builds providers of one type.
type Factory struct {
	Type        string
	Description string
	Create      func(cfg config.ProviderConfig) (ports.Provider, error)
	// Validate is optional.
	Validate func(cfg config.ProviderConfig) error
}

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register adds f and reports whether it was new. Registering a type twice
// keeps the first factory. A factory without a type or Create panics.
func Register(f Factory) bool {
	if f.Type == "" || f.Create == nil {
		panic(fmt.Sprintf("registry: incomplete provider factory %q", f.Type))
	}
	mu.Lock()
	defer mu.Unlock()
	if _, ok := factories[f.Type]; ok {
		return false
	}
	factories[f.Type] = f
	return true
}

// Lookup returns the factory registered for typ.
func Lookup(typ string) (Factory, bool) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := factories[typ]
	return f, ok
}

// Factories returns every registered factory ordered by type.
func Factories() []Factory {
	mu.RLock()
	out := make([]Factory, 0, len(factories))
	for _, f := range factories {
		out = append(out, f)
	}
	mu.RUnlock()
	slices.SortFunc(out, func(a, b Factory) int { return strings.Compare(a.Type, b.Type) })
	return out
}

// Types returns the registered type names in order.
func Types() []string {
	fs := Factories()
	types := make([]string, len(fs))
	for i, f := range fs {
		types[i] = f.Type
	}
	return types
}

// Create validates cfg against its factory and builds the provider.
func Create(cfg config.ProviderConfig) (ports.Provider, error) {
	f, ok := Lookup(cfg.Type)
	if !ok {
		return nil, fmt.Errorf("%w %q for provider %s (known: %s)", ErrUnknownType, cfg.Type, cfg.Name, strings.Join(Types(), ", "))
	}
	if f.Validate != nil {
		if err := f.Validate(cfg); err != nil {
			return nil, fmt.Errorf("provider %s (%s): %w", cfg.Name, cfg.Type, err)
		}
	}
	return f.Create(cfg)
}

// Reset drops every registration. Tests use it to start from a clean slate.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	factories = make(map[string]Factory)
}
