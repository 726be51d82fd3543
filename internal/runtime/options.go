package runtime

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tjfontaine/npc-trainer/internal/adapters/config/file"
	"github.com/tjfontaine/npc-trainer/internal/adapters/events/direct"
	"github.com/tjfontaine/npc-trainer/internal/core/ports"
	"github.com/tjfontaine/npc-trainer/internal/orchestrator"
)

// Option is a functional option for configuring a Trainer.
type Option func(*Trainer) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(t *Trainer) error {
		provider, err := file.NewProvider(path, t.logger)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		t.config = provider
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(t *Trainer) error {
		t.config = provider
		return nil
	}
}

// WithStorageProvider sets the durable store instead of opening the one
// named in configuration. The caller keeps ownership of it.
func WithStorageProvider(provider ports.StorageProvider) Option {
	return func(t *Trainer) error {
		t.storage = provider
		t.ownsStorage = false
		return nil
	}
}

// WithSnapshotBackend overrides snapshots.backend.
func WithSnapshotBackend(backend ports.SnapshotBackend) Option {
	return func(t *Trainer) error {
		t.snapshotBackend = backend
		return nil
	}
}

// WithEventPublisher sets the security event publisher. The default writes
// events directly to storage.
func WithEventPublisher(publisher ports.EventPublisher) Option {
	return func(t *Trainer) error {
		t.events = publisher
		return nil
	}
}

// WithLogOnlyEvents logs security events without storing them.
func WithLogOnlyEvents() Option {
	return func(t *Trainer) error {
		t.events = direct.NewLogPublisher(t.logger)
		return nil
	}
}

// WithPromptBuilder replaces the built-in prompts.
func WithPromptBuilder(b ports.PromptBuilder) Option {
	return func(t *Trainer) error {
		t.managerOpts = append(t.managerOpts, orchestrator.WithPromptBuilder(b))
		return nil
	}
}

// WithRetriever supplies retrieval context for NPC prompts.
func WithRetriever(r ports.ContextRetriever) Option {
	return func(t *Trainer) error {
		t.managerOpts = append(t.managerOpts, orchestrator.WithRetriever(r))
		return nil
	}
}

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(t *Trainer) error {
		t.registry = reg
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Trainer) error {
		t.logger = logger
		return nil
	}
}
