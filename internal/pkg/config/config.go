package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "config.yaml"

type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Storage      StorageConfig      `koanf:"storage"`
	Snapshots    SnapshotConfig     `koanf:"snapshots"`
	Budget       BudgetConfig       `koanf:"budget"`
	Routing      RoutingConfig      `koanf:"routing"`
	Providers    []ProviderConfig   `koanf:"providers" validate:"dive"`
	Security     SecurityConfig     `koanf:"security"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Transport    TransportConfig    `koanf:"transport"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
}

type ServerConfig struct {
	Port           int           `koanf:"port" validate:"min=1,max=65535"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type StorageConfig struct {
	Driver string `koanf:"driver" validate:"oneof=memory sqlite postgres pgx"` // memory, sqlite, postgres
	DSN    string `koanf:"dsn"`
}

type SnapshotConfig struct {
	Backend      string        `koanf:"backend" validate:"oneof=storage badger memory"`
	BadgerPath   string        `koanf:"badger_path"`
	TTLHours     float64       `koanf:"ttl_hours" validate:"gt=0"`
	ReapInterval time.Duration `koanf:"reap_interval"` // 0 disables the reaper
}

type BudgetConfig struct {
	DefaultThreshold float64            `koanf:"default_threshold" validate:"gt=0"`
	TenantThresholds map[string]float64 `koanf:"tenant_thresholds"`
}

type RoutingConfig struct {
	DefaultProvider string        `koanf:"default_provider" validate:"required"`
	MaxAttempts     int           `koanf:"max_attempts" validate:"min=1,max=10"`
	CallTimeout     time.Duration `koanf:"call_timeout"`
}

type ProviderConfig struct {
	Name             string   `koanf:"name" validate:"required"`
	Type             string   `koanf:"type" validate:"required"` // openai, scripted
	Model            string   `koanf:"model"`
	APIKey           string   `koanf:"api_key"`
	BaseURL          string   `koanf:"base_url"`
	AgentTypes       []string `koanf:"agent_types" validate:"min=1"`
	LatencyMS        int      `koanf:"latency_ms" validate:"min=0"`
	Quality          float64  `koanf:"quality" validate:"min=0,max=1"`
	InputPricePer1K  float64  `koanf:"input_price_per_1k" validate:"min=0"`
	OutputPricePer1K float64  `koanf:"output_price_per_1k" validate:"min=0"`
	MaxOutputTokens  int      `koanf:"max_output_tokens" validate:"min=0"`
	Replies          []string `koanf:"replies"` // scripted provider only
}

type SecurityConfig struct {
	SemanticEnabled bool          `koanf:"semantic_enabled"`
	SemanticTimeout time.Duration `koanf:"semantic_timeout"`
	ExtraPatterns   []PatternRule `koanf:"extra_patterns" validate:"dive"`
}

type PatternRule struct {
	Name    string `koanf:"name" validate:"required"`
	Pattern string `koanf:"pattern" validate:"required"`
}

type OrchestratorConfig struct {
	DrainTimeout    time.Duration `koanf:"drain_timeout"`
	SnapshotTimeout time.Duration `koanf:"snapshot_timeout"`
	PersistTimeout  time.Duration `koanf:"persist_timeout"`
	HistoryLimit    int           `koanf:"history_limit" validate:"min=0"`
}

type TransportConfig struct {
	MessagesPerSecond float64 `koanf:"messages_per_second" validate:"gt=0"`
	Burst             int     `koanf:"burst" validate:"min=1"`
	MaxMessageBytes   int     `koanf:"max_message_bytes" validate:"min=1"`
}

type TelemetryConfig struct {
	Tracing     bool    `koanf:"tracing"`
	ServiceName string  `koanf:"service_name"`
	SampleRatio float64 `koanf:"sample_ratio" validate:"min=0,max=1"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"server.port":                     8080,
	"server.request_timeout":          "60s",
	"storage.driver":                  "sqlite",
	"storage.dsn":                     "./data/trainer.db",
	"snapshots.backend":               "storage",
	"snapshots.badger_path":           "./data/snapshots",
	"snapshots.ttl_hours":             24.0,
	"snapshots.reap_interval":         "10m",
	"budget.default_threshold":        1.0,
	"routing.default_provider":        "scripted",
	"routing.max_attempts":            3,
	"routing.call_timeout":            "30s",
	"security.semantic_enabled":       true,
	"security.semantic_timeout":       "3s",
	"orchestrator.drain_timeout":      "45s",
	"orchestrator.snapshot_timeout":   "5s",
	"orchestrator.persist_timeout":    "5s",
	"orchestrator.history_limit":      40,
	"transport.messages_per_second":   2.0,
	"transport.burst":                 4,
	"transport.max_message_bytes":     16384,
	"telemetry.tracing":               false,
	"telemetry.service_name":          "npc-trainer",
	"telemetry.sample_ratio":          1.0,
}

// Load reads config.yaml from the working directory, then env overrides.
func Load() (*Config, error) {
	return LoadFile(DefaultPath)
}

// LoadFile reads the given YAML file (missing is OK), then TRAINER_ env
// overrides, applies defaults and validates the result.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	for key, val := range defaults {
		k.Set(key, val)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// File not found is OK, we'll use env vars
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider("TRAINER_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "TRAINER_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Substitute environment variables in provider API keys
	for i := range cfg.Providers {
		cfg.Providers[i].APIKey = substituteEnvVars(cfg.Providers[i].APIKey)
	}

	if len(cfg.Providers) == 0 {
		cfg.Providers = []ProviderConfig{DefaultScriptedProvider()}
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultScriptedProvider is the zero-cost local provider used when no
// providers are configured.
func DefaultScriptedProvider() ProviderConfig {
	return ProviderConfig{
		Name:       "scripted",
		Type:       "scripted",
		Model:      "scripted-v1",
		AgentTypes: []string{"npc", "strategist", "guard"},
		LatencyMS:  5,
		Quality:    0.1,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and cross-field rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if seen[p.Name] {
			return fmt.Errorf("invalid config: duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
	}
	if !seen[cfg.Routing.DefaultProvider] {
		return fmt.Errorf("invalid config: default provider %q is not configured", cfg.Routing.DefaultProvider)
	}
	if cfg.Storage.Driver != "memory" && strings.TrimSpace(cfg.Storage.DSN) == "" {
		return fmt.Errorf("invalid config: storage.dsn is required for driver %q", cfg.Storage.Driver)
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
