package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFile(t *testing.T) {
	t.Run("defaults without file", func(t *testing.T) {
		cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}

		if cfg.Server.Port != 8080 {
			t.Errorf("port = %v, want 8080", cfg.Server.Port)
		}
		if cfg.Snapshots.TTLHours != 24 {
			t.Errorf("ttl_hours = %v, want 24", cfg.Snapshots.TTLHours)
		}
		if cfg.Routing.MaxAttempts != 3 {
			t.Errorf("max_attempts = %v, want 3", cfg.Routing.MaxAttempts)
		}
		if cfg.Security.SemanticTimeout != 3*time.Second {
			t.Errorf("semantic_timeout = %v, want 3s", cfg.Security.SemanticTimeout)
		}
		if len(cfg.Providers) != 1 || cfg.Providers[0].Name != "scripted" {
			t.Errorf("expected the scripted default provider, got %+v", cfg.Providers)
		}
	})

	t.Run("env var port override", func(t *testing.T) {
		t.Setenv("TRAINER_SERVER__PORT", "9000")

		cfg, err := LoadFile("")
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}

		if cfg.Server.Port != 9000 {
			t.Errorf("port = %v, want 9000", cfg.Server.Port)
		}
	})

	t.Run("yaml providers", func(t *testing.T) {
		t.Setenv("TEST_OPENAI_KEY", "sk-test")
		path := filepath.Join(t.TempDir(), "config.yaml")
		yaml := `
storage:
  driver: memory
routing:
  default_provider: local
providers:
  - name: local
    type: scripted
    agent_types: [npc, strategist, guard]
  - name: premium
    type: openai
    model: gpt-4o
    api_key: ${TEST_OPENAI_KEY}
    agent_types: [npc]
    latency_ms: 1200
    quality: 0.9
    input_price_per_1k: 0.0025
    output_price_per_1k: 0.01
`
		if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
			t.Fatal(err)
		}

		cfg, err := LoadFile(path)
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}
		if len(cfg.Providers) != 2 {
			t.Fatalf("providers = %d, want 2", len(cfg.Providers))
		}
		if cfg.Providers[1].APIKey != "sk-test" {
			t.Errorf("api key = %q, want substituted value", cfg.Providers[1].APIKey)
		}
		if cfg.Providers[1].Quality != 0.9 {
			t.Errorf("quality = %v", cfg.Providers[1].Quality)
		}
	})
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadFile("")
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "unknown default provider",
			mutate:  func(c *Config) { c.Routing.DefaultProvider = "nope" },
			wantErr: true,
		},
		{
			name: "duplicate provider",
			mutate: func(c *Config) {
				c.Providers = append(c.Providers, c.Providers[0])
			},
			wantErr: true,
		},
		{
			name:    "quality out of range",
			mutate:  func(c *Config) { c.Providers[0].Quality = 1.5 },
			wantErr: true,
		},
		{
			name:    "bad storage driver",
			mutate:  func(c *Config) { c.Storage.Driver = "oracle" },
			wantErr: true,
		},
		{
			name:    "sql driver needs dsn",
			mutate:  func(c *Config) { c.Storage.DSN = "" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple substitution", input: "${TEST_VAR}", want: "test-value"},
		{name: "substitution in string", input: "prefix-${TEST_VAR}-suffix", want: "prefix-test-value-suffix"},
		{name: "no substitution", input: "plain-string", want: "plain-string"},
		{name: "undefined var", input: "${UNDEFINED_VAR_FOR_TEST}", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := substituteEnvVars(tt.input); got != tt.want {
				t.Errorf("substituteEnvVars() = %v, want %v", got, tt.want)
			}
		})
	}
}
