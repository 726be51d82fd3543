package provider_test

import (
	"context"
	"slices"
	"testing"

	"github.com/tjfontaine/npc-trainer/internal/core/domain"
	"github.com/tjfontaine/npc-trainer/internal/core/ports"
	"github.com/tjfontaine/npc-trainer/internal/pkg/config"
	"github.com/tjfontaine/npc-trainer/internal/provider"
	"github.com/tjfontaine/npc-trainer/internal/provider/registry"
)

func TestRegisterBuiltins(t *testing.T) {
	provider.RegisterBuiltins()
	provider.RegisterBuiltins()

	types := registry.Types()
	for _, want := range []string{"openai", "scripted"} {
		if !slices.Contains(types, want) {
			t.Errorf("expected provider type %q to be registered, got %v", want, types)
		}
	}
	for _, f := range registry.Factories() {
		if f.Description == "" {
			t.Errorf("factory %q has empty Description", f.Type)
		}
	}
}

func TestRegistry_CreateProvider(t *testing.T) {
	reg := provider.NewRegistry()

	tests := []struct {
		name    string
		cfg     config.ProviderConfig
		wantErr bool
	}{
		{
			name: "openai",
			cfg:  config.ProviderConfig{Name: "premium", Type: "openai", Model: "gpt-4o", APIKey: "test-key"},
		},
		{
			name: "openai compatible",
			cfg:  config.ProviderConfig{Name: "local", Type: "openai", Model: "llama3", BaseURL: "http://localhost:11434/v1"},
		},
		{
			name:    "openai without model",
			cfg:     config.ProviderConfig{Name: "bad", Type: "openai", APIKey: "test-key"},
			wantErr: true,
		},
		{
			name: "scripted",
			cfg:  config.DefaultScriptedProvider(),
		},
		{
			name:    "unknown",
			cfg:     config.ProviderConfig{Name: "x", Type: "unknown"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := reg.CreateProvider(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CreateProvider() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && p.Name() != tt.cfg.Name {
				t.Errorf("Name() = %q, want %q", p.Name(), tt.cfg.Name)
			}
		})
	}
}

func TestRegistry_Entries(t *testing.T) {
	reg := provider.NewRegistry()
	cfg, err := config.LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	entries, err := reg.Entries(cfg)
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if !entries[0].Spec.Default {
		t.Error("scripted entry should be the default")
	}
}

type recordingProvider struct {
	got ports.GenerationRequest
}

func (r *recordingProvider) Name() string { return "rec" }

func (r *recordingProvider) Generate(ctx context.Context, req *ports.GenerationRequest) (*ports.Generation, error) {
	r.got = *req
	return &ports.Generation{Text: "ok"}, nil
}

func TestPinned(t *testing.T) {
	tests := []struct {
		name      string
		model     string
		maxTokens int
		req       ports.GenerationRequest
		wantModel string
		wantMax   int
	}{
		{"model pinned", "pinned", 0, ports.GenerationRequest{Model: "other", MaxTokens: 500}, "pinned", 500},
		{"cap applied", "", 200, ports.GenerationRequest{Model: "other", MaxTokens: 500}, "other", 200},
		{"cap fills unset", "", 200, ports.GenerationRequest{Model: "other"}, "other", 200},
		{"under cap kept", "pinned", 200, ports.GenerationRequest{MaxTokens: 50}, "pinned", 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := &recordingProvider{}
			p := provider.Pin(inner, tt.model, tt.maxTokens)

			req := tt.req
			req.Messages = []domain.Message{{Role: domain.RoleUser, Content: "hi"}}
			if _, err := p.Generate(context.Background(), &req); err != nil {
				t.Fatalf("Generate() error = %v", err)
			}
			if inner.got.Model != tt.wantModel || inner.got.MaxTokens != tt.wantMax {
				t.Errorf("sent model=%q max=%d, want %q/%d", inner.got.Model, inner.got.MaxTokens, tt.wantModel, tt.wantMax)
			}
			if req.Model != tt.req.Model || req.MaxTokens != tt.req.MaxTokens {
				t.Error("caller request should not be modified")
			}
			if p.Name() != "rec" {
				t.Errorf("Name() = %q", p.Name())
			}
		})
	}
}
