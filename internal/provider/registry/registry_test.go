package registry

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/tjfontaine/npc-trainer/internal/core/ports"
	"github.com/tjfontaine/npc-trainer/internal/pkg/config"
)

type stubProvider struct{ name string }

func (s stubProvider) Name() string { return s.name }

func (s stubProvider) Generate(context.Context, *ports.GenerationRequest) (*ports.Generation, error) {
	return &ports.Generation{Text: "stub"}, nil
}

func stubFactory(typ string) Factory {
	return Factory{
		Type:        typ,
		Description: "stub",
		Create: func(cfg config.ProviderConfig) (ports.Provider, error) {
			return stubProvider{name: cfg.Name}, nil
		},
		Validate: func(cfg config.ProviderConfig) error {
			if cfg.Model == "" {
				return errors.New("model is required")
			}
			return nil
		},
	}
}

func TestRegister(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	if !Register(stubFactory("b")) {
		t.Error("first Register() = false")
	}
	if Register(stubFactory("b")) {
		t.Error("duplicate Register() = true")
	}
	Register(stubFactory("a"))

	if got := Types(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("Types() = %v, want [a b]", got)
	}
	if _, ok := Lookup("c"); ok {
		t.Error("Lookup(c) found an unregistered type")
	}
}

func TestRegister_IncompletePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Register() without Create did not panic")
		}
	}()
	Register(Factory{Type: "broken"})
}

func TestCreate(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	Register(stubFactory("stub"))

	tests := []struct {
		name        string
		cfg         config.ProviderConfig
		wantUnknown bool
		wantErr     bool
	}{
		{name: "ok", cfg: config.ProviderConfig{Name: "p", Type: "stub", Model: "m"}},
		{name: "invalid", cfg: config.ProviderConfig{Name: "p", Type: "stub"}, wantErr: true},
		{name: "unknown", cfg: config.ProviderConfig{Name: "p", Type: "nope"}, wantErr: true, wantUnknown: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Create(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Create() error = %v, wantErr %v", err, tt.wantErr)
			}
			if errors.Is(err, ErrUnknownType) != tt.wantUnknown {
				t.Errorf("errors.Is(ErrUnknownType) = %v, want %v", !tt.wantUnknown, tt.wantUnknown)
			}
			if err == nil && p.Name() != "p" {
				t.Errorf("Name() = %q, want p", p.Name())
			}
		})
	}
}
