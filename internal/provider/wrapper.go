package provider

import (
	"context"

	"github.com/tjfontaine/npc-trainer/internal/core/ports"
)

// Pinned forces the configured model onto every request and caps the
// completion length at the provider's max_output_tokens.
type Pinned struct {
	inner     ports.Provider
	model     string
	maxTokens int
}

// Pin wraps inner. An empty model leaves the request's model alone and a
// zero maxTokens disables the cap.
func Pin(inner ports.Provider, model string, maxTokens int) *Pinned {
	return &Pinned{inner: inner, model: model, maxTokens: maxTokens}
}

func (p *Pinned) Name() string { return p.inner.Name() }

// Generate never modifies the caller's request.
func (p *Pinned) Generate(ctx context.Context, req *ports.GenerationRequest) (*ports.Generation, error) {
	pinned := *req
	if p.model != "" {
		pinned.Model = p.model
	}
	if p.maxTokens > 0 && (pinned.MaxTokens == 0 || pinned.MaxTokens > p.maxTokens) {
		pinned.MaxTokens = p.maxTokens
	}
	return p.inner.Generate(ctx, &pinned)
}
