// Package scripted is a local provider with deterministic replies. It costs
// nothing and needs no network, which makes it the natural designated
// fallback and the provider used in tests.
package scripted

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/tjfontaine/npc-trainer/internal/core/domain"
	"github.com/tjfontaine/npc-trainer/internal/core/ports"
	"github.com/tjfontaine/npc-trainer/internal/pkg/config"
	"github.com/tjfontaine/npc-trainer/internal/provider/registry"
)

// ProviderType is the provider type identifier used in configuration.
const ProviderType = "scripted"

// safeVerdict answers classifier prompts so a local-only deployment runs
// the semantic stage instead of failing open on every turn.
const safeVerdict = `{"is_safe": true, "reason": "scripted provider", "risk_type": "none"}`

var defaultReplies = []string{
	"That's an interesting point. Can you tell me more about what you have in mind?",
	"I'm not sure that works for us yet. What would make this worth it on our side?",
	"Let me think about that. How does this compare with what we have today?",
}

// Provider returns replies chosen by hashing the latest user message.
type Provider struct {
	name    string
	model   string
	replies []string
}

var _ ports.Provider = (*Provider)(nil)

// New creates a scripted provider. With no replies the built-in set is used.
func New(name, model string, replies []string) *Provider {
	if len(replies) == 0 {
		replies = defaultReplies
	}
	if model == "" {
		model = "scripted-v1"
	}
	return &Provider{name: name, model: model, replies: replies}
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Generate(ctx context.Context, req *ports.GenerationRequest) (*ports.Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var system, lastUser string
	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			system = m.Content
		case domain.RoleUser:
			lastUser = m.Content
		}
	}

	text := p.pick(lastUser)
	if strings.Contains(system, `"is_safe"`) {
		text = safeVerdict
	}

	return &ports.Generation{
		Text:  text,
		Model: p.model,
		Usage: &ports.Usage{
			PromptTokens:     approxTokens(req.Messages),
			CompletionTokens: len(strings.Fields(text)),
		},
	}, nil
}

func (p *Provider) pick(input string) string {
	h := fnv.New32a()
	h.Write([]byte(input))
	return p.replies[int(h.Sum32()%uint32(len(p.replies)))]
}

func approxTokens(msgs []domain.Message) int {
	n := 0
	for _, m := range msgs {
		n += len(strings.Fields(m.Content))
	}
	return n
}

// CreateFromConfig creates a new scripted provider from configuration.
func CreateFromConfig(cfg config.ProviderConfig) (ports.Provider, error) {
	return New(cfg.Name, cfg.Model, cfg.Replies), nil
}

// ValidateConfig rejects prices on a provider that never bills.
func ValidateConfig(cfg config.ProviderConfig) error {
	if cfg.InputPricePer1K != 0 || cfg.OutputPricePer1K != 0 {
		return fmt.Errorf("scripted provider %q must not declare prices", cfg.Name)
	}
	return nil
}

// Register adds the scripted factory to the provider registry.
func Register() {
	registry.Register(registry.Factory{
		Type:        ProviderType,
		Description: "Deterministic local provider with zero cost",
		Create:      CreateFromConfig,
		Validate:    ValidateConfig,
	})
}
