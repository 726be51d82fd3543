// Package openai serves any OpenAI-compatible chat completions endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/tjfontaine/npc-trainer/internal/core/domain"
	"github.com/tjfontaine/npc-trainer/internal/core/ports"
	"github.com/tjfontaine/npc-trainer/internal/pkg/config"
	"github.com/tjfontaine/npc-trainer/internal/provider/registry"
)

// ProviderType is the provider type identifier used in configuration.
const ProviderType = "openai"

// ProviderOption configures the provider.
type ProviderOption func(*Provider)

// WithBaseURL sets a custom base URL for the API.
func WithBaseURL(baseURL string) ProviderOption {
	return func(p *Provider) {
		p.baseURL = baseURL
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ProviderOption {
	return func(p *Provider) {
		p.httpClient = httpClient
	}
}

// Provider implements ports.Provider on go-openai.
type Provider struct {
	name       string
	client     *goopenai.Client
	baseURL    string
	httpClient *http.Client
}

var _ ports.Provider = (*Provider)(nil)

// New creates a new OpenAI provider.
func New(name, apiKey string, opts ...ProviderOption) *Provider {
	p := &Provider{name: name}
	for _, opt := range opts {
		opt(p)
	}

	clientCfg := goopenai.DefaultConfig(apiKey)
	if p.baseURL != "" {
		clientCfg.BaseURL = p.baseURL
	}
	if p.httpClient != nil {
		clientCfg.HTTPClient = p.httpClient
	}
	p.client = goopenai.NewClientWithConfig(clientCfg)
	return p
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Generate(ctx context.Context, req *ports.GenerationRequest) (*ports.Generation, error) {
	resp, err := p.client.CreateChatCompletion(ctx, toAPIRequest(req))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: response has no choices", p.name)
	}

	return &ports.Generation{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: &ports.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func toAPIRequest(req *ports.GenerationRequest) goopenai.ChatCompletionRequest {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := goopenai.ChatMessageRoleUser
		switch m.Role {
		case domain.RoleSystem:
			role = goopenai.ChatMessageRoleSystem
		case domain.RoleAssistant:
			role = goopenai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return goopenai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
	}
}

// CreateFromConfig creates a new OpenAI provider from configuration.
func CreateFromConfig(cfg config.ProviderConfig) (ports.Provider, error) {
	var opts []ProviderOption
	if cfg.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.BaseURL))
	}
	return New(cfg.Name, cfg.APIKey, opts...), nil
}

// ValidateConfig validates the provider configuration. The API key is
// optional when base_url points at a local compatible server.
func ValidateConfig(cfg config.ProviderConfig) error {
	if cfg.Model == "" {
		return errors.New("model is required")
	}
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return errors.New("api_key is required unless base_url is set")
	}
	return nil
}

// Register adds the openai factory to the provider registry.
func Register() {
	registry.Register(registry.Factory{
		Type:        ProviderType,
		Description: "OpenAI-compatible chat completions",
		Create:      CreateFromConfig,
		Validate:    ValidateConfig,
	})
}
