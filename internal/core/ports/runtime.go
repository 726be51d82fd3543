package ports

import (
	"context"

	"github.com/tjfontaine/npc-trainer/internal/core/domain"
	"github.com/tjfontaine/npc-trainer/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// EventPublisher publishes security events emitted by the gate.
// Implementations: direct storage (default), log-only.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.SecurityEvent) error
	Close() error
}

// Usage reports token consumption of a generation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// GenerationRequest is the provider-neutral generation input.
type GenerationRequest struct {
	Model     string           `json:"model"`
	Messages  []domain.Message `json:"messages"`
	MaxTokens int              `json:"max_tokens,omitempty"`
}

// Generation is the provider-neutral generation output.
type Generation struct {
	Text  string `json:"text"`
	Model string `json:"model"`

	// Usage is nil when the backend does not report token counts
	Usage *Usage `json:"usage,omitempty"`
}

// Provider is a generation backend.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *GenerationRequest) (*Generation, error)
}

// PromptBuilder turns session context into provider messages. The content of
// prompts is owned by the caller, not by the turn pipeline.
type PromptBuilder interface {
	BuildNPCMessages(sess *domain.Session, history []domain.HistoryEntry, userMessage string, retrieved []string) []domain.Message
	BuildStrategyMessages(sess *domain.Session, history []domain.HistoryEntry, userMessage, npcReply string) []domain.Message

	// Importance rates how much a turn matters, in [0,1]
	Importance(sess *domain.Session, turnID int64, userMessage string) float64
}

// ContextRetriever supplies retrieval context for prompt construction.
type ContextRetriever interface {
	Retrieve(ctx context.Context, sess *domain.Session, query string) ([]string, error)
}
