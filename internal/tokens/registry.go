// Package tokens estimates prompt sizes so the router can price a request
// before it is sent.
package tokens

import (
	"strings"

	"github.com/tjfontaine/npc-trainer/internal/core/domain"
)

// Counter counts prompt tokens for the models it supports.
type Counter interface {
	CountMessages(model string, msgs []domain.Message) (int, error)
	SupportsModel(model string) bool
}

// Registry picks the first registered counter that supports a model and
// falls back to the character estimator otherwise.
type Registry struct {
	counters []Counter
	fallback Counter
}

// NewRegistry creates a registry with the tiktoken counter registered and
// the estimator as fallback.
func NewRegistry() *Registry {
	r := &Registry{fallback: NewEstimator()}
	r.Register(NewOpenAICounter())
	return r
}

// Register adds a token counter to the registry.
func (r *Registry) Register(counter Counter) {
	r.counters = append(r.counters, counter)
}

// Count returns the prompt token count for msgs. Counter errors degrade to
// the estimator; an estimate is always better than no price.
func (r *Registry) Count(model string, msgs []domain.Message) int {
	for _, counter := range r.counters {
		if !counter.SupportsModel(model) {
			continue
		}
		if n, err := counter.CountMessages(model, msgs); err == nil {
			return n
		}
		break
	}
	n, _ := r.fallback.CountMessages(model, msgs)
	return n
}

// CountText counts a single completion or prompt fragment.
func (r *Registry) CountText(model, text string) int {
	return r.Count(model, []domain.Message{{Content: text}})
}

// Estimator provides token count estimation based on character length.
// It is the fallback for models without a tokenizer.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: 4.0,
	}
}

// CountMessages estimates the token count.
func (e *Estimator) CountMessages(_ string, msgs []domain.Message) (int, error) {
	totalChars := 0
	for _, msg := range msgs {
		totalChars += len(msg.Role)
		totalChars += len(msg.Content)
		totalChars += 4 // role tokens + separators
	}
	return int(float64(totalChars) / e.CharsPerToken), nil
}

// SupportsModel returns true - estimator supports all models as a fallback.
func (e *Estimator) SupportsModel(string) bool {
	return true
}

// ModelMatcher helps match model names to provider patterns.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

// NewModelMatcher creates a new model matcher.
func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{
		prefixes: prefixes,
		exact:    exact,
	}
}

// Matches returns true if the model matches any pattern.
func (m *ModelMatcher) Matches(model string) bool {
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}
