package orchestrator

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"unicode"

	"github.com/tjfontaine/npc-trainer/internal/core/domain"
	"github.com/tjfontaine/npc-trainer/internal/router"
)

// FallbackSuggestion is offered when the strategist cannot be reached.
const FallbackSuggestion = "Ask an open question to learn more about what matters most to them."

const (
	strategyImportance = 0.3

	// adoptionThreshold is the overlap score at which a suggestion counts
	// as followed
	adoptionThreshold = 0.3
)

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "about": {}, "their": {},
	"your": {}, "you": {}, "they": {}, "that": {}, "this": {}, "what": {},
	"are": {}, "was": {}, "were": {}, "have": {}, "has": {}, "from": {},
	"into": {}, "them": {}, "then": {}, "than": {}, "will": {}, "would": {},
	"could": {}, "should": {}, "can": {}, "not": {}, "but": {}, "our": {},
	"out": {}, "how": {}, "why": {}, "who": {}, "its": {}, "any": {},
}

func (m *Manager) analyzeStrategy(ctx context.Context, sess *domain.Session, history []domain.HistoryEntry, content, reply string) *domain.StrategyAnalysis {
	msgs := m.prompts.BuildStrategyMessages(sess, history, content, reply)
	res, err := m.router.Chat(ctx, router.RoutingContext{
		SessionID:   sess.ID,
		AgentType:   domain.AgentStrategist,
		LatencyMode: router.LatencyFast,
		Importance:  strategyImportance,
	}, msgs)
	if err != nil {
		m.logger.WarnContext(ctx, "strategy analysis unavailable, using fallback",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
		return &domain.StrategyAnalysis{Suggestion: FallbackSuggestion, Fallback: true}
	}

	summary, suggestion := parseStrategy(res.Text)
	if suggestion == "" {
		suggestion = FallbackSuggestion
	}
	return &domain.StrategyAnalysis{
		Summary:    summary,
		Suggestion: suggestion,
		Provider:   res.Provider,
	}
}

// parseStrategy reads "SUMMARY:" and "SUGGESTION:" lines. A reply with
// neither is taken whole as the suggestion.
func parseStrategy(text string) (summary, suggestion string) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := cutLabel(line, "summary:"); ok {
			summary = v
		} else if v, ok := cutLabel(line, "suggestion:"); ok {
			suggestion = v
		}
	}
	if summary == "" && suggestion == "" {
		suggestion = strings.TrimSpace(text)
	}
	return summary, suggestion
}

func cutLabel(line, label string) (string, bool) {
	if len(line) < len(label) || !strings.EqualFold(line[:len(label)], label) {
		return "", false
	}
	return strings.TrimSpace(line[len(label):]), true
}

// scoreAdoption is the share of the suggestion's keywords that appear in
// the user's message.
func scoreAdoption(suggestion, message string) domain.AdoptionAnalysis {
	a := domain.AdoptionAnalysis{PreviousSuggestion: suggestion}
	want := keywords(suggestion)
	if len(want) == 0 {
		return a
	}

	have := keywords(message)
	hits := 0
	for w := range want {
		if _, ok := have[w]; ok {
			hits++
		}
	}
	a.Score = math.Round(float64(hits)/float64(len(want))*100) / 100
	a.Adopted = a.Score >= adoptionThreshold
	return a
}

func keywords(s string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		if len(w) < 3 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		set[w] = struct{}{}
	}
	return set
}
