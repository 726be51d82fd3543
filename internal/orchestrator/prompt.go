package orchestrator

import (
	"fmt"
	"strings"

	"github.com/tjfontaine/npc-trainer/internal/core/domain"
	"github.com/tjfontaine/npc-trainer/internal/core/ports"
)

const npcSystemPrompt = `You are role-playing %s in %s. The conversation is in the %q stage.
Stay in character. Answer as the counterpart would, in a few sentences, and never coach the trainee.`

const strategySystemPrompt = `You are a sales coach watching a trainee practice with a simulated counterpart.
Reply with exactly two lines:
SUMMARY: one sentence on how the latest exchange went
SUGGESTION: one concrete thing the trainee should do next`

// strategyWindow is how many history entries the coach sees.
const strategyWindow = 6

// highStakesTerms raise the importance of a turn.
var highStakesTerms = []string{
	"price", "pricing", "discount", "contract", "budget", "deal",
	"renewal", "sign", "commit", "objection", "competitor",
}

// DefaultPromptBuilder builds persona prompts from the session's scenario
// and persona ids.
type DefaultPromptBuilder struct{}

var _ ports.PromptBuilder = DefaultPromptBuilder{}

func (DefaultPromptBuilder) BuildNPCMessages(sess *domain.Session, history []domain.HistoryEntry, userMessage string, retrieved []string) []domain.Message {
	persona := sess.PersonaID
	if persona == "" {
		persona = "a prospective customer"
	}
	scenario := "a sales conversation"
	if sess.ScenarioID != "" {
		scenario = "the " + sess.ScenarioID + " scenario"
	}

	system := fmt.Sprintf(npcSystemPrompt, persona, scenario, sess.Stage)
	if len(retrieved) > 0 {
		system += "\n\nReference material:\n- " + strings.Join(retrieved, "\n- ")
	}

	msgs := make([]domain.Message, 0, len(history)+2)
	msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: system})
	for _, h := range history {
		if h.Role != domain.RoleUser && h.Role != domain.RoleAssistant {
			continue
		}
		msgs = append(msgs, domain.Message{Role: h.Role, Content: h.Content})
	}
	return append(msgs, domain.Message{Role: domain.RoleUser, Content: userMessage})
}

func (DefaultPromptBuilder) BuildStrategyMessages(sess *domain.Session, history []domain.HistoryEntry, userMessage, npcReply string) []domain.Message {
	if len(history) > strategyWindow {
		history = history[len(history)-strategyWindow:]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Stage: %s\n\n", sess.Stage)
	for _, h := range history {
		fmt.Fprintf(&b, "%s: %s\n", speaker(h.Role), h.Content)
	}
	fmt.Fprintf(&b, "%s: %s\n", speaker(domain.RoleUser), userMessage)
	fmt.Fprintf(&b, "%s: %s\n", speaker(domain.RoleAssistant), npcReply)

	return []domain.Message{
		{Role: domain.RoleSystem, Content: strategySystemPrompt},
		{Role: domain.RoleUser, Content: b.String()},
	}
}

// Importance favors the opening turn and turns that touch on commercial
// terms.
func (DefaultPromptBuilder) Importance(_ *domain.Session, turnID int64, userMessage string) float64 {
	score := 0.4
	if turnID == 1 {
		score += 0.2
	}
	lower := strings.ToLower(userMessage)
	for _, term := range highStakesTerms {
		if strings.Contains(lower, term) {
			score += 0.3
			break
		}
	}
	if len(strings.Fields(userMessage)) > 40 {
		score += 0.1
	}
	return min(score, 1.0)
}

func speaker(role string) string {
	if role == domain.RoleUser {
		return "Trainee"
	}
	return "Counterpart"
}
