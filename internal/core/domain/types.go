package domain

import "time"

// SessionState is the lifecycle state of a training session.
type SessionState string

const (
	StateInit          SessionState = "INIT"
	StateAwaitingInput SessionState = "AWAITING_INPUT"
	StateProcessing    SessionState = "PROCESSING"
	StateCommitted     SessionState = "COMMITTED"
	StateFailed        SessionState = "FAILED"
	StateClosed        SessionState = "CLOSED"
)

// TurnStatus is the persisted status of a turn. It is written once:
// pending -> committed or pending -> failed.
type TurnStatus string

const (
	TurnPending   TurnStatus = "pending"
	TurnCommitted TurnStatus = "committed"
	TurnFailed    TurnStatus = "failed"
)

// Final reports whether the status can no longer change.
func (s TurnStatus) Final() bool {
	return s == TurnCommitted || s == TurnFailed
}

// Message roles used in conversation history and durable message rows.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Agent types used to select eligible providers.
const (
	AgentNPC        = "npc"
	AgentStrategist = "strategist"
	AgentGuard      = "guard"
	AgentRetriever  = "retriever"
)

// Session identifies one training conversation.
type Session struct {
	ID         string       `json:"id"`
	UserID     string       `json:"user_id"`
	TenantID   string       `json:"tenant_id,omitempty"`
	ScenarioID string       `json:"scenario_id,omitempty"`
	PersonaID  string       `json:"persona_id,omitempty"`
	Stage      string       `json:"stage"`
	LastTurnID int64        `json:"last_turn_id"`
	State      SessionState `json:"state"`
	Closed     bool         `json:"closed"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Turn is one request/response exchange within a session.
type Turn struct {
	SessionID     string     `json:"session_id"`
	TurnID        int64      `json:"turn_id"`
	UserMessage   string     `json:"user_message"`
	NPCReply      string     `json:"npc_reply,omitempty"`
	Status        TurnStatus `json:"status"`
	FailureReason string     `json:"failure_reason,omitempty"`
	Provider      string     `json:"provider,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Message is a single chat message passed to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// HistoryEntry is one entry of the conversation history kept in snapshots.
type HistoryEntry struct {
	TurnID  int64  `json:"turn_id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ContextSnapshot is a point-in-time serialization of session state.
type ContextSnapshot struct {
	ID                  string         `json:"id"`
	SessionID           string         `json:"session_id"`
	UserID              string         `json:"user_id"`
	AgentType           string         `json:"agent_type"`
	CurrentStage        string         `json:"current_stage"`
	Context             map[string]any `json:"context,omitempty"`
	Memory              map[string]any `json:"memory,omitempty"`
	ConversationHistory []HistoryEntry `json:"conversation_history,omitempty"`
	ExecutionState      map[string]any `json:"execution_state,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	TTLHours            float64        `json:"ttl_hours"`
}

// ExpiresAt returns the instant at which the snapshot stops being live.
func (s *ContextSnapshot) ExpiresAt() time.Time {
	return s.CreatedAt.Add(time.Duration(s.TTLHours * float64(time.Hour)))
}

// Expired reports whether the snapshot is expired at now. The boundary
// instant itself counts as expired.
func (s *ContextSnapshot) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt())
}

// BudgetRecord is the per-session spend ledger.
type BudgetRecord struct {
	SessionID    string             `json:"session_id"`
	Spent        float64            `json:"spent"`
	Reserved     float64            `json:"reserved"`
	Threshold    float64            `json:"threshold"`
	CostTracking map[string]float64 `json:"cost_tracking"`
}

// SecurityEventType categorizes a blocked input.
type SecurityEventType string

const (
	EventInputInjection    SecurityEventType = "input_injection"
	EventSemanticJailbreak SecurityEventType = "semantic_jailbreak"
)

// SecurityEvent is emitted only when the security gate blocks input.
type SecurityEvent struct {
	ID        string            `json:"id"`
	EventType SecurityEventType `json:"event_type"`
	Reason    string            `json:"reason"`
	RiskType  string            `json:"risk_type,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	TurnID    int64             `json:"turn_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// StrategyAnalysis is the coaching commentary attached to a turn.
type StrategyAnalysis struct {
	Summary    string `json:"summary"`
	Suggestion string `json:"suggestion"`
	Provider   string `json:"provider,omitempty"`
	Fallback   bool   `json:"fallback,omitempty"`
}

// AdoptionAnalysis scores how far the user followed the previous suggestion.
type AdoptionAnalysis struct {
	PreviousSuggestion string  `json:"previous_suggestion"`
	Score              float64 `json:"score"`
	Adopted            bool    `json:"adopted"`
}

// TurnResult is the outcome of a turn handed back to the transport.
type TurnResult struct {
	SessionID        string            `json:"session_id"`
	TurnID           int64             `json:"turn_id"`
	Status           TurnStatus        `json:"status"`
	NPCResponse      string            `json:"npc_response"`
	StrategyAnalysis *StrategyAnalysis `json:"strategy_analysis,omitempty"`
	AdoptionAnalysis *AdoptionAnalysis `json:"adoption_analysis"`
	Rejected         bool              `json:"rejected,omitempty"`
	Degraded         bool              `json:"degraded,omitempty"`
	Provider         string            `json:"provider,omitempty"`
}

// InitAck acknowledges a started or resumed session.
type InitAck struct {
	SessionID  string `json:"session_id"`
	LastTurnID int64  `json:"last_turn_id"`
	Stage      string `json:"stage"`
	Resumed    bool   `json:"resumed"`
}
