package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/npc-trainer/internal/conversation"
	"github.com/tjfontaine/npc-trainer/internal/core/domain"
	"github.com/tjfontaine/npc-trainer/internal/router"
	"github.com/tjfontaine/npc-trainer/internal/security"
	"github.com/tjfontaine/npc-trainer/internal/telemetry"
)

// User-facing replies for turns that did not reach a provider answer.
const (
	SafetyMessage   = "I can't respond to that. Let's keep the conversation on the training scenario."
	DegradedMessage = "Sorry, I need a moment. Could you repeat that?"
)

// Failure reasons recorded on turns and in metrics.
const (
	ReasonAllProvidersFailed = "all_providers_failed"
	reasonBlocked            = "blocked"
	reasonBeginFailed        = "begin_failed"
	reasonAbandoned          = "abandoned"
)

const guardImportance = 0.2

var errEmptyMessage = domain.NewTrainerError(domain.ErrorTypeInvalidRequest, "", "message content is required")

// SubmitTurn runs one turn. Turns of a session are serialized: a submit
// while another turn is processing returns ErrTurnInProgress.
//
// A blocked input or a provider outage is not an error; the result carries
// Rejected or Degraded. An error is returned with a failed result only when
// the turn could not be persisted.
func (m *Manager) SubmitTurn(ctx context.Context, sessionID, content string) (*domain.TurnResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, errEmptyMessage
	}
	rt := m.lookup(sessionID)
	if rt == nil {
		return nil, m.missingSessionError(ctx, sessionID)
	}
	turnID, err := rt.begin()
	if err != nil {
		return nil, err
	}

	ctx, span := m.tracer.Start(ctx, "orchestrator.turn", trace.WithAttributes(
		telemetry.AttrSessionID.String(sessionID),
		telemetry.AttrTurnID.Int64(turnID),
	))
	defer span.End()

	start := m.now()
	res, reason, err := m.processTurn(ctx, rt, turnID, content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
	}
	span.SetAttributes(
		attribute.String("trainer.turn_status", string(res.Status)),
		attribute.Bool("trainer.rejected", res.Rejected),
		attribute.Bool("trainer.degraded", res.Degraded),
	)
	m.finishTurn(ctx, rt, res, reason, m.now().Sub(start))
	return res, err
}

// missingSessionError tells a closed session apart from one that is not
// resident.
func (m *Manager) missingSessionError(ctx context.Context, sessionID string) error {
	if sess, err := m.sessions.GetSession(ctx, sessionID); err == nil && sess.Closed {
		return domain.ErrSessionClosed
	}
	return domain.ErrSessionNotFound
}

// processTurn runs the pipeline for an allocated turn id and returns the
// result with the failure reason, if any.
func (m *Manager) processTurn(ctx context.Context, rt *sessionRuntime, turnID int64, content string) (*domain.TurnResult, string, error) {
	rt.mu.Lock()
	sess := rt.sess
	history := slices.Clone(rt.history)
	prevSuggestion := rt.lastSuggestion
	rt.mu.Unlock()

	res := &domain.TurnResult{
		SessionID: sess.ID,
		TurnID:    turnID,
		Status:    domain.TurnFailed,
	}

	turn := &domain.Turn{
		SessionID:   sess.ID,
		TurnID:      turnID,
		UserMessage: content,
		Status:      domain.TurnPending,
	}
	if err := m.recorder.Begin(ctx, turn); err != nil {
		rt.settle(domain.StateFailed)
		return res, reasonBeginFailed, err
	}

	if action, evt := m.gate.CheckInput(ctx, content, m.guardCaller(sess.ID)); action == security.ActionBlock {
		evt.SessionID = sess.ID
		evt.TurnID = turnID
		conversation.LogSecurityEvent(ctx, m.publisher, evt, m.logger)

		res.Rejected = true
		res.NPCResponse = SafetyMessage
		rt.settle(domain.StateFailed)
		if err := m.recorder.Fail(ctx, sess.ID, turnID, evt.Reason); err != nil {
			return res, reasonBlocked, fmt.Errorf("%w: fail turn %d: %v", domain.ErrPersistenceFailure, turnID, err)
		}
		return res, reasonBlocked, nil
	}

	reply, err := m.npcReply(ctx, &sess, history, turnID, content)
	if err != nil {
		m.logger.WarnContext(ctx, "npc reply unavailable",
			slog.String("session_id", sess.ID),
			slog.Int64("turn_id", turnID),
			slog.String("error", err.Error()),
		)
		res.Degraded = true
		res.NPCResponse = DegradedMessage
		rt.settle(domain.StateFailed)
		if ferr := m.recorder.Fail(ctx, sess.ID, turnID, ReasonAllProvidersFailed); ferr != nil {
			return res, ReasonAllProvidersFailed, fmt.Errorf("%w: fail turn %d: %v", domain.ErrPersistenceFailure, turnID, ferr)
		}
		return res, ReasonAllProvidersFailed, nil
	}

	strategy := m.analyzeStrategy(ctx, &sess, history, content, reply.Text)
	var adoption *domain.AdoptionAnalysis
	if turnID > 1 {
		a := scoreAdoption(prevSuggestion, content)
		adoption = &a
	}

	if err := m.recorder.Commit(ctx, sess.ID, turnID, reply.Text, reply.Provider); err != nil {
		rt.settle(domain.StateFailed)
		if !errors.Is(err, domain.ErrPersistenceFailure) {
			err = fmt.Errorf("%w: commit turn %d: %w", domain.ErrPersistenceFailure, turnID, err)
		}
		return res, conversation.ReasonPersistenceFailure, err
	}

	rt.settle(domain.StateCommitted)
	res.Status = domain.TurnCommitted
	res.NPCResponse = reply.Text
	res.Provider = reply.Provider
	res.StrategyAnalysis = strategy
	res.AdoptionAnalysis = adoption

	m.applyTurn(ctx, rt, turnID, content, reply.Text, strategy, adoption)
	return res, "", nil
}

// guardCaller returns the semantic classifier caller, or nil when no
// provider serves the guard agent.
func (m *Manager) guardCaller(sessionID string) security.ModelCaller {
	if !m.router.Supports(domain.AgentGuard) {
		return nil
	}
	return m.router.Caller(router.RoutingContext{
		SessionID:   sessionID,
		AgentType:   domain.AgentGuard,
		LatencyMode: router.LatencyFast,
		Importance:  guardImportance,
	})
}

func (m *Manager) npcReply(ctx context.Context, sess *domain.Session, history []domain.HistoryEntry, turnID int64, content string) (*router.ChatResult, error) {
	var retrieved []string
	if m.retriever != nil {
		docs, err := m.retriever.Retrieve(ctx, sess, content)
		if err != nil {
			m.logger.WarnContext(ctx, "context retrieval failed",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()),
			)
		}
		retrieved = docs
	}

	msgs := m.prompts.BuildNPCMessages(sess, history, content, retrieved)
	return m.router.Chat(ctx, router.RoutingContext{
		SessionID:   sess.ID,
		AgentType:   domain.AgentNPC,
		LatencyMode: router.LatencyBalanced,
		Importance:  m.prompts.Importance(sess, turnID, content),
	}, msgs)
}

// applyTurn folds a committed turn into the session and snapshots it.
func (m *Manager) applyTurn(ctx context.Context, rt *sessionRuntime, turnID int64, content, reply string, strategy *domain.StrategyAnalysis, adoption *domain.AdoptionAnalysis) {
	rt.mu.Lock()
	rt.history = append(rt.history,
		domain.HistoryEntry{TurnID: turnID, Role: domain.RoleUser, Content: content},
		domain.HistoryEntry{TurnID: turnID, Role: domain.RoleAssistant, Content: reply},
	)
	rt.history = trimHistory(rt.history, m.historyLimit)
	rt.lastSuggestion = strategy.Suggestion
	rt.memory[memoryLastSuggestion] = strategy.Suggestion
	rt.memory[memoryCommittedTurns] = int64Value(rt.memory[memoryCommittedTurns]) + 1
	if adoption != nil && adoption.Adopted {
		rt.memory[memoryAdoptedCount] = int64Value(rt.memory[memoryAdoptedCount]) + 1
	}
	rt.sess.LastTurnID = turnID
	stage := rt.sess.Stage
	params := m.snapshotParams(rt)
	rt.mu.Unlock()

	pctx, cancel := m.persistContext(ctx)
	if err := m.sessions.UpdateSessionStage(pctx, rt.id, stage, turnID); err != nil {
		m.logger.WarnContext(ctx, "session stage update failed",
			slog.String("session_id", rt.id),
			slog.Int64("turn_id", turnID),
			slog.String("error", err.Error()),
		)
	}
	cancel()

	m.writeSnapshot(ctx, params)
}

// finishTurn returns the session to AWAITING_INPUT from PROCESSING, COMMITTED
// or FAILED and completes a close or
// eviction requested while the turn ran.
func (m *Manager) finishTurn(ctx context.Context, rt *sessionRuntime, res *domain.TurnResult, reason string, elapsed time.Duration) {
	m.metrics.TurnFinished(string(res.Status), reason, elapsed)

	rt.mu.Lock()
	switch rt.state {
	case domain.StateProcessing, domain.StateCommitted, domain.StateFailed:
		rt.state = domain.StateAwaitingInput
	}
	close(rt.inflight)
	rt.inflight = nil
	closing, evicting := rt.closing, rt.evicting
	rt.mu.Unlock()

	switch {
	case closing:
		if err := m.finishClose(ctx, rt); err != nil {
			m.logger.ErrorContext(ctx, "deferred session close failed",
				slog.String("session_id", rt.id),
				slog.String("error", err.Error()),
			)
		}
	case evicting:
		m.detach(rt)
	}
}
