package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/npc-trainer/internal/core/domain"
	"github.com/tjfontaine/npc-trainer/internal/snapshot"
)

// DefaultStage is the workflow stage of a session started without one.
const DefaultStage = "opening"

// Memory keys kept in snapshots.
const (
	memoryLastSuggestion = "last_suggestion"
	memoryCommittedTurns = "committed_turns"
	memoryAdoptedCount   = "adopted_suggestions"
)

// Execution state keys kept in snapshots.
const (
	execLastTurnID = "last_turn_id"
	execBudget     = "budget"
)

var errUserIDRequired = domain.NewTrainerError(domain.ErrorTypeInvalidRequest, "", "user_id is required")

// StartParams describes a new session.
type StartParams struct {
	// SessionID is generated when empty
	SessionID  string
	UserID     string
	TenantID   string
	ScenarioID string
	PersonaID  string
	Stage      string
}

// sessionRuntime is the in-memory state of one resident session. Every
// field below mu is guarded by it.
type sessionRuntime struct {
	id string

	mu             sync.Mutex
	sess           domain.Session
	state          domain.SessionState
	lastTurnID     int64
	history        []domain.HistoryEntry
	memory         map[string]any
	lastSuggestion string

	// inflight is non-nil while a turn runs and is closed when it ends
	inflight chan struct{}
	closing  bool
	evicting bool
	gone     bool

	closeOnce sync.Once
	closeErr  error
}

// begin checks that the session accepts a turn and allocates its id.
func (rt *sessionRuntime) begin() (int64, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	switch {
	case rt.closing || rt.state == domain.StateClosed:
		return 0, domain.ErrSessionClosed
	case rt.gone || rt.evicting || rt.state == domain.StateInit:
		return 0, domain.ErrSessionNotFound
	case rt.inflight != nil:
		return 0, domain.ErrTurnInProgress
	}

	rt.lastTurnID++
	rt.state = domain.StateProcessing
	rt.inflight = make(chan struct{})
	return rt.lastTurnID, nil
}

// settle records the outcome of the running turn. The session stays in
// that state until finishTurn returns it to AWAITING_INPUT.
func (rt *sessionRuntime) settle(state domain.SessionState) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.inflight != nil && rt.state == domain.StateProcessing {
		rt.state = state
	}
}

func (rt *sessionRuntime) ack(resumed bool) *domain.InitAck {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return &domain.InitAck{
		SessionID:  rt.id,
		LastTurnID: rt.lastTurnID,
		Stage:      rt.sess.Stage,
		Resumed:    resumed,
	}
}

// State returns the lifecycle state of a resident session.
func (m *Manager) State(sessionID string) (domain.SessionState, error) {
	rt := m.lookup(sessionID)
	if rt == nil {
		return "", domain.ErrSessionNotFound
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state, nil
}

// StartSession creates a session with its turn counter at zero.
func (m *Manager) StartSession(ctx context.Context, p StartParams) (*domain.InitAck, error) {
	if p.UserID == "" {
		return nil, errUserIDRequired
	}
	if p.SessionID == "" {
		p.SessionID = uuid.NewString()
	}
	if p.Stage == "" {
		p.Stage = DefaultStage
	}

	rt := &sessionRuntime{id: p.SessionID, state: domain.StateInit}
	m.mu.Lock()
	if existing, ok := m.resident[p.SessionID]; ok {
		m.mu.Unlock()
		existing.mu.Lock()
		closing := existing.closing
		existing.mu.Unlock()
		if closing {
			return nil, domain.ErrSessionClosed
		}
		return nil, domain.ErrSessionAlreadyActive
	}
	m.resident[p.SessionID] = rt
	m.mu.Unlock()

	ack, err := m.start(ctx, rt, p)
	if err != nil {
		m.remove(rt)
		return nil, err
	}
	return ack, nil
}

func (m *Manager) start(ctx context.Context, rt *sessionRuntime, p StartParams) (*domain.InitAck, error) {
	existing, err := m.sessions.GetSession(ctx, p.SessionID)
	switch {
	case err == nil && existing.Closed:
		return nil, domain.ErrSessionClosed
	case err == nil:
		return nil, domain.ErrSessionAlreadyActive
	case !errors.Is(err, domain.ErrSessionNotFound):
		return nil, fmt.Errorf("look up session %s: %w", p.SessionID, err)
	}

	sess := &domain.Session{
		ID:         p.SessionID,
		UserID:     p.UserID,
		TenantID:   p.TenantID,
		ScenarioID: p.ScenarioID,
		PersonaID:  p.PersonaID,
		Stage:      p.Stage,
		State:      domain.StateAwaitingInput,
	}
	if err := m.sessions.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session %s: %w", p.SessionID, err)
	}
	m.tracker.Open(p.SessionID, m.thresholdFor(p.TenantID))

	rt.mu.Lock()
	rt.sess = *sess
	rt.memory = make(map[string]any)
	rt.state = domain.StateAwaitingInput
	params := m.snapshotParams(rt)
	rt.mu.Unlock()

	m.writeSnapshot(ctx, params)
	m.metrics.SetActiveSessions(m.ActiveSessions())

	m.logger.InfoContext(ctx, "session started",
		slog.String("session_id", p.SessionID),
		slog.String("user_id", p.UserID),
		slog.String("scenario_id", p.ScenarioID),
		slog.String("persona_id", p.PersonaID),
	)
	return rt.ack(false), nil
}

// Resume returns the resident session or rebuilds it from its latest live
// snapshot. A session without one cannot be recovered.
func (m *Manager) Resume(ctx context.Context, sessionID string) (*domain.InitAck, error) {
	if ack, ok, err := m.resumeResident(sessionID); ok || err != nil {
		return ack, err
	}

	v, err, _ := m.recovery.Do(sessionID, func() (any, error) {
		return m.recover(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.InitAck), nil
}

// resumeResident acknowledges a session that is still in memory. A pending
// eviction is cancelled.
func (m *Manager) resumeResident(sessionID string) (*domain.InitAck, bool, error) {
	rt := m.lookup(sessionID)
	if rt == nil {
		return nil, false, nil
	}

	rt.mu.Lock()
	switch {
	case rt.gone:
		rt.mu.Unlock()
		return nil, false, nil
	case rt.closing || rt.state == domain.StateClosed:
		rt.mu.Unlock()
		return nil, false, domain.ErrSessionClosed
	case rt.state == domain.StateInit:
		rt.mu.Unlock()
		return nil, false, domain.ErrSessionNotFound
	}
	rt.evicting = false
	rt.mu.Unlock()

	return rt.ack(true), true, nil
}

func (m *Manager) recover(ctx context.Context, sessionID string) (*domain.InitAck, error) {
	if ack, ok, err := m.resumeResident(sessionID); ok || err != nil {
		return ack, err
	}

	snap, err := m.snapshots.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if snap == nil {
		return nil, domain.ErrSessionNotRecoverable
	}

	sess, err := m.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil, domain.ErrSessionNotRecoverable
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess.Closed {
		return nil, domain.ErrSessionNotRecoverable
	}

	maxTurnID, err := m.turns.MaxTurnID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load last turn id: %w", err)
	}
	if err := m.failAbandonedTurns(ctx, sessionID); err != nil {
		return nil, err
	}

	rt := &sessionRuntime{
		id:         sessionID,
		sess:       *sess,
		state:      domain.StateAwaitingInput,
		lastTurnID: max(maxTurnID, sess.LastTurnID, int64Value(snap.ExecutionState[execLastTurnID])),
		history:    trimHistory(slices.Clone(snap.ConversationHistory), m.historyLimit),
		memory:     maps.Clone(snap.Memory),
	}
	if rt.memory == nil {
		rt.memory = make(map[string]any)
	}
	if s, ok := rt.memory[memoryLastSuggestion].(string); ok {
		rt.lastSuggestion = s
	}
	if snap.CurrentStage != "" {
		rt.sess.Stage = snap.CurrentStage
	}
	rt.sess.LastTurnID = rt.lastTurnID
	rt.sess.State = domain.StateAwaitingInput

	if rec, ok := decodeBudget(snap.ExecutionState[execBudget]); ok {
		rec.SessionID = sessionID
		m.tracker.Restore(rec)
	} else {
		m.tracker.Open(sessionID, m.thresholdFor(sess.TenantID))
	}

	m.mu.Lock()
	if existing, ok := m.resident[sessionID]; ok {
		m.mu.Unlock()
		return existing.ack(true), nil
	}
	m.resident[sessionID] = rt
	n := len(m.resident)
	m.mu.Unlock()
	m.metrics.SetActiveSessions(n)

	m.logger.InfoContext(ctx, "session resumed",
		slog.String("session_id", sessionID),
		slog.String("snapshot_id", snap.ID),
		slog.Int64("last_turn_id", rt.lastTurnID),
		slog.Int("history_entries", len(rt.history)),
	)
	return rt.ack(true), nil
}

// failAbandonedTurns finalizes turns left pending by a process that stopped
// mid-turn. No runtime owns them once the session is being recovered.
func (m *Manager) failAbandonedTurns(ctx context.Context, sessionID string) error {
	turns, err := m.turns.ListTurns(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load turns: %w", err)
	}
	for _, turn := range turns {
		if turn.Status != domain.TurnPending {
			continue
		}
		err := m.turns.FailTurn(ctx, sessionID, turn.TurnID, reasonAbandoned)
		if err != nil && !errors.Is(err, domain.ErrTurnFinalized) {
			return fmt.Errorf("fail abandoned turn %d: %w", turn.TurnID, err)
		}
		m.logger.WarnContext(ctx, "abandoned turn failed",
			slog.String("session_id", sessionID),
			slog.Int64("turn_id", turn.TurnID),
		)
	}
	return nil
}

// CloseSession ends a session. An in-flight turn is given DrainTimeout to
// finish; past that ErrDrainTimeout is returned and the turn completes the
// close when it ends. Closing a session that is not resident closes its
// durable record.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) error {
	rt := m.lookup(sessionID)
	if rt == nil {
		return m.closeDormant(ctx, sessionID)
	}

	rt.mu.Lock()
	if rt.state == domain.StateInit {
		rt.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	rt.closing = true
	wait := rt.inflight
	rt.mu.Unlock()

	if wait != nil {
		if err := m.drain(ctx, wait); err != nil {
			m.logger.WarnContext(ctx, "close deferred to in-flight turn",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
			return err
		}
	}
	return m.finishClose(ctx, rt)
}

func (m *Manager) closeDormant(ctx context.Context, sessionID string) error {
	sess, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Closed {
		return nil
	}

	m.tracker.Close(sessionID)
	return errors.Join(
		m.snapshots.Delete(ctx, sessionID),
		m.sessions.MarkSessionClosed(ctx, sessionID),
	)
}

// finishClose tears the session down exactly once.
func (m *Manager) finishClose(ctx context.Context, rt *sessionRuntime) error {
	rt.closeOnce.Do(func() {
		pctx, cancel := m.persistContext(ctx)
		defer cancel()

		var errs []error
		if err := m.snapshots.Delete(pctx, rt.id); err != nil {
			errs = append(errs, err)
		}
		m.tracker.Close(rt.id)
		if err := m.sessions.MarkSessionClosed(pctx, rt.id); err != nil {
			errs = append(errs, fmt.Errorf("mark session closed: %w", err))
		}

		rt.mu.Lock()
		rt.state = domain.StateClosed
		turns := rt.lastTurnID
		rt.mu.Unlock()
		m.remove(rt)

		rt.closeErr = errors.Join(errs...)
		m.logger.InfoContext(ctx, "session closed",
			slog.String("session_id", rt.id),
			slog.Int64("last_turn_id", turns),
		)
	})
	return rt.closeErr
}

// Evict drops a session from memory and keeps its snapshot and records, so
// a later Resume can rebuild it.
func (m *Manager) Evict(ctx context.Context, sessionID string) error {
	rt := m.lookup(sessionID)
	if rt == nil {
		return nil
	}

	rt.mu.Lock()
	if rt.closing || rt.state == domain.StateInit {
		rt.mu.Unlock()
		return nil
	}
	rt.evicting = true
	wait := rt.inflight
	rt.mu.Unlock()

	if wait != nil {
		if err := m.drain(ctx, wait); err != nil {
			return err
		}
	}
	m.detach(rt)
	return nil
}

// EvictAll evicts every resident session, waiting up to DrainTimeout for
// in-flight turns. It is called before storage is released on shutdown.
func (m *Manager) EvictAll(ctx context.Context) error {
	m.mu.Lock()
	ids := slices.Collect(maps.Keys(m.resident))
	m.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		wg.Go(func() {
			if err := m.Evict(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("evict %s: %w", id, err))
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}

// detach completes an eviction unless it was cancelled by Resume or a turn
// is still running.
func (m *Manager) detach(rt *sessionRuntime) {
	rt.mu.Lock()
	if !rt.evicting || rt.closing || rt.gone || rt.inflight != nil {
		rt.mu.Unlock()
		return
	}
	rt.gone = true
	rt.mu.Unlock()

	m.remove(rt)
	m.logger.Info("session evicted", slog.String("session_id", rt.id))
}

func (m *Manager) drain(ctx context.Context, wait <-chan struct{}) error {
	timer := time.NewTimer(m.drainTimeout)
	defer timer.Stop()

	select {
	case <-wait:
		return nil
	case <-timer.C:
		return domain.ErrDrainTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// snapshotParams captures rt for a snapshot. Callers hold rt.mu.
func (m *Manager) snapshotParams(rt *sessionRuntime) snapshot.CreateParams {
	return snapshot.CreateParams{
		SessionID:    rt.id,
		UserID:       rt.sess.UserID,
		AgentType:    domain.AgentNPC,
		CurrentStage: rt.sess.Stage,
		Context: map[string]any{
			"tenant_id":   rt.sess.TenantID,
			"scenario_id": rt.sess.ScenarioID,
			"persona_id":  rt.sess.PersonaID,
		},
		Memory:              maps.Clone(rt.memory),
		ConversationHistory: slices.Clone(rt.history),
		ExecutionState: map[string]any{
			execLastTurnID: rt.lastTurnID,
			execBudget:     m.tracker.Snapshot(rt.id),
		},
		TTLHours: m.snapshotTTL,
	}
}

// writeSnapshot is best-effort: a failed write is logged and the session
// carries on with its previous snapshot.
func (m *Manager) writeSnapshot(ctx context.Context, params snapshot.CreateParams) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.snapshotTimeout)
	defer cancel()

	if _, err := m.snapshots.Create(wctx, params); err != nil {
		m.logger.WarnContext(ctx, "snapshot write failed",
			slog.String("session_id", params.SessionID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.persistTimeout)
}

func trimHistory(h []domain.HistoryEntry, limit int) []domain.HistoryEntry {
	if limit <= 0 || len(h) <= limit {
		return h
	}
	return slices.Clone(h[len(h)-limit:])
}

// int64Value reads a number that may have been through JSON.
func int64Value(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}

func decodeBudget(v any) (domain.BudgetRecord, bool) {
	if v == nil {
		return domain.BudgetRecord{}, false
	}
	if rec, ok := v.(domain.BudgetRecord); ok {
		return rec, true
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return domain.BudgetRecord{}, false
	}
	var rec domain.BudgetRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.BudgetRecord{}, false
	}
	return rec, true
}
