// Package storagetest holds conformance tests every StorageProvider must pass.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/npc-trainer/internal/core/domain"
	"github.com/tjfontaine/npc-trainer/internal/core/ports"
	"github.com/tjfontaine/npc-trainer/internal/snapshot/snapshottest"
)

// Run exercises sessions, turns, snapshots and security events.
func Run(t *testing.T, newProvider func(t *testing.T) ports.StorageProvider) {
	t.Helper()

	t.Run("sessions", func(t *testing.T) { testSessions(t, newProvider(t)) })
	t.Run("turn lifecycle", func(t *testing.T) { testTurnLifecycle(t, newProvider(t)) })
	t.Run("turn status is write once", func(t *testing.T) { testWriteOnce(t, newProvider(t)) })
	t.Run("security events", func(t *testing.T) { testSecurityEvents(t, newProvider(t)) })
	t.Run("snapshots", func(t *testing.T) {
		snapshottest.Run(t, func(t *testing.T) ports.SnapshotBackend { return newProvider(t) })
	})
}

func testSessions(t *testing.T, p ports.StorageProvider) {
	ctx := context.Background()

	_, err := p.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	sess := &domain.Session{
		ID:         "sess-1",
		UserID:     "user-1",
		TenantID:   "acme",
		ScenarioID: "renewal",
		PersonaID:  "cfo",
		Stage:      "opening",
		State:      domain.StateAwaitingInput,
	}
	require.NoError(t, p.CreateSession(ctx, sess))

	err = p.CreateSession(ctx, &domain.Session{ID: "sess-1", UserID: "user-2"})
	assert.ErrorIs(t, err, domain.ErrSessionAlreadyActive)

	got, err := p.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "acme", got.TenantID)
	assert.Equal(t, "renewal", got.ScenarioID)
	assert.Equal(t, "cfo", got.PersonaID)
	assert.Equal(t, "opening", got.Stage)
	assert.False(t, got.Closed)
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, p.UpdateSessionStage(ctx, "sess-1", "negotiation", 3))
	got, err = p.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "negotiation", got.Stage)
	assert.Equal(t, int64(3), got.LastTurnID)

	require.NoError(t, p.MarkSessionClosed(ctx, "sess-1"))
	got, err = p.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, got.Closed)
	assert.Equal(t, domain.StateClosed, got.State)

	assert.ErrorIs(t, p.MarkSessionClosed(ctx, "missing"), domain.ErrSessionNotFound)
}

func testTurnLifecycle(t *testing.T, p ports.StorageProvider) {
	ctx := context.Background()
	require.NoError(t, p.CreateSession(ctx, &domain.Session{ID: "s", UserID: "u"}))

	maxID, err := p.MaxTurnID(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(0), maxID)

	for id := int64(1); id <= 3; id++ {
		require.NoError(t, p.BeginTurn(ctx, &domain.Turn{SessionID: "s", TurnID: id, UserMessage: "msg"}))
	}
	assert.Error(t, p.BeginTurn(ctx, &domain.Turn{SessionID: "s", TurnID: 2, UserMessage: "dup"}))

	require.NoError(t, p.CommitTurn(ctx, "s", 1, "reply one", "scripted"))
	require.NoError(t, p.FailTurn(ctx, "s", 2, "input_injection"))

	turns, err := p.ListTurns(ctx, "s")
	require.NoError(t, err)
	require.Len(t, turns, 3)

	assert.Equal(t, int64(1), turns[0].TurnID)
	assert.Equal(t, domain.TurnCommitted, turns[0].Status)
	assert.Equal(t, "reply one", turns[0].NPCReply)
	assert.Equal(t, "scripted", turns[0].Provider)
	assert.Equal(t, "msg", turns[0].UserMessage)

	assert.Equal(t, domain.TurnFailed, turns[1].Status)
	assert.Equal(t, "input_injection", turns[1].FailureReason)

	assert.Equal(t, domain.TurnPending, turns[2].Status)

	maxID, err = p.MaxTurnID(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(3), maxID)

	other, err := p.ListTurns(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testWriteOnce(t *testing.T, p ports.StorageProvider) {
	ctx := context.Background()
	require.NoError(t, p.CreateSession(ctx, &domain.Session{ID: "s", UserID: "u"}))
	require.NoError(t, p.BeginTurn(ctx, &domain.Turn{SessionID: "s", TurnID: 1, UserMessage: "a"}))
	require.NoError(t, p.BeginTurn(ctx, &domain.Turn{SessionID: "s", TurnID: 2, UserMessage: "b"}))

	require.NoError(t, p.CommitTurn(ctx, "s", 1, "ok", "scripted"))
	assert.ErrorIs(t, p.CommitTurn(ctx, "s", 1, "again", "scripted"), domain.ErrTurnFinalized)
	assert.ErrorIs(t, p.FailTurn(ctx, "s", 1, "late failure"), domain.ErrTurnFinalized)

	require.NoError(t, p.FailTurn(ctx, "s", 2, "blocked"))
	assert.ErrorIs(t, p.CommitTurn(ctx, "s", 2, "reopen", "scripted"), domain.ErrTurnFinalized)

	turns, err := p.ListTurns(ctx, "s")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "ok", turns[0].NPCReply)
	assert.Equal(t, domain.TurnFailed, turns[1].Status)
	assert.Empty(t, turns[1].NPCReply)
}

func testSecurityEvents(t *testing.T, p ports.StorageProvider) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, p.AppendSecurityEvent(ctx, &domain.SecurityEvent{
		ID: "e1", EventType: domain.EventInputInjection, Reason: "override", RiskType: "instruction_override",
		SessionID: "s", TurnID: 1, CreatedAt: now,
	}))
	require.NoError(t, p.AppendSecurityEvent(ctx, &domain.SecurityEvent{
		ID: "e2", EventType: domain.EventSemanticJailbreak, Reason: "jailbreak",
		SessionID: "s", TurnID: 2, CreatedAt: now.Add(time.Second),
	}))
	require.NoError(t, p.AppendSecurityEvent(ctx, &domain.SecurityEvent{
		ID: "e3", EventType: domain.EventInputInjection, Reason: "x", SessionID: "other", TurnID: 1, CreatedAt: now,
	}))

	events, err := p.ListSecurityEvents(ctx, "s")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e1", events[0].ID)
	assert.Equal(t, domain.EventInputInjection, events[0].EventType)
	assert.Equal(t, "instruction_override", events[0].RiskType)
	assert.Equal(t, int64(2), events[1].TurnID)
}
