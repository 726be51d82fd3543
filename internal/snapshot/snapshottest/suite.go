// Package snapshottest holds conformance tests shared by snapshot backends.
package snapshottest

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/npc-trainer/internal/core/domain"
	"github.com/tjfontaine/npc-trainer/internal/core/ports"
)

// Sample returns a fully populated snapshot for sessionID.
func Sample(sessionID string, createdAt time.Time) *domain.ContextSnapshot {
	return &domain.ContextSnapshot{
		ID:           "snap_" + sessionID,
		SessionID:    sessionID,
		UserID:       "user-1",
		AgentType:    domain.AgentNPC,
		CurrentStage: "discovery",
		Context:      map[string]any{"scenario_id": "renewal"},
		Memory:       map[string]any{"last_suggestion": "ask about budget"},
		ConversationHistory: []domain.HistoryEntry{
			{TurnID: 1, Role: domain.RoleUser, Content: "hello"},
			{TurnID: 1, Role: domain.RoleAssistant, Content: "hi there"},
		},
		ExecutionState: map[string]any{"last_turn_id": float64(1)},
		CreatedAt:      createdAt.UTC().Truncate(time.Millisecond),
		TTLHours:       24,
	}
}

// Run exercises the SnapshotBackend contract against a fresh backend.
func Run(t *testing.T, newBackend func(t *testing.T) ports.SnapshotBackend) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	t.Run("missing returns nil", func(t *testing.T) {
		b := newBackend(t)
		got, err := b.GetSnapshot(ctx, "absent")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("round trip", func(t *testing.T) {
		b := newBackend(t)
		want := Sample("s1", now)
		require.NoError(t, b.PutSnapshot(ctx, want))

		got, err := b.GetSnapshot(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.SessionID, got.SessionID)
		assert.Equal(t, want.CurrentStage, got.CurrentStage)
		assert.Equal(t, want.ConversationHistory, got.ConversationHistory)
		assert.Equal(t, want.Memory, got.Memory)
		assert.Equal(t, want.ExecutionState, got.ExecutionState)
		assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", want.CreatedAt, got.CreatedAt)
		assert.Equal(t, want.TTLHours, got.TTLHours)
	})

	t.Run("put supersedes", func(t *testing.T) {
		b := newBackend(t)
		first := Sample("s1", now)
		require.NoError(t, b.PutSnapshot(ctx, first))

		second := Sample("s1", now.Add(time.Minute))
		second.ID = "snap_second"
		second.CurrentStage = "negotiation"
		require.NoError(t, b.PutSnapshot(ctx, second))

		got, err := b.GetSnapshot(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "snap_second", got.ID)
		assert.Equal(t, "negotiation", got.CurrentStage)

		all, err := b.ListSnapshots(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.PutSnapshot(ctx, Sample("s1", now)))
		require.NoError(t, b.DeleteSnapshot(ctx, "s1"))
		require.NoError(t, b.DeleteSnapshot(ctx, "s1"))
		require.NoError(t, b.DeleteSnapshot(ctx, "never-existed"))

		got, err := b.GetSnapshot(ctx, "s1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("list", func(t *testing.T) {
		b := newBackend(t)
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, b.PutSnapshot(ctx, Sample(id, now)))
		}
		all, err := b.ListSnapshots(ctx)
		require.NoError(t, err)

		ids := make([]string, 0, len(all))
		for _, s := range all {
			ids = append(ids, s.SessionID)
		}
		sort.Strings(ids)
		assert.Equal(t, []string{"a", "b", "c"}, ids)
	})
}
