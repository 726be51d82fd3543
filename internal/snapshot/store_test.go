package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/npc-trainer/internal/core/domain"
	"github.com/tjfontaine/npc-trainer/internal/storage/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newStore(t *testing.T) (*Store, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewStore(memory.New(), WithClock(c.Now)), c
}

func TestStore_CreateThenGet(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, CreateParams{
		SessionID:    "s1",
		UserID:       "u1",
		AgentType:    domain.AgentNPC,
		CurrentStage: "discovery",
		Memory:       map[string]any{"tone": "skeptical"},
		TTLHours:     2,
	})
	require.NoError(t, err)
	assert.Contains(t, id, "snap_")

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "discovery", got.CurrentStage)
	assert.Equal(t, id, got.ID)
}

func TestStore_ExpiryBoundary(t *testing.T) {
	s, c := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, CreateParams{SessionID: "s1", CurrentStage: "x", TTLHours: 1})
	require.NoError(t, err)

	c.Advance(time.Hour - time.Nanosecond)
	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.NotNil(t, got, "live just before expiry")

	c.Advance(time.Nanosecond)
	got, err = s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got, "expired exactly at created_at + ttl")
}

func TestStore_DefaultTTL(t *testing.T) {
	s, c := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, CreateParams{SessionID: "s1"})
	require.NoError(t, err)

	c.Advance(23 * time.Hour)
	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, DefaultTTLHours, got.TTLHours)
}

func TestStore_NewSnapshotSupersedes(t *testing.T) {
	s, c := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, CreateParams{SessionID: "s1", CurrentStage: "opening", TTLHours: 1})
	require.NoError(t, err)
	c.Advance(50 * time.Minute)
	second, err := s.Create(ctx, CreateParams{SessionID: "s1", CurrentStage: "closing", TTLHours: 1})
	require.NoError(t, err)

	c.Advance(20 * time.Minute)
	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got, "the newer snapshot is still live")
	assert.Equal(t, second, got.ID)
	assert.Equal(t, "closing", got.CurrentStage)
}

func TestStore_DeleteIdempotent(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Delete(ctx, "missing"))
	_, err := s.Create(ctx, CreateParams{SessionID: "s1"})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "s1"))
	require.NoError(t, s.Delete(ctx, "s1"))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_CreateRequiresSession(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Create(context.Background(), CreateParams{})
	assert.Error(t, err)
}

func TestStore_StatsAndReap(t *testing.T) {
	s, c := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, CreateParams{SessionID: "old", TTLHours: 1})
	require.NoError(t, err)
	c.Advance(30 * time.Minute)
	_, err = s.Create(ctx, CreateParams{SessionID: "mid", TTLHours: 24})
	require.NoError(t, err)
	c.Advance(45 * time.Minute)
	_, err = s.Create(ctx, CreateParams{SessionID: "new", TTLHours: 24})
	require.NoError(t, err)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.ActiveCount)
	assert.Equal(t, 1, st.ExpiredCount)
	assert.Equal(t, 45*time.Minute, st.OldestAge)
	assert.Equal(t, time.Duration(0), st.NewestAge)

	n, err := s.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.ExpiredCount)
	assert.Equal(t, 2, st.ActiveCount)
}

type failingBackend struct{ *memory.Store }

func (failingBackend) PutSnapshot(context.Context, *domain.ContextSnapshot) error {
	return errors.New("disk full")
}

func TestStore_CreateSurfacesBackendError(t *testing.T) {
	s := NewStore(&failingBackend{Store: memory.New()})
	_, err := s.Create(context.Background(), CreateParams{SessionID: "s1"})
	assert.ErrorContains(t, err, "disk full")
}

func TestStore_RunReaperStopsOnCancel(t *testing.T) {
	s, _ := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.RunReaper(ctx, 5*time.Millisecond) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
