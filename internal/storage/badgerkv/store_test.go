package badgerkv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/npc-trainer/internal/core/ports"
	"github.com/tjfontaine/npc-trainer/internal/snapshot/snapshottest"
)

func newInMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBadgerBackend_Conformance(t *testing.T) {
	snapshottest.Run(t, func(t *testing.T) ports.SnapshotBackend {
		return newInMemory(t)
	})
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestOpen_OnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Config{Path: dir, GCInterval: time.Minute})
	require.NoError(t, err)
	require.NoError(t, s.PutSnapshot(ctx, snapshottest.Sample("s1", time.Now())))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	reopened, err := Open(Config{Path: dir})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetSnapshot(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "discovery", got.CurrentStage)
}

func TestPutSnapshot_LogicallyExpiredStillVisible(t *testing.T) {
	s := newInMemory(t)
	ctx := context.Background()

	// Expired half an hour ago by its own TTL but inside the grace window, so
	// the snapshot store can still see it and reap it.
	snap := snapshottest.Sample("old", time.Now().Add(-25*time.Hour).Add(30*time.Minute))
	require.NoError(t, s.PutSnapshot(ctx, snap))

	got, err := s.GetSnapshot(ctx, "old")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Expired(time.Now()))
}
