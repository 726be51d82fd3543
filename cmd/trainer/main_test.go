package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "WARN", "error"} {
		assert.NoError(t, setupLogger(level), level)
	}
	assert.Error(t, setupLogger("loud"))
}

func TestSnapshotStatsCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: memory\nsnapshots:\n  backend: memory\n"), 0o600))

	t.Run("text", func(t *testing.T) {
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"snapshots", "stats", "--config", path})
		require.NoError(t, cmd.Execute())
		assert.True(t, strings.HasPrefix(out.String(), "active:  0\nexpired: 0\n"), out.String())
	})

	t.Run("json", func(t *testing.T) {
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"snapshots", "stats", "--json", "--config", path})
		require.NoError(t, cmd.Execute())

		var got map[string]any
		require.NoError(t, json.Unmarshal(out.Bytes(), &got))
		assert.Equal(t, 0.0, got["active_count"])
	})
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: oracle\n"), 0o600))

	cmd := newRootCmd()
	cmd.SetArgs([]string{"serve", "--config", path})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}
