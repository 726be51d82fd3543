// Package storage selects the StorageProvider implementation for a config.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tjfontaine/npc-trainer/internal/core/ports"
	"github.com/tjfontaine/npc-trainer/internal/pkg/config"
	"github.com/tjfontaine/npc-trainer/internal/storage/memory"
	"github.com/tjfontaine/npc-trainer/internal/storage/sqldb"
)

// Open returns the provider named by cfg.Driver. For file-backed SQLite the
// parent directory is created if needed.
func Open(cfg config.StorageConfig) (ports.StorageProvider, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		if err := ensureDir(cfg.DSN); err != nil {
			return nil, err
		}
		return sqldb.New(sqldb.Config{Driver: cfg.Driver, DSN: cfg.DSN})
	case "postgres", "pgx":
		return sqldb.New(sqldb.Config{Driver: cfg.Driver, DSN: cfg.DSN})
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func ensureDir(dsn string) error {
	if dsn == "" || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	dir := filepath.Dir(dsn)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create storage dir %s: %w", dir, err)
	}
	return nil
}
