// Package badgerkv is a BadgerDB-backed snapshot backend. Records carry a
// native TTL so abandoned snapshots are collected even without the reaper.
package badgerkv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tjfontaine/npc-trainer/internal/core/domain"
	"github.com/tjfontaine/npc-trainer/internal/core/ports"
)

const keyPrefix = "snapshot/"

// ExpiryGrace is added to a snapshot's logical expiry before Badger drops
// the record, leaving the snapshot store to observe and reap it first.
const ExpiryGrace = time.Hour

// Config configures the Badger backend.
type Config struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path     string
	InMemory bool

	// GCInterval is the value-log GC period. Zero disables GC.
	GCInterval time.Duration

	Logger *slog.Logger
}

// Store implements ports.SnapshotBackend on BadgerDB.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	now    func() time.Time

	stopGC chan struct{}
	gcDone chan struct{}
	once   sync.Once
}

var _ ports.SnapshotBackend = (*Store)(nil)

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens the database and starts value-log GC if configured.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger path is required")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.Default()
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
		stopGC: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		go s.runGC(cfg.GCInterval)
	} else {
		close(s.gcDone)
	}
	return s, nil
}

func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite means no GC was needed
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

func key(sessionID string) []byte {
	return []byte(keyPrefix + sessionID)
}

func (s *Store) PutSnapshot(ctx context.Context, snap *domain.ContextSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	entry := badger.NewEntry(key(snap.SessionID), data)
	if snap.TTLHours > 0 {
		ttl := snap.ExpiresAt().Add(ExpiryGrace).Sub(s.now())
		if ttl < time.Second {
			ttl = time.Second
		}
		entry = entry.WithTTL(ttl)
	}

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	}); err != nil {
		return fmt.Errorf("put snapshot %s: %w", snap.SessionID, err)
	}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, sessionID string) (*domain.ContextSnapshot, error) {
	var snap *domain.ContextSnapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(sessionID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			snap, err = decode(val)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", sessionID, err)
	}
	return snap, nil
}

func (s *Store) DeleteSnapshot(ctx context.Context, sessionID string) error {
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(sessionID))
	}); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) ListSnapshots(ctx context.Context) ([]*domain.ContextSnapshot, error) {
	var snaps []*domain.ContextSnapshot
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				snap, err := decode(val)
				if err != nil {
					return err
				}
				snaps = append(snaps, snap)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return snaps, nil
}

func decode(val []byte) (*domain.ContextSnapshot, error) {
	var snap domain.ContextSnapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stopGC)
		<-s.gcDone
		err = s.db.Close()
	})
	return err
}
