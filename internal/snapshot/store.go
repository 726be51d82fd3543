// Package snapshot stores time-boxed recovery points for sessions.
//
// A backend keeps at most one record per session; writing a new snapshot
// supersedes the previous one. Expiry is lazy: Get treats a record as absent
// from created_at + ttl_hours onward, and the optional reaper only reclaims
// storage.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/npc-trainer/internal/core/domain"
	"github.com/tjfontaine/npc-trainer/internal/core/ports"
	"github.com/tjfontaine/npc-trainer/internal/telemetry"
)

// DefaultTTLHours applies when a snapshot is created without a TTL.
const DefaultTTLHours = 24.0

// CreateParams carries the session state captured in a snapshot.
type CreateParams struct {
	SessionID           string
	UserID              string
	AgentType           string
	CurrentStage        string
	Context             map[string]any
	Memory              map[string]any
	ConversationHistory []domain.HistoryEntry
	ExecutionState      map[string]any
	TTLHours            float64
}

// Stats is a read-only view of the backend.
type Stats struct {
	ActiveCount  int           `json:"active_count"`
	ExpiredCount int           `json:"expired_count"`
	OldestAge    time.Duration `json:"oldest_age"`
	NewestAge    time.Duration `json:"newest_age"`
}

// Store applies TTL semantics over a SnapshotBackend.
type Store struct {
	backend      ports.SnapshotBackend
	defaultTTL   float64
	writeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
	metrics      *telemetry.Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithDefaultTTL sets the TTL used when CreateParams.TTLHours <= 0.
func WithDefaultTTL(hours float64) Option {
	return func(s *Store) {
		if hours > 0 {
			s.defaultTTL = hours
		}
	}
}

// WithWriteTimeout bounds backend writes.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Store) { s.writeTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore wraps backend.
func NewStore(backend ports.SnapshotBackend, opts ...Option) *Store {
	s := &Store{
		backend:    backend,
		defaultTTL: DefaultTTLHours,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create writes a snapshot for the session, superseding any earlier one,
// and returns the new snapshot id.
func (s *Store) Create(ctx context.Context, p CreateParams) (string, error) {
	if p.SessionID == "" {
		return "", errors.New("snapshot: session id is required")
	}
	ttl := p.TTLHours
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	snap := &domain.ContextSnapshot{
		ID:                  "snap_" + uuid.NewString(),
		SessionID:           p.SessionID,
		UserID:              p.UserID,
		AgentType:           p.AgentType,
		CurrentStage:        p.CurrentStage,
		Context:             p.Context,
		Memory:              p.Memory,
		ConversationHistory: p.ConversationHistory,
		ExecutionState:      p.ExecutionState,
		CreatedAt:           s.now().UTC(),
		TTLHours:            ttl,
	}

	writeCtx := ctx
	if s.writeTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
	}

	err := s.backend.PutSnapshot(writeCtx, snap)
	s.metrics.SnapshotWritten(err)
	if err != nil {
		return "", fmt.Errorf("write snapshot for %s: %w", p.SessionID, err)
	}
	return snap.ID, nil
}

// Get returns the live snapshot for a session, or nil when none exists or
// the latest one has expired.
func (s *Store) Get(ctx context.Context, sessionID string) (*domain.ContextSnapshot, error) {
	snap, err := s.backend.GetSnapshot(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read snapshot for %s: %w", sessionID, err)
	}
	if snap == nil {
		return nil, nil
	}
	if snap.Expired(s.now()) {
		s.logger.DebugContext(ctx, "snapshot expired",
			slog.String("session_id", sessionID),
			slog.String("snapshot_id", snap.ID),
			slog.Time("expired_at", snap.ExpiresAt()),
		)
		return nil, nil
	}
	return snap, nil
}

// Delete removes the session's snapshot. Deleting a missing snapshot is
// not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.backend.DeleteSnapshot(ctx, sessionID); err != nil {
		return fmt.Errorf("delete snapshot for %s: %w", sessionID, err)
	}
	return nil
}

// Stats summarizes live and expired records. Ages cover live records only.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	snaps, err := s.backend.ListSnapshots(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list snapshots: %w", err)
	}

	now := s.now()
	var st Stats
	for _, snap := range snaps {
		if snap.Expired(now) {
			st.ExpiredCount++
			continue
		}
		age := now.Sub(snap.CreatedAt)
		if st.ActiveCount == 0 || age > st.OldestAge {
			st.OldestAge = age
		}
		if st.ActiveCount == 0 || age < st.NewestAge {
			st.NewestAge = age
		}
		st.ActiveCount++
	}
	return st, nil
}

// Reap deletes expired records and returns how many were removed.
func (s *Store) Reap(ctx context.Context) (int, error) {
	snaps, err := s.backend.ListSnapshots(ctx)
	if err != nil {
		return 0, fmt.Errorf("list snapshots: %w", err)
	}

	now := s.now()
	reaped := 0
	var errs []error
	for _, snap := range snaps {
		if !snap.Expired(now) {
			continue
		}
		if err := s.backend.DeleteSnapshot(ctx, snap.SessionID); err != nil {
			errs = append(errs, err)
			continue
		}
		reaped++
	}
	s.metrics.Reaped(reaped)
	return reaped, errors.Join(errs...)
}

// RunReaper calls Reap every interval until ctx is done.
func (s *Store) RunReaper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Reap(ctx)
			if err != nil {
				s.logger.WarnContext(ctx, "snapshot reap failed", slog.String("error", err.Error()))
			}
			if n > 0 {
				s.logger.InfoContext(ctx, "reaped expired snapshots", slog.Int("count", n))
			}
		}
	}
}
