package ports

import (
	"context"

	"github.com/tjfontaine/npc-trainer/internal/core/domain"
)

// SessionStore persists session rows.
type SessionStore interface {
	// CreateSession inserts a new session row; returns
	// domain.ErrSessionAlreadyActive if the id exists
	CreateSession(ctx context.Context, sess *domain.Session) error

	// GetSession retrieves a session by ID; returns domain.ErrSessionNotFound if absent
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// UpdateSessionStage records the workflow stage and last turn id
	UpdateSessionStage(ctx context.Context, id, stage string, lastTurnID int64) error

	// MarkSessionClosed flags the session as terminated
	MarkSessionClosed(ctx context.Context, id string) error
}

// TurnStore persists turn records. Status transitions are write-once:
// CommitTurn and FailTurn only succeed for turns still pending and return
// domain.ErrTurnFinalized otherwise.
type TurnStore interface {
	// BeginTurn writes the pending record for a newly arrived turn
	BeginTurn(ctx context.Context, turn *domain.Turn) error

	// CommitTurn marks a pending turn committed and stores the reply
	CommitTurn(ctx context.Context, sessionID string, turnID int64, reply, provider string) error

	// FailTurn marks a pending turn failed with a reason
	FailTurn(ctx context.Context, sessionID string, turnID int64, reason string) error

	// ListTurns returns the turns of a session ordered by turn id
	ListTurns(ctx context.Context, sessionID string) ([]*domain.Turn, error)

	// MaxTurnID returns the highest persisted turn id, or 0
	MaxTurnID(ctx context.Context, sessionID string) (int64, error)
}

// SnapshotBackend stores at most one snapshot record per session. Expiry is
// applied by the snapshot store on top of it.
type SnapshotBackend interface {
	PutSnapshot(ctx context.Context, snap *domain.ContextSnapshot) error

	// GetSnapshot returns nil, nil when no record exists
	GetSnapshot(ctx context.Context, sessionID string) (*domain.ContextSnapshot, error)

	// DeleteSnapshot is idempotent
	DeleteSnapshot(ctx context.Context, sessionID string) error

	ListSnapshots(ctx context.Context) ([]*domain.ContextSnapshot, error)
}

// SecurityEventStore records blocked inputs for later review.
type SecurityEventStore interface {
	AppendSecurityEvent(ctx context.Context, evt *domain.SecurityEvent) error

	// ListSecurityEvents returns a session's events oldest first
	ListSecurityEvents(ctx context.Context, sessionID string) ([]*domain.SecurityEvent, error)
}

// StorageProvider is the full durable store used by the runtime.
// Implementations: SQL (sqlite, postgres) and in-memory.
type StorageProvider interface {
	SessionStore
	TurnStore
	SnapshotBackend
	SecurityEventStore

	Close() error
}
