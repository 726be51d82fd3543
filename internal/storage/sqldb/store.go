// Package sqldb is the durable StorageProvider for SQLite and PostgreSQL.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/npc-trainer/internal/core/domain"
	"github.com/tjfontaine/npc-trainer/internal/core/ports"
	"github.com/tjfontaine/npc-trainer/internal/storage/dialect"
)

// Store is a SQL implementation of ports.StorageProvider that supports
// multiple database dialects.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
	now     func() time.Time
}

var _ ports.StorageProvider = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres, pgx
	DSN    string // Data source name / connection string
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d, now: time.Now}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store at dbPath.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) initSchema() error {
	ts := s.dialect.TimestampType()
	boolean := s.dialect.BooleanType()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			scenario_id TEXT NOT NULL DEFAULT '',
			persona_id TEXT NOT NULL DEFAULT '',
			stage TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT '',
			last_turn_id BIGINT NOT NULL DEFAULT 0,
			closed ` + boolean + ` NOT NULL DEFAULT ` + s.falseLiteral() + `,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL,
			turn_id BIGINT NOT NULL,
			role TEXT NOT NULL,
			status TEXT NOT NULL,
			content TEXT NOT NULL,
			reply TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL,
			PRIMARY KEY (session_id, turn_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_turn_id ON messages(turn_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status)`,
		`CREATE TABLE IF NOT EXISTS session_states (
			session_id TEXT PRIMARY KEY,
			snapshot_id TEXT NOT NULL,
			context_snapshot TEXT NOT NULL,
			created_at ` + ts + ` NOT NULL,
			ttl_hours DOUBLE PRECISION NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS security_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			reason TEXT NOT NULL,
			risk_type TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			turn_id BIGINT NOT NULL DEFAULT 0,
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_security_events_session ON security_events(session_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) falseLiteral() string {
	if s.dialect.BooleanType() == "BOOLEAN" {
		return "FALSE"
	}
	return "0"
}

func (s *Store) CreateSession(ctx context.Context, sess *domain.Session) error {
	now := s.now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	query := s.dialect.Rebind(`INSERT INTO sessions
		(id, user_id, tenant_id, scenario_id, persona_id, stage, state, last_turn_id, closed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ` + s.dialect.UpsertClause("id", nil))

	res, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.UserID, sess.TenantID, sess.ScenarioID, sess.PersonaID,
		sess.Stage, string(sess.State), sess.LastTurnID, sess.Closed, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s: %w", sess.ID, domain.ErrSessionAlreadyActive)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	query := s.dialect.Rebind(`SELECT id, user_id, tenant_id, scenario_id, persona_id, stage, state,
		last_turn_id, closed, created_at, updated_at
		FROM sessions WHERE id = ?`)

	var sess domain.Session
	var state string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID, &sess.UserID, &sess.TenantID, &sess.ScenarioID, &sess.PersonaID,
		&sess.Stage, &state, &sess.LastTurnID, &sess.Closed, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	sess.State = domain.SessionState(state)
	return &sess, nil
}

func (s *Store) UpdateSessionStage(ctx context.Context, id, stage string, lastTurnID int64) error {
	query := s.dialect.Rebind(`UPDATE sessions
		SET stage = ?,
		    last_turn_id = CASE WHEN last_turn_id > ? THEN last_turn_id ELSE ? END,
		    updated_at = ?
		WHERE id = ?`)

	res, err := s.db.ExecContext(ctx, query, stage, lastTurnID, lastTurnID, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return requireRow(res, fmt.Errorf("session %s: %w", id, domain.ErrSessionNotFound))
}

func (s *Store) MarkSessionClosed(ctx context.Context, id string) error {
	query := s.dialect.Rebind(`UPDATE sessions SET closed = ?, state = ?, updated_at = ? WHERE id = ?`)

	res, err := s.db.ExecContext(ctx, query, true, string(domain.StateClosed), s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return requireRow(res, fmt.Errorf("session %s: %w", id, domain.ErrSessionNotFound))
}

func (s *Store) BeginTurn(ctx context.Context, turn *domain.Turn) error {
	now := s.now().UTC()
	turn.Status = domain.TurnPending
	turn.CreatedAt = now
	turn.UpdatedAt = now

	query := s.dialect.Rebind(`INSERT INTO messages
		(session_id, turn_id, role, status, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) ` + s.dialect.UpsertClause("session_id, turn_id", nil))

	res, err := s.db.ExecContext(ctx, query,
		turn.SessionID, turn.TurnID, domain.RoleUser, string(turn.Status), turn.UserMessage, now, now)
	if err != nil {
		return fmt.Errorf("failed to begin turn: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("turn %s/%d already exists", turn.SessionID, turn.TurnID)
	}
	return nil
}

func (s *Store) CommitTurn(ctx context.Context, sessionID string, turnID int64, reply, provider string) error {
	query := s.dialect.Rebind(`UPDATE messages SET status = ?, reply = ?, provider = ?, updated_at = ?
		WHERE session_id = ? AND turn_id = ? AND status = ?`)

	res, err := s.db.ExecContext(ctx, query,
		string(domain.TurnCommitted), reply, provider, s.now().UTC(),
		sessionID, turnID, string(domain.TurnPending))
	if err != nil {
		return fmt.Errorf("failed to commit turn: %w", err)
	}
	return s.finalized(ctx, res, sessionID, turnID)
}

func (s *Store) FailTurn(ctx context.Context, sessionID string, turnID int64, reason string) error {
	query := s.dialect.Rebind(`UPDATE messages SET status = ?, reason = ?, updated_at = ?
		WHERE session_id = ? AND turn_id = ? AND status = ?`)

	res, err := s.db.ExecContext(ctx, query,
		string(domain.TurnFailed), reason, s.now().UTC(),
		sessionID, turnID, string(domain.TurnPending))
	if err != nil {
		return fmt.Errorf("failed to fail turn: %w", err)
	}
	return s.finalized(ctx, res, sessionID, turnID)
}

// finalized distinguishes a missing turn from one that already left
// pending when a conditional status update touched no rows.
func (s *Store) finalized(ctx context.Context, res sql.Result, sessionID string, turnID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}

	var status string
	query := s.dialect.Rebind(`SELECT status FROM messages WHERE session_id = ? AND turn_id = ?`)
	err = s.db.QueryRowContext(ctx, query, sessionID, turnID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("turn %s/%d not found", sessionID, turnID)
	}
	if err != nil {
		return fmt.Errorf("failed to read turn status: %w", err)
	}
	return fmt.Errorf("turn %s/%d is %s: %w", sessionID, turnID, status, domain.ErrTurnFinalized)
}

func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]*domain.Turn, error) {
	query := s.dialect.Rebind(`SELECT session_id, turn_id, status, content, reply, reason, provider, created_at, updated_at
		FROM messages WHERE session_id = ?
		ORDER BY turn_id ASC`)

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []*domain.Turn
	for rows.Next() {
		var t domain.Turn
		var status string
		if err := rows.Scan(&t.SessionID, &t.TurnID, &status, &t.UserMessage, &t.NPCReply,
			&t.FailureReason, &t.Provider, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.Status = domain.TurnStatus(status)
		turns = append(turns, &t)
	}
	return turns, rows.Err()
}

func (s *Store) MaxTurnID(ctx context.Context, sessionID string) (int64, error) {
	query := s.dialect.Rebind(`SELECT COALESCE(MAX(turn_id), 0) FROM messages WHERE session_id = ?`)

	var maxID int64
	if err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("failed to read max turn id: %w", err)
	}
	return maxID, nil
}

func (s *Store) PutSnapshot(ctx context.Context, snap *domain.ContextSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	query := s.dialect.Rebind(`INSERT INTO session_states (session_id, snapshot_id, context_snapshot, created_at, ttl_hours)
		VALUES (?, ?, ?, ?, ?) ` +
		s.dialect.UpsertClause("session_id", []string{"snapshot_id", "context_snapshot", "created_at", "ttl_hours"}))

	_, err = s.db.ExecContext(ctx, query, snap.SessionID, snap.ID, string(data), snap.CreatedAt.UTC(), snap.TTLHours)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, sessionID string) (*domain.ContextSnapshot, error) {
	query := s.dialect.Rebind(`SELECT context_snapshot FROM session_states WHERE session_id = ?`)

	var data string
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return decodeSnapshot(data)
}

func (s *Store) DeleteSnapshot(ctx context.Context, sessionID string) error {
	query := s.dialect.Rebind(`DELETE FROM session_states WHERE session_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

func (s *Store) ListSnapshots(ctx context.Context) ([]*domain.ContextSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT context_snapshot FROM session_states ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*domain.ContextSnapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap, err := decodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func decodeSnapshot(data string) (*domain.ContextSnapshot, error) {
	var snap domain.ContextSnapshot
	if err := json.NewDecoder(strings.NewReader(data)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (s *Store) AppendSecurityEvent(ctx context.Context, evt *domain.SecurityEvent) error {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.now().UTC()
	}

	query := s.dialect.Rebind(`INSERT INTO security_events (id, event_type, reason, risk_type, session_id, turn_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		evt.ID, string(evt.EventType), evt.Reason, evt.RiskType, evt.SessionID, evt.TurnID, evt.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append security event: %w", err)
	}
	return nil
}

func (s *Store) ListSecurityEvents(ctx context.Context, sessionID string) ([]*domain.SecurityEvent, error) {
	query := s.dialect.Rebind(`SELECT id, event_type, reason, risk_type, session_id, turn_id, created_at
		FROM security_events WHERE session_id = ?
		ORDER BY created_at ASC, id ASC`)

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}
	defer rows.Close()

	var events []*domain.SecurityEvent
	for rows.Next() {
		var evt domain.SecurityEvent
		var eventType string
		if err := rows.Scan(&evt.ID, &eventType, &evt.Reason, &evt.RiskType, &evt.SessionID,
			&evt.TurnID, &evt.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		evt.EventType = domain.SecurityEventType(eventType)
		events = append(events, &evt)
	}
	return events, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
