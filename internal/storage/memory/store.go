// Package memory is an in-process implementation of the trainer stores.
// Nothing survives a restart; it backs tests and the "memory" driver.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/tjfontaine/npc-trainer/internal/core/domain"
	"github.com/tjfontaine/npc-trainer/internal/core/ports"
)

var _ ports.StorageProvider = (*Store)(nil)

type turnKey struct {
	sessionID string
	turnID    int64
}

// Store keeps sessions, turns, snapshots and security events in maps.
// Snapshots are held as JSON so readers see the same shapes a durable
// backend would return.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]domain.Session
	turns     map[turnKey]domain.Turn
	snapshots map[string][]byte
	events    []domain.SecurityEvent
	now       func() time.Time
}

// New creates a new in-memory store
func New() *Store {
	return &Store{
		sessions:  make(map[string]domain.Session),
		turns:     make(map[turnKey]domain.Turn),
		snapshots: make(map[string][]byte),
		now:       time.Now,
	}
}

func (s *Store) CreateSession(ctx context.Context, sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("session %s: %w", sess.ID, domain.ErrSessionAlreadyActive)
	}

	now := s.now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[id]
	if !exists {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrSessionNotFound)
	}
	return &sess, nil
}

func (s *Store) UpdateSessionStage(ctx context.Context, id, stage string, lastTurnID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[id]
	if !exists {
		return fmt.Errorf("session %s: %w", id, domain.ErrSessionNotFound)
	}
	sess.Stage = stage
	if lastTurnID > sess.LastTurnID {
		sess.LastTurnID = lastTurnID
	}
	sess.UpdatedAt = s.now().UTC()
	s.sessions[id] = sess
	return nil
}

func (s *Store) MarkSessionClosed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[id]
	if !exists {
		return fmt.Errorf("session %s: %w", id, domain.ErrSessionNotFound)
	}
	sess.Closed = true
	sess.State = domain.StateClosed
	sess.UpdatedAt = s.now().UTC()
	s.sessions[id] = sess
	return nil
}

func (s *Store) BeginTurn(ctx context.Context, turn *domain.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := turnKey{turn.SessionID, turn.TurnID}
	if _, exists := s.turns[key]; exists {
		return fmt.Errorf("turn %s/%d already exists", turn.SessionID, turn.TurnID)
	}

	now := s.now().UTC()
	turn.Status = domain.TurnPending
	turn.CreatedAt = now
	turn.UpdatedAt = now
	s.turns[key] = *turn
	return nil
}

func (s *Store) finalize(sessionID string, turnID int64, apply func(*domain.Turn)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := turnKey{sessionID, turnID}
	turn, exists := s.turns[key]
	if !exists {
		return fmt.Errorf("turn %s/%d not found", sessionID, turnID)
	}
	if turn.Status.Final() {
		return fmt.Errorf("turn %s/%d is %s: %w", sessionID, turnID, turn.Status, domain.ErrTurnFinalized)
	}
	apply(&turn)
	turn.UpdatedAt = s.now().UTC()
	s.turns[key] = turn
	return nil
}

func (s *Store) CommitTurn(ctx context.Context, sessionID string, turnID int64, reply, provider string) error {
	return s.finalize(sessionID, turnID, func(t *domain.Turn) {
		t.Status = domain.TurnCommitted
		t.NPCReply = reply
		t.Provider = provider
	})
}

func (s *Store) FailTurn(ctx context.Context, sessionID string, turnID int64, reason string) error {
	return s.finalize(sessionID, turnID, func(t *domain.Turn) {
		t.Status = domain.TurnFailed
		t.FailureReason = reason
	})
}

func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]*domain.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Turn
	for key, turn := range s.turns {
		if key.sessionID != sessionID {
			continue
		}
		t := turn
		result = append(result, &t)
	}
	slices.SortFunc(result, func(a, b *domain.Turn) int {
		return int(a.TurnID - b.TurnID)
	})
	return result, nil
}

func (s *Store) MaxTurnID(ctx context.Context, sessionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxID int64
	for key := range s.turns {
		if key.sessionID == sessionID && key.turnID > maxID {
			maxID = key.turnID
		}
	}
	return maxID, nil
}

func (s *Store) PutSnapshot(ctx context.Context, snap *domain.ContextSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.SessionID] = data
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, sessionID string) (*domain.ContextSnapshot, error) {
	s.mu.RLock()
	data, exists := s.snapshots[sessionID]
	s.mu.RUnlock()
	if !exists {
		return nil, nil
	}
	return decodeSnapshot(data)
}

func (s *Store) DeleteSnapshot(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, sessionID)
	return nil
}

func (s *Store) ListSnapshots(ctx context.Context) ([]*domain.ContextSnapshot, error) {
	s.mu.RLock()
	all := maps.Clone(s.snapshots)
	s.mu.RUnlock()

	result := make([]*domain.ContextSnapshot, 0, len(all))
	for _, data := range all {
		snap, err := decodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	return result, nil
}

func decodeSnapshot(data []byte) (*domain.ContextSnapshot, error) {
	var snap domain.ContextSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func (s *Store) AppendSecurityEvent(ctx context.Context, evt *domain.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *evt)
	return nil
}

func (s *Store) ListSecurityEvents(ctx context.Context, sessionID string) ([]*domain.SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.SecurityEvent
	for _, evt := range s.events {
		if evt.SessionID == sessionID {
			e := evt
			result = append(result, &e)
		}
	}
	return result, nil
}

func (s *Store) Close() error {
	return nil
}
