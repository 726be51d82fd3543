// Package direct provides a direct event publisher that writes to storage.
package direct

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tjfontaine/npc-trainer/internal/core/domain"
	"github.com/tjfontaine/npc-trainer/internal/core/ports"
)

// Publisher implements ports.EventPublisher by writing security events
// directly to storage. This is the default for single-instance deployments.
type Publisher struct {
	store  ports.SecurityEventStore
	logger *slog.Logger
}

var _ ports.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a new direct event publisher.
func NewPublisher(store ports.SecurityEventStore, logger *slog.Logger) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("storage provider required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{store: store, logger: logger}, nil
}

// Publish assigns an id if missing, logs the block and appends the event.
func (p *Publisher) Publish(ctx context.Context, event *domain.SecurityEvent) error {
	if event.ID == "" {
		event.ID = "sec_" + uuid.NewString()
	}

	p.logger.Warn("security event",
		slog.String("event_id", event.ID),
		slog.String("event_type", string(event.EventType)),
		slog.String("risk_type", event.RiskType),
		slog.String("session_id", event.SessionID),
		slog.Int64("turn_id", event.TurnID),
		slog.String("reason", event.Reason))

	if err := p.store.AppendSecurityEvent(ctx, event); err != nil {
		return fmt.Errorf("append security event: %w", err)
	}
	return nil
}

// Close is a no-op for direct publisher.
func (p *Publisher) Close() error {
	return nil
}

// LogPublisher only logs events. It is used when no durable store is wired.
type LogPublisher struct {
	logger *slog.Logger
}

var _ ports.EventPublisher = (*LogPublisher)(nil)

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, event *domain.SecurityEvent) error {
	p.logger.Warn("security event",
		slog.String("event_type", string(event.EventType)),
		slog.String("session_id", event.SessionID),
		slog.Int64("turn_id", event.TurnID),
		slog.String("reason", event.Reason))
	return nil
}

func (p *LogPublisher) Close() error { return nil }
