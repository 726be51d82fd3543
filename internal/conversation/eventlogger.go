package conversation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/npc-trainer/internal/core/domain"
	"github.com/tjfontaine/npc-trainer/internal/core/ports"
)

// LogSecurityEvent publishes a gate event (best-effort). Failures are logged
// and never reach the turn.
func LogSecurityEvent(ctx context.Context, pub ports.EventPublisher, evt *domain.SecurityEvent, logger *slog.Logger) {
	if pub == nil || evt == nil {
		return
	}
	if evt.ID == "" {
		evt.ID = "evt_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}

	persistCtx, cancel := buildPersistenceContext(ctx, DefaultPersistTimeout)
	defer cancel()

	if err := pub.Publish(persistCtx, evt); err != nil && logger != nil {
		logger.Error("failed to publish security event",
			slog.String("event_id", evt.ID),
			slog.String("session_id", evt.SessionID),
			slog.String("error", err.Error()),
		)
	}
}
