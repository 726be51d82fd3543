// Package conversation persists turn records on behalf of the orchestrator.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tjfontaine/npc-trainer/internal/api/middleware"
	"github.com/tjfontaine/npc-trainer/internal/core/domain"
	"github.com/tjfontaine/npc-trainer/internal/core/ports"
)

// ReasonPersistenceFailure is recorded on a turn whose commit could not be
// written.
const ReasonPersistenceFailure = "persistence_failure"

// DefaultPersistTimeout bounds each store write.
const DefaultPersistTimeout = 5 * time.Second

// Recorder writes turn state transitions. Every write runs on a context
// decoupled from the caller, so a client disconnect does not drop a turn
// that already produced a reply. Each write is retried once.
type Recorder struct {
	store      ports.TurnStore
	timeout    time.Duration
	retryDelay time.Duration
	logger     *slog.Logger
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithPersistTimeout bounds each write attempt.
func WithPersistTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.timeout = d }
}

// WithRetryDelay sets the pause before the retry.
func WithRetryDelay(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.retryDelay = d }
}

// WithLogger sets the recorder logger.
func WithLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = logger }
}

// NewRecorder creates a recorder over store.
func NewRecorder(store ports.TurnStore, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:      store,
		timeout:    DefaultPersistTimeout,
		retryDelay: 50 * time.Millisecond,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Begin writes the pending record for a turn. A retry that finds the
// pending record already written counts as success.
func (r *Recorder) Begin(ctx context.Context, turn *domain.Turn) error {
	err := r.withRetry(ctx, "begin", turn.SessionID, turn.TurnID, isPending(turn.UserMessage), func(pctx context.Context) error {
		return r.store.BeginTurn(pctx, turn)
	})
	if err != nil {
		return fmt.Errorf("%w: begin turn %d: %v", domain.ErrPersistenceFailure, turn.TurnID, err)
	}
	return nil
}

// Commit marks a turn committed. When both attempts fail the turn is marked
// failed instead, if possible, and the error wraps
// domain.ErrPersistenceFailure. A turn already finalized is reported as
// domain.ErrTurnFinalized without a retry, unless the first attempt wrote
// the commit and only its acknowledgement was lost.
func (r *Recorder) Commit(ctx context.Context, sessionID string, turnID int64, reply, provider string) error {
	err := r.withRetry(ctx, "commit", sessionID, turnID, hasStatus(domain.TurnCommitted), func(pctx context.Context) error {
		return r.store.CommitTurn(pctx, sessionID, turnID, reply, provider)
	})
	if err == nil || errors.Is(err, domain.ErrTurnFinalized) {
		return err
	}

	if failErr := r.Fail(ctx, sessionID, turnID, ReasonPersistenceFailure); failErr != nil {
		r.logger.Error("failed to mark uncommitted turn as failed",
			slog.String("request_id", middleware.GetRequestID(ctx)),
			slog.String("session_id", sessionID),
			slog.Int64("turn_id", turnID),
			slog.String("error", failErr.Error()),
		)
	}
	return fmt.Errorf("%w: commit turn %d: %v", domain.ErrPersistenceFailure, turnID, err)
}

// Fail marks a turn failed with reason.
func (r *Recorder) Fail(ctx context.Context, sessionID string, turnID int64, reason string) error {
	return r.withRetry(ctx, "fail", sessionID, turnID, hasStatus(domain.TurnFailed), func(pctx context.Context) error {
		return r.store.FailTurn(pctx, sessionID, turnID, reason)
	})
}

// withRetry runs write at most twice. When the first attempt errors, the
// second may fail only because the first one reached the store anyway; the
// stored turn is checked against want before reporting that failure.
func (r *Recorder) withRetry(ctx context.Context, op, sessionID string, turnID int64, want func(*domain.Turn) bool, write func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		persistCtx, cancel := buildPersistenceContext(ctx, r.timeout)
		err = write(persistCtx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == 2 && r.landed(ctx, sessionID, turnID, want) {
			r.logger.Info("turn write found already applied",
				slog.String("op", op),
				slog.String("session_id", sessionID),
				slog.Int64("turn_id", turnID),
			)
			return nil
		}
		if errors.Is(err, domain.ErrTurnFinalized) {
			return err
		}

		r.logger.Warn("turn write failed",
			slog.String("op", op),
			slog.String("request_id", middleware.GetRequestID(ctx)),
			slog.String("session_id", sessionID),
			slog.Int64("turn_id", turnID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if attempt == 1 && r.retryDelay > 0 {
			time.Sleep(r.retryDelay)
		}
	}
	return err
}

// landed reports whether the stored turn already satisfies want.
func (r *Recorder) landed(ctx context.Context, sessionID string, turnID int64, want func(*domain.Turn) bool) bool {
	persistCtx, cancel := buildPersistenceContext(ctx, r.timeout)
	defer cancel()
	turns, err := r.store.ListTurns(persistCtx, sessionID)
	if err != nil {
		return false
	}
	for _, t := range turns {
		if t.TurnID == turnID {
			return want(t)
		}
	}
	return false
}

func hasStatus(status domain.TurnStatus) func(*domain.Turn) bool {
	return func(t *domain.Turn) bool { return t.Status == status }
}

// isPending matches the record Begin writes, so a different turn that
// already holds the id is still a conflict.
func isPending(message string) func(*domain.Turn) bool {
	return func(t *domain.Turn) bool { return t.Status == domain.TurnPending && t.UserMessage == message }
}

// buildPersistenceContext detaches from the caller's cancellation while
// keeping its request ID, and applies a short timeout.
func buildPersistenceContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	base := context.Background()
	if reqID := middleware.GetRequestID(ctx); reqID != "" {
		base = middleware.WithRequestID(base, reqID)
	}

	if timeout <= 0 {
		return context.WithCancel(base)
	}

	return context.WithTimeout(base, timeout)
}
