// Package server exposes the orchestrator over HTTP: a WebSocket endpoint
// for live sessions and a small REST surface for clients that poll.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/npc-trainer/internal/api/middleware"
	"github.com/tjfontaine/npc-trainer/internal/core/domain"
	"github.com/tjfontaine/npc-trainer/internal/orchestrator"
	"github.com/tjfontaine/npc-trainer/internal/snapshot"
	"github.com/tjfontaine/npc-trainer/internal/telemetry"
)

const shutdownTimeout = 15 * time.Second

// SessionService is the orchestrator surface the transport drives.
type SessionService interface {
	StartSession(ctx context.Context, p orchestrator.StartParams) (*domain.InitAck, error)
	Resume(ctx context.Context, sessionID string) (*domain.InitAck, error)
	SubmitTurn(ctx context.Context, sessionID, content string) (*domain.TurnResult, error)
	CloseSession(ctx context.Context, sessionID string) error
	Evict(ctx context.Context, sessionID string) error
	Budget(sessionID string) (domain.BudgetRecord, error)
}

// SnapshotStatter reports snapshot backend statistics.
type SnapshotStatter interface {
	Stats(ctx context.Context) (snapshot.Stats, error)
}

// Config holds the transport settings.
type Config struct {
	Port              int
	RequestTimeout    time.Duration
	MessagesPerSecond float64
	Burst             int
	MaxMessageBytes   int
}

// Deps are the services behind the routes.
type Deps struct {
	Sessions  SessionService
	Snapshots SnapshotStatter

	// Gatherer backs /metrics; nil leaves the route unmounted
	Gatherer prometheus.Gatherer
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

type Server struct {
	Router *chi.Mux
	Port   int

	sessions  SessionService
	snapshots SnapshotStatter
	limiter   *ClientLimiter
	validate  *validator.Validate
	maxBytes  int64
	metrics   *telemetry.Metrics
	logger    *slog.Logger

	// connCtx is cancelled on shutdown to close hijacked websocket
	// connections, which http.Server.Shutdown does not track
	connCtx    context.Context
	closeConns context.CancelFunc
	// handlers counts running websocket handlers
	handlers sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Sessions == nil {
		return nil, errors.New("server: session service is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 16 << 10
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 2
	}

	s := &Server{
		Router:    chi.NewRouter(),
		Port:      cfg.Port,
		sessions:  deps.Sessions,
		snapshots: deps.Snapshots,
		limiter:   NewClientLimiter(cfg.MessagesPerSecond, cfg.Burst),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		maxBytes:  int64(cfg.MaxMessageBytes),
		metrics:   deps.Metrics,
		logger:    logger,
	}
	s.connCtx, s.closeConns = context.WithCancel(context.Background())

	r := s.Router
	r.Use(middleware.RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(chimw.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "npc-trainer")
	})

	r.Get("/healthz", s.handleHealth)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// The websocket lives as long as the client stays connected, so it is
	// mounted outside the request timeout.
	r.Get("/v1/sessions/ws", s.handleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(TimeoutMiddleware(cfg.RequestTimeout))
		r.Use(RateLimitMiddleware(s.limiter))

		r.Post("/v1/sessions", s.handleStartSession)
		r.Post("/v1/sessions/{id}/resume", s.handleResume)
		r.Post("/v1/sessions/{id}/turns", s.handleSubmitTurn)
		r.Delete("/v1/sessions/{id}", s.handleCloseSession)
		r.Get("/v1/sessions/{id}/budget", s.handleBudget)
		r.Get("/v1/snapshots/stats", s.handleSnapshotStats)
	})

	return s, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(s.closeConns)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", slog.Int("port", s.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return s.waitHandlers(shutdownCtx)
}

// waitHandlers blocks until every websocket handler has returned. The
// connections are already closed by then, so this only waits out turns
// that were running when shutdown began.
func (s *Server) waitHandlers(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("server shutdown: websocket handlers still running: %w", ctx.Err())
	}
}
