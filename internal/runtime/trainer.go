// Package runtime wires configuration, storage, providers and the
// orchestrator into a runnable trainer service.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/npc-trainer/internal/adapters/events/direct"
	storageadapter "github.com/tjfontaine/npc-trainer/internal/adapters/storage"
	"github.com/tjfontaine/npc-trainer/internal/budget"
	"github.com/tjfontaine/npc-trainer/internal/core/ports"
	"github.com/tjfontaine/npc-trainer/internal/orchestrator"
	"github.com/tjfontaine/npc-trainer/internal/pkg/config"
	"github.com/tjfontaine/npc-trainer/internal/provider"
	"github.com/tjfontaine/npc-trainer/internal/router"
	"github.com/tjfontaine/npc-trainer/internal/security"
	"github.com/tjfontaine/npc-trainer/internal/server"
	"github.com/tjfontaine/npc-trainer/internal/snapshot"
	"github.com/tjfontaine/npc-trainer/internal/storage/badgerkv"
	"github.com/tjfontaine/npc-trainer/internal/storage/memory"
	"github.com/tjfontaine/npc-trainer/internal/telemetry"
	"github.com/tjfontaine/npc-trainer/internal/tokens"
)

// badgerGCInterval is the value-log GC period of the Badger snapshot backend.
const badgerGCInterval = 5 * time.Minute

// Trainer is the assembled service. Dependencies can be injected via
// options; anything not injected is built from configuration on Start.
type Trainer struct {
	// Dependencies (injected via options)
	config          ports.ConfigProvider
	storage         ports.StorageProvider
	snapshotBackend ports.SnapshotBackend
	events          ports.EventPublisher
	registry        *prometheus.Registry
	managerOpts     []orchestrator.Option
	logger          *slog.Logger

	ownsStorage bool
	closers     []io.Closer

	// Built on Start
	cfg            *config.Config
	metrics        *telemetry.Metrics
	snapshots      *snapshot.Store
	manager        *orchestrator.Manager
	server         *server.Server
	shutdownTracer func(context.Context) error

	mu      sync.Mutex
	started bool
}

// New creates a Trainer with the given options. A config provider is
// required.
func New(opts ...Option) (*Trainer, error) {
	t := &Trainer{
		logger:      slog.Default(),
		ownsStorage: true,
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	if t.config == nil {
		return nil, errors.New("config provider required (use WithFileConfig or WithConfigProvider)")
	}
	if t.registry == nil {
		t.registry = prometheus.NewRegistry()
	}
	return t, nil
}

// Start loads configuration and builds every component. It does not serve.
func (t *Trainer) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}

	if err := t.loadConfig(ctx); err != nil {
		return err
	}
	cfg := t.cfg

	shutdown, err := telemetry.InitTracer(cfg.Telemetry, t.logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	t.shutdownTracer = shutdown
	t.metrics = telemetry.NewMetrics(t.registry)

	if err := t.initSnapshots(); err != nil {
		return err
	}
	if t.events == nil {
		publisher, err := direct.NewPublisher(t.storage, t.logger)
		if err != nil {
			return fmt.Errorf("create event publisher: %w", err)
		}
		t.events = publisher
	}

	tracker := budget.NewTracker(cfg.Budget.DefaultThreshold,
		budget.WithLogger(t.logger),
		budget.WithMetrics(t.metrics),
	)

	entries, err := provider.NewRegistry().Entries(cfg)
	if err != nil {
		return fmt.Errorf("create providers: %w", err)
	}
	rtr, err := router.New(entries, tracker, tokens.NewRegistry(),
		router.WithMaxAttempts(cfg.Routing.MaxAttempts),
		router.WithCallTimeout(cfg.Routing.CallTimeout),
		router.WithLogger(t.logger),
		router.WithMetrics(t.metrics),
	)
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}

	gate, err := security.NewGate(
		security.WithExtraPatterns(cfg.Security.ExtraPatterns),
		security.WithSemanticEnabled(cfg.Security.SemanticEnabled),
		security.WithSemanticTimeout(cfg.Security.SemanticTimeout),
		security.WithLogger(t.logger),
		security.WithMetrics(t.metrics),
	)
	if err != nil {
		return fmt.Errorf("create security gate: %w", err)
	}

	managerOpts := append([]orchestrator.Option{
		orchestrator.WithDrainTimeout(cfg.Orchestrator.DrainTimeout),
		orchestrator.WithSnapshotTimeout(cfg.Orchestrator.SnapshotTimeout),
		orchestrator.WithPersistTimeout(cfg.Orchestrator.PersistTimeout),
		orchestrator.WithHistoryLimit(cfg.Orchestrator.HistoryLimit),
		orchestrator.WithSnapshotTTL(cfg.Snapshots.TTLHours),
		orchestrator.WithTenantThresholds(cfg.Budget.TenantThresholds),
		orchestrator.WithLogger(t.logger),
		orchestrator.WithMetrics(t.metrics),
	}, t.managerOpts...)
	t.manager, err = orchestrator.NewManager(orchestrator.Deps{
		Sessions:  t.storage,
		Turns:     t.storage,
		Snapshots: t.snapshots,
		Router:    rtr,
		Tracker:   tracker,
		Gate:      gate,
		Publisher: t.events,
	}, managerOpts...)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	t.server, err = server.New(server.Config{
		Port:              cfg.Server.Port,
		RequestTimeout:    cfg.Server.RequestTimeout,
		MessagesPerSecond: cfg.Transport.MessagesPerSecond,
		Burst:             cfg.Transport.Burst,
		MaxMessageBytes:   cfg.Transport.MaxMessageBytes,
	}, server.Deps{
		Sessions:  t.manager,
		Snapshots: t.snapshots,
		Gatherer:  t.registry,
		Metrics:   t.metrics,
		Logger:    t.logger,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	t.started = true
	t.logger.Info("trainer started",
		slog.Int("port", cfg.Server.Port),
		slog.Int("providers", len(entries)),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("snapshots", cfg.Snapshots.Backend),
	)
	return nil
}

// Run starts the trainer and serves until ctx is cancelled or a component
// fails, then shuts down.
func (t *Trainer) Run(ctx context.Context) error {
	if err := t.Start(ctx); err != nil {
		_ = t.Shutdown(context.WithoutCancel(ctx))
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return t.server.Run(gctx)
	})
	g.Go(func() error {
		return t.snapshots.RunReaper(gctx, t.cfg.Snapshots.ReapInterval)
	})
	g.Go(func() error {
		if err := t.config.Watch(gctx, t.reload); err != nil {
			// Hot reload is optional; serving continues without it.
			t.logger.Warn("config watch unavailable", slog.String("error", err.Error()))
		}
		return nil
	})

	err := g.Wait()
	if serr := t.Shutdown(context.WithoutCancel(ctx)); serr != nil && err == nil {
		err = serr
	}
	return err
}

// Shutdown evicts resident sessions, then releases storage, event and
// config resources.
func (t *Trainer) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.logger.Info("shutting down trainer")

	var errs []error
	if t.manager != nil {
		if err := t.manager.EvictAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("evict sessions: %w", err))
		}
	}
	if t.events != nil {
		if err := t.events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close events: %w", err))
		}
	}
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.closers = nil
	if t.config != nil {
		if err := t.config.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close config: %w", err))
		}
	}
	if t.shutdownTracer != nil {
		if err := t.shutdownTracer(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		t.logger.Error("trainer shutdown incomplete", slog.String("error", err.Error()))
	} else {
		t.logger.Info("trainer shutdown complete")
	}
	return err
}

// SnapshotStats opens only the stores needed to report snapshot statistics.
func (t *Trainer) SnapshotStats(ctx context.Context) (snapshot.Stats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.snapshots == nil {
		if err := t.loadConfig(ctx); err != nil {
			return snapshot.Stats{}, err
		}
		if err := t.initSnapshots(); err != nil {
			return snapshot.Stats{}, err
		}
	}
	return t.snapshots.Stats(ctx)
}

// Handler returns the HTTP handler. Start must have succeeded.
func (t *Trainer) Handler() http.Handler {
	return t.server.Router
}

// Manager returns the session orchestrator. Start must have succeeded.
func (t *Trainer) Manager() *orchestrator.Manager {
	return t.manager
}

// Config returns the configuration loaded on Start.
func (t *Trainer) Config() *config.Config {
	return t.cfg
}

func (t *Trainer) loadConfig(ctx context.Context) error {
	if t.cfg != nil {
		return nil
	}
	cfg, err := t.config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	t.cfg = cfg
	return nil
}

// initSnapshots opens the durable store and the snapshot backend named in
// configuration, unless they were injected.
func (t *Trainer) initSnapshots() error {
	if t.storage == nil {
		store, err := storageadapter.Open(t.cfg.Storage)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		t.storage = store
	}
	if t.ownsStorage {
		t.closers = append(t.closers, t.storage)
		t.ownsStorage = false
	}

	if t.snapshotBackend == nil {
		backend, closer, err := openSnapshotBackend(t.cfg.Snapshots, t.storage, t.logger)
		if err != nil {
			return err
		}
		t.snapshotBackend = backend
		if closer != nil {
			t.closers = append(t.closers, closer)
		}
	}

	t.snapshots = snapshot.NewStore(t.snapshotBackend,
		snapshot.WithDefaultTTL(t.cfg.Snapshots.TTLHours),
		snapshot.WithWriteTimeout(t.cfg.Orchestrator.SnapshotTimeout),
		snapshot.WithLogger(t.logger),
		snapshot.WithMetrics(t.metrics),
	)
	return nil
}

// openSnapshotBackend returns the backend and, when it is separate from
// the durable store, the closer that releases it.
func openSnapshotBackend(cfg config.SnapshotConfig, store ports.StorageProvider, logger *slog.Logger) (ports.SnapshotBackend, io.Closer, error) {
	switch cfg.Backend {
	case "", "storage":
		return store, nil, nil
	case "memory":
		m := memory.New()
		return m, m, nil
	case "badger":
		b, err := badgerkv.Open(badgerkv.Config{
			Path:       cfg.BadgerPath,
			GCInterval: badgerGCInterval,
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open badger snapshot backend: %w", err)
		}
		return b, b, nil
	default:
		return nil, nil, fmt.Errorf("unsupported snapshot backend %q", cfg.Backend)
	}
}

// reload applies the settings that can change without a restart.
func (t *Trainer) reload(cfg *config.Config) {
	t.manager.SetBudgetThresholds(cfg.Budget.DefaultThreshold, cfg.Budget.TenantThresholds)
	t.logger.Info("reload complete",
		slog.Float64("default_threshold", cfg.Budget.DefaultThreshold),
		slog.Int("tenant_thresholds", len(cfg.Budget.TenantThresholds)),
	)
	if cfg.Server.Port != t.cfg.Server.Port || cfg.Storage != t.cfg.Storage || cfg.Snapshots.Backend != t.cfg.Snapshots.Backend {
		t.logger.Warn("listener and storage changes need a restart")
	}
}
