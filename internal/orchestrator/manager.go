// Package orchestrator runs training sessions. A Manager owns every resident
// session and serializes its turns: each turn is persisted, screened by the
// security gate, answered by a routed provider, coached by the strategist and
// snapshotted for recovery.
package orchestrator

import (
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/tjfontaine/npc-trainer/internal/budget"
	"github.com/tjfontaine/npc-trainer/internal/conversation"
	"github.com/tjfontaine/npc-trainer/internal/core/domain"
	"github.com/tjfontaine/npc-trainer/internal/core/ports"
	"github.com/tjfontaine/npc-trainer/internal/router"
	"github.com/tjfontaine/npc-trainer/internal/security"
	"github.com/tjfontaine/npc-trainer/internal/snapshot"
	"github.com/tjfontaine/npc-trainer/internal/telemetry"
)

const (
	DefaultDrainTimeout    = 10 * time.Second
	DefaultSnapshotTimeout = 2 * time.Second
	DefaultHistoryLimit    = 40
)

// Deps are the collaborators a Manager cannot run without.
type Deps struct {
	Sessions  ports.SessionStore
	Turns     ports.TurnStore
	Snapshots *snapshot.Store
	Router    *router.Router
	Tracker   *budget.Tracker
	Gate      *security.Gate
	Publisher ports.EventPublisher
}

func (d Deps) validate() error {
	var errs []error
	if d.Sessions == nil {
		errs = append(errs, errors.New("session store is required"))
	}
	if d.Turns == nil {
		errs = append(errs, errors.New("turn store is required"))
	}
	if d.Snapshots == nil {
		errs = append(errs, errors.New("snapshot store is required"))
	}
	if d.Router == nil {
		errs = append(errs, errors.New("router is required"))
	}
	if d.Tracker == nil {
		errs = append(errs, errors.New("budget tracker is required"))
	}
	if d.Gate == nil {
		errs = append(errs, errors.New("security gate is required"))
	}
	return errors.Join(errs...)
}

// Manager holds the resident sessions.
type Manager struct {
	sessions  ports.SessionStore
	turns     ports.TurnStore
	snapshots *snapshot.Store
	router    *router.Router
	tracker   *budget.Tracker
	gate      *security.Gate
	publisher ports.EventPublisher
	recorder  *conversation.Recorder

	prompts   ports.PromptBuilder
	retriever ports.ContextRetriever

	drainTimeout    time.Duration
	snapshotTimeout time.Duration
	persistTimeout  time.Duration
	retryDelay      time.Duration
	historyLimit    int
	snapshotTTL     float64

	thresholdsMu     sync.RWMutex
	tenantThresholds map[string]float64

	mu       sync.Mutex
	resident map[string]*sessionRuntime
	recovery singleflight.Group

	now     func() time.Time
	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
}

// Option configures a Manager.
type Option func(*Manager)

// WithPromptBuilder replaces the builder of NPC and strategist prompts.
func WithPromptBuilder(b ports.PromptBuilder) Option {
	return func(m *Manager) { m.prompts = b }
}

// WithRetriever installs a retrieval hook consulted before each NPC call.
func WithRetriever(r ports.ContextRetriever) Option {
	return func(m *Manager) { m.retriever = r }
}

// WithDrainTimeout bounds how long close and evict wait for an in-flight
// turn.
func WithDrainTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.drainTimeout = d
		}
	}
}

// WithSnapshotTimeout bounds each snapshot write. Non-positive values are ignored.
func WithSnapshotTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.snapshotTimeout = d
		}
	}
}

// WithPersistTimeout bounds each turn write attempt. Non-positive values are ignored.
func WithPersistTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.persistTimeout = d
		}
	}
}

// WithPersistRetryDelay sets the pause between the two attempts of a turn
// write.
func WithPersistRetryDelay(d time.Duration) Option {
	return func(m *Manager) { m.retryDelay = d }
}

// WithHistoryLimit caps the history entries kept in memory and snapshots.
// Zero keeps everything.
func WithHistoryLimit(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.historyLimit = n
		}
	}
}

// WithSnapshotTTL sets the TTL, in hours, of the snapshots the manager
// writes. Zero uses the snapshot store default.
func WithSnapshotTTL(hours float64) Option {
	return func(m *Manager) { m.snapshotTTL = hours }
}

// WithTenantThresholds sets per-tenant budget thresholds.
func WithTenantThresholds(thresholds map[string]float64) Option {
	return func(m *Manager) { m.tenantThresholds = maps.Clone(thresholds) }
}

// WithClock sets the time source used for turn latency.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets the collectors turn and session counts are reported to.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a Manager over deps.
func NewManager(deps Deps, opts ...Option) (*Manager, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		sessions:        deps.Sessions,
		turns:           deps.Turns,
		snapshots:       deps.Snapshots,
		router:          deps.Router,
		tracker:         deps.Tracker,
		gate:            deps.Gate,
		publisher:       deps.Publisher,
		prompts:         DefaultPromptBuilder{},
		drainTimeout:    DefaultDrainTimeout,
		snapshotTimeout: DefaultSnapshotTimeout,
		persistTimeout:  conversation.DefaultPersistTimeout,
		retryDelay:      50 * time.Millisecond,
		historyLimit:    DefaultHistoryLimit,
		resident:        make(map[string]*sessionRuntime),
		now:             time.Now,
		logger:          slog.Default(),
		tracer:          telemetry.Tracer(),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.recorder = conversation.NewRecorder(m.turns,
		conversation.WithPersistTimeout(m.persistTimeout),
		conversation.WithRetryDelay(m.retryDelay),
		conversation.WithLogger(m.logger),
	)
	return m, nil
}

// ActiveSessions returns the number of resident sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resident)
}

// Budget returns the spend ledger of a resident session.
func (m *Manager) Budget(sessionID string) (domain.BudgetRecord, error) {
	if m.lookup(sessionID) == nil {
		return domain.BudgetRecord{}, domain.ErrSessionNotFound
	}
	return m.tracker.Snapshot(sessionID), nil
}

// SetBudgetThresholds replaces the thresholds applied to sessions started
// from now on. Running sessions keep their ledgers.
func (m *Manager) SetBudgetThresholds(defaultThreshold float64, tenants map[string]float64) {
	m.tracker.SetDefaultThreshold(defaultThreshold)
	m.thresholdsMu.Lock()
	m.tenantThresholds = maps.Clone(tenants)
	m.thresholdsMu.Unlock()
}

// thresholdFor returns the tenant threshold, or 0 for the tracker default.
func (m *Manager) thresholdFor(tenantID string) float64 {
	m.thresholdsMu.RLock()
	defer m.thresholdsMu.RUnlock()
	return m.tenantThresholds[tenantID]
}

func (m *Manager) lookup(sessionID string) *sessionRuntime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resident[sessionID]
}

// remove drops rt from the resident set if it is still the registered
// runtime for its id.
func (m *Manager) remove(rt *sessionRuntime) {
	m.mu.Lock()
	if m.resident[rt.id] == rt {
		delete(m.resident, rt.id)
	}
	n := len(m.resident)
	m.mu.Unlock()
	m.metrics.SetActiveSessions(n)
}
