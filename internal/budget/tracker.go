// Package budget keeps the per-session spend ledger and decides whether a
// provider call fits under the session's threshold.
//
// Thread Safety: a Tracker is safe for concurrent use. Each session's ledger
// has its own lock; the tracker-wide lock is held only to find or create a
// ledger.
package budget

import (
	"log/slog"
	"maps"
	"sync"

	"github.com/tjfontaine/npc-trainer/internal/core/domain"
	"github.com/tjfontaine/npc-trainer/internal/telemetry"
)

// Tracker owns every session ledger in the process.
type Tracker struct {
	defaultThreshold float64
	logger           *slog.Logger
	metrics          *telemetry.Metrics

	mu      sync.Mutex
	ledgers map[string]*ledger
}

type ledger struct {
	mu           sync.Mutex
	spent        float64
	reserved     float64
	threshold    float64
	costTracking map[string]float64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the tracker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// WithMetrics records spend and denials.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// NewTracker creates a tracker whose sessions default to defaultThreshold.
func NewTracker(defaultThreshold float64, opts ...Option) *Tracker {
	t := &Tracker{
		defaultThreshold: defaultThreshold,
		logger:           slog.Default(),
		ledgers:          make(map[string]*ledger),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetDefaultThreshold changes the threshold used by sessions opened later.
// Open ledgers keep theirs.
func (t *Tracker) SetDefaultThreshold(threshold float64) {
	if threshold <= 0 {
		return
	}
	t.mu.Lock()
	t.defaultThreshold = threshold
	t.mu.Unlock()
}

// Open creates the ledger for a session, or resets its threshold if one
// exists. A threshold <= 0 uses the default.
func (t *Tracker) Open(sessionID string, threshold float64) {
	t.mu.Lock()
	if threshold <= 0 {
		threshold = t.defaultThreshold
	}
	l, ok := t.ledgers[sessionID]
	if !ok {
		l = &ledger{costTracking: make(map[string]float64)}
		t.ledgers[sessionID] = l
	}
	t.mu.Unlock()

	l.mu.Lock()
	l.threshold = threshold
	l.mu.Unlock()
}

// Restore rehydrates a ledger from a recovered record. Reservations are not
// carried across restarts.
func (t *Tracker) Restore(rec domain.BudgetRecord) {
	t.Open(rec.SessionID, rec.Threshold)
	l := t.ledger(rec.SessionID)

	l.mu.Lock()
	defer l.mu.Unlock()
	if rec.Spent > l.spent {
		l.spent = rec.Spent
	}
	for provider, cost := range rec.CostTracking {
		if cost > l.costTracking[provider] {
			l.costTracking[provider] = cost
		}
	}
}

// Close drops the session ledger.
func (t *Tracker) Close(sessionID string) {
	t.mu.Lock()
	delete(t.ledgers, sessionID)
	t.mu.Unlock()
}

// ledger returns the session ledger, opening one with the default
// threshold for sessions the tracker has not seen.
func (t *Tracker) ledger(sessionID string) *ledger {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.ledgers[sessionID]
	if !ok {
		l = &ledger{threshold: t.defaultThreshold, costTracking: make(map[string]float64)}
		t.ledgers[sessionID] = l
	}
	return l
}

// Reservation holds estimated spend against a session until released.
type Reservation struct {
	SessionID string
	Provider  string
	Amount    float64

	once sync.Once
	l    *ledger
}

// Release returns the reserved amount. Safe to call more than once and on
// a nil reservation.
func (r *Reservation) Release() {
	if r == nil || r.l == nil {
		return
	}
	r.once.Do(func() {
		r.l.mu.Lock()
		r.l.reserved -= r.Amount
		if r.l.reserved < 0 {
			r.l.reserved = 0
		}
		r.l.mu.Unlock()
	})
}

// Reserve grants a reservation when spent + reserved + estimatedCost does
// not exceed the threshold.
func (t *Tracker) Reserve(sessionID, provider string, estimatedCost float64) (*Reservation, bool) {
	if estimatedCost < 0 {
		estimatedCost = 0
	}
	l := t.ledger(sessionID)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.spent+l.reserved+estimatedCost > l.threshold {
		t.metrics.ReservationDenied(provider)
		t.logger.Debug("budget reservation denied",
			slog.String("session_id", sessionID),
			slog.String("provider", provider),
			slog.Float64("estimated_cost", estimatedCost),
			slog.Float64("spent", l.spent),
			slog.Float64("threshold", l.threshold),
		)
		return nil, false
	}
	l.reserved += estimatedCost
	return &Reservation{SessionID: sessionID, Provider: provider, Amount: estimatedCost, l: l}, true
}

// Record adds actual spend. Negative costs are ignored so spent never
// decreases.
func (t *Tracker) Record(sessionID, provider string, actualCost float64) {
	if actualCost <= 0 {
		return
	}
	l := t.ledger(sessionID)

	l.mu.Lock()
	l.spent += actualCost
	l.costTracking[provider] += actualCost
	l.mu.Unlock()

	t.metrics.Spend(provider, actualCost)
}

// Remaining returns threshold - spent. It goes negative when a fallback
// call overshoots.
func (t *Tracker) Remaining(sessionID string) float64 {
	l := t.ledger(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.threshold - l.spent
}

// ProviderSpend returns the session's spend on one provider.
func (t *Tracker) ProviderSpend(sessionID, provider string) float64 {
	l := t.ledger(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.costTracking[provider]
}

// Snapshot returns a copy of the session ledger.
func (t *Tracker) Snapshot(sessionID string) domain.BudgetRecord {
	l := t.ledger(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return domain.BudgetRecord{
		SessionID:    sessionID,
		Spent:        l.spent,
		Reserved:     l.reserved,
		Threshold:    l.threshold,
		CostTracking: maps.Clone(l.costTracking),
	}
}
