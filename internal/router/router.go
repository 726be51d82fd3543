// Package router picks a generation provider for each request under the
// session's budget and retries across candidates when a provider fails.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/npc-trainer/internal/budget"
	"github.com/tjfontaine/npc-trainer/internal/core/domain"
	"github.com/tjfontaine/npc-trainer/internal/core/ports"
	"github.com/tjfontaine/npc-trainer/internal/pkg/config"
	"github.com/tjfontaine/npc-trainer/internal/telemetry"
)

// LatencyMode expresses how much a caller cares about response time.
type LatencyMode string

const (
	LatencyFast     LatencyMode = "fast"
	LatencyBalanced LatencyMode = "balanced"
	LatencyQuality  LatencyMode = "quality"
)

// DefaultMaxAttempts bounds provider calls per Chat.
const DefaultMaxAttempts = 3

// ProviderSpec is the routing profile of one provider.
type ProviderSpec struct {
	Name             string
	Type             string
	Model            string
	AgentTypes       []string
	LatencyMS        int
	Quality          float64
	InputPricePer1K  float64
	OutputPricePer1K float64
	MaxOutputTokens  int

	// Default marks the designated fallback
	Default bool
}

// SpecFromConfig builds a spec from provider config.
func SpecFromConfig(pc config.ProviderConfig, defaultProvider string) ProviderSpec {
	return ProviderSpec{
		Name:             pc.Name,
		Type:             pc.Type,
		Model:            pc.Model,
		AgentTypes:       pc.AgentTypes,
		LatencyMS:        pc.LatencyMS,
		Quality:          pc.Quality,
		InputPricePer1K:  pc.InputPricePer1K,
		OutputPricePer1K: pc.OutputPricePer1K,
		MaxOutputTokens:  pc.MaxOutputTokens,
		Default:          pc.Name == defaultProvider,
	}
}

// Supports reports whether the provider can serve agentType.
func (s ProviderSpec) Supports(agentType string) bool {
	return slices.Contains(s.AgentTypes, agentType)
}

// Entry pairs a spec with its live provider.
type Entry struct {
	Spec     ProviderSpec
	Provider ports.Provider
}

// RoutingContext describes one request to route.
type RoutingContext struct {
	SessionID   string
	AgentType   string
	LatencyMode LatencyMode
	Importance  float64

	// PromptTokens overrides the counted prompt size when > 0
	PromptTokens int
}

// Decision is the outcome of Select.
type Decision struct {
	Provider      ports.Provider
	Spec          ProviderSpec
	EstimatedCost float64
	Score         float64

	// Fallback is set when no candidate was granted a reservation and the
	// default provider was chosen regardless of score
	Fallback bool

	// Reservation is nil for fallback decisions
	Reservation *budget.Reservation
}

// ChatResult is a successful generation with its routing facts.
type ChatResult struct {
	Text     string
	Provider string
	Model    string
	Cost     float64
	Attempts int
	Fallback bool
}

// Router scores providers and calls them under the budget tracker.
type Router struct {
	entries     []*Entry
	fallback    *Entry
	tracker     *budget.Tracker
	counter     TokenCounter
	maxAttempts int
	callTimeout time.Duration
	logger      *slog.Logger
	metrics     *telemetry.Metrics
	tracer      trace.Tracer
}

// Option configures a Router.
type Option func(*Router)

func WithMaxAttempts(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithCallTimeout bounds each provider call. Zero means no per-call bound.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Router) { r.callTimeout = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// New creates a router. Exactly one entry must be marked Default.
func New(entries []Entry, tracker *budget.Tracker, counter TokenCounter, opts ...Option) (*Router, error) {
	if tracker == nil {
		return nil, errors.New("router: budget tracker is required")
	}
	if counter == nil {
		return nil, errors.New("router: token counter is required")
	}

	r := &Router{
		tracker:     tracker,
		counter:     counter,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
		tracer:      telemetry.Tracer(),
	}
	seen := make(map[string]bool, len(entries))
	for i := range entries {
		e := entries[i]
		if e.Provider == nil {
			return nil, fmt.Errorf("router: provider %q has no implementation", e.Spec.Name)
		}
		if seen[e.Spec.Name] {
			return nil, fmt.Errorf("router: duplicate provider %q", e.Spec.Name)
		}
		seen[e.Spec.Name] = true
		if e.Spec.Default {
			if r.fallback != nil {
				return nil, fmt.Errorf("router: both %q and %q are marked default", r.fallback.Spec.Name, e.Spec.Name)
			}
			r.fallback = &e
		}
		r.entries = append(r.entries, &e)
	}
	if r.fallback == nil {
		return nil, errors.New("router: no default provider configured")
	}

	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Default returns the designated fallback spec.
func (r *Router) Default() ProviderSpec {
	return r.fallback.Spec
}

// Supports reports whether any configured provider serves agentType.
func (r *Router) Supports(agentType string) bool {
	for _, e := range r.entries {
		if e.Spec.Supports(agentType) {
			return true
		}
	}
	return false
}

type ranked struct {
	entry     *Entry
	estimated float64
	score     float64
	spend     float64
}

// rank filters by capability and orders candidates best first. Equal scores
// go to the provider the session has spent less on, then by name.
func (r *Router) rank(rc RoutingContext, msgs []domain.Message) []ranked {
	remaining := r.tracker.Remaining(rc.SessionID)

	var out []ranked
	for _, e := range r.entries {
		if !e.Spec.Supports(rc.AgentType) {
			continue
		}
		promptTokens := rc.PromptTokens
		if promptTokens <= 0 {
			promptTokens = r.counter.Count(e.Spec.Model, msgs)
		}
		est := e.Spec.EstimateCost(promptTokens)
		out = append(out, ranked{
			entry:     e,
			estimated: est,
			score:     Score(e.Spec, est, remaining, rc.Importance, rc.LatencyMode),
			spend:     r.tracker.ProviderSpend(rc.SessionID, e.Spec.Name),
		})
	}

	slices.SortStableFunc(out, func(a, b ranked) int {
		if math.Abs(a.score-b.score) > 1e-12 {
			if a.score > b.score {
				return -1
			}
			return 1
		}
		if a.spend != b.spend {
			if a.spend < b.spend {
				return -1
			}
			return 1
		}
		return strings.Compare(a.entry.Spec.Name, b.entry.Spec.Name)
	})
	return out
}

// planner walks ranked candidates, reserving as it goes, and ends with the
// default provider when nothing else was granted.
type planner struct {
	r            *Router
	rc           RoutingContext
	candidates   []ranked
	next         int
	usedFallback bool
	tried        map[string]bool
}

func (r *Router) newPlanner(rc RoutingContext, msgs []domain.Message) *planner {
	return &planner{r: r, rc: rc, candidates: r.rank(rc, msgs), tried: make(map[string]bool)}
}

func (p *planner) nextDecision(msgs []domain.Message) *Decision {
	for p.next < len(p.candidates) {
		c := p.candidates[p.next]
		p.next++
		if p.tried[c.entry.Spec.Name] {
			continue
		}
		res, ok := p.r.tracker.Reserve(p.rc.SessionID, c.entry.Spec.Name, c.estimated)
		if !ok {
			continue
		}
		p.tried[c.entry.Spec.Name] = true
		return &Decision{
			Provider:      c.entry.Provider,
			Spec:          c.entry.Spec,
			EstimatedCost: c.estimated,
			Score:         c.score,
			Reservation:   res,
		}
	}

	fb := p.r.fallback
	if p.usedFallback || p.tried[fb.Spec.Name] {
		return nil
	}
	p.usedFallback = true
	p.tried[fb.Spec.Name] = true
	p.r.metrics.RouteFallback()

	promptTokens := p.rc.PromptTokens
	if promptTokens <= 0 {
		promptTokens = p.r.counter.Count(fb.Spec.Model, msgs)
	}
	return &Decision{
		Provider:      fb.Provider,
		Spec:          fb.Spec,
		EstimatedCost: fb.Spec.EstimateCost(promptTokens),
		Fallback:      true,
	}
}

// Select returns the best candidate the budget grants, or the default
// provider when none is granted. Budget pressure never produces an error.
// The caller must Release the decision's reservation.
func (r *Router) Select(ctx context.Context, rc RoutingContext) (*Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.newPlanner(rc, nil).nextDecision(nil), nil
}

// Chat routes msgs and calls the chosen provider. A failed call releases
// its reservation and moves to the next granted candidate, up to the
// attempt limit. When every attempt fails the error wraps
// domain.ErrAllProvidersFailed.
func (r *Router) Chat(ctx context.Context, rc RoutingContext, msgs []domain.Message) (*ChatResult, error) {
	ctx, span := r.tracer.Start(ctx, "router.chat", trace.WithAttributes(
		telemetry.AttrSessionID.String(rc.SessionID),
		telemetry.AttrAgent.String(rc.AgentType),
		attribute.String("trainer.latency_mode", string(rc.LatencyMode)),
		attribute.Float64("trainer.importance", rc.Importance),
	))
	defer span.End()

	p := r.newPlanner(rc, msgs)
	var lastErr error
	attempts := 0
	for attempts < r.maxAttempts {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		dec := p.nextDecision(msgs)
		if dec == nil {
			break
		}
		attempts++

		result, err := r.call(ctx, rc, dec, msgs)
		dec.Reservation.Release()
		if err == nil {
			result.Attempts = attempts
			span.SetAttributes(
				telemetry.AttrProvider.String(result.Provider),
				attribute.Int("trainer.attempts", attempts),
				attribute.Bool("trainer.fallback", result.Fallback),
				attribute.Float64("trainer.cost", result.Cost),
			)
			return result, nil
		}

		lastErr = err
		r.logger.WarnContext(ctx, "provider call failed",
			slog.String("session_id", rc.SessionID),
			slog.String("provider", dec.Spec.Name),
			slog.String("agent_type", rc.AgentType),
			slog.Int("attempt", attempts),
			slog.String("error", err.Error()),
		)
	}

	if lastErr == nil {
		lastErr = errors.New("no eligible provider")
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "all providers failed")
	return nil, fmt.Errorf("%w after %d attempts: %v", domain.ErrAllProvidersFailed, attempts, lastErr)
}

func (r *Router) call(ctx context.Context, rc RoutingContext, dec *Decision, msgs []domain.Message) (*ChatResult, error) {
	callCtx := ctx
	if r.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}

	gen, err := dec.Provider.Generate(callCtx, &ports.GenerationRequest{
		Model:     dec.Spec.Model,
		Messages:  msgs,
		MaxTokens: dec.Spec.MaxOutputTokens,
	})
	r.metrics.ProviderCall(dec.Spec.Name, rc.AgentType, err)
	if err != nil {
		return nil, err
	}
	if gen == nil {
		return nil, fmt.Errorf("provider %s returned no generation", dec.Spec.Name)
	}

	var inTokens, outTokens int
	if gen.Usage != nil {
		inTokens, outTokens = gen.Usage.PromptTokens, gen.Usage.CompletionTokens
	} else {
		inTokens = r.counter.Count(dec.Spec.Model, msgs)
		outTokens = r.counter.CountText(dec.Spec.Model, gen.Text)
	}
	cost := dec.Spec.Cost(inTokens, outTokens)
	r.tracker.Record(rc.SessionID, dec.Spec.Name, cost)

	model := gen.Model
	if model == "" {
		model = dec.Spec.Model
	}
	return &ChatResult{
		Text:     gen.Text,
		Provider: dec.Spec.Name,
		Model:    model,
		Cost:     cost,
		Fallback: dec.Fallback,
	}, nil
}

// ModelCaller exposes the router as a single-prompt model call for
// components like the security gate.
type ModelCaller struct {
	router *Router
	rc     RoutingContext
}

// Caller binds a routing context to a ModelCaller.
func (r *Router) Caller(rc RoutingContext) *ModelCaller {
	return &ModelCaller{router: r, rc: rc}
}

// Call sends a system and user prompt and returns the reply text.
func (c *ModelCaller) Call(ctx context.Context, system, user string) (string, error) {
	msgs := []domain.Message{
		{Role: domain.RoleSystem, Content: system},
		{Role: domain.RoleUser, Content: user},
	}
	res, err := c.router.Chat(ctx, c.rc, msgs)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}
