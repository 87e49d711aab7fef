// Package router implements the Health-Aware Router: it caches
// per-system health scores, gates delivery by a routing threshold, and
// sends an operator-facing alert when a system's health crosses into the
// warning or critical band.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/jacklau/eventbus/internal/hostcap"
	"github.com/jacklau/eventbus/internal/notify"
	"github.com/jacklau/eventbus/internal/retry"
	"go.uber.org/zap"
)

const (
	defaultRoutingThreshold  = 0.2
	defaultWarningThreshold  = 0.5
	defaultCriticalThreshold = 0.1
)

// band names a health band for alerting purposes.
type band string

const (
	bandHealthy  band = "healthy"
	bandWarning  band = "warning"
	bandCritical band = "critical"
)

// HealthUpdate is the input to UpdateSystemHealth.
type HealthUpdate struct {
	FailureProbability float64
}

// healthEntry is the per-system cached health state.
type healthEntry struct {
	failureProbability float64
	score              float64
	shouldRoute        bool
	band               band
}

// RoutingRecommendation is the result of GetRoutingRecommendation.
type RoutingRecommendation struct {
	Recommended []string
	Degraded    []string
	Blocked     []string
	Overall     string // "block", "proceed_with_caution", "proceed"
}

// Thresholds configures the router's routing/warning/critical cutoffs.
type Thresholds struct {
	Routing  float64
	Warning  float64
	Critical float64
}

// DefaultThresholds returns the router's default thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Routing:  defaultRoutingThreshold,
		Warning:  defaultWarningThreshold,
		Critical: defaultCriticalThreshold,
	}
}

// Router is the Health-Aware Router.
type Router struct {
	mu sync.Mutex

	thresholds  Thresholds
	logger      *zap.Logger
	notifier    notify.Notifier
	retryPolicy retry.Policy
	nowSeconds  func() float64

	systems map[string]*healthEntry
}

// Option configures a Router at construction time.
type Option func(*Router)

// WithThresholds overrides the default routing/warning/critical thresholds.
func WithThresholds(t Thresholds) Option {
	return func(r *Router) { r.thresholds = t }
}

// WithNotifier wires a notify.Notifier that receives an alert whenever a
// system's health band changes into warning or critical (a system's
// first report counts as a change from healthy); a return to healthy
// sends no alert. Delivery is best-effort and asynchronous:
// it never blocks or fails UpdateSystemHealth.
func WithNotifier(n notify.Notifier, p retry.Policy) Option {
	return func(r *Router) {
		r.notifier = n
		r.retryPolicy = p
	}
}

// WithClock overrides the time source used to stamp alerts, in case a
// caller needs a source other than the clock passed to New (for example
// a fully deterministic fixed timestamp in a test).
func WithClock(now func() float64) Option {
	return func(r *Router) { r.nowSeconds = now }
}

// New creates a Router bound to clock and logger, with DefaultThresholds()
// unless overridden by options. Alert timestamps are stamped from clock
// rather than read directly from wall time.
func New(clock hostcap.Clock, logger *zap.Logger, opts ...Option) *Router {
	r := &Router{
		thresholds:  DefaultThresholds(),
		logger:      logger,
		retryPolicy: retry.DefaultPolicy(),
		nowSeconds:  clock.NowSeconds,
		systems:     make(map[string]*healthEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// UpdateSystemHealth recomputes a system's health score and should_route
// decision, firing a band-crossing alert when the band changes.
func (r *Router) UpdateSystemHealth(system string, update HealthUpdate) {
	r.mu.Lock()
	entry, existed := r.systems[system]
	if !existed {
		entry = &healthEntry{band: bandHealthy}
		r.systems[system] = entry
	}
	prevBand := entry.band

	entry.failureProbability = update.FailureProbability
	entry.score = 1 - update.FailureProbability
	entry.shouldRoute = entry.score > r.thresholds.Routing
	entry.band = bandFor(entry.score, r.thresholds)
	newBand := entry.band
	score := entry.score
	notifier := r.notifier
	policy := r.retryPolicy
	logger := r.logger
	r.mu.Unlock()

	if logger != nil {
		logger.Info("system health updated",
			zap.String("system", system),
			zap.Float64("score", score),
			zap.String("band", string(newBand)))
	}

	if newBand == prevBand || newBand == bandHealthy {
		return
	}

	if logger != nil {
		logger.Warn("system health band crossed",
			zap.String("system", system),
			zap.String("from", string(prevBand)),
			zap.String("to", string(newBand)))
	}

	if notifier != nil {
		r.sendAlertAsync(notifier, policy, system, score, newBand)
	}
}

// sendAlertAsync delivers a health alert on a detached goroutine so a slow
// or failing webhook never blocks the publish path.
func (r *Router) sendAlertAsync(n notify.Notifier, policy retry.Policy, system string, score float64, b band) {
	alert := notify.HealthAlert{
		System:    system,
		Score:     score,
		Band:      string(b),
		Timestamp: r.nowSeconds(),
	}
	logger := r.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(context.Background()), 10*time.Second)
		defer cancel()
		if err := policy.Do(ctx, func() error { return n.Notify(ctx, alert) }); err != nil && logger != nil {
			logger.Error("health alert delivery failed",
				zap.String("system", system), zap.Error(err))
		}
	}()
}

func bandFor(score float64, t Thresholds) band {
	switch {
	case score <= t.Critical:
		return bandCritical
	case score <= t.Warning:
		return bandWarning
	default:
		return bandHealthy
	}
}

// ShouldRouteToSystem implements the gating rule, including the
// negative event_priority_adjustment carve-out.
func (r *Router) ShouldRouteToSystem(system string, priorityAdjustment int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.systems[system]
	if !ok || !entry.shouldRoute {
		return false
	}
	if priorityAdjustment < 0 {
		required := r.thresholds.Routing + float64(-priorityAdjustment)*0.1
		return entry.score > required
	}
	return true
}

// GetRoutingRecommendation classifies each target by its current health
// band and derives an overall recommendation.
func (r *Router) GetRoutingRecommendation(targets []string) RoutingRecommendation {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := RoutingRecommendation{}
	for _, t := range targets {
		entry, ok := r.systems[t]
		switch {
		case !ok || !entry.shouldRoute:
			rec.Blocked = append(rec.Blocked, t)
		case entry.band == bandWarning:
			rec.Degraded = append(rec.Degraded, t)
		default:
			rec.Recommended = append(rec.Recommended, t)
		}
	}

	switch {
	case len(rec.Blocked) == len(targets) && len(targets) > 0:
		rec.Overall = "block"
	case len(rec.Degraded) > 0:
		rec.Overall = "proceed_with_caution"
	default:
		rec.Overall = "proceed"
	}
	return rec
}

// Status is a defensive-copy snapshot of one system's cached health entry.
type Status struct {
	Score       float64
	ShouldRoute bool
	Band        string
}

// SystemStatus returns the current status for system, or ok=false if it
// has never been reported.
func (r *Router) SystemStatus(system string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.systems[system]
	if !ok {
		return Status{}, false
	}
	return Status{Score: entry.score, ShouldRoute: entry.shouldRoute, Band: string(entry.band)}, true
}

// AllStatuses returns a defensive-copy snapshot of every cached system.
func (r *Router) AllStatuses() map[string]Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Status, len(r.systems))
	for name, entry := range r.systems {
		out[name] = Status{Score: entry.score, ShouldRoute: entry.shouldRoute, Band: string(entry.band)}
	}
	return out
}
