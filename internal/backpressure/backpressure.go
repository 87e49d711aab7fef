// Package backpressure implements the Backpressure Controller: it turns
// a handful of utilization metrics into a pressure level, an adaptive
// throttle factor, and a set of active mitigation actions, and answers
// the probabilistic admission questions the publish path asks on every
// event. The metric/threshold/strategy split follows a memory
// backpressure handler's BackpressureConfig/BackpressureMetrics shape,
// adapted from a channel-based handler into a pull-based, tick-driven
// model.
package backpressure

import (
	"sync"

	"github.com/jacklau/eventbus/internal/busevent"
	"github.com/jacklau/eventbus/internal/hostcap"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Action names the mitigation behaviors a pressure band activates.
type Action string

const (
	ActionEmergencyFlush     Action = "EMERGENCY_FLUSH"
	ActionDropLowPriority    Action = "DROP_LOW_PRIORITY"
	ActionThrottlePublishers Action = "THROTTLE_PUBLISHERS"
	ActionBatchAggressively  Action = "BATCH_AGGRESSIVELY"
	ActionDeferNonCritical   Action = "DEFER_NON_CRITICAL"
)

// Thresholds holds the per-metric ceilings used to compute pressure.
type Thresholds struct {
	QueueUtilization float64
	ProcessingRate   float64
	MemoryPressure   float64
	FrameBudgetUsed  float64
}

// DefaultThresholds returns the controller's default thresholds:
// 0.8, 0.9, 0.85, 0.8.
func DefaultThresholds() Thresholds {
	return Thresholds{
		QueueUtilization: 0.8,
		ProcessingRate:   0.9,
		MemoryPressure:   0.85,
		FrameBudgetUsed:  0.8,
	}
}

// Metrics holds the current readings the controller computes pressure
// from. EventsPerSecond and FailedEventsRate are carried through to
// Status for reporting only; they do not enter the max-ratio pressure
// computation or any throttle/drop decision.
type Metrics struct {
	QueueUtilization float64
	ProcessingRate   float64
	MemoryPressure   float64
	FrameBudgetUsed  float64
	EventsPerSecond  float64
	FailedEventsRate float64
}

// deferredEventNames is the fixed set DEFER_NON_CRITICAL applies to.
var deferredEventNames = map[string]bool{
	"debug_info_updated": true,
	"metrics_collected":  true,
	"status_report":      true,
	"performance_stats":  true,
	"subscription_stats": true,
}

// NotifyFunc is called whenever the throttle factor moves by more than 0.1
// between updates.
type NotifyFunc func(oldThrottle, newThrottle float64)

// Controller is the Backpressure Controller.
type Controller struct {
	mu sync.Mutex

	rng    hostcap.RNG
	logger *zap.Logger

	thresholds      Thresholds
	metrics         Metrics
	adaptiveEnabled bool

	pressure float64
	throttle float64
	actions  map[Action]bool

	onThrottleChange NotifyFunc

	gaugePressure prometheus.Gauge
	gaugeThrottle prometheus.Gauge
}

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithThresholds overrides the default thresholds.
func WithThresholds(t Thresholds) Option {
	return func(c *Controller) { c.thresholds = t }
}

// WithAdaptiveThrottle enables/disables the adaptive throttle computation;
// when disabled, Throttle always reports 1.0 (no throttling).
func WithAdaptiveThrottle(enabled bool) Option {
	return func(c *Controller) { c.adaptiveEnabled = enabled }
}

// WithNotify registers a callback fired when the throttle factor changes by
// more than 0.1 between updates.
func WithNotify(fn NotifyFunc) Option {
	return func(c *Controller) { c.onThrottleChange = fn }
}

// WithPrometheus registers pressure/throttle gauges against reg.
func WithPrometheus(reg prometheus.Registerer) Option {
	return func(c *Controller) {
		c.gaugePressure = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventbus_pressure_level",
			Help: "Current backpressure pressure level in [0, 2].",
		})
		c.gaugeThrottle = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventbus_throttle_factor",
			Help: "Current adaptive throttle factor in [0.1, 1.0].",
		})
		reg.MustRegister(c.gaugePressure, c.gaugeThrottle)
	}
}

// New creates a Controller with the default thresholds and adaptive
// throttling enabled.
func New(rng hostcap.RNG, logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		rng:             rng,
		logger:          logger,
		thresholds:      DefaultThresholds(),
		adaptiveEnabled: true,
		throttle:        1.0,
		actions:         make(map[Action]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UpdateMetrics replaces the current metric readings and recomputes the
// pressure level, throttle factor, and active action set. This is the
// entry point the throughput monitor's derived numbers feed on each tick.
func (c *Controller) UpdateMetrics(m Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics = m
	c.pressure = c.computePressureLocked()

	oldThrottle := c.throttle
	if c.adaptiveEnabled {
		c.throttle = computeThrottle(c.pressure)
	} else {
		c.throttle = 1.0
	}
	c.actions = computeActions(c.pressure)

	if c.gaugePressure != nil {
		c.gaugePressure.Set(c.pressure)
	}
	if c.gaugeThrottle != nil {
		c.gaugeThrottle.Set(c.throttle)
	}

	if c.onThrottleChange != nil && abs(c.throttle-oldThrottle) > 0.1 {
		c.onThrottleChange(oldThrottle, c.throttle)
	}

	if c.logger != nil && c.pressure > 0.9 {
		c.logger.Warn("backpressure entering emergency band",
			zap.Float64("pressure", c.pressure),
			zap.Float64("throttle", c.throttle))
	}
}

func (c *Controller) computePressureLocked() float64 {
	ratios := []float64{
		ratio(c.metrics.QueueUtilization, c.thresholds.QueueUtilization),
		ratio(c.metrics.ProcessingRate, c.thresholds.ProcessingRate),
		ratio(c.metrics.MemoryPressure, c.thresholds.MemoryPressure),
		ratio(c.metrics.FrameBudgetUsed, c.thresholds.FrameBudgetUsed),
	}
	max := 0.0
	for _, r := range ratios {
		if r > max {
			max = r
		}
	}
	return clamp(max, 0.0, 2.0)
}

func ratio(current, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	return current / threshold
}

// computeThrottle applies a three-segment piecewise function: full
// throughput below 0.5 pressure, a linear ramp down to 0.5 throttle by
// 1.0 pressure, and a steeper ramp down to a 0.1 floor beyond that.
func computeThrottle(pressure float64) float64 {
	switch {
	case pressure <= 0.5:
		return 1.0
	case pressure <= 1.0:
		return 1.0 - (pressure - 0.5)
	default:
		t := 0.5 - (pressure-1.0)*0.4
		if t < 0.1 {
			t = 0.1
		}
		return t
	}
}

func computeActions(pressure float64) map[Action]bool {
	actions := make(map[Action]bool)
	if pressure > 0.9 {
		actions[ActionEmergencyFlush] = true
		actions[ActionDropLowPriority] = true
	}
	if pressure > 0.8 {
		actions[ActionThrottlePublishers] = true
		actions[ActionBatchAggressively] = true
	}
	if pressure > 0.6 {
		actions[ActionDeferNonCritical] = true
	}
	return actions
}

// Pressure returns the current pressure level.
func (c *Controller) Pressure() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pressure
}

// Throttle returns the current adaptive throttle factor.
func (c *Controller) Throttle() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.throttle
}

// ShouldThrottlePublisher answers the probabilistic admission question for
// a publisher at the given priority.
func (c *Controller) ShouldThrottlePublisher(priority busevent.Priority) bool {
	c.mu.Lock()
	throttle := c.throttle
	c.mu.Unlock()

	divisor := float64(priority)
	if divisor < 1 {
		divisor = 1
	}
	probability := 1 - throttle*(1/divisor)
	return c.rng.Float64() < probability
}

// ShouldDropEvent answers whether a low-priority event should be dropped
// under the DROP_LOW_PRIORITY action.
func (c *Controller) ShouldDropEvent(priority busevent.Priority) bool {
	c.mu.Lock()
	active := c.actions[ActionDropLowPriority]
	throttle := c.throttle
	c.mu.Unlock()

	if !active || priority > busevent.PriorityNormal {
		return false
	}
	return c.rng.Float64() < (1 - throttle)
}

// ShouldBatchAggressively reports whether BATCH_AGGRESSIVELY is active.
func (c *Controller) ShouldBatchAggressively() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.actions[ActionBatchAggressively]
}

// NeedsEmergencyFlush reports whether EMERGENCY_FLUSH is active.
func (c *Controller) NeedsEmergencyFlush() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.actions[ActionEmergencyFlush]
}

// ShouldDeferNonCritical reports whether the named event should be
// deferred under DEFER_NON_CRITICAL's fixed name set.
func (c *Controller) ShouldDeferNonCritical(name string) bool {
	c.mu.Lock()
	active := c.actions[ActionDeferNonCritical]
	c.mu.Unlock()
	return active && deferredEventNames[name]
}

// Status is the defensive-copy snapshot for get_backpressure_status.
type Status struct {
	Pressure float64
	Throttle float64
	Metrics  Metrics
	Actions  []Action
}

// Status builds the snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	actions := make([]Action, 0, len(c.actions))
	for a, on := range c.actions {
		if on {
			actions = append(actions, a)
		}
	}
	return Status{
		Pressure: c.pressure,
		Throttle: c.throttle,
		Metrics:  c.metrics,
		Actions:  actions,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
