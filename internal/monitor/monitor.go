// Package monitor implements the Throughput Monitor: the leaf component
// in the dependency order that every other subsystem's metrics
// ultimately feed. It tracks per-event-name counts and bounded histories of
// handler processing time and per-frame time, and derives the numbers the
// Backpressure Controller reads on the next tick.
package monitor

import (
	"sync"

	"github.com/jacklau/eventbus/internal/hostcap"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// historyLimit bounds per-event processing-time and frame-time history.
const historyLimit = 1000

// recentFrameWindow is how many of the most recent frame times feed the
// "recent average frame time" derived metric.
const recentFrameWindow = 60

// recentFrameCountWindow is how many of the most recent frames feed the
// "events-per-frame" derived metric.
const recentFrameCountWindow = 10

// eventState is the per-event-name bookkeeping.
type eventState struct {
	total            int64
	processingTimeUs []float64 // bounded ring, microseconds
}

// Monitor is the Throughput Monitor. All public methods are safe for
// concurrent use: the bus owns a single instance and every subsystem reads
// or writes it from single-writer regions.
type Monitor struct {
	mu sync.Mutex

	clock  hostcap.Clock
	logger *zap.Logger

	events map[string]*eventState

	frameTimesMs     []float64 // bounded ring, milliseconds
	frameEventCounts []int     // events dispatched during each of the last frames

	frameStart      float64
	frameEventCount int
	monitorStart    float64
	totalEvents     int64

	metrics *promMetrics
}

type promMetrics struct {
	eventsTotal   prometheus.Counter
	frameTimeMs   prometheus.Histogram
	handlerTimeUs prometheus.Histogram
}

// Option configures a Monitor at construction time.
type Option func(*Monitor)

// WithPrometheus registers the monitor's counters/histograms against reg,
// following the same pattern as other Prometheus-instrumented services:
// the core never starts its own HTTP listener, it only registers against
// a host-supplied Registerer.
func WithPrometheus(reg prometheus.Registerer) Option {
	return func(m *Monitor) {
		pm := &promMetrics{
			eventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "eventbus_events_total",
				Help: "Total events recorded as processed by the throughput monitor.",
			}),
			frameTimeMs: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "eventbus_frame_time_ms",
				Help:    "Duration of each dispatch frame in milliseconds.",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			}),
			handlerTimeUs: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "eventbus_handler_time_us",
				Help:    "Per-event handler processing time in microseconds.",
				Buckets: prometheus.ExponentialBuckets(10, 2, 12),
			}),
		}
		reg.MustRegister(pm.eventsTotal, pm.frameTimeMs, pm.handlerTimeUs)
		m.metrics = pm
	}
}

// New creates a Monitor bound to the given host clock and logger.
func New(clock hostcap.Clock, logger *zap.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		clock:  clock,
		logger: logger,
		events: make(map[string]*eventState),
	}
	if clock != nil {
		m.monitorStart = clock.NowSeconds()
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartFrameMonitoring brackets the beginning of a dispatch tick.
func (m *Monitor) StartFrameMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameStart = m.clock.NowSeconds()
	m.frameEventCount = 0
}

// EndFrameMonitoring closes out the current tick's bracket and records its
// duration into the bounded frame-time history.
func (m *Monitor) EndFrameMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()
	elapsedMs := (m.clock.NowSeconds() - m.frameStart) * 1000
	m.frameTimesMs = pushBounded(m.frameTimesMs, elapsedMs, historyLimit)
	m.frameEventCounts = pushBoundedInt(m.frameEventCounts, m.frameEventCount, historyLimit)
	if m.metrics != nil {
		m.metrics.frameTimeMs.Observe(elapsedMs)
	}
}

// RecordEventProcessed increments the per-event-name count, called from the
// dispatch path for every event actually handed to a subscriber.
func (m *Monitor) RecordEventProcessed(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateFor(name)
	st.total++
	m.totalEvents++
	m.frameEventCount++
	if m.metrics != nil {
		m.metrics.eventsTotal.Inc()
	}
}

// RecordHandlerPerformance records one handler invocation's duration in
// microseconds for the named event.
func (m *Monitor) RecordHandlerPerformance(name string, micros float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateFor(name)
	st.processingTimeUs = pushBounded(st.processingTimeUs, micros, historyLimit)
	if m.metrics != nil {
		m.metrics.handlerTimeUs.Observe(micros)
	}
}

func (m *Monitor) stateFor(name string) *eventState {
	st, ok := m.events[name]
	if !ok {
		st = &eventState{}
		m.events[name] = st
	}
	return st
}

// EventsPerSecond returns the average rate of processed events since
// monitoring started.
func (m *Monitor) EventsPerSecond() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	elapsed := m.clock.NowSeconds() - m.monitorStart
	if elapsed <= 0 {
		return 0
	}
	return float64(m.totalEvents) / elapsed
}

// RecentAverageFrameTimeMs averages the last 60 recorded frame durations.
func (m *Monitor) RecentAverageFrameTimeMs() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return averageTail(m.frameTimesMs, recentFrameWindow)
}

// EventsPerFrame averages the event counts of the last 10 recorded frames.
func (m *Monitor) EventsPerFrame() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.frameEventCounts) == 0 {
		return 0
	}
	start := 0
	if len(m.frameEventCounts) > recentFrameCountWindow {
		start = len(m.frameEventCounts) - recentFrameCountWindow
	}
	tail := m.frameEventCounts[start:]
	sum := 0
	for _, v := range tail {
		sum += v
	}
	return float64(sum) / float64(len(tail))
}

// HandlerStats returns the min/avg/max processing time in microseconds
// recorded for the named event, and whether any samples exist.
func (m *Monitor) HandlerStats(name string) (min, avg, max float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, exists := m.events[name]
	if !exists || len(st.processingTimeUs) == 0 {
		return 0, 0, 0, false
	}
	min, max = st.processingTimeUs[0], st.processingTimeUs[0]
	var sum float64
	for _, v := range st.processingTimeUs {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, sum / float64(len(st.processingTimeUs)), max, true
}

// IsFrameBudgetExceeded compares the most recently recorded frame duration
// against budgetMs.
func (m *Monitor) IsFrameBudgetExceeded(budgetMs float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.frameTimesMs) == 0 {
		return false
	}
	return m.frameTimesMs[len(m.frameTimesMs)-1] > budgetMs
}

// Status returns a defensive-copy snapshot suitable for a get_*_status query.
type Status struct {
	TotalEvents       int64
	EventsPerSecond   float64
	RecentFrameTimeMs float64
	EventsPerFrame    float64
	PerEventCounts    map[string]int64
}

// Status builds a defensive-copy snapshot of the monitor's current state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int64, len(m.events))
	for name, st := range m.events {
		counts[name] = st.total
	}
	return Status{
		TotalEvents:       m.totalEvents,
		EventsPerSecond:   m.eventsPerSecondLocked(),
		RecentFrameTimeMs: averageTail(m.frameTimesMs, recentFrameWindow),
		EventsPerFrame:    m.eventsPerFrameLocked(),
		PerEventCounts:    counts,
	}
}

func (m *Monitor) eventsPerSecondLocked() float64 {
	elapsed := m.clock.NowSeconds() - m.monitorStart
	if elapsed <= 0 {
		return 0
	}
	return float64(m.totalEvents) / elapsed
}

func (m *Monitor) eventsPerFrameLocked() float64 {
	if len(m.frameEventCounts) == 0 {
		return 0
	}
	start := 0
	if len(m.frameEventCounts) > recentFrameCountWindow {
		start = len(m.frameEventCounts) - recentFrameCountWindow
	}
	tail := m.frameEventCounts[start:]
	sum := 0
	for _, v := range tail {
		sum += v
	}
	return float64(sum) / float64(len(tail))
}

func pushBounded(buf []float64, v float64, limit int) []float64 {
	buf = append(buf, v)
	if len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	return buf
}

func pushBoundedInt(buf []int, v, limit int) []int {
	buf = append(buf, v)
	if len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	return buf
}

func averageTail(buf []float64, window int) float64 {
	if len(buf) == 0 {
		return 0
	}
	start := 0
	if len(buf) > window {
		start = len(buf) - window
	}
	tail := buf[start:]
	var sum float64
	for _, v := range tail {
		sum += v
	}
	return sum / float64(len(tail))
}
