// Package window implements the Time-Window Aggregator: named sliding or
// tumbling windows of recent events, with aggregation functions computed
// over each window's retained events when the window is queried.
package window

import (
	"sync"

	"github.com/jacklau/eventbus/internal/busevent"
	"github.com/jacklau/eventbus/internal/hostcap"
)

// Config describes one configured window. SlideInterval of 0 means
// tumbling: the window only rolls once duration has elapsed since the
// last roll, i.e. tumbling is treated as rolling every Duration.
type Config struct {
	ID                   string
	Duration             float64
	SlideInterval        float64
	EventFilters         []string
	AggregationFunctions []string
	MaxEvents            int
}

// AggregationResult is the summary computed for a window at query time.
type AggregationResult struct {
	Count                int
	AvgProcessingTime    float64
	EventRate            float64
	UniqueEvents         int
	PriorityDistribution map[busevent.Priority]int
	ErrorRate            float64
}

// state is the mutable per-window bookkeeping.
type state struct {
	config    Config
	events    []busevent.Event
	lastSlide float64
	start     float64
	end       float64
}

// Aggregator is the Time-Window Aggregator.
type Aggregator struct {
	mu    sync.Mutex
	clock hostcap.Clock

	windows map[string]*state
}

// New creates an Aggregator bound to clock.
func New(clock hostcap.Clock) *Aggregator {
	return &Aggregator{
		clock:   clock,
		windows: make(map[string]*state),
	}
}

// CreateTimeWindow registers a new window. Fails with ErrAlreadyExists if
// cfg.ID is already in use.
func (a *Aggregator) CreateTimeWindow(cfg Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.windows[cfg.ID]; ok {
		return busevent.ErrAlreadyExists
	}
	now := a.clock.NowSeconds()
	a.windows[cfg.ID] = &state{
		config:    cfg,
		lastSlide: now,
		start:     now - cfg.Duration,
		end:       now,
	}
	return nil
}

// RemoveTimeWindow deletes windowID. Idempotent: returns true the first
// time, false thereafter.
func (a *Aggregator) RemoveTimeWindow(windowID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.windows[windowID]; !ok {
		return false
	}
	delete(a.windows, windowID)
	return true
}

// ClearAllWindows drops every window's state and reports how many were
// discarded.
func (a *Aggregator) ClearAllWindows() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.windows)
	a.windows = make(map[string]*state)
	return n
}

// OnEvent feeds event into every matching window, sliding/rolling and
// pruning its retained events as needed. Aggregations are not computed
// here; GetWindowAggregation and GetAllWindowSummaries compute them.
func (a *Aggregator) OnEvent(event busevent.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock.NowSeconds()
	for _, st := range a.windows {
		a.applyEvent(st, event, now)
	}
}

func (a *Aggregator) applyEvent(st *state, event busevent.Event, now float64) {
	cfg := st.config
	if len(cfg.EventFilters) > 0 && !containsName(cfg.EventFilters, event.Name) {
		return
	}

	rollThreshold := cfg.SlideInterval
	if rollThreshold <= 0 {
		rollThreshold = cfg.Duration
	}
	if now-st.lastSlide >= rollThreshold {
		st.start = now - cfg.Duration
		st.end = now
		st.lastSlide = now
	}

	st.events = append(st.events, event)

	cutoff := now - cfg.Duration
	kept := st.events[:0]
	for _, e := range st.events {
		if e.Timestamp >= cutoff {
			kept = append(kept, e)
		}
	}
	st.events = kept

	if cfg.MaxEvents > 0 && len(st.events) > cfg.MaxEvents {
		st.events = st.events[len(st.events)-cfg.MaxEvents:]
	}
}

// computeAggregation derives the AggregationResult from st's current
// retained events.
func computeAggregation(st *state) AggregationResult {
	result := AggregationResult{
		Count:                len(st.events),
		PriorityDistribution: make(map[busevent.Priority]int),
	}
	if len(st.events) == 0 {
		return result
	}

	var procSum float64
	var procCount int
	var errCount int
	names := make(map[string]struct{})
	for _, e := range st.events {
		if e.ProcessingTime > 0 {
			procSum += e.ProcessingTime
			procCount++
		}
		if e.ErrorFlag {
			errCount++
		}
		names[e.Name] = struct{}{}
		result.PriorityDistribution[e.Priority]++
	}

	if procCount > 0 {
		result.AvgProcessingTime = procSum / float64(procCount)
	}
	if st.config.Duration > 0 {
		result.EventRate = float64(len(st.events)) / st.config.Duration
	}
	result.UniqueEvents = len(names)
	result.ErrorRate = float64(errCount) / float64(len(st.events))
	restrictAggregation(&result, st.config.AggregationFunctions)
	return result
}

// restrictAggregation zeroes every AggregationResult field not named in
// functions, leaving Count untouched since it is always available. An
// empty functions list means every field stays.
func restrictAggregation(result *AggregationResult, functions []string) {
	if len(functions) == 0 {
		return
	}
	wanted := make(map[string]bool, len(functions))
	for _, f := range functions {
		wanted[f] = true
	}
	if !wanted["avg_processing_time"] {
		result.AvgProcessingTime = 0
	}
	if !wanted["event_rate"] {
		result.EventRate = 0
	}
	if !wanted["unique_events"] {
		result.UniqueEvents = 0
	}
	if !wanted["priority_distribution"] {
		result.PriorityDistribution = make(map[busevent.Priority]int)
	}
	if !wanted["error_rate"] {
		result.ErrorRate = 0
	}
}

// GetWindowAggregation returns the current AggregationResult for
// windowID, restricted to the fields named in its AggregationFunctions
// (or every field if empty).
func (a *Aggregator) GetWindowAggregation(windowID string) (AggregationResult, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.windows[windowID]
	if !ok {
		return AggregationResult{}, false
	}
	return computeAggregation(st), true
}

// GetEventsInWindow returns a defensive-copy slice of windowID's current
// retained events.
func (a *Aggregator) GetEventsInWindow(windowID string) ([]busevent.Event, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.windows[windowID]
	if !ok {
		return nil, false
	}
	return busevent.CloneEvents(st.events), true
}

// Summary is one window's defensive-copy status entry for
// get_all_window_summaries.
type Summary struct {
	ID          string
	Duration    float64
	Aggregation AggregationResult
}

// GetAllWindowSummaries returns a defensive-copy snapshot of every
// configured window's current aggregation.
func (a *Aggregator) GetAllWindowSummaries() []Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Summary, 0, len(a.windows))
	for id, st := range a.windows {
		out = append(out, Summary{ID: id, Duration: st.config.Duration, Aggregation: computeAggregation(st)})
	}
	return out
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
