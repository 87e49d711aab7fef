// Package queue implements the Persistent Queue and Global Backlog: a
// per-subscriber FIFO with configurable drop policy and a process-wide,
// front-evicting ring of every published event.
package queue

import (
	"sync"

	"github.com/jacklau/eventbus/internal/busevent"
	"github.com/jacklau/eventbus/internal/hostcap"
	"go.uber.org/zap"
)

// DropPolicy controls what happens when a subscriber queue is full.
type DropPolicy string

const (
	DropOldest DropPolicy = "drop_oldest"
	DropNewest DropPolicy = "drop_newest"
	Block      DropPolicy = "block"
)

// defaultBackpressureThreshold is the fraction of max_size at which a
// backpressure hit is recorded.
const defaultBackpressureThreshold = 0.8

// defaultMaxBacklogSize is the global backlog's default capacity.
const defaultMaxBacklogSize = 10000

// SubscriberMetrics mirrors one subscriber's queue counters.
type SubscriberMetrics struct {
	Queued           int64
	Processed        int64
	Dropped          int64
	MaxDepth         int
	AvgDepth         float64
	BackpressureHits int64
	LastProcessed    float64
}

type subscriberQueue struct {
	events      []busevent.Event
	maxSize     int
	policy      DropPolicy
	bpThreshold float64
	metrics     SubscriberMetrics
}

// Queue owns every subscriber's FIFO plus the shared global backlog.
type Queue struct {
	mu sync.Mutex

	clock  hostcap.Clock
	logger *zap.Logger

	subs map[string]*subscriberQueue

	backlog        []busevent.Event
	maxBacklogSize int
	backlogNext    int
}

// Option configures a Queue at construction time.
type Option func(*Queue)

// WithMaxBacklogSize overrides the default global backlog capacity.
func WithMaxBacklogSize(n int) Option {
	return func(q *Queue) { q.maxBacklogSize = n }
}

// New creates an empty Queue.
func New(clock hostcap.Clock, logger *zap.Logger, opts ...Option) *Queue {
	q := &Queue{
		clock:          clock,
		logger:         logger,
		subs:           make(map[string]*subscriberQueue),
		maxBacklogSize: defaultMaxBacklogSize,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// CreateSubscriberQueue creates a new per-subscriber FIFO. It fails with
// ErrAlreadyExists if id is already in use.
func (q *Queue) CreateSubscriberQueue(id string, maxSize int, policy DropPolicy) error {
	if id == "" {
		return busevent.ErrInvalidArgument
	}
	if maxSize <= 0 {
		return busevent.ErrInvalidArgument
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.subs[id]; ok {
		return busevent.ErrAlreadyExists
	}
	q.subs[id] = &subscriberQueue{
		maxSize:     maxSize,
		policy:      policy,
		bpThreshold: defaultBackpressureThreshold,
	}
	return nil
}

// RemoveSubscriberQueue drops a subscriber's queue and all queued events.
func (q *Queue) RemoveSubscriberQueue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.subs[id]; !ok {
		return busevent.ErrNotFound
	}
	delete(q.subs, id)
	return nil
}

// ClearSubscriberQueue drops all queued events for id but keeps its
// cumulative metrics (processed/dropped/backpressure_hits), resetting only
// the live queued count.
func (q *Queue) ClearSubscriberQueue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	sq, ok := q.subs[id]
	if !ok {
		return busevent.ErrNotFound
	}
	sq.events = nil
	sq.metrics.Queued = 0
	return nil
}

// Enqueue appends event to the named subscriber's queue, applying the
// backpressure-threshold check and, if the queue is at max_size, the
// configured drop policy. Returns false (with a *busevent.RejectError
// wrapped in err) when the event could not be admitted.
func (q *Queue) Enqueue(id string, event busevent.Event) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sq, ok := q.subs[id]
	if !ok {
		return false, busevent.ErrNotFound
	}

	depth := len(sq.events)
	if float64(depth) >= float64(sq.maxSize)*sq.bpThreshold {
		sq.metrics.BackpressureHits++
	}

	if depth >= sq.maxSize {
		switch sq.policy {
		case DropOldest:
			sq.events = sq.events[1:]
			sq.metrics.Dropped++
		case DropNewest:
			sq.metrics.Dropped++
			return false, busevent.NewRejectError(busevent.RejectDropNewest)
		case Block:
			return false, busevent.NewRejectError(busevent.RejectBlocked)
		}
	}

	now := q.clock.NowSeconds()
	newDepth := len(sq.events) + 1
	event.QueueMeta = &busevent.QueueMeta{
		QueuedAt:       now,
		SubscriptionID: id,
		QueueDepth:     newDepth,
	}
	sq.events = append(sq.events, event)
	sq.metrics.Queued++

	if newDepth > sq.metrics.MaxDepth {
		sq.metrics.MaxDepth = newDepth
	}
	// Running average weighted by cumulative queued_count rather than a
	// true time-weighted depth average; only updated here, on successful
	// enqueue, so it tracks admitted depth, not rejected attempts.
	n := float64(sq.metrics.Queued)
	sq.metrics.AvgDepth = sq.metrics.AvgDepth + (float64(newDepth)-sq.metrics.AvgDepth)/n

	return true, nil
}

// Dequeue pops the oldest event for id, FIFO.
func (q *Queue) Dequeue(id string) (busevent.Event, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sq, ok := q.subs[id]
	if !ok {
		return busevent.Event{}, false, busevent.ErrNotFound
	}
	if len(sq.events) == 0 {
		return busevent.Event{}, false, nil
	}

	event := sq.events[0]
	sq.events = sq.events[1:]
	sq.metrics.Processed++
	sq.metrics.LastProcessed = q.clock.NowSeconds()
	return event, true, nil
}

// Depth returns the current queue depth for id.
func (q *Queue) Depth(id string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sq, ok := q.subs[id]
	if !ok {
		return 0, busevent.ErrNotFound
	}
	return len(sq.events), nil
}

// Utilization returns the average queue-depth-to-max-size ratio across
// every subscriber queue, the queue_utilization input the bus feeds to
// the backpressure controller on each tick.
func (q *Queue) Utilization() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.subs) == 0 {
		return 0
	}
	var sum float64
	for _, sq := range q.subs {
		if sq.maxSize > 0 {
			sum += float64(len(sq.events)) / float64(sq.maxSize)
		}
	}
	return sum / float64(len(q.subs))
}

// Metrics returns a defensive copy of id's metrics.
func (q *Queue) Metrics(id string) (SubscriberMetrics, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sq, ok := q.subs[id]
	if !ok {
		return SubscriberMetrics{}, busevent.ErrNotFound
	}
	return sq.metrics, nil
}

// Status is a defensive-copy snapshot of the whole Queue: every
// subscriber's metrics plus the shared global backlog's size and cap.
type Status struct {
	Subscribers    map[string]SubscriberMetrics
	Utilization    float64
	BacklogSize    int
	MaxBacklogSize int
}

// AllMetrics returns a defensive-copy status snapshot covering every
// subscriber queue and the global backlog, the queue subsystem's
// counterpart to the other subsystems' aggregate status queries.
func (q *Queue) AllMetrics() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	subs := make(map[string]SubscriberMetrics, len(q.subs))
	var utilSum float64
	for id, sq := range q.subs {
		subs[id] = sq.metrics
		if sq.maxSize > 0 {
			utilSum += float64(len(sq.events)) / float64(sq.maxSize)
		}
	}
	var utilization float64
	if len(q.subs) > 0 {
		utilization = utilSum / float64(len(q.subs))
	}
	return Status{
		Subscribers:    subs,
		Utilization:    utilization,
		BacklogSize:    len(q.backlog),
		MaxBacklogSize: q.maxBacklogSize,
	}
}

// AddToGlobalBacklog appends event to the process-wide backlog, evicting
// the oldest entry (front) when at capacity.
func (q *Queue) AddToGlobalBacklog(event busevent.Event) busevent.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	event.BacklogMeta = &busevent.BacklogMeta{
		InsertedAt: q.clock.NowSeconds(),
		Index:      q.backlogNext,
	}
	q.backlogNext++

	if len(q.backlog) >= q.maxBacklogSize {
		q.backlog = q.backlog[1:]
	}
	q.backlog = append(q.backlog, event)
	return event
}

// BacklogSize returns the current global backlog length.
func (q *Queue) BacklogSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// GetEventsSince returns a defensive copy of backlog events with timestamp
// >= ts, in insertion order.
func (q *Queue) GetEventsSince(ts float64) []busevent.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []busevent.Event
	for _, e := range q.backlog {
		if e.Timestamp >= ts {
			out = append(out, e)
		}
	}
	return busevent.CloneEvents(out)
}

// GetEventsInWindow returns a defensive copy of backlog events with
// start <= timestamp <= end.
func (q *Queue) GetEventsInWindow(start, end float64) []busevent.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []busevent.Event
	for _, e := range q.backlog {
		if e.Timestamp >= start && e.Timestamp <= end {
			out = append(out, e)
		}
	}
	return busevent.CloneEvents(out)
}

// GetRecent returns a defensive copy of the n most recently inserted
// backlog events, oldest-first.
func (q *Queue) GetRecent(n int) []busevent.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || len(q.backlog) == 0 {
		return nil
	}
	start := 0
	if len(q.backlog) > n {
		start = len(q.backlog) - n
	}
	return busevent.CloneEvents(q.backlog[start:])
}
