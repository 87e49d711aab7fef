// Package bus wires the six cooperating subsystems: the persistent
// queue, backpressure controller, batch processor, health-aware router,
// replay system, and time-window aggregator, plus the throughput
// monitor that feeds them all, into the single coordinator a host
// embeds. It owns subscribe/publish and the host-driven tick that
// actually drains queues.
package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jacklau/eventbus/internal/backpressure"
	"github.com/jacklau/eventbus/internal/batch"
	"github.com/jacklau/eventbus/internal/busevent"
	"github.com/jacklau/eventbus/internal/hostcap"
	"github.com/jacklau/eventbus/internal/monitor"
	"github.com/jacklau/eventbus/internal/pubsub"
	"github.com/jacklau/eventbus/internal/queue"
	"github.com/jacklau/eventbus/internal/replay"
	"github.com/jacklau/eventbus/internal/router"
	"github.com/jacklau/eventbus/internal/window"
)

const (
	defaultQueueSize          = 1000
	defaultReplayBufferSize   = 500
	defaultMaxEventsPerFrame  = 20
	defaultTargetEventsPerSec = 1000.0
	defaultFrameBudgetMs      = 8.0
)

// Subscription is one registered consumer of a named event.
type Subscription struct {
	ID            string
	EventName     string
	Handler       hostcap.Handler
	Owner         hostcap.OwnerHandle
	QueueEnabled  bool
	MaxConcurrent int
	ReplayEnabled bool
	QueueSize     int
}

// SubscribeOptions configures a new Subscription; zero values fall back
// to the bus's defaults.
type SubscribeOptions struct {
	QueueSize        int
	DropPolicy       queue.DropPolicy
	ReplayEnabled    bool
	ReplayBufferSize int
	MaxConcurrent    int
}

// PublishResult reports what happened to one published event.
type PublishResult struct {
	Delivered       []string
	Deferred        bool
	BatchAggressive bool
}

// TickInfo is broadcast on pubsub.TickObserved after every Tick.
type TickInfo struct {
	Dispatched int
	Failed     int
}

// Bus is the coordinator. Exactly one instance lives per host process.
// Bus's own lock guards the cross-subsystem bookkeeping (subscription
// tables, dependency-pending cache), and every subsystem except the Batch
// Processor guards its own state with a lock. The Batch Processor has no
// lock of its own and Bus calls it without holding one, so Publish,
// PublishPhaseEvent, PublishIntegrationEvent and Tick are not safe to call
// concurrently with each other.
type Bus struct {
	mu sync.Mutex

	clock      hostcap.Clock
	rng        hostcap.RNG
	scheduler  hostcap.TickScheduler
	dispatcher hostcap.Dispatcher
	logger     *zap.Logger
	idGen      func() string

	Monitor      *monitor.Monitor
	Backpressure *backpressure.Controller
	Queue        *queue.Queue
	Router       *router.Router
	Batch        *batch.Processor
	Replay       *replay.System
	Window       *window.Aggregator

	signals *pubsub.Broker[TickInfo]

	subs      map[string]*Subscription
	subOrder  []string
	byName    map[string][]string

	defaultQueueSize      int
	defaultReplayBufSize  int
	maxEventsPerFrame     int
	targetEventsPerSecond float64
	frameBudgetMs         float64
	memoryPressureFn      func() float64
	promRegisterer        prometheus.Registerer
	routerOpts            []router.Option

	dispatched int64
	failed     int64

	pending []func()
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithIDGenerator overrides the default uuid.NewString subscription-id
// generator.
func WithIDGenerator(fn func() string) Option {
	return func(b *Bus) { b.idGen = fn }
}

// WithDefaultQueueSize overrides the per-subscriber queue size applied
// when SubscribeOptions.QueueSize is zero.
func WithDefaultQueueSize(n int) Option {
	return func(b *Bus) { b.defaultQueueSize = n }
}

// WithDefaultReplayBufferSize overrides the replay buffer size applied
// when SubscribeOptions.ReplayBufferSize is zero.
func WithDefaultReplayBufferSize(n int) Option {
	return func(b *Bus) { b.defaultReplayBufSize = n }
}

// WithMaxEventsPerFrame caps how many events Tick drains per subscriber
// queue on a single call.
func WithMaxEventsPerFrame(n int) Option {
	return func(b *Bus) { b.maxEventsPerFrame = n }
}

// WithCapacityTargets supplies the denominators the bus uses to turn raw
// monitor/queue readings into the normalized [0,1]-ish ratios the
// backpressure controller expects: queue_utilization, processing_rate,
// and frame_budget_used.
func WithCapacityTargets(targetEventsPerSecond, frameBudgetMs float64) Option {
	return func(b *Bus) {
		b.targetEventsPerSecond = targetEventsPerSecond
		b.frameBudgetMs = frameBudgetMs
	}
}

// WithMemoryPressureFunc supplies the memory_pressure metric input; if
// unset it always reads 0.
func WithMemoryPressureFunc(fn func() float64) Option {
	return func(b *Bus) { b.memoryPressureFn = fn }
}

// WithDispatcher supplies the host's single-event dispatch front-end at
// construction time, equivalent to calling SetDispatcher immediately.
func WithDispatcher(d hostcap.Dispatcher) Option {
	return func(b *Bus) { b.dispatcher = d }
}

// WithPrometheus registers the Throughput Monitor's and Backpressure
// Controller's metrics against reg, forwarding to each subsystem's own
// WithPrometheus option at construction time.
func WithPrometheus(reg prometheus.Registerer) Option {
	return func(b *Bus) { b.promRegisterer = reg }
}

// WithRouterOptions forwards opts to the Health-Aware Router's own
// constructor, so a host can configure routing thresholds and an alert
// notifier without reaching into Bus internals.
func WithRouterOptions(opts ...router.Option) Option {
	return func(b *Bus) { b.routerOpts = append(b.routerOpts, opts...) }
}

// New creates a Bus and every subsystem it owns, bound to the given host
// capabilities. dispatcher may be nil; Tick returns ErrDependencyMissing
// and caches itself for replay until SetDispatcher is called.
func New(clock hostcap.Clock, rng hostcap.RNG, scheduler hostcap.TickScheduler, logger *zap.Logger, opts ...Option) *Bus {
	b := &Bus{
		clock:                 clock,
		rng:                   rng,
		scheduler:             scheduler,
		logger:                logger,
		idGen:                 func() string { return uuid.New().String() },
		subs:                  make(map[string]*Subscription),
		byName:                make(map[string][]string),
		defaultQueueSize:      defaultQueueSize,
		defaultReplayBufSize:  defaultReplayBufferSize,
		maxEventsPerFrame:     defaultMaxEventsPerFrame,
		targetEventsPerSecond: defaultTargetEventsPerSec,
		frameBudgetMs:         defaultFrameBudgetMs,
		signals:               pubsub.NewBroker[TickInfo](),
	}
	for _, opt := range opts {
		opt(b)
	}

	var monitorOpts []monitor.Option
	var backpressureOpts []backpressure.Option
	if b.promRegisterer != nil {
		monitorOpts = append(monitorOpts, monitor.WithPrometheus(b.promRegisterer))
		backpressureOpts = append(backpressureOpts, backpressure.WithPrometheus(b.promRegisterer))
	}

	b.Monitor = monitor.New(clock, logger, monitorOpts...)
	b.Backpressure = backpressure.New(rng, logger, backpressureOpts...)
	b.Queue = queue.New(clock, logger)
	b.Router = router.New(clock, logger, b.routerOpts...)
	proxy := &dispatcherProxy{bus: b}
	b.Batch = batch.New(clock, proxy, scheduler, logger)
	b.Replay = replay.New(clock, rng, proxy)
	b.Window = window.New(clock)
	return b
}

// dispatcherProxy forwards to whatever dispatcher the bus currently
// holds, so the Batch Processor and Replay System, each constructed once
// up front, keep working across a later SetDispatcher call instead of
// capturing a nil dispatcher for their whole lifetime.
type dispatcherProxy struct{ bus *Bus }

func (p *dispatcherProxy) DispatchSingle(ctx context.Context, subscriptionID string, payload map[string]any) (bool, error) {
	p.bus.mu.Lock()
	d := p.bus.dispatcher
	p.bus.mu.Unlock()
	if d == nil {
		return false, busevent.ErrDependencyMissing
	}
	return d.DispatchSingle(ctx, subscriptionID, payload)
}

// SetDispatcher injects the host's dispatch front-end after construction
// and drains any Tick calls that were cached while it was missing.
func (b *Bus) SetDispatcher(d hostcap.Dispatcher) {
	b.mu.Lock()
	b.dispatcher = d
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

// Subscribe registers handler as a consumer of eventName and returns its
// subscription id.
func (b *Bus) Subscribe(eventName string, handler hostcap.Handler, owner hostcap.OwnerHandle, opts SubscribeOptions) (string, error) {
	if eventName == "" || handler == nil {
		return "", busevent.ErrInvalidArgument
	}

	queueSize := opts.QueueSize
	if queueSize <= 0 {
		b.mu.Lock()
		queueSize = b.defaultQueueSize
		b.mu.Unlock()
	}
	policy := opts.DropPolicy
	if policy == "" {
		policy = queue.DropOldest
	}

	id := b.idGen()
	if err := b.Queue.CreateSubscriberQueue(id, queueSize, policy); err != nil {
		return "", err
	}

	if opts.ReplayEnabled {
		bufSize := opts.ReplayBufferSize
		if bufSize <= 0 {
			b.mu.Lock()
			bufSize = b.defaultReplayBufSize
			b.mu.Unlock()
		}
		b.Replay.EnableReplay(id, bufSize)
	}

	sub := &Subscription{
		ID:            id,
		EventName:     eventName,
		Handler:       handler,
		Owner:         owner,
		QueueEnabled:  true,
		MaxConcurrent: opts.MaxConcurrent,
		ReplayEnabled: opts.ReplayEnabled,
		QueueSize:     queueSize,
	}

	b.mu.Lock()
	b.subs[id] = sub
	b.subOrder = append(b.subOrder, id)
	b.byName[eventName] = append(b.byName[eventName], id)
	b.mu.Unlock()

	return id, nil
}

// Unsubscribe removes id's subscription, queue, and replay buffer.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if !ok {
		b.mu.Unlock()
		return busevent.ErrNotFound
	}
	delete(b.subs, id)
	b.subOrder = removeString(b.subOrder, id)
	b.byName[sub.EventName] = removeString(b.byName[sub.EventName], id)
	b.mu.Unlock()

	b.Queue.RemoveSubscriberQueue(id)
	b.Replay.DisableReplay(id)
	return nil
}

// priorityAdjustmentFor maps an event's priority onto the router's
// event_priority_adjustment input: normal priority is neutral, lower
// priorities are stricter, higher priorities are more lenient.
func priorityAdjustmentFor(p busevent.Priority) int {
	return int(p) - int(busevent.PriorityNormal)
}

// Publish submits one event for delivery. An event that the backpressure
// controller throttles or drops is rejected before anything is stored;
// every other event is appended to the global backlog, active replay
// buffers, and matching time windows. Per-subscriber delivery is then
// subject to deferral, health gating, and queue admission.
func (b *Bus) Publish(ctx context.Context, name string, payload busevent.Payload, priority busevent.Priority) (PublishResult, error) {
	if name == "" {
		return PublishResult{}, busevent.ErrInvalidArgument
	}

	event := busevent.Event{
		Name:      name,
		Payload:   payload.Clone(),
		Priority:  priority,
		Timestamp: b.clock.NowSeconds(),
	}

	if b.Backpressure.ShouldThrottlePublisher(priority) {
		return PublishResult{}, busevent.NewRejectError(busevent.RejectThrottled)
	}
	if b.Backpressure.ShouldDropEvent(priority) {
		return PublishResult{}, busevent.NewRejectError(busevent.RejectDroppedLowPrio)
	}

	b.Queue.AddToGlobalBacklog(event)
	b.Replay.AddEventToReplayBuffers(event)
	b.Window.OnEvent(event)

	result := PublishResult{}

	if b.Backpressure.ShouldDeferNonCritical(name) {
		result.Deferred = true
		b.Batch.EnqueuePhaseEvent(ctx, "deferred", event)
		return result, nil
	}

	result.BatchAggressive = b.Backpressure.ShouldBatchAggressively()

	b.mu.Lock()
	targets := append([]string(nil), b.byName[name]...)
	b.mu.Unlock()

	adjustment := priorityAdjustmentFor(priority)
	for _, subID := range targets {
		if !b.isEligible(subID, adjustment) {
			continue
		}
		if ok, err := b.Queue.Enqueue(subID, event); err == nil && ok {
			result.Delivered = append(result.Delivered, subID)
		} else if b.logger != nil && err != nil {
			b.logger.Warn("event rejected at enqueue",
				zap.String("subscription_id", subID), zap.String("event", name), zap.Error(err))
		}
	}

	return result, nil
}

// isEligible reports whether subID should receive the event: untracked
// systems (no health data yet) are always eligible; tracked systems defer
// to the router's gate.
func (b *Bus) isEligible(subID string, adjustment int) bool {
	if _, tracked := b.Router.SystemStatus(subID); !tracked {
		return true
	}
	return b.Router.ShouldRouteToSystem(subID, adjustment)
}

// PublishPhaseEvent submits event directly into the batch processor's
// named phase bucket, bypassing per-subscriber queueing.
func (b *Bus) PublishPhaseEvent(ctx context.Context, phase, name string, payload busevent.Payload, priority busevent.Priority) error {
	event := busevent.Event{Name: name, Payload: payload.Clone(), Priority: priority, Timestamp: b.clock.NowSeconds()}
	b.Queue.AddToGlobalBacklog(event)
	b.Window.OnEvent(event)
	return b.Batch.EnqueuePhaseEvent(ctx, phase, event)
}

// PublishIntegrationEvent submits event into one of the batch processor's
// fixed integration buckets.
func (b *Bus) PublishIntegrationEvent(ctx context.Context, bucketKey, name string, payload busevent.Payload, priority busevent.Priority) error {
	event := busevent.Event{Name: name, Payload: payload.Clone(), Priority: priority, Timestamp: b.clock.NowSeconds()}
	b.Queue.AddToGlobalBacklog(event)
	b.Window.OnEvent(event)
	return b.Batch.EnqueueIntegrationEvent(ctx, bucketKey, event)
}

// Tick drains every subscriber queue up to the per-frame budget, sweeps
// the batch processor and replay system, and feeds the backpressure
// controller with freshly derived metrics. It is the host's frame/ticker
// entry point.
func (b *Bus) Tick(ctx context.Context) error {
	b.mu.Lock()
	dispatcher := b.dispatcher
	b.mu.Unlock()

	if dispatcher == nil {
		b.mu.Lock()
		b.pending = append(b.pending, func() { b.Tick(ctx) })
		b.mu.Unlock()
		return busevent.ErrDependencyMissing
	}

	b.Monitor.StartFrameMonitoring()
	dispatchedThisTick, failedThisTick := b.drainQueues(ctx, dispatcher)
	b.Monitor.EndFrameMonitoring()

	b.Batch.Sweep(ctx)
	b.Replay.Tick(ctx)
	b.updateBackpressureMetrics()

	b.signals.Publish(pubsub.TickObserved, TickInfo{Dispatched: dispatchedThisTick, Failed: failedThisTick})
	return nil
}

func (b *Bus) drainQueues(ctx context.Context, dispatcher hostcap.Dispatcher) (dispatched, failedCount int) {
	b.mu.Lock()
	order := append([]string(nil), b.subOrder...)
	b.mu.Unlock()

	for _, subID := range order {
		b.mu.Lock()
		sub, ok := b.subs[subID]
		b.mu.Unlock()
		if !ok {
			continue
		}
		if sub.Handler != nil && !sub.Handler.StillValid() {
			b.Unsubscribe(subID)
			continue
		}

		for i := 0; i < b.maxEventsPerFrame; i++ {
			event, found, err := b.Queue.Dequeue(subID)
			if err != nil || !found {
				break
			}
			startedAt := b.clock.NowSeconds()
			ok, err := dispatcher.DispatchSingle(ctx, subID, event.Payload)
			elapsedUs := (b.clock.NowSeconds() - startedAt) * 1e6

			b.Monitor.RecordHandlerPerformance(event.Name, elapsedUs)
			if err == nil && ok {
				b.Monitor.RecordEventProcessed(event.Name)
				dispatched++
				b.mu.Lock()
				b.dispatched++
				b.mu.Unlock()
			} else {
				failedCount++
				b.mu.Lock()
				b.failed++
				b.mu.Unlock()
			}
		}
	}
	return dispatched, failedCount
}

func (b *Bus) updateBackpressureMetrics() {
	b.mu.Lock()
	targetRate := b.targetEventsPerSecond
	frameBudgetMs := b.frameBudgetMs
	memFn := b.memoryPressureFn
	dispatched := b.dispatched
	failed := b.failed
	b.mu.Unlock()

	var processingRate float64
	if targetRate > 0 {
		processingRate = b.Monitor.EventsPerSecond() / targetRate
	}
	var frameBudgetUsed float64
	if frameBudgetMs > 0 {
		frameBudgetUsed = b.Monitor.RecentAverageFrameTimeMs() / frameBudgetMs
	}
	var memoryPressure float64
	if memFn != nil {
		memoryPressure = memFn()
	}
	var failedRate float64
	if total := dispatched + failed; total > 0 {
		failedRate = float64(failed) / float64(total)
	}

	b.Backpressure.UpdateMetrics(backpressure.Metrics{
		QueueUtilization: b.Queue.Utilization(),
		ProcessingRate:   processingRate,
		MemoryPressure:   memoryPressure,
		FrameBudgetUsed:  frameBudgetUsed,
		EventsPerSecond:  b.Monitor.EventsPerSecond(),
		FailedEventsRate: failedRate,
	})
}

// Signals returns the internal signal broker so a host can observe bus
// activity without being on the dispatch path. Bus publishes only
// TickObserved signals on it, one TickInfo per Tick.
func (b *Bus) Signals() *pubsub.Broker[TickInfo] {
	return b.signals
}

func removeString(items []string, target string) []string {
	out := items[:0]
	for _, item := range items {
		if item != target {
			out = append(out, item)
		}
	}
	return out
}
