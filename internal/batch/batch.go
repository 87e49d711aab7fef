// Package batch implements the Batch Processor: it groups high-volume
// phase and integration events into flush-bucketed batches so dispatch
// cost is amortized instead of paid per event.
package batch

import (
	"context"
	"fmt"

	"github.com/jacklau/eventbus/internal/busevent"
	"github.com/jacklau/eventbus/internal/hostcap"
	"go.uber.org/zap"
)

const (
	defaultMaxBatchSize      = 50
	defaultBatchTimeout      = 0.1 // seconds
	defaultYieldThreshold    = 100
	defaultFrameBudgetMs     = 8.0
	defaultMaxEventsPerFrame = 20
)

// defaultIntegrationBuckets is the fixed set of well-known integration batch
// keys. Configurable via WithIntegrationBuckets.
var defaultIntegrationBuckets = []string{
	"schema_updates",
	"config_adjustments",
	"template_updates",
	"resource_optimizations",
}

// bucket is one phase or integration batch: an ordered event list plus the
// timestamp of its last flush.
type bucket struct {
	events      []busevent.Event
	lastFlushTs float64
}

// Result tallies one bucket's flush outcome.
type Result struct {
	Key        string
	Successful int
	Failed     int
	DurationMs float64
}

// Processor is the Batch Processor.
type Processor struct {
	clock      hostcap.Clock
	dispatcher hostcap.Dispatcher
	scheduler  hostcap.TickScheduler
	logger     *zap.Logger

	maxBatchSize      int
	batchTimeout      float64
	highThroughput    bool
	yieldThreshold    int
	frameBudgetMs     float64
	maxEventsPerFrame int

	phaseBatches       map[string]*bucket
	integrationBuckets map[string]*bucket

	onPhaseCompleted       func(Result)
	onIntegrationCompleted func(Result)
}

// Option configures a Processor at construction time.
type Option func(*Processor)

// WithMaxBatchSize overrides the default flush-on-size threshold (50).
func WithMaxBatchSize(n int) Option {
	return func(p *Processor) { p.maxBatchSize = n }
}

// WithBatchTimeout overrides the default flush-on-age threshold (0.1s).
func WithBatchTimeout(seconds float64) Option {
	return func(p *Processor) { p.batchTimeout = seconds }
}

// WithHighThroughputMode enables cooperative dispatch for large batches
// when a TickScheduler is available.
func WithHighThroughputMode(enabled bool) Option {
	return func(p *Processor) { p.highThroughput = enabled }
}

// WithYieldThreshold overrides the default cooperative-dispatch yield
// cadence (100 events).
func WithYieldThreshold(n int) Option {
	return func(p *Processor) { p.yieldThreshold = n }
}

// WithFrameBudget overrides the inline-path frame budget gates.
func WithFrameBudget(budgetMs float64, maxEventsPerFrame int) Option {
	return func(p *Processor) {
		p.frameBudgetMs = budgetMs
		p.maxEventsPerFrame = maxEventsPerFrame
	}
}

// WithIntegrationBuckets overrides the fixed integration bucket set.
func WithIntegrationBuckets(keys []string) Option {
	return func(p *Processor) {
		p.integrationBuckets = make(map[string]*bucket, len(keys))
		for _, k := range keys {
			p.integrationBuckets[k] = &bucket{}
		}
	}
}

// WithOnPhaseBatchCompleted registers the "phase_batch_completed"
// notification callback.
func WithOnPhaseBatchCompleted(fn func(Result)) Option {
	return func(p *Processor) { p.onPhaseCompleted = fn }
}

// WithOnIntegrationBatchCompleted registers the
// "integration_batch_completed" notification callback.
func WithOnIntegrationBatchCompleted(fn func(Result)) Option {
	return func(p *Processor) { p.onIntegrationCompleted = fn }
}

// New creates a Processor bound to clock and dispatcher. scheduler may be
// nil, in which case cooperative dispatch is never used regardless of
// high-throughput mode: suspension points require a host tick.
func New(clock hostcap.Clock, dispatcher hostcap.Dispatcher, scheduler hostcap.TickScheduler, logger *zap.Logger, opts ...Option) *Processor {
	p := &Processor{
		clock:              clock,
		dispatcher:         dispatcher,
		scheduler:          scheduler,
		logger:             logger,
		maxBatchSize:       defaultMaxBatchSize,
		batchTimeout:       defaultBatchTimeout,
		yieldThreshold:     defaultYieldThreshold,
		frameBudgetMs:      defaultFrameBudgetMs,
		maxEventsPerFrame:  defaultMaxEventsPerFrame,
		phaseBatches:       make(map[string]*bucket),
		integrationBuckets: make(map[string]*bucket),
	}
	for _, k := range defaultIntegrationBuckets {
		p.integrationBuckets[k] = &bucket{}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EnqueuePhaseEvent appends event to the phase-keyed batch, flushing
// immediately if the batch is now at max_batch_size.
func (p *Processor) EnqueuePhaseEvent(ctx context.Context, phase string, event busevent.Event) error {
	b, ok := p.phaseBatches[phase]
	if !ok {
		b = &bucket{lastFlushTs: p.clock.NowSeconds()}
		p.phaseBatches[phase] = b
	}
	b.events = append(b.events, event)
	if len(b.events) >= p.maxBatchSize {
		p.flushPhase(ctx, phase)
	}
	return nil
}

// EnqueueIntegrationEvent appends event to bucket, which must be one of
// the configured integration bucket keys.
func (p *Processor) EnqueueIntegrationEvent(ctx context.Context, bucketKey string, event busevent.Event) error {
	b, ok := p.integrationBuckets[bucketKey]
	if !ok {
		return fmt.Errorf("%w: integration bucket %q", busevent.ErrInvalidArgument, bucketKey)
	}
	b.events = append(b.events, event)
	if len(b.events) >= p.maxBatchSize {
		p.flushIntegration(ctx, bucketKey)
	}
	return nil
}

// Sweep checks every bucket's age against batch_timeout and flushes those
// that have expired. Called on every host tick; batch timeouts are
// evaluated both on each enqueue and on every tick's sweep.
func (p *Processor) Sweep(ctx context.Context) {
	now := p.clock.NowSeconds()
	for phase, b := range p.phaseBatches {
		if len(b.events) > 0 && now-b.lastFlushTs >= p.batchTimeout {
			p.flushPhase(ctx, phase)
		}
	}
	for key, b := range p.integrationBuckets {
		if len(b.events) > 0 && now-b.lastFlushTs >= p.batchTimeout {
			p.flushIntegration(ctx, key)
		}
	}
}

// ForceProcessAllBatches flushes every non-empty bucket unconditionally
// and returns every flush's result.
func (p *Processor) ForceProcessAllBatches(ctx context.Context) []Result {
	var results []Result
	for phase, b := range p.phaseBatches {
		if len(b.events) > 0 {
			results = append(results, p.flushPhase(ctx, phase))
		}
	}
	for key, b := range p.integrationBuckets {
		if len(b.events) > 0 {
			results = append(results, p.flushIntegration(ctx, key))
		}
	}
	return results
}

func (p *Processor) flushPhase(ctx context.Context, phase string) Result {
	b := p.phaseBatches[phase]
	result := p.dispatchBucket(ctx, phase, b)
	if p.onPhaseCompleted != nil {
		p.onPhaseCompleted(result)
	}
	if p.logger != nil {
		p.logger.Debug("phase_batch_completed",
			zap.String("phase", phase),
			zap.Int("successful", result.Successful),
			zap.Int("failed", result.Failed),
			zap.Float64("duration_ms", result.DurationMs))
	}
	return result
}

func (p *Processor) flushIntegration(ctx context.Context, bucketKey string) Result {
	b := p.integrationBuckets[bucketKey]
	result := p.dispatchBucket(ctx, bucketKey, b)
	if p.onIntegrationCompleted != nil {
		p.onIntegrationCompleted(result)
	}
	if p.logger != nil {
		p.logger.Debug("integration_batch_completed",
			zap.String("bucket", bucketKey),
			zap.Int("successful", result.Successful),
			zap.Int("failed", result.Failed),
			zap.Float64("duration_ms", result.DurationMs))
	}
	return result
}

// dispatchBucket drains b's events through the single-event dispatcher,
// choosing cooperative or inline dispatch, and resets the bucket. Events
// the dispatch pass did not reach (frame budget spent, or Yield failed)
// stay pending in the bucket, ahead of anything enqueued meanwhile.
func (p *Processor) dispatchBucket(ctx context.Context, key string, b *bucket) Result {
	events := b.events
	b.events = nil
	startedAt := p.clock.NowSeconds()
	b.lastFlushTs = startedAt

	var successful, failed int
	useCooperative := p.highThroughput && len(events) > p.yieldThreshold && p.scheduler != nil

	if useCooperative {
		successful, failed = p.dispatchCooperative(ctx, events)
	} else {
		successful, failed = p.dispatchInline(ctx, events)
	}
	if processed := successful + failed; processed < len(events) {
		rest := append([]busevent.Event(nil), events[processed:]...)
		b.events = append(rest, b.events...)
	}

	durationMs := (p.clock.NowSeconds() - startedAt) * 1000
	return Result{Key: key, Successful: successful, Failed: failed, DurationMs: durationMs}
}

func (p *Processor) dispatchInline(ctx context.Context, events []busevent.Event) (successful, failed int) {
	startedAt := p.clock.NowSeconds()
	for i, e := range events {
		if p.frameExhausted(i, startedAt) {
			break
		}
		if p.dispatchOne(ctx, e) {
			successful++
		} else {
			failed++
		}
	}
	return successful, failed
}

// dispatchCooperative steps through events, yielding to the host tick
// every yield_threshold events.
func (p *Processor) dispatchCooperative(ctx context.Context, events []busevent.Event) (successful, failed int) {
	for i, e := range events {
		if p.dispatchOne(ctx, e) {
			successful++
		} else {
			failed++
		}
		if (i+1)%p.yieldThreshold == 0 {
			if err := p.scheduler.Yield(ctx); err != nil {
				break
			}
		}
	}
	return successful, failed
}

// frameExhausted reports whether the inline dispatch path has used up its
// per-frame budget, gated on both the event-count cap and the elapsed
// wall-clock time since dispatchInline started.
func (p *Processor) frameExhausted(dispatchedSoFar int, startedAt float64) bool {
	if p.maxEventsPerFrame > 0 && dispatchedSoFar >= p.maxEventsPerFrame {
		return true
	}
	if p.frameBudgetMs > 0 {
		elapsedMs := (p.clock.NowSeconds() - startedAt) * 1000
		if elapsedMs >= p.frameBudgetMs {
			return true
		}
	}
	return false
}

func (p *Processor) dispatchOne(ctx context.Context, e busevent.Event) bool {
	subID := ""
	if e.QueueMeta != nil {
		subID = e.QueueMeta.SubscriptionID
	}
	ok, err := p.dispatcher.DispatchSingle(ctx, subID, e.Payload)
	if err != nil || !ok {
		return false
	}
	return true
}

// PendingCount returns the current unflushed size of the named phase or
// integration bucket, used by status queries.
func (p *Processor) PendingCount(key string) int {
	if b, ok := p.phaseBatches[key]; ok {
		return len(b.events)
	}
	if b, ok := p.integrationBuckets[key]; ok {
		return len(b.events)
	}
	return 0
}
