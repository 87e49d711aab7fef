package cmd

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jacklau/eventbus/internal/hostcap"
)

// wallClock is the real-time hostcap.Clock every run of the host process
// uses; tests inject their own fake instead.
type wallClock struct{}

func (wallClock) NowSeconds() float64 { return float64(time.Now().UnixNano()) / 1e9 }
func (wallClock) NowMicros() int64    { return time.Now().UnixMicro() }

// mathRand is the real hostcap.RNG, backed by a process-local source so
// concurrent Float64 calls from the backpressure controller don't race on
// the global math/rand state.
type mathRand struct {
	mu  sync.Mutex
	src *rand.Rand
}

func newMathRand() *mathRand {
	return &mathRand{src: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (m *mathRand) Float64() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.src.Float64()
}

// yieldResolution is how often Yield's own internal ticker fires. The
// Batch Processor's cooperative-dispatch path calls Yield from inside the
// same goroutine that drives Bus.Tick, so Yield cannot wait on the host's
// own frame ticker
// without deadlocking against the call that's currently blocked inside
// it; a separate, much finer-grained ticker gives the cooperative path a
// real suspension point without depending on the enclosing Tick call
// returning first.
const yieldResolution = time.Millisecond

// tickerScheduler implements hostcap.TickScheduler. Defer queues a
// closure the host loop runs at the top of its next frame tick via
// onTick; Yield suspends the calling task on its own fine-grained ticker
// so long-running cooperative dispatch can still observe context
// cancellation promptly.
type tickerScheduler struct {
	mu       sync.Mutex
	deferred []func()
	yieldAt  *time.Ticker
}

func newTickerScheduler() *tickerScheduler {
	return &tickerScheduler{yieldAt: time.NewTicker(yieldResolution)}
}

func (s *tickerScheduler) stop() { s.yieldAt.Stop() }

// onTick is called by the host loop at the top of every frame tick,
// before Bus.Tick, so deferred work runs before the subsystems it
// affects are swept again.
func (s *tickerScheduler) onTick() {
	s.mu.Lock()
	pending := s.deferred
	s.deferred = nil
	s.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

func (s *tickerScheduler) Defer(fn func()) {
	s.mu.Lock()
	s.deferred = append(s.deferred, fn)
	s.mu.Unlock()
}

func (s *tickerScheduler) Yield(ctx context.Context) error {
	select {
	case <-s.yieldAt.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// localDispatcher is the host's single-event dispatch front-end. The Bus
// only ever hands it a subscription id and a payload, so the dispatcher
// keeps its own id-to-handler registry,
// populated by register at the same call site that calls
// Bus.Subscribe.
type localDispatcher struct {
	mu       sync.RWMutex
	handlers map[string]hostcap.Handler
}

func newLocalDispatcher() *localDispatcher {
	return &localDispatcher{handlers: make(map[string]hostcap.Handler)}
}

func (d *localDispatcher) register(subscriptionID string, h hostcap.Handler) {
	d.mu.Lock()
	d.handlers[subscriptionID] = h
	d.mu.Unlock()
}

func (d *localDispatcher) unregister(subscriptionID string) {
	d.mu.Lock()
	delete(d.handlers, subscriptionID)
	d.mu.Unlock()
}

func (d *localDispatcher) DispatchSingle(ctx context.Context, subscriptionID string, payload map[string]any) (bool, error) {
	d.mu.RLock()
	h, ok := d.handlers[subscriptionID]
	d.mu.RUnlock()
	if !ok || !h.StillValid() {
		return false, nil
	}
	if err := h.Invoke(ctx, payload); err != nil {
		return false, err
	}
	return true, nil
}

// processOwner is the hostcap.OwnerHandle every in-process subscription
// registered by this host uses; there is only one owner identity because
// everything in eventbusctl lives in a single process.
type processOwner struct{ id string }

func (o processOwner) OwnerID() string { return o.id }
