package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/jacklau/eventbus/internal/backpressure"
	"github.com/jacklau/eventbus/internal/busevent"
	"github.com/jacklau/eventbus/internal/router"
)

type fakeClock struct{ t float64 }

func (f *fakeClock) NowSeconds() float64 { return f.t }
func (f *fakeClock) NowMicros() int64    { return int64(f.t * 1e6) }

type zeroRNG struct{}

func (zeroRNG) Float64() float64 { return 0 }

type noopScheduler struct{}

func (noopScheduler) Defer(fn func())              { fn() }
func (noopScheduler) Yield(ctx context.Context) error { return nil }

type recordingDispatcher struct {
	calls []string
	fail  bool
}

func (d *recordingDispatcher) DispatchSingle(ctx context.Context, subscriptionID string, payload map[string]any) (bool, error) {
	d.calls = append(d.calls, subscriptionID)
	if d.fail {
		return false, nil
	}
	return true, nil
}

type alwaysValidHandler struct{}

func (alwaysValidHandler) Invoke(ctx context.Context, payload map[string]any) error { return nil }
func (alwaysValidHandler) StillValid() bool                                        { return true }

type revocableHandler struct{ valid bool }

func (h *revocableHandler) Invoke(ctx context.Context, payload map[string]any) error { return nil }
func (h *revocableHandler) StillValid() bool                                        { return h.valid }

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return "sub-" + string(rune('0'+n))
	}
}

func newTestBus(dispatcher *recordingDispatcher) *Bus {
	return New(&fakeClock{}, zeroRNG{}, noopScheduler{}, nil,
		WithIDGenerator(sequentialIDs()), WithDispatcher(dispatcher))
}

func TestSubscribePublishTickDelivers(t *testing.T) {
	d := &recordingDispatcher{}
	b := newTestBus(d)

	id, err := b.Subscribe("order_created", alwaysValidHandler{}, nil, SubscribeOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := b.Publish(context.Background(), "order_created", busevent.Payload{"id": 1}, busevent.PriorityNormal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Delivered) != 1 || result.Delivered[0] != id {
		t.Fatalf("expected delivery to %q, got %v", id, result.Delivered)
	}

	if err := b.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(d.calls) != 1 || d.calls[0] != id {
		t.Errorf("expected dispatcher invoked once for %q, got %v", id, d.calls)
	}
}

func TestPublishUnknownEventHasNoSubscribers(t *testing.T) {
	b := newTestBus(&recordingDispatcher{})
	result, err := b.Publish(context.Background(), "nobody_listens", nil, busevent.PriorityNormal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Delivered) != 0 {
		t.Errorf("expected no deliveries, got %v", result.Delivered)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	d := &recordingDispatcher{}
	b := newTestBus(d)
	id, _ := b.Subscribe("x", alwaysValidHandler{}, nil, SubscribeOptions{})

	if err := b.Unsubscribe(id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Unsubscribe(id); err == nil {
		t.Fatal("expected error unsubscribing an already-removed id")
	}

	result, _ := b.Publish(context.Background(), "x", nil, busevent.PriorityNormal)
	if len(result.Delivered) != 0 {
		t.Errorf("expected no deliveries after unsubscribe, got %v", result.Delivered)
	}
}

func TestRevokedHandlerIsAutoUnsubscribedDuringTick(t *testing.T) {
	d := &recordingDispatcher{}
	b := newTestBus(d)
	handler := &revocableHandler{valid: true}
	id, _ := b.Subscribe("x", handler, nil, SubscribeOptions{})
	b.Publish(context.Background(), "x", nil, busevent.PriorityNormal)

	handler.valid = false
	if err := b.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(d.calls) != 0 {
		t.Errorf("expected revoked handler to receive no dispatch, got %v", d.calls)
	}
	if err := b.Unsubscribe(id); err == nil {
		t.Error("expected subscription to already be gone after auto-unsubscribe")
	}
}

func TestTickWithoutDispatcherReturnsDependencyMissing(t *testing.T) {
	b := New(&fakeClock{}, zeroRNG{}, noopScheduler{}, nil, WithIDGenerator(sequentialIDs()))
	err := b.Tick(context.Background())
	if !errors.Is(err, busevent.ErrDependencyMissing) {
		t.Fatalf("expected ErrDependencyMissing, got %v", err)
	}
}

func TestSetDispatcherDrainsPendingTick(t *testing.T) {
	b := New(&fakeClock{}, zeroRNG{}, noopScheduler{}, nil, WithIDGenerator(sequentialIDs()))
	d := &recordingDispatcher{}
	id, _ := b.Subscribe("x", alwaysValidHandler{}, nil, SubscribeOptions{})
	b.Publish(context.Background(), "x", nil, busevent.PriorityNormal)

	if err := b.Tick(context.Background()); err == nil {
		t.Fatal("expected ErrDependencyMissing before SetDispatcher")
	}

	b.SetDispatcher(d)
	if len(d.calls) != 1 || d.calls[0] != id {
		t.Errorf("expected the cached Tick to drain once a dispatcher is wired, got %v", d.calls)
	}
}

func TestThrottledPublisherIsRejected(t *testing.T) {
	b := New(&fakeClock{}, zeroRNG{}, noopScheduler{}, nil, WithDispatcher(&recordingDispatcher{}))
	b.Backpressure.UpdateMetrics(backpressure.Metrics{QueueUtilization: 1.0})

	_, err := b.Publish(context.Background(), "x", nil, busevent.PriorityNormal)
	if !errors.Is(err, busevent.ErrRejected) {
		t.Fatalf("expected ErrRejected under heavy throttling, got %v", err)
	}
}

func TestUntrackedSystemBypassesHealthGating(t *testing.T) {
	d := &recordingDispatcher{}
	b := newTestBus(d)
	id, _ := b.Subscribe("x", alwaysValidHandler{}, nil, SubscribeOptions{})

	result, err := b.Publish(context.Background(), "x", nil, busevent.PriorityNormal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Delivered) != 1 || result.Delivered[0] != id {
		t.Errorf("expected an untracked subscriber to bypass health gating, got %v", result.Delivered)
	}
}

func TestHealthGateBlocksUnhealthySubscriber(t *testing.T) {
	d := &recordingDispatcher{}
	b := newTestBus(d)
	id, _ := b.Subscribe("x", alwaysValidHandler{}, nil, SubscribeOptions{})
	b.Router.UpdateSystemHealth(id, router.HealthUpdate{FailureProbability: 0.85})

	result, _ := b.Publish(context.Background(), "x", nil, busevent.PriorityNormal)
	if len(result.Delivered) != 0 {
		t.Errorf("expected health-gated subscriber to receive nothing, got %v", result.Delivered)
	}
}

func TestPublishPhaseEventBypassesPerSubscriberQueue(t *testing.T) {
	d := &recordingDispatcher{}
	b := newTestBus(d)
	b.Subscribe("phase_complete", alwaysValidHandler{}, nil, SubscribeOptions{})

	if err := b.PublishPhaseEvent(context.Background(), "startup", "phase_complete", nil, busevent.PriorityNormal); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Batch.PendingCount("startup") != 1 {
		t.Errorf("expected phase event to land in the batch bucket, got %d pending", b.Batch.PendingCount("startup"))
	}
	if n, err := b.Queue.Depth(b.subOrder[0]); err != nil || n != 0 {
		t.Errorf("expected no per-subscriber enqueue for a phase event, depth=%d err=%v", n, err)
	}
}
