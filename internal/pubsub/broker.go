// Package pubsub fans internal bus signals (frame ticks, health-band
// transitions, replay-session progress) out to interested observers, such
// as the archive writer or a CLI status watcher. It is not on the
// publish/dispatch path of the event bus itself.
package pubsub

import (
	"context"
	"sync"
)

// SignalKind describes the kind of internal signal being broadcast.
type SignalKind string

const (
	// TickObserved fires once per host tick, after the bus has drained
	// queues for that tick.
	TickObserved SignalKind = "tick_observed"
	// HealthTransitioned fires when a system's health band changes.
	HealthTransitioned SignalKind = "health_transitioned"
	// ReplayProgressed fires as a replay session advances.
	ReplayProgressed SignalKind = "replay_progressed"
)

// Signal wraps a typed payload with a SignalKind.
type Signal[T any] struct {
	Kind    SignalKind
	Payload T
}

// subscriberBufferSize is the channel buffer size for each subscriber.
const subscriberBufferSize = 64

// Broker is a generic, thread-safe publish/subscribe broker used for
// internal signal fan-out.
type Broker[T any] struct {
	mu   sync.RWMutex
	subs map[chan Signal[T]]struct{}
}

// NewBroker creates a new Broker.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		subs: make(map[chan Signal[T]]struct{}),
	}
}

// Subscribe creates a new subscription. The returned channel receives
// signals until the provided context is cancelled, at which point the
// channel is closed and the subscription is removed.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Signal[T] {
	ch := make(chan Signal[T], subscriberBufferSize)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

// Publish broadcasts a signal to all active subscribers. If a subscriber's
// buffer is full, the signal is dropped for that subscriber (non-blocking).
func (b *Broker[T]) Publish(kind SignalKind, payload T) {
	sig := Signal[T]{Kind: kind, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs {
		select {
		case ch <- sig:
		default:
		}
	}
}
