// Package hostcap defines the capabilities the enclosing host tree must
// supply to the event bus core: a clock, a source of randomness, a
// tick/yield scheduler, and the single-event dispatcher that actually
// invokes subscriber handlers. The core never reads wall-clock time or
// calls math/rand directly; every time- or randomness-sensitive decision
// goes through these injected capabilities so tests can drive them
// deterministically.
package hostcap

import "context"

// Clock supplies the current time to the core.
type Clock interface {
	NowSeconds() float64
	NowMicros() int64
}

// RNG supplies uniform randomness for probabilistic throttle/drop
// decisions.
type RNG interface {
	// Float64 returns a value in [0, 1).
	Float64() float64
}

// TickScheduler lets the Batch Processor's cooperative-dispatch path
// yield back to the host instead of blocking a goroutine or a frame (the
// Replay System is paced by Tick and does not use it). Defer schedules fn to run on the next
// host tick; Yield suspends the caller until the next tick.
type TickScheduler interface {
	Defer(fn func())
	Yield(ctx context.Context) error
}

// Dispatcher invokes subscriber handlers for one event and reports
// success. The core only ever decides whether and when to dispatch; this
// capability is the host's actual invocation path.
type Dispatcher interface {
	DispatchSingle(ctx context.Context, subscriptionID string, payload map[string]any) (bool, error)
}

// Handler is the capability-based subscriber entry point. Invoke
// delivers one event payload; StillValid lets the owner's lifecycle
// invalidate the handler without the bus holding a strong reference to a
// dangling object.
type Handler interface {
	Invoke(ctx context.Context, payload map[string]any) error
	StillValid() bool
}

// OwnerHandle is a weak relation from a subscription to whatever created
// it, used only for lookup/diagnostics; the bus never owns the handler
// through this handle.
type OwnerHandle interface {
	OwnerID() string
}
