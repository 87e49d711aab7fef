// Package replay implements the Replay System: a global ring buffer of
// every published event plus opt-in per-subscription buffers, and paced
// playback sessions for time-travel inspection.
package replay

import (
	"context"
	"fmt"
	"sync"

	"github.com/jacklau/eventbus/internal/busevent"
	"github.com/jacklau/eventbus/internal/hostcap"
)

const defaultMaxGlobalBufferSize = 50000

// State is a ReplaySession's lifecycle state: Running -> Paused <->
// Running -> Completed, or Stopped.
type State string

const (
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
)

// replayBuffer is a per-subscription bounded event sequence.
type replayBuffer struct {
	events  []busevent.Event
	maxSize int
}

// session is the in-progress state of one ReplaySession.
type session struct {
	id             string
	subscriptionID string
	startTs        float64
	endTs          float64
	filters        map[string]struct{}
	speed          float64
	position       int
	state          State

	filtered  []busevent.Event
	nextDueAt float64
}

// SessionStatus is a defensive-copy snapshot of one session.
type SessionStatus struct {
	ID             string
	SubscriptionID string
	Position       int
	Total          int
	Progress       float64
	State          State
}

// System is the Replay System.
type System struct {
	mu sync.Mutex

	clock      hostcap.Clock
	dispatcher hostcap.Dispatcher
	rng        hostcap.RNG
	idGen      func() string

	maxGlobalBufferSize int
	global              []busevent.Event

	subBuffers map[string]*replayBuffer
	sessions   map[string]*session
}

// Option configures a System at construction time.
type Option func(*System)

// WithMaxGlobalBufferSize overrides the default global ring size (50,000).
func WithMaxGlobalBufferSize(n int) Option {
	return func(s *System) { s.maxGlobalBufferSize = n }
}

// WithIDGenerator overrides the session-id generator; defaults to a
// current-time-plus-random-value id built from the host's injected
// clock and RNG.
func WithIDGenerator(fn func() string) Option {
	return func(s *System) { s.idGen = fn }
}

// New creates a System bound to clock, rng, and dispatcher. Session ids
// default to a string built from clock.NowSeconds() and rng.Float64(),
// so tests can seed a deterministic stream via the injected RNG instead
// of overriding WithIDGenerator.
func New(clock hostcap.Clock, rng hostcap.RNG, dispatcher hostcap.Dispatcher, opts ...Option) *System {
	s := &System{
		clock:               clock,
		dispatcher:          dispatcher,
		rng:                 rng,
		maxGlobalBufferSize: defaultMaxGlobalBufferSize,
		subBuffers:          make(map[string]*replayBuffer),
		sessions:            make(map[string]*session),
	}
	s.idGen = func() string {
		return fmt.Sprintf("%x-%x", int64(clock.NowSeconds()*1e6), int64(rng.Float64()*1e9))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnableReplay opts subscriptionID into replay buffering with maxSize
// capacity.
func (s *System) EnableReplay(subscriptionID string, maxSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subBuffers[subscriptionID] = &replayBuffer{maxSize: maxSize}
}

// DisableReplay removes subscriptionID's replay buffer.
func (s *System) DisableReplay(subscriptionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subBuffers, subscriptionID)
}

// AddEventToReplayBuffers appends event to the global ring buffer and to
// every subscription buffer with replay enabled.
func (s *System) AddEventToReplayBuffers(event busevent.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.global = append(s.global, event)
	if len(s.global) > s.maxGlobalBufferSize {
		s.global = s.global[len(s.global)-s.maxGlobalBufferSize:]
	}

	for _, buf := range s.subBuffers {
		buf.events = append(buf.events, event)
		if len(buf.events) > buf.maxSize {
			buf.events = buf.events[len(buf.events)-buf.maxSize:]
		}
	}
}

// GetEventsFromGlobalBuffer returns a defensive-copy slice of global
// buffer events within [start, end] whose name is in names (or all
// events if names is empty).
func (s *System) GetEventsFromGlobalBuffer(start, end float64, names []string) []busevent.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	filterSet := toSet(names)
	var out []busevent.Event
	for _, e := range s.global {
		if e.Timestamp < start || e.Timestamp > end {
			continue
		}
		if len(filterSet) > 0 {
			if _, ok := filterSet[e.Name]; !ok {
				continue
			}
		}
		out = append(out, e.Clone())
	}
	return out
}

// StartReplaySession begins a new paced playback of subscriptionID's
// replay buffer between [startTs, endTs], restricted to filters (empty =
// all names), at the given speed multiplier.
func (s *System) StartReplaySession(subscriptionID string, startTs, endTs float64, filters []string, speed float64) (string, error) {
	if speed <= 0 {
		return "", busevent.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.subBuffers[subscriptionID]
	if !ok {
		return "", busevent.ErrNotFound
	}

	filterSet := toSet(filters)
	var filtered []busevent.Event
	for _, e := range buf.events {
		if e.Timestamp < startTs || e.Timestamp > endTs {
			continue
		}
		if len(filterSet) > 0 {
			if _, ok := filterSet[e.Name]; !ok {
				continue
			}
		}
		filtered = append(filtered, e)
	}

	id := s.idGen()
	sess := &session{
		id:             id,
		subscriptionID: subscriptionID,
		startTs:        startTs,
		endTs:          endTs,
		filters:        filterSet,
		speed:          speed,
		state:          StateRunning,
		filtered:       filtered,
		nextDueAt:      s.clock.NowSeconds(),
	}
	s.sessions[id] = sess
	return id, nil
}

// PauseReplaySession pauses sessionID. Idempotent: pausing an already
// paused or completed session is a no-op.
func (s *System) PauseReplaySession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return busevent.ErrNotFound
	}
	if sess.state == StateRunning {
		sess.state = StatePaused
	}
	return nil
}

// ResumeReplaySession resumes a paused session. Idempotent: resuming a
// running or completed session is a no-op.
func (s *System) ResumeReplaySession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return busevent.ErrNotFound
	}
	if sess.state == StatePaused {
		sess.state = StateRunning
		sess.nextDueAt = s.clock.NowSeconds()
	}
	return nil
}

// StopReplaySession erases sessionID. Idempotent: stopping an
// already-stopped session is a no-op, not an error.
func (s *System) StopReplaySession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// Tick advances every running session whose pacing gap has elapsed,
// dispatching its next event through the injected Dispatcher and moving
// its position forward. Sessions past the end of their filtered list are
// marked Completed.
func (s *System) Tick(ctx context.Context) {
	s.mu.Lock()
	now := s.clock.NowSeconds()
	due := make([]*session, 0)
	for _, sess := range s.sessions {
		if sess.state != StateRunning {
			continue
		}
		if sess.position >= len(sess.filtered) {
			sess.state = StateCompleted
			continue
		}
		if now >= sess.nextDueAt {
			due = append(due, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range due {
		s.advanceOne(ctx, sess, now)
	}
}

func (s *System) advanceOne(ctx context.Context, sess *session, now float64) {
	s.mu.Lock()
	if sess.state != StateRunning || sess.position >= len(sess.filtered) {
		s.mu.Unlock()
		return
	}
	event := sess.filtered[sess.position].Clone()
	subID := sess.subscriptionID
	s.mu.Unlock()

	s.dispatcher.DispatchSingle(ctx, subID, event.Payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	sess.position++
	if sess.position < len(sess.filtered) {
		gap := (sess.filtered[sess.position].Timestamp - event.Timestamp) / sess.speed
		if gap < 0 {
			gap = 0
		}
		sess.nextDueAt = now + gap
	} else {
		sess.state = StateCompleted
	}
}

// SessionStatus returns a defensive-copy snapshot of sessionID's progress.
func (s *System) SessionStatus(sessionID string) (SessionStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return SessionStatus{}, false
	}
	total := len(sess.filtered)
	progress := 1.0
	if total > 0 {
		progress = float64(sess.position) / float64(total)
	}
	return SessionStatus{
		ID:             sess.id,
		SubscriptionID: sess.subscriptionID,
		Position:       sess.position,
		Total:          total,
		Progress:       progress,
		State:          sess.state,
	}, true
}

func toSet(names []string) map[string]struct{} {
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}
