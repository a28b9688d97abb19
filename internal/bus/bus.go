package bus

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned by Publish on a closed session. Publishing into a
// closed session is a caller bug; it must surface, not silently drop.
var ErrClosed = errors.New("bus: session closed")

const (
	// defaultReplayCap bounds the per-session replay buffer.
	defaultReplayCap = 256
	// defaultSubBuffer is the per-subscriber channel depth. A subscriber
	// that falls this far behind is cancelled rather than blocking the
	// publisher.
	defaultSubBuffer = 64
)

// Bus fans session lifecycle events out to subscribers, assigning each
// session a strictly increasing sequence. Delivery order to every
// subscriber equals publish order; cross-session ordering is unspecified.
type Bus struct {
	mu        sync.Mutex
	sessions  map[string]*session
	replayCap int
	logger    *zap.Logger
}

type session struct {
	nextSeq uint64
	replay  []Event
	subs    map[*Subscription]struct{}
	closed  bool
}

// Subscription is one observer's ordered view of a session stream. The
// channel closes when the session closes, the subscription is cancelled,
// or the subscriber lags too far behind.
type Subscription struct {
	ch     chan Event
	bus    *Bus
	sessID string
	done   bool
	lagged bool
}

// Option configures a subscription.
type Option func(*subOptions)

type subOptions struct {
	fromSeq uint64
	buffer  int
}

// FromSeq requests replay of buffered events with sequence >= seq before
// live delivery. Events older than the replay buffer are gone; the
// subscriber gets what the buffer still holds, in order.
func FromSeq(seq uint64) Option {
	return func(o *subOptions) { o.fromSeq = seq }
}

// WithBuffer overrides the subscriber channel depth.
func WithBuffer(n int) Option {
	return func(o *subOptions) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// New creates an event bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		sessions:  make(map[string]*session),
		replayCap: defaultReplayCap,
		logger:    logger,
	}
}

func (b *Bus) session(id string) *session {
	s, ok := b.sessions[id]
	if !ok {
		s = &session{nextSeq: 1, subs: make(map[*Subscription]struct{})}
		b.sessions[id] = s
	}
	return s
}

// Publish assigns the next sequence number for the session and fans the
// event out to all current subscribers. The event's SessionID, Seq, and
// Timestamp fields are set here.
func (b *Bus) Publish(sessionID string, ev Event) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.session(sessionID)
	if s.closed {
		return 0, ErrClosed
	}

	ev.SessionID = sessionID
	ev.Seq = s.nextSeq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.nextSeq++

	s.replay = append(s.replay, ev)
	if len(s.replay) > b.replayCap {
		s.replay = s.replay[len(s.replay)-b.replayCap:]
	}

	for sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			// Slow observer: cut it loose instead of stalling the session.
			b.logger.Warn("dropping lagging subscriber",
				zap.String("session", sessionID), zap.Uint64("seq", ev.Seq))
			sub.lagged = true
			sub.done = true
			delete(s.subs, sub)
			close(sub.ch)
		}
	}
	return ev.Seq, nil
}

// Subscribe attaches an observer to the session. Without FromSeq the
// observer only sees events published after it joins. Subscribing to a
// closed session yields any requested replay followed by channel close.
func (b *Bus) Subscribe(sessionID string, opts ...Option) *Subscription {
	o := subOptions{buffer: defaultSubBuffer}
	for _, opt := range opts {
		opt(&o)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.session(sessionID)

	var replay []Event
	if o.fromSeq > 0 {
		for _, ev := range s.replay {
			if ev.Seq >= o.fromSeq {
				replay = append(replay, ev)
			}
		}
	}

	buffer := o.buffer
	if buffer < len(replay) {
		buffer = len(replay) + o.buffer
	}
	sub := &Subscription{
		ch:     make(chan Event, buffer),
		bus:    b,
		sessID: sessionID,
	}
	for _, ev := range replay {
		sub.ch <- ev
	}

	if s.closed {
		sub.done = true
		close(sub.ch)
		return sub
	}
	s.subs[sub] = struct{}{}
	return sub
}

// Close ends the session stream: every subscriber's channel is closed as
// the terminal marker and later Publish calls fail with ErrClosed. The
// replay buffer stays readable for late FromSeq subscribers.
func (b *Bus) Close(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.session(sessionID)
	if s.closed {
		return
	}
	s.closed = true
	for sub := range s.subs {
		sub.done = true
		delete(s.subs, sub)
		close(sub.ch)
	}
}

// LastEvent returns the most recent event published to the session, used
// to derive the busy indicator.
func (b *Bus) LastEvent(sessionID string) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok || len(s.replay) == 0 {
		return Event{}, false
	}
	return s.replay[len(s.replay)-1], true
}

// C is the subscriber's ordered event channel. It closes when the session
// closes or the subscription ends.
func (sub *Subscription) C() <-chan Event {
	return sub.ch
}

// Lagged reports whether the subscription was cancelled for falling
// behind.
func (sub *Subscription) Lagged() bool {
	sub.bus.mu.Lock()
	defer sub.bus.mu.Unlock()
	return sub.lagged
}

// Cancel detaches the subscription and closes its channel. Safe to call
// more than once.
func (sub *Subscription) Cancel() {
	sub.bus.mu.Lock()
	defer sub.bus.mu.Unlock()

	if sub.done {
		return
	}
	sub.done = true
	if s, ok := sub.bus.sessions[sub.sessID]; ok {
		delete(s.subs, sub)
	}
	close(sub.ch)
}
