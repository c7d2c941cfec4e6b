// Package reconnect wraps a stream initialiser in the Connecting ->
// Streaming -> Reconnecting state machine: exponential backoff with jitter,
// terminal-error classification, and a Reconnecting marker inserted into
// the output exactly once per reconnect cycle before the next Item. It is
// venue-agnostic, so the backoff/state-machine logic lives once instead of
// being duplicated per connector.
package reconnect

import (
	"context"
	"math/rand"
	"time"
)

// Policy is the backoff configuration. Every step is capped at Max — there
// is no uncapped growth path.
type Policy struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     time.Duration
}

// DefaultPolicy starts at one second and caps at thirty, the usual tuning
// for public market-data sockets.
func DefaultPolicy() Policy {
	return Policy{Initial: time.Second, Multiplier: 2, Max: 30 * time.Second, Jitter: 250 * time.Millisecond}
}

// state tracks the live backoff counter for one exchange's reconnect loop.
type state struct {
	policy  Policy
	current time.Duration
}

func newState(p Policy) *state {
	return &state{policy: p, current: p.Initial}
}

// next returns the duration to sleep before the next connect attempt, then
// advances current for the following failure. Jitter is U(0, Jitter).
func (s *state) next() time.Duration {
	sleep := s.current
	if s.policy.Jitter > 0 {
		sleep += time.Duration(rand.Int63n(int64(s.policy.Jitter) + 1))
	}
	s.current = time.Duration(float64(s.current) * s.policy.Multiplier)
	if s.current > s.policy.Max {
		s.current = s.policy.Max
	}
	return sleep
}

// reset restores current to Initial after a successful connect.
func (s *state) reset() {
	s.current = s.policy.Initial
}

// Origin identifies what a Reconnecting marker is about (the exchange that
// disconnected).
type Origin any

// Event is the transport-level wrapper seen by consumers of a reconnecting
// stream: either a normal item, or a marker that a reconnect cycle just
// occurred for Origin. The zero value is never meaningful; construct with
// ItemEvent or ReconnectingEvent.
type Event[O Origin, T any] struct {
	item        T
	origin      O
	isItem      bool
	isReconnect bool
}

// ItemEvent wraps a produced value.
func ItemEvent[O Origin, T any](v T) Event[O, T] {
	return Event[O, T]{item: v, isItem: true}
}

// ReconnectingEvent wraps a reconnect marker for origin.
func ReconnectingEvent[O Origin, T any](origin O) Event[O, T] {
	return Event[O, T]{origin: origin, isReconnect: true}
}

// IsItem reports whether this event carries a produced value.
func (e Event[O, T]) IsItem() bool { return e.isItem }

// IsReconnecting reports whether this event is a reconnect marker.
func (e Event[O, T]) IsReconnecting() bool { return e.isReconnect }

// Item returns the carried value; valid only when IsItem() is true.
func (e Event[O, T]) Item() T { return e.item }

// Origin returns the reconnect marker's origin; valid only when
// IsReconnecting() is true.
func (e Event[O, T]) Origin() O { return e.origin }

// Msg is either a produced value or a non-terminal error observed while
// producing one; consumers see recoverable decode failures inline without
// the stream tearing down.
type Msg[T any] struct {
	Value T
	Err   error
}

// Inner is the per-connection stream a connector constructs: a channel of
// produced messages (possibly themselves errors, surfaced as non-terminal)
// and a done channel closed when the inner stream ends (socket closed, EOF).
// IsTerminal classifies an error observed on Items as requiring a full
// tear-down (true) or a recoverable decode error to surface and continue
// (false).
type Inner[T any] struct {
	Items      <-chan Msg[T]
	Done       <-chan struct{}
	IsTerminal func(error) bool
}

// InitFunc opens one inner stream attempt. A non-nil error means the
// connect attempt itself failed (dial, validator, snapshot) and backoff
// should apply before retrying.
type InitFunc[T any] func(ctx context.Context) (Inner[T], error)

// Run drives the Connecting -> Streaming -> Reconnecting state machine for
// one exchange, writing Events to out until ctx is cancelled. out is closed
// when Run returns.
func Run[O Origin, T any](ctx context.Context, origin O, policy Policy, initFn InitFunc[T], out chan<- Event[O, Msg[T]]) {
	defer close(out)

	bo := newState(policy)

	for {
		if ctx.Err() != nil {
			return
		}

		inner, err := initFn(ctx)
		if err != nil {
			sleep := bo.next()
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
				continue
			}
		}
		bo.reset()

		// The Reconnecting marker below is produced exactly once per
		// cycle, before the next Item, and only after a stream that was
		// actually established breaks — never before the first connect.
	stream:
		for {
			select {
			case <-ctx.Done():
				return
			case res, ok := <-inner.Items:
				if !ok {
					break stream
				}
				if res.Err != nil && inner.IsTerminal != nil && inner.IsTerminal(res.Err) {
					break stream
				}
				select {
				case out <- ItemEvent[O, Msg[T]](res):
				case <-ctx.Done():
					return
				}
			case <-inner.Done:
				// The inner stream has ended, but its item queue may still
				// hold a tail of produced events. Stop selecting on Done and
				// keep draining Items until it closes, so no event produced
				// before the disconnect is dropped or reordered past the
				// Reconnecting marker.
				inner.Done = nil
			}
		}

		select {
		case out <- ReconnectingEvent[O, Msg[T]](origin):
		case <-ctx.Done():
			return
		}
	}
}
