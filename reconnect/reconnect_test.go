package reconnect

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffMonotonicityAndReset(t *testing.T) {
	policy := Policy{Initial: 10 * time.Millisecond, Multiplier: 2, Max: 100 * time.Millisecond, Jitter: 0}
	s := newState(policy)

	got := []time.Duration{s.next(), s.next(), s.next(), s.next()}
	want := []time.Duration{10, 20, 40, 80}
	for i, w := range want {
		if got[i] != w*time.Millisecond {
			t.Fatalf("step %d = %v, want %v", i, got[i], w*time.Millisecond)
		}
	}

	// Capped at Max.
	if next := s.next(); next != policy.Max {
		t.Fatalf("step after cap = %v, want %v", next, policy.Max)
	}

	s.reset()
	if next := s.next(); next != policy.Initial {
		t.Fatalf("after reset = %v, want %v", next, policy.Initial)
	}
}

type origin string

var errTerminal = errors.New("terminal")

func TestRunEmitsReconnectingAfterEstablishedStreamEnds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	attempt := 0
	initFn := func(ctx context.Context) (Inner[int], error) {
		attempt++
		items := make(chan Msg[int], 1)
		done := make(chan struct{})
		switch attempt {
		case 1:
			items <- Msg[int]{Value: 42}
			close(items)
			close(done)
		default:
			close(items)
			close(done)
		}
		return Inner[int]{Items: items, Done: done, IsTerminal: func(error) bool { return true }}, nil
	}

	out := make(chan Event[origin, Msg[int]], 8)
	go Run[origin, int](ctx, origin("ex"), Policy{Initial: time.Millisecond, Multiplier: 1, Max: time.Millisecond}, initFn, out)

	var got []Event[origin, Msg[int]]
	for ev := range out {
		got = append(got, ev)
		if len(got) >= 2 {
			cancel()
		}
	}

	if len(got) < 2 {
		t.Fatalf("got %d events, want at least 2", len(got))
	}
	if !got[0].IsItem() || got[0].Item().Value != 42 {
		t.Fatalf("first event = %+v, want Item(42)", got[0])
	}
	if !got[1].IsReconnecting() {
		t.Fatalf("second event = %+v, want Reconnecting", got[1])
	}
}

func TestRunRetriesOnInitFailureWithoutEmittingAnEvent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	calls := 0
	initFn := func(ctx context.Context) (Inner[int], error) {
		calls++
		if calls == 1 {
			return Inner[int]{}, errTerminal
		}
		cancel()
		items := make(chan Msg[int])
		done := make(chan struct{})
		close(items)
		close(done)
		return Inner[int]{Items: items, Done: done}, nil
	}

	out := make(chan Event[origin, Msg[int]], 4)
	Run[origin, int](ctx, origin("ex"), Policy{Initial: time.Millisecond, Multiplier: 1, Max: time.Millisecond}, initFn, out)

	var got []Event[origin, Msg[int]]
	for ev := range out {
		got = append(got, ev)
	}
	// The first attempt's failure is retried silently (no event); only once
	// a connection is actually established does ending it produce a
	// Reconnecting marker.
	if len(got) != 1 || !got[0].IsReconnecting() {
		t.Fatalf("got %+v, want exactly one Reconnecting event", got)
	}
	if calls < 2 {
		t.Fatalf("calls = %d, want at least 2 (one failure, one success)", calls)
	}
}
