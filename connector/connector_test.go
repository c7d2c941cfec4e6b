package connector_test

import (
	"errors"
	"testing"

	"github.com/coachpo/meltfeed/connector"
	"github.com/coachpo/meltfeed/connector/fake"
	"github.com/coachpo/meltfeed/errs"
	"github.com/coachpo/meltfeed/event"
	"github.com/coachpo/meltfeed/subscription"
)

func TestBuildRejectsUnsupportedTripleAtConstruction(t *testing.T) {
	c := fake.New("fake_x", "ws://unused")

	// The fake venue accepts spot public trades only; a perpetual must be
	// rejected before any socket is dialed.
	subs := []subscription.Subscription{{
		Exchange:   "fake_x",
		Instrument: event.Instrument{Base: "BTC", Quote: "USD", Kind: event.KindPerpetual},
		Kind:       subscription.PublicTrades,
	}}

	_, _, err := connector.Build(c, subs)
	if err == nil {
		t.Fatal("expected unsupported subscription error")
	}
	var e *errs.E
	if !errors.As(err, &e) || e.Code != errs.CodeUnsupported {
		t.Fatalf("err = %v, want CodeUnsupported", err)
	}
}

func TestBuildRejectsMalformedSubscription(t *testing.T) {
	c := fake.New("fake_x", "ws://unused")

	subs := []subscription.Subscription{{
		Exchange:   "fake_x",
		Instrument: event.Instrument{Quote: "USD", Kind: event.KindSpot}, // no base
		Kind:       subscription.PublicTrades,
	}}

	_, _, err := connector.Build(c, subs)
	if err == nil {
		t.Fatal("expected validation error")
	}
	var e *errs.E
	if !errors.As(err, &e) || e.Code != errs.CodeInvalid {
		t.Fatalf("err = %v, want CodeInvalid", err)
	}
}

func TestBuildPassesSupportedBatchThrough(t *testing.T) {
	c := fake.New("fake_x", "ws://unused")

	subs := []subscription.Subscription{{
		Exchange:   "fake_x",
		Instrument: event.Instrument{Base: "BTC", Quote: "USD", Kind: event.KindSpot},
		Kind:       subscription.PublicTrades,
	}}

	msgs, exSubs, err := connector.Build(c, subs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(msgs) != 1 || len(exSubs) != 1 {
		t.Fatalf("msgs=%d exSubs=%d, want 1/1", len(msgs), len(exSubs))
	}
}
