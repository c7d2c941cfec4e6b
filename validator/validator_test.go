package validator

import (
	"context"
	"errors"
	"testing"

	"github.com/coachpo/meltfeed/subscription"
)

type fakeResp struct {
	kind    string
	reqID   subscription.ID
	venueID subscription.ID
}

func classifyFake(r fakeResp) (Outcome, SubAck, error) {
	switch r.kind {
	case "preamble":
		return OutcomePreambleOK, SubAck{}, nil
	case "ok":
		return OutcomeSubOK, SubAck{RequestID: r.reqID, VenueID: r.venueID}, nil
	case "error":
		return OutcomeSubError, SubAck{}, errors.New("venue rejected subscription")
	case "holdover":
		return OutcomeHoldover, SubAck{}, nil
	default:
		return OutcomeIgnore, SubAck{}, nil
	}
}

func TestBitfinexStyleRekeyOnAck(t *testing.T) {
	m := subscription.NewInstrumentMap()
	m.Put(subscription.ID("trades|tBTCUSD"), subscription.Subscription{}, nil)

	ack := SubAck{RequestID: subscription.ID("trades|tBTCUSD"), VenueID: subscription.ID("2203")}
	outcome, gotAck, err := classifyFake(fakeResp{kind: "ok", reqID: ack.RequestID, venueID: ack.VenueID})
	if err != nil || outcome != OutcomeSubOK {
		t.Fatalf("classify = (%v, %v), want (OutcomeSubOK, nil)", outcome, err)
	}
	if gotAck.VenueID != "" && gotAck.VenueID != gotAck.RequestID {
		m.Rekey(gotAck.RequestID, gotAck.VenueID)
	}
	if _, ok := m.Get(subscription.ID("trades|tBTCUSD")); ok {
		t.Fatal("old key still present after rekey")
	}
	if _, ok := m.Get(subscription.ID("2203")); !ok {
		t.Fatal("new key not present after rekey")
	}
}

func TestClassifyFakeErrorOutcome(t *testing.T) {
	outcome, _, err := classifyFake(fakeResp{kind: "error"})
	if outcome != OutcomeSubError || err == nil {
		t.Fatalf("classify = (%v, %v), want (OutcomeSubError, non-nil)", outcome, err)
	}
}

func TestResultZeroExpected(t *testing.T) {
	m := subscription.NewInstrumentMap()
	res, err := runZeroExpected(m)
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if res.Map != m {
		t.Fatal("Run() with Expected<=0 should return the map unchanged")
	}
}

// runZeroExpected exercises the Expected<=0 short-circuit in Run without
// needing a live transport.Conn.
func runZeroExpected(m *subscription.InstrumentMap) (Result, error) {
	return Run(context.Background(), nil, Config[fakeResp]{Map: m})
}
