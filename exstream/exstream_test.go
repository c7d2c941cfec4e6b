package exstream

import (
	"errors"
	"testing"

	"github.com/coachpo/meltfeed/errs"
	"github.com/coachpo/meltfeed/event"
	"github.com/coachpo/meltfeed/subscription"
)

func TestDefaultIsTerminalClassifiesByCode(t *testing.T) {
	cases := []struct {
		code Code
		want bool
	}{
		{errs.CodeSubscribe, true},
		{errs.CodeSocket, true},
		{errs.CodeInitialSnapshot, true},
		{errs.CodeSequence, true},
		{errs.CodeDeserialise, false},
		{errs.CodeUnidentifiable, false},
	}
	for _, tc := range cases {
		err := errs.New("test", tc.code)
		if got := DefaultIsTerminal(err); got != tc.want {
			t.Errorf("code=%s: got terminal=%v, want %v", tc.code, got, tc.want)
		}
	}
}

type Code = errs.Code

func TestDefaultIsTerminalUnclassifiedErrorIsTerminal(t *testing.T) {
	if !DefaultIsTerminal(errors.New("boom")) {
		t.Fatal("expected an unclassified error to be treated as terminal")
	}
}

func TestL2RequestsFiltersToOrderBooksL2(t *testing.T) {
	m := subscription.NewInstrumentMap()
	m.Put("trades|BTCUSDT", subscription.Subscription{
		Exchange: event.ExchangeBinanceSpot,
		Kind:     subscription.PublicTrades,
	}, nil)
	m.Put("depth|BTCUSDT", subscription.Subscription{
		Exchange: event.ExchangeBinanceSpot,
		Kind:     subscription.OrderBooksL2,
	}, nil)

	reqs := l2Requests(m)
	if len(reqs) != 1 {
		t.Fatalf("expected exactly one L2 request, got %d", len(reqs))
	}
	if reqs[0].ID != "depth|BTCUSDT" {
		t.Fatalf("unexpected request id %q", reqs[0].ID)
	}
}
