package bitfinex

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltfeed/event"
	"github.com/coachpo/meltfeed/subscription"
	"github.com/coachpo/meltfeed/validator"
)

func spotInstrument() event.Instrument {
	return event.Instrument{Base: "BTC", Quote: "USD", Kind: event.KindSpot}
}

func rekeyedMap(venueID subscription.ID, kind subscription.Kind) *subscription.InstrumentMap {
	m := subscription.NewInstrumentMap()
	m.Put(venueID, subscription.Subscription{Exchange: event.ExchangeBitfinex, Instrument: spotInstrument(), Kind: kind}, nil)
	return m
}

func TestDecodeDistinguishesEventsFromArrayFrames(t *testing.T) {
	c := New()

	resp, err := c.Decode([]byte(`{"event":"info","version":2,"platform":{"status":1}}`))
	if err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if resp.Event != "info" || resp.Array != nil {
		t.Fatalf("unexpected info response: %+v", resp)
	}

	resp, err = c.Decode([]byte(`[2203,"hb"]`))
	if err != nil {
		t.Fatalf("decode array: %v", err)
	}
	if resp.Array == nil {
		t.Fatal("expected raw array passthrough")
	}
}

// The subscribed ack's numeric chanId replaces the request-time key in the
// instrument map, so later array frames resolve by chanId alone.
func TestClassifyRekeysOntoNumericChannelID(t *testing.T) {
	outcome, ack, err := Classify(Response{Event: "subscribed", Channel: "trades", ChanID: 2203, Symbol: "tBTCUSD"})
	if err != nil || outcome != validator.OutcomeSubOK {
		t.Fatalf("ack: outcome=%v err=%v", outcome, err)
	}
	if ack.RequestID != "trades|tBTCUSD" {
		t.Fatalf("request id = %q", ack.RequestID)
	}
	if ack.VenueID != "2203" {
		t.Fatalf("venue id = %q", ack.VenueID)
	}

	m := subscription.NewInstrumentMap()
	sub := subscription.Subscription{Exchange: event.ExchangeBitfinex, Instrument: spotInstrument(), Kind: subscription.PublicTrades}
	m.Put(ack.RequestID, sub, nil)
	if !m.Rekey(ack.RequestID, ack.VenueID) {
		t.Fatal("rekey failed")
	}
	if _, ok := m.Get("trades|tBTCUSD"); ok {
		t.Fatal("old key still present after rekey")
	}
	entry, ok := m.Get("2203")
	if !ok || entry.Sub.Instrument.Base != "BTC" {
		t.Fatalf("entry not reachable under venue id: %+v ok=%v", entry, ok)
	}
}

func TestClassifyInfoPreambleAndError(t *testing.T) {
	outcome, _, err := Classify(Response{Event: "info"})
	if err != nil || outcome != validator.OutcomePreambleOK {
		t.Fatalf("info: outcome=%v err=%v", outcome, err)
	}

	outcome, _, err = Classify(Response{Event: "error", Code: 10300, Msg: "subscription failed"})
	if err == nil || outcome != validator.OutcomeSubError {
		t.Fatalf("error: outcome=%v err=%v", outcome, err)
	}
}

func TestExpectedResponsesCountsPlatformInfo(t *testing.T) {
	m := rekeyedMap("2203", subscription.PublicTrades)
	if got := New().ExpectedResponses(m); got != 2 {
		t.Fatalf("expected map.Len()+1, got %d", got)
	}
}

func TestHandlerParsesTradeExecution(t *testing.T) {
	m := rekeyedMap("2203", subscription.PublicTrades)
	handler, err := NewHandler(m, nil, nil)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	events, err := handler([]byte(`[2203,"te",[401597395,1574694478808,0.005,7245.3]]`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	trade := events[0].Kind.Trade
	if trade == nil || trade.ID != "401597395" || trade.Side != event.SideBuy {
		t.Fatalf("unexpected trade: %+v", trade)
	}
	if !trade.Amount.Equal(decimal.RequireFromString("0.005")) {
		t.Fatalf("amount = %s", trade.Amount)
	}
	if !events[0].TimeExchange.Equal(time.UnixMilli(1574694478808)) {
		t.Fatalf("time_exchange = %v", events[0].TimeExchange)
	}

	// A sell prints with negative amount, normalised to positive + sell side.
	events, err = handler([]byte(`[2203,"te",[401597396,1574694478900,-0.25,7245.1]]`))
	if err != nil || len(events) != 1 {
		t.Fatalf("sell trade: events=%v err=%v", events, err)
	}
	if events[0].Kind.Trade.Side != event.SideSell || !events[0].Kind.Trade.Amount.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("unexpected sell trade: %+v", events[0].Kind.Trade)
	}
}

func TestHandlerHeartbeatAndUnknownChannelDropped(t *testing.T) {
	m := rekeyedMap("2203", subscription.PublicTrades)
	handler, err := NewHandler(m, nil, nil)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	if events, err := handler([]byte(`[2203,"hb"]`)); err != nil || len(events) != 0 {
		t.Fatalf("heartbeat: events=%v err=%v", events, err)
	}
	if events, err := handler([]byte(`[9999,"te",[1,2,0.1,100]]`)); err != nil || len(events) != 0 {
		t.Fatalf("unknown channel: events=%v err=%v", events, err)
	}
}

func TestHandlerBookSnapshotThenUpdates(t *testing.T) {
	m := rekeyedMap("17470", subscription.OrderBooksL2)
	handler, err := NewHandler(m, nil, nil)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	snap := []byte(`[17470,[[7254.7,3,3.3],[7254.6,1,0.4],[7254.9,2,-1.5]]]`)
	events, err := handler(snap)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(events) != 1 || events[0].Kind.Book == nil || !events[0].Kind.Book.IsSnapshot {
		t.Fatalf("expected snapshot book event, got %v", events)
	}
	book := events[0].Kind.Book
	if len(book.Bids) != 2 || len(book.Asks) != 1 {
		t.Fatalf("sides = %d bids / %d asks", len(book.Bids), len(book.Asks))
	}
	if !book.Bids[0].Price.Equal(decimal.RequireFromString("7254.7")) {
		t.Fatalf("best bid = %s", book.Bids[0].Price)
	}

	// count == 0, amount == 1: remove the bid at that price.
	events, err = handler([]byte(`[17470,[7254.6,0,1]]`))
	if err != nil {
		t.Fatalf("remove update: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 book event, got %d", len(events))
	}
	book = events[0].Kind.Book
	if len(book.Bids) != 1 || !book.Bids[0].Price.Equal(decimal.RequireFromString("7254.7")) {
		t.Fatalf("bids after removal: %v", book.Bids)
	}

	// count > 0, negative amount: upsert on the ask side.
	events, err = handler([]byte(`[17470,[7255.1,1,-2]]`))
	if err != nil || len(events) != 1 {
		t.Fatalf("ask upsert: events=%v err=%v", events, err)
	}
	book = events[0].Kind.Book
	if len(book.Asks) != 2 || !book.Asks[1].Price.Equal(decimal.RequireFromString("7255.1")) {
		t.Fatalf("asks after upsert: %v", book.Asks)
	}
}

func TestBuildRequestsOneFramePerPair(t *testing.T) {
	c := New()
	subs := []subscription.Subscription{
		{Exchange: event.ExchangeBitfinex, Instrument: spotInstrument(), Kind: subscription.PublicTrades},
		{Exchange: event.ExchangeBitfinex, Instrument: spotInstrument(), Kind: subscription.OrderBooksL2},
	}
	msgs, exSubs, err := c.BuildRequests(subs)
	if err != nil {
		t.Fatalf("BuildRequests: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(msgs))
	}
	if string(msgs[0].Data) != `{"event":"subscribe","channel":"trades","symbol":"tBTCUSD"}` {
		t.Fatalf("frame = %s", msgs[0].Data)
	}
	if exSubs[0].ID() != "trades|tBTCUSD" {
		t.Fatalf("id = %q", exSubs[0].ID())
	}
}
