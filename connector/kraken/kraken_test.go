package kraken

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltfeed/event"
	"github.com/coachpo/meltfeed/subscription"
	"github.com/coachpo/meltfeed/validator"
)

func perpInstrument() event.Instrument {
	return event.Instrument{Base: "BTC", Quote: "USD", Kind: event.KindPerpetual}
}

func newMap(id subscription.ID, kind subscription.Kind) *subscription.InstrumentMap {
	m := subscription.NewInstrumentMap()
	m.Put(id, subscription.Subscription{Exchange: event.ExchangeKrakenFutures, Instrument: perpInstrument(), Kind: kind}, nil)
	return m
}

func TestProductIDUsesXBT(t *testing.T) {
	if got := productID(perpInstrument()); got != "PI_XBTUSD" {
		t.Fatalf("product id = %q", got)
	}
	eth := event.Instrument{Base: "ETH", Quote: "USD", Kind: event.KindPerpetual}
	if got := productID(eth); got != "PI_ETHUSD" {
		t.Fatalf("product id = %q", got)
	}
}

func TestBuildRequestsOneFramePerFeedProduct(t *testing.T) {
	c := New()
	subs := []subscription.Subscription{
		{Exchange: event.ExchangeKrakenFutures, Instrument: perpInstrument(), Kind: subscription.PublicTrades},
		{Exchange: event.ExchangeKrakenFutures, Instrument: perpInstrument(), Kind: subscription.OrderBooksL2},
	}
	msgs, exSubs, err := c.BuildRequests(subs)
	if err != nil {
		t.Fatalf("BuildRequests: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected one frame per pair, got %d", len(msgs))
	}
	if string(msgs[0].Data) != `{"event":"subscribe","feed":"trade","product_ids":["PI_XBTUSD"]}` {
		t.Fatalf("frame = %s", msgs[0].Data)
	}
	if exSubs[1].ID() != "book|PI_XBTUSD" {
		t.Fatalf("unexpected id %q", exSubs[1].ID())
	}
}

func TestExpectedResponsesCountsInfoPreamble(t *testing.T) {
	m := newMap("trade|PI_XBTUSD", subscription.PublicTrades)
	if got := New().ExpectedResponses(m); got != 2 {
		t.Fatalf("expected map.Len()+1 responses, got %d", got)
	}
}

func TestClassifyPreambleAckAndHeartbeat(t *testing.T) {
	outcome, _, err := Classify(Response{Event: "info", Version: 1})
	if err != nil || outcome != validator.OutcomePreambleOK {
		t.Fatalf("info: outcome=%v err=%v", outcome, err)
	}

	outcome, _, err = Classify(Response{Event: "subscribed", Feed: "trade", ProductIDs: []string{"PI_XBTUSD"}})
	if err != nil || outcome != validator.OutcomeSubOK {
		t.Fatalf("subscribed: outcome=%v err=%v", outcome, err)
	}

	outcome, _, _ = Classify(Response{Feed: "heartbeat"})
	if outcome != validator.OutcomeIgnore {
		t.Fatalf("heartbeat: outcome=%v", outcome)
	}

	outcome, _, _ = Classify(Response{Feed: "trade", ProductID: "PI_XBTUSD"})
	if outcome != validator.OutcomeHoldover {
		t.Fatalf("early data: outcome=%v", outcome)
	}

	outcome, _, err = Classify(Response{Event: "error", Message: "Invalid product id"})
	if err == nil || outcome != validator.OutcomeSubError {
		t.Fatalf("error: outcome=%v err=%v", outcome, err)
	}
}

func TestHandlerParsesTradeFrame(t *testing.T) {
	m := newMap("trade|PI_XBTUSD", subscription.PublicTrades)
	handler, err := NewHandler(m, nil, nil)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	raw := []byte(`{"feed":"trade","product_id":"PI_XBTUSD","uid":"45ee9737","side":"buy","type":"fill","seq":653355,"time":1612269657781,"qty":440,"price":34893}`)
	events, err := handler(raw)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	trade := events[0].Kind.Trade
	if trade == nil || trade.ID != "45ee9737" || trade.Side != event.SideBuy {
		t.Fatalf("unexpected trade: %+v", trade)
	}
	if !trade.Price.Equal(decimal.NewFromInt(34893)) {
		t.Fatalf("price = %s", trade.Price)
	}
	if !events[0].TimeExchange.Equal(time.UnixMilli(1612269657781)) {
		t.Fatalf("time_exchange = %v", events[0].TimeExchange)
	}
}

func TestHandlerBookSeqDiscipline(t *testing.T) {
	m := newMap("book|PI_XBTUSD", subscription.OrderBooksL2)
	handler, err := NewHandler(m, nil, nil)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	snap := []byte(`{"feed":"book_snapshot","product_id":"PI_XBTUSD","timestamp":1612269825817,"seq":326072249,` +
		`"bids":[{"price":34892.5,"qty":6385},{"price":34892,"qty":10000}],"asks":[{"price":34911.5,"qty":20344}]}`)
	events, err := handler(snap)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(events) != 1 || events[0].Kind.Book == nil || !events[0].Kind.Book.IsSnapshot {
		t.Fatalf("expected snapshot book event, got %v", events)
	}

	// Stale delta (seq <= snapshot seq) is silently dropped.
	stale := []byte(`{"feed":"book","product_id":"PI_XBTUSD","side":"sell","seq":326072249,"price":34911.5,"qty":0,"timestamp":1612269825822}`)
	events, err = handler(stale)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected stale delta dropped, got events=%v err=%v", events, err)
	}

	// Fresh delta advances and removes the zeroed ask.
	fresh := []byte(`{"feed":"book","product_id":"PI_XBTUSD","side":"sell","seq":326072250,"price":34911.5,"qty":0,"timestamp":1612269825826}`)
	events, err = handler(fresh)
	if err != nil {
		t.Fatalf("fresh delta: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 book event, got %d", len(events))
	}
	if len(events[0].Kind.Book.Asks) != 0 {
		t.Fatalf("expected ask removed, got %v", events[0].Kind.Book.Asks)
	}
	if len(events[0].Kind.Book.Bids) != 2 {
		t.Fatalf("expected bids intact, got %v", events[0].Kind.Book.Bids)
	}
}
