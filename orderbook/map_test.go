package orderbook

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltfeed/event"
)

func bookEventWithSeq(seq uint64) event.OrderBookEvent {
	return event.OrderBookEvent{
		Sequence: seq,
		Bids:     []event.Level{{Price: decimal.NewFromInt(100), Amount: decimal.NewFromInt(1)}},
	}
}

func TestMapSetGetAcrossCopies(t *testing.T) {
	m := NewMap()
	instr := event.Instrument{Base: "BTC", Quote: "USD", Kind: event.KindSpot}

	m.Set(event.ExchangeBinanceSpot, instr, bookEventWithSeq(7))

	// A copy of the Map value shares the same backing shards.
	copied := m
	got, ok := copied.Get(event.ExchangeBinanceSpot, instr)
	if !ok || got.Sequence != 7 {
		t.Fatalf("Get = (%+v, %v), want sequence 7", got, ok)
	}

	if _, ok := m.Get(event.ExchangeBybit, instr); ok {
		t.Fatal("unset exchange must not resolve")
	}
}

func TestMapSetOverwritesLatest(t *testing.T) {
	m := NewMap()
	instr := event.Instrument{Base: "ETH", Quote: "USD", Kind: event.KindSpot}

	m.Set(event.ExchangeOKX, instr, bookEventWithSeq(1))
	m.Set(event.ExchangeOKX, instr, bookEventWithSeq(2))

	got, ok := m.Get(event.ExchangeOKX, instr)
	if !ok || got.Sequence != 2 {
		t.Fatalf("Get = (%+v, %v), want latest sequence 2", got, ok)
	}
}

func TestMapPurgeDropsOnlyThatExchange(t *testing.T) {
	m := NewMap()
	instr := event.Instrument{Base: "BTC", Quote: "USD", Kind: event.KindSpot}
	other := event.Instrument{Base: "ETH", Quote: "USD", Kind: event.KindSpot}

	m.Set(event.ExchangeBinanceSpot, instr, bookEventWithSeq(1))
	m.Set(event.ExchangeBinanceSpot, other, bookEventWithSeq(2))
	m.Set(event.ExchangeBybit, instr, bookEventWithSeq(3))

	m.Purge(event.ExchangeBinanceSpot)

	if _, ok := m.Get(event.ExchangeBinanceSpot, instr); ok {
		t.Fatal("purged entry still present")
	}
	if _, ok := m.Get(event.ExchangeBinanceSpot, other); ok {
		t.Fatal("purged entry still present")
	}
	if got, ok := m.Get(event.ExchangeBybit, instr); !ok || got.Sequence != 3 {
		t.Fatal("other exchange must survive the purge")
	}
}
