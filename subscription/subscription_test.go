package subscription

import (
	"testing"

	"github.com/coachpo/meltfeed/event"
)

func TestSubscriptionValidate(t *testing.T) {
	ok := Subscription{
		Exchange:   event.ExchangeBinanceSpot,
		Instrument: event.Instrument{Base: "ETH", Quote: "USDT", Kind: event.KindSpot},
		Kind:       PublicTrades,
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	missingExchange := ok
	missingExchange.Exchange = ""
	if err := missingExchange.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for missing exchange")
	}

	badKind := ok
	badKind.Kind = "bogus"
	if err := badKind.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for unrecognised channel kind")
	}
}

func TestExchangeSubID(t *testing.T) {
	sub := ExchangeSub{Channel: "@trade", Market: "ETHUSDT"}
	if got, want := sub.ID(), ID("@trade|ETHUSDT"); got != want {
		t.Fatalf("ID() = %q, want %q", got, want)
	}
}

func TestInstrumentMapRekey(t *testing.T) {
	m := NewInstrumentMap()
	sub := Subscription{
		Exchange:   event.ExchangeBitfinex,
		Instrument: event.Instrument{Base: "BTC", Quote: "USD", Kind: event.KindSpot},
		Kind:       PublicTrades,
	}
	oldID := ID("trades|tBTCUSD")
	m.Put(oldID, sub, nil)
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", m.Len())
	}

	if !m.Rekey(oldID, ID("2203")) {
		t.Fatal("Rekey() = false, want true")
	}
	if _, ok := m.Get(oldID); ok {
		t.Fatal("Get(oldID) found an entry after rekey, want absent")
	}
	entry, ok := m.Get(ID("2203"))
	if !ok {
		t.Fatal("Get(newID) = not found, want present")
	}
	if entry.Sub.Instrument.Base != "BTC" {
		t.Fatalf("Get(newID).Sub.Instrument.Base = %q, want BTC", entry.Sub.Instrument.Base)
	}

	if m.Rekey(ID("nonexistent"), ID("x")) {
		t.Fatal("Rekey() on missing id = true, want false")
	}
}

func TestInstrumentMapGetMissing(t *testing.T) {
	m := NewInstrumentMap()
	if _, ok := m.Get(ID("missing")); ok {
		t.Fatal("Get() on empty map = found, want absent")
	}
}
