package ingestconfig

import (
	"testing"
	"time"

	"github.com/coachpo/meltfeed/event"
	"github.com/coachpo/meltfeed/subscription"
)

const sample = `
subscriptions:
  - exchange: binance_spot
    instrument:
      base: BTC
      quote: USDT
      kind: spot
    channel: public_trades
  - exchange: binance_spot
    instrument:
      base: ETH
      quote: USDT
      kind: spot
    channel: order_books_l2
  - exchange: bybit_spot
    instrument:
      base: BTC
      quote: USDT
      kind: spot
    channel: public_trades
reconnect:
  initial_ms: 500
  multiplier: 1.5
  max_ms: 20000
  jitter_ms: 100
`

func TestParseGroupsSubscriptionsByExchange(t *testing.T) {
	batch, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if len(batch.ByExchange[event.ExchangeBinanceSpot]) != 2 {
		t.Fatalf("expected 2 binance subscriptions, got %d", len(batch.ByExchange[event.ExchangeBinanceSpot]))
	}
	if len(batch.ByExchange[event.ExchangeBybit]) != 1 {
		t.Fatalf("expected 1 bybit subscription, got %d", len(batch.ByExchange[event.ExchangeBybit]))
	}

	want := subscription.OrderBooksL2
	if batch.ByExchange[event.ExchangeBinanceSpot][1].Kind != want {
		t.Fatalf("expected second binance sub to be %s", want)
	}
}

func TestParseReconnectPolicyOverride(t *testing.T) {
	batch, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if batch.Policy.Initial != 500*time.Millisecond {
		t.Fatalf("initial = %v, want 500ms", batch.Policy.Initial)
	}
	if batch.Policy.Max != 20*time.Second {
		t.Fatalf("max = %v, want 20s", batch.Policy.Max)
	}
}

func TestParseRejectsInvalidSubscription(t *testing.T) {
	bad := `
subscriptions:
  - exchange: ""
    instrument:
      base: BTC
      quote: USDT
      kind: spot
    channel: public_trades
`
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatal("expected validation error for missing exchange id")
	}
}

func TestParseDefaultsPolicyWhenAbsent(t *testing.T) {
	noPolicy := `
subscriptions:
  - exchange: binance_spot
    instrument:
      base: BTC
      quote: USDT
      kind: spot
    channel: public_trades
`
	batch, err := Parse([]byte(noPolicy))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if batch.Policy.Initial != time.Second {
		t.Fatalf("expected default policy, got initial=%v", batch.Policy.Initial)
	}
}
