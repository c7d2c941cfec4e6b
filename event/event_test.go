package event

import (
	"testing"

	"github.com/shopspring/decimal"
)

func lvl(price, amount string) *Level {
	return &Level{Price: decimal.RequireFromString(price), Amount: decimal.RequireFromString(amount)}
}

func TestOrderBookL1MidPrice(t *testing.T) {
	t.Run("empty book returns nil", func(t *testing.T) {
		var l1 OrderBookL1
		if mid := l1.MidPrice(); mid != nil {
			t.Fatalf("MidPrice() = %v, want nil", mid)
		}
		if vwap := l1.VolumeWeightedMidPrice(); vwap != nil {
			t.Fatalf("VolumeWeightedMidPrice() = %v, want nil", vwap)
		}
	})

	t.Run("bid only returns bid price", func(t *testing.T) {
		l1 := OrderBookL1{BestBid: lvl("100", "1")}
		mid := l1.MidPrice()
		if mid == nil || !mid.Equal(decimal.RequireFromString("100")) {
			t.Fatalf("MidPrice() = %v, want 100", mid)
		}
		if vwap := l1.VolumeWeightedMidPrice(); vwap != nil {
			t.Fatalf("VolumeWeightedMidPrice() = %v, want nil (needs both sides)", vwap)
		}
	})

	t.Run("ask only returns ask price", func(t *testing.T) {
		l1 := OrderBookL1{BestAsk: lvl("101", "1")}
		mid := l1.MidPrice()
		if mid == nil || !mid.Equal(decimal.RequireFromString("101")) {
			t.Fatalf("MidPrice() = %v, want 101", mid)
		}
	})

	t.Run("both sides averages", func(t *testing.T) {
		l1 := OrderBookL1{BestBid: lvl("100", "2"), BestAsk: lvl("102", "1")}
		mid := l1.MidPrice()
		if mid == nil || !mid.Equal(decimal.RequireFromString("101")) {
			t.Fatalf("MidPrice() = %v, want 101", mid)
		}
		vwap := l1.VolumeWeightedMidPrice()
		// (100*1 + 102*2) / (2+1) = 304/3
		want := decimal.RequireFromString("100").Mul(decimal.RequireFromString("1")).
			Add(decimal.RequireFromString("102").Mul(decimal.RequireFromString("2"))).
			Div(decimal.RequireFromString("3"))
		if vwap == nil || !vwap.Equal(want) {
			t.Fatalf("VolumeWeightedMidPrice() = %v, want %v", vwap, want)
		}
	})
}

func TestEraseRoundTrip(t *testing.T) {
	trade := TradeEvent{
		Exchange:   ExchangeBinanceSpot,
		Instrument: Instrument{Base: "BTC", Quote: "USDT", Kind: KindSpot},
		Kind: PublicTrade{
			ID:     "1",
			Price:  decimal.RequireFromString("50000"),
			Amount: decimal.RequireFromString("0.1"),
			Side:   SideBuy,
		},
	}
	any := EraseTrade(trade)
	if any.Kind.Trade == nil {
		t.Fatal("EraseTrade: Trade field is nil")
	}
	if !any.Kind.Trade.Price.Equal(trade.Kind.Price) {
		t.Fatalf("EraseTrade: price mismatch got %v want %v", any.Kind.Trade.Price, trade.Kind.Price)
	}
	if any.Kind.BookL1 != nil || any.Kind.Book != nil || any.Kind.Liquidation != nil || any.Kind.Candle != nil {
		t.Fatal("EraseTrade: non-trade fields should remain nil")
	}
}

func TestOrderBookEventIsKind(t *testing.T) {
	var _ Kind = OrderBookEvent{}
	book := BookEvent{
		Exchange: ExchangeKrakenFutures,
		Kind: OrderBookEvent{
			Sequence:   42,
			Bids:       []Level{{Price: decimal.RequireFromString("100"), Amount: decimal.RequireFromString("1")}},
			Asks:       []Level{{Price: decimal.RequireFromString("101"), Amount: decimal.RequireFromString("1")}},
			IsSnapshot: true,
		},
	}
	if !book.Kind.IsSnapshot {
		t.Fatal("expected snapshot flag to survive construction")
	}
	erased := EraseBook(book)
	if erased.Kind.Book == nil || erased.Kind.Book.Sequence != 42 {
		t.Fatal("EraseBook: sequence did not survive erasure")
	}
}
