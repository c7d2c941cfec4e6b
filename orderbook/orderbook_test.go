package orderbook

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltfeed/event"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func lvl(price, amount string) event.Level {
	return event.Level{Price: d(price), Amount: d(amount)}
}

func levelPrices(levels []event.Level) []string {
	out := make([]string, len(levels))
	for i, l := range levels {
		out[i] = l.Price.String()
	}
	return out
}

func assertPrices(t *testing.T, got []event.Level, want []string) {
	t.Helper()
	gotStrs := levelPrices(got)
	if len(gotStrs) != len(want) {
		t.Fatalf("len = %d, want %d (%v vs %v)", len(gotStrs), len(want), gotStrs, want)
	}
	for i := range want {
		if gotStrs[i] != want[i] {
			t.Fatalf("prices = %v, want %v", gotStrs, want)
		}
	}
}

func TestSideUpsertSemantics(t *testing.T) {
	// bids [(100,1),(99,2),(98,3)], apply [(99,0),(97,1)], expect
	// [(100,1),(98,3),(97,1)] still strictly descending.
	bids := NewSide(true)
	bids.Reset([]event.Level{lvl("100", "1"), lvl("99", "2"), lvl("98", "3")})

	bids.Upsert(lvl("99", "0"))
	bids.Upsert(lvl("97", "1"))

	assertPrices(t, bids.Levels(), []string{"100", "98", "97"})
}

func TestSideUpsertZeroAmountOnAbsentPriceIsNoop(t *testing.T) {
	asks := NewSide(false)
	asks.Reset([]event.Level{lvl("101", "1")})
	asks.Upsert(lvl("102", "0"))
	assertPrices(t, asks.Levels(), []string{"101"})
}

func TestSideUpsertInsertMaintainsOrder(t *testing.T) {
	asks := NewSide(false)
	asks.Reset([]event.Level{lvl("101", "1"), lvl("103", "1")})
	asks.Upsert(lvl("102", "1"))
	assertPrices(t, asks.Levels(), []string{"101", "102", "103"})
}

func TestSideBestEmpty(t *testing.T) {
	s := NewSide(true)
	if best := s.Best(); best != nil {
		t.Fatalf("Best() = %v, want nil", best)
	}
}

func TestBookApplySnapshotIdempotent(t *testing.T) {
	b := New()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bids := []event.Level{lvl("100", "1")}
	asks := []event.Level{lvl("101", "1")}

	b.ApplySnapshot(5, now, bids, asks)
	first := b.Event(true)

	b.ApplySnapshot(5, now, bids, asks)
	second := b.Event(true)

	assertPrices(t, first.Bids, levelPrices(second.Bids))
	assertPrices(t, first.Asks, levelPrices(second.Asks))
}

func TestBookL1MidPriceBoundaryCases(t *testing.T) {
	b := New()
	if mid := b.L1().MidPrice(); mid != nil {
		t.Fatalf("empty book MidPrice() = %v, want nil", mid)
	}

	b.ApplySnapshot(1, time.Time{}, []event.Level{lvl("100", "1")}, nil)
	l1 := b.L1()
	if mid := l1.MidPrice(); mid == nil || !mid.Equal(d("100")) {
		t.Fatalf("one-sided MidPrice() = %v, want 100", mid)
	}
}

func TestBookApplyUpdateAdvancesSequence(t *testing.T) {
	b := New()
	b.ApplySnapshot(1000, time.Time{}, []event.Level{lvl("100", "1")}, []event.Level{lvl("101", "1")})
	b.ApplyUpdate(1001, time.Time{}, []event.Level{lvl("100", "0")}, nil)

	if b.Sequence() != 1001 {
		t.Fatalf("Sequence() = %d, want 1001", b.Sequence())
	}
	if b.Bids.Len() != 0 {
		t.Fatalf("Bids.Len() = %d, want 0 after delete", b.Bids.Len())
	}
}
