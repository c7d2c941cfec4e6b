// Package orderbook maintains a local L2 order book as a pair of sorted
// slices, kept in sync by applying snapshots and incremental upserts from a
// sequencer. A sorted slice (rather than the map-keyed representation an
// earlier generation of this code used) keeps both sides cache-local on the
// hot path, at the cost of O(n) insert/delete instead of O(1) — the standard
// tradeoff for a structure that is read far more often than it churns.
package orderbook

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltfeed/event"
)

// Side is a slice of levels kept sorted by an order determined at
// construction time (descending for bids, ascending for asks).
type Side struct {
	levels []event.Level
	desc   bool
}

// NewSide constructs an empty Side. desc selects descending order (bids);
// false selects ascending (asks).
func NewSide(desc bool) *Side {
	return &Side{desc: desc}
}

// Len reports the number of levels currently present.
func (s *Side) Len() int {
	if s == nil {
		return 0
	}
	return len(s.levels)
}

// Levels returns the current levels in sorted order. The returned slice must
// not be mutated by the caller.
func (s *Side) Levels() []event.Level {
	return s.levels
}

// Best returns the first level (best price) or nil if the side is empty.
func (s *Side) Best() *event.Level {
	if len(s.levels) == 0 {
		return nil
	}
	lvl := s.levels[0]
	return &lvl
}

// less reports whether price a sorts before price b for this side's order.
func (s *Side) less(a, b decimal.Decimal) bool {
	if s.desc {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

// search returns the index at which price would sit, and whether a level at
// exactly that price already exists.
func (s *Side) search(price decimal.Decimal) (idx int, found bool) {
	idx = sort.Search(len(s.levels), func(i int) bool {
		return !s.less(s.levels[i].Price, price)
	})
	found = idx < len(s.levels) && s.levels[idx].Price.Equal(price)
	return idx, found
}

// Upsert applies a single incoming level: a zero amount at an existing
// price removes it, a zero amount at an absent price is a no-op, a positive
// amount overwrites or inserts at the sorted position.
func (s *Side) Upsert(l event.Level) {
	idx, found := s.search(l.Price)
	switch {
	case found && l.Amount.IsZero():
		s.levels = append(s.levels[:idx], s.levels[idx+1:]...)
	case found:
		s.levels[idx].Amount = l.Amount
	case !found && l.Amount.IsZero():
		// deleting a price that was never present: nothing to do.
	default:
		s.levels = append(s.levels, event.Level{})
		copy(s.levels[idx+1:], s.levels[idx:])
		s.levels[idx] = l
	}
}

// Reset discards all levels and rebuilds the side from scratch, sorting the
// input into the side's order. Used when applying a fresh snapshot.
func (s *Side) Reset(levels []event.Level) {
	s.levels = append(s.levels[:0], levels...)
	sort.Slice(s.levels, func(i, j int) bool {
		return s.less(s.levels[i].Price, s.levels[j].Price)
	})
}

// Book is the mutable L2 order book maintainer for one instrument. It is
// exclusively owned by the transformer goroutine that drives it — see
// transform.L2 — and is never shared across goroutines, so no locking is
// required.
type Book struct {
	Bids *Side
	Asks *Side

	sequence   uint64
	timeEngine time.Time
}

// New constructs an empty Book.
func New() *Book {
	return &Book{Bids: NewSide(true), Asks: NewSide(false)}
}

// Sequence returns the last sequence number applied.
func (b *Book) Sequence() uint64 { return b.sequence }

// ApplySnapshot replaces both sides wholesale and sets the book's sequence
// and engine time. Applying the same snapshot twice is a no-op on book
// contents (idempotent), though the sequence/time fields are reassigned.
func (b *Book) ApplySnapshot(sequence uint64, at time.Time, bids, asks []event.Level) {
	b.Bids.Reset(bids)
	b.Asks.Reset(asks)
	b.sequence = sequence
	b.timeEngine = at
}

// ApplyUpdate upserts each given level into its side and advances the
// book's sequence and engine time. The caller (a sequencer) is responsible
// for having already validated that sequence is the correct next value.
func (b *Book) ApplyUpdate(sequence uint64, at time.Time, bids, asks []event.Level) {
	for _, l := range bids {
		b.Bids.Upsert(l)
	}
	for _, l := range asks {
		b.Asks.Upsert(l)
	}
	b.sequence = sequence
	b.timeEngine = at
}

// Event renders the book's current state as a normalised event.OrderBookEvent.
// isSnapshot should be true immediately after ApplySnapshot and false for
// subsequent deltas, matching the Snapshot|Update tagged union in the data
// model.
func (b *Book) Event(isSnapshot bool) event.OrderBookEvent {
	return event.OrderBookEvent{
		Sequence:   b.sequence,
		TimeEngine: b.timeEngine,
		Bids:       append([]event.Level(nil), b.Bids.Levels()...),
		Asks:       append([]event.Level(nil), b.Asks.Levels()...),
		IsSnapshot: isSnapshot,
	}
}

// L1 derives the top-of-book view from the current state.
func (b *Book) L1() event.OrderBookL1 {
	return event.OrderBookL1{
		LastUpdateTime: b.timeEngine,
		BestBid:        b.Bids.Best(),
		BestAsk:        b.Asks.Best(),
	}
}
