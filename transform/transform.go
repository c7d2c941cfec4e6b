// Package transform maps decoded venue payloads into normalised
// event.MarketEvent values. Stateless transformers (trades, L1) are pure
// functions; the stateful L2 transformer additionally owns one
// sequencer.Sequencer + orderbook.Book pair per subscription.ID, exclusively
// — no locking required, since only the owning goroutine ever touches it.
package transform

import (
	"time"

	"github.com/coachpo/meltfeed/errs"
	"github.com/coachpo/meltfeed/event"
	"github.com/coachpo/meltfeed/orderbook"
	"github.com/coachpo/meltfeed/sequencer"
	"github.com/coachpo/meltfeed/subscription"
)

// Outcome is what a transform step produces for one decoded frame: zero or
// more events (a single frame can carry a batch for some venues), or an
// error. An unidentifiable SubscriptionId is not an error — callers should
// drop those frames silently per the Unidentifiable disposition.
type Outcome struct {
	Events []event.AnyEvent
	Err    error
}

// Lookup resolves a decoded frame's SubscriptionId to its instrument map
// entry. Returns ok=false for an id the map doesn't recognise.
type Lookup func(id subscription.ID) (subscription.Entry, bool)

// Trades is the stateless transformer for public-trade frames: a connector
// has already decoded the venue payload into id (the routing key) and
// trade; Trades resolves id against the instrument map and produces the
// normalised event, or an empty Outcome if id is unrecognised
// (Unidentifiable — dropped silently, not an error).
func Trades(lookup Lookup, id subscription.ID, exch event.ExchangeID, trade event.PublicTrade, timeExchange, timeReceived time.Time) Outcome {
	entry, ok := lookup(id)
	if !ok {
		return Outcome{}
	}
	return Outcome{Events: []event.AnyEvent{event.EraseTrade(event.TradeEvent{
		TimeExchange: timeExchange,
		TimeReceived: timeReceived,
		Exchange:     exch,
		Instrument:   entry.Sub.Instrument,
		Kind:         trade,
	})}}
}

// L1 is the stateless transformer for top-of-book quote frames, the same
// shape as Trades but for OrderBookL1 payloads.
func L1(lookup Lookup, id subscription.ID, exch event.ExchangeID, quote event.OrderBookL1, timeExchange, timeReceived time.Time) Outcome {
	entry, ok := lookup(id)
	if !ok {
		return Outcome{}
	}
	return Outcome{Events: []event.AnyEvent{event.EraseL1(event.L1Event{
		TimeExchange: timeExchange,
		TimeReceived: timeReceived,
		Exchange:     exch,
		Instrument:   entry.Sub.Instrument,
		Kind:         quote,
	})}}
}

// L2 owns one sequencer + book pair per subscribed instrument, keyed by
// SubscriptionId, and applies a single incoming delta through both.
type L2 struct {
	exchange event.ExchangeID
	books    map[subscription.ID]*orderbook.Book
	seqs     map[subscription.ID]sequencer.Sequencer
	newSeq   func() sequencer.Sequencer
}

// NewL2 constructs an empty L2 transformer. newSeq builds a fresh
// sequencer per instrument, letting each connector plug in its venue's
// discipline (sequencer.BinanceSpot, sequencer.KrakenFutures, ...).
func NewL2(exchange event.ExchangeID, newSeq func() sequencer.Sequencer) *L2 {
	return &L2{
		exchange: exchange,
		books:    make(map[subscription.ID]*orderbook.Book),
		seqs:     make(map[subscription.ID]sequencer.Sequencer),
		newSeq:   newSeq,
	}
}

// Init seeds the book for id from an already-fetched snapshot (see the
// snapshot package), initialising its sequencer's reference id.
func (t *L2) Init(id subscription.ID, seq uint64, book *orderbook.Book) error {
	if book == nil {
		return errs.New("transform/l2", errs.CodeInitialSnapshot, errs.WithMessage("nil snapshot book"))
	}
	s := t.newSeq()
	s.Snapshot(seq)
	t.seqs[id] = s
	t.books[id] = book
	return nil
}

// Apply feeds one decoded delta through id's sequencer discipline and, if
// accepted, updates the book and returns the resulting normalised event.
// A discipline violation returns a terminal *errs.E (CodeSequence) that the
// caller must propagate to tear down and reconnect. outcome is DropStale
// (ok==false, err==nil) for an update the discipline says to silently
// discard.
func (t *L2) Apply(id subscription.ID, instr event.Instrument, u sequencer.Update, at time.Time, bids, asks []event.Level) (event.AnyEvent, bool, error) {
	s, ok := t.seqs[id]
	if !ok {
		return event.AnyEvent{}, false, errs.New("transform/l2", errs.CodeInitialSnapshot,
			errs.WithMessage("no snapshot initialised for subscription"))
	}
	book, ok := t.books[id]
	if !ok {
		return event.AnyEvent{}, false, errs.New("transform/l2", errs.CodeInitialSnapshot,
			errs.WithMessage("no book initialised for subscription"))
	}

	outcome, err := s.Accept(u)
	if err != nil {
		return event.AnyEvent{}, false, err
	}
	if outcome == sequencer.DropStale {
		return event.AnyEvent{}, false, nil
	}

	nextSeq := u.LastUpdateID
	if nextSeq == 0 {
		nextSeq = u.Seq
	}
	book.ApplyUpdate(nextSeq, at, bids, asks)
	bookEvent := book.Event(false)

	return event.AnyEvent{
		TimeExchange: at,
		TimeReceived: at,
		Exchange:     t.exchange,
		Instrument:   instr,
		Kind:         event.DataKind{Book: &bookEvent},
	}, true, nil
}

// Book returns the live book for id, for consumers that want current-book
// lookups outside the stream (the read-mostly OrderBookMap use case).
func (t *L2) Book(id subscription.ID) (*orderbook.Book, bool) {
	b, ok := t.books[id]
	return b, ok
}
