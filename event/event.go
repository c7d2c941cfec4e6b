package event

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind is a closed sum type over every normalised payload this module
// produces. Only the types declared in this file implement it — the
// unexported marker method means a consumer switching over Kind can treat
// the type switch as exhaustive without a default case leaking in silently
// from another package.
type Kind interface {
	isMarketEventKind()
}

// MarketEvent is the single normalised type every connector emits,
// regardless of venue or channel.
type MarketEvent[K Kind] struct {
	TimeExchange time.Time
	TimeReceived time.Time
	Exchange     ExchangeID
	Instrument   Instrument
	Kind         K
}

// TradeSide captures the direction of a trade print.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// PublicTrade is a single executed trade print.
type PublicTrade struct {
	ID     string
	Price  decimal.Decimal
	Amount decimal.Decimal
	Side   TradeSide
}

func (PublicTrade) isMarketEventKind() {}

// Level is a single order book price level.
type Level struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// OrderBookL1 is the best bid/ask pair, with convenience mid-price helpers.
type OrderBookL1 struct {
	LastUpdateTime time.Time
	BestBid        *Level
	BestAsk        *Level
}

func (OrderBookL1) isMarketEventKind() {}

// MidPrice returns the arithmetic midpoint of the best bid and ask, falling
// back to whichever single side is present, or nil if the book is empty.
func (l OrderBookL1) MidPrice() *decimal.Decimal {
	switch {
	case l.BestBid != nil && l.BestAsk != nil:
		mid := l.BestBid.Price.Add(l.BestAsk.Price).Div(decimal.NewFromInt(2))
		return &mid
	case l.BestBid != nil:
		mid := l.BestBid.Price
		return &mid
	case l.BestAsk != nil:
		mid := l.BestAsk.Price
		return &mid
	default:
		return nil
	}
}

// VolumeWeightedMidPrice weights each side's price by the opposite side's
// amount: (bidPrice*askAmount + askPrice*bidAmount) / (bidAmount+askAmount).
// Returns nil unless both sides are present.
func (l OrderBookL1) VolumeWeightedMidPrice() *decimal.Decimal {
	if l.BestBid == nil || l.BestAsk == nil {
		return nil
	}
	denom := l.BestBid.Amount.Add(l.BestAsk.Amount)
	if denom.IsZero() {
		return nil
	}
	num := l.BestBid.Price.Mul(l.BestAsk.Amount).Add(l.BestAsk.Price.Mul(l.BestBid.Amount))
	vwap := num.Div(denom)
	return &vwap
}

// OrderBookEvent is the snapshot-or-update union: a Snapshot means "replace
// local state with this", an Update means "apply these level changes". Bids
// are sorted strictly descending by price, asks strictly ascending; the
// orderbook package is responsible for maintaining that invariant and
// producing this type, never the reverse.
type OrderBookEvent struct {
	Sequence   uint64
	TimeEngine time.Time
	Bids       []Level
	Asks       []Level
	IsSnapshot bool
}

func (OrderBookEvent) isMarketEventKind() {}

// Liquidation is a forced-liquidation print, offered by venues that expose
// a dedicated liquidation feed.
type Liquidation struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
	Side   TradeSide
	Time   time.Time
}

func (Liquidation) isMarketEventKind() {}

// CandleSummary is a closed candlestick bucket.
type CandleSummary struct {
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	OpenTime  time.Time
	CloseTime time.Time
}

func (CandleSummary) isMarketEventKind() {}

// DataKind erases the Kind type parameter so a consumer can hold a
// heterogeneous stream of MarketEvent[DataKind] across channel kinds
// without vtable-style dispatch on the hot path: the Erase* functions set
// exactly one payload pointer, and checking which one is non-nil does the job.
type DataKind struct {
	Trade       *PublicTrade
	BookL1      *OrderBookL1
	Book        *OrderBookEvent
	Liquidation *Liquidation
	Candle      *CandleSummary
}

func (DataKind) isMarketEventKind() {}

// TradeEvent, L1Event, BookEvent, LiquidationEvent, and CandleEvent are the
// fully-typed MarketEvent aliases; EraseTrade and its siblings below lift
// them into AnyEvent (MarketEvent[DataKind]) so one stream can carry every
// channel kind.
type (
	TradeEvent       = MarketEvent[PublicTrade]
	L1Event          = MarketEvent[OrderBookL1]
	BookEvent        = MarketEvent[OrderBookEvent]
	LiquidationEvent = MarketEvent[Liquidation]
	CandleEvent      = MarketEvent[CandleSummary]
	AnyEvent         = MarketEvent[DataKind]
)

// EraseTrade lifts a typed trade event into the erased DataKind envelope.
func EraseTrade(e TradeEvent) AnyEvent {
	k := e.Kind
	return AnyEvent{TimeExchange: e.TimeExchange, TimeReceived: e.TimeReceived, Exchange: e.Exchange, Instrument: e.Instrument, Kind: DataKind{Trade: &k}}
}

// EraseL1 lifts a typed L1 event into the erased DataKind envelope.
func EraseL1(e L1Event) AnyEvent {
	k := e.Kind
	return AnyEvent{TimeExchange: e.TimeExchange, TimeReceived: e.TimeReceived, Exchange: e.Exchange, Instrument: e.Instrument, Kind: DataKind{BookL1: &k}}
}

// EraseBook lifts a typed order-book event into the erased DataKind envelope.
func EraseBook(e BookEvent) AnyEvent {
	k := e.Kind
	return AnyEvent{TimeExchange: e.TimeExchange, TimeReceived: e.TimeReceived, Exchange: e.Exchange, Instrument: e.Instrument, Kind: DataKind{Book: &k}}
}

// EraseLiquidation lifts a typed liquidation event into the erased DataKind envelope.
func EraseLiquidation(e LiquidationEvent) AnyEvent {
	k := e.Kind
	return AnyEvent{TimeExchange: e.TimeExchange, TimeReceived: e.TimeReceived, Exchange: e.Exchange, Instrument: e.Instrument, Kind: DataKind{Liquidation: &k}}
}

// EraseCandle lifts a typed candle event into the erased DataKind envelope.
func EraseCandle(e CandleEvent) AnyEvent {
	k := e.Kind
	return AnyEvent{TimeExchange: e.TimeExchange, TimeReceived: e.TimeReceived, Exchange: e.Exchange, Instrument: e.Instrument, Kind: DataKind{Candle: &k}}
}
