// Package event defines the normalised market-data types produced by every
// connector in this module: instruments, exchange identifiers, and the
// MarketEvent envelope with its closed set of payload kinds.
package event

import (
	"strings"
	"time"

	"github.com/coachpo/meltfeed/errs"
)

// ExchangeID identifies a venue. Connectors advertise a fixed ExchangeID;
// it is never derived at runtime.
type ExchangeID string

const (
	ExchangeBinanceSpot    ExchangeID = "binance_spot"
	ExchangeBinanceFutures ExchangeID = "binance_futures_usd"
	ExchangeBybit          ExchangeID = "bybit_spot"
	ExchangeOKX            ExchangeID = "okx_spot"
	ExchangeKrakenFutures  ExchangeID = "kraken_futures"
	ExchangeBitfinex       ExchangeID = "bitfinex_spot"
)

// InstrumentKind enumerates the market structure of an instrument.
type InstrumentKind string

const (
	KindSpot      InstrumentKind = "spot"
	KindPerpetual InstrumentKind = "perpetual"
	KindFuture    InstrumentKind = "future"
	KindOption    InstrumentKind = "option"
)

// Valid reports whether the instrument kind is one this module recognises.
func (k InstrumentKind) Valid() bool {
	switch k {
	case KindSpot, KindPerpetual, KindFuture, KindOption:
		return true
	default:
		return false
	}
}

// OptionType identifies option style for Option instruments.
type OptionType string

const (
	OptionCall OptionType = "call"
	OptionPut  OptionType = "put"
)

// Instrument describes a tradable market: a base/quote currency pair plus
// whatever extra fields its InstrumentKind requires (expiry for Future and
// Option, strike and type for Option).
type Instrument struct {
	Base   string
	Quote  string
	Kind   InstrumentKind
	Expiry time.Time  // set for Future and Option, zero otherwise
	Strike string     // decimal string, set for Option only
	Option OptionType // set for Option only
}

// Validate enforces the field combination each InstrumentKind requires.
// A connector must reject an unsupported subscription at construction time
// (errs.CodeUnsupported); Validate is the shared check every connector calls
// before accepting an Instrument into a Subscription.
func (i Instrument) Validate() error {
	base := strings.TrimSpace(i.Base)
	quote := strings.TrimSpace(i.Quote)
	if base == "" || quote == "" {
		return errs.New("event/instrument", errs.CodeInvalid, errs.WithMessage("base and quote currency required"))
	}
	if !i.Kind.Valid() {
		return errs.New("event/instrument", errs.CodeInvalid, errs.WithMessage("unrecognised instrument kind"))
	}
	switch i.Kind {
	case KindSpot, KindPerpetual:
		if !i.Expiry.IsZero() {
			return errs.New("event/instrument", errs.CodeInvalid, errs.WithMessage("expiry must be zero for spot/perpetual instruments"))
		}
	case KindFuture:
		if i.Expiry.IsZero() {
			return errs.New("event/instrument", errs.CodeInvalid, errs.WithMessage("expiry required for dated futures"))
		}
	case KindOption:
		if i.Expiry.IsZero() {
			return errs.New("event/instrument", errs.CodeInvalid, errs.WithMessage("expiry required for options"))
		}
		if strings.TrimSpace(i.Strike) == "" {
			return errs.New("event/instrument", errs.CodeInvalid, errs.WithMessage("strike required for options"))
		}
		if i.Option != OptionCall && i.Option != OptionPut {
			return errs.New("event/instrument", errs.CodeInvalid, errs.WithMessage("option type required for options"))
		}
	}
	return nil
}

// String renders a stable, human-readable identity for logs and map keys.
func (i Instrument) String() string {
	switch i.Kind {
	case KindFuture:
		return i.Base + "-" + i.Quote + "-" + i.Expiry.Format("20060102")
	case KindOption:
		marker := "C"
		if i.Option == OptionPut {
			marker = "P"
		}
		return i.Base + "-" + i.Quote + "-" + i.Expiry.Format("20060102") + "-" + i.Strike + "-" + marker
	case KindPerpetual:
		return i.Base + "-" + i.Quote + "-PERP"
	default:
		return i.Base + "-" + i.Quote
	}
}
