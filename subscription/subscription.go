// Package subscription defines the normalised subscription model that every
// connector is constructed from: the (exchange, instrument, channel kind)
// triple, its per-venue projection, and the routing key used to map incoming
// wire frames back to the instrument that asked for them.
package subscription

import (
	"fmt"

	"github.com/coachpo/meltfeed/errs"
	"github.com/coachpo/meltfeed/event"
)

// Kind enumerates the channel a Subscription asks a venue for.
type Kind string

const (
	PublicTrades Kind = "public_trades"
	OrderBooksL1 Kind = "order_books_l1"
	OrderBooksL2 Kind = "order_books_l2"
	OrderBooksL3 Kind = "order_books_l3"
	Liquidations Kind = "liquidations"
	Candles      Kind = "candles"
)

// Valid reports whether k is one of the channel kinds this module recognises.
func (k Kind) Valid() bool {
	switch k {
	case PublicTrades, OrderBooksL1, OrderBooksL2, OrderBooksL3, Liquidations, Candles:
		return true
	default:
		return false
	}
}

// Subscription is the normalised request a caller builds and hands to a
// connector: "give me this channel, for this instrument, on this exchange."
// A connector must reject at construction time any Subscription whose
// (Exchange, Instrument.Kind, Kind) triple it does not advertise support
// for — see connector.Connector.Accepts.
type Subscription struct {
	Exchange   event.ExchangeID
	Instrument event.Instrument
	Kind       Kind
}

// Validate enforces the structural invariants common to every venue: the
// instrument must be well-formed and the channel kind must be recognised.
// Venue-specific (exchange, instrument kind, channel kind) support is the
// connector's concern, not this package's.
func (s Subscription) Validate() error {
	if s.Exchange == "" {
		return errs.New("subscription", errs.CodeInvalid, errs.WithMessage("exchange id required"))
	}
	if err := s.Instrument.Validate(); err != nil {
		return err
	}
	if !s.Kind.Valid() {
		return errs.New("subscription", errs.CodeInvalid, errs.WithMessage("unrecognised channel kind"))
	}
	return nil
}

// ExchangeSub is a venue's projection of a Subscription into the two strings
// it actually sends over the wire: the channel topic and the market symbol.
// Two Subscriptions that project to an equal ExchangeSub must be deduplicated
// by the connector before building wire requests.
type ExchangeSub struct {
	Channel string
	Market  string
}

// ID derives the SubscriptionId for this projection: an opaque short string
// of the shape "<channel>|<market>", unique within one connection. It is the
// key by which incoming venue payloads are routed back to the subscription
// that asked for them.
func (e ExchangeSub) ID() ID {
	return ID(fmt.Sprintf("%s|%s", e.Channel, e.Market))
}

// ID is the routing key for one subscribed channel+market pair within a
// single connection. Some venues (Bitfinex) issue their own numeric channel
// id at subscribe-time; the validator rewrites the InstrumentMap to key on
// that id instead once the ack arrives — see validator.Run.
type ID string

// InstrumentMap maps a subscription ID to the application-chosen instrument
// handle for that channel. It is built by the validator and then owned
// exclusively by the transformer for the life of the connection — no
// locking is required since only one goroutine ever touches it.
type InstrumentMap struct {
	entries map[ID]Entry
}

// Entry is what an InstrumentMap resolves a subscription ID to: the original
// Subscription plus any per-venue data the transformer needs to decode
// further frames for this instrument (e.g. a precomputed price/amount
// precision). Callers that don't need venue data leave Data nil.
type Entry struct {
	Sub  Subscription
	Data any
}

// NewInstrumentMap returns an empty InstrumentMap; entries are added with Put,
// typically keyed by the ExchangeSub-derived ID of each subscription.
func NewInstrumentMap() *InstrumentMap {
	return &InstrumentMap{entries: make(map[ID]Entry)}
}

// Len reports how many subscriptions are currently tracked.
func (m *InstrumentMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Put registers sub under id, optionally attaching venue-specific data.
func (m *InstrumentMap) Put(id ID, sub Subscription, data any) {
	m.entries[id] = Entry{Sub: sub, Data: data}
}

// Get resolves id to its Entry. ok is false for an unrecognised id — the
// caller (typically a transformer) should treat this as errs.CodeUnidentifiable
// and drop the frame silently, per the error disposition table.
func (m *InstrumentMap) Get(id ID) (Entry, bool) {
	if m == nil {
		return Entry{}, false
	}
	e, ok := m.entries[id]
	return e, ok
}

// Rekey moves the entry at oldID to newID, for venues (Bitfinex, IBKR) that
// issue their own numeric channel id at subscribe-time distinct from the
// SubscriptionId the request was built with. Returns false if oldID was not
// present.
func (m *InstrumentMap) Rekey(oldID, newID ID) bool {
	e, ok := m.entries[oldID]
	if !ok {
		return false
	}
	delete(m.entries, oldID)
	m.entries[newID] = e
	return true
}

// Range calls f for every entry currently tracked. Iteration order is
// unspecified.
func (m *InstrumentMap) Range(f func(id ID, e Entry)) {
	for id, e := range m.entries {
		f(id, e)
	}
}
