// Package bitfinex implements the Bitfinex v2 public connector. Bitfinex is
// the venue that exercises two of the framework's less common paths: the
// platform-info preamble counted ahead of subscription acks, and the numeric
// channel id issued at subscribe-time that the validator rekeys the
// instrument map onto — every data frame afterwards is a JSON array tagged
// only with that id.
package bitfinex

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/meltfeed/connector"
	"github.com/coachpo/meltfeed/errs"
	"github.com/coachpo/meltfeed/event"
	"github.com/coachpo/meltfeed/orderbook"
	"github.com/coachpo/meltfeed/sequencer"
	"github.com/coachpo/meltfeed/snapshot"
	"github.com/coachpo/meltfeed/subscription"
	"github.com/coachpo/meltfeed/transform"
	"github.com/coachpo/meltfeed/transport"
	"github.com/coachpo/meltfeed/validator"
)

const (
	wsBaseURL        = "wss://api-pub.bitfinex.com/ws/2"
	subscribeTimeout = 10 * time.Second

	channelTrades = "trades"
	channelTicker = "ticker"
	channelBook   = "book"
)

// Response is the decoded shape of every frame during validation. Data
// frames are JSON arrays, not objects; Decode leaves those raw in Array and
// the other fields zero.
type Response struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	ChanID  int64  `json:"chanId"`
	Symbol  string `json:"symbol"`
	Code    int    `json:"code"`
	Msg     string `json:"msg"`

	Array json.RawMessage `json:"-"`
}

// Connector implements connector.Connector[Response] for Bitfinex spot.
type Connector struct{}

// New constructs a Bitfinex Connector.
func New() *Connector { return &Connector{} }

func (c *Connector) ID() event.ExchangeID { return event.ExchangeBitfinex }

func (c *Connector) URL() string { return wsBaseURL }

func (c *Connector) Accepts(kind event.InstrumentKind, channel subscription.Kind) bool {
	if kind != event.KindSpot {
		return false
	}
	switch channel {
	case subscription.PublicTrades, subscription.OrderBooksL1, subscription.OrderBooksL2:
		return true
	default:
		return false
	}
}

// BuildRequests emits one subscribe event per channel/symbol pair; Bitfinex
// has no batch subscribe form.
func (c *Connector) BuildRequests(subs []subscription.Subscription) ([]transport.WireMessage, []subscription.ExchangeSub, error) {
	seen := make(map[subscription.ExchangeSub]bool)
	var msgs []transport.WireMessage
	exSubs := make([]subscription.ExchangeSub, len(subs))

	for i, s := range subs {
		ex := subscription.ExchangeSub{Channel: channelFor(s.Kind), Market: symbol(s.Instrument)}
		exSubs[i] = ex
		if seen[ex] {
			continue
		}
		seen[ex] = true

		req := struct {
			Event   string `json:"event"`
			Channel string `json:"channel"`
			Symbol  string `json:"symbol"`
		}{Event: "subscribe", Channel: ex.Channel, Symbol: ex.Market}

		body, err := json.Marshal(req)
		if err != nil {
			return nil, nil, errs.New(string(c.ID()), errs.CodeInvalid, errs.WithMessage("marshal subscribe frame"), errs.WithCause(err))
		}
		msgs = append(msgs, transport.WireMessage{Text: true, Data: body})
	}
	return msgs, exSubs, nil
}

// Ping is empty: Bitfinex pushes "hb" heartbeats per channel and expects no
// client keepalive.
func (c *Connector) Ping() connector.PingSpec { return connector.PingSpec{} }

// ExpectedResponses counts one subscribed ack per channel/symbol pair plus
// the platform-info event pushed on connect.
func (c *Connector) ExpectedResponses(m *subscription.InstrumentMap) int { return m.Len() + 1 }

func (c *Connector) SubscriptionTimeout() time.Duration { return subscribeTimeout }

// Decode distinguishes object events from array data frames by the first
// byte; arrays pass through raw for the live handler (or holdover buffer).
func (c *Connector) Decode(raw []byte) (Response, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return Response{Array: trimmed}, nil
	}
	var r Response
	if err := json.Unmarshal(trimmed, &r); err != nil {
		return Response{}, errs.New(string(c.ID()), errs.CodeDeserialise, errs.WithMessage("decode frame"), errs.WithCause(err))
	}
	return r, nil
}

// Classify implements validator.Classify[Response]. A subscribed ack carries
// the venue-issued numeric chanId; the returned SubAck instructs the
// validator to rekey the instrument map entry from "<channel>|<symbol>" to
// the decimal chanId string, which is the only tag later data frames carry.
func Classify(resp Response) (validator.Outcome, validator.SubAck, error) {
	if resp.Array != nil {
		return validator.OutcomeHoldover, validator.SubAck{}, nil
	}
	switch resp.Event {
	case "info":
		return validator.OutcomePreambleOK, validator.SubAck{}, nil
	case "subscribed":
		requestID := subscription.ExchangeSub{Channel: resp.Channel, Market: resp.Symbol}.ID()
		venueID := subscription.ID(strconv.FormatInt(resp.ChanID, 10))
		return validator.OutcomeSubOK, validator.SubAck{RequestID: requestID, VenueID: venueID}, nil
	case "error":
		return validator.OutcomeSubError, validator.SubAck{},
			errs.New(string(event.ExchangeBitfinex), errs.CodeSubscribe,
				errs.WithRawCode(strconv.Itoa(resp.Code)), errs.WithRawMessage(resp.Msg))
	}
	return validator.OutcomeIgnore, validator.SubAck{}, nil
}

func symbol(i event.Instrument) string {
	return "t" + strings.ToUpper(i.Base+i.Quote)
}

func channelFor(k subscription.Kind) string {
	switch k {
	case subscription.PublicTrades:
		return channelTrades
	case subscription.OrderBooksL1:
		return channelTicker
	case subscription.OrderBooksL2:
		return channelBook
	default:
		return string(k)
	}
}

// NewHandler builds the live FrameHandler for a validated connection. The
// instrument map has already been rekeyed onto numeric chanIds by the
// validator, so routing is a single integer-to-string conversion per frame.
func NewHandler(m *subscription.InstrumentMap, _ []snapshot.Snapshot, _ chan<- transport.WireMessage) (func(raw []byte) ([]event.AnyEvent, error), error) {
	l2 := transform.NewL2(event.ExchangeBitfinex, func() sequencer.Sequencer { return sequencer.NewTrustTimestamp(nil) })

	lookup := func(id subscription.ID) (subscription.Entry, bool) { return m.Get(id) }

	return func(raw []byte) ([]event.AnyEvent, error) {
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 || trimmed[0] != '[' {
			return nil, nil
		}

		var parts []json.RawMessage
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return nil, errs.New(string(event.ExchangeBitfinex), errs.CodeDeserialise, errs.WithCause(err))
		}
		if len(parts) < 2 {
			return nil, nil
		}

		var chanID int64
		if err := json.Unmarshal(parts[0], &chanID); err != nil {
			return nil, errs.New(string(event.ExchangeBitfinex), errs.CodeDeserialise, errs.WithCause(err))
		}
		id := subscription.ID(strconv.FormatInt(chanID, 10))
		entry, ok := lookup(id)
		if !ok {
			return nil, nil
		}

		// Heartbeats and trade-execution tags arrive as a string second
		// element: "hb", "te", "tu".
		var tag string
		if err := json.Unmarshal(parts[1], &tag); err == nil {
			switch tag {
			case "hb", "tu":
				return nil, nil
			case "te":
				if len(parts) < 3 {
					return nil, nil
				}
				return decodeTradeExec(id, entry, parts[2])
			default:
				return nil, nil
			}
		}

		switch entry.Sub.Kind {
		case subscription.PublicTrades:
			return decodeTradeSnapshot(id, entry, parts[1])
		case subscription.OrderBooksL1:
			return decodeTicker(entry, parts[1])
		case subscription.OrderBooksL2:
			return decodeBook(l2, id, entry, parts[1])
		default:
			return nil, nil
		}
	}, nil
}

// tradeFields is [id, mts, amount, price]; amount sign carries the side.
type tradeFields [4]decimal.Decimal

func (f tradeFields) trade() (event.PublicTrade, time.Time) {
	amount := f[2]
	side := event.SideBuy
	if amount.IsNegative() {
		side = event.SideSell
		amount = amount.Neg()
	}
	return event.PublicTrade{
		ID:     f[0].String(),
		Price:  f[3],
		Amount: amount,
		Side:   side,
	}, time.UnixMilli(f[1].IntPart())
}

func decodeTradeExec(_ subscription.ID, entry subscription.Entry, raw json.RawMessage) ([]event.AnyEvent, error) {
	var f tradeFields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errs.New(string(event.ExchangeBitfinex), errs.CodeDeserialise, errs.WithCause(err))
	}
	trade, at := f.trade()
	return []event.AnyEvent{event.EraseTrade(event.TradeEvent{
		TimeExchange: at,
		TimeReceived: time.Now(),
		Exchange:     event.ExchangeBitfinex,
		Instrument:   entry.Sub.Instrument,
		Kind:         trade,
	})}, nil
}

func decodeTradeSnapshot(_ subscription.ID, entry subscription.Entry, raw json.RawMessage) ([]event.AnyEvent, error) {
	var fields []tradeFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errs.New(string(event.ExchangeBitfinex), errs.CodeDeserialise, errs.WithCause(err))
	}
	received := time.Now()
	out := make([]event.AnyEvent, 0, len(fields))
	for _, f := range fields {
		trade, at := f.trade()
		out = append(out, event.EraseTrade(event.TradeEvent{
			TimeExchange: at,
			TimeReceived: received,
			Exchange:     event.ExchangeBitfinex,
			Instrument:   entry.Sub.Instrument,
			Kind:         trade,
		}))
	}
	return out, nil
}

// decodeTicker parses [bid, bidSize, ask, askSize, dailyChange, ...]; only
// the first four positions feed the L1 view.
func decodeTicker(entry subscription.Entry, raw json.RawMessage) ([]event.AnyEvent, error) {
	var f []decimal.Decimal
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errs.New(string(event.ExchangeBitfinex), errs.CodeDeserialise, errs.WithCause(err))
	}
	if len(f) < 4 {
		return nil, errs.New(string(event.ExchangeBitfinex), errs.CodeDeserialise, errs.WithMessage("ticker frame too short"))
	}
	at := time.Now()
	bid := event.Level{Price: f[0], Amount: f[1]}
	ask := event.Level{Price: f[2], Amount: f[3]}
	quote := event.OrderBookL1{LastUpdateTime: at, BestBid: &bid, BestAsk: &ask}
	return []event.AnyEvent{event.EraseL1(event.L1Event{
		TimeExchange: at,
		TimeReceived: at,
		Exchange:     event.ExchangeBitfinex,
		Instrument:   entry.Sub.Instrument,
		Kind:         quote,
	})}, nil
}

// bookFields is [price, count, amount]. count > 0 upserts the level at
// |amount|; count == 0 removes the price from the side amount's sign points
// at (+1 bids, -1 asks).
type bookFields [3]decimal.Decimal

func (f bookFields) level() (bid, ask *event.Level) {
	price, count, amount := f[0], f[1], f[2]
	if count.IsZero() {
		removed := event.Level{Price: price, Amount: decimal.Zero}
		if amount.IsNegative() {
			return nil, &removed
		}
		return &removed, nil
	}
	if amount.IsNegative() {
		return nil, &event.Level{Price: price, Amount: amount.Neg()}
	}
	return &event.Level{Price: price, Amount: amount}, nil
}

func decodeBook(l2 *transform.L2, id subscription.ID, entry subscription.Entry, raw json.RawMessage) ([]event.AnyEvent, error) {
	trimmed := bytes.TrimSpace(raw)
	if isNestedArray(trimmed) {
		return decodeBookSnapshot(l2, id, entry, trimmed)
	}

	var f bookFields
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return nil, errs.New(string(event.ExchangeBitfinex), errs.CodeDeserialise, errs.WithCause(err))
	}
	var bids, asks []event.Level
	if bid, ask := f.level(); bid != nil {
		bids = []event.Level{*bid}
	} else if ask != nil {
		asks = []event.Level{*ask}
	}

	at := time.Now()
	ev, applied, err := l2.Apply(id, entry.Sub.Instrument, sequencer.Update{}, at, bids, asks)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, nil
	}
	return []event.AnyEvent{ev}, nil
}

// isNestedArray reports whether raw is a JSON array whose first element is
// itself an array (a snapshot) rather than a number (a single update).
func isNestedArray(raw []byte) bool {
	for _, b := range raw[1:] {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}

func decodeBookSnapshot(l2 *transform.L2, id subscription.ID, entry subscription.Entry, raw json.RawMessage) ([]event.AnyEvent, error) {
	var fields []bookFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errs.New(string(event.ExchangeBitfinex), errs.CodeDeserialise, errs.WithCause(err))
	}

	var bids, asks []event.Level
	for _, f := range fields {
		if bid, ask := f.level(); bid != nil {
			bids = append(bids, *bid)
		} else if ask != nil {
			asks = append(asks, *ask)
		}
	}

	at := time.Now()
	book := orderbook.New()
	book.ApplySnapshot(0, at, bids, asks)
	if err := l2.Init(id, 0, book); err != nil {
		return nil, err
	}

	bookEvent := book.Event(true)
	return []event.AnyEvent{{
		TimeExchange: at,
		TimeReceived: at,
		Exchange:     event.ExchangeBitfinex,
		Instrument:   entry.Sub.Instrument,
		Kind:         event.DataKind{Book: &bookEvent},
	}}, nil
}
