// Package kraken implements the Kraken futures connector: one subscribe
// frame per feed/product pair, an info preamble counted ahead of the acks,
// and the monotonic per-product seq discipline on the book feed. The book
// snapshot arrives as the first frame of the stream (feed "book_snapshot"),
// followed by single-level "book" deltas.
package kraken

import (
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
	wsBaseURL        = "wss://futures.kraken.com/ws/v1"
	subscribeTimeout = 10 * time.Second

	feedTrade        = "trade"
	feedTicker       = "ticker"
	feedBook         = "book"
	feedBookSnapshot = "book_snapshot"
)

// Response is the decoded shape of every frame during validation: the info
// preamble, per-feed subscribed acks, or an early data frame.
type Response struct {
	Event      string   `json:"event"`
	Feed       string   `json:"feed"`
	Version    int      `json:"version"`
	Message    string   `json:"message"`
	ProductIDs []string `json:"product_ids"`
	ProductID  string   `json:"product_id"`
}

// Connector implements connector.Connector[Response] for Kraken futures.
type Connector struct{}

// New constructs a Kraken futures Connector.
func New() *Connector { return &Connector{} }

func (c *Connector) ID() event.ExchangeID { return event.ExchangeKrakenFutures }

func (c *Connector) URL() string { return wsBaseURL }

func (c *Connector) Accepts(kind event.InstrumentKind, channel subscription.Kind) bool {
	if kind != event.KindPerpetual {
		return false
	}
	switch channel {
	case subscription.PublicTrades, subscription.OrderBooksL1, subscription.OrderBooksL2:
		return true
	default:
		return false
	}
}

// BuildRequests emits one subscribe frame per feed/product pair so every
// pair produces its own subscribed ack, keeping the ack count equal to the
// instrument map size.
func (c *Connector) BuildRequests(subs []subscription.Subscription) ([]transport.WireMessage, []subscription.ExchangeSub, error) {
	seen := make(map[subscription.ExchangeSub]bool)
	var msgs []transport.WireMessage
	exSubs := make([]subscription.ExchangeSub, len(subs))

	for i, s := range subs {
		ex := subscription.ExchangeSub{Channel: feedFor(s.Kind), Market: productID(s.Instrument)}
		exSubs[i] = ex
		if seen[ex] {
			continue
		}
		seen[ex] = true

		req := struct {
			Event      string   `json:"event"`
			Feed       string   `json:"feed"`
			ProductIDs []string `json:"product_ids"`
		}{Event: "subscribe", Feed: ex.Channel, ProductIDs: []string{ex.Market}}

		body, err := json.Marshal(req)
		if err != nil {
			return nil, nil, errs.New(string(c.ID()), errs.CodeInvalid, errs.WithMessage("marshal subscribe frame"), errs.WithCause(err))
		}
		msgs = append(msgs, transport.WireMessage{Text: true, Data: body})
	}
	return msgs, exSubs, nil
}

// Ping is empty: Kraken futures pushes its own heartbeat feed and expects no
// client keepalive.
func (c *Connector) Ping() connector.PingSpec { return connector.PingSpec{} }

// ExpectedResponses counts one subscribed ack per feed/product pair plus the
// version info frame the server pushes on connect.
func (c *Connector) ExpectedResponses(m *subscription.InstrumentMap) int { return m.Len() + 1 }

func (c *Connector) SubscriptionTimeout() time.Duration { return subscribeTimeout }

func (c *Connector) Decode(raw []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(raw, &r); err != nil {
		return Response{}, errs.New(string(c.ID()), errs.CodeDeserialise, errs.WithMessage("decode frame"), errs.WithCause(err))
	}
	return r, nil
}

// Classify implements validator.Classify[Response]: the info frame is
// preamble, each subscribed event is an ack, and any feed-tagged frame
// arriving early is holdover for the live handler.
func Classify(resp Response) (validator.Outcome, validator.SubAck, error) {
	switch resp.Event {
	case "info":
		return validator.OutcomePreambleOK, validator.SubAck{}, nil
	case "subscribed":
		return validator.OutcomeSubOK, validator.SubAck{}, nil
	case "error":
		return validator.OutcomeSubError, validator.SubAck{},
			errs.New(string(event.ExchangeKrakenFutures), errs.CodeSubscribe, errs.WithRawMessage(resp.Message))
	}
	if resp.Feed == "heartbeat" {
		return validator.OutcomeIgnore, validator.SubAck{}, nil
	}
	if resp.Feed != "" {
		return validator.OutcomeHoldover, validator.SubAck{}, nil
	}
	return validator.OutcomeIgnore, validator.SubAck{}, nil
}

// productID renders the venue symbol for a perpetual, e.g. PI_XBTUSD. Kraken
// still uses the XBT ISO-ish code for bitcoin.
func productID(i event.Instrument) string {
	base := strings.ToUpper(i.Base)
	if base == "BTC" {
		base = "XBT"
	}
	return "PI_" + base + strings.ToUpper(i.Quote)
}

func feedFor(k subscription.Kind) string {
	switch k {
	case subscription.PublicTrades:
		return feedTrade
	case subscription.OrderBooksL1:
		return feedTicker
	case subscription.OrderBooksL2:
		return feedBook
	default:
		return string(k)
	}
}

type tradeFrame struct {
	Feed      string          `json:"feed"`
	ProductID string          `json:"product_id"`
	UID       string          `json:"uid"`
	Side      string          `json:"side"`
	Qty       decimal.Decimal `json:"qty"`
	Price     decimal.Decimal `json:"price"`
	Seq       uint64          `json:"seq"`
	Time      int64           `json:"time"`
}

type tickerFrame struct {
	Feed      string          `json:"feed"`
	ProductID string          `json:"product_id"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	BidSize   decimal.Decimal `json:"bid_size"`
	AskSize   decimal.Decimal `json:"ask_size"`
	Time      int64           `json:"time"`
}

type bookLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

type bookSnapshotFrame struct {
	Feed      string      `json:"feed"`
	ProductID string      `json:"product_id"`
	Seq       uint64      `json:"seq"`
	Timestamp int64       `json:"timestamp"`
	Bids      []bookLevel `json:"bids"`
	Asks      []bookLevel `json:"asks"`
}

type bookDeltaFrame struct {
	Feed      string          `json:"feed"`
	ProductID string          `json:"product_id"`
	Side      string          `json:"side"`
	Seq       uint64          `json:"seq"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
	Timestamp int64           `json:"timestamp"`
}

// NewHandler builds the live FrameHandler for a validated connection. The
// book seeds from the stream's own book_snapshot frame; snaps is always
// empty for this venue.
func NewHandler(m *subscription.InstrumentMap, _ []snapshot.Snapshot, _ chan<- transport.WireMessage) (func(raw []byte) ([]event.AnyEvent, error), error) {
	l2 := transform.NewL2(event.ExchangeKrakenFutures, func() sequencer.Sequencer { return &sequencer.KrakenFutures{} })

	lookup := func(id subscription.ID) (subscription.Entry, bool) { return m.Get(id) }

	return func(raw []byte) ([]event.AnyEvent, error) {
		var header struct {
			Feed      string `json:"feed"`
			ProductID string `json:"product_id"`
		}
		if err := json.Unmarshal(raw, &header); err != nil {
			return nil, errs.New(string(event.ExchangeKrakenFutures), errs.CodeDeserialise, errs.WithCause(err))
		}
		if header.Feed == "" || header.ProductID == "" {
			return nil, nil
		}

		switch header.Feed {
		case feedTrade:
			return decodeTrade(lookup, raw)
		case feedTicker:
			return decodeTicker(lookup, raw)
		case feedBookSnapshot:
			return decodeBookSnapshot(lookup, l2, raw)
		case feedBook:
			return decodeBookDelta(lookup, l2, raw)
		default:
			return nil, nil
		}
	}, nil
}

func decodeTrade(lookup transform.Lookup, raw []byte) ([]event.AnyEvent, error) {
	var f tradeFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errs.New(string(event.ExchangeKrakenFutures), errs.CodeDeserialise, errs.WithCause(err))
	}
	side := event.SideSell
	if f.Side == "buy" {
		side = event.SideBuy
	}
	tradeID := f.UID
	if tradeID == "" {
		tradeID = strconv.FormatUint(f.Seq, 10)
	}
	trade := event.PublicTrade{ID: tradeID, Price: f.Price, Amount: f.Qty, Side: side}
	id := subscription.ExchangeSub{Channel: feedTrade, Market: f.ProductID}.ID()
	outcome := transform.Trades(lookup, id, event.ExchangeKrakenFutures, trade, time.UnixMilli(f.Time), time.Now())
	return outcome.Events, outcome.Err
}

func decodeTicker(lookup transform.Lookup, raw []byte) ([]event.AnyEvent, error) {
	var f tickerFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errs.New(string(event.ExchangeKrakenFutures), errs.CodeDeserialise, errs.WithCause(err))
	}
	at := time.UnixMilli(f.Time)
	bid := event.Level{Price: f.Bid, Amount: f.BidSize}
	ask := event.Level{Price: f.Ask, Amount: f.AskSize}
	quote := event.OrderBookL1{LastUpdateTime: at, BestBid: &bid, BestAsk: &ask}
	id := subscription.ExchangeSub{Channel: feedTicker, Market: f.ProductID}.ID()
	outcome := transform.L1(lookup, id, event.ExchangeKrakenFutures, quote, at, time.Now())
	return outcome.Events, outcome.Err
}

func decodeBookSnapshot(lookup transform.Lookup, l2 *transform.L2, raw []byte) ([]event.AnyEvent, error) {
	var f bookSnapshotFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errs.New(string(event.ExchangeKrakenFutures), errs.CodeDeserialise, errs.WithCause(err))
	}
	id := subscription.ExchangeSub{Channel: feedBook, Market: f.ProductID}.ID()
	entry, ok := lookup(id)
	if !ok {
		return nil, nil
	}

	book := orderbook.New()
	at := time.UnixMilli(f.Timestamp)
	book.ApplySnapshot(f.Seq, at, sideLevels(f.Bids), sideLevels(f.Asks))
	if err := l2.Init(id, f.Seq, book); err != nil {
		return nil, err
	}

	bookEvent := book.Event(true)
	return []event.AnyEvent{{
		TimeExchange: at,
		TimeReceived: time.Now(),
		Exchange:     event.ExchangeKrakenFutures,
		Instrument:   entry.Sub.Instrument,
		Kind:         event.DataKind{Book: &bookEvent},
	}}, nil
}

func decodeBookDelta(lookup transform.Lookup, l2 *transform.L2, raw []byte) ([]event.AnyEvent, error) {
	var f bookDeltaFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errs.New(string(event.ExchangeKrakenFutures), errs.CodeDeserialise, errs.WithCause(err))
	}
	id := subscription.ExchangeSub{Channel: feedBook, Market: f.ProductID}.ID()
	entry, ok := lookup(id)
	if !ok {
		return nil, nil
	}

	var bids, asks []event.Level
	lvl := event.Level{Price: f.Price, Amount: f.Qty}
	if f.Side == "buy" {
		bids = []event.Level{lvl}
	} else {
		asks = []event.Level{lvl}
	}

	at := time.UnixMilli(f.Timestamp)
	ev, applied, err := l2.Apply(id, entry.Sub.Instrument, sequencer.Update{Seq: f.Seq}, at, bids, asks)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, nil
	}
	return []event.AnyEvent{ev}, nil
}

func sideLevels(raw []bookLevel) []event.Level {
	out := make([]event.Level, 0, len(raw))
	for _, l := range raw {
		out = append(out, event.Level{Price: l.Price, Amount: l.Qty})
	}
	return out
}
