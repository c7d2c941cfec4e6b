// Package bybit implements the Bybit v5 public spot connector: multiplexed
// topic subscribe, tickers for top-of-book, and the stream-delivered
// orderbook snapshot/delta feed. Bybit carries no update-id discipline the
// client must enforce, so L2 runs on the trust-timestamp sequencer; the
// first frame per topic is always a snapshot, which seeds the book without
// any REST fetch.
package bybit

import (
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
	wsBaseURL        = "wss://stream.bybit.com/v5/public/spot"
	subscribeTimeout = 10 * time.Second
	pingInterval     = 20 * time.Second

	channelTrade = "publicTrade"
	channelL1    = "tickers"
	channelL2    = "orderbook.50"
)

// Response is the decoded shape of every frame during validation: an op
// acknowledgement ({"op":"subscribe","success":true}) or a topic data frame.
type Response struct {
	Op      string `json:"op"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
	ConnID  string `json:"conn_id"`
	Topic   string `json:"topic"`
}

// Connector implements connector.Connector[Response] for Bybit spot.
type Connector struct{}

// New constructs a Bybit spot Connector.
func New() *Connector { return &Connector{} }

func (c *Connector) ID() event.ExchangeID { return event.ExchangeBybit }

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

// BuildRequests emits a single multiplexed subscribe op carrying every
// deduplicated topic, the v5 batch form.
func (c *Connector) BuildRequests(subs []subscription.Subscription) ([]transport.WireMessage, []subscription.ExchangeSub, error) {
	seen := make(map[string]bool)
	var topics []string
	exSubs := make([]subscription.ExchangeSub, len(subs))

	for i, s := range subs {
		market := symbol(s.Instrument)
		ch := channelFor(s.Kind)
		exSubs[i] = subscription.ExchangeSub{Channel: ch, Market: market}
		topic := ch + "." + market
		if seen[topic] {
			continue
		}
		seen[topic] = true
		topics = append(topics, topic)
	}

	req := struct {
		Op   string   `json:"op"`
		Args []string `json:"args"`
	}{Op: "subscribe", Args: topics}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, errs.New(string(c.ID()), errs.CodeInvalid, errs.WithMessage("marshal subscribe frame"), errs.WithCause(err))
	}
	return []transport.WireMessage{{Text: true, Data: body}}, exSubs, nil
}

// Ping sends the v5 application-level ping op; Bybit drops connections idle
// for more than 30 seconds.
func (c *Connector) Ping() connector.PingSpec {
	return connector.PingSpec{
		Interval: pingInterval,
		Build: func() transport.WireMessage {
			return transport.WireMessage{Text: true, Data: []byte(`{"op":"ping"}`)}
		},
	}
}

// ExpectedResponses is 1: the batch subscribe op receives a single
// acknowledgement regardless of how many topics it carried.
func (c *Connector) ExpectedResponses(*subscription.InstrumentMap) int { return 1 }

func (c *Connector) SubscriptionTimeout() time.Duration { return subscribeTimeout }

func (c *Connector) Decode(raw []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(raw, &r); err != nil {
		return Response{}, errs.New(string(c.ID()), errs.CodeDeserialise, errs.WithMessage("decode frame"), errs.WithCause(err))
	}
	return r, nil
}

// Classify implements validator.Classify[Response] for the single batch ack.
func Classify(resp Response) (validator.Outcome, validator.SubAck, error) {
	if resp.Op == "subscribe" && resp.Success != nil {
		if !*resp.Success {
			return validator.OutcomeSubError, validator.SubAck{},
				errs.New(string(event.ExchangeBybit), errs.CodeSubscribe, errs.WithRawMessage(resp.RetMsg))
		}
		return validator.OutcomeSubOK, validator.SubAck{}, nil
	}
	if resp.Op == "pong" || resp.Op == "ping" {
		return validator.OutcomeIgnore, validator.SubAck{}, nil
	}
	if resp.Topic != "" {
		return validator.OutcomeHoldover, validator.SubAck{}, nil
	}
	return validator.OutcomeIgnore, validator.SubAck{}, nil
}

func symbol(i event.Instrument) string {
	return strings.ToUpper(i.Base + i.Quote)
}

func channelFor(k subscription.Kind) string {
	switch k {
	case subscription.PublicTrades:
		return channelTrade
	case subscription.OrderBooksL1:
		return channelL1
	case subscription.OrderBooksL2:
		return channelL2
	default:
		return string(k)
	}
}

// topicID splits "orderbook.50.BTCUSDT" back into the "<channel>|<market>"
// routing key the instrument map was built with. The market is always the
// final dot-separated segment.
func topicID(topic string) (subscription.ID, bool) {
	idx := strings.LastIndex(topic, ".")
	if idx <= 0 || idx == len(topic)-1 {
		return "", false
	}
	return subscription.ID(topic[:idx] + "|" + topic[idx+1:]), true
}

type envelope struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type tradeEntry struct {
	TradeTime int64  `json:"T"`
	Symbol    string `json:"s"`
	Side      string `json:"S"`
	Size      string `json:"v"`
	Price     string `json:"p"`
	TradeID   string `json:"i"`
}

type tickerData struct {
	Symbol   string `json:"symbol"`
	Bid1Px   string `json:"bid1Price"`
	Bid1Size string `json:"bid1Size"`
	Ask1Px   string `json:"ask1Price"`
	Ask1Size string `json:"ask1Size"`
}

type bookData struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Update uint64     `json:"u"`
}

// NewHandler builds the live FrameHandler for a validated connection. Bybit
// delivers the L2 snapshot as the first orderbook frame per topic, so snaps
// is always empty here; the book seeds from the stream itself.
func NewHandler(m *subscription.InstrumentMap, _ []snapshot.Snapshot, _ chan<- transport.WireMessage) (func(raw []byte) ([]event.AnyEvent, error), error) {
	l2 := transform.NewL2(event.ExchangeBybit, func() sequencer.Sequencer { return sequencer.NewTrustTimestamp(nil) })

	lookup := func(id subscription.ID) (subscription.Entry, bool) { return m.Get(id) }

	return func(raw []byte) ([]event.AnyEvent, error) {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, errs.New(string(event.ExchangeBybit), errs.CodeDeserialise, errs.WithCause(err))
		}
		if env.Topic == "" {
			return nil, nil
		}
		id, ok := topicID(env.Topic)
		if !ok {
			return nil, nil
		}

		switch {
		case strings.HasPrefix(env.Topic, channelTrade+"."):
			return decodeTrades(lookup, id, env)
		case strings.HasPrefix(env.Topic, channelL1+"."):
			return decodeTicker(lookup, id, env)
		case strings.HasPrefix(env.Topic, "orderbook."):
			return decodeBook(lookup, l2, id, env)
		default:
			return nil, nil
		}
	}, nil
}

func decodeTrades(lookup transform.Lookup, id subscription.ID, env envelope) ([]event.AnyEvent, error) {
	var entries []tradeEntry
	if err := json.Unmarshal(env.Data, &entries); err != nil {
		return nil, errs.New(string(event.ExchangeBybit), errs.CodeDeserialise, errs.WithCause(err))
	}

	received := time.Now()
	var out []event.AnyEvent
	for _, e := range entries {
		price, err := decimal.NewFromString(e.Price)
		if err != nil {
			return nil, errs.New(string(event.ExchangeBybit), errs.CodeDeserialise, errs.WithCause(err))
		}
		amount, err := decimal.NewFromString(e.Size)
		if err != nil {
			return nil, errs.New(string(event.ExchangeBybit), errs.CodeDeserialise, errs.WithCause(err))
		}
		side := event.SideSell
		if strings.EqualFold(e.Side, "Buy") {
			side = event.SideBuy
		}
		trade := event.PublicTrade{ID: e.TradeID, Price: price, Amount: amount, Side: side}
		outcome := transform.Trades(lookup, id, event.ExchangeBybit, trade, time.UnixMilli(e.TradeTime), received)
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		out = append(out, outcome.Events...)
	}
	return out, nil
}

func decodeTicker(lookup transform.Lookup, id subscription.ID, env envelope) ([]event.AnyEvent, error) {
	var d tickerData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return nil, errs.New(string(event.ExchangeBybit), errs.CodeDeserialise, errs.WithCause(err))
	}
	// Spot ticker frames always carry the full field set, but guard anyway:
	// a frame without both sides carries nothing L1 can use.
	if d.Bid1Px == "" || d.Ask1Px == "" {
		return nil, nil
	}
	bid, err := level(d.Bid1Px, d.Bid1Size)
	if err != nil {
		return nil, err
	}
	ask, err := level(d.Ask1Px, d.Ask1Size)
	if err != nil {
		return nil, err
	}
	at := time.UnixMilli(env.TS)
	quote := event.OrderBookL1{LastUpdateTime: at, BestBid: &bid, BestAsk: &ask}
	outcome := transform.L1(lookup, id, event.ExchangeBybit, quote, at, time.Now())
	return outcome.Events, outcome.Err
}

func decodeBook(lookup transform.Lookup, l2 *transform.L2, id subscription.ID, env envelope) ([]event.AnyEvent, error) {
	entry, ok := lookup(id)
	if !ok {
		return nil, nil
	}

	var d bookData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return nil, errs.New(string(event.ExchangeBybit), errs.CodeDeserialise, errs.WithCause(err))
	}
	bids, err := levels(d.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := levels(d.Asks)
	if err != nil {
		return nil, err
	}
	at := time.UnixMilli(env.TS)

	if env.Type == "snapshot" {
		book := orderbook.New()
		book.ApplySnapshot(d.Update, at, bids, asks)
		if err := l2.Init(id, d.Update, book); err != nil {
			return nil, err
		}
		bookEvent := book.Event(true)
		return []event.AnyEvent{{
			TimeExchange: at,
			TimeReceived: time.Now(),
			Exchange:     event.ExchangeBybit,
			Instrument:   entry.Sub.Instrument,
			Kind:         event.DataKind{Book: &bookEvent},
		}}, nil
	}

	ev, applied, err := l2.Apply(id, entry.Sub.Instrument, sequencer.Update{LastUpdateID: d.Update, TimeMs: env.TS}, at, bids, asks)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, nil
	}
	return []event.AnyEvent{ev}, nil
}

func level(px, qty string) (event.Level, error) {
	p, err := decimal.NewFromString(px)
	if err != nil {
		return event.Level{}, errs.New(string(event.ExchangeBybit), errs.CodeDeserialise, errs.WithCause(err))
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return event.Level{}, errs.New(string(event.ExchangeBybit), errs.CodeDeserialise, errs.WithCause(err))
	}
	return event.Level{Price: p, Amount: q}, nil
}

func levels(raw [][]string) ([]event.Level, error) {
	out := make([]event.Level, 0, len(raw))
	for _, pair := range raw {
		if len(pair) != 2 {
			continue
		}
		l, err := level(pair[0], pair[1])
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}
