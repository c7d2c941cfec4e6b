// Package okx implements the OKX v5 public connector: per-argument
// subscribe acks, best-bid/offer tick-by-tick for top-of-book, and the
// books channel whose first push per instrument is a full snapshot. OKX
// updates carry no client-enforceable sequence rule, so L2 runs on the
// trust-timestamp sequencer.
package okx

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
	wsBaseURL        = "wss://ws.okx.com:8443/ws/v5/public"
	subscribeTimeout = 10 * time.Second
	pingInterval     = 25 * time.Second

	channelTrades = "trades"
	channelBBO    = "bbo-tbt"
	channelBooks  = "books"
)

// Response is the decoded shape of every frame during validation: a
// per-argument event ack, an error event, or a channel data push.
type Response struct {
	Event string          `json:"event"`
	Code  string          `json:"code"`
	Msg   string          `json:"msg"`
	Arg   Arg             `json:"arg"`
	Data  json.RawMessage `json:"data"`
}

// Arg is OKX's channel/instrument pair, echoed on acks and data pushes.
type Arg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

func (a Arg) id() subscription.ID {
	return subscription.ExchangeSub{Channel: a.Channel, Market: a.InstID}.ID()
}

// Connector implements connector.Connector[Response] for OKX public markets.
type Connector struct{}

// New constructs an OKX Connector.
func New() *Connector { return &Connector{} }

func (c *Connector) ID() event.ExchangeID { return event.ExchangeOKX }

func (c *Connector) URL() string { return wsBaseURL }

func (c *Connector) Accepts(kind event.InstrumentKind, channel subscription.Kind) bool {
	if kind != event.KindSpot && kind != event.KindPerpetual {
		return false
	}
	switch channel {
	case subscription.PublicTrades, subscription.OrderBooksL1, subscription.OrderBooksL2:
		return true
	default:
		return false
	}
}

// BuildRequests emits one subscribe op carrying every deduplicated
// channel/instId argument; OKX acknowledges each argument separately.
func (c *Connector) BuildRequests(subs []subscription.Subscription) ([]transport.WireMessage, []subscription.ExchangeSub, error) {
	seen := make(map[Arg]bool)
	var args []Arg
	exSubs := make([]subscription.ExchangeSub, len(subs))

	for i, s := range subs {
		arg := Arg{Channel: channelFor(s.Kind), InstID: instID(s.Instrument)}
		exSubs[i] = subscription.ExchangeSub{Channel: arg.Channel, Market: arg.InstID}
		if seen[arg] {
			continue
		}
		seen[arg] = true
		args = append(args, arg)
	}

	req := struct {
		Op   string `json:"op"`
		Args []Arg  `json:"args"`
	}{Op: "subscribe", Args: args}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, errs.New(string(c.ID()), errs.CodeInvalid, errs.WithMessage("marshal subscribe frame"), errs.WithCause(err))
	}
	return []transport.WireMessage{{Text: true, Data: body}}, exSubs, nil
}

// Ping sends the literal "ping" text frame; OKX closes connections silent
// for more than 30 seconds.
func (c *Connector) Ping() connector.PingSpec {
	return connector.PingSpec{
		Interval: pingInterval,
		Build: func() transport.WireMessage {
			return transport.WireMessage{Text: true, Data: []byte("ping")}
		},
	}
}

// ExpectedResponses counts one ack per distinct subscribe argument, which is
// exactly the instrument map's key count.
func (c *Connector) ExpectedResponses(m *subscription.InstrumentMap) int { return m.Len() }

func (c *Connector) SubscriptionTimeout() time.Duration { return subscribeTimeout }

// Decode parses raw into Response. The literal "pong" reply to our ping is
// not JSON; it surfaces as a Deserialise error the validator and handler
// both skip.
func (c *Connector) Decode(raw []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(raw, &r); err != nil {
		return Response{}, errs.New(string(c.ID()), errs.CodeDeserialise, errs.WithMessage("decode frame"), errs.WithCause(err))
	}
	return r, nil
}

// Classify implements validator.Classify[Response] for per-argument acks.
func Classify(resp Response) (validator.Outcome, validator.SubAck, error) {
	switch resp.Event {
	case "subscribe":
		return validator.OutcomeSubOK, validator.SubAck{RequestID: resp.Arg.id()}, nil
	case "error":
		return validator.OutcomeSubError, validator.SubAck{},
			errs.New(string(event.ExchangeOKX), errs.CodeSubscribe, errs.WithRawCode(resp.Code), errs.WithRawMessage(resp.Msg))
	}
	if resp.Arg.Channel != "" && len(resp.Data) > 0 {
		return validator.OutcomeHoldover, validator.SubAck{}, nil
	}
	return validator.OutcomeIgnore, validator.SubAck{}, nil
}

func instID(i event.Instrument) string {
	base := strings.ToUpper(i.Base)
	quote := strings.ToUpper(i.Quote)
	if i.Kind == event.KindPerpetual {
		return base + "-" + quote + "-SWAP"
	}
	return base + "-" + quote
}

func channelFor(k subscription.Kind) string {
	switch k {
	case subscription.PublicTrades:
		return channelTrades
	case subscription.OrderBooksL1:
		return channelBBO
	case subscription.OrderBooksL2:
		return channelBooks
	default:
		return string(k)
	}
}

type push struct {
	Arg    Arg             `json:"arg"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type tradeEntry struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Price   string `json:"px"`
	Size    string `json:"sz"`
	Side    string `json:"side"`
	TS      string `json:"ts"`
}

type bookEntry struct {
	Asks  [][]string `json:"asks"`
	Bids  [][]string `json:"bids"`
	TS    string     `json:"ts"`
	SeqID uint64     `json:"seqId"`
}

// NewHandler builds the live FrameHandler for a validated connection. The
// books channel pushes its own snapshot as the first frame per instrument,
// so snaps is always empty; the book seeds from the stream itself.
func NewHandler(m *subscription.InstrumentMap, _ []snapshot.Snapshot, _ chan<- transport.WireMessage) (func(raw []byte) ([]event.AnyEvent, error), error) {
	l2 := transform.NewL2(event.ExchangeOKX, func() sequencer.Sequencer { return sequencer.NewTrustTimestamp(nil) })

	lookup := func(id subscription.ID) (subscription.Entry, bool) { return m.Get(id) }

	return func(raw []byte) ([]event.AnyEvent, error) {
		if string(raw) == "pong" {
			return nil, nil
		}
		var p push
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errs.New(string(event.ExchangeOKX), errs.CodeDeserialise, errs.WithCause(err))
		}
		if p.Arg.Channel == "" || len(p.Data) == 0 {
			return nil, nil
		}

		switch p.Arg.Channel {
		case channelTrades:
			return decodeTrades(lookup, p)
		case channelBBO:
			return decodeBBO(lookup, p)
		case channelBooks:
			return decodeBooks(lookup, l2, p)
		default:
			return nil, nil
		}
	}, nil
}

func decodeTrades(lookup transform.Lookup, p push) ([]event.AnyEvent, error) {
	var entries []tradeEntry
	if err := json.Unmarshal(p.Data, &entries); err != nil {
		return nil, errs.New(string(event.ExchangeOKX), errs.CodeDeserialise, errs.WithCause(err))
	}

	received := time.Now()
	var out []event.AnyEvent
	for _, e := range entries {
		price, err := decimal.NewFromString(e.Price)
		if err != nil {
			return nil, errs.New(string(event.ExchangeOKX), errs.CodeDeserialise, errs.WithCause(err))
		}
		amount, err := decimal.NewFromString(e.Size)
		if err != nil {
			return nil, errs.New(string(event.ExchangeOKX), errs.CodeDeserialise, errs.WithCause(err))
		}
		side := event.SideSell
		if e.Side == "buy" {
			side = event.SideBuy
		}
		trade := event.PublicTrade{ID: e.TradeID, Price: price, Amount: amount, Side: side}
		outcome := transform.Trades(lookup, p.Arg.id(), event.ExchangeOKX, trade, msTime(e.TS), received)
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		out = append(out, outcome.Events...)
	}
	return out, nil
}

func decodeBBO(lookup transform.Lookup, p push) ([]event.AnyEvent, error) {
	var entries []bookEntry
	if err := json.Unmarshal(p.Data, &entries); err != nil {
		return nil, errs.New(string(event.ExchangeOKX), errs.CodeDeserialise, errs.WithCause(err))
	}

	var out []event.AnyEvent
	for _, e := range entries {
		at := msTime(e.TS)
		quote := event.OrderBookL1{LastUpdateTime: at}
		if len(e.Bids) > 0 {
			bid, err := level(e.Bids[0])
			if err != nil {
				return nil, err
			}
			quote.BestBid = &bid
		}
		if len(e.Asks) > 0 {
			ask, err := level(e.Asks[0])
			if err != nil {
				return nil, err
			}
			quote.BestAsk = &ask
		}
		outcome := transform.L1(lookup, p.Arg.id(), event.ExchangeOKX, quote, at, time.Now())
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		out = append(out, outcome.Events...)
	}
	return out, nil
}

func decodeBooks(lookup transform.Lookup, l2 *transform.L2, p push) ([]event.AnyEvent, error) {
	id := p.Arg.id()
	entry, ok := lookup(id)
	if !ok {
		return nil, nil
	}

	var entries []bookEntry
	if err := json.Unmarshal(p.Data, &entries); err != nil {
		return nil, errs.New(string(event.ExchangeOKX), errs.CodeDeserialise, errs.WithCause(err))
	}

	var out []event.AnyEvent
	for _, e := range entries {
		bids, err := sideLevels(e.Bids)
		if err != nil {
			return nil, err
		}
		asks, err := sideLevels(e.Asks)
		if err != nil {
			return nil, err
		}
		at := msTime(e.TS)

		if p.Action == "snapshot" {
			book := orderbook.New()
			book.ApplySnapshot(e.SeqID, at, bids, asks)
			if err := l2.Init(id, e.SeqID, book); err != nil {
				return nil, err
			}
			bookEvent := book.Event(true)
			out = append(out, event.AnyEvent{
				TimeExchange: at,
				TimeReceived: time.Now(),
				Exchange:     event.ExchangeOKX,
				Instrument:   entry.Sub.Instrument,
				Kind:         event.DataKind{Book: &bookEvent},
			})
			continue
		}

		ev, applied, err := l2.Apply(id, entry.Sub.Instrument, sequencer.Update{LastUpdateID: e.SeqID, TimeMs: at.UnixMilli()}, at, bids, asks)
		if err != nil {
			return nil, err
		}
		if applied {
			out = append(out, ev)
		}
	}
	return out, nil
}

// level parses one OKX depth entry ["px","sz","0","numOrders"]; only the
// first two positions matter for the normalised book.
func level(raw []string) (event.Level, error) {
	if len(raw) < 2 {
		return event.Level{}, errs.New(string(event.ExchangeOKX), errs.CodeDeserialise, errs.WithMessage("depth entry too short"))
	}
	p, err := decimal.NewFromString(raw[0])
	if err != nil {
		return event.Level{}, errs.New(string(event.ExchangeOKX), errs.CodeDeserialise, errs.WithCause(err))
	}
	q, err := decimal.NewFromString(raw[1])
	if err != nil {
		return event.Level{}, errs.New(string(event.ExchangeOKX), errs.CodeDeserialise, errs.WithCause(err))
	}
	return event.Level{Price: p, Amount: q}, nil
}

func sideLevels(raw [][]string) ([]event.Level, error) {
	out := make([]event.Level, 0, len(raw))
	for _, entry := range raw {
		l, err := level(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func msTime(ts string) time.Time {
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
