// Package fake provides an in-memory venue for pipeline tests: a connector
// speaking a trivial subscribe/ack/data protocol and a scriptable WebSocket
// server to terminate it. It exists so exstream, validator, and multiplex
// behaviour can be exercised end-to-end over a real socket without touching
// any production venue.
package fake

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/meltfeed/connector"
	"github.com/coachpo/meltfeed/errs"
	"github.com/coachpo/meltfeed/event"
	"github.com/coachpo/meltfeed/snapshot"
	"github.com/coachpo/meltfeed/subscription"
	"github.com/coachpo/meltfeed/transform"
	"github.com/coachpo/meltfeed/transport"
	"github.com/coachpo/meltfeed/validator"
)

const channelName = "fake"

// Response is the wire shape of every frame the fake venue emits.
type Response struct {
	Type   string `json:"type"` // "ack" | "reject" | "data" | "noise"
	Market string `json:"market"`
	Price  string `json:"price"`
	Amount string `json:"amount"`
	Side   string `json:"side"`
	TS     int64  `json:"ts"`
	Msg    string `json:"msg"`
}

// Connector implements connector.Connector[Response] against a test server.
type Connector struct {
	exchange event.ExchangeID
	url      string
	timeout  time.Duration
}

// New constructs a fake Connector for the venue at url, reporting itself as
// exchange id.
func New(id event.ExchangeID, url string) *Connector {
	return &Connector{exchange: id, url: url, timeout: 2 * time.Second}
}

// WithTimeout overrides the subscription timeout, which tests shrink to keep
// the validator-timeout path fast.
func (c *Connector) WithTimeout(d time.Duration) *Connector {
	c.timeout = d
	return c
}

func (c *Connector) ID() event.ExchangeID { return c.exchange }

func (c *Connector) URL() string { return c.url }

func (c *Connector) Accepts(kind event.InstrumentKind, channel subscription.Kind) bool {
	return kind == event.KindSpot && channel == subscription.PublicTrades
}

// BuildRequests emits a single subscribe frame listing every market.
func (c *Connector) BuildRequests(subs []subscription.Subscription) ([]transport.WireMessage, []subscription.ExchangeSub, error) {
	exSubs := make([]subscription.ExchangeSub, len(subs))
	markets := make([]string, 0, len(subs))
	seen := make(map[string]bool)
	for i, s := range subs {
		market := s.Instrument.String()
		exSubs[i] = subscription.ExchangeSub{Channel: channelName, Market: market}
		if !seen[market] {
			seen[market] = true
			markets = append(markets, market)
		}
	}

	req := struct {
		Op      string   `json:"op"`
		Markets []string `json:"markets"`
	}{Op: "subscribe", Markets: markets}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, errs.New(string(c.exchange), errs.CodeInvalid, errs.WithCause(err))
	}
	return []transport.WireMessage{{Text: true, Data: body}}, exSubs, nil
}

func (c *Connector) Ping() connector.PingSpec { return connector.PingSpec{} }

// ExpectedResponses is 1: the batch subscribe receives a single ack.
func (c *Connector) ExpectedResponses(*subscription.InstrumentMap) int { return 1 }

func (c *Connector) SubscriptionTimeout() time.Duration { return c.timeout }

func (c *Connector) Decode(raw []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(raw, &r); err != nil {
		return Response{}, errs.New(string(c.exchange), errs.CodeDeserialise, errs.WithCause(err))
	}
	return r, nil
}

// Classify implements validator.Classify[Response].
func Classify(resp Response) (validator.Outcome, validator.SubAck, error) {
	switch resp.Type {
	case "ack":
		return validator.OutcomeSubOK, validator.SubAck{}, nil
	case "reject":
		return validator.OutcomeSubError, validator.SubAck{},
			errs.New("fake", errs.CodeSubscribe, errs.WithRawMessage(resp.Msg))
	case "data":
		return validator.OutcomeHoldover, validator.SubAck{}, nil
	default:
		return validator.OutcomeIgnore, validator.SubAck{}, nil
	}
}

// NewHandler returns the exstream.HandlerFactory for exchange.
func NewHandler(exchange event.ExchangeID) func(m *subscription.InstrumentMap, snaps []snapshot.Snapshot, sink chan<- transport.WireMessage) (func(raw []byte) ([]event.AnyEvent, error), error) {
	return func(m *subscription.InstrumentMap, _ []snapshot.Snapshot, _ chan<- transport.WireMessage) (func(raw []byte) ([]event.AnyEvent, error), error) {
		lookup := func(id subscription.ID) (subscription.Entry, bool) { return m.Get(id) }

		return func(raw []byte) ([]event.AnyEvent, error) {
			var r Response
			if err := json.Unmarshal(raw, &r); err != nil {
				return nil, errs.New(string(exchange), errs.CodeDeserialise, errs.WithCause(err))
			}
			if r.Type != "data" {
				return nil, nil
			}
			price, err := decimal.NewFromString(r.Price)
			if err != nil {
				return nil, errs.New(string(exchange), errs.CodeDeserialise, errs.WithCause(err))
			}
			amount := decimal.NewFromInt(1)
			if r.Amount != "" {
				amount, err = decimal.NewFromString(r.Amount)
				if err != nil {
					return nil, errs.New(string(exchange), errs.CodeDeserialise, errs.WithCause(err))
				}
			}
			side := event.SideBuy
			if r.Side == "sell" {
				side = event.SideSell
			}
			trade := event.PublicTrade{ID: r.Market, Price: price, Amount: amount, Side: side}
			id := subscription.ExchangeSub{Channel: channelName, Market: r.Market}.ID()
			outcome := transform.Trades(lookup, id, exchange, trade, time.UnixMilli(r.TS), time.Now())
			return outcome.Events, outcome.Err
		}, nil
	}
}

// Ack renders a subscribe acknowledgement frame.
func Ack() []byte { return []byte(`{"type":"ack"}`) }

// Reject renders a subscription rejection frame.
func Reject(msg string) []byte {
	body, _ := json.Marshal(Response{Type: "reject", Msg: msg})
	return body
}

// Trade renders a data frame for market at the given price.
func Trade(market, price string, ts int64) []byte {
	body, _ := json.Marshal(Response{Type: "data", Market: market, Price: price, Amount: "1", Side: "buy", TS: ts})
	return body
}
