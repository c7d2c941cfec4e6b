// Package binance implements the Binance spot connector: combined-stream
// WebSocket subscribe/trade/depth frames, the spot L2 sequencer discipline,
// and an HTTP REST depth-snapshot fetcher.
package binance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/meltfeed/connector"
	"github.com/coachpo/meltfeed/errs"
	"github.com/coachpo/meltfeed/event"
	"github.com/coachpo/meltfeed/sequencer"
	"github.com/coachpo/meltfeed/snapshot"
	"github.com/coachpo/meltfeed/subscription"
	"github.com/coachpo/meltfeed/transform"
	"github.com/coachpo/meltfeed/transport"
	"github.com/coachpo/meltfeed/validator"
)

const (
	wsBaseURL         = "wss://stream.binance.com:9443/stream"
	restBaseURL       = "https://api.binance.com"
	controlMsgPerSec  = 5
	subscribeTimeout  = 10 * time.Second
	depthSnapshotSize = 1000
)

// DialOptions paces control messages under Binance's five-per-second cap.
func DialOptions() transport.DialOptions {
	return transport.DialOptions{Limiter: transport.NewControlLimiter(controlMsgPerSec, time.Second)}
}

// Response is the decoded shape of every frame the validator inspects:
// either a subscribe ack ({"result":null,"id":N}) or a combined-stream
// envelope ({"stream":"...","data":{...}}).
type Response struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *ackError       `json:"error"`
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type ackError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Connector implements connector.Connector[Response] for Binance spot.
type Connector struct {
	nextID int64
}

// New constructs a Binance spot Connector.
func New() *Connector { return &Connector{nextID: 1} }

func (c *Connector) ID() event.ExchangeID { return event.ExchangeBinanceSpot }

func (c *Connector) URL() string { return wsBaseURL }

// Accepts reports Spot-only support for trades, L1 (bookTicker), and L2
// (combined depth + diff).
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

func (c *Connector) BuildRequests(subs []subscription.Subscription) ([]transport.WireMessage, []subscription.ExchangeSub, error) {
	seen := make(map[string]bool)
	var streams []string
	exSubs := make([]subscription.ExchangeSub, len(subs))

	for i, s := range subs {
		market := symbol(s.Instrument)
		stream := market + "@" + streamSuffix(s.Kind)
		exSubs[i] = subscription.ExchangeSub{Channel: streamSuffix(s.Kind), Market: market}
		if seen[stream] {
			continue
		}
		seen[stream] = true
		streams = append(streams, stream)
	}

	req := struct {
		Method string   `json:"method"`
		Params []string `json:"params"`
		ID     int64    `json:"id"`
	}{Method: "SUBSCRIBE", Params: streams, ID: c.nextID}
	c.nextID++

	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, errs.New(string(c.ID()), errs.CodeInvalid, errs.WithMessage("marshal subscribe frame"), errs.WithCause(err))
	}
	return []transport.WireMessage{{Text: true, Data: body}}, exSubs, nil
}

func (c *Connector) Ping() connector.PingSpec {
	// Binance expects unsolicited protocol pings from the server; the
	// client only needs to answer with a pong, which coder/websocket does
	// automatically. No client-initiated ping task is required.
	return connector.PingSpec{}
}

func (c *Connector) ExpectedResponses(m *subscription.InstrumentMap) int { return 1 }

func (c *Connector) SubscriptionTimeout() time.Duration { return subscribeTimeout }

func (c *Connector) Decode(raw []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(raw, &r); err != nil {
		return Response{}, errs.New(string(c.ID()), errs.CodeDeserialise, errs.WithMessage("decode frame"), errs.WithCause(err))
	}
	return r, nil
}

// Classify implements validator.Classify[Response]: the combined-stream
// subscribe flow sends exactly one SUBSCRIBE frame, so a single ack
// (Stream=="" and ID!=nil) satisfies ExpectedResponses==1; every data frame
// arriving before that ack is buffered as holdover.
func Classify(resp Response) (validator.Outcome, validator.SubAck, error) {
	if resp.ID != nil {
		if resp.Error != nil {
			return validator.OutcomeSubError, validator.SubAck{}, fmt.Errorf("binance subscribe error %d: %s", resp.Error.Code, resp.Error.Msg)
		}
		return validator.OutcomeSubOK, validator.SubAck{}, nil
	}
	if resp.Stream != "" {
		return validator.OutcomeHoldover, validator.SubAck{}, nil
	}
	return validator.OutcomeIgnore, validator.SubAck{}, nil
}

func symbol(i event.Instrument) string {
	return strings.ToLower(i.Base + i.Quote)
}

func streamSuffix(k subscription.Kind) string {
	switch k {
	case subscription.PublicTrades:
		return "trade"
	case subscription.OrderBooksL1:
		return "bookTicker"
	case subscription.OrderBooksL2:
		return "depth@100ms"
	default:
		return string(k)
	}
}

// tradeFrame is the "e":"trade" payload shape.
type tradeFrame struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Qty       string `json:"q"`
	TradeTime int64  `json:"T"`
	IsMaker   bool   `json:"m"`
}

type bookTickerFrame struct {
	Symbol  string `json:"s"`
	BidPx   string `json:"b"`
	BidQty  string `json:"B"`
	AskPx   string `json:"a"`
	AskQty  string `json:"A"`
	EventMS int64  `json:"E"`
}

type depthUpdateFrame struct {
	EventType string     `json:"e"`
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	FirstID   uint64     `json:"U"`
	LastID    uint64     `json:"u"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

// NewHandler builds the live FrameHandler for a validated connection. It
// dispatches combined-stream envelopes by suffix and, for L2 subscriptions,
// drives transform.L2 seeded from snapshots.
func NewHandler(m *subscription.InstrumentMap, snaps []snapshot.Snapshot, _ chan<- transport.WireMessage) (func(raw []byte) ([]event.AnyEvent, error), error) {
	l2 := transform.NewL2(event.ExchangeBinanceSpot, func() sequencer.Sequencer { return &sequencer.BinanceSpot{} })
	for _, snap := range snaps {
		if err := l2.Init(snap.ID, snap.Event.Kind.Sequence, snap.Book); err != nil {
			return nil, err
		}
	}

	lookup := func(id subscription.ID) (subscription.Entry, bool) { return m.Get(id) }

	return func(raw []byte) ([]event.AnyEvent, error) {
		var env struct {
			Stream string          `json:"stream"`
			Data   json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, errs.New(string(event.ExchangeBinanceSpot), errs.CodeDeserialise, errs.WithCause(err))
		}
		if env.Stream == "" {
			return nil, nil
		}

		switch {
		case strings.HasSuffix(env.Stream, "@trade"):
			return decodeTrade(lookup, env.Stream, env.Data)
		case strings.HasSuffix(env.Stream, "@bookTicker"):
			return decodeBookTicker(lookup, env.Stream, env.Data)
		case strings.Contains(env.Stream, "@depth"):
			return decodeDepth(lookup, l2, env.Stream, env.Data)
		default:
			return nil, nil
		}
	}, nil
}

func decodeTrade(lookup transform.Lookup, stream string, data json.RawMessage) ([]event.AnyEvent, error) {
	var f tradeFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errs.New(string(event.ExchangeBinanceSpot), errs.CodeDeserialise, errs.WithCause(err))
	}
	price, err := decimal.NewFromString(f.Price)
	if err != nil {
		return nil, errs.New(string(event.ExchangeBinanceSpot), errs.CodeDeserialise, errs.WithCause(err))
	}
	amount, err := decimal.NewFromString(f.Qty)
	if err != nil {
		return nil, errs.New(string(event.ExchangeBinanceSpot), errs.CodeDeserialise, errs.WithCause(err))
	}
	side := event.SideBuy
	if f.IsMaker {
		side = event.SideSell
	}
	trade := event.PublicTrade{ID: strconv.FormatInt(f.TradeID, 10), Price: price, Amount: amount, Side: side}
	timeExchange := time.UnixMilli(f.TradeTime)
	outcome := transform.Trades(lookup, subscription.ID(stream), event.ExchangeBinanceSpot, trade, timeExchange, time.Now())
	return outcome.Events, outcome.Err
}

func decodeBookTicker(lookup transform.Lookup, stream string, data json.RawMessage) ([]event.AnyEvent, error) {
	var f bookTickerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errs.New(string(event.ExchangeBinanceSpot), errs.CodeDeserialise, errs.WithCause(err))
	}
	bid, err := level(f.BidPx, f.BidQty)
	if err != nil {
		return nil, err
	}
	ask, err := level(f.AskPx, f.AskQty)
	if err != nil {
		return nil, err
	}
	at := time.Now()
	if f.EventMS > 0 {
		at = time.UnixMilli(f.EventMS)
	}
	quote := event.OrderBookL1{LastUpdateTime: at, BestBid: &bid, BestAsk: &ask}
	outcome := transform.L1(lookup, subscription.ID(stream), event.ExchangeBinanceSpot, quote, at, time.Now())
	return outcome.Events, outcome.Err
}

func decodeDepth(lookup transform.Lookup, l2 *transform.L2, stream string, data json.RawMessage) ([]event.AnyEvent, error) {
	var f depthUpdateFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errs.New(string(event.ExchangeBinanceSpot), errs.CodeDeserialise, errs.WithCause(err))
	}

	entry, ok := lookup(subscription.ID(stream))
	if !ok {
		return nil, nil
	}

	bids, err := levels(f.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := levels(f.Asks)
	if err != nil {
		return nil, err
	}

	at := time.UnixMilli(f.EventTime)
	ev, ok, err := l2.Apply(subscription.ID(stream), entry.Sub.Instrument,
		sequencer.Update{FirstUpdateID: f.FirstID, LastUpdateID: f.LastID}, at, bids, asks)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return []event.AnyEvent{ev}, nil
}

func level(px, qty string) (event.Level, error) {
	p, err := decimal.NewFromString(px)
	if err != nil {
		return event.Level{}, errs.New(string(event.ExchangeBinanceSpot), errs.CodeDeserialise, errs.WithCause(err))
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return event.Level{}, errs.New(string(event.ExchangeBinanceSpot), errs.CodeDeserialise, errs.WithCause(err))
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

// SnapshotFetcher hits Binance's REST depth endpoint, retrying transient
// failures with an exponential backoff — the one HTTP call in the pipeline
// that the socket reconnect loop doesn't cover.
type SnapshotFetcher struct {
	client  *http.Client
	baseURL string
	retries uint
}

// NewSnapshotFetcher constructs a fetcher against Binance's public REST API.
func NewSnapshotFetcher(timeout time.Duration) *SnapshotFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SnapshotFetcher{client: &http.Client{Timeout: timeout}, baseURL: restBaseURL, retries: 3}
}

func (f *SnapshotFetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(string(event.ExchangeBinanceSpot), errs.CodeExchange,
			errs.WithMessage("depth snapshot request refused"), errs.WithHTTP(resp.StatusCode))
	}
	return io.ReadAll(resp.Body)
}

type depthSnapshotResponse struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// Fetch implements snapshot.Fetcher.
func (f *SnapshotFetcher) Fetch(ctx context.Context, sub subscription.Subscription) (uint64, time.Time, []event.Level, []event.Level, error) {
	url := fmt.Sprintf("%s/api/v3/depth?symbol=%s&limit=%d", f.baseURL, strings.ToUpper(sub.Instrument.Base+sub.Instrument.Quote), depthSnapshotSize)

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = 5 * time.Second

	var body []byte
	var lastErr error
	for attempt := uint(0); attempt < f.retries; attempt++ {
		body, lastErr = f.fetchOnce(ctx, url)
		if lastErr == nil {
			break
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return 0, time.Time{}, nil, nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	if lastErr != nil {
		return 0, time.Time{}, nil, nil, lastErr
	}

	var parsed depthSnapshotResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, time.Time{}, nil, nil, err
	}
	bids, err := levels(parsed.Bids)
	if err != nil {
		return 0, time.Time{}, nil, nil, err
	}
	asks, err := levels(parsed.Asks)
	if err != nil {
		return 0, time.Time{}, nil, nil, err
	}
	return parsed.LastUpdateID, time.Now(), bids, asks, nil
}
