// Package exstream composes one venue's full pipeline — socket, validator,
// optional L2 snapshot fan-out, and transformer — into the single
// reconnect.InitFunc that a reconnect.Run loop drives. It owns the two
// background tasks every connection needs (sink-writer, ping-ticker) and the
// foreground read loop that turns raw frames into normalised events. The
// composition itself is venue-agnostic: only the connector and its
// HandlerFactory are supplied per venue.
package exstream

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/meltfeed/connector"
	"github.com/coachpo/meltfeed/errs"
	"github.com/coachpo/meltfeed/event"
	"github.com/coachpo/meltfeed/reconnect"
	"github.com/coachpo/meltfeed/snapshot"
	"github.com/coachpo/meltfeed/subscription"
	"github.com/coachpo/meltfeed/telemetry"
	"github.com/coachpo/meltfeed/transport"
	"github.com/coachpo/meltfeed/validator"
)

// FrameHandler decodes one live raw frame into zero or more normalised
// events. A frame with no matching SubscriptionId is not an error — the
// handler returns (nil, nil) and the caller drops it silently, per the
// Unidentifiable disposition.
type FrameHandler func(raw []byte) ([]event.AnyEvent, error)

// HandlerFactory builds the live FrameHandler once validation has produced
// the final InstrumentMap (after any Bitfinex-style numeric-id rekey) and,
// for L2 connectors, the matching REST snapshots. sink is where the
// handler pushes any outbound control frame the protocol decoder can't
// produce itself (a venue-level pong keyed off the payload, say).
type HandlerFactory func(m *subscription.InstrumentMap, snapshots []snapshot.Snapshot, sink chan<- transport.WireMessage) (func(raw []byte) ([]event.AnyEvent, error), error)

// Config bundles everything Open needs to compose one connector's pipeline.
// R is the venue's validator response shape, matching connector.Connector[R].
type Config[R any] struct {
	Connector       connector.Connector[R]
	Subs            []subscription.Subscription
	Classify        validator.Classify[R]
	NewHandler      HandlerFactory
	SnapshotFetcher snapshot.Fetcher // nil unless any Sub.Kind == subscription.OrderBooksL2
	DialOpts        transport.DialOptions
	IsTerminal      func(error) bool
	Logger          *log.Logger
	Metrics         *telemetry.Metrics
}

// Option configures a Config built via NewConfig.
type Option[R any] func(*Config[R])

// WithLogger attaches a logger to the Config.
func WithLogger[R any](logger *log.Logger) Option[R] {
	return func(c *Config[R]) { c.Logger = logger }
}

// WithDialOptions overrides the transport dial options (rate limiter,
// read-size limit).
func WithDialOptions[R any](opts transport.DialOptions) Option[R] {
	return func(c *Config[R]) { c.DialOpts = opts }
}

// WithSnapshotFetcher enables the L2 snapshot fan-out for any subscription
// in the batch whose Kind is subscription.OrderBooksL2.
func WithSnapshotFetcher[R any](f snapshot.Fetcher) Option[R] {
	return func(c *Config[R]) { c.SnapshotFetcher = f }
}

// WithIsTerminal overrides the terminal-error classifier; the default is
// DefaultIsTerminal.
func WithIsTerminal[R any](fn func(error) bool) Option[R] {
	return func(c *Config[R]) { c.IsTerminal = fn }
}

// WithMetrics records validator latency, snapshot latency, and sequencer
// gaps for every connection this config opens. Nil (the default) disables
// recording entirely.
func WithMetrics[R any](m *telemetry.Metrics) Option[R] {
	return func(c *Config[R]) { c.Metrics = m }
}

// NewConfig builds a Config from its required fields plus any Option.
func NewConfig[R any](conn connector.Connector[R], subs []subscription.Subscription, classify validator.Classify[R], newHandler HandlerFactory, opts ...Option[R]) Config[R] {
	cfg := Config[R]{Connector: conn, Subs: subs, Classify: classify, NewHandler: newHandler}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// DefaultIsTerminal classifies an error by the errs.Code taxonomy's Terminal
// table: Subscribe, Socket, InitialSnapshot, and Sequence tear down the
// connection; Deserialise and Unidentifiable do not. An error that isn't one
// of this module's *errs.E values is treated conservatively as terminal.
func DefaultIsTerminal(err error) bool {
	var e *errs.E
	if errors.As(err, &e) {
		return e.Code.Terminal()
	}
	return true
}

// Open returns the reconnect.InitFunc for cfg: one call per connection
// attempt, dialing, subscribing, validating, and (for L2) seeding snapshots
// before handing control to the foreground read loop.
func Open[R any](cfg Config[R]) reconnect.InitFunc[event.AnyEvent] {
	return func(ctx context.Context) (reconnect.Inner[event.AnyEvent], error) {
		return open(ctx, cfg)
	}
}

func open[R any](ctx context.Context, cfg Config[R]) (reconnect.Inner[event.AnyEvent], error) {
	isTerminal := cfg.IsTerminal
	if isTerminal == nil {
		isTerminal = DefaultIsTerminal
	}

	wireMsgs, exSubs, err := connector.Build(cfg.Connector, cfg.Subs)
	if err != nil {
		return reconnect.Inner[event.AnyEvent]{}, err
	}

	// connID correlates this attempt's log lines across reconnect cycles,
	// which all share one logger.
	connID := uuid.NewString()

	conn, err := transport.Dial(ctx, cfg.Connector.URL(), cfg.DialOpts)
	if err != nil {
		return reconnect.Inner[event.AnyEvent]{}, err
	}

	for _, msg := range wireMsgs {
		if werr := conn.Write(ctx, msg); werr != nil {
			_ = conn.Close()
			return reconnect.Inner[event.AnyEvent]{}, werr
		}
	}

	m := subscription.NewInstrumentMap()
	for i, s := range cfg.Subs {
		if i < len(exSubs) {
			m.Put(exSubs[i].ID(), s, nil)
		}
	}

	exchangeAttr := metric.WithAttributes(attribute.String("exchange", string(cfg.Connector.ID())))

	validateStart := time.Now()
	result, err := validator.Run(ctx, conn, validator.Config[R]{
		Map:      m,
		Expected: cfg.Connector.ExpectedResponses(m),
		Timeout:  cfg.Connector.SubscriptionTimeout(),
		Decode:   cfg.Connector.Decode,
		Classify: cfg.Classify,
	})
	if err != nil {
		_ = conn.Close()
		return reconnect.Inner[event.AnyEvent]{}, err
	}
	if cfg.Metrics != nil {
		cfg.Metrics.ValidatorLatency.Record(ctx, float64(time.Since(validateStart).Milliseconds()), exchangeAttr)
	}
	if cfg.Logger != nil {
		cfg.Logger.Printf("exstream: %s conn %s validated %d subscriptions",
			cfg.Connector.ID(), connID, result.Map.Len())
	}

	var snaps []snapshot.Snapshot
	if cfg.SnapshotFetcher != nil {
		if reqs := l2Requests(result.Map); len(reqs) > 0 {
			snapStart := time.Now()
			snaps, err = snapshot.FetchAll(ctx, cfg.SnapshotFetcher, cfg.Connector.ID(), reqs)
			if err != nil {
				_ = conn.Close()
				return reconnect.Inner[event.AnyEvent]{}, err
			}
			if cfg.Metrics != nil {
				cfg.Metrics.SnapshotLatency.Record(ctx, float64(time.Since(snapStart).Milliseconds()), exchangeAttr)
			}
		}
	}

	sink := make(chan transport.WireMessage, 16)
	handler, err := cfg.NewHandler(result.Map, snaps, sink)
	if err != nil {
		_ = conn.Close()
		return reconnect.Inner[event.AnyEvent]{}, err
	}
	if cfg.Metrics != nil {
		inner := handler
		handler = func(raw []byte) ([]event.AnyEvent, error) {
			events, herr := inner(raw)
			if herr != nil {
				var e *errs.E
				if errors.As(herr, &e) && e.Code == errs.CodeSequence {
					cfg.Metrics.SequencerGaps.Add(ctx, 1, exchangeAttr)
				}
			}
			return events, herr
		}
	}

	items := transport.NewUnbounded[reconnect.Msg[event.AnyEvent]]()
	done := make(chan struct{})

	var wg conc.WaitGroup

	// Sink-writer: the single consumer of sink, forwarding the transformer's
	// and the ping-ticker's outbound frames onto the socket's write half.
	// Terminates when sink is closed by the foreground loop below.
	wg.Go(func() {
		for msg := range sink {
			if werr := conn.Write(ctx, msg); werr != nil {
				return
			}
		}
	})

	pingStop := make(chan struct{})
	if ping := cfg.Connector.Ping(); ping.Enabled() {
		wg.Go(func() { runPingTicker(ctx, ping, sink, pingStop) })
	}

	go func() {
		runForeground(ctx, conn, handler, result.Holdover, items.In(), isTerminal)

		// Teardown in the order that lets each background task drain
		// cleanly: stop the ping-ticker, close sink so the sink-writer
		// finishes forwarding whatever is queued, join both, then close
		// the socket and the item queue.
		close(pingStop)
		close(sink)
		wg.Wait()
		_ = conn.Close()
		close(items.In())
		close(done)
	}()

	return reconnect.Inner[event.AnyEvent]{Items: items.Out(), Done: done, IsTerminal: isTerminal}, nil
}

// runForeground replays any validator holdover frames, then reads live
// frames from conn until a terminal error is observed or the socket closes.
func runForeground(ctx context.Context, conn *transport.Conn, handler FrameHandler, holdover [][]byte, items chan<- reconnect.Msg[event.AnyEvent], isTerminal func(error) bool) {
	for _, raw := range holdover {
		if !emitFrame(ctx, handler, raw, items, isTerminal) {
			return
		}
	}

	for {
		raw, err := conn.Read(ctx)
		if err != nil {
			select {
			case items <- reconnect.Msg[event.AnyEvent]{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		if !emitFrame(ctx, handler, raw, items, isTerminal) {
			return
		}
	}
}

// emitFrame decodes raw through handler and forwards its events (or error)
// onto items. It returns false once a terminal error has been observed,
// signalling the caller to stop producing — mirroring the teardown that
// would otherwise only happen inside reconnect.Run's consumption loop,
// which has no way to reach back into an abandoned producer goroutine.
func emitFrame(ctx context.Context, handler FrameHandler, raw []byte, items chan<- reconnect.Msg[event.AnyEvent], isTerminal func(error) bool) bool {
	events, err := handler(raw)
	if err != nil {
		select {
		case items <- reconnect.Msg[event.AnyEvent]{Err: err}:
		case <-ctx.Done():
			return false
		}
		return !isTerminal(err)
	}
	for _, e := range events {
		select {
		case items <- reconnect.Msg[event.AnyEvent]{Value: e}:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func runPingTicker(ctx context.Context, ping connector.PingSpec, sink chan<- transport.WireMessage, stop <-chan struct{}) {
	ticker := time.NewTicker(ping.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			select {
			case sink <- ping.Build():
			case <-ctx.Done():
				return
			case <-stop:
				return
			}
		}
	}
}

func l2Requests(m *subscription.InstrumentMap) []snapshot.Request {
	var reqs []snapshot.Request
	m.Range(func(id subscription.ID, e subscription.Entry) {
		if e.Sub.Kind == subscription.OrderBooksL2 {
			reqs = append(reqs, snapshot.Request{ID: id, Sub: e.Sub})
		}
	})
	return reqs
}
