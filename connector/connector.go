// Package connector defines the per-venue strategy object every exchange
// implements: URL, subscription payload builder, ping policy, and the
// response type its validator parses. A Connector is intentionally
// stateless — a pure function from a subscription set to wire behaviour;
// all run-time state lives in the validator, transformer, and sequencer
// that the exstream pipeline builds around it.
package connector

import (
	"time"

	"github.com/coachpo/meltfeed/errs"
	"github.com/coachpo/meltfeed/event"
	"github.com/coachpo/meltfeed/subscription"
	"github.com/coachpo/meltfeed/transport"
)

// PingSpec describes a connector's keepalive requirement. A connector with
// no ping requirement (rare; most venues expect client pings or respond to
// protocol-level pings) leaves Interval zero, signalling "no background
// ping task needed."
type PingSpec struct {
	Interval time.Duration
	Build    func() transport.WireMessage
}

// Enabled reports whether a ping background task should run for this spec.
func (p PingSpec) Enabled() bool { return p.Interval > 0 && p.Build != nil }

// Connector is implemented once per venue. R is the wire response shape the
// venue's validator parses during the subscription handshake; tying it to
// the connector keeps each venue's Classify function fully typed.
type Connector[R any] interface {
	// ID returns this venue's fixed exchange identifier.
	ID() event.ExchangeID

	// URL returns the WebSocket endpoint to dial.
	URL() string

	// Accepts reports whether this connector supports the given
	// (instrument kind, channel kind) pair. A connector must reject an
	// unsupported Subscription at construction time — see Build.
	Accepts(kind event.InstrumentKind, channel subscription.Kind) bool

	// BuildRequests returns the full batch of subscribe frames to send
	// immediately after socket open, plus the ExchangeSub projection used
	// to key each request for the validator/transformer. May return one
	// frame per sub or a single multiplexed frame.
	BuildRequests(subs []subscription.Subscription) ([]transport.WireMessage, []subscription.ExchangeSub, error)

	// Ping returns this venue's keepalive policy.
	Ping() PingSpec

	// ExpectedResponses reports how many successful subscription
	// acknowledgements to wait for before the connection is considered
	// ready. There is no default: a venue that acks a batch subscribe once
	// returns 1, a venue that acks each subscription returns map.Len(), and
	// venues with extra preamble messages (platform status, auth-ok, account
	// init) count those too.
	ExpectedResponses(m *subscription.InstrumentMap) int

	// SubscriptionTimeout bounds how long the validator waits for the
	// expected acknowledgement count before declaring a fatal Subscribe
	// timeout.
	SubscriptionTimeout() time.Duration

	// Decode parses a raw frame into this venue's response shape. An error
	// here is a Deserialise failure — non-terminal, dropped or surfaced
	// depending on the caller.
	Decode(raw []byte) (R, error)
}

// Build validates subs against conn.Accepts before handing them to
// BuildRequests: an unsupported (exchange, instrument kind, channel kind)
// triple must never reach the socket, only the caller at construction time.
func Build[R any](conn Connector[R], subs []subscription.Subscription) ([]transport.WireMessage, []subscription.ExchangeSub, error) {
	for _, s := range subs {
		if err := s.Validate(); err != nil {
			return nil, nil, err
		}
		if !conn.Accepts(s.Instrument.Kind, s.Kind) {
			return nil, nil, unsupported(conn.ID(), s)
		}
	}
	return conn.BuildRequests(subs)
}

func unsupported(id event.ExchangeID, s subscription.Subscription) error {
	return errs.New(string(id), errs.CodeUnsupported,
		errs.WithMessage("unsupported subscription"),
		errs.WithVenueField("instrument_kind", string(s.Instrument.Kind)),
		errs.WithVenueField("channel_kind", string(s.Kind)))
}
