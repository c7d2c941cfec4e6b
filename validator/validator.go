// Package validator drives a socket from "subscribe frames just sent" to
// "every subscription confirmed," building the InstrumentMap a transformer
// will own for the life of the connection. The engine itself
// (validator.Run) is venue-agnostic; each connector supplies a Classify
// function implementing the per-venue response shape.
package validator

import (
	"context"
	"time"

	"github.com/coachpo/meltfeed/errs"
	"github.com/coachpo/meltfeed/subscription"
	"github.com/coachpo/meltfeed/transport"
)

// Outcome classifies one parsed response frame during validation.
type Outcome int

const (
	// OutcomePreambleOK is a non-subscription acceptance frame (platform
	// online, auth ok, account init) that still counts toward ok_count.
	OutcomePreambleOK Outcome = iota
	// OutcomeSubOK is a successful subscription acknowledgement.
	OutcomeSubOK
	// OutcomeSubError is a fatal subscription rejection.
	OutcomeSubError
	// OutcomeIgnore is an unrecognised/ping/control frame to skip.
	OutcomeIgnore
	// OutcomeHoldover is a data frame arriving on a reused connection
	// before validation finished; its raw bytes are buffered for replay.
	OutcomeHoldover
)

// SubAck carries the routing information extracted from a successful
// subscription acknowledgement: the request-time SubscriptionId, and
// (for venues like Bitfinex that issue their own numeric channel id) the
// venue id to rekey the InstrumentMap onto.
type SubAck struct {
	RequestID subscription.ID
	VenueID   subscription.ID // empty unless the venue rekeys
}

// Classify is implemented per-venue (typically as a method closing over the
// connector's Decode): given one decoded response frame, it returns how to
// handle it and, for OutcomeSubOK, the SubAck routing data.
type Classify[R any] func(resp R) (Outcome, SubAck, error)

// Result is what Run hands back to the exstream pipeline once validation
// completes: the instrument map (rekeyed per Bitfinex-style acks) and any
// data frames that arrived before validation finished.
type Result struct {
	Map      *subscription.InstrumentMap
	Holdover [][]byte
}

// Config bundles the per-run parameters Run needs.
type Config[R any] struct {
	Map      *subscription.InstrumentMap
	Expected int
	Timeout  time.Duration
	Decode   func([]byte) (R, error)
	Classify Classify[R]
}

// Run drains conn until every expected subscription is acknowledged, a
// fatal error occurs, or Timeout elapses. It never returns a partial
// subscription: any sub error aborts validation entirely.
func Run[R any](ctx context.Context, conn *transport.Conn, cfg Config[R]) (Result, error) {
	if cfg.Expected <= 0 {
		return Result{Map: cfg.Map}, nil
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	okCount := 0
	var holdover [][]byte

	for okCount < cfg.Expected {
		raw, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, errs.New("validator", errs.CodeSubscribe, errs.WithMessage("subscription timeout"))
			}
			return Result{}, errs.New("validator", errs.CodeSubscribe, errs.WithMessage("stream terminated during validation"), errs.WithCause(err))
		}

		resp, decodeErr := cfg.Decode(raw)
		if decodeErr != nil {
			// A malformed frame during validation is not fatal by itself;
			// skip it and keep waiting for the expected acks.
			continue
		}

		outcome, ack, classifyErr := cfg.Classify(resp)
		if classifyErr != nil {
			return Result{}, errs.New("validator", errs.CodeSubscribe, errs.WithMessage("subscription rejected"), errs.WithCause(classifyErr))
		}

		switch outcome {
		case OutcomePreambleOK:
			okCount++
		case OutcomeSubOK:
			okCount++
			if ack.VenueID != "" && ack.VenueID != ack.RequestID {
				cfg.Map.Rekey(ack.RequestID, ack.VenueID)
			}
		case OutcomeSubError:
			return Result{}, errs.New("validator", errs.CodeSubscribe, errs.WithMessage("venue returned subscription error"))
		case OutcomeHoldover:
			holdover = append(holdover, raw)
		case OutcomeIgnore:
			// skip
		}
	}

	return Result{Map: cfg.Map, Holdover: holdover}, nil
}
