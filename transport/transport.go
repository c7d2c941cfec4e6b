// Package transport provides the shared WebSocket dial/read/write helper
// every connector builds its exchange stream on top of: coder/websocket for
// the socket and golang.org/x/time/rate to pace control messages
// (subscribe/unsubscribe/ping) under venues' strict per-second limits.
package transport

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/coachpo/meltfeed/errs"
)

// WireMessage is an outbound frame a connector wants written to the socket,
// either at subscribe-time (build_requests) or from a ping_fn.
type WireMessage struct {
	// Text marks this frame as text (true) or binary (false). Every venue
	// in this module uses JSON text frames; binary frames (such as MEXC's
	// protobuf, which has no connector here) are still expressible.
	Text bool
	Data []byte
}

// Conn wraps a coder/websocket connection with per-venue control-message
// pacing and read-limit conventions.
type Conn struct {
	ws        *websocket.Conn
	limiter   *rate.Limiter
	readLimit int64
}

// DialOptions configures Dial. Limiter paces control-message sends (nil
// disables pacing); ReadLimit bounds the max frame size coder/websocket will
// accept (0 uses its default).
type DialOptions struct {
	Limiter   *rate.Limiter
	ReadLimit int64
}

// Dial opens a WebSocket connection to url. Callers are expected to retry
// Dial themselves under reconnect.Policy; Dial does not retry internally.
func Dial(ctx context.Context, url string, opts DialOptions) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, errs.New("transport", errs.CodeSocket, errs.WithMessage("dial failed"), errs.WithCause(err))
	}
	if opts.ReadLimit > 0 {
		ws.SetReadLimit(opts.ReadLimit)
	}
	return &Conn{ws: ws, limiter: opts.Limiter, readLimit: opts.ReadLimit}, nil
}

// Read blocks for the next frame. A non-terminal decode concern is the
// caller's job to classify; Read itself only distinguishes "got bytes" from
// "transport failed", the latter always terminal (errs.CodeSocket).
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, errs.New("transport", errs.CodeSocket, errs.WithMessage("read failed"), errs.WithCause(err))
	}
	return data, nil
}

// Write sends msg, first waiting on the control-message limiter if one was
// configured. Use Write for subscribe/unsubscribe/ping frames; it is not
// meant for high-frequency application writes, which this module does not
// have (the pipeline is receive-only past the initial subscribe batch).
func (c *Conn) Write(ctx context.Context, msg WireMessage) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errs.New("transport", errs.CodeSocket, errs.WithMessage("rate limiter wait failed"), errs.WithCause(err))
		}
	}
	kind := websocket.MessageBinary
	if msg.Text {
		kind = websocket.MessageText
	}
	if err := c.ws.Write(ctx, kind, msg.Data); err != nil {
		return errs.New("transport", errs.CodeSocket, errs.WithMessage("write failed"), errs.WithCause(err))
	}
	return nil
}

// Close closes the underlying socket with a normal closure status.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "shutdown")
}

// NewControlLimiter builds a token-bucket limiter from a venue's documented
// control-message cap, e.g. Binance's 5 messages/second becomes
// NewControlLimiter(5, time.Second).
func NewControlLimiter(count int, per time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(count)/per.Seconds()), count)
}
