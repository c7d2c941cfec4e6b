// Package multiplex fans in per-exchange reconnecting streams for
// downstream consumers. A Builder registers one reconnect.InitFunc per
// socket — exactly one `.Subscribe` call per batch — so bounding a venue's
// per-socket subscription limit means issuing multiple Subscribe calls for
// the same exchange rather than one large batch. Build() starts
// every group's reconnect.Run loop and returns a Map offering the two
// consumption modes: JoinMap (one merged stream) and Select (a per-exchange
// stream extracted out of the map).
package multiplex

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/meltfeed/event"
	"github.com/coachpo/meltfeed/reconnect"
	"github.com/coachpo/meltfeed/telemetry"
)

// Msg is the element type every group channel and the merged stream carry:
// a reconnecting-stream Event wrapping either a produced value/error or a
// Reconnecting marker, both keyed by the exchange the group belongs to.
type Msg = reconnect.Event[event.ExchangeID, reconnect.Msg[event.AnyEvent]]

type group struct {
	id   event.ExchangeID
	init reconnect.InitFunc[event.AnyEvent]
	out  chan Msg
}

// Builder accumulates one reconnect.InitFunc per socket before Build starts
// them all.
type Builder struct {
	policy  reconnect.Policy
	logger  *log.Logger
	metrics *telemetry.Metrics
	groups  []group
}

// NewBuilder constructs a Builder using policy for every group's backoff.
func NewBuilder(policy reconnect.Policy) *Builder {
	return &Builder{policy: policy}
}

// WithLogger attaches a logger used for builder-level diagnostics (not
// forwarded to individual exstream pipelines, which take their own logger).
func (b *Builder) WithLogger(logger *log.Logger) *Builder {
	b.logger = logger
	return b
}

// WithMetrics counts every Reconnecting marker per exchange on the
// ingest.reconnects instrument. Nil (the default) disables counting.
func (b *Builder) WithMetrics(m *telemetry.Metrics) *Builder {
	b.metrics = m
	return b
}

// Subscribe registers one socket's worth of subscriptions under id. Each
// call opens exactly one reconnecting stream; call it again with the same
// id to run a second, independent socket for that exchange (the mechanism
// for staying under a venue's per-connection subscription cap).
func (b *Builder) Subscribe(id event.ExchangeID, init reconnect.InitFunc[event.AnyEvent]) *Builder {
	b.groups = append(b.groups, group{id: id, init: init, out: make(chan Msg)})
	return b
}

// Build starts reconnect.Run for every registered group under ctx and
// returns the Map through which consumers read the result.
func (b *Builder) Build(ctx context.Context) *Map {
	m := &Map{groups: append([]group(nil), b.groups...)}
	for _, g := range b.groups {
		if b.metrics == nil {
			go reconnect.Run(ctx, g.id, b.policy, g.init, g.out)
			continue
		}

		inner := make(chan Msg)
		go reconnect.Run(ctx, g.id, b.policy, g.init, inner)
		go func(g group, inner <-chan Msg) {
			defer close(g.out)
			for ev := range inner {
				if ev.IsReconnecting() {
					b.metrics.Reconnects.Add(ctx, 1,
						metric.WithAttributes(attribute.String("exchange", string(g.id))))
					if b.logger != nil {
						b.logger.Printf("multiplex: %s reconnecting", g.id)
					}
				}
				g.out <- ev
			}
		}(g, inner)
	}
	return m
}

// Map is returned by Builder.Build. It holds the set of group channels not
// yet claimed by Select or JoinMap; each group channel is handed to exactly
// one of those two consumption modes, never both.
type Map struct {
	mu     sync.Mutex
	groups []group
}

// Select extracts every group registered under id, merges them into one
// channel, and removes them from the map so a later JoinMap call will not
// also receive their events. ok is false if no group was ever registered
// under id.
func (m *Map) Select(id event.ExchangeID) (out <-chan Msg, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []chan Msg
	remaining := m.groups[:0:0]
	for _, g := range m.groups {
		if g.id == id {
			matched = append(matched, g.out)
		} else {
			remaining = append(remaining, g)
		}
	}
	m.groups = remaining
	if len(matched) == 0 {
		return nil, false
	}
	return merge(matched...), true
}

// JoinMap merges every group still registered in the map into one
// select-all stream yielding Msg values tagged by the originating exchange
// (via Msg.Origin for Reconnecting markers, or Msg.Item().Value.Exchange for
// produced events). Groups already claimed by a prior Select call are not
// included.
func (m *Map) JoinMap() <-chan Msg {
	m.mu.Lock()
	chans := make([]chan Msg, len(m.groups))
	for i, g := range m.groups {
		chans[i] = g.out
	}
	m.groups = nil
	m.mu.Unlock()
	return merge(chans...)
}

// merge fan-ins any number of group channels into one, closing the result
// once every source channel has closed.
func merge(chans ...chan Msg) <-chan Msg {
	out := make(chan Msg)
	var wg sync.WaitGroup
	wg.Add(len(chans))
	for _, c := range chans {
		go func(c chan Msg) {
			defer wg.Done()
			for v := range c {
				out <- v
			}
		}(c)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
