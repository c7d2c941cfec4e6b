package multiplex

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"

	concpool "github.com/sourcegraph/conc/pool"

	"github.com/coachpo/meltfeed/event"
	"github.com/coachpo/meltfeed/pool"
)

// DeliveryFunc is the subscriber handler invoked with a pooled duplicate of
// each produced event. The duplicate is recycled as soon as Deliver returns:
// a subscriber must not retain the pointer, and must treat the payload it
// points at as read-only (duplicates are shallow — payload pointers are
// shared across subscribers).
type DeliveryFunc func(ctx context.Context, ev *event.AnyEvent) error

// Subscriber encapsulates an identifier and handler for one event consumer.
type Subscriber struct {
	ID      string
	Deliver DeliveryFunc
}

// Fanout delivers each produced event to every subscriber in parallel using
// pooled duplicates, so no two subscribers ever touch the same mutable event
// and the delivery hot path reuses allocations instead of producing one
// garbage event per subscriber per frame.
type Fanout struct {
	recycler   *pool.Recycler
	maxWorkers int
	logger     *log.Logger
}

// NewFanout constructs a Fanout. A nil recycler gets a fresh one; maxWorkers
// caps concurrent deliveries per event and defaults to GOMAXPROCS.
func NewFanout(rec *pool.Recycler, maxWorkers int, logger *log.Logger) *Fanout {
	if rec == nil {
		rec = pool.New()
	}
	if maxWorkers <= 0 {
		maxWorkers = runtime.GOMAXPROCS(0)
	}
	return &Fanout{recycler: rec, maxWorkers: maxWorkers, logger: logger}
}

// Dispatch hands ev to every subscriber and blocks until all deliveries
// return. Subscriber errors and panics are aggregated into the returned
// error; a failing subscriber never prevents delivery to the others.
func (f *Fanout) Dispatch(ctx context.Context, ev event.AnyEvent, subscribers []Subscriber) error {
	if len(subscribers) == 0 {
		return nil
	}

	workerLimit := f.maxWorkers
	if workerLimit > len(subscribers) {
		workerLimit = len(subscribers)
	}

	var mu sync.Mutex
	var deliveryErrs []error

	p := concpool.New().WithMaxGoroutines(workerLimit)
	for _, subscriber := range subscribers {
		sub := subscriber
		if sub.Deliver == nil {
			continue
		}
		p.Go(func() {
			dup := f.recycler.Get()
			*dup = ev
			defer f.recycler.Put(dup)
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					deliveryErrs = append(deliveryErrs, fmt.Errorf("subscriber %s panic: %v", sub.ID, r))
					mu.Unlock()
				}
			}()
			if err := sub.Deliver(ctx, dup); err != nil {
				mu.Lock()
				deliveryErrs = append(deliveryErrs, fmt.Errorf("subscriber %s: %w", sub.ID, err))
				mu.Unlock()
			}
		})
	}
	p.Wait()

	return errors.Join(deliveryErrs...)
}

// Consume drains msgs until the channel closes or ctx ends, dispatching
// every produced event to subscribers. A Reconnecting marker invokes
// onReconnect — the hook where consumers purge state keyed on the previous
// connection (orderbook.Map.Purge, say) — and an item-level error invokes
// onError. Either callback may be nil. Delivery errors are logged, never
// fatal: a misbehaving subscriber must not stall the stream.
func (f *Fanout) Consume(ctx context.Context, msgs <-chan Msg, subscribers []Subscriber, onReconnect func(event.ExchangeID), onError func(error)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			switch {
			case m.IsReconnecting():
				if onReconnect != nil {
					onReconnect(m.Origin())
				}
			case m.Item().Err != nil:
				if onError != nil {
					onError(m.Item().Err)
				}
			default:
				if err := f.Dispatch(ctx, m.Item().Value, subscribers); err != nil && f.logger != nil {
					f.logger.Printf("multiplex: fan-out delivery: %v", err)
				}
			}
		}
	}
}
