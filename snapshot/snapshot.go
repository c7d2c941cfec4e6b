// Package snapshot fetches HTTP REST L2 order-book snapshots for every
// subscribed instrument in parallel, before the live socket's deltas are
// allowed to apply. Fan-out uses sourcegraph/conc's structured-concurrency
// pool so a panic in one fetch cannot strand the rest of the batch.
package snapshot

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/meltfeed/errs"
	"github.com/coachpo/meltfeed/event"
	"github.com/coachpo/meltfeed/orderbook"
	"github.com/coachpo/meltfeed/subscription"
)

// Request identifies one instrument's snapshot to fetch.
type Request struct {
	ID  subscription.ID
	Sub subscription.Subscription
}

// Fetcher is implemented per-venue: given a subscription, hit the venue's
// REST endpoint and return the raw levels plus the reference sequence/id the
// sequencer should initialise from.
type Fetcher interface {
	Fetch(ctx context.Context, sub subscription.Subscription) (sequence uint64, at time.Time, bids, asks []event.Level, err error)
}

// Snapshot is one fetched result, normalised into an
// event.MarketEvent[OrderBookEvent] ready for the transformer's initialiser,
// alongside the Book it was used to seed.
type Snapshot struct {
	ID    subscription.ID
	Event event.BookEvent
	Book  *orderbook.Book
}

// FetchAll fetches every request concurrently, one pool goroutine each,
// normalises each result into a Snapshot, and returns as soon as all
// complete or ctx is cancelled. A single request's failure fails the whole
// batch — an L2 transformer can't initialise without every instrument's
// book, and partial initialisation would violate the "no holdover replay
// without a paired snapshot" invariant.
func FetchAll(ctx context.Context, fetcher Fetcher, exchange event.ExchangeID, reqs []Request) ([]Snapshot, error) {
	p := pool.NewWithResults[Snapshot]().WithContext(ctx).WithCancelOnError()

	for _, r := range reqs {
		r := r
		p.Go(func(ctx context.Context) (Snapshot, error) {
			seq, at, bids, asks, err := fetcher.Fetch(ctx, r.Sub)
			if err != nil {
				return Snapshot{}, errs.New("snapshot", errs.CodeInitialSnapshot,
					errs.WithMessage("failed to fetch L2 snapshot"), errs.WithCause(err))
			}

			book := orderbook.New()
			book.ApplySnapshot(seq, at, bids, asks)

			return Snapshot{
				ID: r.ID,
				Event: event.BookEvent{
					TimeExchange: at,
					TimeReceived: at,
					Exchange:     exchange,
					Instrument:   r.Sub.Instrument,
					Kind:         book.Event(true),
				},
				Book: book,
			}, nil
		})
	}

	results, err := p.Wait()
	if err != nil {
		return nil, err
	}
	return results, nil
}
