package orderbook

import (
	"hash/fnv"
	"sync"

	"github.com/coachpo/meltfeed/event"
)

const mapShards = 16

// Map is a read-mostly view of the latest book state per (exchange,
// instrument), for consumers that want current-book lookups outside the
// stream. It stores immutable OrderBookEvent copies rather than live *Book
// values, so readers never contend with the transformer goroutine that owns
// the book itself. A Map value is cheaply copyable: every copy shares the
// same backing shards.
type Map struct {
	shards *[mapShards]mapShard
}

type mapShard struct {
	mu    sync.RWMutex
	books map[mapKey]event.OrderBookEvent
}

type mapKey struct {
	exchange   event.ExchangeID
	instrument string
}

// NewMap constructs an empty Map.
func NewMap() Map {
	var shards [mapShards]mapShard
	for i := range shards {
		shards[i].books = make(map[mapKey]event.OrderBookEvent)
	}
	return Map{shards: &shards}
}

func (m Map) shard(k mapKey) *mapShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.exchange))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(k.instrument))
	return &m.shards[h.Sum32()%mapShards]
}

// Set publishes the latest book state for (exchange, instrument). Callers
// typically feed it from the stream: every Book/OrderBookEvent item updates
// the entry, and a Reconnecting marker should be followed by Purge for that
// exchange.
func (m Map) Set(exchange event.ExchangeID, instrument event.Instrument, book event.OrderBookEvent) {
	k := mapKey{exchange: exchange, instrument: instrument.String()}
	s := m.shard(k)
	s.mu.Lock()
	s.books[k] = book
	s.mu.Unlock()
}

// Get returns the latest published book state for (exchange, instrument).
func (m Map) Get(exchange event.ExchangeID, instrument event.Instrument) (event.OrderBookEvent, bool) {
	k := mapKey{exchange: exchange, instrument: instrument.String()}
	s := m.shard(k)
	s.mu.RLock()
	book, ok := s.books[k]
	s.mu.RUnlock()
	return book, ok
}

// Purge drops every entry for exchange. Consumers call it on a Reconnecting
// marker: any state keyed on the previous connection is invalid until fresh
// snapshots arrive.
func (m Map) Purge(exchange event.ExchangeID) {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k := range s.books {
			if k.exchange == exchange {
				delete(s.books, k)
			}
		}
		s.mu.Unlock()
	}
}
