// Package sequencer implements the per-venue L2 update-id disciplines that
// reconcile an HTTP snapshot with a live delta stream: Binance spot, Binance
// futures, the trust-timestamp family used by Bybit/OKX/Bitget, and Kraken
// futures' monotonic seq counter. Each discipline tracks its own last/prev
// update ids and returns errs.CodeSequence on any violation — a terminal
// error that must bubble up to the reconnecting stream and trigger a full
// tear-down and resubscribe.
package sequencer

import (
	"log"

	"github.com/coachpo/meltfeed/errs"
)

// Update is the minimal shape every discipline needs from a decoded delta
// frame: first/last update ids (Binance-style) or a single monotonic seq
// (Kraken-style). Venues that don't use a field simply leave it zero.
type Update struct {
	FirstUpdateID uint64 // Binance "U"
	LastUpdateID  uint64 // Binance "u"
	Seq           uint64 // Kraken "seq"
	TimeMs        int64  // exchange timestamp, epoch ms (trust-timestamp family)
}

// Outcome tells the caller what to do with the update that was just checked.
type Outcome int

const (
	// Apply means the update passed discipline checks and should be merged
	// into the book.
	Apply Outcome = iota
	// DropStale means the update is older than anything the sequencer has
	// already applied and must be silently discarded.
	DropStale
)

// Sequencer is implemented by each venue's discipline. Snapshot resets the
// sequencer's internal counters to the snapshot's reference id; Accept
// classifies the next delta and, on a discipline violation, returns a
// terminal *errs.E with Code == errs.CodeSequence.
type Sequencer interface {
	Snapshot(lastUpdateID uint64)
	Accept(u Update) (Outcome, error)
}

// BinanceSpot implements the Binance spot depth discipline: drop u<=S, the
// first update must satisfy U<=S+1<=u, subsequent updates must satisfy
// U==prev_u+1.
type BinanceSpot struct {
	snapshotID uint64
	lastID     uint64
	started    bool
}

func (s *BinanceSpot) Snapshot(lastUpdateID uint64) {
	s.snapshotID = lastUpdateID
	s.lastID = 0
	s.started = false
}

func (s *BinanceSpot) Accept(u Update) (Outcome, error) {
	if u.LastUpdateID <= s.snapshotID {
		return DropStale, nil
	}
	if !s.started {
		if u.FirstUpdateID > s.snapshotID+1 || s.snapshotID+1 > u.LastUpdateID {
			return Apply, errs.New("sequencer/binance_spot", errs.CodeSequence,
				errs.WithMessage("first update does not bracket snapshot.lastUpdateId"))
		}
		s.started = true
		s.lastID = u.LastUpdateID
		return Apply, nil
	}
	if u.FirstUpdateID != s.lastID+1 {
		return Apply, errs.New("sequencer/binance_spot", errs.CodeSequence,
			errs.WithMessage("update id gap detected"))
	}
	s.lastID = u.LastUpdateID
	return Apply, nil
}

// BinanceFutures implements the Binance USD-M futures discipline: same as
// spot except the first-update bracket is U<=S<=u and subsequent updates
// tolerate overlap (U<=prev_u+1<=u).
type BinanceFutures struct {
	snapshotID uint64
	lastID     uint64
	started    bool
}

func (s *BinanceFutures) Snapshot(lastUpdateID uint64) {
	s.snapshotID = lastUpdateID
	s.lastID = 0
	s.started = false
}

func (s *BinanceFutures) Accept(u Update) (Outcome, error) {
	if u.LastUpdateID <= s.snapshotID {
		return DropStale, nil
	}
	if !s.started {
		if u.FirstUpdateID > s.snapshotID || s.snapshotID > u.LastUpdateID {
			return Apply, errs.New("sequencer/binance_futures", errs.CodeSequence,
				errs.WithMessage("first update does not bracket snapshot.lastUpdateId"))
		}
		s.started = true
		s.lastID = u.LastUpdateID
		return Apply, nil
	}
	if !(u.FirstUpdateID <= s.lastID+1 && s.lastID+1 <= u.LastUpdateID) {
		return Apply, errs.New("sequencer/binance_futures", errs.CodeSequence,
			errs.WithMessage("update id gap detected"))
	}
	s.lastID = u.LastUpdateID
	return Apply, nil
}

// TrustTimestamp implements the discipline used by venues that carry no
// sequence numbers on updates at all (Bybit, OKX, Bitget): apply everything,
// trusting the exchange's own frame ordering. Out-of-order timestamps are
// logged, never treated as an error.
type TrustTimestamp struct {
	logger   *log.Logger
	lastMs   int64
	hasFirst bool
}

// NewTrustTimestamp constructs a TrustTimestamp sequencer. A nil logger
// disables the out-of-order log line.
func NewTrustTimestamp(logger *log.Logger) *TrustTimestamp {
	return &TrustTimestamp{logger: logger}
}

func (s *TrustTimestamp) Snapshot(uint64) {
	s.lastMs = 0
	s.hasFirst = false
}

// Observe records the exchange timestamp (epoch ms) for this update and logs
// if it regressed relative to the previous one. It never returns an error.
func (s *TrustTimestamp) Observe(timeExchangeMs int64) {
	if s.hasFirst && timeExchangeMs < s.lastMs && s.logger != nil {
		s.logger.Printf("sequencer/trust_timestamp: out-of-order frame: got %d, last %d", timeExchangeMs, s.lastMs)
	}
	s.lastMs = timeExchangeMs
	s.hasFirst = true
}

func (s *TrustTimestamp) Accept(u Update) (Outcome, error) {
	if u.TimeMs != 0 {
		s.Observe(u.TimeMs)
	}
	return Apply, nil
}

// KrakenFutures implements Kraken futures' monotonic seq discipline: drop
// any update with seq<=last_seq, else apply and advance.
type KrakenFutures struct {
	lastSeq uint64
	started bool
}

func (s *KrakenFutures) Snapshot(lastUpdateID uint64) {
	s.lastSeq = lastUpdateID
	s.started = true
}

func (s *KrakenFutures) Accept(u Update) (Outcome, error) {
	if s.started && u.Seq <= s.lastSeq {
		return DropStale, nil
	}
	s.lastSeq = u.Seq
	s.started = true
	return Apply, nil
}
