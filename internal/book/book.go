// Package book maintains per-symbol order books from a REST snapshot plus a
// diff stream, detecting update-id gaps and repairing them by buffered replay
// against a fresh snapshot.
package book

import (
	"sort"
	"sync"

	"perpfeed/internal/domain"
)

// State is the synchronization state of one book.
type State int

const (
	StateEmpty State = iota
	StateSnapshotPending
	StateBuffering
	StateReady
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "EMPTY"
	case StateSnapshotPending:
		return "SNAPSHOT_PENDING"
	case StateBuffering:
		return "BUFFERING"
	case StateReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// TopOfBook is the aggregated best-depth view of a ready book.
// Imbalance is nil when both sides are empty.
type TopOfBook struct {
	Bids      []domain.PriceLevel // descending by price
	Asks      []domain.PriceLevel // ascending by price
	BidQty    float64
	AskQty    float64
	Imbalance *float64
}

// Book is one symbol's bid/ask ladder plus synchronization state.
// All methods are safe for concurrent use; the lock is never held across I/O.
type Book struct {
	mu            sync.Mutex
	symbol        string
	bids          map[float64]float64
	asks          map[float64]float64
	lastUpdateID  int64
	lastEventTime int64
	state         State
	pending       []domain.DepthDiff
	pendingLimit  int
}

// NewBook creates an empty book. pendingLimit bounds the diff buffer held
// while the book is out of sync; the oldest entries are dropped on overflow.
func NewBook(symbol string, pendingLimit int) *Book {
	if pendingLimit <= 0 {
		pendingLimit = 1000
	}
	return &Book{
		symbol:       symbol,
		bids:         make(map[float64]float64),
		asks:         make(map[float64]float64),
		state:        StateEmpty,
		pendingLimit: pendingLimit,
	}
}

// ApplyDiff attempts to apply one diff event. The returned flag reports
// whether a snapshot resync is needed (the event was buffered).
//
// Order of checks matters: a stale diff must be discarded before any gap or
// prev-checkpoint inspection so that replayed duplicates never disturb state.
func (b *Book) ApplyDiff(diff domain.DepthDiff) (needResync bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// No snapshot yet: everything is buffered until one arrives.
	if b.lastUpdateID == 0 {
		b.buffer(diff)
		b.state = StateSnapshotPending
		return true
	}

	switch b.classify(diff, b.state == StateReady) {
	case diffStale:
		return false
	case diffContiguous:
		b.applyLocked(diff)
		return false
	default:
		b.buffer(diff)
		b.state = StateBuffering
		return true
	}
}

type diffClass int

const (
	diffStale diffClass = iota
	diffContiguous
	diffGap
)

// classify applies the contiguity rules against the current checkpoint.
// strictPU enforces the prev-checkpoint chain; it is off while bridging a
// fresh snapshot, whose checkpoint comes from REST and is never anyone's
// prev-checkpoint. Caller holds b.mu.
func (b *Book) classify(diff domain.DepthDiff, strictPU bool) diffClass {
	if diff.LastUpdateID <= b.lastUpdateID {
		return diffStale
	}
	if pu := diff.PrevLastUpdateID; strictPU && pu != nil {
		if *pu == b.lastUpdateID {
			return diffContiguous
		}
		return diffGap
	}
	if diff.FirstUpdateID > b.lastUpdateID+1 {
		return diffGap
	}
	return diffContiguous
}

// applyLocked merges both side change lists and advances the checkpoint.
// Caller holds b.mu.
func (b *Book) applyLocked(diff domain.DepthDiff) {
	mergeLevels(b.bids, diff.Bids)
	mergeLevels(b.asks, diff.Asks)
	b.lastUpdateID = diff.LastUpdateID
	if diff.EventTime > b.lastEventTime {
		b.lastEventTime = diff.EventTime
	}
	b.state = StateReady
}

func mergeLevels(side map[float64]float64, changes []domain.PriceLevel) {
	for _, lvl := range changes {
		if lvl.Qty <= 0 {
			delete(side, lvl.Price)
		} else {
			side[lvl.Price] = lvl.Qty
		}
	}
}

// buffer appends to the pending queue, dropping the oldest entry on overflow.
// Caller holds b.mu.
func (b *Book) buffer(diff domain.DepthDiff) {
	if len(b.pending) >= b.pendingLimit {
		b.pending = b.pending[1:]
	}
	b.pending = append(b.pending, diff)
}

// ApplySnapshot replaces both sides wholesale and replays the pending buffer
// against the new checkpoint. The book becomes ready only once a diff applies
// on top of the snapshot. The returned flag reports whether the replay hit a
// fresh gap and another resync is needed.
func (b *Book) ApplySnapshot(snap domain.BookSnapshot) (needResync bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[float64]float64, len(snap.Bids))
	b.asks = make(map[float64]float64, len(snap.Asks))
	for _, lvl := range snap.Bids {
		if lvl.Qty > 0 {
			b.bids[lvl.Price] = lvl.Qty
		}
	}
	for _, lvl := range snap.Asks {
		if lvl.Qty > 0 {
			b.asks[lvl.Price] = lvl.Qty
		}
	}
	b.lastUpdateID = snap.LastUpdateID
	b.state = StateBuffering

	return b.replayLocked()
}

// replayLocked drains the pending buffer in order: stale events are consumed,
// the first event spanning checkpoint+1 is the resync point, and a rule
// violation mid-replay re-buffers the remaining tail. Caller holds b.mu.
func (b *Book) replayLocked() (needResync bool) {
	queue := b.pending
	b.pending = nil
	for i, diff := range queue {
		switch b.classify(diff, b.state == StateReady) {
		case diffStale:
			continue
		case diffContiguous:
			b.applyLocked(diff)
		default:
			b.pending = append(b.pending, queue[i:]...)
			b.state = StateBuffering
			return true
		}
	}
	return false
}

// TopOfBook returns the best depth levels per side and their aggregates.
// Depth scans sort the full ladder; fine for the small configured depths.
func (b *Book) TopOfBook(depth int) (TopOfBook, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateReady {
		return TopOfBook{}, domain.ErrBookNotReady
	}

	top := TopOfBook{
		Bids: topLevels(b.bids, depth, true),
		Asks: topLevels(b.asks, depth, false),
	}
	for _, lvl := range top.Bids {
		top.BidQty += lvl.Qty
	}
	for _, lvl := range top.Asks {
		top.AskQty += lvl.Qty
	}
	if total := top.BidQty + top.AskQty; total > 0 {
		imb := (top.BidQty - top.AskQty) / total
		top.Imbalance = &imb
	}
	return top, nil
}

func topLevels(side map[float64]float64, depth int, descending bool) []domain.PriceLevel {
	levels := make([]domain.PriceLevel, 0, len(side))
	for price, qty := range side {
		levels = append(levels, domain.PriceLevel{Price: price, Qty: qty})
	}
	if descending {
		sort.Slice(levels, func(i, j int) bool { return levels[i].Price > levels[j].Price })
	} else {
		sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })
	}
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	return levels
}

// State returns the current synchronization state.
func (b *Book) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Checkpoint returns the last applied update id.
func (b *Book) Checkpoint() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdateID
}

// LastEventTime returns the event time of the newest applied diff.
func (b *Book) LastEventTime() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastEventTime
}

// PendingLen returns the current pending buffer size.
func (b *Book) PendingLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
