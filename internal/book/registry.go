package book

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"perpfeed/internal/domain"
)

// SnapshotFetcher fetches a full depth snapshot for one symbol.
type SnapshotFetcher interface {
	FetchDepthSnapshot(ctx context.Context, symbol string) (*domain.BookSnapshot, error)
}

// Registry owns every symbol's Book and schedules snapshot resyncs. Fetches
// are exclusive per symbol, throttled by a per-symbol cooldown, and dispatched
// against a bounded worker pool so a burst of gaps cannot flood the source.
type Registry struct {
	fetcher      SnapshotFetcher
	cooldown     time.Duration
	pendingLimit int
	sem          chan struct{}

	mu    sync.RWMutex
	books map[string]*entry

	resyncsRequested  atomic.Int64
	snapshotsFetched  atomic.Int64
	snapshotFailures  atomic.Int64
	inFlightSnapshots atomic.Int64

	wg sync.WaitGroup
}

type entry struct {
	book *Book

	mu          sync.Mutex
	lastRequest time.Time
	inFlight    bool
}

// NewRegistry creates a registry. workers bounds concurrent snapshot fetches
// across all symbols; pendingLimit bounds each book's diff buffer.
func NewRegistry(fetcher SnapshotFetcher, cooldown time.Duration, workers, pendingLimit int) *Registry {
	if workers <= 0 {
		workers = 2
	}
	return &Registry{
		fetcher:      fetcher,
		cooldown:     cooldown,
		pendingLimit: pendingLimit,
		sem:          make(chan struct{}, workers),
		books:        make(map[string]*entry),
	}
}

// Book returns (and lazily creates) the book for a symbol.
func (r *Registry) Book(symbol string) *Book {
	r.mu.RLock()
	e, ok := r.books[symbol]
	r.mu.RUnlock()
	if ok {
		return e.book
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.books[symbol]; ok {
		return e.book
	}
	e = &entry{book: NewBook(symbol, r.pendingLimit)}
	r.books[symbol] = e
	return e.book
}

// ApplyDiff routes a diff to its book and schedules a resync when needed.
func (r *Registry) ApplyDiff(ctx context.Context, diff domain.DepthDiff) {
	if r.Book(diff.Symbol).ApplyDiff(diff) {
		r.RequestResync(ctx, diff.Symbol)
	}
}

// RequestResync asks for a snapshot fetch. It is a no-op while a fetch for the
// symbol is in flight or the cooldown since the last request has not elapsed;
// continued gap detection on the stream re-triggers it naturally.
func (r *Registry) RequestResync(ctx context.Context, symbol string) {
	r.mu.RLock()
	e, ok := r.books[symbol]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.inFlight || time.Since(e.lastRequest) < r.cooldown {
		e.mu.Unlock()
		return
	}
	e.inFlight = true
	e.lastRequest = time.Now()
	e.mu.Unlock()

	r.resyncsRequested.Add(1)
	r.wg.Add(1)
	go r.fetch(ctx, symbol, e)
}

func (r *Registry) fetch(ctx context.Context, symbol string, e *entry) {
	defer r.wg.Done()

	if !r.fetchOnce(ctx, symbol, e) {
		return
	}

	// The replay hit a fresh gap. Reschedule after the cooldown ourselves:
	// on a quiet stream no further diff would re-trigger it.
	slog.Warn("gap during snapshot replay, rescheduling resync",
		slog.String("symbol", symbol),
		slog.Int64("checkpoint", e.book.Checkpoint()))
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-time.After(r.cooldown):
			r.RequestResync(ctx, symbol)
		case <-ctx.Done():
		}
	}()
}

// fetchOnce performs one snapshot fetch + replay, clearing the in-flight flag
// before returning. The result reports whether another resync is needed.
func (r *Registry) fetchOnce(ctx context.Context, symbol string, e *entry) (needResync bool) {
	defer func() {
		e.mu.Lock()
		e.inFlight = false
		e.mu.Unlock()
	}()

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	defer func() { <-r.sem }()

	r.inFlightSnapshots.Add(1)
	defer r.inFlightSnapshots.Add(-1)

	snap, err := r.fetcher.FetchDepthSnapshot(ctx, symbol)
	if err != nil {
		// Swallowed: the next detected gap reschedules after the cooldown.
		r.snapshotFailures.Add(1)
		slog.Warn("depth snapshot fetch failed",
			slog.String("symbol", symbol), slog.Any("error", err))
		return false
	}
	r.snapshotsFetched.Add(1)

	return e.book.ApplySnapshot(*snap)
}

// TopOfBook reads the aggregated best levels for a symbol.
func (r *Registry) TopOfBook(symbol string, depth int) (TopOfBook, error) {
	return r.Book(symbol).TopOfBook(depth)
}

// Stats is a point-in-time view of registry counters for metrics logging.
type Stats struct {
	Books             int
	Ready             int
	ResyncsRequested  int64
	SnapshotsFetched  int64
	SnapshotFailures  int64
	InFlightSnapshots int64
}

// Stats returns current counters and per-book readiness totals.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{
		Books:             len(r.books),
		ResyncsRequested:  r.resyncsRequested.Load(),
		SnapshotsFetched:  r.snapshotsFetched.Load(),
		SnapshotFailures:  r.snapshotFailures.Load(),
		InFlightSnapshots: r.inFlightSnapshots.Load(),
	}
	for _, e := range r.books {
		if e.book.State() == StateReady {
			s.Ready++
		}
	}
	return s
}

// Wait blocks until in-flight fetches finish; used at shutdown.
func (r *Registry) Wait() {
	r.wg.Wait()
}
