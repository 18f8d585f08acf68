package book

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpfeed/internal/domain"
)

// fakeFetcher serves canned snapshots and records each fetch. When snaps is
// set it serves per-symbol snapshots, otherwise snap for every symbol.
type fakeFetcher struct {
	mu    sync.Mutex
	snap  domain.BookSnapshot
	snaps map[string]domain.BookSnapshot
	err   error
	calls []string
}

func (f *fakeFetcher) FetchDepthSnapshot(_ context.Context, symbol string) (*domain.BookSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, symbol)
	if f.err != nil {
		return nil, f.err
	}
	snap := f.snap
	if s, ok := f.snaps[symbol]; ok {
		snap = s
	}
	snap.Symbol = symbol
	return &snap, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestGapTriggersSnapshotFetchAndRecovery(t *testing.T) {
	fetcher := &fakeFetcher{snap: snapshot(103)}
	reg := NewRegistry(fetcher, time.Minute, 2, 100)
	ctx := context.Background()

	// First diff with no snapshot yet: buffered, resync requested.
	reg.ApplyDiff(ctx, diff(104, 106, []domain.PriceLevel{lvl(100, 9)}, nil))
	reg.Wait()

	require.Equal(t, 1, fetcher.callCount())
	b := reg.Book("BTCUSDT")
	assert.Equal(t, StateReady, b.State())
	assert.EqualValues(t, 106, b.Checkpoint())

	top, err := reg.TopOfBook("BTCUSDT", 1)
	require.NoError(t, err)
	assert.Equal(t, lvl(100, 9), top.Bids[0])
}

func TestCooldownSuppressesRepeatedFetches(t *testing.T) {
	fetcher := &fakeFetcher{err: domain.NewNetworkError("snapshot", context.DeadlineExceeded)}
	reg := NewRegistry(fetcher, time.Hour, 2, 100)
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		reg.ApplyDiff(ctx, diff(10+i, 11+i, nil, nil))
	}
	reg.Wait()

	assert.Equal(t, 1, fetcher.callCount())
	st := reg.Stats()
	assert.EqualValues(t, 1, st.ResyncsRequested)
	assert.EqualValues(t, 1, st.SnapshotFailures)
}

func TestFetchFailureIsRetriedAfterCooldown(t *testing.T) {
	fetcher := &fakeFetcher{err: domain.NewNetworkError("snapshot", context.DeadlineExceeded)}
	reg := NewRegistry(fetcher, time.Millisecond, 2, 100)
	ctx := context.Background()

	reg.ApplyDiff(ctx, diff(10, 11, nil, nil))
	reg.Wait()
	require.Equal(t, 1, fetcher.callCount())

	// After the cooldown, a fresh gap schedules another fetch; this time it succeeds.
	fetcher.mu.Lock()
	fetcher.err = nil
	fetcher.snap = snapshot(11)
	fetcher.mu.Unlock()

	time.Sleep(5 * time.Millisecond)
	reg.ApplyDiff(ctx, diff(12, 13, nil, nil))
	reg.Wait()

	assert.Equal(t, 2, fetcher.callCount())
	assert.Equal(t, StateReady, reg.Book("BTCUSDT").State())
}

func TestCancelStopsRescheduledResync(t *testing.T) {
	// The snapshot can never bridge the buffered diff, so the fetch reschedules
	// itself after the cooldown. Cancelling the context must release Wait.
	fetcher := &fakeFetcher{snap: snapshot(100)}
	reg := NewRegistry(fetcher, time.Minute, 2, 100)
	ctx, cancel := context.WithCancel(context.Background())

	reg.ApplyDiff(ctx, diff(500, 501, nil, nil))
	require.Eventually(t, func() bool { return fetcher.callCount() == 1 },
		time.Second, time.Millisecond)

	cancel()
	reg.Wait()

	assert.Equal(t, 1, fetcher.callCount())
	assert.NotEqual(t, StateReady, reg.Book("BTCUSDT").State())
}

func TestBooksAreIndependent(t *testing.T) {
	fetcher := &fakeFetcher{snaps: map[string]domain.BookSnapshot{
		"AAAUSDT": snapshot(100),
		"BBBUSDT": snapshot(499),
	}}
	reg := NewRegistry(fetcher, time.Minute, 2, 100)
	ctx := context.Background()

	a := diff(101, 102, []domain.PriceLevel{lvl(1, 1)}, nil)
	a.Symbol = "AAAUSDT"
	bDiff := diff(500, 501, nil, nil)
	bDiff.Symbol = "BBBUSDT"

	reg.ApplyDiff(ctx, a)
	reg.ApplyDiff(ctx, bDiff)
	reg.Wait()

	st := reg.Stats()
	assert.Equal(t, 2, st.Books)
	assert.Equal(t, 2, st.Ready)
	assert.Equal(t, 2, fetcher.callCount())
	assert.EqualValues(t, 102, reg.Book("AAAUSDT").Checkpoint())
	assert.EqualValues(t, 501, reg.Book("BBBUSDT").Checkpoint())
}
