package backfill

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpfeed/internal/collector"
	"perpfeed/internal/domain"
	"perpfeed/internal/infra"
	"perpfeed/internal/infra/storage"
	"perpfeed/internal/sink"
)

// 2024-01-15T10:00:00Z
const t0 = int64(1705312800000)

const minuteMs = int64(60_000)

type fakeClient struct {
	klines      []domain.Kline
	marks       []domain.Kline
	funding     []domain.FundingPoint
	oi          []domain.OpenInterestPoint
	oiErr       error
	klineStarts []int64
}

func (f *fakeClient) Klines(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]domain.Kline, error) {
	f.klineStarts = append(f.klineStarts, start)
	var out []domain.Kline
	for _, k := range f.klines {
		if k.OpenTime >= start && k.OpenTime < end {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeClient) MarkPriceKlines(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]domain.Kline, error) {
	var out []domain.Kline
	for _, k := range f.marks {
		if k.OpenTime >= start && k.OpenTime < end {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeClient) FundingRates(ctx context.Context, symbol string, start, end int64, limit int) ([]domain.FundingPoint, error) {
	var out []domain.FundingPoint
	for _, p := range f.funding {
		if p.Time >= start && p.Time < end {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeClient) OpenInterestHist(ctx context.Context, symbol, period string, start, end int64, limit int) ([]domain.OpenInterestPoint, error) {
	if f.oiErr != nil {
		return nil, f.oiErr
	}
	var out []domain.OpenInterestPoint
	for _, p := range f.oi {
		if p.Time >= start && p.Time < end {
			out = append(out, p)
		}
	}
	return out, nil
}

func bar(open int64, close float64) domain.Kline {
	return domain.Kline{
		Symbol: "BTCUSDT", Interval: "1m",
		OpenTime: open, CloseTime: open + minuteMs - 1,
		Open: close, High: close, Low: close, Close: close, Volume: 1,
		Closed: true,
	}
}

func testConfig(bars int) *infra.Config {
	cfg := &infra.Config{}
	cfg.API.Binance.Symbols = []string{"BTCUSDT"}
	cfg.Backfill.Enabled = true
	cfg.Backfill.Start = time.UnixMilli(t0).UTC().Format(time.RFC3339)
	cfg.Backfill.End = time.UnixMilli(t0 + int64(bars)*minuteMs).UTC().Format(time.RFC3339)
	cfg.Backfill.CapabilityScope = infra.CapabilityScopeSymbol
	return cfg
}

func setupRunner(t *testing.T, cfg *infra.Config, client *fakeClient) (*Runner, string, *storage.Storage) {
	t.Helper()
	dir := t.TempDir()

	writer, err := sink.NewWriter(sink.Config{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { writer.Close() })

	store, err := storage.NewStorage(filepath.Join(dir, "meta"))
	require.NoError(t, err)

	schema := collector.BuildSchema(nil)
	return NewRunner(cfg, client, writer, store, schema), dir, store
}

func readSnapshots(t *testing.T, dir string) []map[string]any {
	t.Helper()
	path := filepath.Join(dir, "2024-01-15", "snapshots_BTCUSDT_10.jsonl")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func TestBackfillAlignsSlowSeries(t *testing.T) {
	client := &fakeClient{
		klines: []domain.Kline{
			bar(t0, 100), bar(t0+minuteMs, 101), bar(t0+2*minuteMs, 102),
		},
		marks: []domain.Kline{
			bar(t0, 100.5), bar(t0+minuteMs, 101.5), bar(t0+2*minuteMs, 102.5),
		},
		funding: []domain.FundingPoint{
			// Settled before the range: applies to every bar.
			{Symbol: "BTCUSDT", Time: t0 - 2*time.Hour.Milliseconds(), Rate: 0.0001},
		},
		oi: []domain.OpenInterestPoint{
			// Published mid-range: the first two bar closes precede it.
			{Symbol: "BTCUSDT", Time: t0 + 150_000, Value: 5000},
		},
	}
	runner, dir, _ := setupRunner(t, testConfig(3), client)

	require.NoError(t, runner.Run(context.Background()))

	recs := readSnapshots(t, dir)
	require.Len(t, recs, 3)

	first := recs[0]["features"].(map[string]any)
	assert.Equal(t, 100.0, first["kline1mClose"])
	assert.Equal(t, 100.5, first["markPrice"])
	assert.Equal(t, 0.0001, first["fundingRate"])
	assert.NotContains(t, first, "openInterest", "open interest must not leak backwards")

	second := recs[1]["features"].(map[string]any)
	assert.NotContains(t, second, "openInterest")

	third := recs[2]["features"].(map[string]any)
	assert.Equal(t, 5000.0, third["openInterest"])

	// Bar close is the record price.
	assert.Equal(t, 101.0, recs[1]["price"])

	// Deltas appear from the second record on.
	assert.NotContains(t, first, "d_kline1mClose")
	assert.Equal(t, 1.0, second["d_kline1mClose"])
}

func TestBackfillResumesFromCheckpoint(t *testing.T) {
	client := &fakeClient{
		klines: []domain.Kline{
			bar(t0, 100), bar(t0+minuteMs, 101), bar(t0+2*minuteMs, 102),
		},
	}
	runner, dir, store := setupRunner(t, testConfig(3), client)

	resumeAt := t0 + minuteMs
	require.NoError(t, store.SaveCheckpoint("BTCUSDT", resumeAt))

	require.NoError(t, runner.Run(context.Background()))

	require.NotEmpty(t, client.klineStarts)
	assert.Equal(t, resumeAt, client.klineStarts[0], "fetch must start at the checkpoint")

	recs := readSnapshots(t, dir)
	assert.Len(t, recs, 2)

	// Final checkpoint covers the whole range.
	cp, err := store.GetCheckpoint("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, t0+3*minuteMs, cp.DoneUntil)
}

func TestBackfillFlagsUnsupportedOpenInterest(t *testing.T) {
	client := &fakeClient{
		klines: []domain.Kline{bar(t0, 100)},
		oiErr:  domain.ErrUnsupported,
	}
	cfg := testConfig(1)
	cfg.Backfill.CapabilityScope = infra.CapabilityScopeRun
	runner, dir, store := setupRunner(t, cfg, client)

	require.NoError(t, runner.Run(context.Background()))

	recs := readSnapshots(t, dir)
	require.Len(t, recs, 1)
	assert.NotContains(t, recs[0]["features"].(map[string]any), "openInterest")

	// Run scope: every symbol is covered by the flag.
	flagged, err := store.IsUnsupported("ETHUSDT", "openInterest")
	require.NoError(t, err)
	assert.True(t, flagged)
}

func TestBackfillSkipsCompleteSymbol(t *testing.T) {
	client := &fakeClient{klines: []domain.Kline{bar(t0, 100)}}
	runner, _, store := setupRunner(t, testConfig(1), client)

	require.NoError(t, store.SaveCheckpoint("BTCUSDT", t0+minuteMs))
	require.NoError(t, runner.Run(context.Background()))

	assert.Empty(t, client.klineStarts, "complete symbols must not be re-fetched")
}
