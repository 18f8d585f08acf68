package collector

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpfeed/internal/book"
	"perpfeed/internal/domain"
	"perpfeed/internal/flow"
	"perpfeed/internal/infra"
	"perpfeed/internal/sink"
)

// 2024-01-15T10:00:00Z
const testTime = int64(1705312800000)

type nopFetcher struct{}

func (nopFetcher) FetchDepthSnapshot(ctx context.Context, symbol string) (*domain.BookSnapshot, error) {
	return &domain.BookSnapshot{Symbol: symbol, LastUpdateID: 1}, nil
}

func newTestCollector(t *testing.T) (*Collector, string) {
	t.Helper()
	dir := t.TempDir()

	cfg := &infra.Config{}
	cfg.API.Binance.Symbols = []string{"BTCUSDT"}
	cfg.Collector.SnapshotIntervalMS = 1000
	cfg.Collector.DepthLevels = 10
	cfg.Collector.LogRawEvents = true
	cfg.Collector.LogRawEventTypes = []string{"aggTrade"}

	windows := []time.Duration{time.Minute}
	writer, err := sink.NewWriter(sink.Config{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { writer.Close() })

	registry := book.NewRegistry(nopFetcher{}, time.Second, 1, 100)
	c := New(cfg, BuildSchema(windows), registry,
		flow.NewTracker(windows), flow.NewTracker(windows),
		writer, infra.NewMetrics(), nil, nil)
	return c, dir
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestEmitSnapshotWritesRecord(t *testing.T) {
	c, dir := newTestCollector(t)

	c.HandleTrade(domain.FlowEvent{
		Symbol: "BTCUSDT",
		Price:  decimal.NewFromInt(100), Qty: decimal.NewFromInt(2),
		Side: domain.SideBuy, EventTime: testTime - 1000,
	})
	mark := 100.5
	c.HandleMark(domain.MarkUpdate{Symbol: "BTCUSDT", MarkPrice: &mark, EventTime: testTime - 500})

	c.emitSnapshot("BTCUSDT", testTime)
	c.emitSnapshot("BTCUSDT", testTime+5000)
	require.NoError(t, c.writer.Flush())

	path := filepath.Join(dir, "2024-01-15", "snapshots_BTCUSDT_10.jsonl")
	lines := readLines(t, path)
	require.Len(t, lines, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))

	assert.Equal(t, "snapshot", first["type"])
	assert.Equal(t, "BTCUSDT", first["symbol"])

	features := first["features"].(map[string]any)
	assert.Equal(t, 2.0, features["aggBuyQty_1m"])
	assert.Equal(t, 100.5, features["markPrice"])
	// Book never synced: its features are simply absent.
	assert.NotContains(t, features, "bestBid")

	// First snapshot carries no deltas; the second does.
	for name := range features {
		assert.NotRegexp(t, "^d_", name)
	}
	secondFeatures := second["features"].(map[string]any)
	assert.Contains(t, secondFeatures, "d_markPrice")
	assert.Equal(t, 0.0, secondFeatures["d_markPrice"])
}

func TestHandleRawRespectsTypeFilter(t *testing.T) {
	c, dir := newTestCollector(t)

	payload := json.RawMessage(`{"e":"aggTrade","s":"BTCUSDT","p":"1"}`)
	c.HandleRaw("aggTrade", "BTCUSDT", testTime, payload)
	c.HandleRaw("depthUpdate", "BTCUSDT", testTime, json.RawMessage(`{}`))
	require.NoError(t, c.writer.Flush())

	day := filepath.Join(dir, "2024-01-15")
	lines := readLines(t, filepath.Join(day, "events_aggTrade_BTCUSDT_10.jsonl"))
	require.Len(t, lines, 1)
	assert.JSONEq(t, string(payload), lines[0])

	_, err := os.Stat(filepath.Join(day, "events_depthUpdate_BTCUSDT_10.jsonl"))
	assert.True(t, os.IsNotExist(err))
}

func TestHandleRawCountsEvents(t *testing.T) {
	c, _ := newTestCollector(t)

	c.HandleRaw("depthUpdate", "BTCUSDT", testTime, nil)
	c.HandleRaw("aggTrade", "BTCUSDT", testTime, json.RawMessage(`{}`))
	c.HandleRaw("bogus", "BTCUSDT", testTime, nil)

	snap := c.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.DepthEvents)
	assert.Equal(t, uint64(1), snap.TradeEvents)
	assert.Equal(t, uint64(1), snap.DroppedEvents)
}
