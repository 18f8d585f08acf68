package collector

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpfeed/internal/book"
	"perpfeed/internal/domain"
	"perpfeed/internal/flow"
)

func testSchema() *domain.Schema {
	return BuildSchema([]time.Duration{time.Minute, 5 * time.Minute})
}

func TestBuildSchemaWindowSuffixes(t *testing.T) {
	schema := testSchema()

	names := make(map[string]bool)
	for _, f := range schema.Fields() {
		names[f.Name] = true
	}
	for _, want := range []string{
		"aggBuyQty_1m", "aggSellQty_1m", "aggVwap_1m", "aggBuySellRatio_1m",
		"aggBuyCount_5m", "aggNetNotional_1m", "liqBuyQty_1m", "liqSellQty_5m",
		"bookAgeMs", "featureCompleteness", "microCompleteness",
	} {
		assert.True(t, names[want], "schema missing %s", want)
	}
}

func ptr(v float64) *float64 { return &v }

func fullInput(now int64) SnapshotInput {
	imb := 0.2
	vwap := 100.5
	ratio := 1.5
	stats := func(w time.Duration) flow.Stats {
		return flow.Stats{Window: w, BuyQty: 10, SellQty: 4, NetQty: 6,
			VWAP: &vwap, BuySellRatio: &ratio}
	}
	trade := domain.FlowEvent{
		Symbol:    "BTCUSDT",
		Price:     decimal.NewFromInt(100),
		Qty:       decimal.NewFromInt(1),
		Side:      domain.SideBuy,
		EventTime: now - 500,
	}
	return SnapshotInput{
		Now: now,
		Top: &book.TopOfBook{
			Bids:      []domain.PriceLevel{{Price: 99, Qty: 5}},
			Asks:      []domain.PriceLevel{{Price: 101, Qty: 3}},
			BidQty:    5,
			AskQty:    3,
			Imbalance: &imb,
		},
		BookTime:  now - 100,
		Trades:    []flow.Stats{stats(time.Minute), stats(5 * time.Minute)},
		Liqs:      []flow.Stats{stats(time.Minute), stats(5 * time.Minute)},
		LastTrade: &trade,
		Mark: &domain.MarkUpdate{
			Symbol:      "BTCUSDT",
			MarkPrice:   ptr(100.2),
			IndexPrice:  ptr(100.1),
			FundingRate: ptr(0.0001),
			EventTime:   now - 1000,
		},
		Kline: &domain.Kline{
			Symbol: "BTCUSDT", Interval: "1m",
			OpenTime: now - 30000, CloseTime: now + 30000,
			Close: 100.3, Volume: 42,
		},
		KlineTime: now - 2000,
		OI:        &domain.OpenInterestPoint{Symbol: "BTCUSDT", Time: now - 60000, Value: 88888},
	}
}

func TestBuildVectorFullInput(t *testing.T) {
	schema := testSchema()
	now := int64(1700000000000)

	vec := BuildVector(schema, fullInput(now))

	get := func(name string) float64 {
		v, ok := vec.Get(name)
		require.True(t, ok, "field %s absent", name)
		return v
	}

	assert.Equal(t, 99.0, get(featBestBid))
	assert.Equal(t, 101.0, get(featBestAsk))
	assert.Equal(t, 100.0, get(featPrice)) // mid
	assert.InDelta(t, 2.0, get(featSpreadPct), 1e-9)
	assert.InDelta(t, 0.25, get(featImbalance), 1e-9) // (5-3)/8
	assert.Equal(t, 0.2, get(featDepthImbalance))
	assert.Equal(t, 10.0, get("aggBuyQty_1m"))
	assert.Equal(t, 100.5, get("aggVwap_5m"))
	assert.Equal(t, 10.0, get("liqBuyQty_1m"))
	assert.Equal(t, 100.2, get(featMarkPrice))
	assert.Equal(t, 0.0001, get(featFundingRate))
	assert.Equal(t, 100.3, get(featKlineClose))
	assert.Equal(t, 88888.0, get(featOpenInterest))

	assert.Equal(t, 100.0, get(featBookAgeMs))
	assert.Equal(t, 500.0, get(featTradeAgeMs))
	assert.Equal(t, 1000.0, get(featMarkAgeMs))
	assert.Equal(t, 2000.0, get(featKlineAgeMs))
	assert.Equal(t, 60000.0, get(featOIAgeMs))

	assert.Equal(t, 1.0, get(featCompleteness))
	assert.Equal(t, 1.0, get(featMicroCompleteness))
}

func TestBuildVectorDegradedInput(t *testing.T) {
	schema := testSchema()
	now := int64(1700000000000)

	// Book not ready, no trades yet: only mark price data.
	in := SnapshotInput{
		Now: now,
		Mark: &domain.MarkUpdate{
			Symbol:    "BTCUSDT",
			MarkPrice: ptr(50000.0),
			EventTime: now - 200,
		},
	}
	vec := BuildVector(schema, in)

	_, ok := vec.Get(featBestBid)
	assert.False(t, ok)
	_, ok = vec.Get("aggBuyQty_1m")
	assert.False(t, ok)

	// Price falls back to the mark price.
	price, ok := vec.Get(featPrice)
	require.True(t, ok)
	assert.Equal(t, 50000.0, price)

	comp, _ := vec.Get(featCompleteness)
	assert.Greater(t, comp, 0.0)
	assert.Less(t, comp, 0.5)
	micro, _ := vec.Get(featMicroCompleteness)
	assert.Zero(t, micro)
}

func TestPriceFallsBackToLastTrade(t *testing.T) {
	schema := testSchema()
	now := int64(1700000000000)

	trade := domain.FlowEvent{
		Price: decimal.RequireFromString("123.45"),
		Qty:   decimal.NewFromInt(1), Side: domain.SideBuy, EventTime: now - 10,
	}
	vec := BuildVector(schema, SnapshotInput{Now: now, LastTrade: &trade})

	price, ok := vec.Get(featPrice)
	require.True(t, ok)
	assert.Equal(t, 123.45, price)
}

func TestSnapshotRecordDeltas(t *testing.T) {
	schema := testSchema()
	now := int64(1700000000000)

	prev := BuildVector(schema, fullInput(now-5000))
	cur := BuildVector(schema, fullInput(now))

	rec := SnapshotRecord(schema, "BTCUSDT", now, cur, prev)

	assert.Equal(t, "snapshot", rec["type"])
	assert.Equal(t, "BTCUSDT", rec["symbol"])
	assert.Equal(t, now, rec["time"])
	assert.Equal(t, 100.0, rec["price"])

	features, ok := rec["features"].(map[string]any)
	require.True(t, ok)

	// Identical inputs five seconds apart: value deltas are zero.
	assert.Equal(t, 0.0, features["d_markPrice"])
	assert.Equal(t, 0.0, features["d_aggBuyQty_1m"])

	// Ages and ratios never carry deltas.
	assert.Contains(t, features, "bookAgeMs")
	assert.NotContains(t, features, "d_bookAgeMs")
	assert.NotContains(t, features, "d_featureCompleteness")
}

func TestSnapshotRecordFirstSnapshotHasNoDeltas(t *testing.T) {
	schema := testSchema()
	now := int64(1700000000000)

	cur := BuildVector(schema, fullInput(now))
	rec := SnapshotRecord(schema, "BTCUSDT", now, cur, nil)

	features := rec["features"].(map[string]any)
	for name := range features {
		assert.NotRegexp(t, "^d_", name)
	}
}

func TestDeltaAbsentWhenFieldAppears(t *testing.T) {
	schema := testSchema()
	now := int64(1700000000000)

	// Previous snapshot had no open interest; current one does.
	prevIn := fullInput(now - 5000)
	prevIn.OI = nil
	prev := BuildVector(schema, prevIn)
	cur := BuildVector(schema, fullInput(now))

	rec := SnapshotRecord(schema, "BTCUSDT", now, cur, prev)
	features := rec["features"].(map[string]any)

	assert.Contains(t, features, "openInterest")
	assert.NotContains(t, features, "d_openInterest")
	assert.Contains(t, features, "d_markPrice")
}
