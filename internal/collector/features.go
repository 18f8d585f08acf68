package collector

import (
	"time"

	"perpfeed/internal/book"
	"perpfeed/internal/domain"
	"perpfeed/internal/flow"
)

// Feature names shared by the live collector and the backfill. The schema is
// fixed for a run; windows contribute suffixed flow fields (aggBuyQty_1m, ...).
const (
	featPrice          = "price"
	featBestBid        = "bestBid"
	featBestAsk        = "bestAsk"
	featSpreadPct      = "spreadPct"
	featImbalance      = "imbalance"
	featDepthBidQty    = "depthBidQty"
	featDepthAskQty    = "depthAskQty"
	featDepthImbalance = "depthImbalance"
	featMarkPrice      = "markPrice"
	featIndexPrice     = "indexPrice"
	featFundingRate    = "fundingRate"
	featOpenInterest   = "openInterest"
	featKlineClose     = "kline1mClose"
	featKlineVol       = "kline1mVol"

	featBookAgeMs  = "bookAgeMs"
	featTradeAgeMs = "tradeAgeMs"
	featMarkAgeMs  = "markAgeMs"
	featKlineAgeMs = "klineAgeMs"
	featOIAgeMs    = "oiAgeMs"

	featCompleteness      = "featureCompleteness"
	featMicroCompleteness = "microCompleteness"
)

// BuildSchema assembles the run's feature schema for the configured flow
// windows. Ages and the completeness ratios are annotated NoDelta; book and
// flow derived fields are annotated Micro.
func BuildSchema(windows []time.Duration) *domain.Schema {
	fields := []domain.Field{
		{Name: featPrice},
		{Name: featBestBid, Micro: true},
		{Name: featBestAsk, Micro: true},
		{Name: featSpreadPct, Micro: true},
		{Name: featImbalance, Micro: true},
		{Name: featDepthBidQty, Micro: true},
		{Name: featDepthAskQty, Micro: true},
		{Name: featDepthImbalance, Micro: true},
		{Name: featMarkPrice},
		{Name: featIndexPrice},
		{Name: featFundingRate},
		{Name: featOpenInterest},
		{Name: featKlineClose},
		{Name: featKlineVol},
	}
	for _, w := range windows {
		suffix := "_" + flow.Label(w)
		for _, prefix := range []string{"agg", "liq"} {
			for _, stat := range []string{
				"BuyQty", "SellQty", "BuyCount", "SellCount",
				"NetQty", "NetNotional", "Vwap", "BuySellRatio",
			} {
				fields = append(fields, domain.Field{Name: prefix + stat + suffix, Micro: true})
			}
		}
	}
	fields = append(fields,
		domain.Field{Name: featBookAgeMs, NoDelta: true},
		domain.Field{Name: featTradeAgeMs, NoDelta: true},
		domain.Field{Name: featMarkAgeMs, NoDelta: true},
		domain.Field{Name: featKlineAgeMs, NoDelta: true},
		domain.Field{Name: featOIAgeMs, NoDelta: true},
		domain.Field{Name: featCompleteness, NoDelta: true},
		domain.Field{Name: featMicroCompleteness, NoDelta: true},
	)
	return domain.NewSchema(fields)
}

// SnapshotInput carries everything one snapshot assembly reads. Nil members
// are sources with no data yet; their features stay absent.
type SnapshotInput struct {
	Now       int64
	Top       *book.TopOfBook
	BookTime  int64 // last book event time, unix millis
	Trades    []flow.Stats
	Liqs      []flow.Stats
	LastTrade *domain.FlowEvent
	Mark      *domain.MarkUpdate
	Kline     *domain.Kline
	KlineTime int64 // when the bar was last observed
	OI        *domain.OpenInterestPoint
}

// BuildVector assembles one feature vector. Absent sources degrade the vector
// instead of failing it; the completeness ratios record how degraded it is.
func BuildVector(schema *domain.Schema, in SnapshotInput) *domain.Vector {
	vec := schema.NewVector()

	if in.Top != nil {
		top := in.Top
		if len(top.Bids) > 0 && len(top.Asks) > 0 {
			bid, ask := top.Bids[0], top.Asks[0]
			vec.Set(featBestBid, bid.Price)
			vec.Set(featBestAsk, ask.Price)
			if mid := (bid.Price + ask.Price) / 2; mid > 0 {
				vec.Set(featSpreadPct, (ask.Price-bid.Price)/mid*100)
				vec.Set(featPrice, mid)
			}
			if total := bid.Qty + ask.Qty; total > 0 {
				vec.Set(featImbalance, (bid.Qty-ask.Qty)/total)
			}
		}
		vec.Set(featDepthBidQty, top.BidQty)
		vec.Set(featDepthAskQty, top.AskQty)
		vec.SetPtr(featDepthImbalance, top.Imbalance)
		if in.BookTime > 0 {
			vec.Set(featBookAgeMs, float64(in.Now-in.BookTime))
		}
	}

	setFlow(vec, "agg", in.Trades)
	setFlow(vec, "liq", in.Liqs)

	if in.LastTrade != nil {
		vec.Set(featTradeAgeMs, float64(in.Now-in.LastTrade.EventTime))
		if _, ok := vec.Get(featPrice); !ok {
			p, _ := in.LastTrade.Price.Float64()
			vec.Set(featPrice, p)
		}
	}

	if in.Kline != nil {
		vec.Set(featKlineClose, in.Kline.Close)
		vec.Set(featKlineVol, in.Kline.Volume)
		if in.KlineTime > 0 {
			vec.Set(featKlineAgeMs, float64(in.Now-in.KlineTime))
		}
		if _, ok := vec.Get(featPrice); !ok {
			vec.Set(featPrice, in.Kline.Close)
		}
	}

	if in.Mark != nil {
		vec.SetPtr(featMarkPrice, in.Mark.MarkPrice)
		vec.SetPtr(featIndexPrice, in.Mark.IndexPrice)
		vec.SetPtr(featFundingRate, in.Mark.FundingRate)
		vec.Set(featMarkAgeMs, float64(in.Now-in.Mark.EventTime))
		if _, ok := vec.Get(featPrice); !ok {
			vec.SetPtr(featPrice, in.Mark.MarkPrice)
		}
	}

	if in.OI != nil {
		vec.Set(featOpenInterest, in.OI.Value)
		vec.Set(featOIAgeMs, float64(in.Now-in.OI.Time))
	}

	// Ratios go in last so they see the full vector.
	vec.Set(featCompleteness, vec.Completeness())
	vec.Set(featMicroCompleteness, vec.MicroCompleteness())
	return vec
}

// setFlow writes one tracker's window stats under a prefix. VWAP and the
// buy/sell ratio stay absent when undefined for the window.
func setFlow(vec *domain.Vector, prefix string, stats []flow.Stats) {
	for _, s := range stats {
		suffix := "_" + flow.Label(s.Window)
		vec.Set(prefix+"BuyQty"+suffix, s.BuyQty)
		vec.Set(prefix+"SellQty"+suffix, s.SellQty)
		vec.Set(prefix+"BuyCount"+suffix, float64(s.BuyCount))
		vec.Set(prefix+"SellCount"+suffix, float64(s.SellCount))
		vec.Set(prefix+"NetQty"+suffix, s.NetQty)
		vec.Set(prefix+"NetNotional"+suffix, s.NetNotional)
		vec.SetPtr(prefix+"Vwap"+suffix, s.VWAP)
		vec.SetPtr(prefix+"BuySellRatio"+suffix, s.BuySellRatio)
	}
}

// SnapshotRecord renders the JSONL line for one assembled vector.
func SnapshotRecord(schema *domain.Schema, symbol string, now int64, vec, prev *domain.Vector) map[string]any {
	features := make(map[string]any)
	vec.AppendTo(features, "")
	schema.Deltas(vec, prev).AppendTo(features, "d_")

	rec := map[string]any{
		"type":     "snapshot",
		"symbol":   symbol,
		"time":     now,
		"features": features,
	}
	if price, ok := vec.Get(featPrice); ok {
		rec["price"] = price
	}
	return rec
}
