package domain

import "github.com/shopspring/decimal"

// Side is the taker side of a flow event.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PriceLevel is one order book level. Qty == 0 means "remove this level".
type PriceLevel struct {
	Price float64
	Qty   float64
}

// DepthDiff is an incremental order book update carrying an update-id range.
// PrevLastUpdateID is only present on streams that supply it (futures "pu").
type DepthDiff struct {
	Symbol           string
	EventTime        int64 // exchange event time, unix millis
	FirstUpdateID    int64
	LastUpdateID     int64
	PrevLastUpdateID *int64
	Bids             []PriceLevel
	Asks             []PriceLevel
}

// BookSnapshot is a full point-in-time order book used to (re)seed a Book.
type BookSnapshot struct {
	Symbol       string
	LastUpdateID int64
	Bids         []PriceLevel
	Asks         []PriceLevel
}

// FlowEvent is a trade or forced liquidation.
// Price and Qty stay decimal so window accumulators can undo contributions exactly.
type FlowEvent struct {
	Symbol    string
	Price     decimal.Decimal
	Qty       decimal.Decimal
	Side      Side
	EventTime int64
}

// MarkUpdate carries mark/index price state for one symbol.
// Optional fields are nil when the payload omitted them or they failed to parse.
type MarkUpdate struct {
	Symbol          string
	MarkPrice       *float64
	IndexPrice      *float64
	FundingRate     *float64
	NextFundingTime int64
	EventTime       int64
}

// Kline is one OHLCV bar.
type Kline struct {
	Symbol    string
	Interval  string
	OpenTime  int64
	CloseTime int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Closed    bool
}

// Timestamp implements timeseries.Row; bars are keyed by their open time.
func (k Kline) Timestamp() int64 { return k.OpenTime }

// FundingPoint is one historical funding-rate sample.
type FundingPoint struct {
	Symbol string
	Time   int64
	Rate   float64
}

func (f FundingPoint) Timestamp() int64 { return f.Time }

// OpenInterestPoint is one historical open-interest sample.
type OpenInterestPoint struct {
	Symbol string
	Time   int64
	Value  float64
}

func (o OpenInterestPoint) Timestamp() int64 { return o.Time }
