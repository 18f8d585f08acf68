package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"perpfeed/internal/domain"
)

// Stream event type names as they appear in the "e" field.
const (
	EventDepthUpdate = "depthUpdate"
	EventAggTrade    = "aggTrade"
	EventForceOrder  = "forceOrder"
	EventMarkPrice   = "markPriceUpdate"
	EventKline       = "kline"
)

// streamEnvelope is the combined-stream wrapper: {"stream":"...","data":{...}}
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// eventHeader carries the fields common to every futures stream payload.
type eventHeader struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
}

// depthPayload is a futures depth diff event.
type depthPayload struct {
	eventHeader
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	PrevFinalID   *int64     `json:"pu"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

func (p *depthPayload) toDomain() domain.DepthDiff {
	return domain.DepthDiff{
		Symbol:           p.Symbol,
		EventTime:        p.EventTime,
		FirstUpdateID:    p.FirstUpdateID,
		LastUpdateID:     p.FinalUpdateID,
		PrevLastUpdateID: p.PrevFinalID,
		Bids:             parseLevels(p.Bids),
		Asks:             parseLevels(p.Asks),
	}
}

// parseLevels converts ["price","qty"] string pairs. Malformed entries are
// dropped rather than failing the whole diff.
func parseLevels(raw [][]string) []domain.PriceLevel {
	levels := make([]domain.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		price, ok := domain.ParseFinite(pair[0])
		if !ok {
			continue
		}
		qty, ok := domain.ParseFinite(pair[1])
		if !ok {
			continue
		}
		levels = append(levels, domain.PriceLevel{Price: price, Qty: qty})
	}
	return levels
}

// aggTradePayload is an aggregated trade event.
type aggTradePayload struct {
	eventHeader
	Price      string `json:"p"`
	Qty        string `json:"q"`
	TradeTime  int64  `json:"T"`
	BuyerMaker bool   `json:"m"`
}

func (p *aggTradePayload) toDomain() (domain.FlowEvent, error) {
	price, ok := domain.ParseDecimal(p.Price)
	if !ok {
		return domain.FlowEvent{}, fmt.Errorf("aggTrade price not numeric: %q", p.Price)
	}
	qty, ok := domain.ParseDecimal(p.Qty)
	if !ok {
		return domain.FlowEvent{}, fmt.Errorf("aggTrade qty not numeric: %q", p.Qty)
	}
	// m=true means the buyer was the maker, i.e. an aggressive sell.
	side := domain.SideBuy
	if p.BuyerMaker {
		side = domain.SideSell
	}
	return domain.FlowEvent{
		Symbol:    p.Symbol,
		Price:     price,
		Qty:       qty,
		Side:      side,
		EventTime: p.TradeTime,
	}, nil
}

// forceOrderPayload is a liquidation order event. The order sits in a nested
// "o" object.
type forceOrderPayload struct {
	eventHeader
	Order struct {
		Symbol    string `json:"s"`
		Side      string `json:"S"`
		Price     string `json:"p"`
		Qty       string `json:"q"`
		TradeTime int64  `json:"T"`
	} `json:"o"`
}

func (p *forceOrderPayload) toDomain() (domain.FlowEvent, error) {
	price, ok := domain.ParseDecimal(p.Order.Price)
	if !ok {
		return domain.FlowEvent{}, fmt.Errorf("forceOrder price not numeric: %q", p.Order.Price)
	}
	qty, ok := domain.ParseDecimal(p.Order.Qty)
	if !ok {
		return domain.FlowEvent{}, fmt.Errorf("forceOrder qty not numeric: %q", p.Order.Qty)
	}
	side := domain.SideSell
	if strings.EqualFold(p.Order.Side, "BUY") {
		side = domain.SideBuy
	}
	eventTime := p.Order.TradeTime
	if eventTime == 0 {
		eventTime = p.EventTime
	}
	return domain.FlowEvent{
		Symbol:    p.Order.Symbol,
		Price:     price,
		Qty:       qty,
		Side:      side,
		EventTime: eventTime,
	}, nil
}

// markPricePayload is a mark price update event.
type markPricePayload struct {
	eventHeader
	MarkPrice       string `json:"p"`
	IndexPrice      string `json:"i"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

func (p *markPricePayload) toDomain() domain.MarkUpdate {
	return domain.MarkUpdate{
		Symbol:          p.Symbol,
		EventTime:       p.EventTime,
		MarkPrice:       domain.ParseFinitePtr(p.MarkPrice),
		IndexPrice:      domain.ParseFinitePtr(p.IndexPrice),
		FundingRate:     domain.ParseFinitePtr(p.FundingRate),
		NextFundingTime: p.NextFundingTime,
	}
}

// klinePayload is a kline/candlestick event with the bar in a nested "k".
type klinePayload struct {
	eventHeader
	Kline struct {
		StartTime int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

func (p *klinePayload) toDomain() (domain.Kline, error) {
	k := p.Kline
	open, ok1 := domain.ParseFinite(k.Open)
	high, ok2 := domain.ParseFinite(k.High)
	low, ok3 := domain.ParseFinite(k.Low)
	close, ok4 := domain.ParseFinite(k.Close)
	volume, ok5 := domain.ParseFinite(k.Volume)
	if !(ok1 && ok2 && ok3 && ok4 && ok5) {
		return domain.Kline{}, fmt.Errorf("kline has non-numeric fields")
	}
	return domain.Kline{
		Symbol:    p.Symbol,
		Interval:  k.Interval,
		OpenTime:  k.StartTime,
		CloseTime: k.CloseTime,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    volume,
		Closed:    k.Closed,
	}, nil
}

// ======================================================================================
// REST response shapes
// ======================================================================================

// depthSnapshotResponse is the /fapi/v1/depth response.
type depthSnapshotResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	EventTime    int64      `json:"E"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// fundingRateEntry is one element of the /fapi/v1/fundingRate response.
type fundingRateEntry struct {
	Symbol      string `json:"symbol"`
	FundingTime int64  `json:"fundingTime"`
	FundingRate string `json:"fundingRate"`
}

// openInterestHistEntry is one element of /futures/data/openInterestHist.
type openInterestHistEntry struct {
	Symbol          string `json:"symbol"`
	SumOpenInterest string `json:"sumOpenInterest"`
	Timestamp       int64  `json:"timestamp"`
}

// openInterestResponse is the /fapi/v1/openInterest response.
type openInterestResponse struct {
	Symbol       string `json:"symbol"`
	OpenInterest string `json:"openInterest"`
	Time         int64  `json:"time"`
}

// apiError is Binance's error body: {"code":-1121,"msg":"Invalid symbol."}
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// parseKlineRow converts one kline array row. Binance returns klines as
// mixed-type arrays: [openTime, "open", "high", "low", "close", "volume",
// closeTime, ...].
func parseKlineRow(row []any, symbol, interval string) (domain.Kline, error) {
	if len(row) < 7 {
		return domain.Kline{}, fmt.Errorf("kline row has %d fields, want at least 7", len(row))
	}
	openTime, err := anyToInt64(row[0])
	if err != nil {
		return domain.Kline{}, fmt.Errorf("kline openTime: %w", err)
	}
	closeTime, err := anyToInt64(row[6])
	if err != nil {
		return domain.Kline{}, fmt.Errorf("kline closeTime: %w", err)
	}
	vals := make([]float64, 5)
	for i := 1; i <= 5; i++ {
		s, ok := row[i].(string)
		if !ok {
			return domain.Kline{}, fmt.Errorf("kline field %d is not a string", i)
		}
		v, ok := domain.ParseFinite(s)
		if !ok {
			return domain.Kline{}, fmt.Errorf("kline field %d is not numeric: %q", i, s)
		}
		vals[i-1] = v
	}
	return domain.Kline{
		Symbol:    symbol,
		Interval:  interval,
		OpenTime:  openTime,
		CloseTime: closeTime,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
		Closed:    true,
	}, nil
}

func anyToInt64(v any) (int64, error) {
	switch x := v.(type) {
	case float64:
		return int64(x), nil
	case json.Number:
		return x.Int64()
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
