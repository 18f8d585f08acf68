// Package flow aggregates trade and liquidation flow into sliding time windows.
// Each window keeps an append-only event queue with a lazily-evicted head and a
// set of running accumulators, so recording and expiring are both O(1) amortized.
package flow

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perpfeed/internal/domain"
)

// Compaction thresholds: the consumed prefix is physically dropped only once it
// is both large and more than half the queue. Purely a memory bound, not needed
// for correctness.
const (
	compactMinEvicted = 1024
)

// Stats is the read-side view of one window.
// VWAP and BuySellRatio are nil when undefined (no priced events / no sells).
type Stats struct {
	Window       time.Duration
	BuyQty       float64
	SellQty      float64
	BuyCount     int64
	SellCount    int64
	VWAP         *float64
	BuySellRatio *float64
	NetQty       float64
	NetNotional  float64
}

// window is the per-symbol, per-length sub-state. Accumulators are decimal so
// undoing an expired event's contribution is exact over arbitrarily long runs.
type window struct {
	length time.Duration

	events []domain.FlowEvent
	head   int

	buyQty       decimal.Decimal
	sellQty      decimal.Decimal
	buyNotional  decimal.Decimal
	sellNotional decimal.Decimal
	pricedQty    decimal.Decimal
	pricedSum    decimal.Decimal // sum(price*qty) over priced events
	buyCount     int64
	sellCount    int64
}

func newWindow(length time.Duration) *window {
	return &window{length: length}
}

func (w *window) add(ev domain.FlowEvent) {
	w.events = append(w.events, ev)
	w.apply(ev, 1)
}

// apply adds (sign=+1) or undoes (sign=-1) one event's contribution.
func (w *window) apply(ev domain.FlowEvent, sign int64) {
	qty := ev.Qty
	notional := ev.Price.Mul(ev.Qty)
	if sign < 0 {
		qty = qty.Neg()
		notional = notional.Neg()
	}
	switch ev.Side {
	case domain.SideSell:
		w.sellQty = w.sellQty.Add(qty)
		w.sellNotional = w.sellNotional.Add(notional)
		w.sellCount += sign
	default:
		w.buyQty = w.buyQty.Add(qty)
		w.buyNotional = w.buyNotional.Add(notional)
		w.buyCount += sign
	}
	if ev.Price.IsPositive() {
		w.pricedQty = w.pricedQty.Add(qty)
		w.pricedSum = w.pricedSum.Add(notional)
	}
}

// expire walks the head forward past events older than asOf − length.
// Expiry is by event time, never arrival time.
func (w *window) expire(asOf int64) {
	cutoff := asOf - w.length.Milliseconds()
	for w.head < len(w.events) && w.events[w.head].EventTime < cutoff {
		w.apply(w.events[w.head], -1)
		w.head++
	}
	if w.head >= compactMinEvicted && w.head*2 > len(w.events) {
		n := copy(w.events, w.events[w.head:])
		w.events = w.events[:n]
		w.head = 0
	}
}

func (w *window) stats() Stats {
	s := Stats{
		Window:      w.length,
		BuyQty:      f64(w.buyQty),
		SellQty:     f64(w.sellQty),
		BuyCount:    w.buyCount,
		SellCount:   w.sellCount,
		NetQty:      f64(w.buyQty.Sub(w.sellQty)),
		NetNotional: f64(w.buyNotional.Sub(w.sellNotional)),
	}
	if w.pricedQty.IsPositive() {
		vwap := f64(w.pricedSum.Div(w.pricedQty))
		s.VWAP = &vwap
	}
	if w.sellQty.IsPositive() {
		ratio := f64(w.buyQty.Div(w.sellQty))
		s.BuySellRatio = &ratio
	}
	return s
}

func f64(d decimal.Decimal) float64 {
	v, _ := d.Float64()
	return v
}

// symbolWindows carries one window per configured length, behind its own lock
// so symbols never contend with each other.
type symbolWindows struct {
	mu      sync.Mutex
	windows []*window
}

// Tracker maintains rolling flow windows per symbol.
type Tracker struct {
	lengths []time.Duration

	mu      sync.RWMutex
	symbols map[string]*symbolWindows
}

// NewTracker creates a tracker with the configured window lengths.
func NewTracker(lengths []time.Duration) *Tracker {
	return &Tracker{
		lengths: lengths,
		symbols: make(map[string]*symbolWindows),
	}
}

// Record adds one flow event to every window for its symbol.
// Non-positive quantities are rejected.
func (t *Tracker) Record(ev domain.FlowEvent) error {
	if !ev.Qty.IsPositive() {
		return fmt.Errorf("flow event qty must be positive, got %s", ev.Qty)
	}
	sw := t.get(ev.Symbol)
	sw.mu.Lock()
	defer sw.mu.Unlock()
	for _, w := range sw.windows {
		w.add(ev)
	}
	return nil
}

// Read expires stale entries as of asOf and returns one Stats per window,
// ordered as configured. Unknown symbols yield empty windows.
func (t *Tracker) Read(symbol string, asOf int64) []Stats {
	sw := t.get(symbol)
	sw.mu.Lock()
	defer sw.mu.Unlock()
	out := make([]Stats, len(sw.windows))
	for i, w := range sw.windows {
		w.expire(asOf)
		out[i] = w.stats()
	}
	return out
}

func (t *Tracker) get(symbol string) *symbolWindows {
	t.mu.RLock()
	sw, ok := t.symbols[symbol]
	t.mu.RUnlock()
	if ok {
		return sw
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if sw, ok = t.symbols[symbol]; ok {
		return sw
	}
	sw = &symbolWindows{windows: make([]*window, len(t.lengths))}
	for i, l := range t.lengths {
		sw.windows[i] = newWindow(l)
	}
	t.symbols[symbol] = sw
	return sw
}

// Label renders a window length the way feature suffixes expect: 1m, 5m, 90s.
func Label(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf("%dm", int(d/time.Minute))
	}
	return fmt.Sprintf("%ds", int(d/time.Second))
}
