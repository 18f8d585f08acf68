package collector

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"perpfeed/internal/book"
	"perpfeed/internal/domain"
	"perpfeed/internal/flow"
	"perpfeed/internal/infra"
	"perpfeed/internal/infra/storage"
	"perpfeed/internal/sink"
)

// OpenInterestFetcher is the slice of the REST client the poll loop needs.
type OpenInterestFetcher interface {
	OpenInterest(ctx context.Context, symbol string) (*domain.OpenInterestPoint, error)
}

// Collector consumes decoded stream events, maintains per-symbol state and
// periodically assembles feature snapshots into the sink. It implements
// binance.Handler.
type Collector struct {
	cfg      *infra.Config
	schema   *domain.Schema
	registry *book.Registry
	trades   *flow.Tracker
	liqs     *flow.Tracker
	writer   *sink.Writer
	metrics  *infra.Metrics
	rest     OpenInterestFetcher
	store    *storage.Storage // may be nil; capability flags then stay in-memory

	mu            sync.RWMutex
	marks         map[string]domain.MarkUpdate
	klines        map[string]klineState
	lastTrades    map[string]domain.FlowEvent
	openInterest  map[string]domain.OpenInterestPoint
	oiUnsupported map[string]bool
	prev          map[string]*domain.Vector

	ctx context.Context
	wg  sync.WaitGroup
}

type klineState struct {
	bar        domain.Kline
	observedAt int64
}

// New creates a collector over already-constructed components.
func New(cfg *infra.Config, schema *domain.Schema, registry *book.Registry,
	trades, liqs *flow.Tracker, writer *sink.Writer, metrics *infra.Metrics,
	rest OpenInterestFetcher, store *storage.Storage) *Collector {
	return &Collector{
		cfg:           cfg,
		schema:        schema,
		registry:      registry,
		trades:        trades,
		liqs:          liqs,
		writer:        writer,
		metrics:       metrics,
		rest:          rest,
		store:         store,
		marks:         make(map[string]domain.MarkUpdate),
		klines:        make(map[string]klineState),
		lastTrades:    make(map[string]domain.FlowEvent),
		openInterest:  make(map[string]domain.OpenInterestPoint),
		oiUnsupported: make(map[string]bool),
		prev:          make(map[string]*domain.Vector),
		ctx:           context.Background(),
	}
}

// Run starts the periodic loops. They stop when ctx is cancelled; call Wait
// to block until they have drained.
func (c *Collector) Run(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	c.wg.Add(2)
	go c.snapshotLoop(ctx)
	go c.metricsLoop(ctx)

	if c.rest != nil && c.cfg.Collector.OpenInterestPollSec > 0 {
		c.wg.Add(1)
		go c.openInterestLoop(ctx)
	}
}

// Wait blocks until all loops have stopped.
func (c *Collector) Wait() {
	c.wg.Wait()
}

func (c *Collector) runCtx() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ctx
}

// ======================================================================================
// Stream handlers (binance.Handler)
// ======================================================================================

// HandleDepth routes a depth diff to the symbol's book.
func (c *Collector) HandleDepth(diff domain.DepthDiff) {
	c.registry.ApplyDiff(c.runCtx(), diff)
}

// HandleTrade records an aggregated trade into the trade windows.
func (c *Collector) HandleTrade(ev domain.FlowEvent) {
	if err := c.trades.Record(ev); err != nil {
		slog.Debug("Dropping trade", slog.Any("error", err))
		c.metrics.RecordDropped()
		return
	}
	c.mu.Lock()
	c.lastTrades[ev.Symbol] = ev
	c.mu.Unlock()
}

// HandleLiquidation records a forced liquidation into the liquidation windows.
func (c *Collector) HandleLiquidation(ev domain.FlowEvent) {
	if err := c.liqs.Record(ev); err != nil {
		slog.Debug("Dropping liquidation", slog.Any("error", err))
		c.metrics.RecordDropped()
	}
}

// HandleMark stores the latest mark price state for a symbol.
func (c *Collector) HandleMark(m domain.MarkUpdate) {
	c.mu.Lock()
	c.marks[m.Symbol] = m
	c.mu.Unlock()
}

// HandleKline stores the latest (possibly still open) bar for a symbol.
func (c *Collector) HandleKline(k domain.Kline) {
	c.mu.Lock()
	c.klines[k.Symbol] = klineState{bar: k, observedAt: time.Now().UnixMilli()}
	c.mu.Unlock()
}

// HandleRaw counts every event and appends it to the raw event log when
// enabled for its type.
func (c *Collector) HandleRaw(eventType, symbol string, eventTime int64, payload json.RawMessage) {
	c.metrics.RecordEvent(eventType)
	if eventType == "" || symbol == "" || !c.cfg.RawEventEnabled(eventType) {
		return
	}
	if eventTime == 0 {
		eventTime = time.Now().UnixMilli()
	}
	if err := c.writer.Write("events_"+eventType+"_"+symbol, eventTime, payload); err != nil {
		c.metrics.RecordError()
		slog.Warn("Raw event write failed", slog.Any("error", err))
	}
}

// ======================================================================================
// Periodic loops
// ======================================================================================

func (c *Collector) snapshotLoop(ctx context.Context) {
	defer c.wg.Done()
	interval := time.Duration(c.cfg.Collector.SnapshotIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			for _, symbol := range c.cfg.API.Binance.Symbols {
				c.emitSnapshot(symbol, now)
			}
		}
	}
}

func (c *Collector) emitSnapshot(symbol string, now int64) {
	in := SnapshotInput{
		Now:    now,
		Trades: c.trades.Read(symbol, now),
		Liqs:   c.liqs.Read(symbol, now),
	}

	b := c.registry.Book(symbol)
	if top, err := b.TopOfBook(c.cfg.Collector.DepthLevels); err == nil {
		in.Top = &top
		in.BookTime = b.LastEventTime()
	}

	c.mu.RLock()
	if m, ok := c.marks[symbol]; ok {
		in.Mark = &m
	}
	if k, ok := c.klines[symbol]; ok {
		in.Kline = &k.bar
		in.KlineTime = k.observedAt
	}
	if tr, ok := c.lastTrades[symbol]; ok {
		in.LastTrade = &tr
	}
	if oi, ok := c.openInterest[symbol]; ok {
		in.OI = &oi
	}
	prev := c.prev[symbol]
	c.mu.RUnlock()

	vec := BuildVector(c.schema, in)
	rec := SnapshotRecord(c.schema, symbol, now, vec, prev)

	if err := c.writer.Write("snapshots_"+symbol, now, rec); err != nil {
		c.metrics.RecordError()
		slog.Warn("Snapshot write failed",
			slog.String("symbol", symbol), slog.Any("error", err))
		return
	}
	c.metrics.RecordSnapshot()

	c.mu.Lock()
	c.prev[symbol] = vec
	c.mu.Unlock()
}

func (c *Collector) metricsLoop(ctx context.Context) {
	defer c.wg.Done()
	interval := time.Duration(c.cfg.Collector.MetricsIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := c.metrics.Snapshot()
			r := c.registry.Stats()
			w := c.writer.Stats()
			slog.Info("Collector status",
				slog.Uint64("depth", m.DepthEvents),
				slog.Uint64("trades", m.TradeEvents),
				slog.Uint64("liquidations", m.LiqEvents),
				slog.Uint64("marks", m.MarkEvents),
				slog.Uint64("klines", m.KlineEvents),
				slog.Uint64("dropped", m.DroppedEvents),
				slog.Uint64("snapshots", m.SnapshotsBuilt),
				slog.Uint64("errors", m.ErrorsTotal),
				slog.Bool("connected", m.Connected),
				slog.Int("booksReady", r.Ready),
				slog.Int64("resyncs", r.ResyncsRequested),
				slog.Int64("snapshotFailures", r.SnapshotFailures),
				slog.Int64("linesWritten", w.LinesWritten),
				slog.Int("openPartitions", w.OpenPartitions),
			)
		}
	}
}

func (c *Collector) openInterestLoop(ctx context.Context) {
	defer c.wg.Done()
	interval := time.Duration(c.cfg.Collector.OpenInterestPollSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.pollOpenInterest(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOpenInterest(ctx)
		}
	}
}

func (c *Collector) pollOpenInterest(ctx context.Context) {
	for _, symbol := range c.cfg.API.Binance.Symbols {
		c.mu.RLock()
		skip := c.oiUnsupported[symbol]
		c.mu.RUnlock()
		if skip {
			continue
		}

		oi, err := c.rest.OpenInterest(ctx, symbol)
		if err != nil {
			c.handleOpenInterestError(ctx, symbol, err)
			continue
		}
		c.mu.Lock()
		c.openInterest[symbol] = *oi
		c.mu.Unlock()
	}
}

func (c *Collector) handleOpenInterestError(ctx context.Context, symbol string, err error) {
	if errors.Is(err, domain.ErrUnsupported) {
		slog.Info("Open interest unsupported, disabling",
			slog.String("symbol", symbol))
		c.mu.Lock()
		c.oiUnsupported[symbol] = true
		c.mu.Unlock()
		if c.store != nil {
			if err := c.store.SetCapabilityFlag(symbol, "openInterest", err.Error()); err != nil {
				slog.Warn("Failed to persist capability flag", slog.Any("error", err))
			}
		}
		return
	}

	var rl *domain.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		slog.Warn("Open interest poll rate limited",
			slog.String("symbol", symbol),
			slog.Duration("retryAfter", rl.RetryAfter))
		select {
		case <-ctx.Done():
		case <-time.After(rl.RetryAfter):
		}
		return
	}

	c.metrics.RecordError()
	slog.Warn("Open interest poll failed",
		slog.String("symbol", symbol), slog.Any("error", err))
}
