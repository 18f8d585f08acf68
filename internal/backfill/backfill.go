package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"perpfeed/internal/collector"
	"perpfeed/internal/domain"
	"perpfeed/internal/infra"
	"perpfeed/internal/infra/storage"
	"perpfeed/internal/sink"
	"perpfeed/internal/timeseries"
)

const (
	klinePageLimit   = 1500
	fundingPageLimit = 1000
	oiPageLimit      = 500
	oiPeriod         = "5m"

	checkpointEvery = 500 // bars between checkpoint saves
)

// MarketDataClient is the slice of the REST client the backfill needs.
type MarketDataClient interface {
	Klines(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]domain.Kline, error)
	MarkPriceKlines(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]domain.Kline, error)
	FundingRates(ctx context.Context, symbol string, start, end int64, limit int) ([]domain.FundingPoint, error)
	OpenInterestHist(ctx context.Context, symbol, period string, start, end int64, limit int) ([]domain.OpenInterestPoint, error)
}

// Runner reconstructs historical regime snapshots from REST data. Each 1m
// index kline is the backbone row; slower series (mark price, funding, open
// interest) are joined as-of the bar close, never from the future.
type Runner struct {
	cfg    *infra.Config
	rest   MarketDataClient
	writer *sink.Writer
	store  *storage.Storage
	schema *domain.Schema

	oiDisabledRun bool
}

// NewRunner creates a backfill runner.
func NewRunner(cfg *infra.Config, rest MarketDataClient, writer *sink.Writer,
	store *storage.Storage, schema *domain.Schema) *Runner {
	return &Runner{
		cfg:    cfg,
		rest:   rest,
		writer: writer,
		store:  store,
		schema: schema,
	}
}

// Run backfills every configured symbol over the configured range. Symbols
// resume from their checkpoint; a failed symbol does not abort the others.
func (r *Runner) Run(ctx context.Context) error {
	start, end, err := r.cfg.BackfillRange()
	if err != nil {
		return err
	}
	startMs, endMs := start.UnixMilli(), end.UnixMilli()

	var failed int
	for _, symbol := range r.cfg.API.Binance.Symbols {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		from := startMs
		if cp, err := r.store.GetCheckpoint(symbol); err == nil && cp != nil && cp.DoneUntil > from {
			from = cp.DoneUntil
		}
		if from >= endMs {
			slog.Info("Backfill already complete", slog.String("symbol", symbol))
			continue
		}

		if err := r.backfillSymbol(ctx, symbol, from, endMs); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			failed++
			slog.Error("Backfill failed for symbol",
				slog.String("symbol", symbol), slog.Any("error", err))
		}
	}
	if failed > 0 {
		return fmt.Errorf("backfill failed for %d symbol(s)", failed)
	}
	return nil
}

func (r *Runner) backfillSymbol(ctx context.Context, symbol string, from, end int64) error {
	slog.Info("Backfilling symbol",
		slog.String("symbol", symbol),
		slog.Time("from", time.UnixMilli(from).UTC()),
		slog.Time("to", time.UnixMilli(end).UTC()),
	)

	backbone, err := r.fetchKlines(ctx, symbol, from, end)
	if err != nil {
		return fmt.Errorf("fetch klines: %w", err)
	}
	if len(backbone) == 0 {
		slog.Warn("No klines in range", slog.String("symbol", symbol))
		return r.store.SaveCheckpoint(symbol, end)
	}

	marks, err := r.fetchMarkKlines(ctx, symbol, from, end)
	if err != nil {
		return fmt.Errorf("fetch mark klines: %w", err)
	}
	funding, err := r.fetchFunding(ctx, symbol, from, end)
	if err != nil {
		return fmt.Errorf("fetch funding: %w", err)
	}
	oi, err := r.fetchOpenInterest(ctx, symbol, from, end)
	if err != nil {
		return fmt.Errorf("fetch open interest: %w", err)
	}

	markCur := marks.Cursor()
	fundCur := funding.Cursor()
	oiCur := oi.Cursor()

	// Deltas are computed within one run; a resumed run starts fresh at its
	// checkpoint boundary.
	var prev *domain.Vector

	for i, bar := range backbone {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ts := bar.CloseTime

		in := collector.SnapshotInput{
			Now:       ts,
			Kline:     &backbone[i],
			KlineTime: bar.CloseTime,
		}
		if row := markCur.Advance(ts); row != nil {
			mk := row.(domain.Kline)
			in.Mark = &domain.MarkUpdate{
				Symbol:    symbol,
				MarkPrice: &mk.Close,
				EventTime: mk.CloseTime,
			}
			if f := fundCur.Advance(ts); f != nil {
				rate := f.(domain.FundingPoint).Rate
				in.Mark.FundingRate = &rate
			}
		}
		if row := oiCur.Advance(ts); row != nil {
			p := row.(domain.OpenInterestPoint)
			in.OI = &p
		}

		vec := collector.BuildVector(r.schema, in)
		rec := collector.SnapshotRecord(r.schema, symbol, ts, vec, prev)
		if err := r.writer.Write("snapshots_"+symbol, ts, rec); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
		prev = vec

		if (i+1)%checkpointEvery == 0 {
			if err := r.store.SaveCheckpoint(symbol, bar.OpenTime+1); err != nil {
				slog.Warn("Checkpoint save failed",
					slog.String("symbol", symbol), slog.Any("error", err))
			}
		}
	}

	if err := r.writer.Flush(); err != nil {
		return err
	}
	if err := r.store.SaveCheckpoint(symbol, end); err != nil {
		return err
	}
	slog.Info("Backfill complete",
		slog.String("symbol", symbol), slog.Int("bars", len(backbone)))
	return nil
}

// ======================================================================================
// Paginated fetches
// ======================================================================================

// waitRateLimit sleeps out a rate-limit hint. Returns false when err is not a
// rate limit (or ctx ended) and the caller should give up.
func waitRateLimit(ctx context.Context, err error) bool {
	var rl *domain.RateLimitError
	if !errors.As(err, &rl) {
		return false
	}
	delay := rl.RetryAfter
	if delay <= 0 {
		delay = 5 * time.Second
	}
	slog.Warn("Backfill rate limited, pausing", slog.Duration("delay", delay))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (r *Runner) fetchKlines(ctx context.Context, symbol string, from, end int64) ([]domain.Kline, error) {
	var out []domain.Kline
	cursor := from
	for cursor < end {
		batch, err := r.rest.Klines(ctx, symbol, "1m", cursor, end, klinePageLimit)
		if err != nil {
			if waitRateLimit(ctx, err) {
				continue
			}
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		out = append(out, batch...)
		next := batch[len(batch)-1].OpenTime + 1
		if next <= cursor {
			break
		}
		cursor = next
	}
	return out, nil
}

func (r *Runner) fetchMarkKlines(ctx context.Context, symbol string, from, end int64) (*timeseries.Series, error) {
	var rows []timeseries.Row
	cursor := from
	for cursor < end {
		batch, err := r.rest.MarkPriceKlines(ctx, symbol, "1m", cursor, end, klinePageLimit)
		if err != nil {
			if waitRateLimit(ctx, err) {
				continue
			}
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		for _, k := range batch {
			rows = append(rows, k)
		}
		next := batch[len(batch)-1].OpenTime + 1
		if next <= cursor {
			break
		}
		cursor = next
	}
	return timeseries.New(rows), nil
}

func (r *Runner) fetchFunding(ctx context.Context, symbol string, from, end int64) (*timeseries.Series, error) {
	var rows []timeseries.Row
	// Pull settlements from before the range so early bars have a rate.
	cursor := from - 8*time.Hour.Milliseconds()
	for cursor < end {
		batch, err := r.rest.FundingRates(ctx, symbol, cursor, end, fundingPageLimit)
		if err != nil {
			if waitRateLimit(ctx, err) {
				continue
			}
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		for _, p := range batch {
			rows = append(rows, p)
		}
		next := batch[len(batch)-1].Time + 1
		if next <= cursor {
			break
		}
		cursor = next
	}
	return timeseries.New(rows), nil
}

// fetchOpenInterest returns an empty series when the source is flagged or
// turns out to be unsupported; backfill degrades rather than fails.
func (r *Runner) fetchOpenInterest(ctx context.Context, symbol string, from, end int64) (*timeseries.Series, error) {
	if r.oiDisabledRun {
		return timeseries.New(nil), nil
	}
	if flagged, err := r.store.IsUnsupported(symbol, "openInterest"); err == nil && flagged {
		return timeseries.New(nil), nil
	}

	var rows []timeseries.Row
	cursor := from
	for cursor < end {
		batch, err := r.rest.OpenInterestHist(ctx, symbol, oiPeriod, cursor, end, oiPageLimit)
		if err != nil {
			if waitRateLimit(ctx, err) {
				continue
			}
			if errors.Is(err, domain.ErrUnsupported) {
				r.flagOpenInterest(symbol, err)
				return timeseries.New(nil), nil
			}
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		for _, p := range batch {
			rows = append(rows, p)
		}
		next := batch[len(batch)-1].Time + 1
		if next <= cursor {
			break
		}
		cursor = next
	}
	return timeseries.New(rows), nil
}

func (r *Runner) flagOpenInterest(symbol string, cause error) {
	scope := symbol
	if r.cfg.Backfill.CapabilityScope == infra.CapabilityScopeRun {
		scope = domain.CapabilityScopeAll
		r.oiDisabledRun = true
	}
	slog.Info("Open interest unsupported, flagging",
		slog.String("symbol", symbol), slog.String("scope", scope))
	if err := r.store.SetCapabilityFlag(scope, "openInterest", cause.Error()); err != nil {
		slog.Warn("Failed to persist capability flag", slog.Any("error", err))
	}
}
