package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"perpfeed/internal/domain"
)

const (
	depthSnapshotLimit = 1000
	maxAttempts        = 3
	baseBackoff        = 500 * time.Millisecond
)

// Invalid-symbol error codes returned by the API for unsupported instruments.
const (
	codeInvalidSymbol    = -1121
	codeInvalidParameter = -1130
)

// Client is a Binance USDT-M futures REST client covering the read-only
// market data endpoints the collector needs.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a REST client for the given base URL
// (e.g. "https://fapi.binance.com").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// getJSON performs a GET with bounded retries and decodes into out.
// Rate limit responses (429/418) are surfaced as RateLimitError and never
// retried here; the caller decides how long to stay away.
func (c *Client) getJSON(ctx context.Context, op, path string, params url.Values, out any) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := baseBackoff * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := c.doGet(ctx, op, path, params, out)
		if err == nil {
			return nil
		}
		lastErr = err
		var rl *domain.RateLimitError
		if errors.As(err, &rl) {
			return err
		}
		if !domain.IsRetriable(err) {
			return err
		}
		slog.Warn("Binance request failed, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err),
		)
	}
	return lastErr
}

func (c *Client) doGet(ctx context.Context, op, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.NewNetworkError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.NewNetworkError(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", op, err)
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418:
		return &domain.RateLimitError{
			Op:         op,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode == http.StatusBadRequest:
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil &&
			(apiErr.Code == codeInvalidSymbol || apiErr.Code == codeInvalidParameter) {
			return fmt.Errorf("%s: %s: %w", op, apiErr.Msg, domain.ErrUnsupported)
		}
		return fmt.Errorf("%s: HTTP 400: %s", op, string(body))
	case resp.StatusCode >= 500:
		return domain.NewNetworkError(op,
			fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body)))
	default:
		return fmt.Errorf("%s: HTTP %d: %s", op, resp.StatusCode, string(body))
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// FetchDepthSnapshot fetches a full depth snapshot. Implements book.SnapshotFetcher.
func (c *Client) FetchDepthSnapshot(ctx context.Context, symbol string) (*domain.BookSnapshot, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(depthSnapshotLimit))

	var resp depthSnapshotResponse
	if err := c.getJSON(ctx, "depthSnapshot", "/fapi/v1/depth", params, &resp); err != nil {
		return nil, err
	}
	return &domain.BookSnapshot{
		Symbol:       symbol,
		LastUpdateID: resp.LastUpdateID,
		Bids:         parseLevels(resp.Bids),
		Asks:         parseLevels(resp.Asks),
	}, nil
}

// Klines fetches historical candlesticks.
func (c *Client) Klines(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]domain.Kline, error) {
	return c.fetchKlines(ctx, "klines", "/fapi/v1/klines", symbol, interval, start, end, limit)
}

// MarkPriceKlines fetches historical mark price candlesticks.
func (c *Client) MarkPriceKlines(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]domain.Kline, error) {
	return c.fetchKlines(ctx, "markPriceKlines", "/fapi/v1/markPriceKlines", symbol, interval, start, end, limit)
}

func (c *Client) fetchKlines(ctx context.Context, op, path, symbol, interval string, start, end int64, limit int) ([]domain.Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if start > 0 {
		params.Set("startTime", strconv.FormatInt(start, 10))
	}
	if end > 0 {
		params.Set("endTime", strconv.FormatInt(end, 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var rows [][]any
	if err := c.getJSON(ctx, op, path, params, &rows); err != nil {
		return nil, err
	}

	klines := make([]domain.Kline, 0, len(rows))
	for _, row := range rows {
		k, err := parseKlineRow(row, symbol, interval)
		if err != nil {
			slog.Warn("Skipping malformed kline row",
				slog.String("symbol", symbol), slog.Any("error", err))
			continue
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// FundingRates fetches historical funding rate settlements.
func (c *Client) FundingRates(ctx context.Context, symbol string, start, end int64, limit int) ([]domain.FundingPoint, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if start > 0 {
		params.Set("startTime", strconv.FormatInt(start, 10))
	}
	if end > 0 {
		params.Set("endTime", strconv.FormatInt(end, 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var entries []fundingRateEntry
	if err := c.getJSON(ctx, "fundingRates", "/fapi/v1/fundingRate", params, &entries); err != nil {
		return nil, err
	}

	points := make([]domain.FundingPoint, 0, len(entries))
	for _, e := range entries {
		rate, ok := domain.ParseFinite(e.FundingRate)
		if !ok {
			continue
		}
		points = append(points, domain.FundingPoint{
			Symbol: e.Symbol,
			Time:   e.FundingTime,
			Rate:   rate,
		})
	}
	return points, nil
}

// OpenInterestHist fetches historical open interest. Binance only keeps
// roughly a month of history and rejects some symbols entirely; both cases
// surface as domain.ErrUnsupported for the caller to flag.
func (c *Client) OpenInterestHist(ctx context.Context, symbol, period string, start, end int64, limit int) ([]domain.OpenInterestPoint, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("period", period)
	if start > 0 {
		params.Set("startTime", strconv.FormatInt(start, 10))
	}
	if end > 0 {
		params.Set("endTime", strconv.FormatInt(end, 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var entries []openInterestHistEntry
	if err := c.getJSON(ctx, "openInterestHist", "/futures/data/openInterestHist", params, &entries); err != nil {
		return nil, err
	}

	points := make([]domain.OpenInterestPoint, 0, len(entries))
	for _, e := range entries {
		value, ok := domain.ParseFinite(e.SumOpenInterest)
		if !ok {
			continue
		}
		points = append(points, domain.OpenInterestPoint{
			Symbol: e.Symbol,
			Time:   e.Timestamp,
			Value:  value,
		})
	}
	return points, nil
}

// OpenInterest fetches the current open interest for a symbol.
func (c *Client) OpenInterest(ctx context.Context, symbol string) (*domain.OpenInterestPoint, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var resp openInterestResponse
	if err := c.getJSON(ctx, "openInterest", "/fapi/v1/openInterest", params, &resp); err != nil {
		return nil, err
	}
	value, ok := domain.ParseFinite(resp.OpenInterest)
	if !ok {
		return nil, fmt.Errorf("openInterest: non-numeric value %q", resp.OpenInterest)
	}
	return &domain.OpenInterestPoint{
		Symbol: resp.Symbol,
		Time:   resp.Time,
		Value:  value,
	}, nil
}
