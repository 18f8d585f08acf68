package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"perpfeed/internal/domain"
)

const (
	handshakeTimeout = 10 * time.Second
	readTimeout      = 90 * time.Second // server pings every ~3 minutes at worst
	maxRetries       = 6
	defaultUserAgent = "perpfeed/1.0"
)

// Handler consumes decoded stream events. Raw is invoked for every event in
// addition to the typed callback, carrying the undecoded payload.
type Handler interface {
	HandleDepth(diff domain.DepthDiff)
	HandleTrade(ev domain.FlowEvent)
	HandleLiquidation(ev domain.FlowEvent)
	HandleMark(m domain.MarkUpdate)
	HandleKline(k domain.Kline)
	HandleRaw(eventType, symbol string, eventTime int64, payload json.RawMessage)
}

// Channels selects which combined streams the worker subscribes to.
type Channels struct {
	Depth        bool
	AggTrades    bool
	Liquidations bool
	MarkPrice    bool
	Klines       bool
}

// StreamWorker maintains a combined-stream WebSocket connection to the
// futures endpoint with automatic reconnection. Subscriptions are carried in
// the URL, so the worker never writes after the handshake; the server's pings
// are answered by gorilla's default handler.
type StreamWorker struct {
	wsURL    string
	symbols  []string
	channels Channels
	handler  Handler

	conn      *websocket.Conn
	mu        sync.RWMutex
	connected bool
	onState   func(up bool)
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewStreamWorker creates a stream worker. wsURL is the bare endpoint
// (e.g. "wss://fstream.binance.com").
func NewStreamWorker(wsURL string, symbols []string, channels Channels, handler Handler) *StreamWorker {
	return &StreamWorker{
		wsURL:    strings.TrimRight(wsURL, "/"),
		symbols:  symbols,
		channels: channels,
		handler:  handler,
	}
}

// OnStateChange registers a callback fired on connect/disconnect transitions.
func (w *StreamWorker) OnStateChange(fn func(up bool)) {
	w.onState = fn
}

// streamURL builds the combined-stream URL for the configured symbols.
func (w *StreamWorker) streamURL() string {
	streams := make([]string, 0, len(w.symbols)*5)
	for _, sym := range w.symbols {
		s := strings.ToLower(sym)
		if w.channels.Depth {
			streams = append(streams, s+"@depth@100ms")
		}
		if w.channels.AggTrades {
			streams = append(streams, s+"@aggTrade")
		}
		if w.channels.Liquidations {
			streams = append(streams, s+"@forceOrder")
		}
		if w.channels.MarkPrice {
			streams = append(streams, s+"@markPrice@1s")
		}
		if w.channels.Klines {
			streams = append(streams, s+"@kline_1m")
		}
	}
	return w.wsURL + "/stream?streams=" + strings.Join(streams, "/")
}

// Connect starts the WebSocket connection with automatic reconnection
func (w *StreamWorker) Connect(ctx context.Context) error {
	if len(w.symbols) == 0 {
		return fmt.Errorf("no symbols to subscribe")
	}
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.connectionLoop(ctx)

	return nil
}

func (w *StreamWorker) connectionLoop(ctx context.Context) {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Stream worker panic recovered", slog.Any("panic", r))
		}
	}()

	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			slog.Info("Stream connection loop stopped")
			return
		default:
		}

		err := w.connect(ctx)
		if err != nil {
			slog.Warn("Stream connection failed",
				slog.Any("error", err),
				slog.Int("retry", retryCount),
			)

			delay := calculateBackoff(retryCount)
			retryCount++
			if retryCount > maxRetries {
				retryCount = 0
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retryCount = 0
		w.readLoop(ctx)
	}
}

// calculateBackoff returns an exponential delay capped at 30s.
func calculateBackoff(retryCount int) time.Duration {
	delay := time.Second * time.Duration(1<<uint(retryCount))
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}

func (w *StreamWorker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	header := make(http.Header)
	header.Add("User-Agent", defaultUserAgent)

	conn, _, err := dialer.DialContext(ctx, w.streamURL(), header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	// Each server ping extends the read deadline; the default ping handler
	// already answers with a pong.
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	pingHandler := conn.PingHandler()
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return pingHandler(appData)
	})

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.mu.Unlock()
	if w.onState != nil {
		w.onState(true)
	}

	slog.Info("Stream connected",
		slog.Int("symbols", len(w.symbols)),
		slog.String("endpoint", w.wsURL),
	)
	return nil
}

func (w *StreamWorker) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.closeConnection()
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("Stream read error", slog.Any("error", err))
			}
			w.closeConnection()
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		w.handleMessage(message)
	}
}

func (w *StreamWorker) handleMessage(message []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		slog.Debug("Dropping undecodable stream message", slog.Any("error", err))
		return
	}

	payload := env.Data
	if len(payload) == 0 {
		// Raw (non-combined) endpoints deliver the event unwrapped.
		payload = message
	}

	var header eventHeader
	if err := json.Unmarshal(payload, &header); err != nil {
		slog.Debug("Dropping stream message without event header", slog.Any("error", err))
		return
	}

	w.handler.HandleRaw(header.Event, header.Symbol, header.EventTime, payload)

	switch header.Event {
	case EventDepthUpdate:
		var p depthPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			slog.Warn("Malformed depth event", slog.Any("error", err))
			return
		}
		w.handler.HandleDepth(p.toDomain())

	case EventAggTrade:
		var p aggTradePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			slog.Warn("Malformed aggTrade event", slog.Any("error", err))
			return
		}
		ev, err := p.toDomain()
		if err != nil {
			slog.Warn("Dropping aggTrade", slog.Any("error", err))
			return
		}
		w.handler.HandleTrade(ev)

	case EventForceOrder:
		var p forceOrderPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			slog.Warn("Malformed forceOrder event", slog.Any("error", err))
			return
		}
		ev, err := p.toDomain()
		if err != nil {
			slog.Warn("Dropping forceOrder", slog.Any("error", err))
			return
		}
		w.handler.HandleLiquidation(ev)

	case EventMarkPrice:
		var p markPricePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			slog.Warn("Malformed markPrice event", slog.Any("error", err))
			return
		}
		w.handler.HandleMark(p.toDomain())

	case EventKline:
		var p klinePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			slog.Warn("Malformed kline event", slog.Any("error", err))
			return
		}
		k, err := p.toDomain()
		if err != nil {
			slog.Warn("Dropping kline", slog.Any("error", err))
			return
		}
		w.handler.HandleKline(k)
	}
}

func (w *StreamWorker) closeConnection() {
	w.mu.Lock()
	wasConnected := w.connected
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.connected = false
	w.mu.Unlock()
	if wasConnected && w.onState != nil {
		w.onState(false)
	}
}

// Disconnect closes the connection and stops the reconnect loop.
func (w *StreamWorker) Disconnect() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConnection()
	w.wg.Wait()
	slog.Info("Stream disconnected")
}

// IsConnected returns connection status
func (w *StreamWorker) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}
