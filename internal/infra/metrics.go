package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety. Instances are owned by the
// application and passed to the components that record into them.
type Metrics struct {
	// Per-channel event counters
	depthEvents atomic.Uint64
	tradeEvents atomic.Uint64
	liqEvents   atomic.Uint64
	markEvents  atomic.Uint64
	klineEvents atomic.Uint64

	droppedEvents  atomic.Uint64
	snapshotsBuilt atomic.Uint64
	errorsTotal    atomic.Uint64

	// Gauges
	connected atomic.Int32 // 1 = stream connected
}

// NewMetrics creates an empty metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordEvent records a processed stream event by type.
func (m *Metrics) RecordEvent(eventType string) {
	switch eventType {
	case "depthUpdate":
		m.depthEvents.Add(1)
	case "aggTrade":
		m.tradeEvents.Add(1)
	case "forceOrder":
		m.liqEvents.Add(1)
	case "markPriceUpdate":
		m.markEvents.Add(1)
	case "kline":
		m.klineEvents.Add(1)
	default:
		m.droppedEvents.Add(1)
	}
}

// RecordDropped records an event that could not be handled.
func (m *Metrics) RecordDropped() {
	m.droppedEvents.Add(1)
}

// RecordSnapshot records an assembled feature snapshot.
func (m *Metrics) RecordSnapshot() {
	m.snapshotsBuilt.Add(1)
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

// SetConnected sets the stream connection gauge.
func (m *Metrics) SetConnected(up bool) {
	if up {
		m.connected.Store(1)
	} else {
		m.connected.Store(0)
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	DepthEvents    uint64
	TradeEvents    uint64
	LiqEvents      uint64
	MarkEvents     uint64
	KlineEvents    uint64
	DroppedEvents  uint64
	SnapshotsBuilt uint64
	ErrorsTotal    uint64
	Connected      bool
	Timestamp      time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		DepthEvents:    m.depthEvents.Load(),
		TradeEvents:    m.tradeEvents.Load(),
		LiqEvents:      m.liqEvents.Load(),
		MarkEvents:     m.markEvents.Load(),
		KlineEvents:    m.klineEvents.Load(),
		DroppedEvents:  m.droppedEvents.Load(),
		SnapshotsBuilt: m.snapshotsBuilt.Load(),
		ErrorsTotal:    m.errorsTotal.Load(),
		Connected:      m.connected.Load() == 1,
		Timestamp:      time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.depthEvents.Store(0)
	m.tradeEvents.Store(0)
	m.liqEvents.Store(0)
	m.markEvents.Store(0)
	m.klineEvents.Store(0)
	m.droppedEvents.Store(0)
	m.snapshotsBuilt.Store(0)
	m.errorsTotal.Store(0)
	m.connected.Store(0)
}
