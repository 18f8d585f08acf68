package infra

import (
	"testing"
)

func TestMetrics_RecordEvent(t *testing.T) {
	m := NewMetrics()

	m.RecordEvent("depthUpdate")
	m.RecordEvent("depthUpdate")
	m.RecordEvent("aggTrade")
	m.RecordEvent("forceOrder")
	m.RecordEvent("unknownThing")

	snap := m.Snapshot()

	if snap.DepthEvents != 2 {
		t.Errorf("Expected 2 depth events, got %d", snap.DepthEvents)
	}
	if snap.TradeEvents != 1 {
		t.Errorf("Expected 1 trade event, got %d", snap.TradeEvents)
	}
	if snap.LiqEvents != 1 {
		t.Errorf("Expected 1 liquidation event, got %d", snap.LiqEvents)
	}
	if snap.DroppedEvents != 1 {
		t.Errorf("Expected unknown types counted as dropped, got %d", snap.DroppedEvents)
	}
}

func TestMetrics_Connected(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.Connected {
		t.Error("Expected disconnected initially")
	}

	m.SetConnected(true)
	snap = m.Snapshot()
	if !snap.Connected {
		t.Error("Expected connected")
	}

	m.SetConnected(false)
	snap = m.Snapshot()
	if snap.Connected {
		t.Error("Expected disconnected")
	}
}

func TestMetrics_Reset(t *testing.T) {
	m := NewMetrics()
	m.RecordEvent("aggTrade")
	m.RecordSnapshot()
	m.RecordError()
	m.SetConnected(true)

	m.Reset()

	snap := m.Snapshot()
	if snap.TradeEvents != 0 || snap.SnapshotsBuilt != 0 || snap.ErrorsTotal != 0 || snap.Connected {
		t.Errorf("Expected all metrics cleared, got %+v", snap)
	}
}
