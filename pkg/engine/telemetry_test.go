// ABOUTME: Tests for engine-level telemetry recording against a capturing telemetry mock
// ABOUTME: Verifies metric names, values and attributes of every EngineMetrics method

package engine

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/KevoDB/regiondb/pkg/blockstore"
	"github.com/KevoDB/regiondb/pkg/telemetry"
)

// mockTelemetryServer captures telemetry calls for validation (infrastructure mocking only)
type mockTelemetryServer struct {
	histograms []mockCall
	counters   []mockCall
}

type mockCall struct {
	name  string
	value float64
	attrs []attribute.KeyValue
}

func (m *mockTelemetryServer) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	m.histograms = append(m.histograms, mockCall{name: name, value: value, attrs: attrs})
}

func (m *mockTelemetryServer) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	m.counters = append(m.counters, mockCall{name: name, value: float64(value), attrs: attrs})
}

func (m *mockTelemetryServer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

func (m *mockTelemetryServer) Snapshot(ctx context.Context) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, c := range m.counters {
		out[c.name] += c.value
	}
	return out, nil
}

func (m *mockTelemetryServer) Shutdown(ctx context.Context) error { return nil }

func find(calls []mockCall, name string) (mockCall, bool) {
	for _, c := range calls {
		if c.name == name {
			return c, true
		}
	}
	return mockCall{}, false
}

func attrValue(attrs []attribute.KeyValue, key string) (string, bool) {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value.Emit(), true
		}
	}
	return "", false
}

func TestNewEngineMetrics(t *testing.T) {
	if _, ok := NewEngineMetrics(&mockTelemetryServer{}).(*engineMetrics); !ok {
		t.Error("expected *engineMetrics")
	}
	if _, ok := NewEngineMetrics(nil).(*noopEngineMetrics); !ok {
		t.Error("expected no-op metrics for nil telemetry")
	}
}

func TestRecordOperation(t *testing.T) {
	mock := &mockTelemetryServer{}
	m := NewEngineMetrics(mock)
	m.RecordOperation(context.Background(), telemetry.OpTypePut, 5*time.Millisecond, false)

	h, ok := find(mock.histograms, "regiondb.engine.operation.duration")
	if !ok {
		t.Fatal("missing operation duration histogram")
	}
	if h.value != 0.005 {
		t.Errorf("duration = %v, want 0.005", h.value)
	}
	c, ok := find(mock.counters, "regiondb.engine.operation.count")
	if !ok {
		t.Fatal("missing operation counter")
	}
	if v, _ := attrValue(c.attrs, telemetry.AttrStatus); v != telemetry.StatusError {
		t.Errorf("status = %q, want %q", v, telemetry.StatusError)
	}
	if v, _ := attrValue(c.attrs, telemetry.AttrOperationType); v != telemetry.OpTypePut {
		t.Errorf("operation = %q, want %q", v, telemetry.OpTypePut)
	}
}

func TestRecordRecoveryAndCheckpoint(t *testing.T) {
	mock := &mockTelemetryServer{}
	m := NewEngineMetrics(mock)
	m.RecordRecovery(context.Background(), time.Second, 12, true)
	m.RecordCheckpoint(context.Background(), time.Second, 3, 3*4096)

	snap, _ := mock.Snapshot(context.Background())
	if snap["regiondb.engine.recovery.records"] != 12 {
		t.Errorf("recovery records = %v", snap["regiondb.engine.recovery.records"])
	}
	if snap["regiondb.checkpoint.regions"] != 3 || snap["regiondb.checkpoint.bytes"] != 3*4096 {
		t.Errorf("checkpoint counters = %v", snap)
	}
	c, _ := find(mock.counters, "regiondb.engine.recovery.records")
	if v, _ := attrValue(c.attrs, "torn"); v != "true" {
		t.Errorf("torn = %q", v)
	}
}

func TestRecordCompactionAndResidency(t *testing.T) {
	mock := &mockTelemetryServer{}
	m := NewEngineMetrics(mock)
	m.RecordCompaction(context.Background(), time.Millisecond, blockstore.CompactResult{Walked: 4, Relocated: 7, BytesMoved: 700})
	m.RecordResidency(context.Background(), "node", 10, 2)

	snap, _ := mock.Snapshot(context.Background())
	if snap["regiondb.compaction.blocks_relocated"] != 7 || snap["regiondb.compaction.bytes_moved"] != 700 {
		t.Errorf("compaction counters = %v", snap)
	}
	h, ok := find(mock.histograms, "regiondb.cache.dirty_regions")
	if !ok || h.value != 2 {
		t.Errorf("dirty regions = %+v", h)
	}
	if v, _ := attrValue(h.attrs, telemetry.AttrSpace); v != "node" {
		t.Errorf("space = %q", v)
	}
}

func TestNoopEngineMetrics(t *testing.T) {
	m := NewNoopEngineMetrics()
	m.RecordOperation(context.Background(), "get", time.Second, true)
	m.RecordRecovery(context.Background(), time.Second, 1, false)
	m.RecordCheckpoint(context.Background(), time.Second, 1, 1)
	m.RecordCompaction(context.Background(), time.Second, blockstore.CompactResult{})
	m.RecordResidency(context.Background(), "blk", 1, 1)
}
