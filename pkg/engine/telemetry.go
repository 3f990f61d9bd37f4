// ABOUTME: Engine-level telemetry for operations, recovery, checkpoints, compaction and cache residency
// ABOUTME: Wraps the telemetry interface so engine code never depends on OpenTelemetry directly

package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/regiondb/pkg/blockstore"
	"github.com/KevoDB/regiondb/pkg/telemetry"
)

// EngineMetrics defines the interface for engine-level telemetry
type EngineMetrics interface {
	// RecordOperation records one public operation and its outcome.
	RecordOperation(ctx context.Context, operation string, duration time.Duration, success bool)

	// RecordRecovery records WAL replay at open.
	RecordRecovery(ctx context.Context, duration time.Duration, records int, torn bool)

	// RecordCheckpoint records one checkpoint.
	RecordCheckpoint(ctx context.Context, duration time.Duration, regions int, bytes int64)

	// RecordCompaction records one bounded compaction pass.
	RecordCompaction(ctx context.Context, duration time.Duration, res blockstore.CompactResult)

	// RecordResidency records the resident and dirty regions of a space.
	RecordResidency(ctx context.Context, space string, resident, dirty int)
}

// engineMetrics implements EngineMetrics using the telemetry interface
type engineMetrics struct {
	tel telemetry.Telemetry
}

// NewEngineMetrics creates a new EngineMetrics instance
func NewEngineMetrics(tel telemetry.Telemetry) EngineMetrics {
	if tel == nil {
		return &noopEngineMetrics{}
	}
	return &engineMetrics{tel: tel}
}

// NewNoopEngineMetrics creates a no-op EngineMetrics for testing or when telemetry is disabled
func NewNoopEngineMetrics() EngineMetrics {
	return &noopEngineMetrics{}
}

var engineComponent = attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine)

func statusAttr(success bool) attribute.KeyValue {
	if success {
		return attribute.String(telemetry.AttrStatus, telemetry.StatusSuccess)
	}
	return attribute.String(telemetry.AttrStatus, telemetry.StatusError)
}

func (m *engineMetrics) RecordOperation(ctx context.Context, operation string, duration time.Duration, success bool) {
	op := attribute.String(telemetry.AttrOperationType, operation)
	m.tel.RecordHistogram(ctx, "regiondb.engine.operation.duration", duration.Seconds(), engineComponent, op)
	m.tel.RecordCounter(ctx, "regiondb.engine.operation.count", 1, engineComponent, op, statusAttr(success))
}

func (m *engineMetrics) RecordRecovery(ctx context.Context, duration time.Duration, records int, torn bool) {
	m.tel.RecordHistogram(ctx, "regiondb.engine.recovery.duration", duration.Seconds(), engineComponent)
	m.tel.RecordCounter(ctx, "regiondb.engine.recovery.records", int64(records), engineComponent,
		attribute.Bool("torn", torn),
	)
}

func (m *engineMetrics) RecordCheckpoint(ctx context.Context, duration time.Duration, regions int, bytes int64) {
	attrs := attribute.String(telemetry.AttrComponent, telemetry.ComponentCheckpoint)
	m.tel.RecordHistogram(ctx, "regiondb.checkpoint.duration", duration.Seconds(), attrs)
	m.tel.RecordCounter(ctx, "regiondb.checkpoint.regions", int64(regions), attrs)
	m.tel.RecordCounter(ctx, "regiondb.checkpoint.bytes", bytes, attrs)
}

func (m *engineMetrics) RecordCompaction(ctx context.Context, duration time.Duration, res blockstore.CompactResult) {
	attrs := attribute.String(telemetry.AttrComponent, telemetry.ComponentBlockStore)
	m.tel.RecordHistogram(ctx, "regiondb.compaction.duration", duration.Seconds(), attrs)
	m.tel.RecordCounter(ctx, "regiondb.compaction.regions_walked", int64(res.Walked), attrs)
	m.tel.RecordCounter(ctx, "regiondb.compaction.blocks_relocated", int64(res.Relocated), attrs)
	m.tel.RecordCounter(ctx, "regiondb.compaction.bytes_moved", int64(res.BytesMoved), attrs)
}

func (m *engineMetrics) RecordResidency(ctx context.Context, space string, resident, dirty int) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCache),
		attribute.String(telemetry.AttrSpace, space),
	}
	m.tel.RecordHistogram(ctx, "regiondb.cache.resident_regions", float64(resident), attrs...)
	m.tel.RecordHistogram(ctx, "regiondb.cache.dirty_regions", float64(dirty), attrs...)
}

// noopEngineMetrics provides a no-op implementation
type noopEngineMetrics struct{}

func (n *noopEngineMetrics) RecordOperation(ctx context.Context, operation string, duration time.Duration, success bool) {
}
func (n *noopEngineMetrics) RecordRecovery(ctx context.Context, duration time.Duration, records int, torn bool) {
}
func (n *noopEngineMetrics) RecordCheckpoint(ctx context.Context, duration time.Duration, regions int, bytes int64) {
}
func (n *noopEngineMetrics) RecordCompaction(ctx context.Context, duration time.Duration, res blockstore.CompactResult) {
}
func (n *noopEngineMetrics) RecordResidency(ctx context.Context, space string, resident, dirty int) {}
