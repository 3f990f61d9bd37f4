// ABOUTME: WAL telemetry metrics interface and implementation for tracking write-ahead log operations
// ABOUTME: Provides instrumentation for append, sync, backpressure, corruption, and replay

package wal

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/regiondb/pkg/telemetry"
)

// WALMetrics defines the interface for WAL telemetry operations.
// All metrics are optional - implementations can safely be no-op.
type WALMetrics interface {
	// RecordAppend records metrics for a WAL append operation.
	RecordAppend(ctx context.Context, duration time.Duration, bytes int64, ops int, fragments int)

	// RecordSync records metrics for a group sync.
	RecordSync(ctx context.Context, duration time.Duration, records int)

	// RecordBackpressure records an append that had to wait for a sync.
	RecordBackpressure(ctx context.Context)

	// RecordCorruption records where replay stopped on an invalid fragment.
	RecordCorruption(ctx context.Context, reason string)

	// RecordReplay records a completed replay.
	RecordReplay(ctx context.Context, duration time.Duration, records int)
}

// walMetrics implements WALMetrics using the telemetry interface.
type walMetrics struct {
	tel telemetry.Telemetry
}

// NewWALMetrics creates a new WAL metrics implementation.
// If tel is nil, returns a no-op implementation.
func NewWALMetrics(tel telemetry.Telemetry) WALMetrics {
	if tel == nil {
		return &noopWALMetrics{}
	}
	return &walMetrics{tel: tel}
}

// NewNoopWALMetrics creates a no-op WAL metrics implementation for testing.
func NewNoopWALMetrics() WALMetrics {
	return &noopWALMetrics{}
}

var walComponent = attribute.String(telemetry.AttrComponent, telemetry.ComponentWAL)

// RecordAppend records WAL append operation metrics.
func (m *walMetrics) RecordAppend(ctx context.Context, duration time.Duration, bytes int64, ops int, fragments int) {
	m.tel.RecordHistogram(ctx, "regiondb.wal.append.duration", duration.Seconds(), walComponent,
		attribute.Bool("fragmented", fragments > 1),
	)
	m.tel.RecordCounter(ctx, "regiondb.wal.append.bytes", bytes, walComponent)
	m.tel.RecordCounter(ctx, "regiondb.wal.append.ops", int64(ops), walComponent)
	m.tel.RecordCounter(ctx, "regiondb.wal.records.total", 1, walComponent,
		attribute.String(telemetry.AttrStatus, telemetry.StatusSuccess),
	)
}

// RecordSync records WAL sync operation metrics.
func (m *walMetrics) RecordSync(ctx context.Context, duration time.Duration, records int) {
	m.tel.RecordHistogram(ctx, "regiondb.wal.sync.duration", duration.Seconds(), walComponent)
	m.tel.RecordHistogram(ctx, "regiondb.wal.sync.group_size", float64(records), walComponent)
	m.tel.RecordCounter(ctx, "regiondb.wal.sync.total", 1, walComponent)
}

// RecordBackpressure records an append blocked on the queue limit.
func (m *walMetrics) RecordBackpressure(ctx context.Context) {
	m.tel.RecordCounter(ctx, "regiondb.wal.backpressure.total", 1, walComponent)
}

// RecordCorruption records WAL corruption detection.
func (m *walMetrics) RecordCorruption(ctx context.Context, reason string) {
	m.tel.RecordCounter(ctx, "regiondb.wal.corruption.count", 1, walComponent,
		attribute.String(telemetry.AttrReason, reason),
	)
}

// RecordReplay records replay duration and size.
func (m *walMetrics) RecordReplay(ctx context.Context, duration time.Duration, records int) {
	m.tel.RecordHistogram(ctx, "regiondb.wal.replay.duration", duration.Seconds(), walComponent)
	m.tel.RecordCounter(ctx, "regiondb.wal.replay.records", int64(records), walComponent)
}

// noopWALMetrics provides a no-operation implementation for testing or disabled telemetry.
type noopWALMetrics struct{}

func (n *noopWALMetrics) RecordAppend(context.Context, time.Duration, int64, int, int) {}
func (n *noopWALMetrics) RecordSync(context.Context, time.Duration, int)              {}
func (n *noopWALMetrics) RecordBackpressure(context.Context)                          {}
func (n *noopWALMetrics) RecordCorruption(context.Context, string)                    {}
func (n *noopWALMetrics) RecordReplay(context.Context, time.Duration, int)            {}
