// ABOUTME: Core telemetry abstraction over OpenTelemetry for regiondb instrumentation
// ABOUTME: Provides metric recording, tracing, snapshots for profiling, and a no-op implementation

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry provides the core abstraction over OpenTelemetry for regiondb components.
// Components use this interface to record metrics and spans without depending directly on OpenTelemetry.
type Telemetry interface {
	// RecordHistogram records a histogram value with optional attributes.
	RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue)

	// RecordCounter records a counter increment with optional attributes.
	RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue)

	// StartSpan creates a new tracing span with the given name and attributes.
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)

	// Snapshot collects the current value of every instrument, summed over attribute sets.
	// Counters appear under their name; histograms as name.count and name.sum.
	Snapshot(ctx context.Context) (map[string]float64, error)

	// Shutdown gracefully shuts down all telemetry providers.
	Shutdown(ctx context.Context) error
}

// NoopTelemetry provides a no-operation implementation of Telemetry for testing or disabled scenarios.
type NoopTelemetry struct{}

// NewNoop creates a new no-operation telemetry instance.
func NewNoop() Telemetry {
	return &NoopTelemetry{}
}

// RecordHistogram is a no-op.
func (n *NoopTelemetry) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
}

// RecordCounter is a no-op.
func (n *NoopTelemetry) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
}

// StartSpan returns the original context and a no-op span.
func (n *NoopTelemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

// Snapshot returns an empty snapshot.
func (n *NoopTelemetry) Snapshot(ctx context.Context) (map[string]float64, error) {
	return map[string]float64{}, nil
}

// Shutdown is a no-op.
func (n *NoopTelemetry) Shutdown(ctx context.Context) error {
	return nil
}

// RecordDuration is a helper function to record operation duration in a histogram.
func RecordDuration(ctx context.Context, tel Telemetry, name string, start time.Time, attrs ...attribute.KeyValue) {
	duration := time.Since(start).Seconds()
	tel.RecordHistogram(ctx, name, duration, attrs...)
}

// RecordBytes is a helper function to record byte counts in a counter.
func RecordBytes(ctx context.Context, tel Telemetry, name string, bytes int64, attrs ...attribute.KeyValue) {
	tel.RecordCounter(ctx, name, bytes, attrs...)
}

// Common attribute keys for consistent naming across components
const (
	AttrOperationType = "operation.type"
	AttrComponent     = "component"
	AttrStatus        = "status"
	AttrSpace         = "space"
	AttrReason        = "reason"
)

// Common attribute values
const (
	OpTypePut        = "put"
	OpTypeDelete     = "delete"
	OpTypeGet        = "get"
	OpTypeModify     = "modify"
	OpTypeBatch      = "batch"
	OpTypeSync       = "sync"
	OpTypeCheckpoint = "checkpoint"
	OpTypeCompact    = "compact"

	StatusSuccess = "success"
	StatusError   = "error"

	ComponentWAL        = "wal"
	ComponentCache      = "cache"
	ComponentAllocator  = "allocator"
	ComponentIndex      = "index"
	ComponentBlockStore = "blockstore"
	ComponentPipeline   = "pipeline"
	ComponentAIO        = "aio"
	ComponentCheckpoint = "checkpoint"
	ComponentEngine     = "engine"
)
