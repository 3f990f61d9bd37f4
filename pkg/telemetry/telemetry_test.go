// ABOUTME: Tests for the telemetry interface, the no-op implementation and the in-memory provider
// ABOUTME: Validates recording, snapshots and lifecycle using real telemetry operations

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestNoopTelemetry(t *testing.T) {
	tel := NewNoop()
	ctx := context.Background()

	tel.RecordHistogram(ctx, "test.histogram", 1.5, attribute.String("key", "value"))
	tel.RecordCounter(ctx, "test.counter", 10, attribute.String("key", "value"))

	spanCtx, span := tel.StartSpan(ctx, "test.span", attribute.String("test", "value"))
	require.NotNil(t, spanCtx)
	require.NotNil(t, span)
	span.End()

	snap, err := tel.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)
	require.NoError(t, tel.Shutdown(ctx))
}

func TestProviderSnapshot(t *testing.T) {
	tel := NewInMemory()
	ctx := context.Background()
	defer tel.Shutdown(ctx)

	tel.RecordCounter(ctx, "wal.bytes", 100, attribute.String(AttrComponent, ComponentWAL))
	tel.RecordCounter(ctx, "wal.bytes", 28, attribute.String(AttrComponent, "other"))
	tel.RecordHistogram(ctx, "put.latency", 0.5)
	tel.RecordHistogram(ctx, "put.latency", 1.5)
	RecordDuration(ctx, tel, "get.latency", time.Now())
	RecordBytes(ctx, tel, "read.bytes", 4096)

	snap, err := tel.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(128), snap["wal.bytes"])
	assert.Equal(t, float64(2), snap["put.latency.count"])
	assert.InDelta(t, 2.0, snap["put.latency.sum"], 1e-9)
	assert.Equal(t, float64(1), snap["get.latency.count"])
	assert.Equal(t, float64(4096), snap["read.bytes"])

	_, span := tel.StartSpan(ctx, "checkpoint")
	span.End()
}
