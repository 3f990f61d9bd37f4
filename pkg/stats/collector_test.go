package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestOperationCounts(t *testing.T) {
	c := NewAtomicCollector()
	c.TrackOperation(OpPut)
	c.TrackOperation(OpPut)
	c.TrackOperation(OpGetMut)

	st := c.GetStats()
	assert.Equal(t, uint64(2), st["put_ops"])
	assert.Equal(t, uint64(1), st["get_mut_ops"])
	assert.NotContains(t, st, "delete_ops")
	assert.Contains(t, st, "last_put_time")
	assert.Contains(t, st, "last_get_mut_time")
}

func TestLatency(t *testing.T) {
	c := NewAtomicCollector()
	for _, ns := range []uint64{300, 100, 200} {
		c.TrackOperationWithLatency(OpModify, ns)
	}

	lat, ok := c.GetStats()["modify_latency"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, uint64(3), lat["count"])
	assert.Equal(t, uint64(200), lat["avg_ns"])
	assert.Equal(t, uint64(100), lat["min_ns"])
	assert.Equal(t, uint64(300), lat["max_ns"])
	assert.Equal(t, uint64(3), c.GetStats()["modify_ops"])
}

func TestCountersAndBytes(t *testing.T) {
	c := NewAtomicCollector()
	c.Add(CacheMisses, 2)
	c.Add(CacheMisses, 3)
	c.Add(WALTornTails, 1)
	c.TrackBytes(true, 4096)
	c.TrackBytes(false, 100)
	c.TrackError("put: out of space")
	c.TrackError("put: out of space")

	assert.Equal(t, uint64(5), c.Get(CacheMisses))
	assert.Equal(t, uint64(0), c.Get(CacheHits))

	st := c.GetStats()
	assert.Equal(t, uint64(1), st["wal_torn_tails"])
	assert.Equal(t, uint64(4096), st["total_bytes_written"])
	assert.Equal(t, uint64(100), st["total_bytes_read"])
	assert.Equal(t, map[string]uint64{"put: out of space": 2}, st["errors"])
}

func TestConcurrentTracking(t *testing.T) {
	c := NewAtomicCollector()
	const workers, per = 8, 500

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < per; i++ {
				c.TrackOperationWithLatency(OpGet, uint64(i+1))
				c.Add(RegionAllocs, 1)
				c.TrackError("get: not found")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	st := c.GetStats()
	assert.Equal(t, uint64(workers*per), st["get_ops"])
	assert.Equal(t, uint64(workers*per), c.Get(RegionAllocs))
	assert.Equal(t, uint64(workers*per), st["errors"].(map[string]uint64)["get: not found"])
	lat := st["get_latency"].(map[string]interface{})
	assert.Equal(t, uint64(1), lat["min_ns"])
	assert.Equal(t, uint64(per), lat["max_ns"])
}

func TestFiltered(t *testing.T) {
	c := NewAtomicCollector()
	c.TrackOperation(OpPut)
	c.Add(WALRecords, 4)
	c.Add(WALSyncs, 1)

	wal := c.GetStatsFiltered("wal_")
	assert.Equal(t, map[string]interface{}{
		"wal_records": uint64(4),
		"wal_syncs":   uint64(1),
	}, wal)
	assert.Len(t, c.GetStatsFiltered(""), len(c.GetStats()))
}

func TestResetKeepsRecovery(t *testing.T) {
	c := NewAtomicCollector()
	start := c.StartRecovery()
	time.Sleep(2 * time.Millisecond)
	c.FinishRecovery(start, 2, 17, 1)

	c.TrackOperationWithLatency(OpBatch, 10)
	c.Add(CheckpointPages, 9)
	c.TrackBytes(true, 1)
	c.TrackError("batch: busy")
	c.Reset()

	st := c.GetStats()
	assert.NotContains(t, st, "batch_ops")
	assert.NotContains(t, st, "batch_latency")
	assert.NotContains(t, st, "checkpoint_regions")
	assert.Equal(t, uint64(0), st["total_bytes_written"])
	assert.Empty(t, st["errors"])

	rec := st["recovery"].(map[string]interface{})
	assert.Equal(t, uint64(2), rec["wal_files_recovered"])
	assert.Equal(t, uint64(17), rec["wal_entries_recovered"])
	assert.Equal(t, uint64(1), rec["wal_corrupted_entries"])
	assert.Contains(t, rec, "wal_recovery_duration_ms")
}
