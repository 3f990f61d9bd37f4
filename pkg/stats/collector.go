package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// OperationType defines the type of operation being tracked
type OperationType string

// Common operation types
const (
	OpPut        OperationType = "put"
	OpGet        OperationType = "get"
	OpGetMut     OperationType = "get_mut"
	OpDelete     OperationType = "delete"
	OpModify     OperationType = "modify"
	OpReplace    OperationType = "replace"
	OpBatch      OperationType = "batch"
	OpCheckpoint OperationType = "checkpoint"
	OpCompact    OperationType = "compact"
	OpIterate    OperationType = "iterate"
)

// Counter names a monotonically increasing engine counter.
type Counter string

// Engine counters
const (
	CacheHits        Counter = "cache_hits"
	CacheMisses      Counter = "cache_misses"
	CacheEvictions   Counter = "cache_evictions"
	CacheSwapOuts    Counter = "cache_swap_outs"
	CacheSwapIns     Counter = "cache_swap_ins"
	RegionAllocs     Counter = "region_allocs"
	RegionFrees      Counter = "region_frees"
	DeferredFrees    Counter = "deferred_frees"
	WALRecords       Counter = "wal_records"
	WALBytes         Counter = "wal_bytes"
	WALSyncs         Counter = "wal_syncs"
	WALBackpressure  Counter = "wal_backpressure"
	WALTornTails     Counter = "wal_torn_tails"
	PipelineGroups   Counter = "pipeline_groups"
	PipelineWrites   Counter = "pipeline_writes"
	BlocksRelocated  Counter = "blocks_relocated"
	BlocksCompressed Counter = "blocks_compressed"
	CheckpointPages  Counter = "checkpoint_regions"
	AIOSubmitted     Counter = "aio_submitted"
	AIOCompleted     Counter = "aio_completed"
)

// AtomicCollector provides centralized statistics collection with minimal contention
// using atomic operations for thread safety
type AtomicCollector struct {
	counts   map[OperationType]*atomic.Uint64
	countsMu sync.RWMutex

	lastOpTime   map[OperationType]time.Time
	lastOpTimeMu sync.RWMutex

	counters   map[Counter]*atomic.Uint64
	countersMu sync.RWMutex

	totalBytesRead    atomic.Uint64
	totalBytesWritten atomic.Uint64

	errors   map[string]*atomic.Uint64
	errorsMu sync.RWMutex

	recoveryStats RecoveryStats

	latencies   map[OperationType]*LatencyTracker
	latenciesMu sync.RWMutex
}

// RecoveryStats tracks statistics related to WAL recovery
type RecoveryStats struct {
	WALFilesRecovered   atomic.Uint64
	WALEntriesRecovered atomic.Uint64
	WALCorruptedEntries atomic.Uint64
	WALRecoveryDuration atomic.Int64 // nanoseconds
}

// LatencyTracker maintains running statistics about operation latencies
type LatencyTracker struct {
	count atomic.Uint64
	sum   atomic.Uint64 // nanoseconds
	max   atomic.Uint64
	min   atomic.Uint64 // zero until the first sample
}

// NewAtomicCollector creates a new atomic statistics collector
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{
		counts:     make(map[OperationType]*atomic.Uint64),
		lastOpTime: make(map[OperationType]time.Time),
		counters:   make(map[Counter]*atomic.Uint64),
		errors:     make(map[string]*atomic.Uint64),
		latencies:  make(map[OperationType]*LatencyTracker),
	}
}

// TrackOperation increments the counter for the specified operation type
func (c *AtomicCollector) TrackOperation(op OperationType) {
	c.getOrCreateCounter(op).Add(1)

	c.lastOpTimeMu.Lock()
	c.lastOpTime[op] = time.Now()
	c.lastOpTimeMu.Unlock()
}

// TrackOperationWithLatency tracks an operation and its latency
func (c *AtomicCollector) TrackOperationWithLatency(op OperationType, latencyNs uint64) {
	c.TrackOperation(op)

	tracker := c.getOrCreateLatencyTracker(op)
	tracker.count.Add(1)
	tracker.sum.Add(latencyNs)

	for {
		current := tracker.max.Load()
		if latencyNs <= current || tracker.max.CompareAndSwap(current, latencyNs) {
			break
		}
	}

	for {
		current := tracker.min.Load()
		if current != 0 && latencyNs >= current {
			break
		}
		if tracker.min.CompareAndSwap(current, latencyNs) {
			break
		}
	}
}

// Add increments a named engine counter.
func (c *AtomicCollector) Add(name Counter, delta uint64) {
	c.countersMu.RLock()
	counter, exists := c.counters[name]
	c.countersMu.RUnlock()

	if !exists {
		c.countersMu.Lock()
		if counter, exists = c.counters[name]; !exists {
			counter = &atomic.Uint64{}
			c.counters[name] = counter
		}
		c.countersMu.Unlock()
	}

	counter.Add(delta)
}

// Get returns the current value of a named counter.
func (c *AtomicCollector) Get(name Counter) uint64 {
	c.countersMu.RLock()
	defer c.countersMu.RUnlock()
	if counter, ok := c.counters[name]; ok {
		return counter.Load()
	}
	return 0
}

// TrackError increments the counter for the specified error type
func (c *AtomicCollector) TrackError(errorType string) {
	c.errorsMu.RLock()
	counter, exists := c.errors[errorType]
	c.errorsMu.RUnlock()

	if !exists {
		c.errorsMu.Lock()
		if counter, exists = c.errors[errorType]; !exists {
			counter = &atomic.Uint64{}
			c.errors[errorType] = counter
		}
		c.errorsMu.Unlock()
	}

	counter.Add(1)
}

// TrackBytes adds the specified number of bytes to the read or write counter
func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.totalBytesWritten.Add(bytes)
	} else {
		c.totalBytesRead.Add(bytes)
	}
}

// StartRecovery initializes recovery statistics
func (c *AtomicCollector) StartRecovery() time.Time {
	c.recoveryStats.WALFilesRecovered.Store(0)
	c.recoveryStats.WALEntriesRecovered.Store(0)
	c.recoveryStats.WALCorruptedEntries.Store(0)
	c.recoveryStats.WALRecoveryDuration.Store(0)

	return time.Now()
}

// FinishRecovery completes recovery statistics
func (c *AtomicCollector) FinishRecovery(startTime time.Time, filesRecovered, entriesRecovered, corruptedEntries uint64) {
	c.recoveryStats.WALFilesRecovered.Store(filesRecovered)
	c.recoveryStats.WALEntriesRecovered.Store(entriesRecovered)
	c.recoveryStats.WALCorruptedEntries.Store(corruptedEntries)
	c.recoveryStats.WALRecoveryDuration.Store(time.Since(startTime).Nanoseconds())
}

// Reset zeroes every operation, byte, counter and latency statistic.
// Recovery statistics describe the last open and are kept.
func (c *AtomicCollector) Reset() {
	c.countsMu.Lock()
	c.counts = make(map[OperationType]*atomic.Uint64)
	c.countsMu.Unlock()

	c.lastOpTimeMu.Lock()
	c.lastOpTime = make(map[OperationType]time.Time)
	c.lastOpTimeMu.Unlock()

	c.countersMu.Lock()
	c.counters = make(map[Counter]*atomic.Uint64)
	c.countersMu.Unlock()

	c.errorsMu.Lock()
	c.errors = make(map[string]*atomic.Uint64)
	c.errorsMu.Unlock()

	c.latenciesMu.Lock()
	c.latencies = make(map[OperationType]*LatencyTracker)
	c.latenciesMu.Unlock()

	c.totalBytesRead.Store(0)
	c.totalBytesWritten.Store(0)
}

// GetStats returns all statistics as a map
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.countsMu.RLock()
	for op, counter := range c.counts {
		stats[string(op)+"_ops"] = counter.Load()
	}
	c.countsMu.RUnlock()

	c.lastOpTimeMu.RLock()
	for op, timestamp := range c.lastOpTime {
		stats["last_"+string(op)+"_time"] = timestamp.UnixNano()
	}
	c.lastOpTimeMu.RUnlock()

	c.countersMu.RLock()
	for name, counter := range c.counters {
		stats[string(name)] = counter.Load()
	}
	c.countersMu.RUnlock()

	stats["total_bytes_read"] = c.totalBytesRead.Load()
	stats["total_bytes_written"] = c.totalBytesWritten.Load()

	c.errorsMu.RLock()
	errorStats := make(map[string]uint64)
	for errType, counter := range c.errors {
		errorStats[errType] = counter.Load()
	}
	c.errorsMu.RUnlock()
	stats["errors"] = errorStats

	recoveryStats := map[string]interface{}{
		"wal_files_recovered":   c.recoveryStats.WALFilesRecovered.Load(),
		"wal_entries_recovered": c.recoveryStats.WALEntriesRecovered.Load(),
		"wal_corrupted_entries": c.recoveryStats.WALCorruptedEntries.Load(),
	}
	if d := c.recoveryStats.WALRecoveryDuration.Load(); d > 0 {
		recoveryStats["wal_recovery_duration_ms"] = d / int64(time.Millisecond)
	}
	stats["recovery"] = recoveryStats

	c.latenciesMu.RLock()
	for op, tracker := range c.latencies {
		count := tracker.count.Load()
		if count == 0 {
			continue
		}

		latencyStats := map[string]interface{}{
			"count":  count,
			"avg_ns": tracker.sum.Load() / count,
		}
		if min := tracker.min.Load(); min != 0 {
			latencyStats["min_ns"] = min
		}
		if max := tracker.max.Load(); max != 0 {
			latencyStats["max_ns"] = max
		}

		stats[string(op)+"_latency"] = latencyStats
	}
	c.latenciesMu.RUnlock()

	return stats
}

// GetStatsFiltered returns statistics filtered by prefix
func (c *AtomicCollector) GetStatsFiltered(prefix string) map[string]interface{} {
	allStats := c.GetStats()
	filtered := make(map[string]interface{})

	for key, value := range allStats {
		if len(prefix) == 0 || startsWith(key, prefix) {
			filtered[key] = value
		}
	}

	return filtered
}

func (c *AtomicCollector) getOrCreateCounter(op OperationType) *atomic.Uint64 {
	c.countsMu.RLock()
	counter, exists := c.counts[op]
	c.countsMu.RUnlock()

	if !exists {
		c.countsMu.Lock()
		if counter, exists = c.counts[op]; !exists {
			counter = &atomic.Uint64{}
			c.counts[op] = counter
		}
		c.countsMu.Unlock()
	}

	return counter
}

func (c *AtomicCollector) getOrCreateLatencyTracker(op OperationType) *LatencyTracker {
	c.latenciesMu.RLock()
	tracker, exists := c.latencies[op]
	c.latenciesMu.RUnlock()

	if !exists {
		c.latenciesMu.Lock()
		if tracker, exists = c.latencies[op]; !exists {
			tracker = &LatencyTracker{}
			c.latencies[op] = tracker
		}
		c.latenciesMu.Unlock()
	}

	return tracker
}

func startsWith(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	return s[:len(prefix)] == prefix
}
