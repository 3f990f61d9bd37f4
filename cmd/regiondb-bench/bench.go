package main

import (
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/KevoDB/regiondb/pkg/engine"
)

// benchOptions describes one run. Each benchmark writes and reads keys in
// [0, Keys).
type benchOptions struct {
	Keys       int
	ValueSize  int
	Duration   time.Duration
	Sequential bool
	BatchSize  int
	Writers    int
	ReadRatio  float64
}

func (o benchOptions) mode() string {
	if o.Sequential {
		return "Sequential"
	}
	return "Random"
}

// bench runs one benchmark against an open engine.
type bench func(e *engine.Engine, o benchOptions) (BenchmarkResult, error)

var benches = map[string]bench{
	"write":            runWriteBenchmark,
	"read":             runReadBenchmark,
	"modify":           runModifyBenchmark,
	"batch":            runBatchBenchmark,
	"concurrent-write": runConcurrentWriteBenchmark,
	"scan":             runScanBenchmark,
	"mixed":            runMixedBenchmark,
	"compaction":       runCompactionBenchmark,
}

// benchOrder is the order "all" runs in. Reads and scans follow the
// writes that populate the keys they touch.
var benchOrder = []string{"write", "batch", "concurrent-write", "read", "modify", "scan", "mixed", "compaction"}

func benchKey(i int) []byte {
	return []byte(fmt.Sprintf("key-%010d", i))
}

func benchValue(size, seed int) []byte {
	v := make([]byte, size)
	for i := range v {
		v[i] = byte(seed + i)
	}
	return v
}

// keySource yields key indexes in order, or at random.
type keySource struct {
	n   int
	seq bool
	r   *rand.Rand
	i   int
}

func newKeySource(o benchOptions) *keySource {
	return &keySource{n: o.Keys, seq: o.Sequential, r: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (s *keySource) next() int {
	if s.seq {
		k := s.i % s.n
		s.i++
		return k
	}
	return s.r.Intn(s.n)
}

func newResult(name string, o benchOptions, ops int, elapsed time.Duration) BenchmarkResult {
	r := BenchmarkResult{
		BenchmarkType: name,
		NumKeys:       o.Keys,
		ValueSize:     o.ValueSize,
		Mode:          o.mode(),
		Operations:    ops,
		Duration:      elapsed.Seconds(),
		Timestamp:     time.Now(),
	}
	if ops > 0 && elapsed > 0 {
		r.Throughput = float64(ops) / elapsed.Seconds()
		r.Latency = float64(elapsed.Microseconds()) / float64(ops)
	}
	return r
}

// populate writes every key once so reads have something to find.
func populate(e *engine.Engine, o benchOptions) error {
	for i := 0; i < o.Keys; i++ {
		ref, err := e.Get(benchKey(i))
		if err == nil {
			ref.Release()
			continue
		}
		if err := e.Put(benchKey(i), benchValue(o.ValueSize, i)); err != nil {
			return fmt.Errorf("populate key %d: %w", i, err)
		}
	}
	return nil
}

func runWriteBenchmark(e *engine.Engine, o benchOptions) (BenchmarkResult, error) {
	keys := newKeySource(o)
	value := benchValue(o.ValueSize, 0)

	start := time.Now()
	deadline := start.Add(o.Duration)
	ops := 0
	for time.Now().Before(deadline) {
		if err := e.Put(benchKey(keys.next()), value); err != nil {
			return BenchmarkResult{}, fmt.Errorf("write #%d: %w", ops, err)
		}
		ops++
	}
	r := newResult("Write", o, ops, time.Since(start))
	r.MBPerSec = r.Throughput * float64(o.ValueSize) / (1 << 20)
	return r, nil
}

func runBatchBenchmark(e *engine.Engine, o benchOptions) (BenchmarkResult, error) {
	keys := newKeySource(o)
	value := benchValue(o.ValueSize, 1)

	start := time.Now()
	deadline := start.Add(o.Duration)
	ops := 0
	for time.Now().Before(deadline) {
		b := e.NewBatch()
		for i := 0; i < o.BatchSize; i++ {
			if err := b.Put(benchKey(keys.next()), value); err != nil {
				return BenchmarkResult{}, err
			}
		}
		if err := b.Commit(); err != nil {
			return BenchmarkResult{}, fmt.Errorf("batch commit: %w", err)
		}
		ops += o.BatchSize
	}
	r := newResult("Batch", o, ops, time.Since(start))
	r.MBPerSec = r.Throughput * float64(o.ValueSize) / (1 << 20)
	return r, nil
}

// runConcurrentWriteBenchmark puts from several goroutines at once, so the
// pipeline groups their writes under shared log syncs.
func runConcurrentWriteBenchmark(e *engine.Engine, o benchOptions) (BenchmarkResult, error) {
	writers := max(o.Writers, 1)
	counts := make([]int, writers)
	deadline := time.Now().Add(o.Duration)

	start := time.Now()
	var g errgroup.Group
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			keys := newKeySource(o)
			value := benchValue(o.ValueSize, w)
			for time.Now().Before(deadline) {
				if err := e.Put(benchKey(keys.next()), value); err != nil {
					return fmt.Errorf("writer %d: %w", w, err)
				}
				counts[w]++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BenchmarkResult{}, err
	}

	ops := 0
	for _, c := range counts {
		ops += c
	}
	r := newResult(fmt.Sprintf("Write x%d", writers), o, ops, time.Since(start))
	r.MBPerSec = r.Throughput * float64(o.ValueSize) / (1 << 20)
	return r, nil
}

func runReadBenchmark(e *engine.Engine, o benchOptions) (BenchmarkResult, error) {
	if err := populate(e, o); err != nil {
		return BenchmarkResult{}, err
	}
	keys := newKeySource(o)

	start := time.Now()
	deadline := start.Add(o.Duration)
	ops, hits, zeroCopy := 0, 0, 0
	for time.Now().Before(deadline) {
		ref, err := e.Get(benchKey(keys.next()))
		ops++
		if err != nil {
			continue
		}
		hits++
		if d, err := ref.Describe(); err == nil && d.ZeroCopy {
			zeroCopy++
		}
		ref.Release()
	}
	r := newResult("Read", o, ops, time.Since(start))
	if ops > 0 {
		r.HitRate = float64(hits) / float64(ops) * 100
	}
	if hits > 0 {
		r.ZeroCopyRate = float64(zeroCopy) / float64(hits) * 100
	}
	return r, nil
}

// runModifyBenchmark flips one byte of existing values through write
// handles.
func runModifyBenchmark(e *engine.Engine, o benchOptions) (BenchmarkResult, error) {
	if err := populate(e, o); err != nil {
		return BenchmarkResult{}, err
	}
	keys := newKeySource(o)

	start := time.Now()
	deadline := start.Add(o.Duration)
	ops := 0
	for time.Now().Before(deadline) {
		m, err := e.GetMut(benchKey(keys.next()))
		if err != nil {
			return BenchmarkResult{}, err
		}
		err = m.ModifyInPlace(func(v []byte) error {
			if len(v) > 0 {
				v[0]++
			}
			return nil
		})
		m.Release()
		if err != nil {
			return BenchmarkResult{}, fmt.Errorf("modify #%d: %w", ops, err)
		}
		ops++
	}
	return newResult("Modify", o, ops, time.Since(start)), nil
}

func runScanBenchmark(e *engine.Engine, o benchOptions) (BenchmarkResult, error) {
	if err := populate(e, o); err != nil {
		return BenchmarkResult{}, err
	}

	start := time.Now()
	deadline := start.Add(o.Duration)
	entries, scans := 0, 0
	for scans == 0 || time.Now().Before(deadline) {
		it, err := e.NewIterator()
		if err != nil {
			return BenchmarkResult{}, err
		}
		for it.Next() {
			entries++
		}
		err = it.Err()
		it.Close()
		if err != nil {
			return BenchmarkResult{}, fmt.Errorf("scan: %w", err)
		}
		scans++
	}
	elapsed := time.Since(start)
	r := newResult("Scan", o, scans, elapsed)
	r.EntriesPerSec = float64(entries) / elapsed.Seconds()
	return r, nil
}

func runMixedBenchmark(e *engine.Engine, o benchOptions) (BenchmarkResult, error) {
	if err := populate(e, o); err != nil {
		return BenchmarkResult{}, err
	}
	keys := newKeySource(o)
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	start := time.Now()
	deadline := start.Add(o.Duration)
	ops := 0
	for time.Now().Before(deadline) {
		k := keys.next()
		if r.Float64() < o.ReadRatio {
			if ref, err := e.Get(benchKey(k)); err == nil {
				ref.Release()
			}
		} else if err := e.Put(benchKey(k), benchValue(o.ValueSize, ops)); err != nil {
			return BenchmarkResult{}, fmt.Errorf("mixed write: %w", err)
		}
		ops++
	}
	res := newResult("Mixed", o, ops, time.Since(start))
	res.ReadRatio = o.ReadRatio * 100
	res.WriteRatio = 100 - res.ReadRatio
	return res, nil
}

// runCompactionBenchmark churns every key with values of varying size
// and then times compaction passes until one finds nothing to do.
func runCompactionBenchmark(e *engine.Engine, o benchOptions) (BenchmarkResult, error) {
	for round := 0; round < 3; round++ {
		for i := 0; i < o.Keys; i++ {
			size := o.ValueSize/2 + (i*7+round*13)%max(o.ValueSize, 1)
			if err := e.Put(benchKey(i), benchValue(size, i+round)); err != nil {
				return BenchmarkResult{}, fmt.Errorf("churn key %d: %w", i, err)
			}
		}
		for i := round; i < o.Keys; i += 3 {
			if err := e.Delete(benchKey(i)); err != nil && !isNotFound(err) {
				return BenchmarkResult{}, err
			}
		}
	}

	start := time.Now()
	passes := 0
	var moved uint64
	for passes < 1000 {
		res, err := e.Compact()
		if err != nil {
			return BenchmarkResult{}, fmt.Errorf("compact: %w", err)
		}
		passes++
		moved += res.BytesMoved
		if res.Relocated == 0 && res.FreedRegions == 0 {
			break
		}
	}
	elapsed := time.Since(start)
	r := newResult("Compaction", o, passes, elapsed)
	r.MBPerSec = float64(moved) / (1 << 20) / elapsed.Seconds()
	return r, nil
}
