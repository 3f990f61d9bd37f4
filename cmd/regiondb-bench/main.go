package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"sort"
	"strings"
	"time"

	"github.com/KevoDB/regiondb/pkg/config"
	"github.com/KevoDB/regiondb/pkg/engine"
)

const (
	defaultValueSize = 100
	defaultKeyCount  = 100000
)

var (
	benchmarkType = flag.String("type", "all", "Comma-separated benchmarks to run ("+strings.Join(benchOrder, ", ")+", or all)")
	duration      = flag.Duration("duration", 10*time.Second, "Duration of each benchmark")
	numKeys       = flag.Int("keys", defaultKeyCount, "Number of keys to use")
	valueSize     = flag.Int("value-size", defaultValueSize, "Size of values in bytes")
	dataDir       = flag.String("data-dir", "./benchmark-data", "Directory to store benchmark data")
	sequential    = flag.Bool("sequential", false, "Use sequential keys instead of random")
	batchSize     = flag.Int("batch-size", 100, "Writes per batch in the batch benchmark")
	writers       = flag.Int("writers", runtime.GOMAXPROCS(0), "Goroutines in the concurrent-write benchmark")
	readRatio     = flag.Float64("read-ratio", 0.8, "Fraction of reads in the mixed benchmark")
	compression   = flag.String("compression", config.CompressionNone, "Value compression: none, snappy or zstd")
	cpuProfile    = flag.String("cpu-profile", "", "Write CPU profile to file")
	memProfile    = flag.String("mem-profile", "", "Write memory profile to file")
	resultsFile   = flag.String("results", "", "CSV file to write results to (in addition to stdout)")
	showProfile   = flag.Bool("profile", false, "Print the engine profile after the run")
)

func main() {
	flag.Parse()

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not start CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer pprof.StopCPUProfile()
	}

	names, err := selectBenches(*benchmarkType)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg := config.NewDefaultConfig()
	cfg.Compression = *compression
	cfg.LogLevel = "warn"
	cfg.Telemetry.Enabled = *showProfile

	// Open with truncate so every run starts from an empty database
	e, err := engine.Open(*dataDir, cfg, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}

	opts := benchOptions{
		Keys:       *numKeys,
		ValueSize:  *valueSize,
		Duration:   *duration,
		Sequential: *sequential,
		BatchSize:  *batchSize,
		Writers:    *writers,
		ReadRatio:  *readRatio,
	}
	fmt.Printf("Benchmark Report (%s)\n", time.Now().Format(time.RFC3339))
	fmt.Printf("Keys: %d, Value Size: %d bytes, Duration: %s, Mode: %s\n",
		opts.Keys, opts.ValueSize, opts.Duration, opts.mode())

	results := runBenches(e, names, opts)

	if *showProfile {
		if err := e.PrintProfile(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to print profile: %v\n", err)
		}
	}
	if err := e.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close database: %v\n", err)
	}

	PrintResultTable(os.Stdout, results)
	if *resultsFile != "" {
		if err := SaveResultCSV(results, *resultsFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write results to file: %v\n", err)
		}
	}

	if *memProfile != "" {
		f, err := os.Create(*memProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create memory profile: %v\n", err)
			return
		}
		defer f.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not write memory profile: %v\n", err)
		}
	}
}

// selectBenches expands the -type flag into benchmark names.
func selectBenches(types string) ([]string, error) {
	var names []string
	for _, typ := range strings.Split(types, ",") {
		typ = strings.ToLower(strings.TrimSpace(typ))
		if typ == "all" {
			names = append(names, benchOrder...)
			continue
		}
		if _, ok := benches[typ]; !ok {
			known := make([]string, 0, len(benches))
			for name := range benches {
				known = append(known, name)
			}
			sort.Strings(known)
			return nil, fmt.Errorf("unknown benchmark type %q (known: %s)", typ, strings.Join(known, ", "))
		}
		names = append(names, typ)
	}
	return names, nil
}

// runBenches runs each named benchmark in turn. A failing benchmark is
// reported and skipped.
func runBenches(e *engine.Engine, names []string, opts benchOptions) []BenchmarkResult {
	var results []BenchmarkResult
	for _, name := range names {
		fmt.Printf("Running %s benchmark...\n", name)
		r, err := benches[name](e, opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s benchmark failed: %v\n", name, err)
			if errors.Is(err, engine.ErrEngineFailed) {
				break
			}
			continue
		}
		results = append(results, r)
	}
	return results
}

func isNotFound(err error) bool {
	return errors.Is(err, engine.ErrKeyNotFound)
}
