package engine

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// profile is the last snapshot taken by RefreshProfile.
type profile struct {
	mu     sync.Mutex
	taken  time.Time
	values map[string]float64
}

// RefreshProfile snapshots the engine counters, the allocator and cache
// state of every space, and the telemetry instruments.
func (e *Engine) RefreshProfile() error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	ctx := context.Background()

	values := make(map[string]float64)
	flatten(values, "", e.stats.GetStats())

	for _, sp := range e.spaces() {
		prefix := "space." + sp.Name() + "."
		st := sp.Allocator().Stats()
		values[prefix+"tail"] = float64(st.Tail)
		values[prefix+"regions"] = float64(st.Regions)
		values[prefix+"live_bytes"] = float64(st.LiveBytes)
		values[prefix+"free_bytes"] = float64(st.FreeBytes)
		values[prefix+"free_extents"] = float64(st.FreeExtents)
		values[prefix+"free_regions"] = float64(st.FreeRegions)
		values[prefix+"spans"] = float64(st.Spans)

		var resident, dirty int
		for _, p := range sp.Parts() {
			resident += p.Cache.Resident()
			dirty += p.Cache.DirtyCount()
		}
		values[prefix+"resident_regions"] = float64(resident)
		values[prefix+"dirty_regions"] = float64(dirty)
		e.metrics.RecordResidency(ctx, sp.Name(), resident, dirty)
	}

	buffered, sealed := e.pipe.Depth()
	values["pipeline.buffered"] = float64(buffered)
	values["pipeline.sealed"] = float64(sealed)
	values["wal.offset"] = float64(e.log.Offset())
	values["wal.synced"] = float64(e.log.Synced())
	values["index.keys"] = float64(e.index.Len())

	snap, err := e.tel.Snapshot(ctx)
	if err != nil {
		e.logger.Warn("failed to collect telemetry: %v", err)
	}
	for name, v := range snap {
		values["otel."+name] = v
	}

	e.profile.mu.Lock()
	e.profile.values = values
	e.profile.taken = time.Now()
	e.profile.mu.Unlock()
	return nil
}

// flatten copies the numeric entries of stats into values, joining nested
// map keys with dots.
func flatten(values map[string]float64, prefix string, stats map[string]interface{}) {
	for k, v := range stats {
		name := prefix + k
		switch n := v.(type) {
		case map[string]interface{}:
			flatten(values, name+".", n)
		case map[string]uint64:
			for sub, c := range n {
				values[name+"."+sub] = float64(c)
			}
		case uint64:
			values[name] = float64(n)
		case int64:
			values[name] = float64(n)
		case int:
			values[name] = float64(n)
		case float64:
			values[name] = n
		}
	}
}

// ResetProfile zeroes the engine counters and drops the last snapshot.
// Telemetry instruments are cumulative and are not reset.
func (e *Engine) ResetProfile() {
	e.stats.Reset()
	e.profile.mu.Lock()
	e.profile.values = nil
	e.profile.taken = time.Time{}
	e.profile.mu.Unlock()
}

// Profile returns a copy of the last snapshot.
func (e *Engine) Profile() map[string]float64 {
	e.profile.mu.Lock()
	defer e.profile.mu.Unlock()
	out := make(map[string]float64, len(e.profile.values))
	for k, v := range e.profile.values {
		out[k] = v
	}
	return out
}

// PrintProfile writes the last snapshot to w, one value per line in name
// order, refreshing it first if none was taken.
func (e *Engine) PrintProfile(w io.Writer) error {
	e.profile.mu.Lock()
	empty := e.profile.values == nil
	e.profile.mu.Unlock()
	if empty {
		if err := e.RefreshProfile(); err != nil {
			return err
		}
	}

	e.profile.mu.Lock()
	defer e.profile.mu.Unlock()
	names := make([]string, 0, len(e.profile.values))
	for name := range e.profile.values {
		names = append(names, name)
	}
	sort.Strings(names)

	if _, err := fmt.Fprintf(w, "profile taken %s\n", e.profile.taken.Format(time.RFC3339Nano)); err != nil {
		return err
	}
	for _, name := range names {
		if _, err := fmt.Fprintf(w, "%-48s %v\n", name, e.profile.values[name]); err != nil {
			return err
		}
	}
	return nil
}
