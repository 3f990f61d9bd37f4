package region

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/KevoDB/regiondb/pkg/aio"
	"github.com/KevoDB/regiondb/pkg/common/log"
	"github.com/KevoDB/regiondb/pkg/common/status"
	"github.com/KevoDB/regiondb/pkg/config"
	"github.com/KevoDB/regiondb/pkg/stats"
)

// SpaceOptions configures a Space.
type SpaceOptions struct {
	Name       string
	Dir        string
	Config     config.SpaceConfig
	MaxRegions uint64
	AIO        *aio.Engine
	Stats      stats.Collector
	Logger     log.Logger
}

// SpaceState is the persisted description of a space.
type SpaceState struct {
	AllocatorState
	FreedPages uint64 `json:"freed_pages"`
}

// Part is one store of a space together with its cache.
type Part struct {
	Name  string
	Store *Store
	Cache *Cache
}

// Space is an addressable byte space built from a region store, its cache,
// an allocator, and a freed store that persists the allocator's extents.
type Space struct {
	name   string
	geo    Geometry
	stats  stats.Collector
	logger log.Logger

	store      *Store
	cache      *Cache
	freed      *Store
	freedCache *Cache
	alloc      *Allocator
}

// OpenSpace opens (or creates) the files of a space under opts.Dir/opts.Name.
// The allocator starts empty until LoadState is called.
func OpenSpace(opts SpaceOptions) (*Space, error) {
	if opts.Logger == nil {
		opts.Logger = log.GetDefaultLogger()
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewAtomicCollector()
	}
	cfg := opts.Config
	dir := filepath.Join(opts.Dir, opts.Name)
	logger := opts.Logger.WithField("space", opts.Name)

	geo := Geometry{FileNbit: cfg.FileNbit, RegnNbit: cfg.RegnNbit}
	store, err := OpenStore(dir, "space", geo, opts.AIO, logger)
	if err != nil {
		return nil, err
	}
	cache, err := NewCache(store, CacheOptions{
		Limit:  cfg.MaxCachedRegn,
		SwapOn: cfg.SwapOn,
		Stats:  opts.Stats,
		Logger: logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	freedGeo := Geometry{FileNbit: cfg.FreedFileNbit, RegnNbit: FreedPageNbit}
	freed, err := OpenStore(dir, "freed", freedGeo, opts.AIO, logger)
	if err != nil {
		cache.Close()
		store.Close()
		return nil, err
	}
	freedCache, err := NewCache(freed, CacheOptions{
		Limit:  cfg.FreedMaxCachedRegn,
		SwapOn: cfg.SwapOn,
		Stats:  opts.Stats,
		Logger: logger,
	})
	if err != nil {
		freed.Close()
		cache.Close()
		store.Close()
		return nil, err
	}

	return &Space{
		name:       opts.Name,
		geo:        geo,
		stats:      opts.Stats,
		logger:     logger,
		store:      store,
		cache:      cache,
		freed:      freed,
		freedCache: freedCache,
		alloc:      NewAllocator(geo, cfg.FreedRegnNbit, opts.MaxRegions),
	}, nil
}

// Name returns the space name.
func (s *Space) Name() string { return s.name }

// Geometry returns the region layout.
func (s *Space) Geometry() Geometry { return s.geo }

// Allocator exposes the space allocator.
func (s *Space) Allocator() *Allocator { return s.alloc }

// Cache exposes the region cache of the main store.
func (s *Space) Cache() *Cache { return s.cache }

// Parts returns the main and freed stores with their caches.
func (s *Space) Parts() []Part {
	return []Part{
		{Name: s.name + "/space", Store: s.store, Cache: s.cache},
		{Name: s.name + "/freed", Store: s.freed, Cache: s.freedCache},
	}
}

// Alloc reserves n bytes.
func (s *Space) Alloc(n uint64) (uint64, error) {
	addr, err := s.alloc.Alloc(n)
	if err != nil {
		return 0, fmt.Errorf("space %s: %w", s.name, err)
	}
	s.stats.Add(stats.RegionAllocs, 1)
	return addr, nil
}

// AllocForCompaction reserves n bytes outside region exclude.
func (s *Space) AllocForCompaction(n uint64, exclude uint64) (uint64, error) {
	addr, err := s.alloc.AllocForCompaction(n, exclude)
	if err != nil {
		return 0, fmt.Errorf("space %s: %w", s.name, err)
	}
	s.stats.Add(stats.RegionAllocs, 1)
	return addr, nil
}

// Free releases n bytes at addr.
func (s *Space) Free(addr, n uint64) error {
	if err := s.alloc.Free(addr, n); err != nil {
		return fmt.Errorf("space %s: %w", s.name, err)
	}
	s.stats.Add(stats.RegionFrees, 1)
	return nil
}

// ReadAt copies len(buf) bytes starting at addr.
func (s *Space) ReadAt(addr uint64, buf []byte) error {
	return s.each(addr, len(buf), false, func(region []byte, done int) {
		copy(buf[done:], region)
	})
}

// WriteAt copies data into the space starting at addr.
func (s *Space) WriteAt(addr uint64, data []byte) error {
	return s.each(addr, len(data), true, func(region []byte, done int) {
		copy(region, data[done:done+len(region)])
	})
}

func (s *Space) each(addr uint64, n int, write bool, fn func(region []byte, done int)) error {
	if addr == 0 && n > 0 {
		return fmt.Errorf("%w: nil address in space %s", status.ErrInvalidArgument, s.name)
	}
	ctx := context.Background()
	rs := uint64(s.geo.RegionSize())

	done := 0
	for done < n {
		id := s.geo.RegionOf(addr)
		off := addr - s.geo.RegionStart(id)
		chunk := min(uint64(n-done), rs-off)

		r, err := s.cache.Acquire(ctx, id)
		if err != nil {
			return err
		}
		fn(r.Data[off:off+chunk], done)
		if write {
			s.cache.MarkDirty(r)
		}
		s.cache.Release(r)

		done += int(chunk)
		addr += chunk
	}
	return nil
}

// View returns n bytes at addr without copying. The range must lie in one
// region, which stays pinned until Unpin is called with the returned region.
func (s *Space) View(addr uint64, n int) ([]byte, *Region, error) {
	id := s.geo.RegionOf(addr)
	off := addr - s.geo.RegionStart(id)
	if addr == 0 || off+uint64(n) > uint64(s.geo.RegionSize()) {
		return nil, nil, fmt.Errorf("%w: view [%d,+%d) crosses a region", status.ErrInvalidArgument, addr, n)
	}
	r, err := s.cache.Acquire(context.Background(), id)
	if err != nil {
		return nil, nil, err
	}
	return r.Data[off : off+uint64(n) : off+uint64(n)], r, nil
}

// Unpin releases a region returned by View.
func (s *Space) Unpin(r *Region) {
	s.cache.Release(r)
}

// SaveState writes the free extents to the freed store and returns the
// state to record in the checkpoint.
func (s *Space) SaveState(ctx context.Context) (SpaceState, error) {
	st, extents := s.alloc.Snapshot()
	pages, err := writeFreed(ctx, s.freedCache, extents)
	if err != nil {
		return SpaceState{}, fmt.Errorf("space %s: failed to save free extents: %w", s.name, err)
	}
	return SpaceState{AllocatorState: st, FreedPages: pages}, nil
}

// LoadState restores the allocator from a checkpointed state.
func (s *Space) LoadState(ctx context.Context, st SpaceState) error {
	extents, err := readFreed(ctx, s.freedCache, st.FreedPages)
	if err != nil {
		return fmt.Errorf("space %s: failed to load free extents: %w", s.name, err)
	}
	return s.alloc.Restore(st.AllocatorState, extents)
}

// Close releases the caches and closes the files. Dirty state is dropped.
func (s *Space) Close() error {
	var firstErr error
	for _, p := range s.Parts() {
		if err := p.Cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := p.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
