package region

import (
	"container/list"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/KevoDB/regiondb/pkg/common/log"
	"github.com/KevoDB/regiondb/pkg/common/status"
	"github.com/KevoDB/regiondb/pkg/stats"
)

// Region is a resident copy of one region. Data may only be touched while
// the region is pinned.
type Region struct {
	ID   uint64
	Data []byte

	dirty bool
	pins  int
}

// CacheOptions configures a Cache.
type CacheOptions struct {
	// Limit is the number of resident regions above which unpinned regions
	// are evicted. Ignored when SwapOn is false.
	Limit  int
	SwapOn bool
	Stats  stats.Collector
	Logger log.Logger
}

// Cache keeps regions of one store resident with LRU eviction. Dirty regions
// are never written back to the store on eviction: they go to a swap file
// and the store is only updated by checkpoints.
type Cache struct {
	store  *Store
	opts   CacheOptions
	logger log.Logger

	mu      sync.Mutex
	entries map[uint64]*list.Element
	lru     *list.List
	swap    *swapFile
	swapped map[uint64]struct{}

	loads singleflight.Group
}

// NewCache creates a cache over store. The swap file is reset.
func NewCache(store *Store, opts CacheOptions) (*Cache, error) {
	if opts.Logger == nil {
		opts.Logger = log.GetDefaultLogger()
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewAtomicCollector()
	}

	c := &Cache{
		store:   store,
		opts:    opts,
		logger:  opts.Logger.WithField("component", "cache").WithField("store", store.Prefix()),
		entries: make(map[uint64]*list.Element),
		lru:     list.New(),
		swapped: make(map[uint64]struct{}),
	}

	if opts.SwapOn {
		sw, err := openSwap(filepath.Join(store.Dir(), store.Prefix()+"-swap.dat"), store.Geometry().RegionSize())
		if err != nil {
			return nil, err
		}
		c.swap = sw
	}
	return c, nil
}

// Acquire returns region id pinned in memory, loading it on a miss.
// Concurrent misses on the same region share one load.
func (c *Cache) Acquire(ctx context.Context, id uint64) (*Region, error) {
	for {
		c.mu.Lock()
		if el, ok := c.entries[id]; ok {
			r := el.Value.(*Region)
			r.pins++
			c.lru.MoveToFront(el)
			c.mu.Unlock()
			c.opts.Stats.Add(stats.CacheHits, 1)
			return r, nil
		}
		c.mu.Unlock()

		c.opts.Stats.Add(stats.CacheMisses, 1)
		v, err, _ := c.loads.Do(strconv.FormatUint(id, 10), func() (interface{}, error) {
			return c.load(ctx, id)
		})
		if err != nil {
			return nil, err
		}

		// The loaded region may have been evicted again before we could pin it.
		r := v.(*Region)
		c.mu.Lock()
		if el, ok := c.entries[id]; ok && el.Value.(*Region) == r {
			r.pins++
			c.lru.MoveToFront(el)
			c.mu.Unlock()
			return r, nil
		}
		c.mu.Unlock()
	}
}

func (c *Cache) load(ctx context.Context, id uint64) (*Region, error) {
	c.mu.Lock()
	if el, ok := c.entries[id]; ok {
		c.mu.Unlock()
		return el.Value.(*Region), nil
	}
	_, inSwap := c.swapped[id]
	var slot int64
	if inSwap {
		slot = c.swap.slots[id]
	}
	c.mu.Unlock()

	r := &Region{ID: id, Data: make([]byte, c.store.Geometry().RegionSize())}
	if inSwap {
		if err := c.swap.readSlot(ctx, c.store, slot, r.Data); err != nil {
			return nil, err
		}
		r.dirty = true
		c.opts.Stats.Add(stats.CacheSwapIns, 1)
	} else if err := c.store.ReadRegion(ctx, id, r.Data); err != nil {
		return nil, fmt.Errorf("failed to load region %d: %w", id, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[id]; ok {
		return el.Value.(*Region), nil
	}
	delete(c.swapped, id)
	c.entries[id] = c.lru.PushFront(r)
	c.evictLocked(ctx, r)
	return r, nil
}

// evictLocked drops least recently used unpinned regions other than keep
// while the cache is over its limit. Must be called with c.mu held.
func (c *Cache) evictLocked(ctx context.Context, keep *Region) {
	if !c.opts.SwapOn {
		return
	}

	el := c.lru.Back()
	for c.lru.Len() > c.opts.Limit && el != nil {
		prev := el.Prev()
		r := el.Value.(*Region)
		if r.pins > 0 || r == keep {
			el = prev
			continue
		}

		if r.dirty {
			if err := c.swap.write(ctx, c.store, r.ID, r.Data); err != nil {
				c.logger.Warn("failed to swap out region %d: %v", r.ID, err)
				return
			}
			c.swapped[r.ID] = struct{}{}
			c.opts.Stats.Add(stats.CacheSwapOuts, 1)
		}

		c.lru.Remove(el)
		delete(c.entries, r.ID)
		c.opts.Stats.Add(stats.CacheEvictions, 1)
		el = prev
	}
}

// Release unpins a region returned by Acquire.
func (c *Cache) Release(r *Region) {
	c.mu.Lock()
	r.pins--
	if r.pins < 0 {
		c.mu.Unlock()
		panic(fmt.Sprintf("region %d released more times than acquired", r.ID))
	}
	c.mu.Unlock()
}

// MarkDirty records that a pinned region was modified.
func (c *Cache) MarkDirty(r *Region) {
	c.mu.Lock()
	r.dirty = true
	c.mu.Unlock()
}

// Resident returns the number of regions held in memory.
func (c *Cache) Resident() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// DirtyCount returns the number of regions that differ from the store,
// resident or swapped out.
func (c *Cache) DirtyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.swapped)
	for _, el := range c.entries {
		if el.Value.(*Region).dirty {
			n++
		}
	}
	return n
}

// ForEachDirty calls fn for every dirty region in ascending id order. Data
// passed to fn must not be retained. No other cache call may run concurrently.
func (c *Cache) ForEachDirty(ctx context.Context, fn func(id uint64, data []byte) error) error {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.swapped)+len(c.entries))
	for id, el := range c.entries {
		if el.Value.(*Region).dirty {
			ids = append(ids, id)
		}
	}
	for id := range c.swapped {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var buf []byte
	for _, id := range ids {
		c.mu.Lock()
		el, resident := c.entries[id]
		slot, inSwap := c.swap.slotOf(id)
		c.mu.Unlock()

		if resident {
			if err := fn(id, el.Value.(*Region).Data); err != nil {
				return err
			}
			continue
		}

		if buf == nil {
			buf = make([]byte, c.store.Geometry().RegionSize())
		}
		if !inSwap {
			return fmt.Errorf("%w: region %d has no swap slot", status.ErrCorruption, id)
		}
		if err := c.swap.readSlot(ctx, c.store, slot, buf); err != nil {
			return err
		}
		if err := fn(id, buf); err != nil {
			return err
		}
	}
	return nil
}

// MarkClean forgets all dirty state after a checkpoint wrote it to the store.
func (c *Cache) MarkClean() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, el := range c.entries {
		el.Value.(*Region).dirty = false
	}
	c.swapped = make(map[uint64]struct{})
	if c.swap != nil {
		return c.swap.reset()
	}
	return nil
}

// Drop discards every resident region and all swapped state without writing
// anything. Pinned regions stay resident.
func (c *Cache) Drop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.lru.Front(); el != nil; {
		next := el.Next()
		r := el.Value.(*Region)
		if r.pins == 0 {
			c.lru.Remove(el)
			delete(c.entries, r.ID)
		}
		el = next
	}
	c.swapped = make(map[uint64]struct{})
	if c.swap != nil {
		return c.swap.reset()
	}
	return nil
}

// Close releases the swap file.
func (c *Cache) Close() error {
	if c.swap != nil {
		return c.swap.close()
	}
	return nil
}

// swapFile holds evicted dirty regions. Each region keeps its slot until the
// next reset.
type swapFile struct {
	f          *os.File
	regionSize int
	slots      map[uint64]int64
	next       int64
}

func openSwap(path string, regionSize int) (*swapFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, status.IOError("open swap file", err)
	}
	return &swapFile{f: f, regionSize: regionSize, slots: make(map[uint64]int64)}, nil
}

func (s *swapFile) write(ctx context.Context, st *Store, id uint64, data []byte) error {
	slot, ok := s.slots[id]
	if !ok {
		slot = s.next
		s.next++
		s.slots[id] = slot
	}
	return st.WriteFileAt(ctx, s.f, slot*int64(s.regionSize), data)
}

func (s *swapFile) slotOf(id uint64) (int64, bool) {
	if s == nil {
		return 0, false
	}
	slot, ok := s.slots[id]
	return slot, ok
}

func (s *swapFile) readSlot(ctx context.Context, st *Store, slot int64, buf []byte) error {
	return st.ReadFileAt(ctx, s.f, slot*int64(s.regionSize), buf)
}

func (s *swapFile) reset() error {
	s.slots = make(map[uint64]int64)
	s.next = 0
	if err := s.f.Truncate(0); err != nil {
		return status.IOError("truncate swap file", err)
	}
	return nil
}

func (s *swapFile) close() error {
	name := s.f.Name()
	if err := s.f.Close(); err != nil {
		return status.IOError("close swap file", err)
	}
	return os.Remove(name)
}
