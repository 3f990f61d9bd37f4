package region

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/KevoDB/regiondb/pkg/common/status"
)

var (
	ErrDoubleFree = fmt.Errorf("%w: extent freed twice", status.ErrCorruption)
	ErrBadFree    = fmt.Errorf("%w: free outside allocated space", status.ErrInvalidArgument)
)

// Extent is a run of free bytes inside one region.
type Extent struct {
	Addr uint64
	Size uint64
}

func extentLess(a, b Extent) bool { return a.Addr < b.Addr }

// AllocatorState is the part of an allocator persisted next to its extents.
type AllocatorState struct {
	Tail  uint64            `json:"tail"`
	Spans map[uint64]uint64 `json:"spans,omitempty"`
}

// Allocator hands out byte ranges of a space. Free space is kept as extents
// ordered by address and reused lowest address first. When no extent fits,
// the tail is bumped; the unusable remainder of a region becomes an extent
// when the tail moves to the next region. Extents never cross a region
// boundary. Allocations larger than a region take whole contiguous regions
// from the tail ("spans").
//
// Address 0 is never handed out.
type Allocator struct {
	mu         sync.Mutex
	geo        Geometry
	unitNbit   uint
	maxRegions uint64

	tail      uint64
	free      *btree.BTreeG[Extent]
	freeBytes uint64
	freeIn    map[uint64]uint64 // free extent bytes per region
	spans     map[uint64]uint64 // first region -> region count
}

// NewAllocator creates an empty allocator.
func NewAllocator(geo Geometry, unitNbit uint, maxRegions uint64) *Allocator {
	return &Allocator{
		geo:        geo,
		unitNbit:   unitNbit,
		maxRegions: maxRegions,
		tail:       1 << unitNbit,
		free:       btree.NewG(32, extentLess),
		freeIn:     make(map[uint64]uint64),
		spans:      make(map[uint64]uint64),
	}
}

// Unit returns the allocation granularity in bytes.
func (a *Allocator) Unit() uint64 { return 1 << a.unitNbit }

// RoundUp returns n rounded up to whole allocation units.
func (a *Allocator) RoundUp(n uint64) uint64 {
	unit := a.Unit()
	return (n + unit - 1) &^ (unit - 1)
}

// Footprint returns the bytes an allocation of n consumes.
func (a *Allocator) Footprint(n uint64) uint64 {
	rs := uint64(a.geo.RegionSize())
	size := a.RoundUp(n)
	if size > rs {
		return (size + rs - 1) / rs * rs
	}
	return size
}

// Alloc returns the address of n free bytes.
func (a *Allocator) Alloc(n uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alloc(n, noRegion, false)
}

// AllocForCompaction allocates like Alloc but never inside region exclude
// and never from a region that is entirely free.
func (a *Allocator) AllocForCompaction(n uint64, exclude uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alloc(n, exclude, true)
}

const noRegion = ^uint64(0)

func (a *Allocator) alloc(n uint64, exclude uint64, avoidEmpty bool) (uint64, error) {
	if n == 0 {
		return 0, fmt.Errorf("%w: zero-sized allocation", status.ErrInvalidArgument)
	}
	size := a.RoundUp(n)
	rs := uint64(a.geo.RegionSize())

	if size > rs {
		return a.allocSpan(size)
	}

	var found Extent
	ok := false
	a.free.Ascend(func(e Extent) bool {
		if e.Size < size {
			return true
		}
		r := a.geo.RegionOf(e.Addr)
		if r == exclude || (avoidEmpty && a.freeIn[r] == rs) {
			return true
		}
		found, ok = e, true
		return false
	})
	if ok {
		a.free.Delete(found)
		if found.Size > size {
			a.free.ReplaceOrInsert(Extent{Addr: found.Addr + size, Size: found.Size - size})
		}
		a.freeIn[a.geo.RegionOf(found.Addr)] -= size
		a.freeBytes -= size
		return found.Addr, nil
	}

	off := a.tail & (rs - 1)
	if off != 0 && off+size > rs {
		a.insertFree(a.tail, rs-off)
		a.tail += rs - off
	}
	if a.geo.RegionOf(a.tail) >= a.maxRegions {
		return 0, fmt.Errorf("%w: %d bytes", status.ErrOutOfSpace, n)
	}
	addr := a.tail
	a.tail += size
	return addr, nil
}

func (a *Allocator) allocSpan(size uint64) (uint64, error) {
	rs := uint64(a.geo.RegionSize())
	count := (size + rs - 1) / rs

	if off := a.tail & (rs - 1); off != 0 {
		a.insertFree(a.tail, rs-off)
		a.tail += rs - off
	}
	first := a.geo.RegionOf(a.tail)
	if first+count > a.maxRegions {
		return 0, fmt.Errorf("%w: span of %d regions", status.ErrOutOfSpace, count)
	}
	a.spans[first] = count
	addr := a.tail
	a.tail += count * rs
	return addr, nil
}

// Free returns n bytes at addr to the allocator.
func (a *Allocator) Free(addr, n uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if addr == 0 || addr+n > a.tail {
		return fmt.Errorf("%w: addr %d size %d tail %d", ErrBadFree, addr, n, a.tail)
	}

	r := a.geo.RegionOf(addr)
	if count, ok := a.spans[r]; ok && addr == a.geo.RegionStart(r) {
		delete(a.spans, r)
		rs := uint64(a.geo.RegionSize())
		for i := uint64(0); i < count; i++ {
			if err := a.insertFree(a.geo.RegionStart(r+i), rs); err != nil {
				return err
			}
		}
		return nil
	}

	return a.insertFree(addr, a.RoundUp(n))
}

// insertFree adds an extent, merging with neighbours in the same region.
func (a *Allocator) insertFree(addr, size uint64) error {
	r := a.geo.RegionOf(addr)
	merged := Extent{Addr: addr, Size: size}

	var prev, next Extent
	hasPrev, hasNext := false, false
	a.free.DescendLessOrEqual(Extent{Addr: addr}, func(e Extent) bool {
		prev, hasPrev = e, true
		return false
	})
	a.free.AscendGreaterOrEqual(Extent{Addr: addr}, func(e Extent) bool {
		next, hasNext = e, true
		return false
	})

	if hasPrev && prev.Addr+prev.Size > addr {
		return fmt.Errorf("%w: %d overlaps [%d,+%d)", ErrDoubleFree, addr, prev.Addr, prev.Size)
	}
	if hasNext && addr+size > next.Addr {
		return fmt.Errorf("%w: %d overlaps [%d,+%d)", ErrDoubleFree, addr, next.Addr, next.Size)
	}

	if hasPrev && prev.Addr+prev.Size == addr && a.geo.RegionOf(prev.Addr) == r {
		a.free.Delete(prev)
		merged.Addr = prev.Addr
		merged.Size += prev.Size
	}
	if hasNext && addr+size == next.Addr && a.geo.RegionOf(next.Addr) == r {
		a.free.Delete(next)
		merged.Size += next.Size
	}

	a.free.ReplaceOrInsert(merged)
	a.freeIn[r] += size
	a.freeBytes += size
	return nil
}

// Fits reports whether allocations of the given sizes would all succeed,
// without changing the allocator.
func (a *Allocator) Fits(sizes []uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	sim := &Allocator{
		geo:        a.geo,
		unitNbit:   a.unitNbit,
		maxRegions: a.maxRegions,
		tail:       a.tail,
		free:       a.free.Clone(),
		freeBytes:  a.freeBytes,
		freeIn:     make(map[uint64]uint64),
		spans:      make(map[uint64]uint64),
	}
	for _, n := range sizes {
		if n == 0 {
			continue
		}
		if _, err := sim.alloc(n, noRegion, false); err != nil {
			return false
		}
	}
	return true
}

// AllocatorStats is a point-in-time view of the allocator accounting.
type AllocatorStats struct {
	Tail        uint64
	Regions     uint64 // regions touched by the tail
	FreeBytes   uint64
	FreeExtents int
	FreeRegions uint64 // regions below the tail with no live bytes
	LiveBytes   uint64
	Spans       int
}

// Stats returns the current accounting.
func (a *Allocator) Stats() AllocatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	rs := uint64(a.geo.RegionSize())
	regions := (a.tail + rs - 1) / rs
	st := AllocatorStats{
		Tail:        a.tail,
		Regions:     regions,
		FreeBytes:   a.freeBytes,
		FreeExtents: a.free.Len(),
		Spans:       len(a.spans),
	}
	for _, f := range a.freeIn {
		if f == rs {
			st.FreeRegions++
		}
	}
	st.LiveBytes = a.tail - a.freeBytes - a.Unit()
	return st
}

// LiveBytes returns the allocated bytes in region r.
func (a *Allocator) LiveBytes(r uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.liveBytes(r)
}

func (a *Allocator) liveBytes(r uint64) uint64 {
	rs := uint64(a.geo.RegionSize())
	start := a.geo.RegionStart(r)
	if start >= a.tail {
		return 0
	}
	for first, count := range a.spans {
		if r >= first && r < first+count {
			return rs
		}
	}
	end := min(start+rs, a.tail)
	used := end - start - a.freeIn[r]
	if r == 0 {
		used -= a.Unit()
	}
	return used
}

// RegionInfo describes a region for compaction decisions.
type RegionInfo struct {
	ID       uint64
	Live     uint64
	IsTail   bool
	IsSpan   bool
	FreeOnly bool
}

// Region returns the accounting of region r.
func (a *Allocator) Region(r uint64) RegionInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	info := RegionInfo{ID: r, Live: a.liveBytes(r)}
	info.IsTail = a.geo.RegionOf(a.tail) == r || (a.tail > 0 && a.geo.RegionOf(a.tail-1) == r)
	for first, count := range a.spans {
		if r >= first && r < first+count {
			info.IsSpan = true
		}
	}
	info.FreeOnly = a.freeIn[r] == uint64(a.geo.RegionSize())
	return info
}

// FreeExtentsIn returns the free extents of region r in address order.
func (a *Allocator) FreeExtentsIn(r uint64) []Extent {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.geo.RegionStart(r)
	end := start + uint64(a.geo.RegionSize())
	var out []Extent
	a.free.AscendRange(Extent{Addr: start}, Extent{Addr: end}, func(e Extent) bool {
		out = append(out, e)
		return true
	})
	return out
}

// IsFree reports whether any byte of [addr, addr+n) lies in a free extent.
func (a *Allocator) IsFree(addr, n uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	hit := false
	a.free.DescendLessOrEqual(Extent{Addr: addr + n - 1}, func(e Extent) bool {
		hit = e.Addr+e.Size > addr
		return false
	})
	return hit
}

// Tail returns the next never-allocated address.
func (a *Allocator) Tail() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tail
}

// Snapshot returns the persistent state and the free extents in address order.
func (a *Allocator) Snapshot() (AllocatorState, []Extent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := AllocatorState{Tail: a.tail}
	if len(a.spans) > 0 {
		st.Spans = make(map[uint64]uint64, len(a.spans))
		for k, v := range a.spans {
			st.Spans[k] = v
		}
	}
	extents := make([]Extent, 0, a.free.Len())
	a.free.Ascend(func(e Extent) bool {
		extents = append(extents, e)
		return true
	})
	return st, extents
}

// Restore replaces the allocator content.
func (a *Allocator) Restore(st AllocatorState, extents []Extent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if st.Tail < a.Unit() {
		st.Tail = a.Unit()
	}
	a.tail = st.Tail
	a.free = btree.NewG(32, extentLess)
	a.freeBytes = 0
	a.freeIn = make(map[uint64]uint64)
	a.spans = make(map[uint64]uint64, len(st.Spans))
	for k, v := range st.Spans {
		a.spans[k] = v
	}

	sort.Slice(extents, func(i, j int) bool { return extents[i].Addr < extents[j].Addr })
	for _, e := range extents {
		if e.Addr+e.Size > a.tail || e.Size == 0 {
			return fmt.Errorf("%w: extent [%d,+%d) beyond tail %d", status.ErrCorruption, e.Addr, e.Size, a.tail)
		}
		if err := a.insertFree(e.Addr, e.Size); err != nil {
			return err
		}
	}
	return nil
}
