package blockstore

import (
	"errors"
	"fmt"

	"github.com/KevoDB/regiondb/pkg/common/status"
	"github.com/KevoDB/regiondb/pkg/stats"
	"github.com/KevoDB/regiondb/pkg/trie"
)

// Relocate repoints the index entry of key from src to dst. It returns
// trie.ErrStale when the index no longer references src.
type Relocate func(key []byte, mode uint8, src, dst trie.Location) error

// CompactResult summarizes one compaction pass.
type CompactResult struct {
	Walked       int
	Evacuated    int
	Relocated    int
	Skipped      int
	FreedRegions int
	BytesMoved   uint64
}

// Compact walks at most maxWalk regions of each data space, starting where
// the previous pass stopped, and evacuates regions that are less than half
// live. Tail regions, spans, and pinned blocks are left alone. The caller
// must hold off every other mutation for the duration of the pass.
func (s *Store) Compact(maxWalk int, relocate Relocate) (CompactResult, error) {
	var res CompactResult
	for id := uint8(0); id < numSpaces; id++ {
		if err := s.compactSpace(id, maxWalk, relocate, &res); err != nil {
			return res, err
		}
	}
	s.logger.Debug("compaction walked %d regions, relocated %d blocks, freed %d regions",
		res.Walked, res.Relocated, res.FreedRegions)
	return res, nil
}

func (s *Store) compactSpace(id uint8, maxWalk int, relocate Relocate, res *CompactResult) error {
	alloc := s.spaces[id].Allocator()
	regions := alloc.Stats().Regions
	half := uint64(s.spaces[id].Geometry().RegionSize()) / 2

	for walked := 0; walked < maxWalk && uint64(walked) < regions; walked++ {
		s.mu.Lock()
		r := s.cursors[id] % regions
		s.cursors[id] = r + 1
		s.mu.Unlock()
		res.Walked++

		info := alloc.Region(r)
		if info.IsTail || info.IsSpan || info.FreeOnly || info.Live == 0 || info.Live >= half {
			continue
		}
		res.Evacuated++
		if err := s.evacuate(id, r, relocate, res); err != nil {
			return fmt.Errorf("failed to evacuate region %d of space %d: %w", r, id, err)
		}
		if alloc.Region(r).FreeOnly {
			res.FreedRegions++
		}
	}
	return nil
}

func (s *Store) evacuate(id uint8, r uint64, relocate Relocate, res *CompactResult) error {
	sp := s.spaces[id]
	blocks, err := s.Blocks(id, r)
	if err != nil {
		return err
	}

	for _, src := range blocks {
		if s.Pinned(src) {
			res.Skipped++
			continue
		}
		buf, h, err := s.readRaw(src)
		if err != nil {
			return err
		}

		addr, err := sp.AllocForCompaction(src.Size, r)
		if err != nil {
			return err
		}
		dst := trie.Location{Space: id, Addr: addr, Size: src.Size}
		if err := sp.WriteAt(addr, buf); err != nil {
			s.undoAlloc(id, addr, src.Size)
			return err
		}

		key := buf[HeaderSize : HeaderSize+int(h.KeyLen)]
		err = relocate(key, h.Mode, src, dst)
		if errors.Is(err, trie.ErrStale) {
			s.logger.Warn("unreferenced block at %d in space %d", src.Addr, id)
			s.undoAlloc(id, addr, src.Size)
			res.Skipped++
			continue
		}
		if err != nil {
			s.undoAlloc(id, addr, src.Size)
			return err
		}

		if err := sp.Free(src.Addr, src.Size); err != nil {
			return err
		}
		res.Relocated++
		res.BytesMoved += src.Size
		s.stats.Add(stats.BlocksRelocated, 1)
	}
	return nil
}

// Blocks lists the blocks of region r in space id by stepping over free
// extents and block headers.
func (s *Store) Blocks(id uint8, r uint64) ([]trie.Location, error) {
	sp := s.spaces[id]
	alloc := sp.Allocator()
	geo := sp.Geometry()

	pos := geo.RegionStart(r)
	if r == 0 {
		pos = alloc.Unit()
	}
	end := min(geo.RegionStart(r)+uint64(geo.RegionSize()), alloc.Tail())
	free := alloc.FreeExtentsIn(r)

	var out []trie.Location
	for pos < end {
		if len(free) > 0 && free[0].Addr <= pos {
			if free[0].Addr < pos {
				return nil, fmt.Errorf("%w: block overlaps free extent at %d", status.ErrCorruption, free[0].Addr)
			}
			pos += free[0].Size
			free = free[1:]
			continue
		}

		loc := trie.Location{Space: id, Addr: pos, Size: HeaderSize}
		h, err := s.ReadHeader(loc)
		if err != nil {
			return nil, err
		}
		loc.Size = h.Len()
		if pos+loc.Size > end {
			return nil, fmt.Errorf("%w: block at %d runs past its region", status.ErrCorruption, pos)
		}
		out = append(out, loc)
		pos += alloc.Footprint(loc.Size)
	}
	return out, nil
}

// undoAlloc returns a relocation target that was never published.
func (s *Store) undoAlloc(id uint8, addr, n uint64) {
	if err := s.spaces[id].Free(addr, n); err != nil {
		s.logger.Warn("failed to free relocation target at %d in space %d: %v", addr, id, err)
	}
}
