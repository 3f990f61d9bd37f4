package region

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/KevoDB/regiondb/pkg/common/status"
)

// Free extents are persisted in the freed store as fixed pages:
//
//	checksum(8) count(4) page(4) entries...
//
// where each entry is addr(8) size(8). The checksum covers everything after it.
const (
	FreedPageNbit   = 12
	freedPageSize   = 1 << FreedPageNbit
	freedPageHeader = 16
	freedEntrySize  = 16
	extentsPerPage  = (freedPageSize - freedPageHeader) / freedEntrySize
)

// writeFreed stores extents in pages 0..n-1 of the freed cache and returns n.
func writeFreed(ctx context.Context, cache *Cache, extents []Extent) (uint64, error) {
	var page uint64
	for start := 0; start < len(extents); start += extentsPerPage {
		end := min(start+extentsPerPage, len(extents))

		r, err := cache.Acquire(ctx, page)
		if err != nil {
			return 0, err
		}
		encodeFreedPage(r.Data, uint32(page), extents[start:end])
		cache.MarkDirty(r)
		cache.Release(r)
		page++
	}
	return page, nil
}

func encodeFreedPage(buf []byte, page uint32, extents []Extent) {
	clear(buf)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(extents)))
	binary.LittleEndian.PutUint32(buf[12:16], page)
	off := freedPageHeader
	for _, e := range extents {
		binary.LittleEndian.PutUint64(buf[off:], e.Addr)
		binary.LittleEndian.PutUint64(buf[off+8:], e.Size)
		off += freedEntrySize
	}
	binary.LittleEndian.PutUint64(buf[0:8], xxhash.Sum64(buf[8:]))
}

// readFreed loads the extents stored in the first pages pages.
func readFreed(ctx context.Context, cache *Cache, pages uint64) ([]Extent, error) {
	var extents []Extent
	for page := uint64(0); page < pages; page++ {
		r, err := cache.Acquire(ctx, page)
		if err != nil {
			return nil, err
		}
		decoded, err := decodeFreedPage(r.Data, uint32(page))
		cache.Release(r)
		if err != nil {
			return nil, err
		}
		extents = append(extents, decoded...)
	}
	return extents, nil
}

func decodeFreedPage(buf []byte, page uint32) ([]Extent, error) {
	if xxhash.Sum64(buf[8:]) != binary.LittleEndian.Uint64(buf[0:8]) {
		return nil, fmt.Errorf("%w: freed page %d checksum mismatch", status.ErrCorruption, page)
	}
	if got := binary.LittleEndian.Uint32(buf[12:16]); got != page {
		return nil, fmt.Errorf("%w: freed page %d labelled %d", status.ErrCorruption, page, got)
	}
	count := int(binary.LittleEndian.Uint32(buf[8:12]))
	if count > extentsPerPage {
		return nil, fmt.Errorf("%w: freed page %d holds %d extents", status.ErrCorruption, page, count)
	}

	extents := make([]Extent, count)
	off := freedPageHeader
	for i := range extents {
		extents[i].Addr = binary.LittleEndian.Uint64(buf[off:])
		extents[i].Size = binary.LittleEndian.Uint64(buf[off+8:])
		off += freedEntrySize
	}
	return extents, nil
}
