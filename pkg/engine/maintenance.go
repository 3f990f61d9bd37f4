package engine

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/KevoDB/regiondb/pkg/blockstore"
	"github.com/KevoDB/regiondb/pkg/common/iterator"
	"github.com/KevoDB/regiondb/pkg/common/iterator/bounded"
	"github.com/KevoDB/regiondb/pkg/common/status"
	"github.com/KevoDB/regiondb/pkg/region"
	"github.com/KevoDB/regiondb/pkg/stats"
	"github.com/KevoDB/regiondb/pkg/trie"
)

// Entry is one key of the database as seen by an Iterator.
type Entry struct {
	IndexKey trie.Key
	// Key is the key the entry was last written with: the user key, or the
	// 32-byte key for entries written by hash.
	Key      []byte
	Mode     KeyMode
	Value    []byte
	Location trie.Location
}

// Iterator walks the database in index key order. It holds the database
// read-locked until Close, so no other operation may be issued meanwhile.
type Iterator struct {
	e       *Engine
	it      iterator.Iterator
	started bool
	entry   Entry
	err     error
	closed  bool
}

// NewIterator returns an iterator over every key. It must be closed.
func (e *Engine) NewIterator() (*Iterator, error) {
	return e.NewRangeIterator(nil, nil)
}

// NewRangeIterator returns an iterator over index keys in [start, end). A
// nil bound is open.
func (e *Engine) NewRangeIterator(start, end []byte) (*Iterator, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()

	if err := e.addHandle(); err != nil {
		return nil, err
	}
	e.state.RLock()
	return &Iterator{
		e:  e,
		it: bounded.NewBoundedIterator(e.index.NewIterator(), start, end),
	}, nil
}

// Next moves to the next entry and reports whether there is one.
func (it *Iterator) Next() bool {
	if it.closed || it.err != nil {
		return false
	}
	if !it.started {
		it.started = true
		it.it.SeekToFirst()
	} else {
		it.it.Next()
	}
	if !it.it.Valid() {
		it.err = it.it.Err()
		return false
	}

	loc, err := trie.DecodeLocation(it.it.Value())
	if err != nil {
		it.err = err
		return false
	}
	blk, err := it.e.blocks.Load(loc)
	if err != nil {
		it.err = fmt.Errorf("failed to load entry %x: %w", it.it.Key(), err)
		return false
	}
	var ikey trie.Key
	copy(ikey[:], it.it.Key())
	it.entry = Entry{
		IndexKey: ikey,
		Key:      blk.Key,
		Mode:     KeyMode(blk.Mode),
		Value:    blk.Value,
		Location: loc,
	}
	it.e.stats.TrackOperation(stats.OpIterate)
	return true
}

// Entry returns the current entry. It is only meaningful after Next
// returned true.
func (it *Iterator) Entry() Entry { return it.entry }

// Err returns the error that ended the iteration.
func (it *Iterator) Err() error { return it.err }

// Close releases the iterator and the read lock it holds.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.entry = Entry{}
	it.e.state.RUnlock()
	it.e.releaseHandle()
	return nil
}

// Dump writes a human-readable description of the database to w.
func (e *Engine) Dump(w io.Writer) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	e.state.RLock()
	defer e.state.RUnlock()

	fmt.Fprintf(w, "database %s id %s\n", e.dir, e.manifest.DBID())
	fmt.Fprintf(w, "applied lsn %d, log end %d, checkpoint %d at log offset %d\n",
		e.applied, e.log.Offset(), e.meta.Sequence, e.meta.WALOffset)
	fmt.Fprintf(w, "keys %d, trie root %d\n", e.index.Len(), e.index.Root())
	for _, sp := range e.spaces() {
		st := sp.Allocator().Stats()
		fmt.Fprintf(w, "space %-4s tail %d regions %d live %d free %d in %d extents (%d empty regions, %d spans)\n",
			sp.Name(), st.Tail, st.Regions, st.LiveBytes, st.FreeBytes, st.FreeExtents, st.FreeRegions, st.Spans)
	}

	return e.index.Walk(func(k trie.Key, loc trie.Location) error {
		h, err := e.blocks.ReadHeader(loc)
		if err != nil {
			fmt.Fprintf(w, "%x %s@%d+%d unreadable: %v\n", k[:], spaceName(loc.Space), loc.Addr, loc.Size, err)
			return nil
		}
		_, err = fmt.Fprintf(w, "%x %s@%d+%d mode=%s codec=%s value=%d stored=%d\n",
			k[:], spaceName(loc.Space), loc.Addr, loc.Size, KeyMode(h.Mode), h.Codec, h.RawLen, h.StoredLen)
		return err
	})
}

func spaceName(id uint8) string {
	switch id {
	case blockstore.SpaceBlk:
		return blkSpaceName
	case blockstore.SpaceComp:
		return compSpaceName
	}
	return fmt.Sprintf("space(%d)", id)
}

// IntegrityReport summarizes a successful CheckIntegrity.
type IntegrityReport struct {
	Keys      uint64
	Nodes     uint64
	NodeBytes uint64
	// DataBytes is the footprint of live and deferred blocks per data space.
	DataBytes map[string]uint64
	Deferred  int
}

// CheckIntegrity verifies the index shape, that every entry's block is
// intact and belongs to its key, that no block overlaps another or free
// space, and that the allocators account for exactly the live data.
func (e *Engine) CheckIntegrity() (IntegrityReport, error) {
	if err := e.enter(); err != nil {
		return IntegrityReport{}, err
	}
	defer e.exit()

	e.state.Lock()
	defer e.state.Unlock()

	var blocks [2][]trie.Location
	res, err := e.index.Check(func(k trie.Key, loc trie.Location) error {
		if loc.Space > blockstore.SpaceComp {
			return fmt.Errorf("%w: entry %x points to space %d", status.ErrCorruption, k[:], loc.Space)
		}
		blk, err := e.blocks.Load(loc)
		if err != nil {
			return fmt.Errorf("entry %x: %w", k[:], err)
		}
		ikey, err := IndexKey(KeyMode(blk.Mode), blk.Key)
		if err != nil || ikey != k {
			return fmt.Errorf("%w: block at %s@%d does not belong to entry %x",
				status.ErrCorruption, spaceName(loc.Space), loc.Addr, k[:])
		}
		blocks[loc.Space] = append(blocks[loc.Space], loc)
		return nil
	})
	if err != nil {
		return IntegrityReport{}, err
	}

	deferred := e.blocks.Deferred()
	for _, loc := range deferred {
		blocks[loc.Space] = append(blocks[loc.Space], loc)
	}

	report := IntegrityReport{
		Keys:      res.Leaves,
		Nodes:     res.Nodes,
		NodeBytes: res.Bytes,
		DataBytes: make(map[string]uint64, 2),
		Deferred:  len(deferred),
	}

	if live := e.node.Allocator().Stats().LiveBytes; live != res.Bytes {
		return report, fmt.Errorf("%w: node space accounts %d live bytes, index uses %d",
			status.ErrCorruption, live, res.Bytes)
	}

	for id, locs := range blocks {
		sp := e.blocks.Space(uint8(id))
		used, err := checkExtents(sp, locs)
		if err != nil {
			return report, err
		}
		report.DataBytes[sp.Name()] = used
	}
	return report, nil
}

// checkExtents checks that the blocks of one space are allocated and
// disjoint and that they account for all its live bytes.
func checkExtents(sp *region.Space, locs []trie.Location) (uint64, error) {
	alloc := sp.Allocator()
	sort.Slice(locs, func(i, j int) bool { return locs[i].Addr < locs[j].Addr })

	var used, end uint64
	for _, loc := range locs {
		if loc.Addr < end {
			return 0, fmt.Errorf("%w: block at %s@%d overlaps the previous block",
				status.ErrCorruption, sp.Name(), loc.Addr)
		}
		if alloc.IsFree(loc.Addr, loc.Size) {
			return 0, fmt.Errorf("%w: block at %s@%d lies in free space",
				status.ErrCorruption, sp.Name(), loc.Addr)
		}
		end = loc.Addr + loc.Size
		used += alloc.Footprint(loc.Size)
	}
	if live := alloc.Stats().LiveBytes; live != used {
		return used, fmt.Errorf("%w: space %s accounts %d live bytes, blocks use %d",
			status.ErrCorruption, sp.Name(), live, used)
	}
	return used, nil
}

// Compact runs one bounded compaction pass over the data spaces.
func (e *Engine) Compact() (res blockstore.CompactResult, err error) {
	start := time.Now()
	defer func() { e.track(stats.OpCompact, start, err) }()

	if err := e.enter(); err != nil {
		return res, err
	}
	defer e.exit()
	if err := e.failure(); err != nil {
		return res, err
	}

	e.state.Lock()
	defer e.state.Unlock()
	return e.compactLocked(context.Background())
}

// Checkpoint makes everything applied so far durable in the region files
// and prunes the log.
func (e *Engine) Checkpoint() (err error) {
	start := time.Now()
	defer func() { e.track(stats.OpCheckpoint, start, err) }()

	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if err := e.failure(); err != nil {
		return err
	}

	e.state.Lock()
	defer e.state.Unlock()
	return e.checkpointLocked(context.Background())
}
