// Package blockstore stores values as checksummed data blocks in two
// region spaces: uncompressed blocks in the data-block space and compressed
// blocks in the compressed-data space.
package blockstore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/KevoDB/regiondb/pkg/common/log"
	"github.com/KevoDB/regiondb/pkg/common/status"
	"github.com/KevoDB/regiondb/pkg/region"
	"github.com/KevoDB/regiondb/pkg/stats"
	"github.com/KevoDB/regiondb/pkg/trie"
)

// Space ids recorded in trie locations.
const (
	SpaceBlk uint8 = iota
	SpaceComp
	numSpaces
)

// Options configures a Store.
type Options struct {
	Blk       *region.Space
	Comp      *region.Space
	Codec     Codec
	Threshold int // values shorter than this are never compressed
	Stats     stats.Collector
	Logger    log.Logger
}

// Store reads and writes data blocks.
//
// Blocks handed out as zero-copy views are pinned. Freeing a pinned block
// is deferred until its last pin is dropped.
type Store struct {
	spaces    [numSpaces]*region.Space
	codec     Codec
	threshold int
	comp      *Compressor
	stats     stats.Collector
	logger    log.Logger

	mu       sync.Mutex
	pins     map[trie.Location]int
	deferred map[trie.Location]struct{}
	cursors  [numSpaces]uint64
}

// New creates a block store over the two data spaces.
func New(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = log.GetDefaultLogger()
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewAtomicCollector()
	}
	comp, err := NewCompressor()
	if err != nil {
		return nil, err
	}
	return &Store{
		spaces:    [numSpaces]*region.Space{opts.Blk, opts.Comp},
		codec:     opts.Codec,
		threshold: opts.Threshold,
		comp:      comp,
		stats:     opts.Stats,
		logger:    opts.Logger.WithField("component", "blockstore"),
		pins:      make(map[trie.Location]int),
		deferred:  make(map[trie.Location]struct{}),
	}, nil
}

// Space returns the region space with the given id.
func (s *Store) Space(id uint8) *region.Space {
	return s.spaces[id]
}

func (s *Store) space(loc trie.Location) (*region.Space, error) {
	if loc.Space >= numSpaces || loc.Addr == 0 || loc.Size < HeaderSize {
		return nil, fmt.Errorf("%w: invalid block location %+v", status.ErrCorruption, loc)
	}
	return s.spaces[loc.Space], nil
}

// Encoded is a block ready to be written, together with the space it
// belongs in.
type Encoded struct {
	Space uint8
	Codec Codec
	Data  []byte
}

// Encode builds the block for key and value, compressing the value when a
// codec is configured, the value is long enough, and compression pays off.
func (s *Store) Encode(key []byte, mode uint8, value []byte) (*Encoded, error) {
	if s.codec != CodecNone && len(value) >= s.threshold && len(value) > 0 {
		stored, err := s.comp.Compress(value, s.codec)
		if err != nil {
			return nil, err
		}
		if len(stored) < len(value) {
			s.stats.Add(stats.BlocksCompressed, 1)
			return &Encoded{
				Space: SpaceComp,
				Codec: s.codec,
				Data:  encodeBlock(s.codec, mode, key, len(value), stored),
			}, nil
		}
	}
	return &Encoded{
		Space: SpaceBlk,
		Codec: CodecNone,
		Data:  encodeBlock(CodecNone, mode, key, len(value), value),
	}, nil
}

// Write allocates room for enc and copies it in.
func (s *Store) Write(enc *Encoded) (trie.Location, error) {
	sp := s.spaces[enc.Space]
	addr, err := sp.Alloc(uint64(len(enc.Data)))
	if err != nil {
		return trie.Location{}, err
	}
	if err := sp.WriteAt(addr, enc.Data); err != nil {
		sp.Free(addr, uint64(len(enc.Data)))
		return trie.Location{}, err
	}
	return trie.Location{Space: enc.Space, Addr: addr, Size: uint64(len(enc.Data))}, nil
}

// Put encodes and writes a block.
func (s *Store) Put(key []byte, mode uint8, value []byte) (trie.Location, error) {
	enc, err := s.Encode(key, mode, value)
	if err != nil {
		return trie.Location{}, err
	}
	return s.Write(enc)
}

// Block is a decoded data block.
type Block struct {
	Header
	Key   []byte
	Value []byte
}

func (s *Store) readRaw(loc trie.Location) ([]byte, Header, error) {
	sp, err := s.space(loc)
	if err != nil {
		return nil, Header{}, err
	}
	buf := make([]byte, loc.Size)
	if err := sp.ReadAt(loc.Addr, buf); err != nil {
		return nil, Header{}, err
	}
	h, err := verify(buf, loc.Addr)
	if err != nil {
		return nil, Header{}, err
	}
	return buf, h, nil
}

// Load reads, verifies, and decompresses the block at loc.
func (s *Store) Load(loc trie.Location) (*Block, error) {
	buf, h, err := s.readRaw(loc)
	if err != nil {
		return nil, err
	}
	keyEnd := HeaderSize + int(h.KeyLen)
	value, err := s.comp.Decompress(buf[keyEnd:], h.Codec, int(h.RawLen))
	if err != nil {
		return nil, fmt.Errorf("block at %d: %w", loc.Addr, err)
	}
	return &Block{Header: h, Key: buf[HeaderSize:keyEnd], Value: value}, nil
}

// ReadHeader reads only the fixed header of the block at loc.
func (s *Store) ReadHeader(loc trie.Location) (Header, error) {
	sp, err := s.space(loc)
	if err != nil {
		return Header{}, err
	}
	var buf [HeaderSize]byte
	if err := sp.ReadAt(loc.Addr, buf[:]); err != nil {
		return Header{}, err
	}
	return decodeHeader(buf[:], loc.Addr)
}

// View returns the value of an uncompressed block that lies in a single
// region without copying it. The block stays pinned until Unpin. ok is
// false when the block cannot be viewed in place; nothing is pinned then.
func (s *Store) View(loc trie.Location) (value []byte, pin *region.Region, ok bool, err error) {
	if loc.Space != SpaceBlk {
		return nil, nil, false, nil
	}
	sp, err := s.space(loc)
	if err != nil {
		return nil, nil, false, err
	}
	geo := sp.Geometry()
	if geo.RegionOf(loc.Addr) != geo.RegionOf(loc.Addr+loc.Size-1) {
		return nil, nil, false, nil
	}

	buf, r, err := sp.View(loc.Addr, int(loc.Size))
	if err != nil {
		return nil, nil, false, err
	}
	h, err := verify(buf, loc.Addr)
	if err != nil || h.Codec != CodecNone {
		sp.Unpin(r)
		return nil, nil, false, err
	}

	s.mu.Lock()
	s.pins[loc]++
	s.mu.Unlock()
	return buf[HeaderSize+int(h.KeyLen):], r, true, nil
}

// Unpin drops a pin taken by View. It reports whether a deferred free was
// carried out.
func (s *Store) Unpin(loc trie.Location, r *region.Region) (bool, error) {
	sp := s.spaces[loc.Space]
	sp.Unpin(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[loc]--
	if s.pins[loc] > 0 {
		return false, nil
	}
	delete(s.pins, loc)
	if _, ok := s.deferred[loc]; !ok {
		return false, nil
	}
	delete(s.deferred, loc)
	return true, sp.Free(loc.Addr, loc.Size)
}

// Pinned reports whether loc is currently viewed.
func (s *Store) Pinned(loc trie.Location) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins[loc] > 0
}

// Free releases the block at loc. If the block is pinned the space is kept
// until the last pin goes away and deferred is true.
func (s *Store) Free(loc trie.Location) (deferred bool, err error) {
	sp, err := s.space(loc)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	if s.pins[loc] > 0 {
		s.deferred[loc] = struct{}{}
		s.mu.Unlock()
		s.stats.Add(stats.DeferredFrees, 1)
		return true, nil
	}
	s.mu.Unlock()
	return false, sp.Free(loc.Addr, loc.Size)
}

// Deferred returns the blocks whose free waits on a pin, in address order.
func (s *Store) Deferred() []trie.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]trie.Location, 0, len(s.deferred))
	for loc := range s.deferred {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Space != out[j].Space {
			return out[i].Space < out[j].Space
		}
		return out[i].Addr < out[j].Addr
	})
	return out
}

// Rewrite replaces the value of an uncompressed block with one of the same
// length, keeping its location.
func (s *Store) Rewrite(loc trie.Location, value []byte) error {
	buf, h, err := s.readRaw(loc)
	if err != nil {
		return err
	}
	if h.Codec != CodecNone || int(h.RawLen) != len(value) {
		return fmt.Errorf("%w: block at %d cannot be rewritten in place", status.ErrInvalidArgument, loc.Addr)
	}
	copy(buf[HeaderSize+int(h.KeyLen):], value)
	seal(buf)
	return s.spaces[loc.Space].WriteAt(loc.Addr, buf)
}

// Cursors returns the compaction cursor of each space.
func (s *Store) Cursors() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.cursors[:]...)
}

// SetCursors restores compaction cursors saved by Cursors.
func (s *Store) SetCursors(c []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.cursors[:], c)
}

// Close releases the compressor.
func (s *Store) Close() error {
	return s.comp.Close()
}
