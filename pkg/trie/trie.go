// Package trie implements the hashed index: a 16-way trie over 32-byte
// index keys, stored in node-space regions.
//
// A node is 16 little-endian slots of 8 bytes. A slot is empty (0), the
// address of a child node, or the address of a leaf with the low bit set.
// Node and leaf addresses are allocation-unit aligned so the low bit is free.
// A leaf records the full index key and the location of its data block:
//
//	key(32) addr(8) size(8) space(1) reserved(11) magic(4)
//
// Every node other than the root has at least two leaves below it; removal
// collapses nodes that would break this. The trie is not safe for concurrent
// mutation; callers serialize writers against readers.
package trie

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/KevoDB/regiondb/pkg/common/log"
	"github.com/KevoDB/regiondb/pkg/common/status"
	"github.com/KevoDB/regiondb/pkg/region"
)

const (
	// KeySize is the width of an index key.
	KeySize = 32
	// Fanout is the number of slots per node.
	Fanout = 16
	// NodeSize and LeafSize are the record sizes before allocation rounding.
	NodeSize = Fanout * 8
	LeafSize = 64

	maxDepth  = KeySize * 2
	leafTag   = 1
	leafMagic = 0x464c5254 // "TRLF"

	minFilterCap = 1 << 16
	filterFP     = 0.01
)

// ErrStale is returned by Update when the key no longer points at the
// expected location.
var ErrStale = errors.New("index entry changed")

// Key is a 32-byte index key.
type Key [KeySize]byte

func (k Key) nibble(depth int) int {
	b := k[depth/2]
	if depth%2 == 0 {
		return int(b >> 4)
	}
	return int(b & 0x0f)
}

// Location identifies a data block: the data space it lives in, its address,
// and its allocated length.
type Location struct {
	Space uint8  `json:"space"`
	Addr  uint64 `json:"addr"`
	Size  uint64 `json:"size"`
}

// LocationSize is the length of an encoded Location.
const LocationSize = 17

// Encode returns the fixed-width encoding of l.
func (l Location) Encode() []byte {
	buf := make([]byte, LocationSize)
	buf[0] = l.Space
	binary.LittleEndian.PutUint64(buf[1:9], l.Addr)
	binary.LittleEndian.PutUint64(buf[9:17], l.Size)
	return buf
}

// DecodeLocation parses a Location produced by Encode.
func DecodeLocation(b []byte) (Location, error) {
	if len(b) != LocationSize {
		return Location{}, fmt.Errorf("%w: location of %d bytes", status.ErrInvalidArgument, len(b))
	}
	return Location{
		Space: b[0],
		Addr:  binary.LittleEndian.Uint64(b[1:9]),
		Size:  binary.LittleEndian.Uint64(b[9:17]),
	}, nil
}

// Trie is the hashed index rooted at a fixed node.
type Trie struct {
	space  *region.Space
	root   uint64
	logger log.Logger

	count     uint64
	filter    *bloom.BloomFilter
	filterCap uint
	// adds counts filter insertions since the last rebuild. Removes never
	// clear bits, so churn fills the filter even when count holds steady.
	adds uint
}

// Create allocates an empty root node and returns its address.
func Create(space *region.Space) (uint64, error) {
	t := &Trie{space: space}
	return t.newNode()
}

// Open loads the trie rooted at root and rebuilds its miss filter.
func Open(space *region.Space, root uint64, logger log.Logger) (*Trie, error) {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	if root == 0 {
		return nil, fmt.Errorf("%w: nil trie root", status.ErrCorruption)
	}
	t := &Trie{
		space:  space,
		root:   root,
		logger: logger.WithField("component", "trie"),
	}
	if err := t.RebuildFilter(); err != nil {
		return nil, err
	}
	return t, nil
}

// Root returns the address of the root node.
func (t *Trie) Root() uint64 { return t.root }

// Len returns the number of keys in the index.
func (t *Trie) Len() uint64 { return t.count }

// RebuildFilter recounts the keys and rebuilds the miss filter with room
// for twice as many.
func (t *Trie) RebuildFilter() error {
	var keys []Key
	if err := t.Walk(func(k Key, _ Location) error {
		keys = append(keys, k)
		return nil
	}); err != nil {
		return err
	}

	t.filterCap = uint(max(minFilterCap, 2*len(keys)))
	t.filter = bloom.NewWithEstimates(t.filterCap, filterFP)
	for i := range keys {
		t.filter.Add(keys[i][:])
	}
	t.count = uint64(len(keys))
	t.adds = uint(len(keys))
	t.logger.Debug("rebuilt miss filter for %d keys", len(keys))
	return nil
}

// Lookup returns the location stored for key.
func (t *Trie) Lookup(key Key) (Location, bool, error) {
	if !t.filter.Test(key[:]) {
		return Location{}, false, nil
	}

	addr := t.root
	for depth := 0; depth < maxDepth; depth++ {
		slot, err := t.readSlot(addr, key.nibble(depth))
		if err != nil {
			return Location{}, false, err
		}
		switch {
		case slot == 0:
			return Location{}, false, nil
		case slot&leafTag != 0:
			k, loc, err := t.readLeaf(slot &^ leafTag)
			if err != nil {
				return Location{}, false, err
			}
			return loc, k == key, nil
		default:
			addr = slot
		}
	}
	return Location{}, false, t.tooDeep(key)
}

// Insert maps key to loc. If key was present its previous location is
// returned and the leaf is updated in place.
func (t *Trie) Insert(key Key, loc Location) (Location, bool, error) {
	addr := t.root
	for depth := 0; depth < maxDepth; depth++ {
		i := key.nibble(depth)
		slot, err := t.readSlot(addr, i)
		if err != nil {
			return Location{}, false, err
		}

		switch {
		case slot == 0:
			leaf, err := t.newLeaf(key, loc)
			if err != nil {
				return Location{}, false, err
			}
			if err := t.writeSlot(addr, i, leaf|leafTag); err != nil {
				return Location{}, false, err
			}
			return Location{}, false, t.added(key)

		case slot&leafTag != 0:
			other, prev, err := t.readLeaf(slot &^ leafTag)
			if err != nil {
				return Location{}, false, err
			}
			if other == key {
				return prev, true, t.writeLeaf(slot&^leafTag, key, loc)
			}

			leaf, err := t.newLeaf(key, loc)
			if err != nil {
				return Location{}, false, err
			}
			sub, err := t.split(depth+1, other, slot, key, leaf|leafTag)
			if err != nil {
				return Location{}, false, err
			}
			if err := t.writeSlot(addr, i, sub); err != nil {
				return Location{}, false, err
			}
			return Location{}, false, t.added(key)

		default:
			addr = slot
		}
	}
	return Location{}, false, t.tooDeep(key)
}

// split builds the chain of nodes that separates two leaves whose keys
// agree on every nibble before depth.
func (t *Trie) split(depth int, ka Key, sa uint64, kb Key, sb uint64) (uint64, error) {
	if depth >= maxDepth {
		return 0, t.tooDeep(ka)
	}
	node, err := t.newNode()
	if err != nil {
		return 0, err
	}

	na, nb := ka.nibble(depth), kb.nibble(depth)
	if na != nb {
		if err := t.writeSlot(node, na, sa); err != nil {
			return 0, err
		}
		return node, t.writeSlot(node, nb, sb)
	}

	child, err := t.split(depth+1, ka, sa, kb, sb)
	if err != nil {
		return 0, err
	}
	return node, t.writeSlot(node, na, child)
}

func (t *Trie) added(key Key) error {
	t.count++
	t.filter.Add(key[:])
	t.adds++
	if t.adds > t.filterCap {
		return t.RebuildFilter()
	}
	return nil
}

// Update repoints key from old to loc. It fails with ErrStale when key is
// absent or no longer maps to old.
func (t *Trie) Update(key Key, old, loc Location) error {
	leaf, cur, err := t.find(key)
	if err != nil {
		return err
	}
	if leaf == 0 || cur != old {
		return ErrStale
	}
	return t.writeLeaf(leaf, key, loc)
}

func (t *Trie) find(key Key) (uint64, Location, error) {
	addr := t.root
	for depth := 0; depth < maxDepth; depth++ {
		slot, err := t.readSlot(addr, key.nibble(depth))
		if err != nil {
			return 0, Location{}, err
		}
		switch {
		case slot == 0:
			return 0, Location{}, nil
		case slot&leafTag != 0:
			k, loc, err := t.readLeaf(slot &^ leafTag)
			if err != nil || k != key {
				return 0, Location{}, err
			}
			return slot &^ leafTag, loc, nil
		default:
			addr = slot
		}
	}
	return 0, Location{}, t.tooDeep(key)
}

type step struct {
	node uint64
	idx  int
}

// Remove deletes key and returns the location it mapped to.
func (t *Trie) Remove(key Key) (Location, bool, error) {
	if !t.filter.Test(key[:]) {
		return Location{}, false, nil
	}

	var path []step
	addr := t.root
	for depth := 0; depth < maxDepth; depth++ {
		i := key.nibble(depth)
		slot, err := t.readSlot(addr, i)
		if err != nil {
			return Location{}, false, err
		}
		path = append(path, step{node: addr, idx: i})

		switch {
		case slot == 0:
			return Location{}, false, nil
		case slot&leafTag != 0:
			k, loc, err := t.readLeaf(slot &^ leafTag)
			if err != nil {
				return Location{}, false, err
			}
			if k != key {
				return Location{}, false, nil
			}
			if err := t.writeSlot(addr, i, 0); err != nil {
				return Location{}, false, err
			}
			if err := t.space.Free(slot&^leafTag, LeafSize); err != nil {
				return Location{}, false, err
			}
			t.count--
			return loc, true, t.collapse(path)
		default:
			addr = slot
		}
	}
	return Location{}, false, t.tooDeep(key)
}

// collapse walks path bottom-up freeing nodes that became empty and lifting
// lone leaves into their parent. The root is never collapsed.
func (t *Trie) collapse(path []step) error {
	for j := len(path) - 1; j >= 1; j-- {
		slots, err := t.readNode(path[j].node)
		if err != nil {
			return err
		}

		var n int
		var only uint64
		for _, s := range slots {
			if s != 0 {
				n++
				only = s
			}
		}

		var lifted uint64
		switch {
		case n == 0:
		case n == 1 && only&leafTag != 0:
			lifted = only
		default:
			return nil
		}

		if err := t.space.Free(path[j].node, NodeSize); err != nil {
			return err
		}
		if err := t.writeSlot(path[j-1].node, path[j-1].idx, lifted); err != nil {
			return err
		}
	}
	return nil
}

// Walk calls fn for every key in ascending order.
func (t *Trie) Walk(fn func(Key, Location) error) error {
	it := t.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if err := fn(it.IndexKey(), it.Location()); err != nil {
			return err
		}
	}
	return it.Err()
}

func (t *Trie) tooDeep(key Key) error {
	return fmt.Errorf("%w: trie path for %x exceeds key length", status.ErrCorruption, key[:])
}

func (t *Trie) newNode() (uint64, error) {
	addr, err := t.space.Alloc(NodeSize)
	if err != nil {
		return 0, err
	}
	var zero [NodeSize]byte
	return addr, t.space.WriteAt(addr, zero[:])
}

func (t *Trie) readNode(addr uint64) ([Fanout]uint64, error) {
	var buf [NodeSize]byte
	var slots [Fanout]uint64
	if err := t.space.ReadAt(addr, buf[:]); err != nil {
		return slots, err
	}
	for i := range slots {
		slots[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	return slots, nil
}

func (t *Trie) readSlot(node uint64, i int) (uint64, error) {
	var buf [8]byte
	if err := t.space.ReadAt(node+uint64(i)*8, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (t *Trie) writeSlot(node uint64, i int, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return t.space.WriteAt(node+uint64(i)*8, buf[:])
}

func (t *Trie) newLeaf(key Key, loc Location) (uint64, error) {
	addr, err := t.space.Alloc(LeafSize)
	if err != nil {
		return 0, err
	}
	return addr, t.writeLeaf(addr, key, loc)
}

func (t *Trie) writeLeaf(addr uint64, key Key, loc Location) error {
	var buf [LeafSize]byte
	copy(buf[:KeySize], key[:])
	binary.LittleEndian.PutUint64(buf[32:40], loc.Addr)
	binary.LittleEndian.PutUint64(buf[40:48], loc.Size)
	buf[48] = loc.Space
	binary.LittleEndian.PutUint32(buf[60:64], leafMagic)
	return t.space.WriteAt(addr, buf[:])
}

func (t *Trie) readLeaf(addr uint64) (Key, Location, error) {
	var buf [LeafSize]byte
	var key Key
	if err := t.space.ReadAt(addr, buf[:]); err != nil {
		return key, Location{}, err
	}
	if binary.LittleEndian.Uint32(buf[60:64]) != leafMagic {
		return key, Location{}, fmt.Errorf("%w: bad trie leaf at %d", status.ErrCorruption, addr)
	}
	copy(key[:], buf[:KeySize])
	return key, Location{
		Addr:  binary.LittleEndian.Uint64(buf[32:40]),
		Size:  binary.LittleEndian.Uint64(buf[40:48]),
		Space: buf[48],
	}, nil
}
