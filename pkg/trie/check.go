package trie

import (
	"fmt"

	"github.com/KevoDB/regiondb/pkg/common/status"
)

// CheckResult summarizes a structural check of the trie.
type CheckResult struct {
	Nodes  uint64
	Leaves uint64
	// Bytes is the node-space footprint of all nodes and leaves.
	Bytes uint64
}

// Check verifies the shape of the trie: every leaf sits on the path spelled
// by its key, every record is allocated, and every non-root node has at
// least two leaves below it. visit is called for each leaf in key order.
func (t *Trie) Check(visit func(Key, Location) error) (CheckResult, error) {
	var res CheckResult
	alloc := t.space.Allocator()
	nodeBytes, leafBytes := alloc.Footprint(NodeSize), alloc.Footprint(LeafSize)

	var walk func(addr uint64, depth int, prefix Key) (uint64, error)
	walk = func(addr uint64, depth int, prefix Key) (uint64, error) {
		if alloc.IsFree(addr, NodeSize) {
			return 0, fmt.Errorf("%w: trie node %d is in free space", status.ErrCorruption, addr)
		}
		res.Nodes++
		res.Bytes += nodeBytes

		slots, err := t.readNode(addr)
		if err != nil {
			return 0, err
		}

		var leaves uint64
		for i, slot := range slots {
			if slot == 0 {
				continue
			}
			p := prefix
			setNibble(&p, depth, i)

			if slot&leafTag == 0 {
				if depth+1 >= maxDepth {
					return 0, fmt.Errorf("%w: trie node %d below the last nibble", status.ErrCorruption, slot)
				}
				n, err := walk(slot, depth+1, p)
				if err != nil {
					return 0, err
				}
				leaves += n
				continue
			}

			leaf := slot &^ leafTag
			if alloc.IsFree(leaf, LeafSize) {
				return 0, fmt.Errorf("%w: trie leaf %d is in free space", status.ErrCorruption, leaf)
			}
			k, loc, err := t.readLeaf(leaf)
			if err != nil {
				return 0, err
			}
			if !hasPrefix(k, p, depth+1) {
				return 0, fmt.Errorf("%w: leaf %x stored under the wrong path", status.ErrCorruption, k[:])
			}
			res.Leaves++
			res.Bytes += leafBytes
			leaves++
			if visit != nil {
				if err := visit(k, loc); err != nil {
					return 0, err
				}
			}
		}

		if depth > 0 && leaves < 2 {
			return 0, fmt.Errorf("%w: trie node %d holds %d leaves", status.ErrCorruption, addr, leaves)
		}
		return leaves, nil
	}

	if _, err := walk(t.root, 0, Key{}); err != nil {
		return res, err
	}
	if res.Leaves != t.count {
		return res, fmt.Errorf("%w: trie holds %d leaves, counted %d", status.ErrCorruption, res.Leaves, t.count)
	}
	return res, nil
}

func setNibble(k *Key, depth, v int) {
	if depth%2 == 0 {
		k[depth/2] = k[depth/2]&0x0f | byte(v)<<4
	} else {
		k[depth/2] = k[depth/2]&0xf0 | byte(v)
	}
}

func hasPrefix(k, p Key, nibbles int) bool {
	for d := 0; d < nibbles; d++ {
		if k.nibble(d) != p.nibble(d) {
			return false
		}
	}
	return true
}
