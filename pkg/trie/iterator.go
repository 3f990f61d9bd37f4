package trie

import (
	"bytes"
)

type frame struct {
	slots [Fanout]uint64
	depth int
	next  int
	// bound is set while the frame lies on the path of the seek target.
	bound bool
}

// Iterator walks the index in ascending key order. It reads node slots
// when it enters a node, so the trie must not change while it is in use.
type Iterator struct {
	t      *Trie
	stack  []frame
	target Key

	key   Key
	loc   Location
	valid bool
	err   error
}

// NewIterator returns an unpositioned iterator.
func (t *Trie) NewIterator() *Iterator {
	return &Iterator{t: t, stack: make([]frame, 0, 8)}
}

// SeekToFirst positions the iterator at the smallest key.
func (it *Iterator) SeekToFirst() {
	it.seek(Key{}, false)
}

// Seek positions the iterator at the first key >= target.
func (it *Iterator) Seek(target []byte) bool {
	var k Key
	copy(k[:], target)
	it.seek(k, true)
	// A target longer than a key sorts after the key equal to its prefix.
	if len(target) > KeySize && it.valid && it.key == k {
		it.Next()
	}
	return it.valid
}

func (it *Iterator) seek(target Key, bound bool) {
	it.stack = it.stack[:0]
	it.target = target
	it.valid = false
	it.err = nil
	if err := it.push(it.t.root, 0, bound); err != nil {
		it.fail(err)
		return
	}
	it.advance()
}

// Next moves to the following key.
func (it *Iterator) Next() bool {
	if !it.valid {
		return false
	}
	it.advance()
	return it.valid
}

func (it *Iterator) push(addr uint64, depth int, bound bool) error {
	slots, err := it.t.readNode(addr)
	if err != nil {
		return err
	}
	f := frame{slots: slots, depth: depth, bound: bound}
	if bound {
		f.next = it.target.nibble(depth)
	}
	it.stack = append(it.stack, f)
	return nil
}

func (it *Iterator) advance() {
	for len(it.stack) > 0 {
		f := &it.stack[len(it.stack)-1]
		if f.next >= Fanout {
			it.stack = it.stack[:len(it.stack)-1]
			continue
		}
		i := f.next
		f.next++
		slot := f.slots[i]
		if slot == 0 {
			continue
		}
		onPath := f.bound && i == it.target.nibble(f.depth)
		depth := f.depth

		if slot&leafTag == 0 {
			if err := it.push(slot, depth+1, onPath); err != nil {
				it.fail(err)
				return
			}
			continue
		}

		k, loc, err := it.t.readLeaf(slot &^ leafTag)
		if err != nil {
			it.fail(err)
			return
		}
		if onPath && bytes.Compare(k[:], it.target[:]) < 0 {
			continue
		}
		it.key, it.loc, it.valid = k, loc, true
		return
	}
	it.valid = false
}

func (it *Iterator) fail(err error) {
	it.err = err
	it.valid = false
	it.stack = it.stack[:0]
}

// Valid reports whether the iterator is positioned at a key.
func (it *Iterator) Valid() bool { return it.valid }

// Key returns the current index key. The slice is only valid until the next
// call that moves the iterator.
func (it *Iterator) Key() []byte {
	if !it.valid {
		return nil
	}
	return it.key[:]
}

// Value returns the encoded location of the current key.
func (it *Iterator) Value() []byte {
	if !it.valid {
		return nil
	}
	return it.loc.Encode()
}

// IndexKey returns the current key.
func (it *Iterator) IndexKey() Key { return it.key }

// Location returns the current location.
func (it *Iterator) Location() Location { return it.loc }

// Err returns the error that stopped the iteration.
func (it *Iterator) Err() error { return it.err }
