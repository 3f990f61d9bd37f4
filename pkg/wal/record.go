package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/KevoDB/regiondb/pkg/common/status"
	"github.com/KevoDB/regiondb/pkg/trie"
)

// Operation types
const (
	OpTypePut    = 1
	OpTypeDelete = 2
	// OpTypeModify is a same-length rewrite of an existing value.
	OpTypeModify = 3
)

// Op is one mutation inside a record.
type Op struct {
	Type     uint8
	Mode     uint8
	IndexKey trie.Key
	Key      []byte
	Value    []byte
}

// Record is the unit of atomicity in the log: every op of a record is
// replayed or none is.
type Record struct {
	LSN uint64
	Ops []Op
}

const (
	recordHeaderSize = 8 + 4
	opFixedSize      = 1 + 1 + trie.KeySize + 4 + 4
)

// EncodedSize returns the length of the record payload.
func (r *Record) EncodedSize() int {
	n := recordHeaderSize
	for i := range r.Ops {
		n += opFixedSize + len(r.Ops[i].Key) + len(r.Ops[i].Value)
	}
	return n
}

// Encode serializes the record payload:
//
//	lsn(8) count(4) { type(1) mode(1) ikey(32) keyLen(4) key valLen(4) value }*
func (r *Record) Encode() []byte {
	buf := make([]byte, r.EncodedSize())
	binary.LittleEndian.PutUint64(buf[0:8], r.LSN)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(r.Ops)))
	off := recordHeaderSize
	for i := range r.Ops {
		op := &r.Ops[i]
		buf[off] = op.Type
		buf[off+1] = op.Mode
		off += 2
		off += copy(buf[off:], op.IndexKey[:])
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(op.Key)))
		off += 4
		off += copy(buf[off:], op.Key)
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(op.Value)))
		off += 4
		off += copy(buf[off:], op.Value)
	}
	return buf
}

// DecodeRecord parses a payload produced by Encode.
func DecodeRecord(buf []byte) (*Record, error) {
	if len(buf) < recordHeaderSize {
		return nil, fmt.Errorf("%w: record of %d bytes", status.ErrCorruption, len(buf))
	}
	r := &Record{LSN: binary.LittleEndian.Uint64(buf[0:8])}
	count := binary.LittleEndian.Uint32(buf[8:12])
	off := recordHeaderSize

	take := func(n int) ([]byte, error) {
		if n < 0 || off+n > len(buf) {
			return nil, fmt.Errorf("%w: record %d truncated", status.ErrCorruption, r.LSN)
		}
		b := buf[off : off+n]
		off += n
		return b, nil
	}

	for i := uint32(0); i < count; i++ {
		fixed, err := take(2 + trie.KeySize + 4)
		if err != nil {
			return nil, err
		}
		op := Op{Type: fixed[0], Mode: fixed[1]}
		if op.Type < OpTypePut || op.Type > OpTypeModify {
			return nil, fmt.Errorf("%w: record %d has op type %d", status.ErrCorruption, r.LSN, op.Type)
		}
		copy(op.IndexKey[:], fixed[2:2+trie.KeySize])

		keyLen := int(binary.LittleEndian.Uint32(fixed[2+trie.KeySize:]))
		if op.Key, err = take(keyLen); err != nil {
			return nil, err
		}
		lenBuf, err := take(4)
		if err != nil {
			return nil, err
		}
		if op.Value, err = take(int(binary.LittleEndian.Uint32(lenBuf))); err != nil {
			return nil, err
		}
		r.Ops = append(r.Ops, op)
	}
	if off != len(buf) {
		return nil, fmt.Errorf("%w: record %d has %d trailing bytes", status.ErrCorruption, r.LSN, len(buf)-off)
	}
	return r, nil
}
