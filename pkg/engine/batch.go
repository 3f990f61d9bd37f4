package engine

import (
	"sync"
	"time"

	"github.com/KevoDB/regiondb/pkg/stats"
	"github.com/KevoDB/regiondb/pkg/trie"
	"github.com/KevoDB/regiondb/pkg/wal"
)

// Batch collects puts and deletes that commit atomically: after a crash
// either all of them are visible or none is. A batch is not safe for
// concurrent use and cannot be reused once committed or discarded.
type Batch struct {
	e *Engine

	mu   sync.Mutex
	ops  []wal.Op
	done bool
}

// NewBatch starts an empty batch.
func (e *Engine) NewBatch() *Batch {
	return &Batch{e: e}
}

// Put adds a put of value under key.
func (b *Batch) Put(key, value []byte) error {
	return b.add(wal.OpTypePut, UserKey, key, value)
}

// PutByHash adds a put under a 32-byte key.
func (b *Batch) PutByHash(hash, value []byte) error {
	return b.add(wal.OpTypePut, HashedKey, hash, value)
}

// Delete adds a delete of key. Deleting an absent key is not an error.
func (b *Batch) Delete(key []byte) error {
	return b.add(wal.OpTypeDelete, UserKey, key, nil)
}

// DeleteByHash adds a delete of a 32-byte key.
func (b *Batch) DeleteByHash(hash []byte) error {
	return b.add(wal.OpTypeDelete, HashedKey, hash, nil)
}

func (b *Batch) add(typ uint8, mode KeyMode, key, value []byte) error {
	ikey, err := IndexKey(mode, key)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return ErrBatchClosed
	}
	op := wal.Op{Type: typ, Mode: uint8(mode), IndexKey: ikey}
	if typ == wal.OpTypePut {
		op.Key = append([]byte(nil), key...)
		op.Value = append([]byte(nil), value...)
	}
	b.ops = append(b.ops, op)
	return nil
}

// Len returns the number of ops in the batch.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ops)
}

// Commit applies every op of the batch in order as one log record.
func (b *Batch) Commit() (err error) {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return ErrBatchClosed
	}
	b.done = true
	ops := b.ops
	b.ops = nil
	b.mu.Unlock()

	if len(ops) == 0 {
		return nil
	}

	e := b.e
	start := time.Now()
	defer func() { e.track(stats.OpBatch, start, err) }()

	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	keys := make([]trie.Key, len(ops))
	var bytes uint64
	for i := range ops {
		keys[i] = ops[i].IndexKey
		bytes += uint64(len(ops[i].Key) + len(ops[i].Value))
	}
	unlock, err := e.lockKeys(keys...)
	if err != nil {
		return err
	}
	defer unlock()

	if err := e.submit(ops); err != nil {
		return err
	}
	e.stats.TrackBytes(true, bytes)
	return nil
}

// Discard drops the batch without applying anything.
func (b *Batch) Discard() {
	b.mu.Lock()
	b.done = true
	b.ops = nil
	b.mu.Unlock()
}
