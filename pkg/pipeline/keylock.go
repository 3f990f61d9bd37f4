package pipeline

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/KevoDB/regiondb/pkg/trie"
)

// KeyLocks serializes writers per index key. Entries exist only while a key
// is held or waited on.
type KeyLocks struct {
	mu    sync.Mutex
	locks map[trie.Key]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyLocks creates an empty lock table.
func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: make(map[trie.Key]*keyLock)}
}

// Lock acquires every key in ascending order, so two callers locking
// overlapping sets cannot deadlock. Duplicate keys are locked once. If ctx
// ends first, the keys already taken are released and ErrStageFull is
// returned for a deadline, ctx.Err() otherwise.
func (l *KeyLocks) Lock(ctx context.Context, keys ...trie.Key) (unlock func(), err error) {
	sorted := make([]trie.Key, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i][:], sorted[j][:]) < 0 })

	held := make([]trie.Key, 0, len(sorted))
	for i, k := range sorted {
		if i > 0 && k == sorted[i-1] {
			continue
		}
		if err := l.lock(ctx, k); err != nil {
			l.unlock(held)
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, ErrStageFull
			}
			return nil, err
		}
		held = append(held, k)
	}

	var once sync.Once
	return func() { once.Do(func() { l.unlock(held) }) }, nil
}

func (l *KeyLocks) lock(ctx context.Context, k trie.Key) error {
	l.mu.Lock()
	kl, ok := l.locks[k]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[k] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		l.release(k, kl)
		l.mu.Unlock()
		return ctx.Err()
	}
}

func (l *KeyLocks) unlock(keys []trie.Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		kl := l.locks[k]
		<-kl.ch
		l.release(k, kl)
	}
}

func (l *KeyLocks) release(k trie.Key, kl *keyLock) {
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, k)
	}
}

// Len returns the number of keys currently held or waited on.
func (l *KeyLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
