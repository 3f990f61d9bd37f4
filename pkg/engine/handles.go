package engine

import (
	"sync"
	"time"

	"github.com/KevoDB/regiondb/pkg/region"
	"github.com/KevoDB/regiondb/pkg/stats"
	"github.com/KevoDB/regiondb/pkg/trie"
	"github.com/KevoDB/regiondb/pkg/wal"
)

// Description reports where a handle's value lives.
type Description struct {
	Space uint8
	Addr  uint64
	// Size is the value length in bytes.
	Size int
	// ZeroCopy is set when the handle reads the block in place.
	ZeroCopy bool
}

// ValueRef is a read handle. Its bytes stay valid and unchanged until
// Release, even if the key is overwritten or deleted meanwhile. Every handle
// must be released; Close waits for them.
type ValueRef struct {
	e *Engine

	mu       sync.Mutex
	loc      trie.Location
	value    []byte
	pin      *region.Region
	released bool
}

// Bytes returns the value. The slice must not be modified and must not be
// used after Release. It is nil once the handle is released.
func (r *ValueRef) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value
}

// Len returns the value length, or zero after Release.
func (r *ValueRef) Len() int {
	return len(r.Bytes())
}

// Describe reports the location and size of the value.
func (r *ValueRef) Describe() (Description, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return Description{}, ErrHandleReleased
	}
	return Description{
		Space:    r.loc.Space,
		Addr:     r.loc.Addr,
		Size:     len(r.value),
		ZeroCopy: r.pin != nil,
	}, nil
}

// Release gives the handle up. Releasing twice is a no-op.
func (r *ValueRef) Release() error {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return nil
	}
	r.released = true
	pin := r.pin
	r.value, r.pin = nil, nil
	r.mu.Unlock()

	var err error
	if pin != nil {
		r.e.state.RLock()
		_, err = r.e.blocks.Unpin(r.loc, pin)
		r.e.state.RUnlock()
	}
	r.e.releaseHandle()
	return err
}

// ValueMut is a write handle. It holds its key exclusively until Release,
// so writes to the key from other goroutines wait for it.
type ValueMut struct {
	e *Engine

	mu       sync.Mutex
	ikey     trie.Key
	mode     KeyMode
	key      []byte
	value    []byte
	loc      trie.Location
	unlock   func()
	released bool
}

// Bytes returns the current value. The slice must not be modified; use
// ModifyInPlace or Replace. It is nil once the handle is released.
func (m *ValueMut) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

// Len returns the value length, or zero after Release.
func (m *ValueMut) Len() int {
	return len(m.Bytes())
}

// Describe reports the location and size of the value.
func (m *ValueMut) Describe() (Description, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return Description{}, ErrHandleReleased
	}
	return Description{Space: m.loc.Space, Addr: m.loc.Addr, Size: len(m.value)}, nil
}

// ModifyInPlace lets fn edit the value and commits the result durably. fn
// receives a copy whose length cannot change; if fn fails nothing is
// written.
func (m *ValueMut) ModifyInPlace(fn func(value []byte) error) (err error) {
	start := time.Now()
	defer func() { m.e.track(stats.OpModify, start, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return ErrHandleReleased
	}

	buf := append([]byte(nil), m.value...)
	buf = buf[:len(buf):len(buf)]
	if err := fn(buf); err != nil {
		return err
	}
	if err := m.commit(wal.OpTypeModify, buf); err != nil {
		return err
	}
	m.value = buf
	return nil
}

// Replace stores value as the key's new value. The length may differ.
func (m *ValueMut) Replace(value []byte) (err error) {
	start := time.Now()
	defer func() { m.e.track(stats.OpReplace, start, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return ErrHandleReleased
	}

	value = append([]byte(nil), value...)
	if err := m.commit(wal.OpTypePut, value); err != nil {
		return err
	}
	m.value = value
	return nil
}

// commit submits one op for the handle's key. The key lock is already held.
func (m *ValueMut) commit(typ uint8, value []byte) error {
	e := m.e
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	err := e.submit([]wal.Op{{
		Type:     typ,
		Mode:     uint8(m.mode),
		IndexKey: m.ikey,
		Key:      m.key,
		Value:    value,
	}})
	if err != nil {
		return err
	}
	e.stats.TrackBytes(true, uint64(len(value)))

	e.state.RLock()
	loc, ok, err := e.index.Lookup(m.ikey)
	e.state.RUnlock()
	if err == nil && ok {
		m.loc = loc
	}
	return err
}

// Release gives the handle and its key lock up. Releasing twice is a no-op.
func (m *ValueMut) Release() error {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return nil
	}
	m.released = true
	m.value = nil
	unlock := m.unlock
	m.mu.Unlock()

	unlock()
	m.e.releaseHandle()
	return nil
}
