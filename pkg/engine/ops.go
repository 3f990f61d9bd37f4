package engine

import (
	"time"

	"github.com/KevoDB/regiondb/pkg/blockstore"
	"github.com/KevoDB/regiondb/pkg/stats"
	"github.com/KevoDB/regiondb/pkg/wal"
)

// Put stores value under key, replacing any previous value.
func (e *Engine) Put(key, value []byte) error {
	return e.put(UserKey, key, value)
}

// PutByHash stores value under a caller-computed 32-byte key.
func (e *Engine) PutByHash(hash, value []byte) error {
	return e.put(HashedKey, hash, value)
}

// Get returns a read handle on the value of key. The handle must be
// released.
func (e *Engine) Get(key []byte) (*ValueRef, error) {
	return e.get(UserKey, key)
}

// GetByHash is Get for a 32-byte key.
func (e *Engine) GetByHash(hash []byte) (*ValueRef, error) {
	return e.get(HashedKey, hash)
}

// GetMut returns a write handle on the value of key. The handle holds the
// key exclusively until it is released.
func (e *Engine) GetMut(key []byte) (*ValueMut, error) {
	return e.getMut(UserKey, key)
}

// GetByHashMut is GetMut for a 32-byte key.
func (e *Engine) GetByHashMut(hash []byte) (*ValueMut, error) {
	return e.getMut(HashedKey, hash)
}

// Delete removes key. It fails with ErrKeyNotFound when key is absent.
func (e *Engine) Delete(key []byte) error {
	return e.delete(UserKey, key)
}

// DeleteByHash is Delete for a 32-byte key.
func (e *Engine) DeleteByHash(hash []byte) error {
	return e.delete(HashedKey, hash)
}

func (e *Engine) put(mode KeyMode, key, value []byte) (err error) {
	start := time.Now()
	defer func() { e.track(stats.OpPut, start, err) }()

	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	ikey, err := IndexKey(mode, key)
	if err != nil {
		return err
	}
	unlock, err := e.lockKeys(ikey)
	if err != nil {
		return err
	}
	defer unlock()

	err = e.submit([]wal.Op{{
		Type:     wal.OpTypePut,
		Mode:     uint8(mode),
		IndexKey: ikey,
		Key:      key,
		Value:    value,
	}})
	if err == nil {
		e.stats.TrackBytes(true, uint64(len(key)+len(value)))
	}
	return err
}

func (e *Engine) get(mode KeyMode, key []byte) (ref *ValueRef, err error) {
	start := time.Now()
	defer func() { e.track(stats.OpGet, start, err) }()

	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()

	ikey, err := IndexKey(mode, key)
	if err != nil {
		return nil, err
	}

	e.state.RLock()
	defer e.state.RUnlock()

	loc, ok, err := e.index.Lookup(ikey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrKeyNotFound
	}

	value, pin, ok, err := e.blocks.View(loc)
	if err != nil {
		return nil, err
	}
	if !ok {
		blk, err := e.blocks.Load(loc)
		if err != nil {
			return nil, err
		}
		value = blk.Value
	}

	if err := e.addHandle(); err != nil {
		if pin != nil {
			if _, uerr := e.blocks.Unpin(loc, pin); uerr != nil {
				e.logger.Warn("failed to unpin %v after close: %v", loc, uerr)
			}
		}
		return nil, err
	}
	e.stats.TrackBytes(false, uint64(len(value)))
	return &ValueRef{e: e, loc: loc, value: value, pin: pin}, nil
}

func (e *Engine) getMut(mode KeyMode, key []byte) (m *ValueMut, err error) {
	start := time.Now()
	defer func() { e.track(stats.OpGetMut, start, err) }()

	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()

	ikey, err := IndexKey(mode, key)
	if err != nil {
		return nil, err
	}
	unlock, err := e.lockKeys(ikey)
	if err != nil {
		return nil, err
	}

	e.state.RLock()
	loc, ok, err := e.index.Lookup(ikey)
	if err == nil && !ok {
		err = ErrKeyNotFound
	}
	var value, stored []byte
	var storedMode KeyMode
	if err == nil {
		var blk *blockstore.Block
		blk, err = e.blocks.Load(loc)
		if err == nil {
			value, stored, storedMode = blk.Value, blk.Key, KeyMode(blk.Mode)
		}
	}
	e.state.RUnlock()
	if err == nil {
		err = e.addHandle()
	}
	if err != nil {
		unlock()
		return nil, err
	}
	e.stats.TrackBytes(false, uint64(len(value)))
	return &ValueMut{
		e:      e,
		ikey:   ikey,
		mode:   storedMode,
		key:    stored,
		value:  value,
		loc:    loc,
		unlock: unlock,
	}, nil
}

func (e *Engine) delete(mode KeyMode, key []byte) (err error) {
	start := time.Now()
	defer func() { e.track(stats.OpDelete, start, err) }()

	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	ikey, err := IndexKey(mode, key)
	if err != nil {
		return err
	}
	unlock, err := e.lockKeys(ikey)
	if err != nil {
		return err
	}
	defer unlock()

	e.state.RLock()
	_, ok, err := e.index.Lookup(ikey)
	e.state.RUnlock()
	if err != nil {
		return err
	}
	if !ok {
		return ErrKeyNotFound
	}

	return e.submit([]wal.Op{{
		Type:     wal.OpTypeDelete,
		Mode:     uint8(mode),
		IndexKey: ikey,
	}})
}
