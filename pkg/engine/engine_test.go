package engine

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/KevoDB/regiondb/pkg/blockstore"
	"github.com/KevoDB/regiondb/pkg/common/log"
	"github.com/KevoDB/regiondb/pkg/common/status"
	"github.com/KevoDB/regiondb/pkg/config"
	"github.com/KevoDB/regiondb/pkg/telemetry"
)

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	small := config.SpaceConfig{
		FileNbit:           16,
		RegnNbit:           12,
		FreedFileNbit:      16,
		FreedRegnNbit:      6,
		MaxCachedRegn:      4,
		FreedMaxCachedRegn: 2,
		SwapOn:             true,
	}
	cfg.Node = small
	cfg.DataBlk = small
	cfg.DataComp = small
	cfg.MaxRegnID = 4096
	cfg.DataCompMaxWalk = 4
	cfg.WALBlockNbit = 9
	cfg.WALFileNbit = 14
	cfg.MaxWALGrowth = 1 << 20
	cfg.MaxWALQueued = 16
	cfg.LogLevel = "error"
	cfg.Telemetry.Enabled = false
	return cfg
}

func openEngine(t *testing.T, dir string, cfg *config.Config) *Engine {
	t.Helper()
	e, err := Open(dir, cfg, false, WithLogger(log.NewNop()))
	require.NoError(t, err)
	return e
}

func value(i, n int) []byte {
	v := make([]byte, n)
	for j := range v {
		v[j] = byte(i*7 + j)
	}
	return v
}

func key(i int) []byte {
	return []byte(fmt.Sprintf("key-%05d", i))
}

func requireValue(t *testing.T, e *Engine, k, want []byte) {
	t.Helper()
	ref, err := e.Get(k)
	require.NoError(t, err, "key %s", k)
	assert.Equal(t, want, ref.Bytes(), "key %s", k)
	require.NoError(t, ref.Release())
}

func requireMissing(t *testing.T, e *Engine, k []byte) {
	t.Helper()
	_, err := e.Get(k)
	require.ErrorIs(t, err, ErrKeyNotFound, "key %s", k)
}

func requireIntact(t *testing.T, e *Engine) IntegrityReport {
	t.Helper()
	report, err := e.CheckIntegrity()
	require.NoError(t, err)
	return report
}

func TestPutGetDelete(t *testing.T) {
	e := openEngine(t, t.TempDir(), testConfig())
	defer e.Close()

	require.NoError(t, e.Put([]byte("alpha"), []byte("one")))
	requireValue(t, e, []byte("alpha"), []byte("one"))

	require.NoError(t, e.Put([]byte("empty"), nil))
	requireValue(t, e, []byte("empty"), []byte{})

	require.NoError(t, e.Delete([]byte("alpha")))
	requireMissing(t, e, []byte("alpha"))

	err := e.Delete([]byte("alpha"))
	require.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, status.CodeNotFound, status.Code(err))

	_, err = e.GetMut([]byte("alpha"))
	require.ErrorIs(t, err, ErrKeyNotFound)
	assert.Zero(t, e.locks.Len(), "failed GetMut must not keep the key locked")

	report := requireIntact(t, e)
	assert.Equal(t, uint64(1), report.Keys)
}

func TestInvalidKeys(t *testing.T) {
	e := openEngine(t, t.TempDir(), testConfig())
	defer e.Close()

	err := e.Put(nil, []byte("v"))
	require.ErrorIs(t, err, ErrInvalidKey)
	assert.Equal(t, status.CodeInvalidArgument, status.Code(err))

	err = e.PutByHash(make([]byte, 31), []byte("v"))
	assert.Equal(t, status.CodeInvalidArgument, status.Code(err))

	_, err = e.GetByHash([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestKeyModesShareIndex(t *testing.T) {
	e := openEngine(t, t.TempDir(), testConfig())
	defer e.Close()

	require.NoError(t, e.Put([]byte("alpha"), []byte("by key")))
	ref, err := e.GetByHash(HashKey([]byte("alpha")))
	require.NoError(t, err)
	assert.Equal(t, []byte("by key"), ref.Bytes())
	require.NoError(t, ref.Release())

	require.NoError(t, e.PutByHash(HashKey([]byte("beta")), []byte("by hash")))
	requireValue(t, e, []byte("beta"), []byte("by hash"))

	// Overwriting through the other mode replaces the same entry.
	require.NoError(t, e.PutByHash(HashKey([]byte("alpha")), []byte("replaced")))
	requireValue(t, e, []byte("alpha"), []byte("replaced"))

	require.NoError(t, e.DeleteByHash(HashKey([]byte("alpha"))))
	requireMissing(t, e, []byte("alpha"))

	report := requireIntact(t, e)
	assert.Equal(t, uint64(1), report.Keys)
}

func TestOverwriteReclaimsSpace(t *testing.T) {
	e := openEngine(t, t.TempDir(), testConfig())
	defer e.Close()

	require.NoError(t, e.Put([]byte("k"), value(0, 1000)))
	live := e.blk.Allocator().Stats().LiveBytes
	nodes := e.node.Allocator().Stats().LiveBytes

	for i := 1; i <= 50; i++ {
		require.NoError(t, e.Put([]byte("k"), value(i, 1000)))
	}
	requireValue(t, e, []byte("k"), value(50, 1000))
	assert.Equal(t, live, e.blk.Allocator().Stats().LiveBytes)
	assert.Equal(t, nodes, e.node.Allocator().Stats().LiveBytes)

	require.NoError(t, e.Delete([]byte("k")))
	assert.Zero(t, e.blk.Allocator().Stats().LiveBytes)
	requireIntact(t, e)
}

func TestReopenPreservesData(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	e := openEngine(t, dir, cfg)
	for i := 0; i < 200; i++ {
		require.NoError(t, e.Put(key(i), value(i, 100+i)))
	}
	for i := 0; i < 200; i += 2 {
		require.NoError(t, e.Delete(key(i)))
	}
	require.NoError(t, e.Close())

	e = openEngine(t, dir, cfg)
	defer e.Close()
	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			requireMissing(t, e, key(i))
		} else {
			requireValue(t, e, key(i), value(i, 100+i))
		}
	}
	report := requireIntact(t, e)
	assert.Equal(t, uint64(100), report.Keys)
}

func TestTruncateWipesDatabase(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir, testConfig())
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Close())

	e, err := Open(dir, testConfig(), true, WithLogger(log.NewNop()))
	require.NoError(t, err)
	defer e.Close()
	requireMissing(t, e, []byte("k"))
}

func TestGeometryMismatch(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir, testConfig())
	require.NoError(t, e.Close())

	cfg := testConfig()
	cfg.Node.RegnNbit = 13
	_, err := Open(dir, cfg, false, WithLogger(log.NewNop()))
	require.Error(t, err)
	assert.Equal(t, status.CodeInvalidArgument, status.Code(err))
	assert.ErrorIs(t, err, config.ErrGeometryMismatch)
}

func TestRecoverLoggedWrites(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	e := openEngine(t, dir, cfg)
	for i := 0; i < 100; i++ {
		require.NoError(t, e.Put(key(i), value(i, 64)))
	}
	require.NoError(t, e.Delete(key(0)))

	// The next write reaches the log and is lost from memory as in a crash.
	crash := errors.New("crash")
	e.afterLog = func() error { return crash }
	err := e.Put(key(100), value(100, 64))
	require.ErrorIs(t, err, crash)

	err = e.Put(key(101), value(101, 64))
	require.ErrorIs(t, err, ErrEngineFailed)
	assert.Equal(t, status.CodeIOFailure, status.Code(err))
	require.Error(t, e.Err())
	_ = e.Close()

	e = openEngine(t, dir, cfg)
	defer e.Close()
	requireMissing(t, e, key(0))
	for i := 1; i <= 100; i++ {
		requireValue(t, e, key(i), value(i, 64))
	}
	requireMissing(t, e, key(101))
	recovery := e.stats.GetStats()["recovery"].(map[string]interface{})
	assert.Equal(t, uint64(102), recovery["wal_entries_recovered"])
	requireIntact(t, e)
}

func TestBatchAtomicityAcrossTornLog(t *testing.T) {
	for _, point := range []uint64{700, 2500, 3001, 5000} {
		t.Run(fmt.Sprint(point), func(t *testing.T) {
			dir := t.TempDir()
			cfg := testConfig()
			cfg.EmulatedFailurePoint = point

			e := openEngine(t, dir, cfg)
			committed := 0
			var failed error
			for b := 0; b < 20 && failed == nil; b++ {
				batch := e.NewBatch()
				for i := 0; i < 4; i++ {
					require.NoError(t, batch.Put(key(b*4+i), value(b*4+i, 200)))
				}
				if failed = batch.Commit(); failed == nil {
					committed++
				}
			}
			require.Error(t, failed, "the failure point must be reached")
			assert.Equal(t, status.CodeIOFailure, status.Code(failed))
			_ = e.Close()

			cfg.EmulatedFailurePoint = 0
			e = openEngine(t, dir, cfg)
			defer e.Close()

			for i := 0; i < committed*4; i++ {
				requireValue(t, e, key(i), value(i, 200))
			}
			for i := committed * 4; i < (committed+1)*4; i++ {
				requireMissing(t, e, key(i))
			}
			requireIntact(t, e)

			// The log continues after the torn record.
			require.NoError(t, e.Put(key(999), value(999, 10)))
			requireValue(t, e, key(999), value(999, 10))
		})
	}
}

func TestBatch(t *testing.T) {
	e := openEngine(t, t.TempDir(), testConfig())
	defer e.Close()

	require.NoError(t, e.Put([]byte("gone"), []byte("x")))

	b := e.NewBatch()
	require.NoError(t, b.Put([]byte("a"), []byte("1")))
	require.NoError(t, b.PutByHash(HashKey([]byte("b")), []byte("2")))
	require.NoError(t, b.Put([]byte("a"), []byte("3")))
	require.NoError(t, b.Delete([]byte("gone")))
	require.NoError(t, b.Delete([]byte("never")))
	require.ErrorIs(t, b.Put(nil, []byte("x")), ErrInvalidKey)
	assert.Equal(t, 5, b.Len())
	require.NoError(t, b.Commit())

	requireValue(t, e, []byte("a"), []byte("3"))
	requireValue(t, e, []byte("b"), []byte("2"))
	requireMissing(t, e, []byte("gone"))

	assert.ErrorIs(t, b.Commit(), ErrBatchClosed)
	assert.ErrorIs(t, b.Put([]byte("c"), nil), ErrBatchClosed)

	d := e.NewBatch()
	require.NoError(t, d.Put([]byte("c"), []byte("never written")))
	d.Discard()
	assert.ErrorIs(t, d.Commit(), ErrBatchClosed)
	requireMissing(t, e, []byte("c"))

	require.NoError(t, e.NewBatch().Commit(), "an empty batch commits trivially")
	requireIntact(t, e)
}

func TestBatchCopiesBuffers(t *testing.T) {
	e := openEngine(t, t.TempDir(), testConfig())
	defer e.Close()

	k, v := []byte("key"), []byte("value")
	b := e.NewBatch()
	require.NoError(t, b.Put(k, v))
	copy(k, "xxx")
	copy(v, "xxxxx")
	require.NoError(t, b.Commit())
	requireValue(t, e, []byte("key"), []byte("value"))
}

func TestModifyInPlace(t *testing.T) {
	e := openEngine(t, t.TempDir(), testConfig())
	defer e.Close()

	require.NoError(t, e.Put([]byte("k"), value(1, 100)))

	m, err := e.GetMut([]byte("k"))
	require.NoError(t, err)
	before, err := m.Describe()
	require.NoError(t, err)
	assert.Equal(t, 100, before.Size)

	require.NoError(t, m.ModifyInPlace(func(b []byte) error {
		for i := range b {
			b[i] = ^b[i]
		}
		_ = append(b, 0xFF)
		return nil
	}))
	after, err := m.Describe()
	require.NoError(t, err)
	assert.Equal(t, before, after, "an unviewed uncompressed block is rewritten where it is")

	boom := errors.New("boom")
	require.ErrorIs(t, m.ModifyInPlace(func(b []byte) error {
		b[0] = 0
		return boom
	}), boom)
	require.NoError(t, m.Release())

	want := value(1, 100)
	for i := range want {
		want[i] = ^want[i]
	}
	requireValue(t, e, []byte("k"), want)
	requireIntact(t, e)
}

func TestModifyWhileViewed(t *testing.T) {
	e := openEngine(t, t.TempDir(), testConfig())
	defer e.Close()

	orig := value(3, 100)
	require.NoError(t, e.Put([]byte("k"), orig))

	ref, err := e.Get([]byte("k"))
	require.NoError(t, err)
	desc, err := ref.Describe()
	require.NoError(t, err)
	require.True(t, desc.ZeroCopy)

	m, err := e.GetMut([]byte("k"))
	require.NoError(t, err)
	require.NoError(t, m.ModifyInPlace(func(b []byte) error {
		b[0]++
		return nil
	}))
	moved, err := m.Describe()
	require.NoError(t, err)
	assert.NotEqual(t, desc.Addr, moved.Addr, "a viewed block is copied, not rewritten")
	require.NoError(t, m.Release())

	assert.Equal(t, orig, ref.Bytes(), "the reader keeps seeing the old value")
	assert.Equal(t, 1, len(e.blocks.Deferred()))
	requireIntact(t, e)

	require.NoError(t, ref.Release())
	assert.Empty(t, e.blocks.Deferred())

	want := append([]byte(nil), orig...)
	want[0]++
	requireValue(t, e, []byte("k"), want)
	requireIntact(t, e)
}

func TestReplace(t *testing.T) {
	e := openEngine(t, t.TempDir(), testConfig())
	defer e.Close()

	require.NoError(t, e.PutByHash(HashKey([]byte("k")), value(1, 100)))
	m, err := e.GetMut([]byte("k"))
	require.NoError(t, err)
	require.NoError(t, m.Replace(value(2, 3000)))
	assert.Equal(t, value(2, 3000), m.Bytes())
	desc, err := m.Describe()
	require.NoError(t, err)
	assert.Equal(t, 3000, desc.Size)
	require.NoError(t, m.Release())

	requireValue(t, e, []byte("k"), value(2, 3000))
	requireIntact(t, e)
}

func TestMutHandleExcludesWriters(t *testing.T) {
	cfg := testConfig()
	cfg.WriteTimeout = 50 * time.Millisecond
	e := openEngine(t, t.TempDir(), cfg)
	defer e.Close()

	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	m, err := e.GetMut([]byte("k"))
	require.NoError(t, err)

	err = e.Put([]byte("k"), []byte("other"))
	require.Error(t, err)
	assert.Equal(t, status.CodeBusy, status.Code(err))
	require.NoError(t, e.Put([]byte("unrelated"), []byte("ok")))

	require.NoError(t, m.Release())
	require.NoError(t, e.Put([]byte("k"), []byte("other")))
	requireValue(t, e, []byte("k"), []byte("other"))
}

func TestReleasedHandles(t *testing.T) {
	e := openEngine(t, t.TempDir(), testConfig())
	defer e.Close()

	require.NoError(t, e.Put([]byte("k"), []byte("value")))

	ref, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.NoError(t, ref.Release())
	require.NoError(t, ref.Release())
	assert.Nil(t, ref.Bytes())
	_, err = ref.Describe()
	require.ErrorIs(t, err, ErrHandleReleased)
	assert.Equal(t, status.CodeReleased, status.Code(err))

	m, err := e.GetMut([]byte("k"))
	require.NoError(t, err)
	require.NoError(t, m.Release())
	require.NoError(t, m.Release())
	assert.ErrorIs(t, m.ModifyInPlace(func([]byte) error { return nil }), ErrHandleReleased)
	assert.ErrorIs(t, m.Replace([]byte("x")), ErrHandleReleased)
	_, err = m.Describe()
	assert.ErrorIs(t, err, ErrHandleReleased)

	requireValue(t, e, []byte("k"), []byte("value"))
}

func TestCloseWaitsForHandles(t *testing.T) {
	e := openEngine(t, t.TempDir(), testConfig())
	require.NoError(t, e.Put([]byte("k"), []byte("v")))

	ref, err := e.Get([]byte("k"))
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- e.Close() }()

	select {
	case <-closed:
		t.Fatal("Close returned while a handle was outstanding")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, ref.Release())

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return after the handle was released")
	}

	err = e.Put([]byte("k"), []byte("w"))
	require.ErrorIs(t, err, ErrEngineClosed)
	assert.Equal(t, status.CodeClosed, status.Code(err))
	assert.NoError(t, e.Close())
}

func TestCloseRejectsHandlesWhileDraining(t *testing.T) {
	e := openEngine(t, t.TempDir(), testConfig())
	require.NoError(t, e.Put([]byte("k"), []byte("v")))

	// Hold an operation open across the start of Close, the way get does
	// between enter and registering its handle.
	require.NoError(t, e.enter())

	closed := make(chan error, 1)
	go func() { closed <- e.Close() }()

	require.Eventually(t, func() bool {
		e.handleMu.Lock()
		defer e.handleMu.Unlock()
		return e.draining
	}, 5*time.Second, time.Millisecond)

	require.ErrorIs(t, e.addHandle(), ErrEngineClosed)
	e.exit()

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	e.handleMu.Lock()
	assert.Zero(t, e.handles)
	e.handleMu.Unlock()

	_, err := e.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrEngineClosed)
	_, err = e.NewIterator()
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestCompressedValues(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Compression = config.CompressionZstd
	cfg.CompressionThreshold = 64

	compressible := bytes.Repeat([]byte("regiondb "), 200)
	e := openEngine(t, dir, cfg)
	require.NoError(t, e.Put([]byte("text"), compressible))
	require.NoError(t, e.Put([]byte("small"), []byte("tiny")))

	ref, err := e.Get([]byte("text"))
	require.NoError(t, err)
	desc, err := ref.Describe()
	require.NoError(t, err)
	assert.Equal(t, blockstore.SpaceComp, desc.Space)
	assert.False(t, desc.ZeroCopy)
	assert.Equal(t, compressible, ref.Bytes())
	require.NoError(t, ref.Release())

	m, err := e.GetMut([]byte("text"))
	require.NoError(t, err)
	require.NoError(t, m.ModifyInPlace(func(b []byte) error {
		copy(b, "REGIONDB")
		return nil
	}))
	require.NoError(t, m.Release())
	require.NoError(t, e.Close())

	want := append([]byte(nil), compressible...)
	copy(want, "REGIONDB")
	e = openEngine(t, dir, cfg)
	defer e.Close()
	requireValue(t, e, []byte("text"), want)
	requireValue(t, e, []byte("small"), []byte("tiny"))
	requireIntact(t, e)
}

func TestLargeValues(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	e := openEngine(t, dir, cfg)

	big := value(9, 10000)
	require.NoError(t, e.Put([]byte("big"), big))
	requireValue(t, e, []byte("big"), big)
	require.NoError(t, e.Close())

	e = openEngine(t, dir, cfg)
	defer e.Close()
	requireValue(t, e, []byte("big"), big)
	require.NoError(t, e.Delete([]byte("big")))
	requireIntact(t, e)
}

func TestOutOfSpace(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRegnID = 4
	e := openEngine(t, t.TempDir(), cfg)
	defer e.Close()

	var err error
	n := 0
	for ; n < 100; n++ {
		if err = e.Put(key(n), value(n, 1000)); err != nil {
			break
		}
	}
	require.Error(t, err)
	assert.Equal(t, status.CodeOutOfSpace, status.Code(err))
	assert.NoError(t, e.Err(), "running out of space must not stop the engine")
	requireMissing(t, e, key(n))

	require.NoError(t, e.Delete(key(0)))
	require.NoError(t, e.Put(key(n), value(n, 1000)))
	requireValue(t, e, key(n), value(n, 1000))
	requireIntact(t, e)
}

func TestCompactionKeepsData(t *testing.T) {
	cfg := testConfig()
	cfg.DataCompMaxWalk = 0
	e := openEngine(t, t.TempDir(), cfg)
	defer e.Close()

	for i := 0; i < 300; i++ {
		require.NoError(t, e.Put(key(i), value(i, 500)))
	}
	for i := 0; i < 300; i++ {
		if i%3 != 0 {
			require.NoError(t, e.Delete(key(i)))
		}
	}
	before := e.blk.Allocator().Stats()

	var total blockstore.CompactResult
	for pass := 0; pass < 20; pass++ {
		res, err := e.Compact()
		require.NoError(t, err)
		total.Relocated += res.Relocated
		total.FreedRegions += res.FreedRegions
	}
	assert.Positive(t, total.Relocated)
	assert.Positive(t, total.FreedRegions)
	after := e.blk.Allocator().Stats()
	assert.Equal(t, before.LiveBytes, after.LiveBytes)
	assert.GreaterOrEqual(t, after.FreeRegions, before.FreeRegions)

	for i := 0; i < 300; i += 3 {
		requireValue(t, e, key(i), value(i, 500))
	}
	requireIntact(t, e)
}

func TestConcurrentWriters(t *testing.T) {
	e := openEngine(t, t.TempDir(), testConfig())
	defer e.Close()

	const workers, perWorker = 8, 60
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				k := key(w*1000 + i)
				if err := e.Put(k, value(i, 50+w)); err != nil {
					return err
				}
				ref, err := e.Get(k)
				if err != nil {
					return err
				}
				if !bytes.Equal(ref.Bytes(), value(i, 50+w)) {
					ref.Release()
					return fmt.Errorf("worker %d read a wrong value for %s", w, k)
				}
				if err := ref.Release(); err != nil {
					return err
				}
				if i%4 == 0 {
					if err := e.Delete(k); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for w := 0; w < workers; w++ {
		for i := 0; i < perWorker; i++ {
			if i%4 == 0 {
				requireMissing(t, e, key(w*1000+i))
			} else {
				requireValue(t, e, key(w*1000+i), value(i, 50+w))
			}
		}
	}
	report := requireIntact(t, e)
	assert.Equal(t, uint64(workers*perWorker*3/4), report.Keys)
}

func TestIterator(t *testing.T) {
	e := openEngine(t, t.TempDir(), testConfig())
	defer e.Close()

	for i := 0; i < 40; i++ {
		require.NoError(t, e.Put(key(i), value(i, 20)))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, e.PutByHash(HashKey(key(100+i)), value(100+i, 20)))
	}

	it, err := e.NewIterator()
	require.NoError(t, err)
	var prev []byte
	seen := 0
	for it.Next() {
		ent := it.Entry()
		if prev != nil {
			assert.Negative(t, bytes.Compare(prev, ent.IndexKey[:]))
		}
		prev = append(prev[:0], ent.IndexKey[:]...)

		ikey, err := IndexKey(ent.Mode, ent.Key)
		require.NoError(t, err)
		assert.Equal(t, ent.IndexKey, ikey)
		if ent.Mode == UserKey {
			assert.True(t, strings.HasPrefix(string(ent.Key), "key-"))
		} else {
			assert.Len(t, ent.Key, 32)
		}
		assert.Len(t, ent.Value, 20)
		seen++
	}
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())
	require.NoError(t, it.Close())
	assert.Equal(t, 45, seen)

	// Range over the lower half of the key space.
	mid := make([]byte, 32)
	mid[0] = 0x80
	lo, err := e.NewRangeIterator(nil, mid)
	require.NoError(t, err)
	low := 0
	for lo.Next() {
		assert.Less(t, lo.Entry().IndexKey[0], byte(0x80))
		low++
	}
	require.NoError(t, lo.Close())

	hi, err := e.NewRangeIterator(mid, nil)
	require.NoError(t, err)
	high := 0
	for hi.Next() {
		high++
	}
	require.NoError(t, hi.Close())
	assert.Equal(t, 45, low+high)

	// Writes proceed once every iterator is closed.
	require.NoError(t, e.Put([]byte("after"), []byte("x")))
}

func TestDump(t *testing.T) {
	e := openEngine(t, t.TempDir(), testConfig())
	defer e.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Put(key(i), value(i, 30)))
	}
	var buf bytes.Buffer
	require.NoError(t, e.Dump(&buf))
	out := buf.String()
	assert.Contains(t, out, "keys 3,")
	assert.Contains(t, out, "space blk")
	assert.Equal(t, 3, strings.Count(out, "mode=user"))
}

func TestProfile(t *testing.T) {
	tel, err := telemetry.New(telemetry.DefaultConfig())
	require.NoError(t, err)
	defer tel.Shutdown(t.Context())

	e, err := Open(t.TempDir(), testConfig(), false, WithLogger(log.NewNop()), WithTelemetry(tel))
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, e.Put(key(i), value(i, 40)))
	}
	requireValue(t, e, key(1), value(1, 40))

	require.NoError(t, e.RefreshProfile())
	p := e.Profile()
	assert.Equal(t, float64(10), p["put_ops"])
	assert.Equal(t, float64(1), p["get_ops"])
	assert.Equal(t, float64(10), p["index.keys"])
	assert.Positive(t, p["space.blk.live_bytes"])
	assert.Positive(t, p["otel.regiondb.engine.operation.count"])

	var buf bytes.Buffer
	require.NoError(t, e.PrintProfile(&buf))
	assert.Contains(t, buf.String(), "space.node.live_bytes")

	e.ResetProfile()
	assert.Empty(t, e.Profile())
	require.NoError(t, e.RefreshProfile())
	assert.Zero(t, e.Profile()["put_ops"])
}
