package region

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevoDB/regiondb/pkg/common/log"
	"github.com/KevoDB/regiondb/pkg/common/status"
	"github.com/KevoDB/regiondb/pkg/config"
)

func newTestSpace(t *testing.T, dir string) *Space {
	t.Helper()
	sp, err := OpenSpace(SpaceOptions{
		Name: "blk",
		Dir:  dir,
		Config: config.SpaceConfig{
			FileNbit:           16,
			RegnNbit:           12,
			FreedFileNbit:      16,
			FreedRegnNbit:      6,
			MaxCachedRegn:      2,
			FreedMaxCachedRegn: 2,
			SwapOn:             true,
		},
		MaxRegions: 64,
		AIO:        newTestAIO(t),
		Logger:     log.NewNop(),
	})
	require.NoError(t, err)
	return sp
}

func TestSpaceReadWriteAcrossRegions(t *testing.T) {
	sp := newTestSpace(t, t.TempDir())
	defer sp.Close()

	data := bytes.Repeat([]byte("0123456789abcdef"), 1000) // spans several regions
	addr, err := sp.Alloc(uint64(len(data)))
	require.NoError(t, err)
	require.NoError(t, sp.WriteAt(addr, data))

	got := make([]byte, len(data))
	require.NoError(t, sp.ReadAt(addr, got))
	assert.Equal(t, data, got)

	assert.ErrorIs(t, sp.WriteAt(0, []byte("x")), status.ErrInvalidArgument)
}

func TestSpaceView(t *testing.T) {
	sp := newTestSpace(t, t.TempDir())
	defer sp.Close()

	addr, err := sp.Alloc(100)
	require.NoError(t, err)
	require.NoError(t, sp.WriteAt(addr, bytes.Repeat([]byte{7}, 100)))

	view, pin, err := sp.View(addr, 100)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{7}, 100), view)

	// Touch enough other regions to force evictions; the view stays valid.
	for i := 0; i < 4; i++ {
		other, err := sp.Alloc(4096)
		require.NoError(t, err)
		require.NoError(t, sp.WriteAt(other, bytes.Repeat([]byte{9}, 4096)))
	}
	assert.Equal(t, bytes.Repeat([]byte{7}, 100), view)
	sp.Unpin(pin)

	_, _, err = sp.View(4000, 200)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
}

func TestSpaceStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sp := newTestSpace(t, dir)
	ctx := context.Background()

	var addrs []uint64
	for i := 0; i < 600; i++ {
		addr, err := sp.Alloc(64)
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}
	for i := 0; i < len(addrs); i += 2 {
		require.NoError(t, sp.Free(addrs[i], 64))
	}

	st, err := sp.SaveState(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.FreedPages, "300 extents need two freed pages")

	// Persist the freed pages the way a checkpoint does.
	for _, p := range sp.Parts() {
		var writes []RegionData
		require.NoError(t, p.Cache.ForEachDirty(ctx, func(id uint64, data []byte) error {
			writes = append(writes, RegionData{ID: id, Data: append([]byte(nil), data...)})
			return nil
		}))
		require.NoError(t, p.Store.WriteRegions(ctx, writes))
		require.NoError(t, p.Store.Sync(ctx))
	}
	want := sp.Allocator().Stats()
	require.NoError(t, sp.Close())

	reopened := newTestSpace(t, dir)
	defer reopened.Close()
	require.NoError(t, reopened.LoadState(ctx, st))
	assert.Equal(t, want, reopened.Allocator().Stats())

	addr, err := reopened.Alloc(64)
	require.NoError(t, err)
	assert.Equal(t, addrs[0], addr)
}

func TestSpaceLoadStateDetectsCorruption(t *testing.T) {
	sp := newTestSpace(t, t.TempDir())
	defer sp.Close()

	err := sp.LoadState(context.Background(), SpaceState{FreedPages: 1})
	assert.ErrorIs(t, err, status.ErrCorruption)
}
