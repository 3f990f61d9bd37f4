package blockstore

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevoDB/regiondb/pkg/aio"
	"github.com/KevoDB/regiondb/pkg/common/log"
	"github.com/KevoDB/regiondb/pkg/common/status"
	"github.com/KevoDB/regiondb/pkg/config"
	"github.com/KevoDB/regiondb/pkg/region"
	"github.com/KevoDB/regiondb/pkg/trie"
)

func newTestStore(t *testing.T, codec Codec) *Store {
	t.Helper()
	eng := aio.New(aio.Options{Name: "test", MaxRequests: 16, MaxSubmit: 8, MaxResponses: 8, Workers: 2, Logger: log.NewNop()})
	t.Cleanup(func() { eng.Close() })

	dir := t.TempDir()
	open := func(name string) *region.Space {
		sp, err := region.OpenSpace(region.SpaceOptions{
			Name: name,
			Dir:  dir,
			Config: config.SpaceConfig{
				FileNbit:           20,
				RegnNbit:           12,
				FreedFileNbit:      16,
				FreedRegnNbit:      6,
				MaxCachedRegn:      4,
				FreedMaxCachedRegn: 2,
				SwapOn:             true,
			},
			MaxRegions: 256,
			AIO:        eng,
			Logger:     log.NewNop(),
		})
		require.NoError(t, err)
		t.Cleanup(func() { sp.Close() })
		return sp
	}

	s, err := New(Options{Blk: open("blk"), Comp: open("comp"), Codec: codec, Threshold: 64, Logger: log.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestParseCodec(t *testing.T) {
	for name, want := range map[string]Codec{"": CodecNone, "none": CodecNone, "snappy": CodecSnappy, "zstd": CodecZstd} {
		got, err := ParseCodec(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCodec("lz4")
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
}

func TestCompressor(t *testing.T) {
	comp, err := NewCompressor()
	require.NoError(t, err)
	defer comp.Close()

	data := []byte(strings.Repeat("hello world, this is a test message with some repetition. ", 100))
	for _, codec := range []Codec{CodecNone, CodecSnappy, CodecZstd} {
		t.Run(codec.String(), func(t *testing.T) {
			compressed, err := comp.Compress(data, codec)
			require.NoError(t, err)
			if codec != CodecNone {
				assert.Less(t, len(compressed), len(data))
			}
			got, err := comp.Decompress(compressed, codec, len(data))
			require.NoError(t, err)
			assert.Equal(t, data, got)

			if codec != CodecNone {
				_, err = comp.Decompress(compressed[:len(compressed)/2], codec, len(data))
				assert.ErrorIs(t, err, status.ErrCorruption)
			}
		})
	}
}

func TestPutLoad(t *testing.T) {
	s := newTestStore(t, CodecNone)

	for _, value := range [][]byte{{}, []byte("small"), bytes.Repeat([]byte{1}, 10000)} {
		loc, err := s.Put([]byte("key"), 1, value)
		require.NoError(t, err)
		assert.Equal(t, SpaceBlk, loc.Space)

		blk, err := s.Load(loc)
		require.NoError(t, err)
		assert.Equal(t, []byte("key"), blk.Key)
		assert.Equal(t, uint8(1), blk.Mode)
		assert.Equal(t, value, blk.Value)
	}
}

func TestCompressedBlocksUseCompressedSpace(t *testing.T) {
	for _, codec := range []Codec{CodecSnappy, CodecZstd} {
		t.Run(codec.String(), func(t *testing.T) {
			s := newTestStore(t, codec)

			compressible := bytes.Repeat([]byte("abcd"), 500)
			loc, err := s.Put([]byte("k"), 0, compressible)
			require.NoError(t, err)
			assert.Equal(t, SpaceComp, loc.Space)
			assert.Less(t, loc.Size, uint64(len(compressible)))

			blk, err := s.Load(loc)
			require.NoError(t, err)
			assert.Equal(t, codec, blk.Codec)
			assert.Equal(t, compressible, blk.Value)

			// Below the threshold.
			loc, err = s.Put([]byte("k"), 0, bytes.Repeat([]byte("a"), 32))
			require.NoError(t, err)
			assert.Equal(t, SpaceBlk, loc.Space)

			// Incompressible.
			random := make([]byte, 1000)
			rand.New(rand.NewSource(1)).Read(random)
			loc, err = s.Put([]byte("k"), 0, random)
			require.NoError(t, err)
			assert.Equal(t, SpaceBlk, loc.Space)
		})
	}
}

func TestLoadDetectsCorruption(t *testing.T) {
	s := newTestStore(t, CodecNone)
	loc, err := s.Put([]byte("key"), 1, []byte("some value"))
	require.NoError(t, err)

	require.NoError(t, s.Space(SpaceBlk).WriteAt(loc.Addr+HeaderSize+4, []byte("X")))
	_, err = s.Load(loc)
	assert.ErrorIs(t, err, status.ErrCorruption)

	_, err = s.Load(trie.Location{Space: SpaceBlk, Addr: loc.Addr, Size: loc.Size + 1})
	assert.ErrorIs(t, err, status.ErrCorruption)
}

func TestViewPinsAndDefersFree(t *testing.T) {
	s := newTestStore(t, CodecNone)
	loc, err := s.Put([]byte("key"), 1, []byte("viewed value"))
	require.NoError(t, err)
	alloc := s.Space(SpaceBlk).Allocator()

	value, pin, ok, err := s.View(loc)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("viewed value"), value)
	assert.True(t, s.Pinned(loc))

	deferred, err := s.Free(loc)
	require.NoError(t, err)
	assert.True(t, deferred)
	assert.Equal(t, []trie.Location{loc}, s.Deferred())
	assert.False(t, alloc.IsFree(loc.Addr, loc.Size))

	freed, err := s.Unpin(loc, pin)
	require.NoError(t, err)
	assert.True(t, freed)
	assert.True(t, alloc.IsFree(loc.Addr, loc.Size))
	assert.Empty(t, s.Deferred())
	assert.False(t, s.Pinned(loc))
}

func TestViewFallsBackForCompressedBlocks(t *testing.T) {
	s := newTestStore(t, CodecZstd)
	loc, err := s.Put([]byte("k"), 0, bytes.Repeat([]byte("z"), 1000))
	require.NoError(t, err)

	_, pin, ok, err := s.View(loc)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, pin)
}

func TestRewrite(t *testing.T) {
	s := newTestStore(t, CodecNone)
	loc, err := s.Put([]byte("key"), 1, []byte("aaaa"))
	require.NoError(t, err)

	require.NoError(t, s.Rewrite(loc, []byte("bbbb")))
	blk, err := s.Load(loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("bbbb"), blk.Value)

	assert.ErrorIs(t, s.Rewrite(loc, []byte("ccc")), status.ErrInvalidArgument)
}

func TestCompactEvacuatesSparseRegions(t *testing.T) {
	s := newTestStore(t, CodecNone)
	alloc := s.Space(SpaceBlk).Allocator()

	// ~200 byte blocks take 256 bytes each: 16 per region.
	index := make(map[string]trie.Location)
	var order []string
	for i := 0; i < 16*6; i++ {
		key := fmt.Sprintf("key-%03d", i)
		loc, err := s.Put([]byte(key), 1, bytes.Repeat([]byte{byte(i)}, 180))
		require.NoError(t, err)
		index[key] = loc
		order = append(order, key)
	}

	// Leave three live blocks in each region.
	for i, key := range order {
		if i%16 >= 3 {
			_, err := s.Free(index[key])
			require.NoError(t, err)
			delete(index, key)
		}
	}
	freeBefore := alloc.Stats().FreeRegions

	relocate := func(key []byte, mode uint8, src, dst trie.Location) error {
		if index[string(key)] != src {
			return trie.ErrStale
		}
		index[string(key)] = dst
		return nil
	}

	for pass := 0; pass < 4; pass++ {
		_, err := s.Compact(2, relocate)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, alloc.Stats().FreeRegions, freeBefore)
	}
	assert.Greater(t, alloc.Stats().FreeRegions, freeBefore)

	for key, loc := range index {
		blk, err := s.Load(loc)
		require.NoError(t, err)
		assert.Equal(t, key, string(blk.Key))
		var i int
		fmt.Sscanf(key, "key-%03d", &i)
		assert.Equal(t, bytes.Repeat([]byte{byte(i)}, 180), blk.Value)
	}
}

func TestCompactSkipsPinnedBlocks(t *testing.T) {
	s := newTestStore(t, CodecNone)

	var locs []trie.Location
	for i := 0; i < 40; i++ {
		loc, err := s.Put([]byte{byte(i)}, 1, bytes.Repeat([]byte{byte(i)}, 180))
		require.NoError(t, err)
		locs = append(locs, loc)
	}
	// Region 0 keeps only locs[0], which is pinned.
	for _, loc := range locs[1:15] {
		_, err := s.Free(loc)
		require.NoError(t, err)
	}
	_, pin, ok, err := s.View(locs[0])
	require.NoError(t, err)
	require.True(t, ok)
	defer s.Unpin(locs[0], pin)

	res, err := s.Compact(1, func([]byte, uint8, trie.Location, trie.Location) error {
		t.Fatal("pinned block relocated")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
}

func TestCompactReturnsTargetOnRelocateError(t *testing.T) {
	s := newTestStore(t, CodecNone)
	alloc := s.Space(SpaceBlk).Allocator()

	var locs []trie.Location
	for i := 0; i < 40; i++ {
		loc, err := s.Put([]byte{byte(i)}, 1, bytes.Repeat([]byte{byte(i)}, 180))
		require.NoError(t, err)
		locs = append(locs, loc)
	}
	for _, loc := range locs[1:15] {
		_, err := s.Free(loc)
		require.NoError(t, err)
	}
	live := alloc.Stats().LiveBytes

	indexFull := errors.New("index full")
	_, err := s.Compact(1, func([]byte, uint8, trie.Location, trie.Location) error {
		return indexFull
	})
	require.ErrorIs(t, err, indexFull)
	assert.Equal(t, live, alloc.Stats().LiveBytes)

	blk, err := s.Load(locs[0])
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0}, 180), blk.Value)
}

func TestBlocksEnumeratesRegion(t *testing.T) {
	s := newTestStore(t, CodecNone)
	var locs []trie.Location
	for i := 0; i < 5; i++ {
		loc, err := s.Put([]byte{byte(i)}, 1, bytes.Repeat([]byte{1}, 100*(i+1)))
		require.NoError(t, err)
		locs = append(locs, loc)
	}
	_, err := s.Free(locs[2])
	require.NoError(t, err)

	got, err := s.Blocks(SpaceBlk, 0)
	require.NoError(t, err)
	assert.Equal(t, []trie.Location{locs[0], locs[1], locs[3], locs[4]}, got)
}
