package bounded

import (
	"bytes"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceIterator iterates a sorted slice of keys; each value is the key
// with a "v" prefix.
type sliceIterator struct {
	keys [][]byte
	pos  int
	err  error
}

func newSliceIterator(keys ...string) *sliceIterator {
	sort.Strings(keys)
	it := &sliceIterator{pos: -1}
	for _, k := range keys {
		it.keys = append(it.keys, []byte(k))
	}
	return it
}

func (s *sliceIterator) SeekToFirst() { s.pos = 0 }

func (s *sliceIterator) Seek(target []byte) bool {
	s.pos = sort.Search(len(s.keys), func(i int) bool {
		return bytes.Compare(s.keys[i], target) >= 0
	})
	return s.Valid()
}

func (s *sliceIterator) Next() bool {
	if s.Valid() {
		s.pos++
	}
	return s.Valid()
}

func (s *sliceIterator) Key() []byte   { return s.keys[s.pos] }
func (s *sliceIterator) Value() []byte { return append([]byte("v"), s.keys[s.pos]...) }
func (s *sliceIterator) Valid() bool   { return s.pos >= 0 && s.pos < len(s.keys) }
func (s *sliceIterator) Err() error    { return s.err }

func collect(it *BoundedIterator) []string {
	var out []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		out = append(out, string(it.Key()))
	}
	return out
}

func bound(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

func TestBoundedRanges(t *testing.T) {
	tests := []struct {
		name       string
		start, end string
		want       []string
	}{
		{"open", "", "", []string{"a", "b", "c", "d", "e"}},
		{"start only", "c", "", []string{"c", "d", "e"}},
		{"end only", "", "c", []string{"a", "b"}},
		{"both", "b", "d", []string{"b", "c"}},
		{"start between keys", "bb", "", []string{"c", "d", "e"}},
		{"empty range", "c", "c", nil},
		{"past the end", "x", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it := NewBoundedIterator(newSliceIterator("d", "a", "e", "c", "b"), bound(tt.start), bound(tt.end))
			assert.Equal(t, tt.want, collect(it))
		})
	}
}

func TestBoundedSeek(t *testing.T) {
	it := NewBoundedIterator(newSliceIterator("a", "b", "c", "d", "e"), []byte("b"), []byte("e"))

	require.True(t, it.Seek([]byte("a")))
	assert.Equal(t, []byte("b"), it.Key())

	require.True(t, it.Seek([]byte("cc")))
	assert.Equal(t, []byte("d"), it.Key())
	assert.Equal(t, []byte("vd"), it.Value())

	assert.False(t, it.Next())
	assert.Nil(t, it.Key())
	assert.Nil(t, it.Value())

	assert.False(t, it.Seek([]byte("e")))
	assert.False(t, it.Seek([]byte("z")))
}

func TestBoundedBoundsAreCopied(t *testing.T) {
	start, end := []byte("b"), []byte("d")
	it := NewBoundedIterator(newSliceIterator("a", "b", "c", "d"), start, end)
	start[0], end[0] = 'a', 'z'
	assert.Equal(t, []string{"b", "c"}, collect(it))

	it.SetBounds(nil, []byte("b"))
	assert.Equal(t, []string{"a"}, collect(it))
}

func TestBoundedErrPassesThrough(t *testing.T) {
	inner := newSliceIterator("a")
	inner.err = errors.New("read failed")
	it := NewBoundedIterator(inner, nil, nil)
	assert.EqualError(t, it.Err(), "read failed")
}
