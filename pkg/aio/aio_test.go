package aio

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevoDB/regiondb/pkg/common/log"
	"github.com/KevoDB/regiondb/pkg/common/status"
	"github.com/KevoDB/regiondb/pkg/stats"
)

func newTestEngine(t *testing.T, maxReq, maxSubmit, maxResp int) (*Engine, *os.File, *stats.AtomicCollector) {
	t.Helper()

	collector := stats.NewAtomicCollector()
	e := New(Options{
		Name:         "test",
		MaxRequests:  maxReq,
		MaxSubmit:    maxSubmit,
		MaxResponses: maxResp,
		Workers:      3,
		Logger:       log.NewNop(),
		Stats:        collector,
	})
	t.Cleanup(func() { e.Close() })

	f, err := os.OpenFile(filepath.Join(t.TempDir(), "data"), os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	return e, f, collector
}

func TestWriteThenRead(t *testing.T) {
	e, f, collector := newTestEngine(t, 8, 4, 8)
	q := e.NewQueue()
	ctx := context.Background()

	var writes []*Request
	for i := 0; i < 20; i++ {
		writes = append(writes, &Request{
			Op:     OpWrite,
			File:   f,
			Offset: int64(i * 16),
			Buf:    bytes.Repeat([]byte{byte('a' + i)}, 16),
			Tag:    uint64(i),
		})
	}
	require.NoError(t, q.Do(ctx, writes))
	require.NoError(t, q.Do(ctx, []*Request{{Op: OpSync, File: f}}))
	assert.Equal(t, 0, q.Pending())

	var reads []*Request
	for i := 0; i < 20; i++ {
		reads = append(reads, &Request{Op: OpRead, File: f, Offset: int64(i * 16), Buf: make([]byte, 16)})
	}
	require.NoError(t, q.Do(ctx, reads))
	for i, r := range reads {
		assert.Equal(t, bytes.Repeat([]byte{byte('a' + i)}, 16), r.Buf)
	}

	assert.Equal(t, uint64(41), collector.Get(stats.AIOSubmitted))
	assert.Equal(t, uint64(41), collector.Get(stats.AIOCompleted))
}

func TestReadPastEndZeroFills(t *testing.T) {
	e, f, _ := newTestEngine(t, 4, 4, 4)
	q := e.NewQueue()
	ctx := context.Background()

	_, err := f.WriteAt([]byte("abc"), 0)
	require.NoError(t, err)

	buf := bytes.Repeat([]byte{0xff}, 8)
	req := &Request{Op: OpRead, File: f, Offset: 0, Buf: buf}
	require.NoError(t, q.Do(ctx, []*Request{req}))
	assert.Equal(t, 3, req.N)
	assert.Equal(t, []byte{'a', 'b', 'c', 0, 0, 0, 0, 0}, buf)
}

func TestSubmitBounds(t *testing.T) {
	e, f, _ := newTestEngine(t, 4, 2, 1)
	q := e.NewQueue()
	ctx := context.Background()

	reqs := []*Request{
		{Op: OpSync, File: f},
		{Op: OpSync, File: f},
		{Op: OpSync, File: f},
	}
	assert.ErrorIs(t, q.Submit(ctx, reqs), ErrSubmitTooLarge)

	require.NoError(t, q.Submit(ctx, reqs[:2]))
	require.NoError(t, q.Submit(ctx, []*Request{{Op: OpSync, File: f}, {Op: OpSync, File: f}}))
	assert.ErrorIs(t, q.Submit(ctx, []*Request{{Op: OpSync, File: f}}), ErrQueueFull)

	// At most MaxResponses per poll.
	done, err := q.Reap(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, done, 1)

	total := len(done)
	for total < 4 {
		done, err = q.Reap(ctx, 1)
		require.NoError(t, err)
		total += len(done)
	}
	assert.Equal(t, 0, q.Pending())
}

func TestReapNothingPending(t *testing.T) {
	e, _, _ := newTestEngine(t, 2, 2, 2)
	q := e.NewQueue()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done, err := q.Reap(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, done)
}

func TestFailedRequest(t *testing.T) {
	e, f, _ := newTestEngine(t, 2, 2, 2)
	q := e.NewQueue()
	require.NoError(t, f.Close())

	err := q.Do(context.Background(), []*Request{{Op: OpWrite, File: f, Buf: []byte("x")}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrIOFailure))
}

func TestSubmitAfterClose(t *testing.T) {
	e, f, _ := newTestEngine(t, 2, 2, 2)
	q := e.NewQueue()
	require.NoError(t, e.Close())

	err := q.Submit(context.Background(), []*Request{{Op: OpSync, File: f}})
	assert.ErrorIs(t, err, status.ErrClosed)
}
