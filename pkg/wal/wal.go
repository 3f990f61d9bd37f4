// Package wal implements the write-ahead log. The log is one logical byte
// stream cut into files of 2^FileNbit bytes, each made of blocks of
// 2^BlockNbit bytes. Records are framed into fragments that never cross a
// block boundary:
//
//	checksum(8) length(4) type(1) payload
//
// The checksum is xxhash64 over length, type and payload. A block tail too
// short for a fragment header is left zeroed.
package wal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/semaphore"

	"github.com/KevoDB/regiondb/pkg/aio"
	"github.com/KevoDB/regiondb/pkg/common/log"
	"github.com/KevoDB/regiondb/pkg/common/status"
	"github.com/KevoDB/regiondb/pkg/stats"
)

const (
	// Record types
	RecordTypeFull   = 1
	RecordTypeFirst  = 2
	RecordTypeMiddle = 3
	RecordTypeLast   = 4

	// Header layout
	// - Checksum (8 bytes)
	// - Length (4 bytes)
	// - Type (1 byte)
	HeaderSize = 13

	fileSuffix = ".wal"
)

var (
	ErrCorruptRecord = fmt.Errorf("%w: corrupt WAL record", status.ErrCorruption)
	ErrWALClosed     = fmt.Errorf("%w: WAL is closed", status.ErrClosed)
	// ErrEmulatedFailure is returned once the configured failure point was hit.
	ErrEmulatedFailure = fmt.Errorf("%w: emulated WAL failure", status.ErrIOFailure)
)

// Options configures the log.
type Options struct {
	Dir       string
	BlockNbit uint
	FileNbit  uint
	// MaxQueued caps records appended but not yet made durable by Sync.
	MaxQueued int
	// FailurePoint, when non-zero, tears the write that crosses this
	// logical offset and fails the log permanently.
	FailurePoint uint64
	AIO          *aio.Engine
	Logger       log.Logger
	Stats        stats.Collector
	Metrics      WALMetrics
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.GetDefaultLogger()
	}
	if o.Stats == nil {
		o.Stats = stats.NewAtomicCollector()
	}
	if o.Metrics == nil {
		o.Metrics = NewNoopWALMetrics()
	}
	if o.MaxQueued <= 0 {
		o.MaxQueued = 1
	}
}

func (o *Options) blockSize() uint64 { return 1 << o.BlockNbit }
func (o *Options) fileSize() uint64  { return 1 << o.FileNbit }

// Position locates an appended record in the logical stream.
type Position struct {
	LSN   uint64
	Start uint64
	End   uint64
}

// WAL appends records. Append and Sync must be called from one goroutine;
// Offset, Synced and Prune may be called concurrently with them.
type WAL struct {
	opts   Options
	logger log.Logger
	ctx    context.Context

	mu      sync.Mutex
	offset  uint64 // logical end of the appended stream
	synced  uint64 // logical end of the durable stream
	files   map[uint64]*os.File
	touched map[uint64]struct{}
	closed  bool
	failed  error

	queue   *aio.Queue
	queued  *semaphore.Weighted
	nqueued int64
	ioErr   error
}

// Open starts a writer whose next record begins at logical offset end,
// normally the End returned by Replay.
func Open(opts Options, end uint64) (*WAL, error) {
	opts.setDefaults()
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, status.IOError("create WAL directory", err)
	}
	if opts.FailurePoint != 0 && end >= opts.FailurePoint {
		return nil, fmt.Errorf("%w: log already past failure point %d", ErrEmulatedFailure, opts.FailurePoint)
	}

	return &WAL{
		opts:    opts,
		logger:  opts.Logger.WithField("component", "wal"),
		ctx:     context.Background(),
		offset:  end,
		synced:  end,
		files:   make(map[uint64]*os.File),
		touched: make(map[uint64]struct{}),
		queue:   opts.AIO.NewQueue(),
		queued:  semaphore.NewWeighted(int64(opts.MaxQueued)),
	}, nil
}

// FileName returns the name of log file idx.
func FileName(idx uint64) string {
	return fmt.Sprintf("%08d%s", idx, fileSuffix)
}

// Offset returns the logical end of the appended stream.
func (w *WAL) Offset() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Synced returns the logical end of the durable stream.
func (w *WAL) Synced() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.synced
}

// Err returns the error that failed the log, if any.
func (w *WAL) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

func (w *WAL) file(idx uint64) (*os.File, error) {
	if f, ok := w.files[idx]; ok {
		return f, nil
	}
	f, err := os.OpenFile(filepath.Join(w.opts.Dir, FileName(idx)), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, status.IOError("open WAL file", err)
	}
	w.files[idx] = f
	return f, nil
}

// frame cuts payload into fragments starting at logical offset start and
// returns the bytes to write from start onwards.
func (w *WAL) frame(start uint64, payload []byte) ([]byte, int) {
	bs := w.opts.blockSize()
	var out []byte
	pos := start
	fragments := 0
	first := true

	for first || len(payload) > 0 {
		room := bs - pos%bs
		if room <= HeaderSize {
			out = append(out, make([]byte, room)...)
			pos += room
			continue
		}

		n := min(uint64(len(payload)), room-HeaderSize)
		last := n == uint64(len(payload))
		var typ byte
		switch {
		case first && last:
			typ = RecordTypeFull
		case first:
			typ = RecordTypeFirst
		case last:
			typ = RecordTypeLast
		default:
			typ = RecordTypeMiddle
		}

		frag := make([]byte, HeaderSize+n)
		binary.LittleEndian.PutUint32(frag[8:12], uint32(n))
		frag[12] = typ
		copy(frag[HeaderSize:], payload[:n])
		binary.LittleEndian.PutUint64(frag[0:8], xxhash.Sum64(frag[8:]))

		out = append(out, frag...)
		pos += HeaderSize + n
		payload = payload[n:]
		fragments++
		first = false
	}
	return out, fragments
}

// Append frames rec and submits its writes. The record is durable once a
// later Sync returns. When MaxQueued records are waiting, Append syncs first.
func (w *WAL) Append(rec *Record) (Position, error) {
	startTime := time.Now()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return Position{}, ErrWALClosed
	}
	if w.failed != nil {
		w.mu.Unlock()
		return Position{}, w.failed
	}
	w.mu.Unlock()

	if !w.queued.TryAcquire(1) {
		w.opts.Stats.Add(stats.WALBackpressure, 1)
		w.opts.Metrics.RecordBackpressure(w.ctx)
		if err := w.Sync(); err != nil {
			return Position{}, err
		}
		if err := w.queued.Acquire(w.ctx, 1); err != nil {
			return Position{}, err
		}
	}

	w.mu.Lock()
	start := w.offset
	data, fragments := w.frame(start, rec.Encode())
	end := start + uint64(len(data))

	torn := false
	if fp := w.opts.FailurePoint; fp != 0 && end > fp {
		data = data[:fp-start]
		torn = true
	}
	w.mu.Unlock()

	if err := w.write(start, data); err != nil {
		return Position{}, w.fail(err)
	}
	w.nqueued++

	if torn {
		// Make the torn prefix durable so reopening sees it.
		if err := w.Sync(); err != nil {
			w.logger.Warn("failed to sync torn WAL tail: %v", err)
		}
		w.logger.Warn("emulated failure at WAL offset %d", w.opts.FailurePoint)
		return Position{}, w.fail(ErrEmulatedFailure)
	}

	w.mu.Lock()
	w.offset = end
	w.mu.Unlock()

	w.opts.Stats.Add(stats.WALRecords, 1)
	w.opts.Stats.Add(stats.WALBytes, uint64(len(data)))
	w.opts.Metrics.RecordAppend(w.ctx, time.Since(startTime), int64(len(data)), len(rec.Ops), fragments)
	return Position{LSN: rec.LSN, Start: start, End: end}, nil
}

// write submits data at logical offset start, split at file boundaries.
func (w *WAL) write(start uint64, data []byte) error {
	fs := w.opts.fileSize()
	for len(data) > 0 {
		idx := start >> w.opts.FileNbit
		off := start & (fs - 1)
		n := min(uint64(len(data)), fs-off)

		w.mu.Lock()
		f, err := w.file(idx)
		w.touched[idx] = struct{}{}
		w.mu.Unlock()
		if err != nil {
			return err
		}

		if err := w.submit(&aio.Request{Op: aio.OpWrite, File: f, Offset: int64(off), Buf: data[:n]}); err != nil {
			return err
		}
		data = data[n:]
		start += n
	}
	return nil
}

func (w *WAL) submit(req *aio.Request) error {
	for {
		err := w.queue.Submit(w.ctx, []*aio.Request{req})
		if !errors.Is(err, aio.ErrQueueFull) {
			return err
		}
		if err := w.reap(1); err != nil {
			return err
		}
	}
}

func (w *WAL) reap(min int) error {
	done, err := w.queue.Reap(w.ctx, min)
	for _, req := range done {
		if req.Err != nil && w.ioErr == nil {
			w.ioErr = req.Err
		}
	}
	return err
}

func (w *WAL) drain() error {
	for w.queue.Pending() > 0 {
		if err := w.reap(w.queue.Pending()); err != nil {
			return err
		}
	}
	err := w.ioErr
	w.ioErr = nil
	return err
}

// Sync waits for every submitted write and fsyncs the files they touched.
// Every record appended before Sync is durable when it returns nil.
func (w *WAL) Sync() error {
	startTime := time.Now()
	if err := w.drain(); err != nil {
		return w.fail(err)
	}

	w.mu.Lock()
	var reqs []*aio.Request
	for idx := range w.touched {
		reqs = append(reqs, &aio.Request{Op: aio.OpSync, File: w.files[idx]})
	}
	w.touched = make(map[uint64]struct{})
	target := w.offset
	w.mu.Unlock()

	for _, req := range reqs {
		if err := w.submit(req); err != nil {
			return w.fail(err)
		}
	}
	if err := w.drain(); err != nil {
		return w.fail(err)
	}

	records := w.nqueued
	if records > 0 {
		w.queued.Release(records)
		w.nqueued = 0
	}

	w.mu.Lock()
	w.synced = target
	w.mu.Unlock()

	w.opts.Stats.Add(stats.WALSyncs, 1)
	w.opts.Metrics.RecordSync(w.ctx, time.Since(startTime), int(records))
	return nil
}

func (w *WAL) fail(err error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed == nil {
		w.failed = err
	}
	return w.failed
}

// Prune removes log files that lie wholly before logical offset before.
func (w *WAL) Prune(before uint64) (int, error) {
	idxs, err := ListFiles(w.opts.Dir)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	current := w.offset >> w.opts.FileNbit
	removed := 0
	for _, idx := range idxs {
		if (idx+1)<<w.opts.FileNbit > before || idx >= current {
			continue
		}
		if f, ok := w.files[idx]; ok {
			if _, busy := w.touched[idx]; busy {
				continue
			}
			f.Close()
			delete(w.files, idx)
		}
		if err := os.Remove(filepath.Join(w.opts.Dir, FileName(idx))); err != nil && !os.IsNotExist(err) {
			return removed, status.IOError("remove WAL file", err)
		}
		removed++
	}
	if removed > 0 {
		w.logger.Debug("pruned %d WAL files before offset %d", removed, before)
	}
	return removed, nil
}

// Close syncs outstanding records unless the log has failed, then closes
// every file.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	failed := w.failed
	w.mu.Unlock()

	var firstErr error
	if failed == nil {
		firstErr = w.Sync()
	} else {
		w.drain()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	for idx, f := range w.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = status.IOError("close WAL file", err)
		}
		delete(w.files, idx)
	}
	return firstErr
}

// ListFiles returns the indexes of the log files in dir in ascending order.
func ListFiles(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, status.IOError("list WAL directory", err)
	}

	var idxs []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		idx, err := strconv.ParseUint(strings.TrimSuffix(name, fileSuffix), 10, 64)
		if err != nil {
			continue
		}
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
	return idxs, nil
}
