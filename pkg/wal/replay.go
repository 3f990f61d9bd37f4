package wal

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/mmap"

	"github.com/KevoDB/regiondb/pkg/common/status"
	"github.com/KevoDB/regiondb/pkg/stats"
)

// ReplayResult describes what Replay found.
type ReplayResult struct {
	// End is the logical offset just past the last valid record. New
	// records are appended from here.
	End     uint64
	LastLSN uint64
	Records int
	// Torn is set when replay stopped at an invalid or out-of-order
	// fragment rather than at the end of the written log.
	Torn   bool
	Reason string
}

// Replay reads the log from logical offset from and calls fn for each
// record in order. The first record must carry LSN afterLSN+1 and every
// following one the next LSN. Replay stops at the first fragment that is
// torn, fails its checksum, or breaks the LSN sequence; the log is then
// truncated at the end of the last good record and any later files are
// removed. An error from fn aborts the replay and leaves the log untouched.
func Replay(opts Options, from, afterLSN uint64, fn func(*Record) error) (ReplayResult, error) {
	opts.setDefaults()
	startTime := time.Now()
	logger := opts.Logger.WithField("component", "wal")

	r := &replayer{opts: opts, readers: make(map[uint64]*mmap.ReaderAt)}
	defer r.close()

	res := ReplayResult{End: from, LastLSN: afterLSN}
	pos := from
	var payload []byte
	inRecord := false

	for {
		frag, next, reason, err := r.fragment(pos)
		if err != nil {
			return res, err
		}
		if reason != "" {
			if reason != "end of log" || inRecord {
				res.Torn = true
				res.Reason = reason
			}
			break
		}
		pos = next

		switch frag.typ {
		case RecordTypeFull, RecordTypeFirst:
			if inRecord {
				res.Torn, res.Reason = true, "record restarted before its last fragment"
				break
			}
			payload = append(payload[:0], frag.data...)
			inRecord = frag.typ == RecordTypeFirst
		case RecordTypeMiddle, RecordTypeLast:
			if !inRecord {
				res.Torn, res.Reason = true, "continuation fragment without a first fragment"
				break
			}
			payload = append(payload, frag.data...)
			inRecord = frag.typ == RecordTypeMiddle
		}
		if res.Torn {
			break
		}
		if inRecord {
			continue
		}

		rec, err := DecodeRecord(payload)
		if err != nil {
			res.Torn, res.Reason = true, err.Error()
			break
		}
		if rec.LSN != res.LastLSN+1 {
			res.Torn, res.Reason = true, fmt.Sprintf("LSN %d follows %d", rec.LSN, res.LastLSN)
			break
		}
		// fn may keep the record; detach it from the scratch buffer.
		payload = nil
		if err := fn(rec); err != nil {
			return res, fmt.Errorf("failed to apply WAL record %d: %w", rec.LSN, err)
		}
		res.End = pos
		res.LastLSN = rec.LSN
		res.Records++
	}
	r.close()

	if res.Torn {
		opts.Stats.Add(stats.WALTornTails, 1)
		opts.Metrics.RecordCorruption(context.Background(), "torn")
		logger.Warn("WAL replay stopped at offset %d: %s", res.End, res.Reason)
	}
	if err := truncateAfter(opts, res.End); err != nil {
		return res, err
	}

	opts.Metrics.RecordReplay(context.Background(), time.Since(startTime), res.Records)
	logger.Info("replayed %d WAL records up to LSN %d", res.Records, res.LastLSN)
	return res, nil
}

type fragment struct {
	typ  byte
	data []byte
}

type replayer struct {
	opts    Options
	readers map[uint64]*mmap.ReaderAt
}

func (r *replayer) reader(idx uint64) (*mmap.ReaderAt, error) {
	if m, ok := r.readers[idx]; ok {
		return m, nil
	}
	m, err := mmap.Open(filepath.Join(r.opts.Dir, FileName(idx)))
	if err != nil {
		if os.IsNotExist(err) {
			r.readers[idx] = nil
			return nil, nil
		}
		return nil, status.IOError("map WAL file", err)
	}
	r.readers[idx] = m
	return m, nil
}

// fragment reads the fragment at or after pos. A non-empty reason means the
// log ends there.
func (r *replayer) fragment(pos uint64) (fragment, uint64, string, error) {
	bs := r.opts.blockSize()
	if room := bs - pos%bs; room <= HeaderSize {
		pos += room
	}
	room := bs - pos%bs

	m, err := r.reader(pos >> r.opts.FileNbit)
	if err != nil {
		return fragment{}, 0, "", err
	}
	off := int64(pos & (r.opts.fileSize() - 1))
	if m == nil || off+HeaderSize > int64(m.Len()) {
		return fragment{}, 0, "end of log", nil
	}

	var hdr [HeaderSize]byte
	if _, err := m.ReadAt(hdr[:], off); err != nil {
		return fragment{}, 0, "", status.IOError("read WAL header", err)
	}
	if hdr == [HeaderSize]byte{} {
		return fragment{}, 0, "end of log", nil
	}

	n := uint64(binary.LittleEndian.Uint32(hdr[8:12]))
	typ := hdr[12]
	if typ < RecordTypeFull || typ > RecordTypeLast {
		return fragment{}, 0, fmt.Sprintf("fragment type %d", typ), nil
	}
	if n > room-HeaderSize {
		return fragment{}, 0, "fragment crosses its block", nil
	}
	if off+HeaderSize+int64(n) > int64(m.Len()) {
		return fragment{}, 0, "fragment cut short", nil
	}

	buf := make([]byte, HeaderSize+n)
	if _, err := m.ReadAt(buf, off); err != nil {
		return fragment{}, 0, "", status.IOError("read WAL fragment", err)
	}
	if xxhash.Sum64(buf[8:]) != binary.LittleEndian.Uint64(buf[0:8]) {
		return fragment{}, 0, "checksum mismatch", nil
	}
	return fragment{typ: typ, data: buf[HeaderSize:]}, pos + HeaderSize + n, "", nil
}

func (r *replayer) close() {
	for idx, m := range r.readers {
		if m != nil {
			m.Close()
		}
		delete(r.readers, idx)
	}
}

// truncateAfter cuts the log at logical offset end.
func truncateAfter(opts Options, end uint64) error {
	idxs, err := ListFiles(opts.Dir)
	if err != nil {
		return err
	}
	last := end >> opts.FileNbit
	for _, idx := range idxs {
		path := filepath.Join(opts.Dir, FileName(idx))
		switch {
		case idx == last:
			if err := os.Truncate(path, int64(end&(opts.fileSize()-1))); err != nil {
				return status.IOError("truncate WAL file", err)
			}
		case idx > last:
			if err := os.Remove(path); err != nil {
				return status.IOError("remove WAL file", err)
			}
		}
	}
	return nil
}
