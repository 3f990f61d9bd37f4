// Package checkpoint writes the dirty regions of every store back to their
// files without ever leaving a half-written state behind.
//
// A checkpoint first streams all dirty regions and the new meta into a
// journal, fsyncs it, and only then overwrites regions in place. If the
// process dies while regions are being written, Recover finds the complete
// journal on the next open and writes it again. A journal without a valid
// trailer was never complete; the files still hold the previous checkpoint
// and the journal is discarded.
package checkpoint

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"golang.org/x/exp/mmap"

	"github.com/KevoDB/regiondb/pkg/common/log"
	"github.com/KevoDB/regiondb/pkg/common/status"
	"github.com/KevoDB/regiondb/pkg/region"
	"github.com/KevoDB/regiondb/pkg/stats"
	"github.com/KevoDB/regiondb/pkg/trie"
)

const (
	MetaFileName    = "CHECKPOINT"
	JournalFileName = "checkpoint.journal"

	// MetaVersion is the current meta format.
	MetaVersion = 1

	journalMagic   = "RDBJ"
	journalVersion = 1

	tagEntry = 'E'
	tagEnd   = 'Z'

	// tag(1) count(8) checksum(8)
	trailerSize = 17
)

var (
	// ErrNoCheckpoint is returned by LoadMeta for a database never checkpointed.
	ErrNoCheckpoint = errors.New("no checkpoint")
	// ErrForeignJournal is returned when a journal belongs to another database.
	ErrForeignJournal = fmt.Errorf("%w: checkpoint journal belongs to another database", status.ErrCorruption)
)

// Meta is the root of a checkpoint. Everything reachable from it is in the
// region files once it has been saved.
type Meta struct {
	Version  int    `json:"version"`
	DBID     string `json:"db_id"`
	Sequence uint64 `json:"sequence"`

	// LSN is the last log record whose effects are included.
	LSN uint64 `json:"lsn"`
	// WALOffset is where replay starts.
	WALOffset uint64 `json:"wal_offset"`

	Root    uint64                       `json:"root"`
	Spaces  map[string]region.SpaceState `json:"spaces"`
	Cursors []uint64                     `json:"cursors,omitempty"`
	// Deferred lists blocks freed while a reader still viewed them. Nothing
	// references them once the engine reopens.
	Deferred []trie.Location `json:"deferred,omitempty"`

	Timestamp int64 `json:"timestamp"`
}

// NewMeta returns the meta of an empty database with a fresh id.
func NewMeta(root uint64) *Meta {
	return &Meta{
		Version: MetaVersion,
		DBID:    uuid.NewString(),
		Root:    root,
		Spaces:  make(map[string]region.SpaceState),
	}
}

// Result summarises one checkpoint.
type Result struct {
	Sequence uint64
	Regions  int
	Bytes    int64
	Duration time.Duration
}

// Options configures a Checkpointer.
type Options struct {
	Dir    string
	Logger log.Logger
	Stats  stats.Collector
}

// Checkpointer writes and recovers checkpoints of one database directory.
type Checkpointer struct {
	dir    string
	logger log.Logger
	stats  stats.Collector
}

// New creates a Checkpointer for the database in opts.Dir.
func New(opts Options) *Checkpointer {
	if opts.Logger == nil {
		opts.Logger = log.GetDefaultLogger()
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewAtomicCollector()
	}
	return &Checkpointer{
		dir:    opts.Dir,
		logger: opts.Logger.WithField("component", "checkpoint"),
		stats:  opts.Stats,
	}
}

func (c *Checkpointer) journalPath() string { return filepath.Join(c.dir, JournalFileName) }

// Write makes every dirty region of parts durable and then installs meta.
// No other operation may touch the caches of parts while it runs. On
// success all caches are clean.
func (c *Checkpointer) Write(ctx context.Context, parts []region.Part, meta *Meta) (Result, error) {
	start := time.Now()
	meta.Version = MetaVersion
	meta.Sequence++
	meta.Timestamp = start.Unix()
	res := Result{Sequence: meta.Sequence}

	regions, bytes, err := c.writeJournal(ctx, parts, meta)
	if err != nil {
		os.Remove(c.journalPath())
		return res, err
	}
	res.Regions, res.Bytes = regions, bytes

	for _, p := range parts {
		err := p.Cache.ForEachDirty(ctx, func(id uint64, data []byte) error {
			return p.Store.WriteRegions(ctx, []region.RegionData{{ID: id, Data: data}})
		})
		if err != nil {
			return res, fmt.Errorf("failed to write back %s: %w", p.Name, err)
		}
	}
	if err := syncParts(ctx, parts); err != nil {
		return res, err
	}
	if err := SaveMeta(c.dir, meta); err != nil {
		return res, err
	}
	for _, p := range parts {
		if err := p.Cache.MarkClean(); err != nil {
			return res, err
		}
	}
	if err := os.Remove(c.journalPath()); err != nil {
		return res, status.IOError("remove checkpoint journal", err)
	}
	if err := syncDir(c.dir); err != nil {
		return res, err
	}

	res.Duration = time.Since(start)
	c.stats.Add(stats.CheckpointPages, uint64(res.Regions))
	c.stats.TrackOperationWithLatency(stats.OpCheckpoint, uint64(res.Duration.Nanoseconds()))
	c.logger.Debug("checkpoint %d wrote %d regions (%d bytes) in %v", res.Sequence, res.Regions, res.Bytes, res.Duration)
	return res, nil
}

// writeJournal streams the dirty regions and meta into the journal and
// makes it durable. Layout:
//
//	magic(4) version(4) metaLen(4) meta
//	{ 'E' nameLen(2) name id(8) dataLen(4) data }*
//	'Z' count(8) xxhash64-of-everything-before(8)
func (c *Checkpointer) writeJournal(ctx context.Context, parts []region.Part, meta *Meta) (int, int64, error) {
	metaData, err := json.Marshal(meta)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to marshal checkpoint meta: %w", err)
	}

	f, err := os.OpenFile(c.journalPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return 0, 0, status.IOError("create checkpoint journal", err)
	}
	defer f.Close()

	digest := xxhash.New()
	bw := bufio.NewWriterSize(f, 1<<20)
	w := io.MultiWriter(bw, digest)

	var hdr [12]byte
	copy(hdr[0:4], journalMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], journalVersion)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(metaData)))
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, 0, status.IOError("write checkpoint journal", err)
	}
	if _, err := w.Write(metaData); err != nil {
		return 0, 0, status.IOError("write checkpoint journal", err)
	}

	count := 0
	var bytes int64
	for _, p := range parts {
		name := []byte(p.Name)
		err := p.Cache.ForEachDirty(ctx, func(id uint64, data []byte) error {
			eh := make([]byte, 0, 1+2+len(name)+8+4)
			eh = append(eh, tagEntry)
			eh = binary.LittleEndian.AppendUint16(eh, uint16(len(name)))
			eh = append(eh, name...)
			eh = binary.LittleEndian.AppendUint64(eh, id)
			eh = binary.LittleEndian.AppendUint32(eh, uint32(len(data)))
			if _, err := w.Write(eh); err != nil {
				return err
			}
			if _, err := w.Write(data); err != nil {
				return err
			}
			count++
			bytes += int64(len(data))
			return nil
		})
		if err != nil {
			return 0, 0, status.IOError("write checkpoint journal", err)
		}
	}

	trailer := make([]byte, 0, trailerSize)
	trailer = append(trailer, tagEnd)
	trailer = binary.LittleEndian.AppendUint64(trailer, uint64(count))
	if _, err := w.Write(trailer); err != nil {
		return 0, 0, status.IOError("write checkpoint journal", err)
	}
	if _, err := bw.Write(binary.LittleEndian.AppendUint64(nil, digest.Sum64())); err != nil {
		return 0, 0, status.IOError("write checkpoint journal", err)
	}
	if err := bw.Flush(); err != nil {
		return 0, 0, status.IOError("flush checkpoint journal", err)
	}
	if err := f.Sync(); err != nil {
		return 0, 0, status.IOError("sync checkpoint journal", err)
	}
	if err := syncDir(c.dir); err != nil {
		return 0, 0, err
	}
	return count, bytes, nil
}

// journalEntry locates one region image inside the journal.
type journalEntry struct {
	part string
	id   uint64
	off  int64
	size int
}

// Recover finishes a checkpoint interrupted after its journal became
// durable. It must run before anything is read from parts. It reports
// whether a journal was replayed.
func (c *Checkpointer) Recover(ctx context.Context, parts []region.Part, dbID string) (bool, error) {
	m, err := mmap.Open(c.journalPath())
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, status.IOError("open checkpoint journal", err)
	}
	defer m.Close()

	meta, entries, err := parseJournal(m, int64(m.Len()))
	if err != nil {
		c.logger.Warn("discarding incomplete checkpoint journal: %v", err)
		if err := os.Remove(c.journalPath()); err != nil {
			return false, status.IOError("remove checkpoint journal", err)
		}
		return false, syncDir(c.dir)
	}
	if dbID != "" && meta.DBID != dbID {
		return false, fmt.Errorf("%w: journal %s, database %s", ErrForeignJournal, meta.DBID, dbID)
	}

	byName := make(map[string]region.Part, len(parts))
	for _, p := range parts {
		byName[p.Name] = p
	}
	var data []byte
	for _, e := range entries {
		p, ok := byName[e.part]
		if !ok {
			return false, fmt.Errorf("%w: journal entry for unknown store %q", status.ErrCorruption, e.part)
		}
		if e.size != p.Store.Geometry().RegionSize() {
			return false, fmt.Errorf("%w: journal entry of %d bytes for %s", status.ErrCorruption, e.size, e.part)
		}
		if cap(data) < e.size {
			data = make([]byte, e.size)
		}
		data = data[:e.size]
		if _, err := m.ReadAt(data, e.off); err != nil {
			return false, status.IOError("read checkpoint journal", err)
		}
		if err := p.Store.WriteRegions(ctx, []region.RegionData{{ID: e.id, Data: data}}); err != nil {
			return false, err
		}
	}
	if err := syncParts(ctx, parts); err != nil {
		return false, err
	}
	if err := SaveMeta(c.dir, meta); err != nil {
		return false, err
	}
	if err := os.Remove(c.journalPath()); err != nil {
		return false, status.IOError("remove checkpoint journal", err)
	}

	c.logger.Info("redid checkpoint %d from journal (%d regions)", meta.Sequence, len(entries))
	return true, syncDir(c.dir)
}

// parseJournal validates the journal in r and indexes its entries without
// reading the region images.
func parseJournal(r io.ReaderAt, size int64) (*Meta, []journalEntry, error) {
	if size < 12+trailerSize {
		return nil, nil, fmt.Errorf("journal of %d bytes", size)
	}
	sumAt := size - 8
	digest := xxhash.New()
	if _, err := io.Copy(digest, io.NewSectionReader(r, 0, sumAt)); err != nil {
		return nil, nil, err
	}
	sum, err := readAt(r, sumAt, 8)
	if err != nil {
		return nil, nil, err
	}
	if digest.Sum64() != binary.LittleEndian.Uint64(sum) {
		return nil, nil, errors.New("checksum mismatch")
	}

	hdr, err := readAt(r, 0, 12)
	if err != nil {
		return nil, nil, err
	}
	if string(hdr[0:4]) != journalMagic || binary.LittleEndian.Uint32(hdr[4:8]) != journalVersion {
		return nil, nil, errors.New("bad header")
	}

	metaLen := int64(binary.LittleEndian.Uint32(hdr[8:12]))
	off := int64(12)
	end := size - trailerSize
	if off+metaLen > end {
		return nil, nil, errors.New("meta truncated")
	}
	metaData, err := readAt(r, off, int(metaLen))
	if err != nil {
		return nil, nil, err
	}
	meta := &Meta{}
	if err := json.Unmarshal(metaData, meta); err != nil {
		return nil, nil, fmt.Errorf("meta: %w", err)
	}
	off += metaLen

	var entries []journalEntry
	for off < end {
		if off+3 > end {
			return nil, nil, fmt.Errorf("bad entry at %d", off)
		}
		eh, err := readAt(r, off, 3)
		if err != nil {
			return nil, nil, err
		}
		if eh[0] != tagEntry {
			return nil, nil, fmt.Errorf("bad entry at %d", off)
		}
		nameLen := int64(binary.LittleEndian.Uint16(eh[1:]))
		off += 3
		if off+nameLen+12 > end {
			return nil, nil, fmt.Errorf("entry header truncated at %d", off)
		}
		rest, err := readAt(r, off, int(nameLen+12))
		if err != nil {
			return nil, nil, err
		}
		e := journalEntry{
			part: string(rest[:nameLen]),
			id:   binary.LittleEndian.Uint64(rest[nameLen:]),
			size: int(binary.LittleEndian.Uint32(rest[nameLen+8:])),
		}
		off += nameLen + 12
		if off+int64(e.size) > end {
			return nil, nil, fmt.Errorf("entry data truncated at %d", off)
		}
		e.off = off
		off += int64(e.size)
		entries = append(entries, e)
	}

	trailer, err := readAt(r, end, trailerSize)
	if err != nil {
		return nil, nil, err
	}
	if trailer[0] != tagEnd || binary.LittleEndian.Uint64(trailer[1:9]) != uint64(len(entries)) {
		return nil, nil, errors.New("bad trailer")
	}
	return meta, entries, nil
}

func readAt(r io.ReaderAt, off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := r.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// LoadMeta reads the installed checkpoint meta.
func LoadMeta(dir string) (*Meta, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetaFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, status.IOError("read checkpoint meta", err)
	}
	meta := &Meta{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("%w: checkpoint meta: %v", status.ErrCorruption, err)
	}
	if meta.Version != MetaVersion {
		return nil, fmt.Errorf("%w: checkpoint meta version %d", status.ErrCorruption, meta.Version)
	}
	if meta.Spaces == nil {
		meta.Spaces = make(map[string]region.SpaceState)
	}
	return meta, nil
}

// SaveMeta atomically replaces the checkpoint meta.
func SaveMeta(dir string, meta *Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint meta: %w", err)
	}

	path := filepath.Join(dir, MetaFileName)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return status.IOError("create checkpoint meta", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return status.IOError("write checkpoint meta", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return status.IOError("sync checkpoint meta", err)
	}
	if err := f.Close(); err != nil {
		return status.IOError("close checkpoint meta", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return status.IOError("install checkpoint meta", err)
	}
	return syncDir(dir)
}

func syncParts(ctx context.Context, parts []region.Part) error {
	for _, p := range parts {
		if err := p.Store.Sync(ctx); err != nil {
			return fmt.Errorf("failed to sync %s: %w", p.Name, err)
		}
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return status.IOError("open directory", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return status.IOError("sync directory", err)
	}
	return nil
}
