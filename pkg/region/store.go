// Package region implements the region-organized storage shared by the index
// and the data block store: file-backed region stores, a bounded region cache
// with swap, an address-ordered free-space allocator and the Space type that
// ties them together.
package region

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/KevoDB/regiondb/pkg/aio"
	"github.com/KevoDB/regiondb/pkg/common/log"
	"github.com/KevoDB/regiondb/pkg/common/status"
)

// Geometry describes how regions are laid out in files.
type Geometry struct {
	FileNbit uint
	RegnNbit uint
}

// RegionSize returns the size of one region in bytes.
func (g Geometry) RegionSize() int { return 1 << g.RegnNbit }

// RegionsPerFile returns how many regions one file holds.
func (g Geometry) RegionsPerFile() uint64 { return 1 << (g.FileNbit - g.RegnNbit) }

// Locate maps a region id to its file index and byte offset in that file.
func (g Geometry) Locate(id uint64) (uint64, int64) {
	per := g.RegionsPerFile()
	return id / per, int64(id%per) << g.RegnNbit
}

// RegionOf returns the region holding addr.
func (g Geometry) RegionOf(addr uint64) uint64 { return addr >> g.RegnNbit }

// RegionStart returns the first address of region id.
func (g Geometry) RegionStart(id uint64) uint64 { return id << g.RegnNbit }

// RegionData is the content of one region to be written.
type RegionData struct {
	ID   uint64
	Data []byte
}

// Store keeps regions in files named <prefix>-NNNNNN.dat. All reads and
// writes go through the async I/O engine.
type Store struct {
	dir    string
	prefix string
	geo    Geometry
	eng    *aio.Engine
	logger log.Logger

	mu     sync.Mutex
	files  map[uint64]*os.File
	queues sync.Pool
}

// OpenStore opens the region files of a store, creating the directory if needed.
func OpenStore(dir, prefix string, geo Geometry, eng *aio.Engine, logger log.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, status.IOError("create store directory", err)
	}
	if logger == nil {
		logger = log.GetDefaultLogger()
	}

	s := &Store{
		dir:    dir,
		prefix: prefix,
		geo:    geo,
		eng:    eng,
		logger: logger.WithField("store", prefix),
		files:  make(map[uint64]*os.File),
	}
	s.queues.New = func() interface{} { return eng.NewQueue() }
	return s, nil
}

// Geometry returns the layout of the store.
func (s *Store) Geometry() Geometry { return s.geo }

// Dir returns the directory holding the store files.
func (s *Store) Dir() string { return s.dir }

// Prefix returns the file name prefix of the store.
func (s *Store) Prefix() string { return s.prefix }

func (s *Store) path(idx uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%06d.dat", s.prefix, idx))
}

// file returns the open file with the given index. When create is false and
// the file does not exist it returns nil.
func (s *Store) file(idx uint64, create bool) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.files[idx]; ok {
		return f, nil
	}

	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(s.path(idx), flags, 0644)
	if err != nil {
		if os.IsNotExist(err) && !create {
			return nil, nil
		}
		return nil, status.IOError("open region file", err)
	}
	s.files[idx] = f
	return f, nil
}

func (s *Store) do(ctx context.Context, reqs []*aio.Request) error {
	q := s.queues.Get().(*aio.Queue)
	err := q.Do(ctx, reqs)
	if q.Pending() == 0 {
		s.queues.Put(q)
	}
	return err
}

// ReadRegion fills buf with the content of region id. Regions never written
// read as zeros.
func (s *Store) ReadRegion(ctx context.Context, id uint64, buf []byte) error {
	idx, off := s.geo.Locate(id)
	f, err := s.file(idx, false)
	if err != nil {
		return err
	}
	if f == nil {
		clear(buf)
		return nil
	}
	return s.do(ctx, []*aio.Request{{Op: aio.OpRead, File: f, Offset: off, Buf: buf, Tag: id}})
}

// WriteRegions writes every region in place.
func (s *Store) WriteRegions(ctx context.Context, regions []RegionData) error {
	reqs := make([]*aio.Request, 0, len(regions))
	for _, r := range regions {
		idx, off := s.geo.Locate(r.ID)
		f, err := s.file(idx, true)
		if err != nil {
			return err
		}
		reqs = append(reqs, &aio.Request{Op: aio.OpWrite, File: f, Offset: off, Buf: r.Data, Tag: r.ID})
	}
	return s.do(ctx, reqs)
}

// ReadFileAt and WriteFileAt run a single positional request on f.
func (s *Store) ReadFileAt(ctx context.Context, f *os.File, off int64, buf []byte) error {
	return s.do(ctx, []*aio.Request{{Op: aio.OpRead, File: f, Offset: off, Buf: buf}})
}

func (s *Store) WriteFileAt(ctx context.Context, f *os.File, off int64, buf []byte) error {
	return s.do(ctx, []*aio.Request{{Op: aio.OpWrite, File: f, Offset: off, Buf: buf}})
}

// Sync flushes every open file of the store.
func (s *Store) Sync(ctx context.Context) error {
	s.mu.Lock()
	reqs := make([]*aio.Request, 0, len(s.files))
	for _, f := range s.files {
		reqs = append(reqs, &aio.Request{Op: aio.OpSync, File: f})
	}
	s.mu.Unlock()

	return s.do(ctx, reqs)
}

// Files lists the indexes of the files present on disk, in order.
func (s *Store) Files() ([]uint64, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, s.prefix+"-*.dat"))
	if err != nil {
		return nil, err
	}
	var out []uint64
	for _, m := range matches {
		var idx uint64
		if _, err := fmt.Sscanf(filepath.Base(m), s.prefix+"-%06d.dat", &idx); err == nil {
			out = append(out, idx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Close closes every open file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for idx, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = status.IOError("close region file", err)
		}
		delete(s.files, idx)
	}
	return firstErr
}
