// Package engine ties the region spaces, the hashed trie index, the block
// store, the write-ahead log, and the write pipeline into a crash-consistent
// key/value store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/KevoDB/regiondb/pkg/aio"
	"github.com/KevoDB/regiondb/pkg/blockstore"
	"github.com/KevoDB/regiondb/pkg/checkpoint"
	"github.com/KevoDB/regiondb/pkg/common/log"
	"github.com/KevoDB/regiondb/pkg/common/status"
	"github.com/KevoDB/regiondb/pkg/config"
	"github.com/KevoDB/regiondb/pkg/pipeline"
	"github.com/KevoDB/regiondb/pkg/region"
	"github.com/KevoDB/regiondb/pkg/stats"
	"github.com/KevoDB/regiondb/pkg/telemetry"
	"github.com/KevoDB/regiondb/pkg/trie"
	"github.com/KevoDB/regiondb/pkg/wal"
)

const (
	nodeSpaceName = "node"
	blkSpaceName  = "blk"
	compSpaceName = "comp"
	walDirName    = "wal"
)

// Option customizes Open.
type Option func(*options)

type options struct {
	logger log.Logger
	tel    telemetry.Telemetry
}

// WithLogger makes the engine log through logger instead of one built from
// the configured log level.
func WithLogger(logger log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTelemetry installs a telemetry provider. The engine does not shut a
// provider it was given down.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(o *options) { o.tel = tel }
}

// Engine is an open database. All methods are safe for concurrent use
// except the maintenance operations (Dump, NewIterator, CheckIntegrity),
// which expect the caller to have stopped all other activity.
type Engine struct {
	dir      string
	cfg      *config.Config
	manifest *config.Manifest
	logger   log.Logger
	stats    *stats.AtomicCollector
	tel      telemetry.Telemetry
	ownsTel  bool
	metrics  EngineMetrics

	aio    *aio.Engine
	walAIO *aio.Engine
	node   *region.Space
	blk    *region.Space
	comp   *region.Space
	index  *trie.Trie
	blocks *blockstore.Store
	log    *wal.WAL
	cp     *checkpoint.Checkpointer
	pipe   *pipeline.Pipeline
	locks  *pipeline.KeyLocks

	// life is held shared by every public operation and exclusively by Close.
	life   sync.RWMutex
	closed atomic.Bool

	// state guards the index, the block store and the spaces. Readers hold
	// it shared; applying records, checkpoints and compaction hold it
	// exclusively.
	state      sync.RWMutex
	meta       *checkpoint.Meta
	applied    uint64
	appliedEnd uint64

	// lastLSN is owned by the committer.
	lastLSN uint64

	failMu sync.Mutex
	failed error

	handleMu   sync.Mutex
	handleCond *sync.Cond
	handles    int
	// draining is set once Close starts waiting for handles.
	draining bool

	profile profile

	// afterLog runs once a group is durable in the log and before it is
	// applied. A non-nil error stops the engine as a crash would.
	afterLog func() error
}

// Open opens the database in dir, creating it when it does not exist. With
// truncate set any existing content is removed first. A nil cfg uses the
// defaults. Reopening an existing database requires the same geometry it was
// created with; other settings may change between opens.
func Open(dir string, cfg *config.Config, truncate bool, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", status.ErrInvalidArgument, err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if truncate {
		if err := os.RemoveAll(dir); err != nil {
			return nil, status.IOError("remove database", err)
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, status.IOError("create database directory", err)
	}

	e := &Engine{
		dir:   dir,
		cfg:   cfg.Clone(),
		stats: stats.NewAtomicCollector(),
		locks: pipeline.NewKeyLocks(),
	}
	e.handleCond = sync.NewCond(&e.handleMu)

	if o.logger != nil {
		e.logger = o.logger.WithField("component", "engine")
	} else {
		level, err := log.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", status.ErrInvalidArgument, err)
		}
		e.logger = log.NewStandardLogger(log.WithLevel(level)).WithField("component", "engine")
	}

	if o.tel != nil {
		e.tel = o.tel
	} else {
		tel, err := telemetry.New(cfg.Telemetry)
		if err != nil {
			e.logger.Warn("telemetry disabled: %v", err)
			tel = telemetry.NewNoop()
		}
		e.tel = tel
		e.ownsTel = true
	}
	e.metrics = NewEngineMetrics(e.tel)

	if err := e.open(); err != nil {
		e.closeResources()
		return nil, err
	}
	return e, nil
}

func (e *Engine) open() error {
	ctx := context.Background()

	if err := e.loadManifest(); err != nil {
		return err
	}

	// Without a checkpoint or a journal nothing in the space files can be
	// referenced, so leftovers of an interrupted first open are dropped.
	// The log is kept: its records are replayed onto the empty database.
	fresh := !fileExists(filepath.Join(e.dir, checkpoint.MetaFileName)) &&
		!fileExists(filepath.Join(e.dir, checkpoint.JournalFileName))
	if fresh {
		for _, name := range []string{nodeSpaceName, blkSpaceName, compSpaceName} {
			if err := os.RemoveAll(filepath.Join(e.dir, name)); err != nil {
				return status.IOError("remove space", err)
			}
		}
	}

	e.aio = aio.New(aio.Options{
		Name:         "data",
		MaxRequests:  e.cfg.MaxAIORequests,
		MaxSubmit:    e.cfg.MaxAIOSubmit,
		MaxResponses: e.cfg.MaxAIOResponses,
		Workers:      e.cfg.AIOWorkers,
		Logger:       e.logger,
		Stats:        e.stats,
	})
	e.walAIO = aio.New(aio.Options{
		Name:        "wal",
		MaxRequests: e.cfg.MaxWALAIORequests,
		Workers:     1,
		Logger:      e.logger,
		Stats:       e.stats,
	})

	var err error
	if e.node, err = e.openSpace(nodeSpaceName, e.cfg.Node); err != nil {
		return err
	}
	if e.blk, err = e.openSpace(blkSpaceName, e.cfg.DataBlk); err != nil {
		return err
	}
	if e.comp, err = e.openSpace(compSpaceName, e.cfg.DataComp); err != nil {
		return err
	}

	e.cp = checkpoint.New(checkpoint.Options{Dir: e.dir, Logger: e.logger, Stats: e.stats})
	if _, err := e.cp.Recover(ctx, e.parts(), e.manifest.DBID()); err != nil {
		return err
	}

	meta, err := checkpoint.LoadMeta(e.dir)
	switch {
	case errors.Is(err, checkpoint.ErrNoCheckpoint):
		root, err := trie.Create(e.node)
		if err != nil {
			return err
		}
		meta = checkpoint.NewMeta(root)
		meta.DBID = e.manifest.DBID()
		fresh = true
	case err != nil:
		return err
	default:
		if meta.DBID != e.manifest.DBID() {
			return fmt.Errorf("%w: checkpoint of database %s found in database %s",
				status.ErrCorruption, meta.DBID, e.manifest.DBID())
		}
		for _, sp := range e.spaces() {
			st, ok := meta.Spaces[sp.Name()]
			if !ok {
				return fmt.Errorf("%w: checkpoint has no state for space %s", status.ErrCorruption, sp.Name())
			}
			if err := sp.LoadState(ctx, st); err != nil {
				return err
			}
		}
	}

	codec, err := blockstore.ParseCodec(e.cfg.Compression)
	if err != nil {
		return fmt.Errorf("%w: %w", status.ErrInvalidArgument, err)
	}
	e.blocks, err = blockstore.New(blockstore.Options{
		Blk:       e.blk,
		Comp:      e.comp,
		Codec:     codec,
		Threshold: e.cfg.CompressionThreshold,
		Stats:     e.stats,
		Logger:    e.logger,
	})
	if err != nil {
		return err
	}
	e.blocks.SetCursors(meta.Cursors)

	// Blocks whose free waited on a reader of the previous run.
	deferred := len(meta.Deferred)
	for _, loc := range meta.Deferred {
		if _, err := e.blocks.Free(loc); err != nil {
			return fmt.Errorf("failed to release deferred block: %w", err)
		}
	}
	meta.Deferred = nil

	if e.index, err = trie.Open(e.node, meta.Root, e.logger); err != nil {
		return err
	}

	walOpts := e.walOptions()
	recStart := e.stats.StartRecovery()
	res, err := wal.Replay(walOpts, meta.WALOffset, meta.LSN, e.replayRecord)
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	var torn uint64
	if res.Torn {
		torn = 1
	}
	files, _ := wal.ListFiles(walOpts.Dir)
	e.stats.FinishRecovery(recStart, uint64(len(files)), uint64(res.Records), torn)
	e.metrics.RecordRecovery(ctx, time.Since(recStart), res.Records, res.Torn)

	e.applied = max(res.LastLSN, meta.LSN)
	e.lastLSN = e.applied
	e.appliedEnd = res.End
	e.meta = meta

	if e.log, err = wal.Open(walOpts, res.End); err != nil {
		return err
	}

	if fresh || res.Records > 0 || deferred > 0 {
		e.state.Lock()
		err := e.checkpointLocked(ctx)
		e.state.Unlock()
		if err != nil {
			return err
		}
	}

	e.pipe = pipeline.New(pipeline.Options{
		MaxBuffered:  e.cfg.MaxBuffered,
		MaxStaging:   e.cfg.MaxStaging,
		MaxSealed:    e.cfg.MaxSealed,
		Sluggishness: e.cfg.Sluggishness,
		WriteTimeout: e.cfg.WriteTimeout,
		Stats:        e.stats,
		Logger:       e.logger,
	}, e.commitGroup)

	e.logger.Info("opened database %s (id %s) with %d keys, recovered %d records",
		e.dir, e.manifest.DBID(), e.index.Len(), res.Records)
	return nil
}

func (e *Engine) loadManifest() error {
	m, err := config.LoadManifest(e.dir)
	if errors.Is(err, config.ErrManifestNotFound) {
		m, err = config.NewManifest(e.dir, uuid.NewString(), e.cfg)
		if err != nil {
			return err
		}
		e.manifest = m
		return m.Save()
	}
	if err != nil {
		return fmt.Errorf("%w: %w", status.ErrCorruption, err)
	}

	changed, err := m.Reconcile(e.cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", status.ErrInvalidArgument, err)
	}
	e.manifest = m
	if changed {
		return m.Save()
	}
	return nil
}

func (e *Engine) openSpace(name string, sc config.SpaceConfig) (*region.Space, error) {
	return region.OpenSpace(region.SpaceOptions{
		Name:       name,
		Dir:        e.dir,
		Config:     sc,
		MaxRegions: e.cfg.MaxRegnID,
		AIO:        e.aio,
		Stats:      e.stats,
		Logger:     e.logger,
	})
}

func (e *Engine) walOptions() wal.Options {
	return wal.Options{
		Dir:          filepath.Join(e.dir, walDirName),
		BlockNbit:    e.cfg.WALBlockNbit,
		FileNbit:     e.cfg.WALFileNbit,
		MaxQueued:    e.cfg.MaxWALQueued,
		FailurePoint: e.cfg.EmulatedFailurePoint,
		AIO:          e.walAIO,
		Logger:       e.logger,
		Stats:        e.stats,
		Metrics:      wal.NewWALMetrics(e.tel),
	}
}

func (e *Engine) spaces() []*region.Space {
	return []*region.Space{e.node, e.blk, e.comp}
}

func (e *Engine) parts() []region.Part {
	var parts []region.Part
	for _, sp := range e.spaces() {
		parts = append(parts, sp.Parts()...)
	}
	return parts
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// enter admits a public operation. Every successful enter must be paired
// with exit.
func (e *Engine) enter() error {
	e.life.RLock()
	if e.closed.Load() {
		e.life.RUnlock()
		return ErrEngineClosed
	}
	return nil
}

func (e *Engine) exit() { e.life.RUnlock() }

// failure returns the error that stopped the engine, if any.
func (e *Engine) failure() error {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	if e.failed == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrEngineFailed, e.failed)
}

// fail stops the engine from accepting writes. The first cause wins.
func (e *Engine) fail(err error) error {
	e.failMu.Lock()
	if e.failed == nil {
		e.failed = err
		e.logger.Error("engine stopped accepting writes: %v", err)
	}
	e.failMu.Unlock()
	return err
}

// Err returns the error that stopped the engine, or nil while it is healthy.
func (e *Engine) Err() error { return e.failure() }

// track records the outcome of a public operation.
func (e *Engine) track(op stats.OperationType, start time.Time, err error) {
	e.stats.TrackOperationWithLatency(op, uint64(time.Since(start).Nanoseconds()))
	e.metrics.RecordOperation(context.Background(), string(op), time.Since(start), err == nil)
	if err != nil && !errors.Is(err, status.ErrNotFound) {
		kind := "unknown"
		if k := status.Kind(err); k != nil {
			kind = k.Error()
		}
		e.stats.TrackError(string(op) + ": " + kind)
	}
}

func (e *Engine) lockKeys(keys ...trie.Key) (func(), error) {
	ctx := context.Background()
	if e.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.WriteTimeout)
		defer cancel()
	}
	return e.locks.Lock(ctx, keys...)
}

// submit hands ops to the pipeline as one atomic write and waits until it
// is applied.
func (e *Engine) submit(ops []wal.Op) error {
	if err := e.failure(); err != nil {
		return err
	}
	w := pipeline.NewWrite(ops)
	err := e.pipe.Do(context.Background(), w)
	if errors.Is(err, pipeline.ErrPipelineClosed) {
		return ErrEngineClosed
	}
	return err
}

// pending is a write of a group on its way through the committer.
type pending struct {
	w    *pipeline.Write
	encs []*blockstore.Encoded
	lsn  uint64
	end  uint64
}

// commitGroup is the pipeline handler: it logs every write of a group,
// makes the log durable, and then applies the writes in order.
func (e *Engine) commitGroup(g *pipeline.Group) {
	ctx := context.Background()
	if err := e.failure(); err != nil {
		for _, w := range g.Writes {
			w.Err = err
		}
		return
	}

	var (
		accepted []*pending
		need     [3][]uint64
	)
	for _, w := range g.Writes {
		encs, err := e.prepare(w.Ops)
		if err != nil {
			w.Err = err
			continue
		}
		add := e.footprint(w.Ops, encs)
		if !e.fits(need, add) {
			w.Err = fmt.Errorf("%w: write of %d ops does not fit", status.ErrOutOfSpace, len(w.Ops))
			continue
		}
		for i := range need {
			need[i] = append(need[i], add[i]...)
		}
		accepted = append(accepted, &pending{w: w, encs: encs})
	}
	if len(accepted) == 0 {
		return
	}

	failAll := func(from int, err error) {
		for _, p := range accepted[from:] {
			p.w.Err = err
		}
	}

	for i, p := range accepted {
		rec := &wal.Record{LSN: e.lastLSN + 1, Ops: p.w.Ops}
		pos, err := e.log.Append(rec)
		if err != nil {
			failAll(0, e.fail(fmt.Errorf("failed to log write: %w", err)))
			return
		}
		e.lastLSN = rec.LSN
		accepted[i].lsn, accepted[i].end = pos.LSN, pos.End
	}
	if err := e.log.Sync(); err != nil {
		failAll(0, e.fail(fmt.Errorf("failed to sync log: %w", err)))
		return
	}
	if e.afterLog != nil {
		if err := e.afterLog(); err != nil {
			failAll(0, e.fail(err))
			return
		}
	}

	e.state.Lock()
	defer e.state.Unlock()
	for i, p := range accepted {
		if err := e.apply(p.w.Ops, p.encs); err != nil {
			failAll(i, e.fail(fmt.Errorf("failed to apply record %d: %w", p.lsn, err)))
			return
		}
		p.w.LSN = p.lsn
		e.applied = p.lsn
		e.appliedEnd = p.end
	}

	if growth := e.log.Offset() - e.meta.WALOffset; int64(growth) > e.cfg.MaxWALGrowth {
		if err := e.checkpointLocked(ctx); err != nil {
			e.logger.Error("checkpoint after %d bytes of log failed: %v", growth, err)
		}
	}
}

// prepare encodes the block of every op that writes a value.
func (e *Engine) prepare(ops []wal.Op) ([]*blockstore.Encoded, error) {
	encs := make([]*blockstore.Encoded, len(ops))
	for i := range ops {
		op := &ops[i]
		if op.Type == wal.OpTypeDelete {
			continue
		}
		enc, err := e.blocks.Encode(op.Key, op.Mode, op.Value)
		if err != nil {
			return nil, err
		}
		encs[i] = enc
	}
	return encs, nil
}

// footprint lists the allocations the ops may need, per space: node space
// first, then the two data spaces. Every put may need a leaf and the two
// nodes of a split.
func (e *Engine) footprint(ops []wal.Op, encs []*blockstore.Encoded) [3][]uint64 {
	var out [3][]uint64
	for i, enc := range encs {
		if enc == nil {
			continue
		}
		out[1+enc.Space] = append(out[1+enc.Space], uint64(len(enc.Data)))
		if ops[i].Type == wal.OpTypePut || ops[i].Type == wal.OpTypeModify {
			out[0] = append(out[0], trie.LeafSize, trie.NodeSize, trie.NodeSize)
		}
	}
	return out
}

func (e *Engine) fits(need, add [3][]uint64) bool {
	for i, sp := range e.spaces() {
		if len(add[i]) == 0 {
			continue
		}
		sizes := append(append([]uint64(nil), need[i]...), add[i]...)
		if !sp.Allocator().Fits(sizes) {
			return false
		}
	}
	return true
}

// replayRecord applies a record found in the log at open.
func (e *Engine) replayRecord(rec *wal.Record) error {
	encs, err := e.prepare(rec.Ops)
	if err != nil {
		return err
	}
	if err := e.apply(rec.Ops, encs); err != nil {
		return fmt.Errorf("failed to replay record %d: %w", rec.LSN, err)
	}
	return nil
}

// apply makes the ops of one record visible. Callers hold state
// exclusively.
func (e *Engine) apply(ops []wal.Op, encs []*blockstore.Encoded) error {
	for i := range ops {
		op := &ops[i]
		var err error
		switch op.Type {
		case wal.OpTypePut:
			err = e.applyPut(op.IndexKey, encs[i])
		case wal.OpTypeModify:
			err = e.applyModify(op, encs[i])
		case wal.OpTypeDelete:
			err = e.applyDelete(op.IndexKey)
		default:
			err = fmt.Errorf("%w: unknown op type %d", status.ErrCorruption, op.Type)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyPut(ikey trie.Key, enc *blockstore.Encoded) error {
	loc, err := e.blocks.Write(enc)
	if err != nil {
		return err
	}
	prev, replaced, err := e.index.Insert(ikey, loc)
	if err != nil {
		if _, ferr := e.blocks.Free(loc); ferr != nil {
			e.logger.Warn("failed to free unindexed block at %d: %v", loc.Addr, ferr)
		}
		return err
	}
	if replaced {
		if _, err := e.blocks.Free(prev); err != nil {
			return fmt.Errorf("failed to free replaced block: %w", err)
		}
	}
	return nil
}

// applyModify rewrites the block in place when nobody views it and the
// value keeps its length and stays uncompressed. Otherwise the new value
// goes to a fresh block.
func (e *Engine) applyModify(op *wal.Op, enc *blockstore.Encoded) error {
	loc, ok, err := e.index.Lookup(op.IndexKey)
	if err != nil {
		return err
	}
	if !ok {
		return e.applyPut(op.IndexKey, enc)
	}
	if loc.Space == blockstore.SpaceBlk && enc.Space == blockstore.SpaceBlk && !e.blocks.Pinned(loc) {
		h, err := e.blocks.ReadHeader(loc)
		if err != nil {
			return err
		}
		if h.Codec == blockstore.CodecNone && int(h.RawLen) == len(op.Value) {
			return e.blocks.Rewrite(loc, op.Value)
		}
	}
	return e.applyPut(op.IndexKey, enc)
}

func (e *Engine) applyDelete(ikey trie.Key) error {
	prev, ok, err := e.index.Remove(ikey)
	if err != nil || !ok {
		return err
	}
	if _, err := e.blocks.Free(prev); err != nil {
		return fmt.Errorf("failed to free deleted block: %w", err)
	}
	return nil
}

// checkpointLocked runs a bounded compaction pass and writes a checkpoint of
// everything applied so far. Callers hold state exclusively.
func (e *Engine) checkpointLocked(ctx context.Context) error {
	start := time.Now()
	if e.cfg.DataCompMaxWalk > 0 {
		if _, err := e.compactLocked(ctx); err != nil {
			e.logger.Warn("compaction before checkpoint failed: %v", err)
		}
	}

	meta := *e.meta
	meta.Spaces = make(map[string]region.SpaceState, 3)
	for _, sp := range e.spaces() {
		st, err := sp.SaveState(ctx)
		if err != nil {
			return fmt.Errorf("failed to save state of space %s: %w", sp.Name(), err)
		}
		meta.Spaces[sp.Name()] = st
	}
	meta.LSN = e.applied
	meta.WALOffset = e.appliedEnd
	meta.Root = e.index.Root()
	meta.Cursors = e.blocks.Cursors()
	meta.Deferred = e.blocks.Deferred()

	res, err := e.cp.Write(ctx, e.parts(), &meta)
	e.metrics.RecordCheckpoint(ctx, time.Since(start), res.Regions, res.Bytes)
	if err != nil {
		return e.fail(fmt.Errorf("checkpoint failed: %w", err))
	}
	e.meta = &meta

	if n, err := e.log.Prune(meta.WALOffset); err != nil {
		e.logger.Warn("failed to prune log: %v", err)
	} else if n > 0 {
		e.logger.Debug("pruned %d log files before offset %d", n, meta.WALOffset)
	}
	return nil
}

// compactLocked walks at most DataCompMaxWalk regions of each data space.
// A block is relocated together with its index entry, so a failed pass
// leaves the database consistent.
func (e *Engine) compactLocked(ctx context.Context) (blockstore.CompactResult, error) {
	start := time.Now()
	res, err := e.blocks.Compact(max(e.cfg.DataCompMaxWalk, 1), e.relocate)
	e.metrics.RecordCompaction(ctx, time.Since(start), res)
	return res, err
}

// relocate repoints the entry of a block that compaction moved.
func (e *Engine) relocate(key []byte, mode uint8, src, dst trie.Location) error {
	ikey, err := IndexKey(KeyMode(mode), key)
	if err != nil {
		return fmt.Errorf("%w: block at %d has an invalid key: %w", status.ErrCorruption, src.Addr, err)
	}
	return e.index.Update(ikey, src, dst)
}

func (e *Engine) addHandle() error {
	e.handleMu.Lock()
	defer e.handleMu.Unlock()
	if e.draining {
		return ErrEngineClosed
	}
	e.handles++
	return nil
}

func (e *Engine) releaseHandle() {
	e.handleMu.Lock()
	e.handles--
	if e.handles == 0 {
		e.handleCond.Broadcast()
	}
	e.handleMu.Unlock()
}

// Close waits for every value handle to be released and for in-flight
// operations to finish, checkpoints, and closes all files. Operations
// started after Close began fail with ErrEngineClosed.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.handleMu.Lock()
	e.draining = true
	for e.handles > 0 {
		e.handleCond.Wait()
	}
	e.handleMu.Unlock()

	e.life.Lock()
	defer e.life.Unlock()

	e.pipe.Close()

	var firstErr error
	if e.failure() == nil {
		e.state.Lock()
		firstErr = e.checkpointLocked(context.Background())
		e.state.Unlock()
	} else {
		e.logger.Warn("closing failed engine without checkpoint")
	}

	if err := e.closeResources(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.logger.Info("closed database %s", e.dir)
	return firstErr
}

// closeResources closes whatever open managed to set up.
func (e *Engine) closeResources() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if e.log != nil {
		keep(e.log.Close())
	}
	if e.blocks != nil {
		keep(e.blocks.Close())
	}
	for _, sp := range []*region.Space{e.node, e.blk, e.comp} {
		if sp != nil {
			keep(sp.Close())
		}
	}
	if e.walAIO != nil {
		keep(e.walAIO.Close())
	}
	if e.aio != nil {
		keep(e.aio.Close())
	}
	if e.ownsTel && e.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		keep(e.tel.Shutdown(ctx))
		cancel()
	}
	return firstErr
}
