// Package pipeline moves writes through three bounded stages before they
// are committed:
//
//	buffered -> staging -> sealed -> commit
//
// Writers block while the buffered stage is full. A promoter drains
// buffered writes into a staging group, lingering for up to Sluggishness
// rounds to let more writes join, and seals the group. A single committer
// hands sealed groups to the Handler in order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevoDB/regiondb/pkg/common/log"
	"github.com/KevoDB/regiondb/pkg/common/status"
	"github.com/KevoDB/regiondb/pkg/stats"
	"github.com/KevoDB/regiondb/pkg/wal"
)

var (
	ErrPipelineClosed = fmt.Errorf("%w: write pipeline is closed", status.ErrClosed)
	ErrStageFull      = fmt.Errorf("%w: write pipeline is full", status.ErrBusy)
)

// DefaultLinger is the length of one linger round.
const DefaultLinger = 50 * time.Microsecond

// Write is one atomic unit: its ops are logged as a single record.
type Write struct {
	Ops []wal.Op

	// Set by the handler
	LSN uint64
	Err error

	done chan struct{}
}

// NewWrite creates a write carrying ops.
func NewWrite(ops []wal.Op) *Write {
	return &Write{Ops: ops, done: make(chan struct{})}
}

// Group is a sealed set of writes committed together.
type Group struct {
	Seq    uint64
	Writes []*Write
	ops    int
}

// Ops returns the number of ops in the group.
func (g *Group) Ops() int { return g.ops }

func (g *Group) add(w *Write) {
	g.Writes = append(g.Writes, w)
	g.ops += len(w.Ops)
}

// Handler commits a group. It must set Err on every write that failed.
type Handler func(g *Group)

// Options bounds the stages.
type Options struct {
	MaxBuffered  int
	MaxStaging   int
	MaxSealed    int
	Sluggishness int
	Linger       time.Duration
	// WriteTimeout bounds how long Do waits for room in the buffered stage.
	// Zero waits forever.
	WriteTimeout time.Duration
	Stats        stats.Collector
	Logger       log.Logger
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	opts    Options
	handler Handler
	logger  log.Logger

	buffered chan *Write
	sealed   chan *Group
	stopped  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// New starts the promoter and committer.
func New(opts Options, handler Handler) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = log.GetDefaultLogger()
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewAtomicCollector()
	}
	if opts.MaxBuffered <= 0 {
		opts.MaxBuffered = 1
	}
	if opts.MaxStaging <= 0 {
		opts.MaxStaging = 1
	}
	if opts.MaxSealed <= 0 {
		opts.MaxSealed = 1
	}
	if opts.Linger <= 0 {
		opts.Linger = DefaultLinger
	}

	p := &Pipeline{
		opts:     opts,
		handler:  handler,
		logger:   opts.Logger.WithField("component", "pipeline"),
		buffered: make(chan *Write, opts.MaxBuffered),
		sealed:   make(chan *Group, opts.MaxSealed),
		stopped:  make(chan struct{}),
	}
	go p.promote()
	go p.commit()
	return p
}

// Do submits w and waits until it has been committed or has failed. Once
// accepted a write cannot be cancelled; ctx and WriteTimeout only bound the
// wait for room in the buffered stage.
func (p *Pipeline) Do(ctx context.Context, w *Write) error {
	if p.opts.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.WriteTimeout)
		defer cancel()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPipelineClosed
	}
	select {
	case p.buffered <- w:
	case <-ctx.Done():
		p.mu.RUnlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrStageFull
		}
		return ctx.Err()
	}
	p.mu.RUnlock()

	<-w.done
	return w.Err
}

func (p *Pipeline) promote() {
	defer close(p.sealed)

	var seq uint64
	var carry *Write
	for {
		w := carry
		carry = nil
		if w == nil {
			var ok bool
			if w, ok = <-p.buffered; !ok {
				return
			}
		}

		g := &Group{}
		g.add(w)
		var closed bool
		carry, closed = p.fill(g)

		seq++
		g.Seq = seq
		p.sealed <- g
		p.opts.Stats.Add(stats.PipelineGroups, 1)
		p.opts.Stats.Add(stats.PipelineWrites, uint64(len(g.Writes)))

		if closed {
			return
		}
	}
}

// fill moves buffered writes into g until it holds MaxStaging ops or no
// write arrived for Sluggishness linger rounds. A write that would overflow
// g is returned as carry for the next group.
func (p *Pipeline) fill(g *Group) (carry *Write, closed bool) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	rounds := 0
	for g.ops < p.opts.MaxStaging {
		var w *Write
		var ok bool

		select {
		case w, ok = <-p.buffered:
		default:
			if rounds >= p.opts.Sluggishness {
				return nil, false
			}
			rounds++
			if timer == nil {
				timer = time.NewTimer(p.opts.Linger)
			} else {
				timer.Reset(p.opts.Linger)
			}
			select {
			case w, ok = <-p.buffered:
				timer.Stop()
			case <-timer.C:
				continue
			}
		}

		if !ok {
			return nil, true
		}
		if g.ops+len(w.Ops) > p.opts.MaxStaging {
			return w, false
		}
		g.add(w)
	}
	return nil, false
}

func (p *Pipeline) commit() {
	defer close(p.stopped)
	for g := range p.sealed {
		p.handler(g)
		for _, w := range g.Writes {
			close(w.done)
		}
	}
}

// Depth returns the number of writes waiting in the buffered stage and of
// groups waiting in the sealed stage.
func (p *Pipeline) Depth() (buffered, sealed int) {
	return len(p.buffered), len(p.sealed)
}

// Close stops accepting writes and waits until every accepted write has
// been committed.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.stopped
		return
	}
	p.closed = true
	close(p.buffered)
	p.mu.Unlock()

	<-p.stopped
	p.logger.Debug("write pipeline drained")
}
