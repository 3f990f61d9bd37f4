// Package aio implements a bounded asynchronous I/O engine. Requests are
// submitted in batches on a Queue, executed by a fixed pool of workers, and
// collected from the same Queue in completion order.
package aio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/KevoDB/regiondb/pkg/common/log"
	"github.com/KevoDB/regiondb/pkg/common/status"
	"github.com/KevoDB/regiondb/pkg/stats"
)

var (
	// ErrSubmitTooLarge is returned when a single Submit exceeds MaxSubmit.
	ErrSubmitTooLarge = fmt.Errorf("%w: submission exceeds batch limit", status.ErrInvalidArgument)
	// ErrQueueFull is returned when a queue would hold more unreaped requests than MaxRequests.
	ErrQueueFull = fmt.Errorf("%w: too many unreaped requests", status.ErrBusy)
)

// Op is the kind of an I/O request.
type Op uint8

const (
	OpRead Op = iota + 1
	OpWrite
	OpSync
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpSync:
		return "sync"
	}
	return fmt.Sprintf("op(%d)", o)
}

// Request is a single positional read, write or sync against a file.
// A read past the end of the file zero-fills the rest of Buf.
type Request struct {
	Op     Op
	File   *os.File
	Offset int64
	Buf    []byte
	Tag    uint64

	// Set on completion
	N   int
	Err error

	q *Queue
}

// Options bounds an Engine.
type Options struct {
	Name         string
	MaxRequests  int
	MaxSubmit    int
	MaxResponses int
	Workers      int
	Logger       log.Logger
	Stats        stats.Collector
}

// Engine executes requests on a worker pool with at most MaxRequests in flight.
type Engine struct {
	opts   Options
	sem    *semaphore.Weighted
	work   chan *Request
	g      *errgroup.Group
	mu     sync.RWMutex
	closed bool
	logger log.Logger
}

// New starts an engine with the given bounds.
func New(opts Options) *Engine {
	if opts.MaxRequests <= 0 {
		opts.MaxRequests = 1
	}
	if opts.MaxSubmit <= 0 || opts.MaxSubmit > opts.MaxRequests {
		opts.MaxSubmit = opts.MaxRequests
	}
	if opts.MaxResponses <= 0 {
		opts.MaxResponses = opts.MaxRequests
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = log.GetDefaultLogger()
	}

	e := &Engine{
		opts:   opts,
		sem:    semaphore.NewWeighted(int64(opts.MaxRequests)),
		work:   make(chan *Request, opts.MaxRequests),
		g:      new(errgroup.Group),
		logger: opts.Logger.WithField("component", "aio").WithField("engine", opts.Name),
	}

	for i := 0; i < opts.Workers; i++ {
		e.g.Go(e.worker)
	}

	return e
}

func (e *Engine) worker() error {
	for req := range e.work {
		e.execute(req)
		e.sem.Release(1)
		if e.opts.Stats != nil {
			e.opts.Stats.Add(stats.AIOCompleted, 1)
		}
		req.q.done <- req
	}
	return nil
}

func (e *Engine) execute(req *Request) {
	switch req.Op {
	case OpRead:
		n, err := req.File.ReadAt(req.Buf, req.Offset)
		if errors.Is(err, io.EOF) {
			clear(req.Buf[n:])
			err = nil
		}
		req.N, req.Err = n, err
	case OpWrite:
		req.N, req.Err = req.File.WriteAt(req.Buf, req.Offset)
	case OpSync:
		req.Err = req.File.Sync()
	default:
		req.Err = fmt.Errorf("%w: unknown op %d", status.ErrInvalidArgument, req.Op)
	}
	if req.Err != nil {
		req.Err = status.IOError("aio "+req.Op.String()+" "+req.File.Name(), req.Err)
		e.logger.Warn("request failed: %v", req.Err)
	}
}

// MaxRequests returns the in-flight bound.
func (e *Engine) MaxRequests() int { return e.opts.MaxRequests }

// MaxSubmit returns the per-call submission bound.
func (e *Engine) MaxSubmit() int { return e.opts.MaxSubmit }

// NewQueue creates a completion queue. A Queue must be used by one goroutine at a time.
func (e *Engine) NewQueue() *Queue {
	return &Queue{
		e:    e,
		done: make(chan *Request, e.opts.MaxRequests),
	}
}

// Close stops accepting requests and waits for the workers to drain.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.work)
	e.mu.Unlock()

	return e.g.Wait()
}

// Queue collects the completions of the requests submitted through it.
type Queue struct {
	e       *Engine
	done    chan *Request
	pending atomic.Int64
}

// Pending returns the number of submitted requests not yet reaped.
func (q *Queue) Pending() int {
	return int(q.pending.Load())
}

// Submit hands up to MaxSubmit requests to the workers. It blocks while the
// engine has MaxRequests requests in flight.
func (q *Queue) Submit(ctx context.Context, reqs []*Request) error {
	if len(reqs) > q.e.opts.MaxSubmit {
		return ErrSubmitTooLarge
	}
	if q.Pending()+len(reqs) > q.e.opts.MaxRequests {
		return ErrQueueFull
	}

	for _, req := range reqs {
		if err := q.e.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("%w: %v", status.ErrBusy, err)
		}

		q.e.mu.RLock()
		if q.e.closed {
			q.e.mu.RUnlock()
			q.e.sem.Release(1)
			return status.ErrClosed
		}
		req.q = q
		req.N, req.Err = 0, nil
		q.pending.Add(1)
		q.e.work <- req
		q.e.mu.RUnlock()

		if q.e.opts.Stats != nil {
			q.e.opts.Stats.Add(stats.AIOSubmitted, 1)
		}
	}
	return nil
}

// Reap waits for at least min completions and returns at most MaxResponses.
func (q *Queue) Reap(ctx context.Context, min int) ([]*Request, error) {
	max := q.e.opts.MaxResponses
	if min > max {
		min = max
	}
	if p := q.Pending(); min > p {
		min = p
	}

	var out []*Request
	for len(out) < min {
		select {
		case req := <-q.done:
			q.pending.Add(-1)
			out = append(out, req)
		case <-ctx.Done():
			return out, fmt.Errorf("%w: %v", status.ErrBusy, ctx.Err())
		}
	}

	for len(out) < max {
		select {
		case req := <-q.done:
			q.pending.Add(-1)
			out = append(out, req)
		default:
			return out, nil
		}
	}
	return out, nil
}

// Do submits every request, respecting the submission and in-flight bounds,
// and waits for all of them. It returns the first request error.
func (q *Queue) Do(ctx context.Context, reqs []*Request) error {
	var firstErr error
	next, remaining := 0, len(reqs)

	for remaining > 0 {
		for next < len(reqs) {
			room := q.e.opts.MaxRequests - q.Pending()
			n := min(q.e.opts.MaxSubmit, len(reqs)-next, room)
			if n <= 0 {
				break
			}
			if err := q.Submit(ctx, reqs[next:next+n]); err != nil {
				return err
			}
			next += n
		}

		done, err := q.Reap(ctx, 1)
		if err != nil {
			return err
		}
		for _, req := range done {
			remaining--
			if req.Err != nil && firstErr == nil {
				firstErr = req.Err
			}
		}
	}
	return firstErr
}
