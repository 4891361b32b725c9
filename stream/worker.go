package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/resfile/vfs"
)

const (
	defaultWorkers    = 2
	defaultQueueDepth = 64
)

// ErrQueueFull is returned by StartRead when the request queue is full.
var ErrQueueFull = errors.New("stream: queue full")

// ErrClosed is returned by StartRead after Close.
var ErrClosed = errors.New("stream: engine closed")

// WorkerEngine is an Engine that serves reads from a vfs.FS on a fixed pool
// of goroutines. Callbacks run on the worker goroutines.
type WorkerEngine struct {
	fs         vfs.FS
	workers    int
	queueDepth int
	logger     *slog.Logger

	queue  chan job
	next   atomic.Uint64
	closed atomic.Bool
	cancel context.CancelFunc
	group  *errgroup.Group
}

type job struct {
	ticket Ticket
	kind   TaskKind
	path   string
	params Params
	cb     Callback
}

// WorkerOption configures a WorkerEngine.
type WorkerOption func(*WorkerEngine)

// WithWorkers sets the number of reader goroutines (default 2).
func WithWorkers(n int) WorkerOption {
	return func(e *WorkerEngine) {
		e.workers = n
	}
}

// WithQueueDepth sets how many requests may wait for a worker (default 64).
func WithQueueDepth(n int) WorkerOption {
	return func(e *WorkerEngine) {
		e.queueDepth = n
	}
}

// WithLogger sets the logger for read failures.
func WithLogger(logger *slog.Logger) WorkerOption {
	return func(e *WorkerEngine) {
		e.logger = logger
	}
}

// NewWorkerEngine starts a WorkerEngine reading from fsys.
// Call Close to stop the workers.
func NewWorkerEngine(fsys vfs.FS, opts ...WorkerOption) *WorkerEngine {
	e := &WorkerEngine{
		fs:         fsys,
		workers:    defaultWorkers,
		queueDepth: defaultQueueDepth,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers < 1 {
		e.workers = 1
	}
	if e.queueDepth < 1 {
		e.queueDepth = 1
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.queue = make(chan job, e.queueDepth)
	e.group, ctx = errgroup.WithContext(ctx)
	for range e.workers {
		e.group.Go(func() error {
			return e.run(ctx)
		})
	}
	return e
}

// Interface compliance.
var _ Engine = (*WorkerEngine)(nil)

// StartRead queues a read. It never blocks: a full queue is reported as
// ErrQueueFull.
func (e *WorkerEngine) StartRead(kind TaskKind, path string, cb Callback, p Params) (Ticket, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	if p.Offset < 0 || p.Size < 0 {
		return 0, fmt.Errorf("stream: bad range %d+%d", p.Offset, p.Size)
	}
	t := Ticket(e.next.Add(1))
	select {
	case e.queue <- job{ticket: t, kind: kind, path: path, params: p, cb: cb}:
		return t, nil
	default:
		return 0, ErrQueueFull
	}
}

// Close stops accepting requests, lets queued requests finish, and waits for
// the workers to exit.
func (e *WorkerEngine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	close(e.queue)
	err := e.group.Wait()
	e.cancel()
	return err
}

func (e *WorkerEngine) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-e.queue:
			if !ok {
				return nil
			}
			data, err := e.read(j)
			if err != nil {
				e.logger.Debug("stream read failed",
					slog.String("path", j.path),
					slog.String("kind", j.kind.String()),
					slog.Any("error", err))
			}
			j.cb(j.ticket, data, err)
		}
	}
}

func (e *WorkerEngine) read(j job) ([]byte, error) {
	f, err := e.fs.OpenFile(j.path, vfs.ReadOnly)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := j.params.Buffer
	if len(buf) < j.params.Size {
		buf = make([]byte, j.params.Size)
	}
	buf = buf[:j.params.Size]
	n, err := f.ReadAt(buf, j.params.Offset)
	if err == io.EOF && n == len(buf) {
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s at %d: %w", j.path, j.params.Offset, err)
	}
	return buf, nil
}
