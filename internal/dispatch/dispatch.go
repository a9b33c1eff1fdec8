// Package dispatch implements the callback dispatcher: the single-writer
// serializer that every index mutation in the sync kernel funnels through.
// HTTP completions land on whichever
// multiplexer goroutine happened to be running the request (internal/httpmux
// fans out across several); every one of those goroutines hands its DB
// write to this package's single worker instead of writing directly, so the
// catalog never sees concurrent writers.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/syncharbor/syncharbor/internal/index"
)

// WriteFunc is a unit of index mutation work. It runs on the dispatcher's
// single writer goroutine — never concurrently with any other WriteFunc —
// so it may freely read-then-write without additional locking.
type WriteFunc func(ctx context.Context, store *index.Store) error

type job struct {
	ctx   context.Context
	apply WriteFunc
	done  chan error // nil for fire-and-forget jobs
}

// Dispatcher owns the one goroutine allowed to mutate the index. All writes
// — whether triggered by an HTTP completion callback, the initial
// reconciliation pass, or a manual CLI operation — go through Submit or
// SyncWrite.
type Dispatcher struct {
	store  *index.Store
	logger *slog.Logger

	queue chan *job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Dispatcher over store. queueDepth bounds how many pending
// writes may back up before Submit/SyncWrite block.
func New(store *index.Store, logger *slog.Logger, queueDepth int) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if queueDepth < 1 {
		queueDepth = 256
	}

	return &Dispatcher{
		store:  store,
		logger: logger,
		queue:  make(chan *job, queueDepth),
	}
}

// Start launches the single writer goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go d.run(ctx)
}

// Stop cancels the writer goroutine and waits for it to drain in-flight
// work. Jobs still queued when Stop is called are discarded; callers with
// writes that must survive a shutdown should use SyncWrite before stopping.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			d.apply(j)
		}
	}
}

func (d *Dispatcher) apply(j *job) {
	err := j.apply(j.ctx, d.store)
	if err != nil {
		d.logger.Error("index write failed", slog.String("error", err.Error()))
	}

	if j.done != nil {
		j.done <- err
		close(j.done)
	}
}

// Submit enqueues fn for asynchronous execution on the writer goroutine.
// Used by HTTP completion callbacks, which must not block the multiplexer's
// fan-out goroutine waiting for a DB round trip.
func (d *Dispatcher) Submit(ctx context.Context, fn WriteFunc) {
	select {
	case d.queue <- &job{ctx: ctx, apply: fn}:
	case <-ctx.Done():
	}
}

// SyncWrite enqueues fn and blocks until it has run, returning its error.
// Because jobs are a single FIFO channel drained by one goroutine, SyncWrite
// needs no separate "drain queue before locking" step: every job already
// queued ahead of it is guaranteed to apply first, and nothing can jump
// the line behind it. Used by the initial reconciliation pass, which needs
// each write durably applied before deciding the next one.
func (d *Dispatcher) SyncWrite(ctx context.Context, fn WriteFunc) error {
	j := &job{ctx: ctx, apply: fn, done: make(chan error, 1)}

	select {
	case d.queue <- j:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
