// Package pool provides a bounded dispatch pool for task execution.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrClosed = errors.New("dispatch pool is closed")
	ErrFull   = errors.New("dispatch pool queue is full")
)

// Job is a unit of dispatch work.
type Job func(ctx context.Context)

// Dispatch runs jobs on a fixed set of workers behind a bounded queue.
// Workers are spawned lazily up to the configured maximum; a panicking job
// never takes a worker down.
type Dispatch struct {
	maxWorkers int
	jobs       chan job
	workers    atomic.Int32
	active     atomic.Int32
	closed     atomic.Bool
	wg         sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64

	panicHandler func(any)
}

type job struct {
	fn  Job
	ctx context.Context
}

// Config configures the dispatch pool.
type Config struct {
	// MaxWorkers bounds concurrent jobs.
	MaxWorkers int
	// QueueSize bounds jobs waiting for a worker.
	QueueSize int
	// PanicHandler observes recovered job panics.
	PanicHandler func(any)
}

// New creates a dispatch pool.
func New(cfg Config) *Dispatch {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 16
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Dispatch{
		maxWorkers:   cfg.MaxWorkers,
		jobs:         make(chan job, cfg.QueueSize),
		panicHandler: cfg.PanicHandler,
	}
}

// Go enqueues a job for asynchronous execution.
func (d *Dispatch) Go(ctx context.Context, fn Job) error {
	if d.closed.Load() {
		return ErrClosed
	}
	select {
	case d.jobs <- job{fn: fn, ctx: ctx}:
		d.submitted.Add(1)
		d.ensureWorker()
		return nil
	default:
		d.rejected.Add(1)
		return ErrFull
	}
}

func (d *Dispatch) ensureWorker() {
	for {
		current := d.workers.Load()
		if current >= int32(d.maxWorkers) {
			return
		}
		if d.workers.CompareAndSwap(current, current+1) {
			d.wg.Add(1)
			go d.worker()
			return
		}
	}
}

func (d *Dispatch) worker() {
	defer d.wg.Done()
	defer d.workers.Add(-1)

	for j := range d.jobs {
		d.active.Add(1)
		d.run(j)
		d.active.Add(-1)
		d.completed.Add(1)
	}
}

func (d *Dispatch) run(j job) {
	defer func() {
		if r := recover(); r != nil && d.panicHandler != nil {
			d.panicHandler(r)
		}
	}()
	j.fn(j.ctx)
}

// Close stops intake and waits for queued jobs to drain.
func (d *Dispatch) Close() {
	if d.closed.Swap(true) {
		return
	}
	close(d.jobs)
	d.wg.Wait()
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Rejected  int64 `json:"rejected"`
}

// Stats returns current pool counters.
func (d *Dispatch) Stats() Stats {
	return Stats{
		Workers:   int(d.workers.Load()),
		Active:    int(d.active.Load()),
		Queued:    len(d.jobs),
		Submitted: d.submitted.Load(),
		Completed: d.completed.Load(),
		Rejected:  d.rejected.Load(),
	}
}
