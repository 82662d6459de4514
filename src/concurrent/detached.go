package concurrent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DetachedOptions configures a Detached pool.
type DetachedOptions struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
	Logger      *slog.Logger
}

func (o DetachedOptions) withDefaults() DetachedOptions {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return o
}

type detachedTask struct {
	name string
	fn   func(ctx context.Context) error
}

// DetachedStats is a point-in-time copy of the pool counters.
type DetachedStats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Dropped   int64
	Panics    int64
}

// Detached runs fire-and-forget tasks on a fixed set of workers. Submit never
// blocks: a full queue drops the task. Task failures and panics are logged and
// swallowed. Tasks run on a background context so they outlive the request
// that submitted them.
type Detached struct {
	opts  DetachedOptions
	tasks chan detachedTask
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
}

func NewDetached(opts DetachedOptions) *Detached {
	opts = opts.withDefaults()
	d := &Detached{
		opts:  opts,
		tasks: make(chan detachedTask, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Submit enqueues fn and reports whether it was accepted.
func (d *Detached) Submit(name string, fn func(ctx context.Context) error) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		d.opts.Logger.Warn("detached pool closed, dropping task", "task", name)
		return false
	}
	select {
	case d.tasks <- detachedTask{name: name, fn: fn}:
		d.submitted.Add(1)
		return true
	default:
		d.dropped.Add(1)
		d.opts.Logger.Warn("detached queue full, dropping task", "task", name)
		return false
	}
}

func (d *Detached) worker() {
	defer d.wg.Done()
	for t := range d.tasks {
		d.run(t)
	}
}

func (d *Detached) run(t detachedTask) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.TaskTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.failed.Add(1)
			d.opts.Logger.Error("detached task panicked", "task", t.name, "panic", fmt.Sprint(r))
		}
	}()
	if err := t.fn(ctx); err != nil {
		d.failed.Add(1)
		d.opts.Logger.Warn("detached task failed", "task", t.name, "err", err)
		return
	}
	d.completed.Add(1)
}

// Close stops accepting tasks and waits for queued ones to finish or for ctx
// to end, whichever comes first.
func (d *Detached) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.tasks)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Detached) Stats() DetachedStats {
	return DetachedStats{
		Submitted: d.submitted.Load(),
		Completed: d.completed.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
		Panics:    d.panics.Load(),
	}
}
