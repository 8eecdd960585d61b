// Package worker implements a dedicated execution context: a single goroutine consuming an
// ordered queue of tasks. State owned by a worker is only touched from its tasks, so it needs
// no locking.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/fornellas/slogxt/log"
)

var ErrStopped = errors.New("worker: stopped")

var ErrStopTimeout = errors.New("worker: did not stop within grace period, terminated")

type ctxKey struct{}

type task struct {
	name string
	fn   func(context.Context)
	done chan struct{}
}

// Worker runs tasks one at a time, in submission order.
type Worker struct {
	name  string
	queue chan task

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopping chan struct{}
	finished chan struct{}
	// Submissions in flight. Only added to under mu while stopping is open.
	senders sync.WaitGroup

	// Only accessed from the worker goroutine.
	ticker   *time.Ticker
	tickerFn func(context.Context, time.Time)
}

// NewWorker creates a worker whose queue holds up to queueSize pending tasks. Submitting beyond
// that blocks the caller.
func NewWorker(name string, queueSize int) *Worker {
	return &Worker{
		name:     name,
		queue:    make(chan task, queueSize),
		stopping: make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// On reports whether ctx belongs to a task running on w.
func On(ctx context.Context, w *Worker) bool {
	v, _ := ctx.Value(ctxKey{}).(*Worker)
	return v == w
}

// Start launches the worker goroutine. Tasks receive a context derived from ctx.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("worker: %s: already started", w.name)
	}
	select {
	case <-w.stopping:
		return ErrStopped
	default:
	}
	w.started = true
	ctx, logger := log.MustWithGroup(ctx, w.name)
	ctx = context.WithValue(ctx, ctxKey{}, w)
	ctx, w.cancel = context.WithCancel(ctx)
	logger.Debug("Starting")
	go w.run(ctx)
	return nil
}

func (w *Worker) runTask(ctx context.Context, t task) {
	logger := log.MustLogger(ctx)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Task panicked", "task", t.name, "recovered", r, "stack", string(debug.Stack()))
		}
		if t.done != nil {
			close(t.done)
		}
	}()
	t.fn(ctx)
}

func (w *Worker) runTick(ctx context.Context, firedAt time.Time) {
	logger := log.MustLogger(ctx)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Ticker panicked", "recovered", r, "stack", string(debug.Stack()))
		}
	}()
	w.tickerFn(ctx, firedAt)
}

// drain runs tasks queued when Stop was called, along with those from submissions still in
// flight at that moment.
func (w *Worker) drain(ctx context.Context) {
	sent := make(chan struct{})
	go func() {
		w.senders.Wait()
		close(sent)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-w.queue:
			w.runTask(ctx, t)
		case <-sent:
			for {
				select {
				case t := <-w.queue:
					w.runTask(ctx, t)
				default:
					return
				}
			}
		}
	}
}

func (w *Worker) run(ctx context.Context) {
	logger := log.MustLogger(ctx)
	defer func() {
		w.StopTicker()
		logger.Debug("Finished")
		close(w.finished)
	}()
	for {
		var tickCh <-chan time.Time
		if w.ticker != nil {
			tickCh = w.ticker.C
		}
		select {
		case <-ctx.Done():
			return
		case <-w.stopping:
			w.drain(ctx)
			return
		case t := <-w.queue:
			w.runTask(ctx, t)
		case firedAt := <-tickCh:
			w.runTick(ctx, firedAt)
		}
	}
}

func (w *Worker) enqueue(ctx context.Context, t task) error {
	w.mu.Lock()
	select {
	case <-w.stopping:
		w.mu.Unlock()
		return fmt.Errorf("%s: %w", t.name, ErrStopped)
	default:
	}
	w.senders.Add(1)
	w.mu.Unlock()
	defer w.senders.Done()
	select {
	case w.queue <- t:
		return nil
	case <-w.stopping:
		return fmt.Errorf("%s: %w", t.name, ErrStopped)
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", t.name, ctx.Err())
	}
}

// Post queues fn to run on the worker and returns without waiting for it.
func (w *Worker) Post(ctx context.Context, name string, fn func(context.Context)) error {
	return w.enqueue(ctx, task{name: name, fn: fn})
}

// Call runs fn on the worker and waits for it to return. When ctx already belongs to the worker,
// fn runs inline.
func (w *Worker) Call(ctx context.Context, name string, fn func(context.Context)) error {
	if On(ctx, w) {
		fn(ctx)
		return nil
	}
	done := make(chan struct{})
	if err := w.enqueue(ctx, task{name: name, fn: fn, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-w.finished:
		select {
		case <-done:
			return nil
		default:
			return fmt.Errorf("%s: %w", name, ErrStopped)
		}
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", name, ctx.Err())
	}
}

// StartTicker calls fn on the worker every d, with the time the tick fired. It replaces any
// previous ticker. Must be called from the worker.
func (w *Worker) StartTicker(d time.Duration, fn func(ctx context.Context, firedAt time.Time)) {
	w.StopTicker()
	w.ticker = time.NewTicker(d)
	w.tickerFn = fn
}

// ResetTicker changes the period of an active ticker. Must be called from the worker.
func (w *Worker) ResetTicker(d time.Duration) {
	if w.ticker == nil {
		return
	}
	w.ticker.Reset(d)
}

// StopTicker stops the ticker, if active. Must be called from the worker.
func (w *Worker) StopTicker() {
	if w.ticker == nil {
		return
	}
	w.ticker.Stop()
	w.ticker = nil
	w.tickerFn = nil
}

// TickerActive tells whether a ticker is active. Must be called from the worker.
func (w *Worker) TickerActive() bool {
	return w.ticker != nil
}

// Stop stops accepting tasks, lets queued tasks finish and waits up to grace for the worker
// goroutine to return. If it does not, the context of the running task is cancelled and
// ErrStopTimeout is returned.
func (w *Worker) Stop(grace time.Duration) error {
	w.mu.Lock()
	w.stopOnce.Do(func() { close(w.stopping) })
	started := w.started
	cancel := w.cancel
	w.mu.Unlock()
	if !started {
		return nil
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-w.finished:
		cancel()
		return nil
	case <-timer.C:
		cancel()
		return fmt.Errorf("%s: %w", w.name, ErrStopTimeout)
	}
}

// Done is closed when the worker goroutine returns.
func (w *Worker) Done() <-chan struct{} {
	return w.finished
}
