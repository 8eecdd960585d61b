// Package worker_manager runs a group of named long lived goroutines, such as the instrument
// client, the metrics server and event consumers, and collects their errors.
package worker_manager

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/fornellas/slogxt/log"
)

type workerType struct {
	name       string
	fn         func(context.Context) error
	cancelFunc context.CancelFunc
	errCh      chan error
}

// WorkerManager manages a group of workers and coordinates their execution. When any worker
// returns, the most recently added is cancelled; Wait then cancels the others, newest first.
type WorkerManager struct {
	workers []*workerType
}

func NewWorkerManager() *WorkerManager {
	return &WorkerManager{}
}

// AddWorker registers fn to be run by Start. Workers added later are cancelled earlier, so
// producers must be added after the consumers that drain them.
func (wm *WorkerManager) AddWorker(name string, fn func(context.Context) error) {
	wm.workers = append([]*workerType{{name: name, fn: fn}}, wm.workers...)
}

func (wm *WorkerManager) Start(ctx context.Context) {
	ctx, logger := log.MustWithGroup(ctx, "Worker Manager > Workers")
	logger.Debug("Starting workers")
	for _, worker := range wm.workers {
		workerCtx, workerLogger := log.MustWithGroup(ctx, worker.name)
		workerCtx, worker.cancelFunc = context.WithCancel(workerCtx)
		worker.errCh = make(chan error, 1)
		go func() {
			var err error
			defer func() {
				workerLogger.Debug("Finished", "err", err)
				wm.Cancel(workerCtx)
				if r := recover(); r != nil {
					workerLogger.Error("Panic", "recovered", r, "stack", string(debug.Stack()))
					worker.errCh <- fmt.Errorf("panic: %v", r)
				} else {
					worker.errCh <- err
				}
			}()
			workerLogger.Debug("Starting")
			err = worker.fn(workerCtx)
		}()
	}
	logger.Debug("All workers started")
}

// Cancel cancels the most recently added worker.
func (wm *WorkerManager) Cancel(ctx context.Context) {
	logger := log.MustLogger(ctx).WithGroup("Worker Manager > Cancel")
	if len(wm.workers) == 0 {
		return
	}
	worker := wm.workers[0]
	logger = logger.With("name", worker.name)
	logger.Debug("Cancelling")
	worker.cancelFunc()
}

// Wait waits for every worker, cancelling each after the previous one returned, and returns
// their errors by name.
func (wm *WorkerManager) Wait(ctx context.Context) map[string]error {
	logger := log.MustLogger(ctx).WithGroup("Worker Manager > Wait")
	logger.Debug("Waiting for all workers")
	errMap := map[string]error{}
	for i, worker := range wm.workers {
		workerLogger := logger.WithGroup(worker.name)
		if i > 0 {
			workerLogger.Debug("Cancelling")
			worker.cancelFunc()
		}
		workerLogger.Debug("Waiting")
		errMap[worker.name] = <-worker.errCh
	}
	wm.workers = nil
	logger.Debug("All workers returned")
	return errMap
}

// Run starts all workers and waits for them. Cancellation errors are not reported.
func (wm *WorkerManager) Run(ctx context.Context) error {
	names := make([]string, len(wm.workers))
	for i, worker := range wm.workers {
		names[i] = worker.name
	}
	wm.Start(ctx)
	errMap := wm.Wait(ctx)
	var errs []error
	for _, name := range names {
		err := errMap[name]
		if err == nil || errors.Is(err, context.Canceled) {
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return errors.Join(errs...)
}
