package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JonMunkholm/stockimport/internal/logging"
)

// DefaultImportTimeout bounds a single import run.
const DefaultImportTimeout = 10 * time.Minute

// ErrDispatcherStopped is returned by Dispatch after Shutdown.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// LocalDispatcher runs imports in background goroutines of this process,
// at most the limiter's capacity at a time. A Job waits in Pending for a
// slot and fails if none frees up in time.
type LocalDispatcher struct {
	runner   Runner
	registry *JobRegistry
	limiter  *ImportLimiter
	timeout  time.Duration

	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewLocalDispatcher creates a dispatcher that hands tasks to runner.
func NewLocalDispatcher(runner Runner, registry *JobRegistry, limiter *ImportLimiter, timeout time.Duration) *LocalDispatcher {
	if timeout <= 0 {
		timeout = DefaultImportTimeout
	}
	base, cancel := context.WithCancel(context.Background())
	return &LocalDispatcher{
		runner:   runner,
		registry: registry,
		limiter:  limiter,
		timeout:  timeout,
		base:     base,
		cancel:   cancel,
	}
}

// Dispatch starts the run in the background and returns immediately.
func (d *LocalDispatcher) Dispatch(ctx context.Context, task RunTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return ErrDispatcherStopped
	}

	// The run outlives the request that dispatched it.
	runCtx := d.base
	log := logging.ForJob(ctx, task.JobID, task.TenantID, string(task.ImportType))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		if err := d.limiter.Acquire(runCtx); err != nil {
			log.Warn("import rejected", "error", err)
			if _, ferr := d.registry.Fail(task.JobID, err.Error()); ferr != nil {
				log.Debug("could not fail rejected import", "error", ferr)
			}
			return
		}
		defer d.limiter.Release()

		ctx, cancel := context.WithTimeout(runCtx, d.timeout)
		defer cancel()

		if err := d.runner.RunTask(ctx, task); err != nil {
			log.Error("import run failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting tasks and waits for running ones. When ctx ends
// first, running imports are interrupted and fail.
func (d *LocalDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}
