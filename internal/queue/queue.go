// Package queue dispatches import runs through Redis using asynq.
//
// The job registry lives in memory, so the worker must run in the process
// that accepted the upload. The queue adds durable hand-off and bounded
// concurrency, not cross-process execution.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/JonMunkholm/stockimport/internal/core"
	"github.com/JonMunkholm/stockimport/internal/logging"
)

// TaskImportRun is enqueued once per accepted upload.
const TaskImportRun = "import:run"

// RedisConfig locates the Redis instance backing the queue.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) opt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.Addr, Password: c.Password, DB: c.DB}
}

// enqueuer is the part of *asynq.Client the Dispatcher uses.
type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Dispatcher enqueues import runs. It implements core.Dispatcher.
type Dispatcher struct {
	client   enqueuer
	closer   func() error
	maxRetry int
	timeout  time.Duration
}

// NewDispatcher connects an asynq client. timeout bounds one run.
func NewDispatcher(cfg RedisConfig, maxRetry int, timeout time.Duration) *Dispatcher {
	client := asynq.NewClient(cfg.opt())
	return &Dispatcher{client: client, closer: client.Close, maxRetry: maxRetry, timeout: timeout}
}

// NewTask encodes task as an asynq task.
func NewTask(task core.RunTask) (*asynq.Task, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(TaskImportRun, data), nil
}

// Dispatch enqueues task as an import:run task. The job id doubles as the
// asynq task id so a job is never queued twice.
func (d *Dispatcher) Dispatch(ctx context.Context, task core.RunTask) error {
	t, err := NewTask(task)
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.MaxRetry(d.maxRetry), asynq.TaskID(task.JobID)}
	if d.timeout > 0 {
		opts = append(opts, asynq.Timeout(d.timeout))
	}
	info, err := d.client.EnqueueContext(ctx, t, opts...)
	if err != nil {
		return fmt.Errorf("enqueue import task: %w", err)
	}
	logging.ForJob(ctx, task.JobID, task.TenantID, string(task.ImportType)).Debug("import enqueued",
		"queue", info.Queue,
	)
	return nil
}

// Close releases the Redis connection.
func (d *Dispatcher) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer()
}

// Processor hands dequeued tasks to a core.Runner.
type Processor struct {
	runner core.Runner
}

// NewProcessor constructs a Processor for runner.
func NewProcessor(runner core.Runner) *Processor {
	return &Processor{runner: runner}
}

// Handler registers the import task handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskImportRun, p.handleImport)
	return mux
}

func (p *Processor) handleImport(ctx context.Context, t *asynq.Task) error {
	var task core.RunTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}

	err := p.runner.RunTask(ctx, task)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrNotFound), errors.Is(err, core.ErrInvalidTransition):
		// The job is gone or already ran; a retry cannot change that.
		logging.ForJob(ctx, task.JobID, task.TenantID, string(task.ImportType)).Warn("dropping import task",
			"error", err,
		)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	default:
		return err
	}
}

// Worker is an embedded asynq server processing import tasks.
type Worker struct {
	srv *asynq.Server
	mux *asynq.ServeMux
}

// NewWorker creates a worker running at most concurrency imports at once.
func NewWorker(cfg RedisConfig, concurrency int, runner core.Runner) *Worker {
	srv := asynq.NewServer(cfg.opt(), asynq.Config{
		Concurrency: concurrency,
		Logger:      slogAdapter{},
	})
	return &Worker{srv: srv, mux: NewProcessor(runner).Handler()}
}

// Run processes tasks until ctx ends, then shuts the server down and waits
// for running tasks.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.srv.Start(w.mux); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	slog.Info("queue worker started")
	<-ctx.Done()
	w.srv.Shutdown()
	slog.Info("queue worker stopped")
	return nil
}

// slogAdapter routes asynq's logging through slog.
type slogAdapter struct{}

func (slogAdapter) Debug(args ...any) { slog.Debug(fmt.Sprint(args...), "component", "asynq") }
func (slogAdapter) Info(args ...any)  { slog.Info(fmt.Sprint(args...), "component", "asynq") }
func (slogAdapter) Warn(args ...any)  { slog.Warn(fmt.Sprint(args...), "component", "asynq") }
func (slogAdapter) Error(args ...any) { slog.Error(fmt.Sprint(args...), "component", "asynq") }
func (slogAdapter) Fatal(args ...any) { slog.Error(fmt.Sprint(args...), "component", "asynq", "fatal", true) }
