package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/durable/internal/taskqueue"
	"github.com/petrijr/durable/pkg/api"
)

// Handler processes one leased task. Returning nil acks the task; any other
// error nacks it for a later retry.
type Handler interface {
	Handle(ctx context.Context, task *taskqueue.Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task *taskqueue.Task) error

func (f HandlerFunc) Handle(ctx context.Context, task *taskqueue.Task) error { return f(ctx, task) }

// Config controls leasing and the retry policy of a Worker.
type Config struct {
	// Owner identifies this worker's leases. Defaults to a fresh task id.
	Owner string

	// LeaseTTL is how long a dequeued task stays invisible to other workers.
	LeaseTTL time.Duration

	// MaxAttempts is the number of deliveries before a task is dropped.
	// Zero means retry forever.
	MaxAttempts int

	// InitialDelay and MaxDelay bound the exponential redelivery backoff.
	InitialDelay time.Duration
	MaxDelay     time.Duration

	Logger *slog.Logger
	Clock  api.Clock
}

func (c Config) withDefaults() Config {
	if c.Owner == "" {
		c.Owner = "worker-" + taskqueue.NewTaskID()
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = api.SystemClock{}
	}
	return c
}

// Worker pulls tasks from a Queue and hands them to a Handler.
type Worker struct {
	queue   taskqueue.Queue
	handler Handler
	cfg     Config
}

// New creates a new Worker.
func New(queue taskqueue.Queue, handler Handler, cfg Config) *Worker {
	return &Worker{queue: queue, handler: handler, cfg: cfg.withDefaults()}
}

// Owner returns the lease owner id of the worker.
func (w *Worker) Owner() string { return w.cfg.Owner }

// retryAtError asks the worker to redeliver the task at a given time
// without counting a failed attempt.
type retryAtError struct {
	at  time.Time
	err error
}

func (e *retryAtError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("retry at %s", e.at.Format(time.RFC3339Nano))
	}
	return fmt.Sprintf("retry at %s: %v", e.at.Format(time.RFC3339Nano), e.err)
}

func (e *retryAtError) Unwrap() error { return e.err }

// RetryAt returns an error that reschedules the task for at. Handlers use it
// for tasks that arrived early.
func RetryAt(at time.Time, err error) error {
	return &retryAtError{at: at, err: err}
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained; err is the dequeue error.
//   - processed == true: a task was handled; err is the handler error.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx, w.cfg.Owner, w.cfg.LeaseTTL)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	handleErr := w.safeHandle(ctx, task)
	// Settle the lease even when the worker is shutting down.
	ctx = context.WithoutCancel(ctx)
	if handleErr == nil {
		if err := w.queue.Ack(ctx, task.ID, w.cfg.Owner); err != nil {
			w.cfg.Logger.Warn("task ack failed", "task_id", task.ID, "type", task.Type, "error", err)
		}
		return true, nil
	}

	var ra *retryAtError
	if errors.As(handleErr, &ra) {
		if err := w.queue.Nack(ctx, task.ID, w.cfg.Owner, ra.at, task.Attempts); err != nil {
			w.cfg.Logger.Warn("task reschedule failed", "task_id", task.ID, "error", err)
		}
		return true, ra.err
	}

	attempts := task.Attempts + 1
	if w.cfg.MaxAttempts > 0 && attempts >= w.cfg.MaxAttempts {
		w.cfg.Logger.Error("task dropped after max attempts",
			"task_id", task.ID, "type", task.Type, "instance_id", task.InstanceID,
			"attempts", attempts, "error", handleErr)
		if err := w.queue.Ack(ctx, task.ID, w.cfg.Owner); err != nil {
			w.cfg.Logger.Warn("task ack failed", "task_id", task.ID, "error", err)
		}
		return true, handleErr
	}

	next := w.cfg.Clock.Now().Add(w.backoff(attempts))
	w.cfg.Logger.Debug("task failed, retrying",
		"task_id", task.ID, "type", task.Type, "attempts", attempts, "not_before", next, "error", handleErr)
	if err := w.queue.Nack(ctx, task.ID, w.cfg.Owner, next, attempts); err != nil {
		w.cfg.Logger.Warn("task nack failed", "task_id", task.ID, "error", err)
	}
	return true, handleErr
}

func (w *Worker) safeHandle(ctx context.Context, task *taskqueue.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()
	return w.handler.Handle(ctx, task)
}

// backoff returns the redelivery delay after the given number of failed
// attempts.
func (w *Worker) backoff(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialDelay
	b.MaxInterval = w.cfg.MaxDelay
	b.RandomizationFactor = 0
	d := b.InitialInterval
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Run processes tasks with the given number of goroutines until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			w.loop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	idle := w.cfg.InitialDelay
	for ctx.Err() == nil {
		processed, err := w.ProcessOne(ctx)
		if processed {
			idle = w.cfg.InitialDelay
			if err != nil {
				w.cfg.Logger.Debug("task handler failed", "owner", w.cfg.Owner, "error", err)
			}
			continue
		}
		if err == nil || ctx.Err() != nil {
			continue
		}
		w.cfg.Logger.Warn("dequeue failed", "owner", w.cfg.Owner, "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(idle):
		}
		idle = min(idle*2, w.cfg.MaxDelay)
	}
}
