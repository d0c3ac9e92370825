// Package activity runs the side-effecting steps of orchestrations. Each
// scheduled call is executed from the activity queue and ends with exactly
// one ActivityCompleted or ActivityFailed event in the instance history.
package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/petrijr/durable/internal/history"
	"github.com/petrijr/durable/internal/taskqueue"
	"github.com/petrijr/durable/pkg/api"
	"github.com/petrijr/durable/pkg/worker"
)

// Notifier wakes the engine for an instance.
type Notifier interface {
	Notify(ctx context.Context, instanceID string) error
}

// Resolver looks up registered activities by name.
type Resolver interface {
	Activity(name string) (api.ActivityFunc, bool)
}

// RetryPolicy bounds the in-process retries of transient activity errors.
type RetryPolicy struct {
	MaxAttempts  uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy retries a transient failure twice.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second}

// Executor runs activity tasks.
type Executor struct {
	store    history.Store
	queue    taskqueue.Queue
	notifier Notifier
	resolver Resolver
	serde    api.Serde
	retry    RetryPolicy
	clock    api.Clock
	observer api.Observer
	logger   *slog.Logger

	// inflight holds the correlation ids running in this process.
	inflight sync.Map
}

// Option configures an Executor.
type Option func(*Executor)

func WithSerde(s api.Serde) Option        { return func(e *Executor) { e.serde = s } }
func WithRetryPolicy(p RetryPolicy) Option { return func(e *Executor) { e.retry = p } }
func WithClock(c api.Clock) Option         { return func(e *Executor) { e.clock = c } }
func WithObserver(o api.Observer) Option   { return func(e *Executor) { e.observer = o } }
func WithLogger(l *slog.Logger) Option     { return func(e *Executor) { e.logger = l } }

// NewExecutor returns an executor consuming queue.
func NewExecutor(store history.Store, queue taskqueue.Queue, notifier Notifier, resolver Resolver, opts ...Option) *Executor {
	e := &Executor{
		store:    store,
		queue:    queue,
		notifier: notifier,
		resolver: resolver,
		serde:    api.JSONSerde{},
		retry:    DefaultRetryPolicy,
		clock:    api.SystemClock{},
		observer: api.NoopObserver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.retry.MaxAttempts == 0 {
		e.retry.MaxAttempts = 1
	}
	return e
}

// Submit enqueues task for execution.
func (e *Executor) Submit(ctx context.Context, task api.ActivityTask) error {
	err := e.queue.Enqueue(ctx, taskqueue.Task{
		Type:          taskqueue.TaskTypeActivity,
		InstanceID:    task.InstanceID,
		CorrelationID: task.CorrelationID,
		Name:          task.Name,
		Payload:       task.Input,
	})
	if err != nil {
		return fmt.Errorf("submit activity %s: %w", task.CorrelationID, err)
	}
	return nil
}

// Handle executes one activity task and records its outcome.
func (e *Executor) Handle(ctx context.Context, qt *taskqueue.Task) error {
	task := api.ActivityTask{
		InstanceID:    qt.InstanceID,
		CorrelationID: qt.CorrelationID,
		Name:          qt.Name,
		Input:         qt.Payload,
	}

	if _, busy := e.inflight.LoadOrStore(task.CorrelationID, struct{}{}); busy {
		e.logger.Debug("activity already running in this process", "correlation_id", task.CorrelationID)
		return nil
	}
	defer e.inflight.Delete(task.CorrelationID)

	skip, known, err := e.shouldSkip(ctx, task)
	if err != nil {
		return err
	}
	if skip {
		if !known {
			return nil
		}
		// The wake-up after the recorded outcome may be what was lost.
		return e.notifier.Notify(ctx, task.InstanceID)
	}

	started := e.clock.Now()
	result, runErr := e.run(ctx, task)
	if ctx.Err() != nil {
		// Shutting down: leave the task for redelivery instead of recording
		// a cancellation as the activity's outcome.
		return ctx.Err()
	}
	e.observer.OnActivityCompleted(ctx, task, runErr, e.clock.Now().Sub(started))

	ev := api.HistoryEvent{
		CorrelationID: task.CorrelationID,
		Name:          task.Name,
		Timestamp:     e.clock.Now(),
	}
	if runErr != nil {
		ev.Kind = api.EventActivityFailed
		ev.Detail = runErr.Error()
	} else {
		ev.Kind = api.EventActivityCompleted
		ev.Payload, err = e.serde.Marshal(result)
		if err != nil {
			ev.Kind = api.EventActivityFailed
			ev.Detail = fmt.Sprintf("encode result: %v", err)
		}
	}

	_, err = history.AppendIfAbsent(ctx, e.store, task.InstanceID, ev, history.CompletionOf(task.CorrelationID))
	if errors.Is(err, api.ErrInstanceNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record activity %s: %w", task.CorrelationID, err)
	}
	return e.notifier.Notify(ctx, task.InstanceID)
}

// shouldSkip reports whether the call already completed or the instance
// ended. Instances without history are skipped with known=false.
func (e *Executor) shouldSkip(ctx context.Context, task api.ActivityTask) (skip, known bool, err error) {
	empty := true
	for ev, err := range e.store.Read(ctx, task.InstanceID) {
		if errors.Is(err, api.ErrInstanceNotFound) {
			break
		}
		if err != nil {
			return false, false, err
		}
		empty = false
		if ev.Kind.IsTerminal() {
			e.logger.Debug("skipping activity of finished instance",
				"instance_id", task.InstanceID, "correlation_id", task.CorrelationID)
			return true, true, nil
		}
		if ev.Kind.IsCompletion() && ev.CorrelationID == task.CorrelationID {
			return true, true, nil
		}
	}
	if empty {
		e.logger.Warn("dropping activity of unknown instance", "instance_id", task.InstanceID)
		return true, false, nil
	}
	return false, true, nil
}

// run invokes the activity, retrying transient errors. Panics become
// ordinary failures.
func (e *Executor) run(ctx context.Context, task api.ActivityTask) (any, error) {
	fn, ok := e.resolver.Activity(task.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrActivityNotFound, task.Name)
	}

	attempt := 0
	return retry.DoWithData(
		func() (any, error) {
			attempt++
			e.observer.OnActivityStart(ctx, task, attempt)
			return invoke(fn, api.NewActivityContext(ctx, task, attempt, e.serde))
		},
		retry.Attempts(e.retry.MaxAttempts),
		retry.Delay(e.retry.InitialDelay),
		retry.MaxDelay(e.retry.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(api.IsTransient),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Debug("retrying activity", "correlation_id", task.CorrelationID, "attempt", n+1, "error", err)
		}),
	)
}

func invoke(fn api.ActivityFunc, actx *api.ActivityContext) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activity %s panicked: %v", actx.Name, r)
		}
	}()
	return fn(actx)
}

// Worker returns a worker pool that runs the activities on the executor
// queue.
func (e *Executor) Worker(cfg worker.Config) *worker.Worker {
	if cfg.Logger == nil {
		cfg.Logger = e.logger
	}
	if cfg.Clock == nil {
		cfg.Clock = e.clock
	}
	return worker.New(e.queue, e, cfg)
}

// Run executes activities with the given concurrency until ctx is cancelled.
func (e *Executor) Run(ctx context.Context, concurrency int, cfg worker.Config) error {
	return e.Worker(cfg).Run(ctx, concurrency)
}
