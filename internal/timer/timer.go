// Package timer implements durable timers. A timer is a queued task that is
// not handed out before its due time; firing it records TimerFired in the
// instance history exactly once.
package timer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/petrijr/durable/internal/history"
	"github.com/petrijr/durable/internal/taskqueue"
	"github.com/petrijr/durable/pkg/api"
	"github.com/petrijr/durable/pkg/worker"
)

// Notifier wakes the engine for an instance.
type Notifier interface {
	Notify(ctx context.Context, instanceID string) error
}

// Service schedules and fires durable timers.
type Service struct {
	store    history.Store
	queue    taskqueue.Queue
	notifier Notifier
	clock    api.Clock
	observer api.Observer
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithClock(c api.Clock) Option       { return func(s *Service) { s.clock = c } }
func WithObserver(o api.Observer) Option { return func(s *Service) { s.observer = o } }
func WithLogger(l *slog.Logger) Option   { return func(s *Service) { s.logger = l } }

// NewService returns a timer service that keeps pending timers on queue.
func NewService(store history.Store, queue taskqueue.Queue, notifier Notifier, opts ...Option) *Service {
	s := &Service{
		store:    store,
		queue:    queue,
		notifier: notifier,
		clock:    api.SystemClock{},
		observer: api.NoopObserver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule durably records that req must fire at req.FireAt.
func (s *Service) Schedule(ctx context.Context, req api.TimerRequest) error {
	if req.InstanceID == "" || req.CorrelationID == "" {
		return errors.New("timer: instance and correlation id are required")
	}
	err := s.queue.Enqueue(ctx, taskqueue.Task{
		Type:          taskqueue.TaskTypeTimer,
		InstanceID:    req.InstanceID,
		CorrelationID: req.CorrelationID,
		NotBefore:     req.FireAt,
		FireAt:        req.FireAt,
	})
	if err != nil {
		return fmt.Errorf("schedule timer %s: %w", req.CorrelationID, err)
	}
	return nil
}

// Handle fires a due timer task. Early deliveries are pushed back to the
// due time; a timer never fires before it.
func (s *Service) Handle(ctx context.Context, task *taskqueue.Task) error {
	now := s.clock.Now()
	if now.Before(task.FireAt) {
		return worker.RetryAt(task.FireAt, nil)
	}

	ev := api.HistoryEvent{
		Kind:          api.EventTimerFired,
		CorrelationID: task.CorrelationID,
		FireAt:        task.FireAt,
		Timestamp:     now,
	}
	appended, err := history.AppendIfAbsent(ctx, s.store, task.InstanceID, ev,
		history.CompletionOf(task.CorrelationID, api.EventTimerFired))
	if errors.Is(err, api.ErrInstanceNotFound) {
		s.logger.Warn("dropping timer of unknown instance",
			"instance_id", task.InstanceID, "correlation_id", task.CorrelationID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("fire timer %s: %w", task.CorrelationID, err)
	}

	// A redelivered task still wakes the engine; the wake-up may be what was
	// lost.
	if err := s.notifier.Notify(ctx, task.InstanceID); err != nil {
		return fmt.Errorf("wake %s after timer: %w", task.InstanceID, err)
	}
	if appended {
		s.observer.OnTimerFired(ctx, api.TimerRequest{
			InstanceID:    task.InstanceID,
			CorrelationID: task.CorrelationID,
			FireAt:        task.FireAt,
		})
	}
	return nil
}

// Worker returns a worker pool that fires the timers on the service queue.
// Timers are never dropped, so MaxAttempts is forced to unlimited.
func (s *Service) Worker(cfg worker.Config) *worker.Worker {
	cfg.MaxAttempts = 0
	if cfg.Logger == nil {
		cfg.Logger = s.logger
	}
	if cfg.Clock == nil {
		cfg.Clock = s.clock
	}
	return worker.New(s.queue, s, cfg)
}

// Run fires timers with the given concurrency until ctx is cancelled.
func (s *Service) Run(ctx context.Context, concurrency int, cfg worker.Config) error {
	return s.Worker(cfg).Run(ctx, concurrency)
}
