package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the host for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay orchestration execution.
type Observer interface {
	// OnOrchestrationStarted is called once when an instance is created.
	OnOrchestrationStarted(ctx context.Context, inst *Instance)

	// OnOrchestrationCompleted is called when an instance reaches StatusCompleted.
	OnOrchestrationCompleted(ctx context.Context, inst *Instance)

	// OnOrchestrationFailed is called when an instance transitions to StatusFailed.
	OnOrchestrationFailed(ctx context.Context, inst *Instance, err error)

	// OnOrchestrationTerminated is called after Terminate succeeds.
	OnOrchestrationTerminated(ctx context.Context, inst *Instance, reason string)

	// OnActivityStart is called before invoking an activity function.
	OnActivityStart(ctx context.Context, task ActivityTask, attempt int)

	// OnActivityCompleted is called after the activity outcome has been
	// recorded, for both successes and failures (err != nil).
	OnActivityCompleted(ctx context.Context, task ActivityTask, err error, duration time.Duration)

	// OnTimerFired is called after a TimerFired event has been recorded.
	OnTimerFired(ctx context.Context, timer TimerRequest)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnOrchestrationStarted(ctx context.Context, inst *Instance)             {}
func (NoopObserver) OnOrchestrationCompleted(ctx context.Context, inst *Instance)           {}
func (NoopObserver) OnOrchestrationFailed(ctx context.Context, inst *Instance, err error)   {}
func (NoopObserver) OnOrchestrationTerminated(ctx context.Context, inst *Instance, r string) {}
func (NoopObserver) OnActivityStart(ctx context.Context, task ActivityTask, attempt int)     {}
func (NoopObserver) OnActivityCompleted(ctx context.Context, task ActivityTask, err error, d time.Duration) {
}
func (NoopObserver) OnTimerFired(ctx context.Context, timer TimerRequest) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnOrchestrationStarted(ctx context.Context, inst *Instance) {
	for _, o := range c.observers {
		o.OnOrchestrationStarted(ctx, inst)
	}
}

func (c *CompositeObserver) OnOrchestrationCompleted(ctx context.Context, inst *Instance) {
	for _, o := range c.observers {
		o.OnOrchestrationCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnOrchestrationFailed(ctx context.Context, inst *Instance, err error) {
	for _, o := range c.observers {
		o.OnOrchestrationFailed(ctx, inst, err)
	}
}

func (c *CompositeObserver) OnOrchestrationTerminated(ctx context.Context, inst *Instance, reason string) {
	for _, o := range c.observers {
		o.OnOrchestrationTerminated(ctx, inst, reason)
	}
}

func (c *CompositeObserver) OnActivityStart(ctx context.Context, task ActivityTask, attempt int) {
	for _, o := range c.observers {
		o.OnActivityStart(ctx, task, attempt)
	}
}

func (c *CompositeObserver) OnActivityCompleted(ctx context.Context, task ActivityTask, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityCompleted(ctx, task, err, d)
	}
}

func (c *CompositeObserver) OnTimerFired(ctx context.Context, timer TimerRequest) {
	for _, o := range c.observers {
		o.OnTimerFired(ctx, timer)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs orchestration and activity
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnOrchestrationStarted(ctx context.Context, inst *Instance) {
	o.Logger.InfoContext(ctx, "orchestration_started",
		slog.String("orchestrator", inst.Name),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnOrchestrationCompleted(ctx context.Context, inst *Instance) {
	o.Logger.InfoContext(ctx, "orchestration_completed",
		slog.String("orchestrator", inst.Name),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnOrchestrationFailed(ctx context.Context, inst *Instance, err error) {
	o.Logger.ErrorContext(ctx, "orchestration_failed",
		slog.String("orchestrator", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnOrchestrationTerminated(ctx context.Context, inst *Instance, reason string) {
	o.Logger.WarnContext(ctx, "orchestration_terminated",
		slog.String("orchestrator", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.String("reason", reason),
	)
}

func (o *LoggingObserver) OnActivityStart(ctx context.Context, task ActivityTask, attempt int) {
	o.Logger.DebugContext(ctx, "activity_start",
		slog.String("activity", task.Name),
		slog.String("instance_id", task.InstanceID),
		slog.String("correlation_id", task.CorrelationID),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnActivityCompleted(ctx context.Context, task ActivityTask, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "activity_completed",
		slog.String("activity", task.Name),
		slog.String("instance_id", task.InstanceID),
		slog.String("correlation_id", task.CorrelationID),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnTimerFired(ctx context.Context, timer TimerRequest) {
	o.Logger.DebugContext(ctx, "timer_fired",
		slog.String("instance_id", timer.InstanceID),
		slog.String("correlation_id", timer.CorrelationID),
		slog.Time("fire_at", timer.FireAt),
	)
}

// BasicMetrics collects simple counters and aggregate activity durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	started    atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
	terminated atomic.Int64
	timers     atomic.Int64

	activitiesCompleted   atomic.Int64
	activitiesFailed      atomic.Int64
	totalActivityDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	OrchestrationsStarted    int64
	OrchestrationsCompleted  int64
	OrchestrationsFailed     int64
	OrchestrationsTerminated int64
	InFlightOrchestrations   int64

	TimersFired         int64
	ActivitiesCompleted int64
	ActivitiesFailed    int64
	AvgActivityDuration time.Duration
}

func (m *BasicMetrics) OnOrchestrationStarted(ctx context.Context, inst *Instance) {
	m.started.Add(1)
}

func (m *BasicMetrics) OnOrchestrationCompleted(ctx context.Context, inst *Instance) {
	m.completed.Add(1)
}

func (m *BasicMetrics) OnOrchestrationFailed(ctx context.Context, inst *Instance, err error) {
	m.failed.Add(1)
}

func (m *BasicMetrics) OnOrchestrationTerminated(ctx context.Context, inst *Instance, reason string) {
	m.terminated.Add(1)
}

func (m *BasicMetrics) OnTimerFired(ctx context.Context, timer TimerRequest) {
	m.timers.Add(1)
}

func (m *BasicMetrics) OnActivityCompleted(ctx context.Context, task ActivityTask, err error, d time.Duration) {
	if err != nil {
		m.activitiesFailed.Add(1)
		return
	}
	m.activitiesCompleted.Add(1)
	m.totalActivityDuration.Add(d.Nanoseconds())
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.started.Load()
	completed := m.completed.Load()
	failed := m.failed.Load()
	terminated := m.terminated.Load()
	acts := m.activitiesCompleted.Load()

	var avg time.Duration
	if acts > 0 {
		avg = time.Duration(m.totalActivityDuration.Load() / acts)
	}

	return BasicMetricsSnapshot{
		OrchestrationsStarted:    started,
		OrchestrationsCompleted:  completed,
		OrchestrationsFailed:     failed,
		OrchestrationsTerminated: terminated,
		InFlightOrchestrations:   started - completed - failed - terminated,
		TimersFired:              m.timers.Load(),
		ActivitiesCompleted:      acts,
		ActivitiesFailed:         m.activitiesFailed.Load(),
		AvgActivityDuration:      avg,
	}
}
