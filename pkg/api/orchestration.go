package api

import (
	"context"
	"log/slog"
	"time"
)

// OrchestratorFunc is the body of an orchestration. It must be deterministic:
// given the same history it must issue the same sequence of requests. Wall
// clock time must come from CurrentUTCDateTime and all I/O from activities.
type OrchestratorFunc func(ctx OrchestrationContext) (any, error)

// ActivityFunc is a unit of side-effecting work invoked by an orchestration.
// It may run more than once for the same call if a worker crashes, so it
// should be idempotent.
type ActivityFunc func(ctx *ActivityContext) (any, error)

// OrchestrationContext is handed to an orchestrator on every replay.
type OrchestrationContext interface {
	InstanceID() string
	Name() string

	// GetInput decodes the instance input into v.
	GetInput(v any) error

	// CurrentUTCDateTime returns a replay-safe "now". It equals the start time
	// on first execution and advances as awaited tasks complete.
	CurrentUTCDateTime() time.Time

	// IsReplaying reports whether the orchestrator is re-executing code that
	// ran in an earlier execution. It stays true until every recorded request
	// has been issued again and the newest recorded completion awaited.
	IsReplaying() bool

	// CreateTimer returns a task that completes at or after fireAt.
	CreateTimer(fireAt time.Time) Task

	// Sleep creates a timer for CurrentUTCDateTime()+d and awaits it.
	Sleep(d time.Duration) error

	// CallActivity schedules the named activity and returns a task for its result.
	CallActivity(name string, input any) Task

	// WhenAll returns a task that completes when every task has completed.
	// Its error is the failure that was recorded first.
	WhenAll(tasks ...Task) Task

	// WhenAny returns a task that completes when the first task completes.
	// Await it into an *int to get the index, or into a *Task for the winner.
	WhenAny(tasks ...Task) Task

	// Logger returns a logger that drops records while replaying.
	Logger() *slog.Logger
}

// Task is a durable handle for pending work.
type Task interface {
	// Await blocks the orchestration until the task completes and decodes its
	// result into v. An unresolved task suspends the orchestrator; it is
	// resumed by a later replay once the completion is recorded.
	Await(v any) error

	// IsComplete reports whether the completion is already in history.
	IsComplete() bool
}

// AwaitAs awaits t and returns its result as T.
func AwaitAs[T any](t Task) (T, error) {
	var v T
	err := t.Await(&v)
	return v, err
}

// ActivityContext carries the call metadata of one activity invocation.
// It is cancelled when the host shuts down.
type ActivityContext struct {
	context.Context

	InstanceID    string
	CorrelationID string
	Name          string

	// Attempt is 1 for the first invocation and increases on each retry.
	Attempt int

	input []byte
	serde Serde
}

// NewActivityContext builds the context passed to an activity for task.
func NewActivityContext(ctx context.Context, task ActivityTask, attempt int, serde Serde) *ActivityContext {
	if serde == nil {
		serde = JSONSerde{}
	}
	return &ActivityContext{
		Context:       ctx,
		InstanceID:    task.InstanceID,
		CorrelationID: task.CorrelationID,
		Name:          task.Name,
		Attempt:       attempt,
		input:         task.Input,
		serde:         serde,
	}
}

// GetInput decodes the activity input into v.
func (c *ActivityContext) GetInput(v any) error {
	return c.serde.Unmarshal(c.input, v)
}
