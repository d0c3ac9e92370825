package durable

import (
	"github.com/petrijr/durable/internal/activity"
	"github.com/petrijr/durable/internal/engine"
	"github.com/petrijr/durable/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Instance             = api.Instance
	InstanceQuery        = api.InstanceQuery
	HistoryEvent         = api.HistoryEvent
	EventKind            = api.EventKind
	RuntimeStatus        = api.RuntimeStatus
	OrchestratorFunc     = api.OrchestratorFunc
	OrchestrationContext = api.OrchestrationContext
	ActivityFunc         = api.ActivityFunc
	ActivityContext      = api.ActivityContext
	Task                 = api.Task
	ActivityTask         = api.ActivityTask
	TimerRequest         = api.TimerRequest
	StartOption          = api.StartOption
	Serde                = api.Serde
	Clock                = api.Clock
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	NoopObserver         = api.NoopObserver
	ActivityError        = api.ActivityError
	DeterminismViolation = api.DeterminismViolation

	RetryPolicy  = activity.RetryPolicy
	ReplayResult = engine.ReplayResult
)

// Re-export common helpers.

var (
	WithInstanceID       = api.WithInstanceID
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	Transient            = api.Transient
)

const (
	StatusPending    = api.StatusPending
	StatusRunning    = api.StatusRunning
	StatusCompleted  = api.StatusCompleted
	StatusFailed     = api.StatusFailed
	StatusTerminated = api.StatusTerminated
)

var (
	ErrInstanceNotFound     = api.ErrInstanceNotFound
	ErrInstanceExists       = api.ErrInstanceExists
	ErrInstanceTerminal     = api.ErrInstanceTerminal
	ErrOrchestratorNotFound = api.ErrOrchestratorNotFound
	ErrActivityNotFound     = api.ErrActivityNotFound
)

// AwaitAs awaits t and returns its result as T.
func AwaitAs[T any](t Task) (T, error) { return api.AwaitAs[T](t) }

// DefaultRetryPolicy is the activity retry policy of a host built without
// WithActivityRetry.
var DefaultRetryPolicy = activity.DefaultRetryPolicy
