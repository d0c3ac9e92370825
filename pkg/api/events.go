package api

import (
	"fmt"
	"time"
)

// EventKind identifies an orchestration history event.
type EventKind string

const (
	EventOrchestratorStarted    EventKind = "OrchestratorStarted"
	EventTimerCreated           EventKind = "TimerCreated"
	EventTimerFired             EventKind = "TimerFired"
	EventActivityScheduled      EventKind = "ActivityScheduled"
	EventActivityCompleted      EventKind = "ActivityCompleted"
	EventActivityFailed         EventKind = "ActivityFailed"
	EventOrchestratorCompleted  EventKind = "OrchestratorCompleted"
	EventOrchestratorFailed     EventKind = "OrchestratorFailed"
	EventOrchestratorTerminated EventKind = "OrchestratorTerminated"
)

// IsRequest reports whether the event records work requested by the
// orchestrator (a timer or an activity call).
func (k EventKind) IsRequest() bool {
	return k == EventTimerCreated || k == EventActivityScheduled
}

// IsCompletion reports whether the event resolves a previously recorded request.
func (k EventKind) IsCompletion() bool {
	return k == EventTimerFired || k == EventActivityCompleted || k == EventActivityFailed
}

// IsTerminal reports whether the event ends the instance.
func (k EventKind) IsTerminal() bool {
	return k == EventOrchestratorCompleted || k == EventOrchestratorFailed || k == EventOrchestratorTerminated
}

// HistoryEvent is an immutable, append-only record of an instance's execution.
//
// Sequence numbers start at 1 and are strictly increasing and gapless per
// instance. They are assigned by the history store on append.
type HistoryEvent struct {
	Sequence      int64     `msgpack:"seq" json:"sequence"`
	Kind          EventKind `msgpack:"kind" json:"kind"`
	CorrelationID string    `msgpack:"cid,omitempty" json:"correlationId,omitempty"`

	// Name is the orchestrator name for OrchestratorStarted and the activity
	// name for activity events.
	Name string `msgpack:"name,omitempty" json:"name,omitempty"`

	// Payload holds the input, result or output, encoded with the host Serde.
	Payload []byte `msgpack:"payload,omitempty" json:"payload,omitempty"`

	// Detail carries an error descriptor or a termination reason.
	Detail string `msgpack:"detail,omitempty" json:"detail,omitempty"`

	FireAt    time.Time `msgpack:"fire_at,omitempty" json:"fireAt,omitzero"`
	Timestamp time.Time `msgpack:"ts" json:"timestamp"`
}

func (e HistoryEvent) String() string {
	if e.CorrelationID == "" {
		return fmt.Sprintf("#%d %s", e.Sequence, e.Kind)
	}
	return fmt.Sprintf("#%d %s %s", e.Sequence, e.Kind, e.CorrelationID)
}

// TimerRequest asks the timer service to append TimerFired for CorrelationID
// at or after FireAt.
type TimerRequest struct {
	InstanceID    string
	CorrelationID string
	FireAt        time.Time
}

// ActivityTask asks the activity executor to run the named activity once for
// CorrelationID.
type ActivityTask struct {
	InstanceID    string
	CorrelationID string
	Name          string
	Input         []byte
}
