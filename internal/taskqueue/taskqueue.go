package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/petrijr/durable/pkg/api"
)

// TaskType identifies which service a task wakes up.
type TaskType string

const (
	TaskTypeOrchestration TaskType = "orchestration"
	TaskTypeActivity      TaskType = "activity"
	TaskTypeTimer         TaskType = "timer"
)

// Task is a wake-up hint for one of the host services. The history store
// stays the source of truth; losing or repeating a task never corrupts an
// instance.
type Task struct {
	ID   string   `msgpack:"id"`
	Type TaskType `msgpack:"type"`

	InstanceID    string `msgpack:"instance_id"`
	CorrelationID string `msgpack:"correlation_id,omitempty"`
	// Name is the activity name for activity tasks.
	Name    string `msgpack:"name,omitempty"`
	Payload []byte `msgpack:"payload,omitempty"`

	EnqueuedAt time.Time `msgpack:"enqueued_at"`

	// NotBefore is the earliest time the task may be handed out. Zero means
	// immediately.
	NotBefore time.Time `msgpack:"not_before"`

	// FireAt is the due time of a timer task.
	FireAt time.Time `msgpack:"fire_at,omitempty"`

	// Attempts counts earlier deliveries that were nacked or whose lease
	// expired.
	Attempts int `msgpack:"attempts"`
}

// ErrLeaseLost is returned by Ack and Nack when the task is no longer leased
// by the caller.
var ErrLeaseLost = errors.New("taskqueue: task is not leased by owner")

// Queue is a task queue with visibility leases. A dequeued task stays
// invisible to other owners until it is acked, nacked, or its lease
// expires.
type Queue interface {
	// Enqueue adds a task. An empty ID is filled in.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue leases the next due task to owner, blocking until one is
	// available or ctx is done.
	Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error)

	// Ack removes a leased task.
	Ack(ctx context.Context, taskID, owner string) error

	// Nack releases a leased task for redelivery no earlier than notBefore.
	Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error

	// Len returns the approximate number of queued and leased tasks.
	Len() int
}

// NewTaskID returns a time-ordered unique task id.
func NewTaskID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Option configures a queue backend.
type Option func(*queueOptions)

type queueOptions struct {
	clock        api.Clock
	pollInterval time.Duration
	maxDelay     time.Duration
}

func defaultOptions(opts []Option) queueOptions {
	o := queueOptions{
		clock:        api.SystemClock{},
		pollInterval: 20 * time.Millisecond,
		maxDelay:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock sets the clock used for not-before and lease decisions.
func WithClock(c api.Clock) Option {
	return func(o *queueOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithPollInterval sets how often an idle Dequeue rechecks the backend.
func WithPollInterval(d time.Duration) Option {
	return func(o *queueOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithMaxDelay caps the redelivery delay handed to brokers that schedule
// redelivery themselves. Longer waits are split into several redeliveries.
func WithMaxDelay(d time.Duration) Option {
	return func(o *queueOptions) {
		if d > 0 {
			o.maxDelay = d
		}
	}
}

// prepare fills the defaults of a task about to be enqueued.
func prepare(t *Task, now time.Time) {
	if t.ID == "" {
		t.ID = NewTaskID()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = now
	}
}

func validateLease(owner string, leaseTTL time.Duration) error {
	if owner == "" {
		return errors.New("taskqueue: owner must not be empty")
	}
	if leaseTTL <= 0 {
		return errors.New("taskqueue: leaseTTL must be > 0")
	}
	return nil
}

// idleTimer is a reusable timer for poll loops.
type idleTimer struct {
	t *time.Timer
}

func newIdleTimer() *idleTimer {
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	return &idleTimer{t: tmr}
}

// wait sleeps for d or until ctx or wake fires. A nil wake channel is
// ignored.
func (w *idleTimer) wait(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	w.t.Reset(d)
	defer func() {
		if !w.t.Stop() {
			select {
			case <-w.t.C:
			default:
			}
		}
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	case <-w.t.C:
		return nil
	}
}

func (w *idleTimer) stop() { w.t.Stop() }
