// Package worker runs the task loops that drive orchestrations forward.
//
// A Worker leases tasks from a task queue, hands each one to a Handler and
// then acks or nacks it. Failed tasks are redelivered with exponential
// backoff until MaxAttempts is reached, and handlers may reschedule a task
// that arrived early with RetryAt.
//
// The host runs one pool per queue: orchestration wake-ups, activity
// invocations and durable timers. Pools are independent and can be scaled
// horizontally, since leases keep a task with a single worker at a time
// and every handler is idempotent against the history store.
package worker
