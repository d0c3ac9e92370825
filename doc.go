// Package durable is an embeddable durable orchestration host for Go.
//
// An orchestration is ordinary Go code that sleeps on durable timers and
// calls activities. Every decision it makes is recorded in an append-only
// history, so a host can crash at any point and resume the orchestration on
// another process without redoing completed work.
//
// # Core Concepts
//
//  1. Host
//  2. Orchestrator
//  3. Activity
//  4. History
//
// # Host
//
// A Host bundles the history store, three task queues (orchestration
// wake-ups, timers, activities) and the worker pools that drain them. Hosts
// can be backed by:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// The queues can also run on a NATS JetStream work-queue stream.
//
// # Orchestrator
//
// An OrchestratorFunc receives an OrchestrationContext. It must be
// deterministic: the engine re-runs it from the start on every wake-up and
// matches each CreateTimer and CallActivity call against the history by
// position. Time comes from CurrentUTCDateTime, never from time.Now, and all
// I/O happens in activities.
//
//	func longRun(ctx durable.OrchestrationContext) (any, error) {
//		if err := ctx.Sleep(5 * time.Minute); err != nil {
//			return nil, err
//		}
//		return durable.AwaitAs[string](ctx.CallActivity("Hello", "Tokyo"))
//	}
//
// Awaiting a task whose completion is not recorded yet suspends the
// orchestrator; nothing blocks while a timer is pending.
//
// # Activity
//
// An ActivityFunc does the side-effecting work. Errors wrapped with
// Transient are retried according to the host's RetryPolicy; any other
// error is recorded as a failure and returned to the orchestrator as an
// *ActivityError.
//
// # History
//
// GetStatus always reflects the last durably recorded event. History and
// Replay expose the log itself for diagnostics.
package durable
