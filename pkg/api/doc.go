// Package api contains the core types shared by the durable orchestration
// host: instances and their runtime status, history events, the orchestrator
// and activity function signatures, payload serdes and observers.
//
// Most users interact with the higher-level durable package, which re-exports
// selected types from this package. The api package is intended for custom
// integrations, such as alternative stores or observers.
//
// # Orchestrators
//
// An orchestrator is an ordinary Go function that receives an
// OrchestrationContext. It schedules work with CallActivity and CreateTimer
// and blocks on the returned Task with Await. The host persists every request
// and completion as a HistoryEvent; when a worker crashes or a completion
// arrives later, the orchestrator is re-run from the beginning and every
// already-recorded Await returns the recorded result.
//
// Orchestrators must therefore be deterministic:
//
//   - Use CurrentUTCDateTime instead of time.Now.
//   - Perform I/O in activities, not in the orchestrator body.
//   - Issue the same requests in the same order on every replay.
//
// # Activities
//
// Activities run at least once per call and receive an *ActivityContext
// carrying the instance ID, correlation ID and attempt number. Wrap an error
// with Transient to have the executor retry it.
//
// # Observability
//
// The Observer interface reports lifecycle events. LoggingObserver and
// BasicMetrics are ready-made implementations that can be combined with
// NewCompositeObserver.
package api
