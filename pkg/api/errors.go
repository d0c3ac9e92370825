package api

import (
	"errors"
	"fmt"
)

var (
	// ErrInstanceNotFound is returned when an orchestration instance does not exist.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceExists is returned when starting an instance with an ID already in use.
	ErrInstanceExists = errors.New("instance already exists")

	// ErrInstanceLocked is returned when another owner holds the instance lease.
	ErrInstanceLocked = errors.New("instance is leased by another owner")

	// ErrInstanceTerminal is returned when an operation needs a non-terminal instance.
	ErrInstanceTerminal = errors.New("instance is in a terminal state")

	ErrOrchestratorNotFound = errors.New("orchestrator not registered")
	ErrActivityNotFound     = errors.New("activity not registered")
)

// ConflictError is returned by an append whose expected sequence is stale.
// The caller must re-read the history and retry.
type ConflictError struct {
	InstanceID string
	Expected   int64
	Actual     int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("history conflict on %s: expected sequence %d, actual %d", e.InstanceID, e.Expected, e.Actual)
}

// IsConflict reports whether err is, or wraps, a *ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// TransientError marks a failure that may succeed when retried, for example a
// store that is temporarily unreachable.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Op == "" {
		return "transient: " + e.Err.Error()
	}
	return e.Op + ": transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so that activity retries treat it as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is, or wraps, a *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ActivityError is what an orchestrator receives when an activity failed.
type ActivityError struct {
	Name          string
	CorrelationID string
	Message       string
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s (%s) failed: %s", e.Name, e.CorrelationID, e.Message)
}

// DeterminismViolation is raised when replaying an orchestrator produces a
// different request than the one recorded in history. It is fatal for the
// instance.
type DeterminismViolation struct {
	InstanceID    string
	CorrelationID string
	Expected      string
	Actual        string
}

func (e *DeterminismViolation) Error() string {
	return fmt.Sprintf("non-deterministic orchestrator %s at %s: history has %s, replay produced %s",
		e.InstanceID, e.CorrelationID, e.Expected, e.Actual)
}
