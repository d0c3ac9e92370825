package api

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// RuntimeStatus represents the lifecycle state of an orchestration instance.
type RuntimeStatus string

const (
	StatusPending    RuntimeStatus = "Pending"
	StatusRunning    RuntimeStatus = "Running"
	StatusCompleted  RuntimeStatus = "Completed"
	StatusFailed     RuntimeStatus = "Failed"
	StatusTerminated RuntimeStatus = "Terminated"
)

// IsTerminal reports whether no further transitions are possible.
func (s RuntimeStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	default:
		return false
	}
}

// ParseRuntimeStatus parses a status name case-insensitively.
func ParseRuntimeStatus(s string) (RuntimeStatus, error) {
	for _, st := range []RuntimeStatus{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusTerminated} {
		if strings.EqualFold(strings.TrimSpace(s), string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown runtime status %q", s)
}

// Instance is one execution of a registered orchestrator.
//
// Input and Output hold payloads encoded with the host's Serde. The record is
// a cache of the status derived from history; LastSequence is the history
// position it reflects.
type Instance struct {
	ID            string
	Name          string
	Status        RuntimeStatus
	CreatedAt     time.Time
	LastUpdatedAt time.Time
	Input         []byte
	Output        []byte

	// Error is the failure detail for Failed instances and the reason for
	// Terminated ones.
	Error string

	LastSequence int64
}

// Clone returns a deep copy of the instance.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	c.Input = slices.Clone(i.Input)
	c.Output = slices.Clone(i.Output)
	return &c
}

// InstanceQuery selects instances by creation time and status.
// Zero times mean "unbounded" and an empty Statuses slice matches every status.
// Both time bounds are inclusive.
type InstanceQuery struct {
	CreatedFrom time.Time
	CreatedTo   time.Time
	Statuses    []RuntimeStatus
}

// Matches reports whether inst satisfies the query.
func (q InstanceQuery) Matches(inst *Instance) bool {
	if !q.CreatedFrom.IsZero() && inst.CreatedAt.Before(q.CreatedFrom) {
		return false
	}
	if !q.CreatedTo.IsZero() && inst.CreatedAt.After(q.CreatedTo) {
		return false
	}
	if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, inst.Status) {
		return false
	}
	return true
}
