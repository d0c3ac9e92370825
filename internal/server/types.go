package server

import (
	"encoding/json"
	"time"

	"github.com/petrijr/durable/pkg/api"
)

// CheckStatus is returned when an instance is started. The URIs are absolute
// and point back at this server.
type CheckStatus struct {
	ID                string `json:"id"`
	StatusQueryGetURI string `json:"statusQueryGetUri"`
	TerminatePostURI  string `json:"terminatePostUri"`
	HistoryGetURI     string `json:"historyGetUri"`
}

// InstanceStatus is the wire form of an instance.
type InstanceStatus struct {
	InstanceID      string            `json:"instanceId"`
	Name            string            `json:"name"`
	RuntimeStatus   api.RuntimeStatus `json:"runtimeStatus"`
	CreatedTime     time.Time         `json:"createdTime"`
	LastUpdatedTime time.Time         `json:"lastUpdatedTime"`
	Input           json.RawMessage   `json:"input,omitempty"`
	Output          json.RawMessage   `json:"output,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// Event is the wire form of a history event.
type Event struct {
	Sequence      int64           `json:"sequence"`
	Kind          api.EventKind   `json:"kind"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Name          string          `json:"name,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Detail        string          `json:"detail,omitempty"`
	FireAt        *time.Time      `json:"fireAt,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// StatusCheckResponse answers whether anything is still running.
type StatusCheckResponse struct {
	HasRunning bool `json:"hasRunning"`
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ErrorResponse carries a message and a stable code that clients map back to
// sentinel errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
