package api

import "context"

// Client is the management API of an orchestration host.
type Client interface {
	// Start creates a new instance of the named orchestrator and returns its
	// ID. The instance is Pending until a worker first executes it.
	Start(ctx context.Context, name string, input any, opts ...StartOption) (string, error)

	// GetStatus returns the current status of an instance.
	// Returns ErrInstanceNotFound if the instance does not exist.
	GetStatus(ctx context.Context, id string) (*Instance, error)

	// QueryInstances returns instances matching q, ordered by creation time.
	QueryInstances(ctx context.Context, q InstanceQuery) ([]*Instance, error)

	// Terminate ends a non-terminal instance with the given reason.
	// Terminating a finished instance returns ErrInstanceTerminal.
	Terminate(ctx context.Context, id string, reason string) error

	// History returns the recorded events of an instance in sequence order.
	History(ctx context.Context, id string) ([]HistoryEvent, error)
}

// StartOptions configures Client.Start.
type StartOptions struct {
	// InstanceID overrides the generated instance ID.
	InstanceID string
}

// StartOption mutates StartOptions.
type StartOption func(*StartOptions)

// WithInstanceID starts the instance under a caller-chosen ID.
func WithInstanceID(id string) StartOption {
	return func(o *StartOptions) { o.InstanceID = id }
}

// ApplyStartOptions folds opts into a StartOptions value.
func ApplyStartOptions(opts ...StartOption) StartOptions {
	var o StartOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
