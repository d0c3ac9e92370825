// Package status answers read-only questions about orchestration instances.
// It never writes: the engine keeps the cached records current and every
// single-instance answer is re-derived from history.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/durable/internal/history"
	"github.com/petrijr/durable/pkg/api"
)

// StatusCheckSince is the earliest creation time HasRunning looks at.
var StatusCheckSince = time.Date(2015, 10, 10, 0, 0, 0, 0, time.UTC)

// ErrInvalidRange is returned for a query whose upper bound precedes its
// lower bound.
var ErrInvalidRange = errors.New("createdTo is before createdFrom")

// Service serves status queries from a history store.
type Service struct {
	store history.Store
}

func New(store history.Store) *Service {
	return &Service{store: store}
}

// GetStatus returns the instance record with the status derived from its
// history applied on top, so the answer is never behind the log even when
// the cached record is.
func (s *Service) GetStatus(ctx context.Context, instanceID string) (*api.Instance, error) {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	events, err := history.ReadAll(ctx, s.store, instanceID)
	if err != nil {
		return nil, err
	}
	history.Project(events).Apply(inst)
	return inst, nil
}

// QueryInstances returns the cached records matching q ordered by creation
// time.
func (s *Service) QueryInstances(ctx context.Context, q api.InstanceQuery) ([]*api.Instance, error) {
	if !q.CreatedFrom.IsZero() && !q.CreatedTo.IsZero() && q.CreatedTo.Before(q.CreatedFrom) {
		return nil, fmt.Errorf("%w: %s < %s", ErrInvalidRange,
			q.CreatedTo.Format(time.RFC3339), q.CreatedFrom.Format(time.RFC3339))
	}
	return s.store.ListInstances(ctx, q)
}

// History returns the recorded events of an instance.
func (s *Service) History(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	if _, err := s.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return history.ReadAll(ctx, s.store, instanceID)
}

// HasRunning reports whether any instance created on or after
// StatusCheckSince is Running. Pending instances do not count.
func (s *Service) HasRunning(ctx context.Context) (bool, error) {
	insts, err := s.store.ListInstances(ctx, api.InstanceQuery{
		CreatedFrom: StatusCheckSince,
		Statuses:    []api.RuntimeStatus{api.StatusRunning},
	})
	if err != nil {
		return false, err
	}
	return len(insts) > 0, nil
}

// ListRunning returns every Running instance regardless of creation time.
func (s *Service) ListRunning(ctx context.Context) ([]*api.Instance, error) {
	return s.store.ListInstances(ctx, api.InstanceQuery{
		Statuses: []api.RuntimeStatus{api.StatusRunning},
	})
}
