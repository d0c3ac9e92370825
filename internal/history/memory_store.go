package history

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/petrijr/durable/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe Store backed by maps.
// It is used by tests and single-process local runs.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*api.Instance
	events    map[string][]api.HistoryEvent
	leases    map[string]memLease
}

type memLease struct {
	owner     string
	expiresAt time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]*api.Instance),
		events:    make(map[string][]api.HistoryEvent),
		leases:    make(map[string]memLease),
	}
}

// Ensure InMemoryStore implements the interface.
var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) CreateInstance(ctx context.Context, inst *api.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return api.ErrInstanceExists
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *InMemoryStore) UpdateInstance(ctx context.Context, inst *api.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.instances[inst.ID]
	if !ok {
		return api.ErrInstanceNotFound
	}
	if inst.LastSequence < cur.LastSequence {
		return nil
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, api.ErrInstanceNotFound
	}
	return inst.Clone(), nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context, q api.InstanceQuery) ([]*api.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Instance
	for _, inst := range s.instances {
		if q.Matches(inst) {
			result = append(result, inst.Clone())
		}
	}
	sortInstances(result)
	return result, nil
}

func (s *InMemoryStore) Append(ctx context.Context, instanceID string, expected int64, events ...api.HistoryEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[instanceID]; !ok {
		return 0, api.ErrInstanceNotFound
	}
	cur := s.events[instanceID]
	actual := int64(len(cur))
	if actual != expected {
		return 0, &api.ConflictError{InstanceID: instanceID, Expected: expected, Actual: actual}
	}
	s.events[instanceID] = append(cur, assignSequences(expected, events)...)
	return expected + int64(len(events)), nil
}

func (s *InMemoryStore) Read(ctx context.Context, instanceID string) iter.Seq2[api.HistoryEvent, error] {
	return func(yield func(api.HistoryEvent, error) bool) {
		s.mu.RLock()
		events := slices.Clone(s.events[instanceID])
		s.mu.RUnlock()

		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (s *InMemoryStore) LastSequence(ctx context.Context, instanceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.instances[instanceID]; !ok {
		return 0, api.ErrInstanceNotFound
	}
	return int64(len(s.events[instanceID])), nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[instanceID]; !ok {
		return false, api.ErrInstanceNotFound
	}
	now := time.Now()
	if l, ok := s.leases[instanceID]; ok && l.owner != owner && now.Before(l.expiresAt) {
		return false, nil
	}
	s.leases[instanceID] = memLease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[instanceID]
	if !ok || l.owner != owner {
		return api.ErrInstanceLocked
	}
	l.expiresAt = time.Now().Add(ttl)
	s.leases[instanceID] = l
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[instanceID]; ok && l.owner == owner {
		delete(s.leases, instanceID)
	}
	return nil
}

func sortInstances(list []*api.Instance) {
	slices.SortFunc(list, func(a, b *api.Instance) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
