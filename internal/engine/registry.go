package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/petrijr/durable/pkg/api"
)

// Registry holds the orchestrators and activities a host can run. It is safe
// for concurrent use and is shared by the engine and the activity executor.
type Registry struct {
	mu            sync.RWMutex
	orchestrators map[string]api.OrchestratorFunc
	activities    map[string]api.ActivityFunc
}

func NewRegistry() *Registry {
	return &Registry{
		orchestrators: make(map[string]api.OrchestratorFunc),
		activities:    make(map[string]api.ActivityFunc),
	}
}

func (r *Registry) RegisterOrchestrator(name string, fn api.OrchestratorFunc) error {
	if name == "" {
		return errors.New("orchestrator name is required")
	}
	if fn == nil {
		return fmt.Errorf("orchestrator %q has no function", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orchestrators[name]; exists {
		return fmt.Errorf("orchestrator %q already registered", name)
	}
	r.orchestrators[name] = fn
	return nil
}

func (r *Registry) RegisterActivity(name string, fn api.ActivityFunc) error {
	if name == "" {
		return errors.New("activity name is required")
	}
	if fn == nil {
		return fmt.Errorf("activity %q has no function", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.activities[name]; exists {
		return fmt.Errorf("activity %q already registered", name)
	}
	r.activities[name] = fn
	return nil
}

func (r *Registry) Orchestrator(name string) (api.OrchestratorFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.orchestrators[name]
	return fn, ok
}

func (r *Registry) Activity(name string) (api.ActivityFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.activities[name]
	return fn, ok
}
