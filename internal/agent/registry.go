package agent

import (
	"sort"
	"sync"

	"github.com/linnemanlabs/inquest/internal/fault"
)

// State is the lifecycle state of a registered agent.
type State string

const (
	StateIdle    State = "idle"
	StateBusy    State = "busy"
	StateStopped State = "stopped"
)

// Registry tracks registered agents and their lifecycle state.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	states map[string]State
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]Agent),
		states: make(map[string]State),
	}
}

// Register adds an agent in the idle state. Re-registering an id replaces
// the previous agent.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ID()] = a
	r.states[a.ID()] = StateIdle
}

// Get retrieves an agent by id.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// ByType returns the first registered agent of the given type.
func (r *Registry) ByType(agentType string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if r.agents[id].Type() == agentType {
			return r.agents[id], true
		}
	}
	return nil, false
}

// SetState transitions an agent's lifecycle state.
func (r *Registry) SetState(id string, s State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		return fault.Newf(fault.KindNotFound, "registry.SetState", "agent %s not registered", id)
	}
	r.states[id] = s
	return nil
}

// StateOf returns an agent's lifecycle state.
func (r *Registry) StateOf(id string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[id]
	return s, ok
}

// List returns the registered agent ids, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for id := range r.agents {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
