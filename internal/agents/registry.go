// Package agents implements the per-world agent runtime: the registry, the
// message preparer, auto-mention normalization, tool-call validation, and
// the processing pipeline that drives LLM turns.
package agents

import (
	"strings"
	"sync"

	"github.com/haasonsaas/agora/pkg/models"
)

// RuntimeAgent is a registered agent plus its runtime handles: the memory
// owned by its pipeline and the bus detach functions for its subscriptions.
type RuntimeAgent struct {
	// mu serializes turns for this agent. Memory has a single writer: the
	// pipeline processing the current turn.
	mu sync.Mutex

	Agent models.Agent

	// detach functions for the message and tool channel subscriptions.
	detachers []func()
}

// Lock acquires the per-agent turn lock.
func (a *RuntimeAgent) Lock() { a.mu.Lock() }

// Unlock releases the per-agent turn lock.
func (a *RuntimeAgent) Unlock() { a.mu.Unlock() }

// AddDetacher records a bus detach handle released on unregister.
func (a *RuntimeAgent) AddDetacher(detach func()) {
	a.detachers = append(a.detachers, detach)
}

// Registry is the in-memory map of a world's agents. It resolves both
// stable ids and display names, case-insensitively.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*RuntimeAgent // keyed by agent id
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: map[string]*RuntimeAgent{}}
}

// Register adds an agent, replacing any prior registration with the same id.
func (r *Registry) Register(agent models.Agent) *RuntimeAgent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.agents[agent.ID]; ok {
		existing.release()
	}
	runtime := &RuntimeAgent{Agent: agent}
	r.agents[agent.ID] = runtime
	return runtime
}

// Unregister removes an agent and releases its bus subscriptions.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.agents[agentID]; ok {
		agent.release()
		delete(r.agents, agentID)
	}
}

// UnregisterAll removes every agent, releasing all subscriptions. Called on
// world delete.
func (r *Registry) UnregisterAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, agent := range r.agents {
		agent.release()
		delete(r.agents, id)
	}
}

func (a *RuntimeAgent) release() {
	for _, detach := range a.detachers {
		detach()
	}
	a.detachers = nil
}

// Get returns the runtime agent for an id.
func (r *Registry) Get(agentID string) (*RuntimeAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	return agent, ok
}

// ResolveAgentID resolves an agent id or display name, case-insensitively,
// to the canonical id. Ids win over names on collision.
func (r *Registry) ResolveAgentID(name string) (string, bool) {
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if agent, ok := r.agents[needle]; ok {
		return agent.Agent.ID, true
	}
	for id, agent := range r.agents {
		if strings.ToLower(id) == needle || strings.ToLower(agent.Agent.Name) == needle {
			return id, true
		}
	}
	return "", false
}

// AgentIDs lists registered agent ids.
func (r *Registry) AgentIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for id := range r.agents {
		out = append(out, id)
	}
	return out
}

// All returns the runtime agents.
func (r *Registry) All() []*RuntimeAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RuntimeAgent, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, agent)
	}
	return out
}
