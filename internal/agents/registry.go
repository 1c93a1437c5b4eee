// Package agents holds the in-memory agent registry.
//
// The registry owns every Agent record. Each mutation replaces a whole record
// under the registry lock, so readers never observe a partially updated agent.
package agents

import (
	"log/slog"
	"sync"

	"github.com/BTreeMap/WarmTransfer/internal/models"
)

// Registry maps agent identity to Agent. The zero value is not usable; call NewRegistry.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*models.Agent
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*models.Agent)}
}

// DefaultAgents returns the demo roster: one Agent A and three specialist Agent Bs.
func DefaultAgents() []models.Agent {
	return []models.Agent{
		{Identity: "agent_a_001", Name: "Sarah (Agent A)", Role: models.AgentRoleA},
		{Identity: "agent_b_billing", Name: "Mike (Billing)", Role: models.AgentRoleB, Specialty: "Billing"},
		{Identity: "agent_b_technical", Name: "Lisa (Technical)", Role: models.AgentRoleB, Specialty: "Technical"},
		{Identity: "agent_b_general", Name: "John (General)", Role: models.AgentRoleB, Specialty: "General Support"},
	}
}

// NewDefaultRegistry creates a registry seeded with DefaultAgents.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, a := range DefaultAgents() {
		r.Register(a)
	}
	slog.Info("Registry seeded with default agents", "count", len(r.order))
	return r
}

// Register adds or replaces an agent. New agents start idle unless a state is given.
func (r *Registry) Register(a models.Agent) {
	if a.State == "" {
		a.State = models.AgentStateIdle
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.Identity]; !exists {
		r.order = append(r.order, a.Identity)
	}
	r.agents[a.Identity] = &a
	slog.Debug("Registry.Register", "identity", a.Identity, "role", a.Role, "specialty", a.Specialty)
}

// List returns a snapshot of all agents in registration order.
func (r *Registry) List() []models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.agents[id])
	}
	return out
}

// Get returns a copy of the agent with the given identity.
func (r *Registry) Get(identity string) (models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[identity]
	if !ok {
		return models.Agent{}, models.NewError(models.ErrAgentNotFound, "agent %s not found", identity)
	}
	return *a, nil
}

// SetState sets an agent's state without touching its session assignment.
func (r *Registry) SetState(identity string, state models.AgentState) error {
	if !models.IsValidAgentState(state) {
		return models.NewError(models.ErrInvalidRequest, "invalid agent state %q", state)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[identity]
	if !ok {
		return models.NewError(models.ErrAgentNotFound, "agent %s not found", identity)
	}
	updated := *a
	updated.State = state
	if state == models.AgentStateIdle || state == models.AgentStateOffline {
		updated.CurrentSession = ""
	}
	r.agents[identity] = &updated
	slog.Debug("Registry.SetState", "identity", identity, "state", state)
	return nil
}

// FindIdle returns the first idle agent with the given role, optionally
// restricted to a specialty. The boolean is false when none is available.
func (r *Registry) FindIdle(role models.AgentRole, specialty string) (models.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		a := r.agents[id]
		if a.Role != role || !a.IsIdle() {
			continue
		}
		if specialty != "" && a.Specialty != specialty {
			continue
		}
		return *a, true
	}
	return models.Agent{}, false
}

// Claim atomically moves an idle agent into state for sessionID. It fails with
// ErrAgentUnavailable when the agent is not idle, so two sessions racing for
// the same agent cannot both win.
func (r *Registry) Claim(identity, sessionID string, state models.AgentState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[identity]
	if !ok {
		return models.NewError(models.ErrAgentNotFound, "agent %s not found", identity)
	}
	if !a.IsIdle() && a.CurrentSession != sessionID {
		return models.NewError(models.ErrAgentUnavailable, "agent %s is %s", identity, a.State)
	}
	updated := *a
	updated.State = state
	updated.CurrentSession = sessionID
	r.agents[identity] = &updated
	slog.Debug("Registry.Claim", "identity", identity, "session_id", sessionID, "state", state)
	return nil
}

// ReleaseSession returns the agent to idle only if it is still bound to
// sessionID. It reports whether the agent was released.
func (r *Registry) ReleaseSession(identity, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[identity]
	if !ok || a.CurrentSession != sessionID {
		return false
	}
	updated := *a
	updated.State = models.AgentStateIdle
	updated.CurrentSession = ""
	r.agents[identity] = &updated
	slog.Debug("Registry.ReleaseSession", "identity", identity, "session_id", sessionID)
	return true
}
