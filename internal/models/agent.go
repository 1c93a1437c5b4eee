package models

// AgentRole identifies which side of a warm transfer an agent serves.
type AgentRole string

const (
	// AgentRoleA answers incoming calls and initiates transfers.
	AgentRoleA AgentRole = "agent_a"
	// AgentRoleB is a specialist that receives transfers.
	AgentRoleB AgentRole = "agent_b"
)

// AgentState is an agent's availability.
type AgentState string

const (
	AgentStateIdle       AgentState = "idle"
	AgentStateInCall     AgentState = "in_call"
	AgentStateInTransfer AgentState = "in_transfer"
	AgentStateOffline    AgentState = "offline"
)

// IsValidAgentState checks if the given agent state is supported.
func IsValidAgentState(s AgentState) bool {
	switch s {
	case AgentStateIdle, AgentStateInCall, AgentStateInTransfer, AgentStateOffline:
		return true
	default:
		return false
	}
}

// Agent is a human or AI agent that can be assigned to call sessions.
type Agent struct {
	Identity       string     `json:"identity"`
	Name           string     `json:"name"`
	Role           AgentRole  `json:"role"`
	State          AgentState `json:"state"`
	CurrentSession string     `json:"current_session,omitempty"`
	Specialty      string     `json:"specialty,omitempty"`
}

// IsIdle reports whether the agent can take a new session.
func (a Agent) IsIdle() bool {
	return a.State == AgentStateIdle
}
