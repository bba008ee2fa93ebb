package workflow

import "time"

// AgentStatus is the availability label of an agent.
type AgentStatus string

const (
	AgentStatusStandby AgentStatus = "standby"
	AgentStatusWorking AgentStatus = "working"
	// AgentStatusOffline is set externally and is never overwritten by the
	// task-driven sync rule.
	AgentStatusOffline AgentStatus = "offline"
)

// IsValid returns true if the status is a known agent status.
func (s AgentStatus) IsValid() bool {
	switch s {
	case AgentStatusStandby, AgentStatusWorking, AgentStatusOffline:
		return true
	default:
		return false
	}
}

// Agent is a worker that tasks are assigned to.
type Agent struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Status      AgentStatus `json:"status"`
	IsMaster    bool        `json:"is_master"`
	WorkspaceID string      `json:"workspace_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Online reports whether the agent is not offline.
func (a *Agent) Online() bool {
	return a.Status != AgentStatusOffline
}

// Clone returns a copy of the agent.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// Validate validates the agent fields required for persistence.
func (a *Agent) Validate() error {
	if a.Name == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if !a.Status.IsValid() {
		return &ValidationError{Field: "status", Message: "unknown status " + string(a.Status)}
	}
	return nil
}
