package workflow

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusInbox      TaskStatus = "inbox"
	TaskStatusPlanning   TaskStatus = "planning"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusTesting    TaskStatus = "testing"
	TaskStatusReview     TaskStatus = "review"
	TaskStatusDone       TaskStatus = "done"
)

// String returns the string representation of the status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known task status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusInbox, TaskStatusPlanning, TaskStatusAssigned,
		TaskStatusInProgress, TaskStatusTesting, TaskStatusReview, TaskStatusDone:
		return true
	default:
		return false
	}
}

// AllTaskStatuses lists task statuses in lifecycle order.
func AllTaskStatuses() []TaskStatus {
	return []TaskStatus{
		TaskStatusInbox, TaskStatusPlanning, TaskStatusAssigned,
		TaskStatusInProgress, TaskStatusTesting, TaskStatusReview, TaskStatusDone,
	}
}

// Priority is an advisory ordering hint for tasks.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// IsValid returns true if the priority is known.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// Role identifies the author of a planning transcript turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PlanningMessage is one immutable turn of the planning transcript.
type PlanningMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// PlannedAgent is an advisory agent suggestion produced by planning.
// Planning never instantiates these.
type PlannedAgent struct {
	Name         string `json:"name"`
	Role         string `json:"role,omitempty"`
	Avatar       string `json:"avatar,omitempty"`
	SoulMD       string `json:"soul_md,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// Task is a unit of work tracked through the lifecycle.
type Task struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Status          TaskStatus `json:"status"`
	Priority        Priority   `json:"priority,omitempty"`
	WorkspaceID     string     `json:"workspace_id,omitempty"`
	AssignedAgentID string     `json:"assigned_agent_id,omitempty"`

	// Planning fields are owned by the planning engine.
	PlanningSessionKey    string            `json:"planning_session_key,omitempty"`
	PlanningMessages      []PlanningMessage `json:"planning_messages,omitempty"`
	PlanningComplete      bool              `json:"planning_complete"`
	PlanningSpec          json.RawMessage   `json:"planning_spec,omitempty"`
	PlanningAgents        []PlannedAgent    `json:"planning_agents,omitempty"`
	PlanningExecutionPlan json.RawMessage   `json:"planning_execution_plan,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PlanningStarted reports whether a planning session is active or finished.
func (t *Task) PlanningStarted() bool {
	return t.PlanningSessionKey != ""
}

// AssistantTurns counts assistant turns in the planning transcript.
func (t *Task) AssistantTurns() int {
	n := 0
	for _, m := range t.PlanningMessages {
		if m.Role == RoleAssistant {
			n++
		}
	}
	return n
}

// LastPlanningMessage returns the most recent transcript turn, or nil.
func (t *Task) LastPlanningMessage() *PlanningMessage {
	if len(t.PlanningMessages) == 0 {
		return nil
	}
	return &t.PlanningMessages[len(t.PlanningMessages)-1]
}

// ResetPlanning clears every planning field.
func (t *Task) ResetPlanning() {
	t.PlanningSessionKey = ""
	t.PlanningMessages = nil
	t.PlanningComplete = false
	t.PlanningSpec = nil
	t.PlanningAgents = nil
	t.PlanningExecutionPlan = nil
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.PlanningMessages != nil {
		c.PlanningMessages = append([]PlanningMessage(nil), t.PlanningMessages...)
	}
	if t.PlanningAgents != nil {
		c.PlanningAgents = append([]PlannedAgent(nil), t.PlanningAgents...)
	}
	if t.PlanningSpec != nil {
		c.PlanningSpec = append(json.RawMessage(nil), t.PlanningSpec...)
	}
	if t.PlanningExecutionPlan != nil {
		c.PlanningExecutionPlan = append(json.RawMessage(nil), t.PlanningExecutionPlan...)
	}
	return &c
}

// Validate validates the task fields required for persistence.
func (t *Task) Validate() error {
	if t.Title == "" {
		return &ValidationError{Field: "title", Message: "title is required"}
	}
	if !t.Status.IsValid() {
		return &ValidationError{Field: "status", Message: "unknown status " + string(t.Status)}
	}
	if t.Priority != "" && !t.Priority.IsValid() {
		return &ValidationError{Field: "priority", Message: "unknown priority " + string(t.Priority)}
	}
	return nil
}
