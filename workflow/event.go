package workflow

import (
	"maps"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType names an entry in the append-only activity log.
type EventType string

const (
	EventTaskCreated        EventType = "task_created"
	EventTaskStatusChanged  EventType = "task_status_changed"
	EventTaskAssigned       EventType = "task_assigned"
	EventTaskDispatched     EventType = "task_dispatched"
	EventTaskDispatchFailed EventType = "task_dispatch_failed"
	EventAgentStatusChanged EventType = "agent_status_changed"
	EventPlanningStarted    EventType = "planning_started"
	EventPlanningQuestion   EventType = "planning_question"
	EventPlanningCompleted  EventType = "planning_completed"
	EventPlanningCancelled  EventType = "planning_cancelled"
	EventPlanningStale      EventType = "planning_stale"
)

// Event is an immutable activity log entry.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	TaskID    string            `json:"task_id,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewEventID returns an event identifier. IDs are ULIDs, so they sort in
// creation order within a process.
func NewEventID() string {
	return "evt-" + ulid.Make().String()
}

// NewEvent creates an event with a fresh ID and timestamp.
func NewEvent(eventType EventType, taskID, agentID, message string) *Event {
	return &Event{
		ID:        NewEventID(),
		Type:      eventType,
		TaskID:    taskID,
		AgentID:   agentID,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
}

// With attaches a metadata key/value and returns the event.
func (e *Event) With(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// Clone returns a copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	c.Metadata = maps.Clone(e.Metadata)
	return &c
}
