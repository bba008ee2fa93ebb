package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/c360studio/semstreams/message"
)

// NATS subjects and streams used for notifications and dispatch.
const (
	// EventSubjectPrefix prefixes fire-and-forget activity notifications.
	// Full subject: semcontrol.events.<event_type>
	EventSubjectPrefix = "semcontrol.events."

	// DispatchSubjectPrefix prefixes dispatch requests on the TASKS stream.
	// Full subject: task.dispatch.<task_id>
	DispatchSubjectPrefix = "task.dispatch."

	// TasksStream is the JetStream stream carrying dispatch requests.
	TasksStream = "TASKS"
)

// EventSubject returns the notification subject for an event type.
func EventSubject(t EventType) string {
	return EventSubjectPrefix + string(t)
}

// DispatchSubject returns the dispatch subject for a task.
func DispatchSubject(taskID string) string {
	return DispatchSubjectPrefix + taskID
}

// Publisher is the fire-and-forget notification channel.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// EventNotificationType is the message type for activity notifications.
var EventNotificationType = message.Type{
	Domain:   "semcontrol",
	Category: "event",
	Version:  "v1",
}

// DispatchRequestType is the message type for dispatch requests.
var DispatchRequestType = message.Type{
	Domain:   "semcontrol",
	Category: "dispatch",
	Version:  "v1",
}

// EventNotification wraps an Event for the wire.
type EventNotification struct {
	Event *Event `json:"event"`
}

// Schema returns the message type for this payload.
func (p *EventNotification) Schema() message.Type {
	return EventNotificationType
}

// Validate validates the payload.
func (p *EventNotification) Validate() error {
	if p.Event == nil {
		return &ValidationError{Field: "event", Message: "event is required"}
	}
	if p.Event.Type == "" {
		return &ValidationError{Field: "event.type", Message: "event type is required"}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *EventNotification) MarshalJSON() ([]byte, error) {
	type Alias EventNotification
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *EventNotification) UnmarshalJSON(data []byte) error {
	type Alias EventNotification
	return json.Unmarshal(data, (*Alias)(p))
}

// DispatchRequest tells the execution side that a task is ready for its agent.
type DispatchRequest struct {
	TaskID      string     `json:"task_id"`
	AgentID     string     `json:"agent_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    Priority   `json:"priority,omitempty"`
	Status      TaskStatus `json:"status"`
	RequestedAt time.Time  `json:"requested_at"`
}

// Schema returns the message type for this payload.
func (p *DispatchRequest) Schema() message.Type {
	return DispatchRequestType
}

// Validate validates the payload.
func (p *DispatchRequest) Validate() error {
	if p.TaskID == "" {
		return &ValidationError{Field: "task_id", Message: "task_id is required"}
	}
	if p.AgentID == "" {
		return &ValidationError{Field: "agent_id", Message: "agent_id is required"}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *DispatchRequest) MarshalJSON() ([]byte, error) {
	type Alias DispatchRequest
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *DispatchRequest) UnmarshalJSON(data []byte) error {
	type Alias DispatchRequest
	return json.Unmarshal(data, (*Alias)(p))
}
