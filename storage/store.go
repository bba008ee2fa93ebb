// Package storage persists tasks, agents and the activity event log.
//
// Three backends implement Store: an in-memory store for tests and local
// development, a NATS JetStream KV store, and a SQLite store. All backends
// return copies, so callers may mutate what they read without affecting
// stored state until they write it back.
package storage

import (
	"context"
	"slices"
	"time"

	"github.com/c360studio/semcontrol/workflow"
)

// TaskStore provides keyed and filtered access to tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, t *workflow.Task) error
	GetTask(ctx context.Context, id string) (*workflow.Task, error)
	// UpdateTask replaces an existing task. Returns ErrNotFound if absent.
	UpdateTask(ctx context.Context, t *workflow.Task) error
	ListTasks(ctx context.Context, f TaskFilter) ([]*workflow.Task, error)
	CountTasks(ctx context.Context, f TaskFilter) (int, error)
}

// AgentStore provides keyed and filtered access to agents.
type AgentStore interface {
	CreateAgent(ctx context.Context, a *workflow.Agent) error
	GetAgent(ctx context.Context, id string) (*workflow.Agent, error)
	UpdateAgent(ctx context.Context, a *workflow.Agent) error
	ListAgents(ctx context.Context, f AgentFilter) ([]*workflow.Agent, error)
}

// EventLog is the insert-only activity log.
type EventLog interface {
	AppendEvent(ctx context.Context, e *workflow.Event) error
	ListEvents(ctx context.Context, f EventFilter) ([]*workflow.Event, error)
}

// Store combines every persistence concern.
type Store interface {
	TaskStore
	AgentStore
	EventLog
	Close() error
}

// TaskFilter selects tasks. Zero fields match everything.
type TaskFilter struct {
	WorkspaceID     string
	AssignedAgentID string
	Statuses        []workflow.TaskStatus
	// PlanningActive limits results to tasks with a planning session that
	// has not completed.
	PlanningActive bool
}

// Matches reports whether t passes the filter.
func (f TaskFilter) Matches(t *workflow.Task) bool {
	if f.WorkspaceID != "" && t.WorkspaceID != f.WorkspaceID {
		return false
	}
	if f.AssignedAgentID != "" && t.AssignedAgentID != f.AssignedAgentID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if f.PlanningActive && (t.PlanningSessionKey == "" || t.PlanningComplete) {
		return false
	}
	return true
}

// AgentFilter selects agents. Zero fields match everything.
type AgentFilter struct {
	WorkspaceID string
	MasterOnly  bool
	Status      workflow.AgentStatus
}

// Matches reports whether a passes the filter.
func (f AgentFilter) Matches(a *workflow.Agent) bool {
	if f.WorkspaceID != "" && a.WorkspaceID != f.WorkspaceID {
		return false
	}
	if f.MasterOnly && !a.IsMaster {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	return true
}

// EventFilter selects events. Results are ordered oldest first; Limit keeps
// the most recent entries.
type EventFilter struct {
	TaskID  string
	AgentID string
	Types   []workflow.EventType
	Since   time.Time
	Limit   int
}

// Matches reports whether e passes the filter.
func (f EventFilter) Matches(e *workflow.Event) bool {
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// applyLimit keeps the newest limit entries of an oldest-first slice.
func applyLimit[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[len(items)-limit:]
	}
	return items
}

func sortTasks(tasks []*workflow.Task) {
	slices.SortFunc(tasks, func(a, b *workflow.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareStrings(a.ID, b.ID)
	})
}

func sortAgents(agents []*workflow.Agent) {
	slices.SortFunc(agents, func(a, b *workflow.Agent) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareStrings(a.ID, b.ID)
	})
}

func sortEvents(events []*workflow.Event) {
	slices.SortStableFunc(events, func(a, b *workflow.Event) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareStrings(a.ID, b.ID)
	})
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// prepareTask fills identity and timestamps for a new task.
func prepareTask(t *workflow.Task) error {
	if t.ID == "" {
		t.ID = NewTaskID()
	}
	if t.Status == "" {
		t.Status = workflow.TaskStatusInbox
	}
	if t.Priority == "" {
		t.Priority = workflow.PriorityNormal
	}
	now := nowUTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	return t.Validate()
}

// prepareAgent fills identity and timestamps for a new agent.
func prepareAgent(a *workflow.Agent) error {
	if a.ID == "" {
		a.ID = NewAgentID()
	}
	if a.Status == "" {
		a.Status = workflow.AgentStatusStandby
	}
	now := nowUTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	return a.Validate()
}

func prepareEvent(e *workflow.Event) error {
	if e.Type == "" {
		return &workflow.ValidationError{Field: "type", Message: "event type is required"}
	}
	if e.ID == "" {
		e.ID = workflow.NewEventID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = nowUTC()
	}
	return nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
