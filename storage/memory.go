package storage

import (
	"context"
	"sync"

	"github.com/c360studio/semcontrol/workflow"
)

// MemoryStore is an in-process Store. Safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	tasks  map[string]*workflow.Task
	agents map[string]*workflow.Agent
	events []*workflow.Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:  make(map[string]*workflow.Task),
		agents: make(map[string]*workflow.Agent),
	}
}

// CreateTask stores a new task.
func (s *MemoryStore) CreateTask(_ context.Context, t *workflow.Task) error {
	if err := prepareTask(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return ErrAlreadyExists
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

// GetTask returns a copy of the task.
func (s *MemoryStore) GetTask(_ context.Context, id string) (*workflow.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// UpdateTask replaces an existing task.
func (s *MemoryStore) UpdateTask(_ context.Context, t *workflow.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	t.UpdatedAt = nowUTC()
	s.tasks[t.ID] = t.Clone()
	return nil
}

// ListTasks returns matching tasks, oldest first.
func (s *MemoryStore) ListTasks(_ context.Context, f TaskFilter) ([]*workflow.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workflow.Task, 0)
	for _, t := range s.tasks {
		if f.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	return out, nil
}

// CountTasks counts matching tasks.
func (s *MemoryStore) CountTasks(_ context.Context, f TaskFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.tasks {
		if f.Matches(t) {
			n++
		}
	}
	return n, nil
}

// CreateAgent stores a new agent.
func (s *MemoryStore) CreateAgent(_ context.Context, a *workflow.Agent) error {
	if err := prepareAgent(a); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; ok {
		return ErrAlreadyExists
	}
	s.agents[a.ID] = a.Clone()
	return nil
}

// GetAgent returns a copy of the agent.
func (s *MemoryStore) GetAgent(_ context.Context, id string) (*workflow.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

// UpdateAgent replaces an existing agent.
func (s *MemoryStore) UpdateAgent(_ context.Context, a *workflow.Agent) error {
	if err := a.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; !ok {
		return ErrNotFound
	}
	a.UpdatedAt = nowUTC()
	s.agents[a.ID] = a.Clone()
	return nil
}

// ListAgents returns matching agents, oldest first.
func (s *MemoryStore) ListAgents(_ context.Context, f AgentFilter) ([]*workflow.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workflow.Agent, 0)
	for _, a := range s.agents {
		if f.Matches(a) {
			out = append(out, a.Clone())
		}
	}
	sortAgents(out)
	return out, nil
}

// AppendEvent appends to the event log.
func (s *MemoryStore) AppendEvent(_ context.Context, e *workflow.Event) error {
	if err := prepareEvent(e); err != nil {
		return err
	}
	s.mu.Lock()
	s.events = append(s.events, e.Clone())
	s.mu.Unlock()
	return nil
}

// ListEvents returns matching events, oldest first.
func (s *MemoryStore) ListEvents(_ context.Context, f EventFilter) ([]*workflow.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workflow.Event, 0)
	for _, e := range s.events {
		if f.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	sortEvents(out)
	return applyLimit(out, f.Limit), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
