// Package lifecycle owns task status transitions and the agent status rule
// that follows them.
//
// The Machine is the only writer of a task's status and assigned agent and
// of an agent's status label. Every accepted change is persisted, logged to
// the event log and, where a task lands in assigned with an agent bound,
// handed to the Dispatcher.
//
// Agent status recomputation is read-then-write against the store and is
// not atomic across concurrent transitions. Two tasks of one agent changing
// at once can leave a transiently wrong standby/working label, which the
// next transition for that agent corrects.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c360studio/semcontrol/metrics"
	"github.com/c360studio/semcontrol/storage"
	"github.com/c360studio/semcontrol/workflow"
	"github.com/c360studio/semcontrol/workflow/activity"
)

// Dispatcher receives tasks that became dispatchable. Implementations must
// return immediately; delivery happens asynchronously.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *workflow.Task)
}

// Machine applies lifecycle rules against a store.
type Machine struct {
	store      storage.Store
	dispatcher Dispatcher
	recorder   *activity.Recorder
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithDispatcher sets the dispatch target for tasks entering assigned.
func WithDispatcher(d Dispatcher) Option {
	return func(m *Machine) {
		m.dispatcher = d
	}
}

// WithRecorder sets the event recorder.
func WithRecorder(r *activity.Recorder) Option {
	return func(m *Machine) {
		m.recorder = r
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Machine) {
		m.metrics = mt
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = l
	}
}

// NewMachine creates a lifecycle machine over store.
func NewMachine(store storage.Store, opts ...Option) *Machine {
	m := &Machine{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewTaskRequest describes a task to create.
type NewTaskRequest struct {
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`
	Priority        workflow.Priority `json:"priority,omitempty"`
	WorkspaceID     string            `json:"workspace_id,omitempty"`
	AssignedAgentID string            `json:"assigned_agent_id,omitempty"`
}

// NewAgentRequest describes an agent to register.
type NewAgentRequest struct {
	Name        string `json:"name"`
	IsMaster    bool   `json:"is_master"`
	WorkspaceID string `json:"workspace_id,omitempty"`
}

// CreateTask stores a new task. A task created with an agent starts in
// assigned and is dispatched; otherwise it starts in inbox.
func (m *Machine) CreateTask(ctx context.Context, req NewTaskRequest) (*workflow.Task, error) {
	task := &workflow.Task{
		Title:           req.Title,
		Description:     req.Description,
		Priority:        req.Priority,
		WorkspaceID:     req.WorkspaceID,
		AssignedAgentID: req.AssignedAgentID,
		Status:          workflow.TaskStatusInbox,
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	if req.AssignedAgentID != "" {
		if _, err := m.getAgent(ctx, req.AssignedAgentID); err != nil {
			return nil, err
		}
		task.Status = workflow.TaskStatusAssigned
	}

	if err := m.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	m.logger.Info("Task created", "task_id", task.ID, "status", task.Status)
	m.recorder.Record(ctx, workflow.NewEvent(workflow.EventTaskCreated, task.ID, task.AssignedAgentID,
		"Task created: "+task.Title).With("status", string(task.Status)))

	if task.Status == workflow.TaskStatusAssigned {
		m.dispatch(ctx, task)
	}
	return task, nil
}

// RegisterAgent stores a new agent in standby.
func (m *Machine) RegisterAgent(ctx context.Context, req NewAgentRequest) (*workflow.Agent, error) {
	agent := &workflow.Agent{
		Name:        req.Name,
		IsMaster:    req.IsMaster,
		WorkspaceID: req.WorkspaceID,
		Status:      workflow.AgentStatusStandby,
	}
	if err := agent.Validate(); err != nil {
		return nil, err
	}
	if err := m.store.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	m.logger.Info("Agent registered", "agent_id", agent.ID, "is_master", agent.IsMaster)
	return agent, nil
}

// TransitionTask moves a task to newStatus.
//
// Approving a reviewed task (review -> done) requires the requesting agent to
// be a master. An empty requestingAgentID is an operator action and is never
// gated. Requesting the current status is a no-op.
func (m *Machine) TransitionTask(ctx context.Context, taskID string, newStatus workflow.TaskStatus, requestingAgentID string) (*workflow.Task, error) {
	if !newStatus.IsValid() {
		return nil, &workflow.ValidationError{Field: "status", Message: "unknown status " + string(newStatus)}
	}

	task, err := m.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == newStatus {
		return task, nil
	}

	if newStatus == workflow.TaskStatusDone && task.Status == workflow.TaskStatusReview && requestingAgentID != "" {
		requester, err := m.getAgent(ctx, requestingAgentID)
		if err != nil {
			return nil, err
		}
		if !requester.IsMaster {
			m.metrics.Forbidden()
			m.logger.Warn("Approval rejected",
				"task_id", taskID,
				"agent_id", requestingAgentID)
			return nil, workflow.NewForbidden(fmt.Sprintf("agent %q is not a master and cannot approve task %q", requestingAgentID, taskID))
		}
	}

	from := task.Status
	task.Status = newStatus
	if err := m.store.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("update task %s: %w", taskID, err)
	}

	m.recordTransition(ctx, task, from, requestingAgentID)

	if task.AssignedAgentID != "" {
		m.syncQuietly(ctx, task.AssignedAgentID, newStatus)
		if newStatus == workflow.TaskStatusAssigned {
			m.dispatch(ctx, task)
		}
	}
	return task, nil
}

// ReassignTask binds the task to newAgentID. An empty newAgentID unbinds it.
// A task in inbox that receives an agent moves to assigned and is dispatched,
// and an assigned task that loses its agent returns to inbox.
func (m *Machine) ReassignTask(ctx context.Context, taskID, newAgentID string) (*workflow.Task, error) {
	task, err := m.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.AssignedAgentID == newAgentID {
		return task, nil
	}
	if newAgentID != "" {
		if _, err := m.getAgent(ctx, newAgentID); err != nil {
			return nil, err
		}
	}

	previous := task.AssignedAgentID
	from := task.Status
	task.AssignedAgentID = newAgentID
	switch {
	case newAgentID != "" && task.Status == workflow.TaskStatusInbox:
		task.Status = workflow.TaskStatusAssigned
	case newAgentID == "" && task.Status == workflow.TaskStatusAssigned:
		task.Status = workflow.TaskStatusInbox
	}

	if err := m.store.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("update task %s: %w", taskID, err)
	}

	m.logger.Info("Task reassigned",
		"task_id", taskID,
		"from_agent", previous,
		"to_agent", newAgentID)
	m.recorder.Record(ctx, workflow.NewEvent(workflow.EventTaskAssigned, taskID, newAgentID,
		"Task assignment changed").With("previous_agent_id", previous))
	if from != task.Status {
		m.recordTransition(ctx, task, from, "")
	}

	if previous != "" {
		// The task no longer counts toward the previous agent.
		m.syncQuietly(ctx, previous, workflow.TaskStatusInbox)
	}
	if newAgentID != "" {
		m.syncQuietly(ctx, newAgentID, task.Status)
		if task.Status == workflow.TaskStatusAssigned {
			m.dispatch(ctx, task)
		}
	}
	return task, nil
}

// SyncAgentStatus applies the agent status rule after one of the agent's
// tasks reached taskStatus. in_progress makes the agent working. Any other
// status (done, review, inbox, testing, and also planning or assigned when a
// task is pulled back) recounts the agent's in_progress tasks in the store
// and settles the label on the result. Offline agents are left alone.
func (m *Machine) SyncAgentStatus(ctx context.Context, agentID string, taskStatus workflow.TaskStatus) (*workflow.Agent, error) {
	agent, err := m.getAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status == workflow.AgentStatusOffline {
		return agent, nil
	}

	target := workflow.AgentStatusWorking
	if taskStatus != workflow.TaskStatusInProgress {
		target, err = m.derivedStatus(ctx, agentID)
		if err != nil {
			return nil, err
		}
	}

	return m.setAgentStatus(ctx, agent, target)
}

// SetAgentPresence marks an agent offline, or brings an offline agent back
// with a status derived from its in_progress tasks.
func (m *Machine) SetAgentPresence(ctx context.Context, agentID string, online bool) (*workflow.Agent, error) {
	agent, err := m.getAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !online {
		return m.setAgentStatus(ctx, agent, workflow.AgentStatusOffline)
	}
	if agent.Status != workflow.AgentStatusOffline {
		return agent, nil
	}
	target, err := m.derivedStatus(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return m.setAgentStatus(ctx, agent, target)
}

// derivedStatus counts in_progress work fresh from the store.
func (m *Machine) derivedStatus(ctx context.Context, agentID string) (workflow.AgentStatus, error) {
	n, err := m.store.CountTasks(ctx, storage.TaskFilter{
		AssignedAgentID: agentID,
		Statuses:        []workflow.TaskStatus{workflow.TaskStatusInProgress},
	})
	if err != nil {
		return "", fmt.Errorf("count tasks for agent %s: %w", agentID, err)
	}
	if n > 0 {
		return workflow.AgentStatusWorking, nil
	}
	return workflow.AgentStatusStandby, nil
}

func (m *Machine) setAgentStatus(ctx context.Context, agent *workflow.Agent, target workflow.AgentStatus) (*workflow.Agent, error) {
	if agent.Status == target {
		return agent, nil
	}
	from := agent.Status
	agent.Status = target
	if err := m.store.UpdateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("update agent %s: %w", agent.ID, err)
	}

	m.metrics.AgentStatus(string(target))
	m.logger.Debug("Agent status changed",
		"agent_id", agent.ID,
		"from", from,
		"to", target)
	m.recorder.Record(ctx, workflow.NewEvent(workflow.EventAgentStatusChanged, "", agent.ID,
		fmt.Sprintf("Agent %s is now %s", agent.Name, target)).
		With("from", string(from)).
		With("to", string(target)))
	return agent, nil
}

// syncQuietly runs the agent rule after a task change that is already
// committed. Failures are logged; the task change stands.
func (m *Machine) syncQuietly(ctx context.Context, agentID string, taskStatus workflow.TaskStatus) {
	if _, err := m.SyncAgentStatus(ctx, agentID, taskStatus); err != nil {
		m.logger.Warn("Agent status sync failed",
			"agent_id", agentID,
			"task_status", taskStatus,
			"error", err)
	}
}

func (m *Machine) recordTransition(ctx context.Context, task *workflow.Task, from workflow.TaskStatus, requester string) {
	m.metrics.Transition(string(from), string(task.Status))
	m.logger.Info("Task status changed",
		"task_id", task.ID,
		"from", from,
		"to", task.Status)

	e := workflow.NewEvent(workflow.EventTaskStatusChanged, task.ID, task.AssignedAgentID,
		fmt.Sprintf("Task moved from %s to %s", from, task.Status)).
		With("from", string(from)).
		With("to", string(task.Status))
	if requester != "" {
		e.With("requested_by", requester)
	}
	m.recorder.Record(ctx, e)
}

func (m *Machine) dispatch(ctx context.Context, task *workflow.Task) {
	if m.dispatcher == nil {
		m.logger.Debug("No dispatcher configured, skipping", "task_id", task.ID)
		return
	}
	m.dispatcher.Dispatch(ctx, task.Clone())
}

func (m *Machine) getTask(ctx context.Context, id string) (*workflow.Task, error) {
	task, err := m.store.GetTask(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, workflow.NewNotFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

func (m *Machine) getAgent(ctx context.Context, id string) (*workflow.Agent, error) {
	agent, err := m.store.GetAgent(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, workflow.NewNotFound("agent", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return agent, nil
}

// GetTask returns a task, mapping a missing record to NotFound.
func (m *Machine) GetTask(ctx context.Context, id string) (*workflow.Task, error) {
	return m.getTask(ctx, id)
}

// GetAgent returns an agent, mapping a missing record to NotFound.
func (m *Machine) GetAgent(ctx context.Context, id string) (*workflow.Agent, error) {
	return m.getAgent(ctx, id)
}
