// Package planning runs the bounded question/answer conversation that
// clarifies a task before it is assigned.
//
// Each round persists the outgoing user turn, sends it to the planning
// session on the agent runtime, waits for the reply and classifies it as a
// question, a completion or an unparsed reply. The transcript in the task
// record is the only round state; nothing is held in memory between calls,
// so a round interrupted by a crash, timeout or transport failure can be
// resumed with Poll or Retry.
package planning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/semcontrol/gateway"
	"github.com/c360studio/semcontrol/llm"
	"github.com/c360studio/semcontrol/metrics"
	"github.com/c360studio/semcontrol/storage"
	"github.com/c360studio/semcontrol/workflow"
	"github.com/c360studio/semcontrol/workflow/activity"
	"github.com/c360studio/semcontrol/workflow/lifecycle"
	"github.com/c360studio/semcontrol/workflow/prompts"
)

// OtherOptionID is the escape option whose free text replaces the answer.
const OtherOptionID = "other"

// Transport is the conversational channel to the planning agent.
// *gateway.Adapter implements it.
type Transport interface {
	Send(ctx context.Context, sessionKey, message, idempotencyKey string) error
	Observe(ctx context.Context, sessionKey string) gateway.Reply
	AwaitReplyAfter(ctx context.Context, sessionKey string, timeout time.Duration, baseline gateway.Reply) (string, error)
}

// Config holds engine limits.
type Config struct {
	// MaxRounds caps assistant turns. Zero uses DefaultMaxRounds.
	MaxRounds int
	// ReplyTimeout bounds each wait for the agent. Zero uses DefaultReplyTimeout.
	ReplyTimeout time.Duration
	// DefaultOrchestrator is the master agent allowed to own planning. When
	// empty or not a master of the task's workspace, the oldest master is used.
	DefaultOrchestrator string
}

const (
	DefaultMaxRounds    = 8
	DefaultReplyTimeout = 90 * time.Second
)

// Engine drives planning conversations.
type Engine struct {
	store     storage.Store
	machine   *lifecycle.Machine
	transport Transport
	cfg       Config
	recorder  *activity.Recorder
	metrics   *metrics.Metrics
	logger    *slog.Logger

	locks sync.Map // task ID -> *sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder sets the event recorder.
func WithRecorder(r *activity.Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine creates a planning engine.
func NewEngine(store storage.Store, machine *lifecycle.Machine, transport Transport, cfg Config, opts ...Option) *Engine {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	e := &Engine{
		store:     store,
		machine:   machine,
		transport: transport,
		cfg:       cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start opens the planning conversation for a task and returns the first
// reply.
func (e *Engine) Start(ctx context.Context, taskID string) (*Result, error) {
	unlock := e.lock(taskID)
	task, err := e.machine.GetTask(ctx, taskID)
	if err != nil {
		unlock()
		return nil, err
	}
	if task.PlanningStarted() {
		unlock()
		return nil, workflow.NewConflict(workflow.ReasonAlreadyStarted,
			fmt.Sprintf("planning already started for task %s", taskID))
	}
	if err := e.checkOrchestrator(ctx, task); err != nil {
		unlock()
		return nil, err
	}

	turn := userTurn(prompts.PlanningStartPrompt(prompts.PlanningTask{
		Title:       task.Title,
		Description: task.Description,
		Priority:    string(task.Priority),
	}), nil)
	task.PlanningSessionKey = workflow.PlanningSessionKey(taskID)
	task.PlanningMessages = []workflow.PlanningMessage{turn}
	task.PlanningComplete = false
	err = e.store.UpdateTask(ctx, task)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("claim planning session: %w", err)
	}

	if _, err := e.machine.TransitionTask(ctx, taskID, workflow.TaskStatusPlanning, ""); err != nil {
		return nil, err
	}

	e.logger.Info("Planning started", "task_id", taskID, "session_key", task.PlanningSessionKey)
	e.recorder.Record(ctx, workflow.NewEvent(workflow.EventPlanningStarted, taskID, "",
		"Planning started").With("session_key", task.PlanningSessionKey))

	return e.exchange(ctx, taskID, task.PlanningSessionKey, turn)
}

// SubmitAnswer records the user's answer to the pending question and
// returns the agent's next reply. When answer selects the escape option and
// otherText is set, otherText is the answer.
func (e *Engine) SubmitAnswer(ctx context.Context, taskID, answer, otherText string) (*Result, error) {
	answer = strings.TrimSpace(answer)
	otherText = strings.TrimSpace(otherText)
	if strings.EqualFold(answer, OtherOptionID) && otherText != "" {
		answer = otherText
	}
	if answer == "" {
		return nil, &workflow.ValidationError{Field: "answer", Message: "answer is required"}
	}

	sessionKey, turn, err := e.appendUserTurn(ctx, taskID, prompts.PlanningAnswerPrompt(answer))
	if err != nil {
		return nil, err
	}
	return e.exchange(ctx, taskID, sessionKey, turn)
}

// Poll waits again for the reply to the latest user turn, typically after
// a Timeout.
func (e *Engine) Poll(ctx context.Context, taskID string) (*Result, error) {
	task, err := e.activeTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	last := task.LastPlanningMessage()
	if last == nil || last.Role != workflow.RoleUser {
		return nil, workflow.NewConflict(workflow.ReasonNothingPending,
			fmt.Sprintf("task %s is not waiting for a reply", taskID))
	}
	return e.await(ctx, taskID, task.PlanningSessionKey, *last, gateway.Reply{})
}

// Retry recovers a stalled round. A pending user turn is resent with its
// original idempotency key. An unparsed reply is answered with a format
// reminder as a new round.
func (e *Engine) Retry(ctx context.Context, taskID string) (*Result, error) {
	task, err := e.activeTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	last := task.LastPlanningMessage()
	if last == nil {
		return nil, workflow.NewConflict(workflow.ReasonNothingPending,
			fmt.Sprintf("task %s has no planning turns", taskID))
	}

	if last.Role == workflow.RoleUser {
		e.logger.Info("Resending planning turn", "task_id", taskID)
		return e.exchange(ctx, taskID, task.PlanningSessionKey, *last)
	}

	if classify(last.Content).Outcome != OutcomeUnparsed {
		return nil, workflow.NewConflict(workflow.ReasonNothingPending,
			fmt.Sprintf("latest reply for task %s needs an answer, not a retry", taskID))
	}
	sessionKey, turn, err := e.appendUserTurn(ctx, taskID, prompts.PlanningFormatReminder())
	if err != nil {
		return nil, err
	}
	return e.exchange(ctx, taskID, sessionKey, turn)
}

// Cancel abandons planning, clears every planning field and returns the
// task to inbox. Cancelling a task without a session only ensures inbox.
func (e *Engine) Cancel(ctx context.Context, taskID string) (*workflow.Task, error) {
	unlock := e.lock(taskID)
	task, err := e.machine.GetTask(ctx, taskID)
	if err != nil {
		unlock()
		return nil, err
	}
	hadSession := task.PlanningStarted()
	task.ResetPlanning()
	err = e.store.UpdateTask(ctx, task)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("clear planning state: %w", err)
	}

	task, err = e.machine.TransitionTask(ctx, taskID, workflow.TaskStatusInbox, "")
	if err != nil {
		return nil, err
	}
	if hadSession {
		e.logger.Info("Planning cancelled", "task_id", taskID)
		e.recorder.Record(ctx, workflow.NewEvent(workflow.EventPlanningCancelled, taskID, "", "Planning cancelled"))
	}
	return task, nil
}

// Transcript returns the planning state of a task.
func (e *Engine) Transcript(ctx context.Context, taskID string) (*Transcript, error) {
	task, err := e.machine.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	last := task.LastPlanningMessage()
	return &Transcript{
		TaskID:        task.ID,
		SessionKey:    task.PlanningSessionKey,
		Status:        task.Status,
		Messages:      task.PlanningMessages,
		Rounds:        task.AssistantTurns(),
		MaxRounds:     e.cfg.MaxRounds,
		AwaitingReply: last != nil && last.Role == workflow.RoleUser,
		Complete:      task.PlanningComplete,
		Spec:          task.PlanningSpec,
		Agents:        task.PlanningAgents,
		ExecutionPlan: task.PlanningExecutionPlan,
	}, nil
}

// appendUserTurn checks round state and persists a user turn carrying
// content.
func (e *Engine) appendUserTurn(ctx context.Context, taskID, content string) (string, workflow.PlanningMessage, error) {
	unlock := e.lock(taskID)
	defer unlock()

	task, err := e.activeTask(ctx, taskID)
	if err != nil {
		return "", workflow.PlanningMessage{}, err
	}
	last := task.LastPlanningMessage()
	if last != nil && last.Role == workflow.RoleUser {
		return "", workflow.PlanningMessage{}, workflow.NewConflict(workflow.ReasonReplyPending,
			fmt.Sprintf("task %s is still waiting for the agent", taskID))
	}
	if rounds := task.AssistantTurns(); rounds >= e.cfg.MaxRounds {
		e.metrics.PlanningRound("round_limit")
		return "", workflow.PlanningMessage{}, workflow.NewConflict(workflow.ReasonRoundLimit,
			fmt.Sprintf("planning for task %s reached %d rounds without completing", taskID, rounds))
	}

	turn := userTurn(content, last)
	task.PlanningMessages = append(task.PlanningMessages, turn)
	if err := e.store.UpdateTask(ctx, task); err != nil {
		return "", workflow.PlanningMessage{}, fmt.Errorf("append planning turn: %w", err)
	}
	return task.PlanningSessionKey, turn, nil
}

// activeTask loads a task whose planning is started and not complete.
func (e *Engine) activeTask(ctx context.Context, taskID string) (*workflow.Task, error) {
	task, err := e.machine.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.PlanningStarted() {
		return nil, workflow.NewConflict(workflow.ReasonNotStarted,
			fmt.Sprintf("planning not started for task %s", taskID))
	}
	if task.PlanningComplete {
		return nil, workflow.NewConflict(workflow.ReasonAlreadyComplete,
			fmt.Sprintf("planning already complete for task %s", taskID))
	}
	return task, nil
}

// checkOrchestrator rejects planning when a master other than the
// workspace's default orchestrator is online.
func (e *Engine) checkOrchestrator(ctx context.Context, task *workflow.Task) error {
	masters, err := e.store.ListAgents(ctx, storage.AgentFilter{WorkspaceID: task.WorkspaceID, MasterOnly: true})
	if err != nil {
		return fmt.Errorf("list master agents: %w", err)
	}
	if len(masters) == 0 {
		return nil
	}

	defaultID := masters[0].ID
	for _, m := range masters {
		if m.ID == e.cfg.DefaultOrchestrator {
			defaultID = m.ID
			break
		}
	}

	var others []string
	for _, m := range masters {
		if m.ID != defaultID && m.Online() {
			others = append(others, m.Name)
		}
	}
	if len(others) > 0 {
		return workflow.NewConflict(workflow.ReasonOrchestratorConflict,
			fmt.Sprintf("other orchestrators are online: %s", strings.Join(others, ", ")))
	}
	return nil
}

// exchange sends turn and waits for its reply. No lock is held here.
func (e *Engine) exchange(ctx context.Context, taskID, sessionKey string, turn workflow.PlanningMessage) (*Result, error) {
	baseline := e.transport.Observe(ctx, sessionKey)
	if err := e.transport.Send(ctx, sessionKey, turn.Content, workflow.IdempotencyKey(taskID, turn.Timestamp)); err != nil {
		e.metrics.PlanningRound("transport_error")
		e.logger.Warn("Planning send failed", "task_id", taskID, "error", err)
		if workflow.KindOf(err) == "" && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = workflow.NewTransportError("send planning turn", err)
		}
		return nil, err
	}
	return e.await(ctx, taskID, sessionKey, turn, baseline)
}

func (e *Engine) await(ctx context.Context, taskID, sessionKey string, turn workflow.PlanningMessage, baseline gateway.Reply) (*Result, error) {
	started := time.Now()
	text, err := e.transport.AwaitReplyAfter(ctx, sessionKey, e.cfg.ReplyTimeout, baseline)
	e.metrics.ReplyWait(time.Since(started))
	if err != nil {
		if workflow.IsKind(err, workflow.KindTimeout) {
			e.metrics.PlanningRound("timeout")
			e.logger.Warn("Planning reply timed out", "task_id", taskID, "timeout", e.cfg.ReplyTimeout)
		}
		return nil, err
	}
	return e.applyReply(ctx, taskID, sessionKey, turn, text)
}

// applyReply appends the agent's reply to the transcript and acts on its
// classification.
func (e *Engine) applyReply(ctx context.Context, taskID, sessionKey string, turn workflow.PlanningMessage, text string) (*Result, error) {
	unlock := e.lock(taskID)
	task, err := e.machine.GetTask(ctx, taskID)
	if err != nil {
		unlock()
		return nil, err
	}
	if task.PlanningSessionKey != sessionKey {
		unlock()
		return nil, workflow.NewConflict(workflow.ReasonNotStarted,
			fmt.Sprintf("planning for task %s was cancelled while waiting", taskID))
	}
	last := task.LastPlanningMessage()
	if last == nil || last.Role != workflow.RoleUser || !last.Timestamp.Equal(turn.Timestamp) {
		unlock()
		return nil, workflow.NewConflict(workflow.ReasonNothingPending,
			fmt.Sprintf("reply for task %s was already recorded", taskID))
	}

	result := classify(text)
	task.PlanningMessages = append(task.PlanningMessages, workflow.PlanningMessage{
		Role:      workflow.RoleAssistant,
		Content:   text,
		Timestamp: time.Now().UTC(),
	})
	if result.Outcome == OutcomeComplete {
		task.PlanningComplete = true
		task.PlanningSpec = result.completion.Spec
		task.PlanningAgents = result.completion.Agents
		task.PlanningExecutionPlan = result.completion.ExecutionPlan
	}
	err = e.store.UpdateTask(ctx, task)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("record planning reply: %w", err)
	}

	round := task.AssistantTurns()
	e.metrics.PlanningRound(string(result.Outcome))
	e.logger.Info("Planning reply received",
		"task_id", taskID,
		"round", round,
		"outcome", result.Outcome)

	switch result.Outcome {
	case OutcomeComplete:
		task, err = e.machine.TransitionTask(ctx, taskID, workflow.TaskStatusInbox, "")
		if err != nil {
			return nil, err
		}
		e.recorder.Record(ctx, workflow.NewEvent(workflow.EventPlanningCompleted, taskID, "",
			"Planning complete").With("rounds", fmt.Sprint(round)))
	case OutcomeQuestion:
		e.recorder.Record(ctx, workflow.NewEvent(workflow.EventPlanningQuestion, taskID, "",
			result.Question.Question).With("round", fmt.Sprint(round)))
	}

	result.Round = round
	result.Task = task
	return result, nil
}

func (e *Engine) lock(taskID string) func() {
	v, _ := e.locks.LoadOrStore(taskID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// userTurn stamps a new user turn strictly after prev, so every turn in a
// transcript has its own timestamp and therefore its own idempotency key.
func userTurn(content string, prev *workflow.PlanningMessage) workflow.PlanningMessage {
	ts := time.Now().UTC()
	if prev != nil && !ts.After(prev.Timestamp) {
		ts = prev.Timestamp.Add(time.Nanosecond).UTC()
	}
	return workflow.PlanningMessage{
		Role:      workflow.RoleUser,
		Content:   content,
		Timestamp: ts,
	}
}

// completion is the terminal reply shape.
type completion struct {
	Status        string                  `json:"status"`
	Spec          json.RawMessage         `json:"spec"`
	Agents        []workflow.PlannedAgent `json:"-"`
	RawAgents     json.RawMessage         `json:"agents"`
	ExecutionPlan json.RawMessage         `json:"execution_plan"`
}

// classify interprets a raw reply. It never fails: anything that is not a
// recognizable question or completion is OutcomeUnparsed.
func classify(text string) *Result {
	obj, ok := llm.ExtractObject(text)
	if !ok {
		return &Result{Outcome: OutcomeUnparsed, Reply: text}
	}

	if _, ok := obj["question"]; ok {
		q := &Question{}
		if data, err := json.Marshal(obj); err == nil {
			_ = json.Unmarshal(data, q)
		}
		return &Result{Outcome: OutcomeQuestion, Question: q, Payload: obj, Reply: text}
	}

	if status, _ := obj["status"].(string); status == "complete" {
		var c completion
		data, err := json.Marshal(obj)
		if err == nil {
			err = json.Unmarshal(data, &c)
		}
		if err != nil || len(c.Spec) == 0 || string(c.Spec) == "null" {
			return &Result{Outcome: OutcomeUnparsed, Payload: obj, Reply: text}
		}
		if len(c.RawAgents) > 0 {
			// Agent suggestions are advisory; a malformed list is dropped.
			_ = json.Unmarshal(c.RawAgents, &c.Agents)
		}
		if string(c.ExecutionPlan) == "null" {
			c.ExecutionPlan = nil
		}
		return &Result{Outcome: OutcomeComplete, Payload: obj, Reply: text, completion: &c}
	}

	return &Result{Outcome: OutcomeUnparsed, Payload: obj, Reply: text}
}
