// Package dispatch delivers advisory "task is ready" notifications to the
// execution side when a task becomes assigned to an agent.
//
// Delivery is fire-and-forget. The lifecycle transition that triggered it is
// already committed, so a failed delivery is logged, counted and recorded
// as a task_dispatch_failed event, never rolled back.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/c360studio/semcontrol/metrics"
	"github.com/c360studio/semcontrol/workflow"
	"github.com/c360studio/semcontrol/workflow/activity"
	"github.com/c360studio/semstreams/message"
)

// DefaultTimeout bounds a single delivery attempt.
const DefaultTimeout = 10 * time.Second

// StreamPublisher publishes to a JetStream-backed subject.
type StreamPublisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// Trigger sends dispatch requests asynchronously.
type Trigger struct {
	publisher  StreamPublisher
	webhookURL string
	httpClient *http.Client
	timeout    time.Duration
	recorder   *activity.Recorder
	metrics    *metrics.Metrics
	logger     *slog.Logger

	wg sync.WaitGroup
}

// Option configures a Trigger.
type Option func(*Trigger)

// WithWebhook posts each dispatch request as JSON to url as well.
func WithWebhook(url string) Option {
	return func(t *Trigger) {
		t.webhookURL = url
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Trigger) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithRecorder records dispatch outcomes in the event log.
func WithRecorder(r *activity.Recorder) Option {
	return func(t *Trigger) {
		t.recorder = r
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Trigger) {
		t.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Trigger) {
		t.logger = l
	}
}

// WithHTTPClient sets the client used for webhook delivery.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Trigger) {
		t.httpClient = c
	}
}

// NewTrigger creates a trigger. publisher may be nil when only a webhook is used.
func NewTrigger(publisher StreamPublisher, opts ...Option) *Trigger {
	t := &Trigger{
		publisher:  publisher,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		timeout:    DefaultTimeout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dispatch queues delivery for task and returns immediately. The delivery
// runs on its own context so it outlives the request that caused it.
func (t *Trigger) Dispatch(_ context.Context, task *workflow.Task) {
	req := &workflow.DispatchRequest{
		TaskID:      task.ID,
		AgentID:     task.AssignedAgentID,
		Title:       task.Title,
		Description: task.Description,
		Priority:    task.Priority,
		Status:      task.Status,
		RequestedAt: time.Now().UTC(),
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()
		t.deliver(ctx, req)
	}()
}

// Wait blocks until queued deliveries finish.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

func (t *Trigger) deliver(ctx context.Context, req *workflow.DispatchRequest) {
	err := t.send(ctx, req)
	if err != nil {
		t.metrics.Dispatch("failed")
		t.logger.Warn("Task dispatch failed",
			"task_id", req.TaskID,
			"agent_id", req.AgentID,
			"error", err)
		t.recorder.Record(ctx, workflow.NewEvent(workflow.EventTaskDispatchFailed, req.TaskID, req.AgentID,
			"Dispatch notification failed").With("error", err.Error()))
		return
	}

	t.metrics.Dispatch("ok")
	t.logger.Info("Task dispatched", "task_id", req.TaskID, "agent_id", req.AgentID)
	t.recorder.Record(ctx, workflow.NewEvent(workflow.EventTaskDispatched, req.TaskID, req.AgentID,
		"Task dispatched to agent"))
}

func (t *Trigger) send(ctx context.Context, req *workflow.DispatchRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if t.publisher == nil && t.webhookURL == "" {
		return fmt.Errorf("no dispatch target configured")
	}

	if t.publisher != nil {
		baseMsg := message.NewBaseMessage(req.Schema(), req, "semcontrol")
		data, err := json.Marshal(baseMsg)
		if err != nil {
			return fmt.Errorf("marshal dispatch request: %w", err)
		}
		subject := workflow.DispatchSubject(req.TaskID)
		if err := t.publisher.PublishToStream(ctx, subject, data); err != nil {
			return fmt.Errorf("publish to %s: %w", subject, err)
		}
	}

	if t.webhookURL != "" {
		if err := t.postWebhook(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trigger) postWebhook(ctx context.Context, req *workflow.DispatchRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
