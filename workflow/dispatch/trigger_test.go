package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/c360studio/semcontrol/storage"
	"github.com/c360studio/semcontrol/workflow"
	"github.com/c360studio/semcontrol/workflow/activity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (p *capturePublisher) PublishToStream(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func assignedTask() *workflow.Task {
	return &workflow.Task{
		ID:              "task-1",
		Title:           "Ship it",
		Status:          workflow.TaskStatusAssigned,
		Priority:        workflow.PriorityHigh,
		AssignedAgentID: "agent-1",
	}
}

func eventTypes(t *testing.T, store storage.EventLog) []workflow.EventType {
	t.Helper()
	events, err := store.ListEvents(context.Background(), storage.EventFilter{})
	require.NoError(t, err)
	types := make([]workflow.EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func TestTrigger_PublishesDispatchRequest(t *testing.T) {
	pub := &capturePublisher{}
	store := storage.NewMemoryStore()
	trig := NewTrigger(pub, WithRecorder(activity.NewRecorder(store, nil, nil)))

	trig.Dispatch(context.Background(), assignedTask())
	trig.Wait()

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "task.dispatch.task-1", pub.subjects[0])

	var envelope struct {
		Payload workflow.DispatchRequest `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(pub.payloads[0], &envelope))
	assert.Equal(t, "agent-1", envelope.Payload.AgentID)
	assert.Equal(t, workflow.PriorityHigh, envelope.Payload.Priority)

	assert.Equal(t, []workflow.EventType{workflow.EventTaskDispatched}, eventTypes(t, store))
}

func TestTrigger_FailureIsRecordedNotReturned(t *testing.T) {
	pub := &capturePublisher{err: errors.New("stream unavailable")}
	store := storage.NewMemoryStore()
	trig := NewTrigger(pub, WithRecorder(activity.NewRecorder(store, nil, nil)))

	trig.Dispatch(context.Background(), assignedTask())
	trig.Wait()

	events, err := store.ListEvents(context.Background(), storage.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, workflow.EventTaskDispatchFailed, events[0].Type)
	assert.Contains(t, events[0].Metadata["error"], "stream unavailable")
}

func TestTrigger_CancelledCallerContextDoesNotAbortDelivery(t *testing.T) {
	pub := &capturePublisher{}
	trig := NewTrigger(pub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	trig.Dispatch(ctx, assignedTask())
	trig.Wait()

	assert.Len(t, pub.subjects, 1)
}

func TestTrigger_Webhook(t *testing.T) {
	var got workflow.DispatchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	trig := NewTrigger(nil, WithWebhook(srv.URL))
	trig.Dispatch(context.Background(), assignedTask())
	trig.Wait()

	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, "Ship it", got.Title)
}

func TestTrigger_WebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := storage.NewMemoryStore()
	trig := NewTrigger(nil, WithWebhook(srv.URL), WithRecorder(activity.NewRecorder(store, nil, nil)))
	trig.Dispatch(context.Background(), assignedTask())
	trig.Wait()

	assert.Equal(t, []workflow.EventType{workflow.EventTaskDispatchFailed}, eventTypes(t, store))
}

func TestTrigger_NoTarget(t *testing.T) {
	store := storage.NewMemoryStore()
	trig := NewTrigger(nil, WithRecorder(activity.NewRecorder(store, nil, nil)))
	trig.Dispatch(context.Background(), assignedTask())
	trig.Wait()

	assert.Equal(t, []workflow.EventType{workflow.EventTaskDispatchFailed}, eventTypes(t, store))
}
