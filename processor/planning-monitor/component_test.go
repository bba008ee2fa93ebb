package planningmonitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/c360studio/semcontrol/metrics"
	"github.com/c360studio/semcontrol/storage"
	"github.com/c360studio/semcontrol/workflow"
	"github.com/c360studio/semcontrol/workflow/activity"
	"github.com/c360studio/semstreams/component"
	"github.com/prometheus/client_golang/prometheus"
)

func TestNewComponent_Unit(t *testing.T) {
	tests := []struct {
		name      string
		rawConfig json.RawMessage
		wantErr   bool
	}{
		{
			name:      "invalid JSON",
			rawConfig: json.RawMessage(`{invalid json}`),
			wantErr:   true,
		},
		{
			name:      "invalid config - negative check_interval",
			rawConfig: json.RawMessage(`{"check_interval":"-1s"}`),
			wantErr:   true,
		},
		{
			name:      "invalid config - zero stale_after",
			rawConfig: json.RawMessage(`{"stale_after":"0s"}`),
			wantErr:   true,
		},
		{
			name:      "invalid config - sqlite without path",
			rawConfig: json.RawMessage(`{"storage_backend":"sqlite"}`),
			wantErr:   true,
		},
		{
			name:      "defaults",
			rawConfig: json.RawMessage(`{}`),
			wantErr:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := component.Dependencies{
				Logger: slog.Default(),
			}

			_, err := NewComponent(tt.rawConfig, deps)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewComponent() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// newTestComponent builds a component over a memory store without starting
// the scan loop.
func newTestComponent(t *testing.T, staleAfter string) (*Component, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	c := &Component{
		name:     "planning-monitor",
		config:   Config{CheckInterval: "1m", StaleAfter: staleAfter, StorageBackend: storage.BackendMemory},
		logger:   slog.Default(),
		metrics:  metrics.New(prometheus.NewRegistry()),
		store:    store,
		recorder: activity.NewRecorder(store, nil, nil),
		reported: make(map[string]time.Time),
	}
	return c, store
}

func seedSession(t *testing.T, store storage.Store, turns ...workflow.PlanningMessage) *workflow.Task {
	t.Helper()
	task := &workflow.Task{Title: "Plan release", Status: workflow.TaskStatusPlanning}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	task.PlanningSessionKey = workflow.PlanningSessionKey(task.ID)
	task.PlanningMessages = turns
	if err := store.UpdateTask(context.Background(), task); err != nil {
		t.Fatalf("update task: %v", err)
	}
	return task
}

func staleEvents(t *testing.T, store storage.Store) []*workflow.Event {
	t.Helper()
	events, err := store.ListEvents(context.Background(), storage.EventFilter{
		Types: []workflow.EventType{workflow.EventPlanningStale},
	})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	return events
}

func TestCheckStale(t *testing.T) {
	ctx := context.Background()
	c, store := newTestComponent(t, "10m")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	waiting := seedSession(t, store,
		workflow.PlanningMessage{Role: workflow.RoleUser, Content: "plan it", Timestamp: now.Add(-20 * time.Minute)})
	seedSession(t, store,
		workflow.PlanningMessage{Role: workflow.RoleUser, Content: "plan it", Timestamp: now.Add(-30 * time.Minute)},
		workflow.PlanningMessage{Role: workflow.RoleAssistant, Content: "question", Timestamp: now.Add(-29 * time.Minute)})
	seedSession(t, store,
		workflow.PlanningMessage{Role: workflow.RoleUser, Content: "fresh", Timestamp: now.Add(-time.Minute)})

	if got := c.checkStale(ctx, now); got != 1 {
		t.Fatalf("checkStale() flagged %d, want 1", got)
	}

	events := staleEvents(t, store)
	if len(events) != 1 {
		t.Fatalf("expected 1 planning_stale event, got %d", len(events))
	}
	if events[0].TaskID != waiting.ID {
		t.Errorf("stale event for %s, want %s", events[0].TaskID, waiting.ID)
	}
	if events[0].Metadata["session_key"] != waiting.PlanningSessionKey {
		t.Errorf("session_key metadata = %q", events[0].Metadata["session_key"])
	}

	// A second scan does not report the same turn again.
	if got := c.checkStale(ctx, now.Add(time.Minute)); got != 0 {
		t.Errorf("second checkStale() flagged %d, want 0", got)
	}
	if c.staleDetected.Load() != 1 {
		t.Errorf("staleDetected = %d, want 1", c.staleDetected.Load())
	}
	if c.checksPerformed.Load() != 2 {
		t.Errorf("checksPerformed = %d, want 2", c.checksPerformed.Load())
	}
}

func TestCheckStale_NewTurnIsReportedAgain(t *testing.T) {
	ctx := context.Background()
	c, store := newTestComponent(t, "5m")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	task := seedSession(t, store,
		workflow.PlanningMessage{Role: workflow.RoleUser, Content: "plan it", Timestamp: now.Add(-10 * time.Minute)})
	if got := c.checkStale(ctx, now); got != 1 {
		t.Fatalf("first scan flagged %d, want 1", got)
	}

	task.PlanningMessages = append(task.PlanningMessages,
		workflow.PlanningMessage{Role: workflow.RoleAssistant, Content: "q", Timestamp: now.Add(time.Minute)},
		workflow.PlanningMessage{Role: workflow.RoleUser, Content: "a", Timestamp: now.Add(2 * time.Minute)})
	if err := store.UpdateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	if got := c.checkStale(ctx, now.Add(10*time.Minute)); got != 1 {
		t.Errorf("scan after a new user turn flagged %d, want 1", got)
	}
}

func TestCheckStale_CompletedSessionsIgnoredAndForgotten(t *testing.T) {
	ctx := context.Background()
	c, store := newTestComponent(t, "5m")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	task := seedSession(t, store,
		workflow.PlanningMessage{Role: workflow.RoleUser, Content: "plan it", Timestamp: now.Add(-10 * time.Minute)})
	c.checkStale(ctx, now)
	if _, ok := c.reported[task.ID]; !ok {
		t.Fatal("expected task to be tracked as reported")
	}

	task.PlanningComplete = true
	if err := store.UpdateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if got := c.checkStale(ctx, now.Add(time.Hour)); got != 0 {
		t.Errorf("completed session flagged %d times", got)
	}
	if _, ok := c.reported[task.ID]; ok {
		t.Error("completed session should be forgotten")
	}
}

func TestCheckStale_DoesNotMutateTasks(t *testing.T) {
	ctx := context.Background()
	c, store := newTestComponent(t, "1m")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	task := seedSession(t, store,
		workflow.PlanningMessage{Role: workflow.RoleUser, Content: "plan it", Timestamp: now.Add(-time.Hour)})
	before, _ := store.GetTask(ctx, task.ID)

	c.checkStale(ctx, now)

	after, _ := store.GetTask(ctx, task.ID)
	if !after.UpdatedAt.Equal(before.UpdatedAt) || after.Status != before.Status {
		t.Error("monitor must not modify the task")
	}
}

func TestComponent_Lifecycle(t *testing.T) {
	deps := component.Dependencies{Logger: slog.Default()}
	comp, err := NewComponent(json.RawMessage(`{"storage_backend":"memory","check_interval":"10ms"}`), deps)
	if err != nil {
		t.Fatalf("NewComponent() error = %v", err)
	}
	c := comp.(*Component)

	if err := c.Initialize(); err != nil {
		t.Errorf("Initialize() error = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
	if !c.Health().Healthy {
		t.Error("component should be healthy while running")
	}

	deadline := time.Now().Add(time.Second)
	for c.checksPerformed.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.checksPerformed.Load() < 2 {
		t.Error("scan loop did not tick")
	}

	if err := c.Stop(time.Second); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if c.Health().Healthy {
		t.Error("component should be unhealthy after Stop")
	}
	if err := c.Stop(time.Second); err != nil {
		t.Error("Stop() should not error when already stopped")
	}
}

func TestComponent_Meta(t *testing.T) {
	c, _ := newTestComponent(t, "1m")
	c.config.Ports = DefaultConfig().Ports

	if c.Meta().Name != "planning-monitor" {
		t.Errorf("Meta().Name = %s", c.Meta().Name)
	}
	if len(c.InputPorts()) != 0 {
		t.Error("expected no input ports")
	}
	ports := c.OutputPorts()
	if len(ports) != 1 || ports[0].Direction != component.DirectionOutput {
		t.Errorf("unexpected output ports %+v", ports)
	}
}
