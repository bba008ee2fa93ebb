// Package planningmonitor provides a processor that watches active planning
// sessions and flags the ones left waiting on the agent for too long.
//
// A session is stale when its latest turn is a user turn older than
// stale_after. Each stale turn is reported once, as a planning_stale event
// and a metric increment. The monitor never mutates tasks.
package planningmonitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semcontrol/metrics"
	"github.com/c360studio/semcontrol/storage"
	"github.com/c360studio/semcontrol/workflow"
	"github.com/c360studio/semcontrol/workflow/activity"
	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
)

// Component implements the planning-monitor processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics

	store    storage.Store
	recorder *activity.Recorder

	// reported maps task ID to the user turn already flagged.
	reported map[string]time.Time

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}

	// Metrics
	checksPerformed atomic.Int64
	staleDetected   atomic.Int64
	lastCheckMu     sync.RWMutex
	lastCheck       time.Time
}

// NewComponent creates a new planning-monitor processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	defaults := DefaultConfig()
	if config.CheckInterval == "" {
		config.CheckInterval = defaults.CheckInterval
	}
	if config.StaleAfter == "" {
		config.StaleAfter = defaults.StaleAfter
	}
	if config.StorageBackend == "" {
		config.StorageBackend = defaults.StorageBackend
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "planning-monitor",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
		metrics:    metrics.Default(),
		reported:   make(map[string]time.Time),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized planning-monitor",
		"check_interval", c.config.CheckInterval,
		"stale_after", c.config.StaleAfter)
	return nil
}

// Start opens the store and begins scanning.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}

	var nc storage.JetStreamProvider
	var publisher workflow.Publisher
	if c.natsClient != nil {
		nc = c.natsClient
		publisher = c.natsClient
	}

	store, err := storage.Open(ctx, c.config.StorageBackend, c.config.StoragePath, nc)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("open store: %w", err)
	}

	c.store = store
	c.recorder = activity.NewRecorder(store, publisher, c.logger)
	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.checkLoop(subCtx, c.done)

	c.logger.Info("planning-monitor started",
		"check_interval", c.config.CheckInterval,
		"stale_after", c.config.StaleAfter)

	return nil
}

// checkLoop periodically scans for stale sessions.
func (c *Component) checkLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.config.checkInterval())
	defer ticker.Stop()

	// Run immediately on start
	c.checkStale(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkStale(ctx, time.Now())
		}
	}
}

// checkStale flags every active session whose latest user turn has waited
// longer than stale_after as of now. It returns the number newly flagged.
func (c *Component) checkStale(ctx context.Context, now time.Time) int {
	c.checksPerformed.Add(1)
	c.updateLastCheck(now)

	tasks, err := c.store.ListTasks(ctx, storage.TaskFilter{PlanningActive: true})
	if err != nil {
		c.logger.Error("Failed to list planning sessions", "error", err)
		return 0
	}

	staleAfter := c.config.staleAfter()
	active := make(map[string]bool, len(tasks))
	flagged := 0

	for _, task := range tasks {
		active[task.ID] = true

		last := task.LastPlanningMessage()
		if last == nil || last.Role != workflow.RoleUser {
			continue
		}
		age := now.Sub(last.Timestamp)
		if age <= staleAfter {
			continue
		}
		if reported, ok := c.reported[task.ID]; ok && reported.Equal(last.Timestamp) {
			continue
		}

		c.reported[task.ID] = last.Timestamp
		c.staleDetected.Add(1)
		c.metrics.StalePlanning()
		flagged++

		c.logger.Info("Planning session stale",
			"task_id", task.ID,
			"session_key", task.PlanningSessionKey,
			"waiting", age.Round(time.Second))

		c.recorder.Record(ctx, workflow.NewEvent(workflow.EventPlanningStale, task.ID, "",
			"Planning agent has not replied").
			With("session_key", task.PlanningSessionKey).
			With("waiting_since", last.Timestamp.UTC().Format(time.RFC3339)).
			With("rounds", fmt.Sprint(task.AssistantTurns())))
	}

	for id := range c.reported {
		if !active[id] {
			delete(c.reported, id)
		}
	}

	return flagged
}

// Stop gracefully stops the component.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	done := c.done
	c.running = false
	c.mu.Unlock()

	select {
	case <-done:
	case <-time.After(timeout):
		c.logger.Warn("planning-monitor scan did not finish before timeout")
	}

	if err := c.store.Close(); err != nil {
		c.logger.Warn("Failed to close store", "error", err)
	}

	c.logger.Info("planning-monitor stopped",
		"checks_performed", c.checksPerformed.Load(),
		"stale_detected", c.staleDetected.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "planning-monitor",
		Type:        "processor",
		Description: "Flags planning sessions left waiting on the agent",
		Version:     "0.1.0",
	}
}

// InputPorts returns no input ports; the monitor polls the store.
func (c *Component) InputPorts() []component.Port {
	return []component.Port{}
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, portDef := range c.config.Ports.Outputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionOutput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return monitorSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	var uptime time.Duration
	if running {
		status = "running"
		uptime = time.Since(startTime)
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: 0,
		Uptime:     uptime,
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		LastActivity: c.getLastCheck(),
	}
}

func (c *Component) updateLastCheck(now time.Time) {
	c.lastCheckMu.Lock()
	c.lastCheck = now
	c.lastCheckMu.Unlock()
}

func (c *Component) getLastCheck() time.Time {
	c.lastCheckMu.RLock()
	defer c.lastCheckMu.RUnlock()
	return c.lastCheck
}
