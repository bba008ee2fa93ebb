// Package taskapi provides the HTTP surface for the task lifecycle, agent
// status and planning conversations. It owns the store, the lifecycle
// machine, the planning engine and the dispatch trigger for the process.
package taskapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semcontrol/gateway"
	"github.com/c360studio/semcontrol/metrics"
	"github.com/c360studio/semcontrol/storage"
	"github.com/c360studio/semcontrol/workflow"
	"github.com/c360studio/semcontrol/workflow/activity"
	"github.com/c360studio/semcontrol/workflow/dispatch"
	"github.com/c360studio/semcontrol/workflow/lifecycle"
	"github.com/c360studio/semcontrol/workflow/planning"
	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
)

// Component implements the task-api component.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// services is nil until Start succeeds.
	services *services

	// Lifecycle state machine
	// States: 0=stopped, 1=starting, 2=running, 3=stopping
	state     atomic.Int32
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	requests      atomic.Int64
	requestErrors atomic.Int64
	lastActivity  atomic.Int64
}

const (
	stateStopped  = 0
	stateStarting = 1
	stateRunning  = 2
	stateStopping = 3
)

// services is the wired domain layer behind the HTTP handlers.
type services struct {
	store   storage.Store
	machine *lifecycle.Machine
	engine  *planning.Engine
	trigger *dispatch.Trigger
	watcher *gateway.TranscriptWatcher
}

// NewComponent creates a new task-api component.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "task-api",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
		metrics:    metrics.Default(),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized task-api",
		"storage_backend", c.config.StorageBackend,
		"gateway_url", c.config.Gateway.URL)
	return nil
}

// Start opens the store and wires the lifecycle machine, planning engine
// and dispatch trigger.
func (c *Component) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(stateStopped, stateStarting) {
		currentState := c.state.Load()
		if currentState == stateRunning || currentState == stateStarting {
			return fmt.Errorf("component already running or starting")
		}
		return fmt.Errorf("component in invalid state: %d", currentState)
	}

	defer func() {
		if c.state.Load() == stateStarting {
			c.state.Store(stateStopped)
		}
	}()

	var nc storage.JetStreamProvider
	var publisher workflow.Publisher
	var streamPublisher dispatch.StreamPublisher
	if c.natsClient != nil {
		nc = c.natsClient
		publisher = c.natsClient
		streamPublisher = c.natsClient
	}

	store, err := storage.Open(ctx, c.config.StorageBackend, c.config.StoragePath, nc)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	adapter, watcher, err := gateway.Build(c.config.Gateway, c.logger)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("build gateway adapter: %w", err)
	}

	childCtx, cancel := context.WithCancel(ctx)
	if watcher != nil {
		if err := watcher.Start(childCtx); err != nil {
			cancel()
			_ = store.Close()
			return fmt.Errorf("start transcript watcher: %w", err)
		}
	}

	svc := c.wire(store, adapter, publisher, streamPublisher)
	svc.watcher = watcher

	c.mu.Lock()
	c.services = svc
	c.cancel = cancel
	c.startTime = time.Now()
	c.mu.Unlock()

	c.state.Store(stateRunning)

	c.logger.Info("task-api started",
		"storage_backend", c.config.StorageBackend,
		"gateway_url", c.config.Gateway.URL,
		"transcript_watch", watcher != nil)

	return nil
}

// wire builds the domain layer on top of an open store.
func (c *Component) wire(store storage.Store, transport planning.Transport, publisher workflow.Publisher, streamPublisher dispatch.StreamPublisher) *services {
	recorder := activity.NewRecorder(store, publisher, c.logger)

	triggerOpts := []dispatch.Option{
		dispatch.WithTimeout(c.config.dispatchTimeout()),
		dispatch.WithRecorder(recorder),
		dispatch.WithMetrics(c.metrics),
		dispatch.WithLogger(c.logger),
	}
	if c.config.WebhookURL != "" {
		triggerOpts = append(triggerOpts, dispatch.WithWebhook(c.config.WebhookURL))
	}
	trigger := dispatch.NewTrigger(streamPublisher, triggerOpts...)

	machine := lifecycle.NewMachine(store,
		lifecycle.WithDispatcher(trigger),
		lifecycle.WithRecorder(recorder),
		lifecycle.WithMetrics(c.metrics),
		lifecycle.WithLogger(c.logger))

	engine := planning.NewEngine(store, machine, transport, c.config.planningConfig(),
		planning.WithRecorder(recorder),
		planning.WithMetrics(c.metrics),
		planning.WithLogger(c.logger))

	return &services{
		store:   store,
		machine: machine,
		engine:  engine,
		trigger: trigger,
	}
}

// Stop gracefully stops the component. Pending dispatch deliveries are
// given until timeout to finish.
func (c *Component) Stop(timeout time.Duration) error {
	if !c.state.CompareAndSwap(stateRunning, stateStopping) {
		currentState := c.state.Load()
		if currentState == stateStopped || currentState == stateStopping {
			return nil
		}
		return fmt.Errorf("component in unexpected state: %d", currentState)
	}

	c.mu.Lock()
	cancel := c.cancel
	svc := c.services
	c.cancel = nil
	c.services = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if svc != nil {
		if svc.watcher != nil {
			if err := svc.watcher.Stop(); err != nil {
				c.logger.Warn("Failed to stop transcript watcher", "error", err)
			}
		}
		waitWithTimeout(svc.trigger.Wait, timeout)
		if err := svc.store.Close(); err != nil {
			c.logger.Warn("Failed to close store", "error", err)
		}
	}

	c.state.Store(stateStopped)

	c.logger.Info("task-api stopped",
		"requests", c.requests.Load(),
		"request_errors", c.requestErrors.Load())

	return nil
}

func waitWithTimeout(wait func(), timeout time.Duration) {
	if timeout <= 0 {
		wait()
		return
	}
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        c.name,
		Type:        "processor",
		Description: "Task lifecycle, agent status and planning conversations over HTTP",
		Version:     "0.1.0",
	}
}

// InputPorts returns no input ports; the component is driven over HTTP.
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
	return taskAPISchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	state := c.state.Load()

	c.mu.RLock()
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	switch state {
	case stateStarting:
		status = "starting"
	case stateRunning:
		status = "running"
	case stateStopping:
		status = "stopping"
	}

	var uptime time.Duration
	if state == stateRunning {
		uptime = time.Since(startTime)
	}

	return component.HealthStatus{
		Healthy:    state == stateRunning,
		LastCheck:  time.Now(),
		ErrorCount: int(c.requestErrors.Load()),
		Uptime:     uptime,
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	var last time.Time
	if ns := c.lastActivity.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	var errorRate float64
	if total := c.requests.Load(); total > 0 {
		errorRate = float64(c.requestErrors.Load()) / float64(total)
	}
	return component.FlowMetrics{
		ErrorRate:    errorRate,
		LastActivity: last,
	}
}

// getServices returns the wired domain layer, or nil when not running.
func (c *Component) getServices() *services {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.services
}
