package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	planningmonitor "github.com/c360studio/semcontrol/processor/planning-monitor"
	taskapi "github.com/c360studio/semcontrol/processor/task-api"
	"github.com/c360studio/semcontrol/workflow"
	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/componentregistry"
	"github.com/c360studio/semstreams/config"
	"github.com/c360studio/semstreams/metric"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/c360studio/semstreams/payloadregistry"
	"github.com/c360studio/semstreams/service"
	"github.com/c360studio/semstreams/types"
)

const (
	defaultNATSURL  = "nats://localhost:4222"
	serviceManager  = "service-manager"
	connectTimeout  = 10 * time.Second
	shutdownTimeout = 30 * time.Second
)

// node is one running semcontrol process: its NATS connection, the config
// manager feeding component configs, and the service manager that owns the
// task-api and planning-monitor components.
type node struct {
	platform types.PlatformMeta
	nc       *natsclient.Client
	manager  *service.Manager
	closers  []func()
}

// startNode connects to NATS, prepares streams and starts every enabled
// service. On error, whatever was already started is shut down.
func startNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *node, err error) {
	n := &node{platform: extractPlatformMeta(cfg)}
	defer func() {
		if err != nil {
			n.close()
		}
	}()

	url := natsURL(cfg)
	if n.nc, err = dialNATS(ctx, url, logger); err != nil {
		return nil, err
	}
	n.closers = append(n.closers, func() { n.nc.Close(context.Background()) })

	if err := config.NewStreamsManager(n.nc, logger).EnsureStreams(ctx, cfg); err != nil {
		return nil, fmt.Errorf("ensure streams: %w", err)
	}
	logger.Debug("JetStream streams ready", "count", len(cfg.Streams))

	cm, err := config.NewConfigManager(cfg, n.nc, logger)
	if err != nil {
		return nil, fmt.Errorf("create config manager: %w", err)
	}
	if err := cm.Start(ctx); err != nil {
		return nil, fmt.Errorf("start config manager: %w", err)
	}
	n.closers = append(n.closers, func() { cm.Stop(5 * time.Second) })

	registry := component.NewRegistry()
	if err := registerComponents(registry); err != nil {
		return nil, err
	}
	logger.Info("Component factories registered", "count", len(registry.ListFactories()))

	services := service.NewServiceRegistry()
	if err := service.RegisterAll(services); err != nil {
		return nil, fmt.Errorf("register services: %w", err)
	}
	n.manager = service.NewServiceManager(services)

	payloads := payloadregistry.New()
	if err := workflow.RegisterPayloads(payloads); err != nil {
		return nil, fmt.Errorf("register payloads: %w", err)
	}

	ensureServiceManagerConfig(cfg, 0)
	deps := &service.Dependencies{
		NATSClient:        n.nc,
		MetricsRegistry:   metric.NewMetricsRegistry(),
		Logger:            logger,
		Platform:          n.platform,
		Manager:           cm,
		ComponentRegistry: registry,
		PayloadRegistry:   payloads,
	}
	if err := createServices(cfg, n.manager, deps, logger); err != nil {
		return nil, err
	}

	if err := n.manager.StartAll(ctx); err != nil {
		return nil, fmt.Errorf("start services: %w", err)
	}
	n.closers = append(n.closers, func() {
		if err := n.manager.StopAll(shutdownTimeout); err != nil {
			logger.Error("Stopping services", "error", err)
		}
	})
	return n, nil
}

// close releases resources in reverse start order.
func (n *node) close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
	n.closers = nil
}

func registerComponents(registry *component.Registry) error {
	steps := []struct {
		name     string
		register func() error
	}{
		{"semstreams", func() error { return componentregistry.Register(registry) }},
		{"task-api", func() error { return taskapi.Register(registry) }},
		{"planning-monitor", func() error { return planningmonitor.Register(registry) }},
	}
	for _, s := range steps {
		if err := s.register(); err != nil {
			return fmt.Errorf("register %s components: %w", s.name, err)
		}
	}
	return nil
}

// createServices configures the service manager and creates every other
// enabled service it has a constructor for, in name order.
func createServices(cfg *config.Config, manager *service.Manager, deps *service.Dependencies, logger *slog.Logger) error {
	if err := manager.ConfigureFromServices(cfg.Services, deps); err != nil {
		return fmt.Errorf("configure service manager: %w", err)
	}

	for _, name := range slices.Sorted(maps.Keys(cfg.Services)) {
		svc := cfg.Services[name]
		switch {
		case name == serviceManager:
			continue
		case !svc.Enabled:
			logger.Info("Service disabled", "name", name)
			continue
		case !manager.HasConstructor(name):
			logger.Warn("No constructor for configured service", "name", name, "known", manager.ListConstructors())
			continue
		}
		if _, err := manager.CreateService(name, svc.Config, deps); err != nil {
			return fmt.Errorf("create service %s: %w", name, err)
		}
		logger.Debug("Created service", "name", name)
	}
	return nil
}

// natsURL picks the server list: NATS_URL, then SEMCONTROL_NATS_URL, then the
// config file.
func natsURL(cfg *config.Config) string {
	for _, env := range []string{"NATS_URL", "SEMCONTROL_NATS_URL"} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	if len(cfg.NATS.URLs) > 0 {
		return strings.Join(cfg.NATS.URLs, ",")
	}
	return defaultNATSURL
}

func dialNATS(ctx context.Context, url string, logger *slog.Logger) (*natsclient.Client, error) {
	logger.Info("Connecting to NATS", "url", url)

	client, err := natsclient.NewClient(url,
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithCircuitBreakerThreshold(20),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, natsHint(err, url)
	}

	waitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.WaitForConnection(waitCtx); err != nil {
		return nil, natsHint(err, url)
	}
	return client, nil
}

var unreachableMarkers = []string{"connection refused", "no servers available", "timeout"}

// natsHint adds a start-up hint when the server looks unreachable.
func natsHint(err error, url string) error {
	msg := err.Error()
	if !slices.ContainsFunc(unreachableMarkers, func(m string) bool { return strings.Contains(msg, m) }) {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	return fmt.Errorf("connect to NATS at %s: %w\n\nStart a JetStream-enabled server with\n  docker run -d -p 4222:4222 nats:latest -js\nor point NATS_URL at a running one", url, err)
}

func extractPlatformMeta(cfg *config.Config) types.PlatformMeta {
	id := cfg.Platform.InstanceID
	if id == "" {
		id = cfg.Platform.ID
	}
	return types.PlatformMeta{Org: cfg.Platform.Org, Platform: id}
}

// ensureServiceManagerConfig adds a service-manager entry serving HTTP on
// httpPort (8080 when zero) unless one is configured.
func ensureServiceManagerConfig(cfg *config.Config, httpPort int) {
	if cfg.Services == nil {
		cfg.Services = make(types.ServiceConfigs)
	}
	if _, ok := cfg.Services[serviceManager]; ok {
		return
	}
	if httpPort == 0 {
		httpPort = 8080
	}

	raw, _ := json.Marshal(map[string]any{
		"http_port":  httpPort,
		"swagger_ui": false,
		"server_info": map[string]string{
			"title":       "Semcontrol API",
			"description": "task lifecycle, agent status and planning conversations",
			"version":     Version,
		},
	})
	cfg.Services[serviceManager] = types.ServiceConfig{
		Name:    serviceManager,
		Enabled: true,
		Config:  raw,
	}
}
