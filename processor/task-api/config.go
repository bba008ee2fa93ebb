package taskapi

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semcontrol/gateway"
	"github.com/c360studio/semcontrol/storage"
	"github.com/c360studio/semcontrol/workflow/planning"
	"github.com/c360studio/semstreams/component"
)

// taskAPISchema holds the configuration schema generated from Config.
var taskAPISchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the task-api component.
type Config struct {
	// Gateway locates the agent runtime used for planning conversations.
	Gateway gateway.Config `json:"gateway" schema:"type:object,description:Agent runtime connection,category:basic"`

	// MaxRounds caps assistant turns per planning session.
	MaxRounds int `json:"max_rounds,omitempty" schema:"type:int,description:Maximum planning rounds,category:advanced,default:8"`

	// ReplyTimeout bounds each wait for the planning agent (e.g. "90s").
	ReplyTimeout string `json:"reply_timeout,omitempty" schema:"type:string,description:Planning reply timeout,category:advanced,default:90s"`

	// DefaultOrchestrator is the master agent that owns planning.
	DefaultOrchestrator string `json:"default_orchestrator,omitempty" schema:"type:string,description:Default orchestrator agent ID,category:basic,default:"`

	// WebhookURL optionally receives dispatch requests as JSON.
	WebhookURL string `json:"webhook_url,omitempty" schema:"type:string,description:Dispatch webhook URL,category:advanced,default:"`

	// DispatchTimeout bounds one dispatch delivery (e.g. "10s").
	DispatchTimeout string `json:"dispatch_timeout,omitempty" schema:"type:string,description:Dispatch delivery timeout,category:advanced,default:10s"`

	// StorageBackend is memory, kv or sqlite.
	StorageBackend string `json:"storage_backend,omitempty" schema:"type:string,description:Persistence backend (memory kv sqlite),category:basic,default:kv"`

	// StoragePath is the SQLite database file.
	StoragePath string `json:"storage_path,omitempty" schema:"type:string,description:SQLite database path,category:basic,default:"`

	// Ports declares optional port configuration.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Port configuration,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Gateway: gateway.Config{
			URL:          "http://127.0.0.1:18789",
			TokenEnv:     "SEMCONTROL_GATEWAY_TOKEN",
			PollInterval: "2s",
			HistoryLimit: 50,
		},
		MaxRounds:       planning.DefaultMaxRounds,
		ReplyTimeout:    planning.DefaultReplyTimeout.String(),
		DispatchTimeout: "10s",
		StorageBackend:  storage.BackendKV,
		Ports: &component.PortConfig{
			Outputs: []component.PortDefinition{
				{
					Name:        "dispatch-requests",
					Type:        "jetstream",
					Subject:     "task.dispatch.>",
					StreamName:  "TASKS",
					Description: "Dispatch requests for assigned tasks",
					Required:    false,
				},
				{
					Name:        "activity-events",
					Type:        "nats",
					Subject:     "semcontrol.events.>",
					Description: "Task and agent activity notifications",
					Required:    false,
				},
			},
		},
	}
}

// applyDefaults fills zero fields from DefaultConfig.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Gateway.URL == "" {
		c.Gateway.URL = d.Gateway.URL
	}
	if c.Gateway.TokenEnv == "" {
		c.Gateway.TokenEnv = d.Gateway.TokenEnv
	}
	if c.Gateway.PollInterval == "" {
		c.Gateway.PollInterval = d.Gateway.PollInterval
	}
	if c.Gateway.HistoryLimit == 0 {
		c.Gateway.HistoryLimit = d.Gateway.HistoryLimit
	}
	if c.MaxRounds == 0 {
		c.MaxRounds = d.MaxRounds
	}
	if c.ReplyTimeout == "" {
		c.ReplyTimeout = d.ReplyTimeout
	}
	if c.DispatchTimeout == "" {
		c.DispatchTimeout = d.DispatchTimeout
	}
	if c.StorageBackend == "" {
		c.StorageBackend = d.StorageBackend
	}
	if c.Ports == nil {
		c.Ports = d.Ports
	}
}

// Validate verifies the configuration is consistent.
func (c *Config) Validate() error {
	if err := c.Gateway.Validate(); err != nil {
		return err
	}
	if c.MaxRounds < 1 {
		return fmt.Errorf("max_rounds must be at least 1")
	}
	if d, err := time.ParseDuration(c.ReplyTimeout); err != nil || d <= 0 {
		return fmt.Errorf("reply_timeout must be a positive duration (got %q)", c.ReplyTimeout)
	}
	if d, err := time.ParseDuration(c.DispatchTimeout); err != nil || d <= 0 {
		return fmt.Errorf("dispatch_timeout must be a positive duration (got %q)", c.DispatchTimeout)
	}
	switch c.StorageBackend {
	case storage.BackendMemory, storage.BackendKV:
	case storage.BackendSQLite:
		if c.StoragePath == "" {
			return fmt.Errorf("storage_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown storage_backend %q", c.StorageBackend)
	}
	return nil
}

// planningConfig converts to the engine configuration. Call after Validate.
func (c *Config) planningConfig() planning.Config {
	timeout, _ := time.ParseDuration(c.ReplyTimeout)
	return planning.Config{
		MaxRounds:           c.MaxRounds,
		ReplyTimeout:        timeout,
		DefaultOrchestrator: c.DefaultOrchestrator,
	}
}

func (c *Config) dispatchTimeout() time.Duration {
	d, _ := time.ParseDuration(c.DispatchTimeout)
	return d
}
