// Package config provides configuration loading and management for semcontrol.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/semcontrol/gateway"
	"github.com/c360studio/semcontrol/storage"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory = storage.BackendMemory
	BackendKV     = storage.BackendKV
	BackendSQLite = storage.BackendSQLite
)

// Config represents the complete semcontrol configuration
type Config struct {
	NATS     NATSConfig     `yaml:"nats"`
	HTTP     HTTPConfig     `yaml:"http"`
	Gateway  gateway.Config `yaml:"gateway"`
	Planning PlanningConfig `yaml:"planning"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Storage  StorageConfig  `yaml:"storage"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL
	URL string `yaml:"url"`
}

// HTTPConfig configures the service-manager HTTP server
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// PlanningConfig configures the planning engine and monitor
type PlanningConfig struct {
	// MaxRounds caps assistant turns per planning session
	MaxRounds int `yaml:"max_rounds"`
	// ReplyTimeout bounds each wait for the planning agent
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
	// DefaultOrchestrator is the master agent ID that owns planning
	DefaultOrchestrator string `yaml:"default_orchestrator"`
	// StaleAfter is how long a session may wait on the agent before the
	// monitor flags it
	StaleAfter time.Duration `yaml:"stale_after"`
	// CheckInterval is how often the monitor scans
	CheckInterval time.Duration `yaml:"check_interval"`
}

// DispatchConfig configures dispatch notifications
type DispatchConfig struct {
	// WebhookURL optionally receives each dispatch request as JSON
	WebhookURL string `yaml:"webhook_url"`
	// Timeout bounds one delivery
	Timeout time.Duration `yaml:"timeout"`
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	// Backend is memory, kv or sqlite
	Backend string `yaml:"backend"`
	// Path is the SQLite database file (sqlite backend only)
	Path string `yaml:"path"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		HTTP: HTTPConfig{
			Port: 8080,
		},
		Gateway: gateway.Config{
			URL:            "http://127.0.0.1:18789",
			TokenEnv:       "SEMCONTROL_GATEWAY_TOKEN",
			PollInterval:   "2s",
			HistoryLimit:   50,
			RequestTimeout: "30s",
		},
		Planning: PlanningConfig{
			MaxRounds:     8,
			ReplyTimeout:  90 * time.Second,
			StaleAfter:    10 * time.Minute,
			CheckInterval: time.Minute,
		},
		Dispatch: DispatchConfig{
			Timeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Backend: BackendKV,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if err := c.Gateway.Validate(); err != nil {
		return err
	}
	if c.Planning.MaxRounds < 1 {
		return fmt.Errorf("planning.max_rounds must be at least 1")
	}
	if c.Planning.ReplyTimeout <= 0 {
		return fmt.Errorf("planning.reply_timeout must be positive")
	}
	if c.Planning.StaleAfter < 0 || c.Planning.CheckInterval < 0 {
		return fmt.Errorf("planning.stale_after and planning.check_interval must not be negative")
	}
	if c.Dispatch.WebhookURL != "" &&
		!strings.HasPrefix(c.Dispatch.WebhookURL, "http://") &&
		!strings.HasPrefix(c.Dispatch.WebhookURL, "https://") {
		return fmt.Errorf("dispatch.webhook_url must be http(s)")
	}
	switch c.Storage.Backend {
	case BackendMemory, BackendKV:
	case BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, kv, sqlite (got %q)", c.Storage.Backend)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.HTTP.Port != 0 {
		c.HTTP.Port = other.HTTP.Port
	}

	// Gateway
	g := other.Gateway
	if g.URL != "" {
		c.Gateway.URL = g.URL
	}
	if g.TokenEnv != "" {
		c.Gateway.TokenEnv = g.TokenEnv
	}
	if g.SessionsDir != "" {
		c.Gateway.SessionsDir = g.SessionsDir
	}
	if g.PollInterval != "" {
		c.Gateway.PollInterval = g.PollInterval
	}
	if g.HistoryLimit != 0 {
		c.Gateway.HistoryLimit = g.HistoryLimit
	}
	if g.RequestTimeout != "" {
		c.Gateway.RequestTimeout = g.RequestTimeout
	}
	if g.Watch {
		c.Gateway.Watch = true
	}

	// Planning
	p := other.Planning
	if p.MaxRounds != 0 {
		c.Planning.MaxRounds = p.MaxRounds
	}
	if p.ReplyTimeout != 0 {
		c.Planning.ReplyTimeout = p.ReplyTimeout
	}
	if p.DefaultOrchestrator != "" {
		c.Planning.DefaultOrchestrator = p.DefaultOrchestrator
	}
	if p.StaleAfter != 0 {
		c.Planning.StaleAfter = p.StaleAfter
	}
	if p.CheckInterval != 0 {
		c.Planning.CheckInterval = p.CheckInterval
	}

	// Dispatch
	if other.Dispatch.WebhookURL != "" {
		c.Dispatch.WebhookURL = other.Dispatch.WebhookURL
	}
	if other.Dispatch.Timeout != 0 {
		c.Dispatch.Timeout = other.Dispatch.Timeout
	}

	// Storage
	if other.Storage.Backend != "" {
		c.Storage.Backend = other.Storage.Backend
	}
	if other.Storage.Path != "" {
		c.Storage.Path = other.Storage.Path
	}
}
