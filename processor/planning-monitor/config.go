package planningmonitor

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semcontrol/storage"
	"github.com/c360studio/semstreams/component"
)

// monitorSchema defines the configuration schema.
var monitorSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the planning-monitor component.
type Config struct {
	// CheckInterval is how often to scan active planning sessions.
	CheckInterval string `json:"check_interval,omitempty" schema:"type:string,description:Scan interval,category:basic,default:1m"`

	// StaleAfter is how long a session may wait on the agent before it is flagged.
	StaleAfter string `json:"stale_after,omitempty" schema:"type:string,description:Stale threshold,category:basic,default:10m"`

	// StorageBackend must name the same store the task-api uses.
	StorageBackend string `json:"storage_backend,omitempty" schema:"type:string,description:Persistence backend (kv sqlite),category:basic,default:kv"`

	// StoragePath is the SQLite database file.
	StoragePath string `json:"storage_path,omitempty" schema:"type:string,description:SQLite database path,category:basic,default:"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		CheckInterval:  "1m",
		StaleAfter:     "10m",
		StorageBackend: storage.BackendKV,
		Ports: &component.PortConfig{
			Outputs: []component.PortDefinition{
				{
					Name:        "stale-events",
					Type:        "nats",
					Subject:     "semcontrol.events.planning_stale",
					Description: "Publish stale planning notifications",
					Required:    false,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if d, err := time.ParseDuration(c.CheckInterval); err != nil || d <= 0 {
		return fmt.Errorf("check_interval must be a positive duration (got %q)", c.CheckInterval)
	}
	if d, err := time.ParseDuration(c.StaleAfter); err != nil || d <= 0 {
		return fmt.Errorf("stale_after must be a positive duration (got %q)", c.StaleAfter)
	}
	switch c.StorageBackend {
	case storage.BackendKV, storage.BackendMemory:
	case storage.BackendSQLite:
		if c.StoragePath == "" {
			return fmt.Errorf("storage_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown storage_backend %q", c.StorageBackend)
	}
	return nil
}

func (c *Config) checkInterval() time.Duration {
	d, _ := time.ParseDuration(c.CheckInterval)
	return d
}

func (c *Config) staleAfter() time.Duration {
	d, _ := time.ParseDuration(c.StaleAfter)
	return d
}
