package taskapi

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface required for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the task-api component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "task-api",
		Factory:     NewComponent,
		Schema:      taskAPISchema,
		Type:        "processor",
		Protocol:    "http",
		Domain:      "semcontrol",
		Description: "Task lifecycle, agent status and planning conversations over HTTP",
		Version:     "0.1.0",
	})
}
