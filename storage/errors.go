package storage

import (
	"errors"

	"github.com/google/uuid"
)

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when creating an entity whose ID is taken.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrConcurrentUpdate is returned when a record changed between read and write.
	ErrConcurrentUpdate = errors.New("entity modified concurrently")
)

// NewTaskID generates a task identifier.
func NewTaskID() string {
	return "task-" + uuid.New().String()
}

// NewAgentID generates an agent identifier.
func NewAgentID() string {
	return "agent-" + uuid.New().String()
}
