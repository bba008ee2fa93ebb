// Package workflow defines the task and agent domain model for semcontrol:
// task and agent records, the planning transcript, the activity event log,
// the typed error taxonomy, and the NATS subjects used for notifications
// and dispatch.
//
// Mutation rules live in the subpackages:
//
//   - lifecycle owns task status, task assignment and agent status
//   - planning owns the planning_* fields of a task
//   - dispatch delivers advisory dispatch notifications
package workflow
