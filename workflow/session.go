package workflow

import (
	"fmt"
	"strings"
	"time"
)

// PlanningSessionPrefix namespaces planning conversations on the agent runtime.
const PlanningSessionPrefix = "agent:planner:planning:"

// PlanningSessionKey returns the deterministic runtime session key for a
// task's planning conversation. The same task always maps to the same key.
func PlanningSessionKey(taskID string) string {
	return PlanningSessionPrefix + taskID
}

// TaskIDFromSessionKey reverses PlanningSessionKey.
func TaskIDFromSessionKey(key string) (string, bool) {
	if !strings.HasPrefix(key, PlanningSessionPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(key, PlanningSessionPrefix)
	return id, id != ""
}

// IdempotencyKey identifies one logical send for a planning turn. Resending
// the same turn yields the same key so the runtime can drop duplicates.
// Turns are told apart at nanosecond resolution.
func IdempotencyKey(taskID string, turn time.Time) string {
	return fmt.Sprintf("planning-%s-%d", taskID, turn.UnixNano())
}
