package planning

import (
	"encoding/json"

	"github.com/c360studio/semcontrol/workflow"
)

// Outcome classifies one planning reply.
type Outcome string

const (
	// OutcomeQuestion is a clarifying question for the user.
	OutcomeQuestion Outcome = "question"
	// OutcomeComplete ends planning with a spec.
	OutcomeComplete Outcome = "complete"
	// OutcomeUnparsed is a reply in neither shape. The caller decides
	// whether to Retry or Cancel.
	OutcomeUnparsed Outcome = "unparsed"
)

// QuestionOption is one choice offered by the agent.
type QuestionOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Question is the typed view of a question reply.
type Question struct {
	Question string           `json:"question"`
	Options  []QuestionOption `json:"options,omitempty"`
}

// Result is the outcome of one planning round.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Round   int     `json:"round"`

	// Question is set for OutcomeQuestion.
	Question *Question `json:"question,omitempty"`

	// Payload is the object extracted from the reply, unmodified. Nil when
	// nothing could be extracted.
	Payload map[string]any `json:"payload,omitempty"`

	// Reply is the raw reply text.
	Reply string `json:"reply"`

	Task *workflow.Task `json:"task,omitempty"`

	completion *completion
}

// Transcript is a read-only view of a task's planning state.
type Transcript struct {
	TaskID        string                     `json:"task_id"`
	SessionKey    string                     `json:"session_key,omitempty"`
	Status        workflow.TaskStatus        `json:"status"`
	Messages      []workflow.PlanningMessage `json:"messages"`
	Rounds        int                        `json:"rounds"`
	MaxRounds     int                        `json:"max_rounds"`
	AwaitingReply bool                       `json:"awaiting_reply"`
	Complete      bool                       `json:"complete"`
	Spec          json.RawMessage            `json:"spec,omitempty"`
	Agents        []workflow.PlannedAgent    `json:"agents,omitempty"`
	ExecutionPlan json.RawMessage            `json:"execution_plan,omitempty"`
}
