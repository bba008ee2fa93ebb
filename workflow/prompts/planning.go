// Package prompts builds the messages sent to the planning agent.
package prompts

import (
	"fmt"
	"strings"
)

// PlanningTask is the task context embedded in the opening prompt.
type PlanningTask struct {
	Title       string
	Description string
	Priority    string
}

// questionBudget is the number of questions the agent is asked to stay within.
const questionBudget = "Ask 3 to 5 questions in total"

// outputFormats describes the two reply shapes the planning engine accepts.
// Every planning prompt repeats it so each round is self-contained.
const outputFormats = `## Output Format

Reply with exactly ONE JSON object and nothing else.

To ask a clarifying question:

` + "```json" + `
{
  "question": "One specific question",
  "options": [
    {"id": "a", "label": "First choice"},
    {"id": "b", "label": "Second choice"},
    {"id": "other", "label": "Other"}
  ]
}
` + "```" + `

When you have enough information:

` + "```json" + `
{
  "status": "complete",
  "spec": {
    "title": "Task title",
    "summary": "What will be delivered",
    "deliverables": ["..."],
    "success_criteria": ["..."],
    "constraints": ["..."]
  },
  "agents": [
    {"name": "Agent name", "role": "What it does", "avatar": "emoji", "soul_md": "Personality", "instructions": "Specific instructions"}
  ],
  "execution_plan": {
    "approach": "How the work is sequenced",
    "steps": ["..."]
  }
}
` + "```"

// PlanningStartPrompt returns the opening message of a planning conversation.
func PlanningStartPrompt(task PlanningTask) string {
	var sb strings.Builder
	sb.WriteString("PLANNING REQUEST\n\n")
	fmt.Fprintf(&sb, "**Task:** %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&sb, "**Description:** %s\n", task.Description)
	}
	if task.Priority != "" {
		fmt.Fprintf(&sb, "**Priority:** %s\n", task.Priority)
	}
	sb.WriteString(`
You are planning this task before it is assigned. Ask multiple-choice
questions, one at a time, until you understand the goal, scope, audience and
constraints. Keep questions short. Always include an "other" option so the
user can answer in their own words. `)
	sb.WriteString(questionBudget)
	sb.WriteString(`, then write the spec.

`)
	sb.WriteString(outputFormats)
	return sb.String()
}

// PlanningAnswerPrompt returns the message that carries the user's answer
// to the previous question.
func PlanningAnswerPrompt(answer string) string {
	return fmt.Sprintf(`User's answer: %s

Ask your next question, or finish the plan if you have enough information.
%s; once you have asked 5, finish the plan.

%s`, answer, questionBudget, outputFormats)
}

// PlanningFormatReminder is sent when the previous reply could not be
// interpreted.
func PlanningFormatReminder() string {
	return "Your previous reply could not be parsed. Respond again using one of the two JSON formats only.\n\n" +
		outputFormats
}
