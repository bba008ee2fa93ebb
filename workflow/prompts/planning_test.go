package prompts

import (
	"strings"
	"testing"
)

func TestPlanningStartPrompt(t *testing.T) {
	prompt := PlanningStartPrompt(PlanningTask{
		Title:       "Launch blog",
		Description: "Company engineering blog",
		Priority:    "high",
	})

	for _, want := range []string{
		"Launch blog",
		"Company engineering blog",
		"**Priority:** high",
		`"question"`,
		`"status": "complete"`,
		`"id": "other"`,
		`"execution_plan"`,
		"3 to 5 questions",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("start prompt missing %q", want)
		}
	}
}

func TestPlanningStartPrompt_OmitsEmptyFields(t *testing.T) {
	prompt := PlanningStartPrompt(PlanningTask{Title: "Only title"})
	if strings.Contains(prompt, "**Description:**") {
		t.Error("empty description should be omitted")
	}
	if strings.Contains(prompt, "**Priority:**") {
		t.Error("empty priority should be omitted")
	}
}

func TestPlanningAnswerPrompt(t *testing.T) {
	prompt := PlanningAnswerPrompt("Mostly developers")
	if !strings.HasPrefix(prompt, "User's answer: Mostly developers") {
		t.Errorf("unexpected prefix: %q", prompt[:40])
	}
	if !strings.Contains(prompt, `"status": "complete"`) {
		t.Error("answer prompt must restate the completion format")
	}
	if !strings.Contains(prompt, "3 to 5 questions") {
		t.Error("answer prompt must restate the question budget")
	}
}

func TestPlanningFormatReminder(t *testing.T) {
	if !strings.Contains(PlanningFormatReminder(), `"question"`) {
		t.Error("reminder must restate the question format")
	}
}
