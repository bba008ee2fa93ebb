package gateway

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/c360studio/semcontrol/workflow"
)

// ErrNoReply means the session has no assistant reply yet for the latest
// user turn. Strategies return it while a reply is still pending.
var ErrNoReply = errors.New("no assistant reply yet")

// Turn is a normalized transcript entry.
type Turn struct {
	Role string
	Text string
}

// Reply is the latest assistant turn together with the turn counts it was
// judged against.
type Reply struct {
	Text           string
	UserTurns      int
	AssistantTurns int
	Source         string
}

// contentBlock is one element of a content-block list.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ExtractText returns the text carried by a message content payload. The
// payload is either a JSON string or a list of content blocks, in which case
// the first block of type "text" is used. Anything else yields "".
func ExtractText(content json.RawMessage) string {
	trimmed := strings.TrimSpace(string(content))
	if trimmed == "" || trimmed == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}

	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		for _, b := range blocks {
			if b.Type == "text" {
				return b.Text
			}
		}
	}
	return ""
}

// latestReply applies the acceptance rule shared by every strategy: the
// newest assistant turn counts as the reply only once assistant turns have
// caught up with user turns and no user turn follows it. The second check
// matters for windows truncated by a history limit, whose counts can look
// balanced while the newest turn is still unanswered.
func latestReply(turns []Turn, source string) (Reply, error) {
	var (
		users, assistants int
		last              string
		lastRole          workflow.Role
	)
	for _, t := range turns {
		switch role := workflow.Role(t.Role); role {
		case workflow.RoleUser:
			users++
			lastRole = role
		case workflow.RoleAssistant:
			assistants++
			last = t.Text
			lastRole = role
		}
	}
	if assistants == 0 || assistants < users || lastRole != workflow.RoleAssistant {
		return Reply{UserTurns: users, AssistantTurns: assistants, Source: source}, ErrNoReply
	}
	return Reply{
		Text:           last,
		UserTurns:      users,
		AssistantTurns: assistants,
		Source:         source,
	}, nil
}

func transportError(message string, err error) error {
	return workflow.NewTransportError(message, err)
}
