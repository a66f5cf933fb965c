// Package conversation holds the per-session turn log and iteration
// counter that the control loop reads and appends to.
//
// Turns are values. Once appended they are never edited, reordered or
// removed; the only way to change a session's history is to append to
// it. Readers always receive copies.
package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a turn.
type Role string

// Turn roles.
const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleHuman, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ToolRequest is one tool invocation asked for by an assistant turn.
type ToolRequest struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Turn is one entry in a session's history.
type Turn struct {
	ID        uuid.UUID `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// ToolRequests is set on assistant turns that ask for tool calls.
	ToolRequests []ToolRequest `json:"tool_requests,omitempty"`

	// ToolCallID, ToolName and IsError are set on tool turns.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`

	// Status marks cosmetic progress turns injected by the loop. They
	// are part of the audit trail but are not replayed to the model.
	Status bool `json:"status,omitempty"`
}

func newTurn(role Role, content string) Turn {
	return Turn{
		ID:        newID(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

func newID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// Human returns a user input turn.
func Human(content string) Turn {
	return newTurn(RoleHuman, content)
}

// Assistant returns a terminal assistant turn carrying answer text.
func Assistant(content string) Turn {
	return newTurn(RoleAssistant, content)
}

// AssistantRequests returns an assistant turn asking for tool calls.
// The request slice is copied.
func AssistantRequests(content string, reqs []ToolRequest) Turn {
	t := newTurn(RoleAssistant, content)
	t.ToolRequests = append([]ToolRequest(nil), reqs...)
	return t
}

// ToolResult returns the tool turn that answers callID.
func ToolResult(callID, toolName, content string, isError bool) Turn {
	t := newTurn(RoleTool, content)
	t.ToolCallID = callID
	t.ToolName = toolName
	t.IsError = isError
	return t
}

// Status returns a cosmetic progress turn.
func Status(content string) Turn {
	t := newTurn(RoleAssistant, content)
	t.Status = true
	return t
}

// HasToolRequests reports whether t is an assistant turn asking for tools.
func (t Turn) HasToolRequests() bool {
	return t.Role == RoleAssistant && len(t.ToolRequests) > 0
}

// LatestHumanQuery returns the content of the most recent human turn,
// or "" if there is none. It scans from the end, so assistant or tool
// turns appended after the human turn do not hide it.
func LatestHumanQuery(turns []Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == RoleHuman {
			return turns[i].Content
		}
	}
	return ""
}

// Merge concatenates partial updates in emission order. Nothing is
// replaced or deduplicated.
func Merge(base []Turn, updates ...[]Turn) []Turn {
	n := len(base)
	for _, u := range updates {
		n += len(u)
	}
	out := make([]Turn, 0, n)
	out = append(out, base...)
	for _, u := range updates {
		out = append(out, u...)
	}
	return out
}

// pendingCalls returns the tool call IDs requested by assistant turns
// that no tool turn has answered yet.
func pendingCalls(turns []Turn) map[string]struct{} {
	pending := make(map[string]struct{})
	for _, t := range turns {
		switch {
		case t.HasToolRequests():
			for _, r := range t.ToolRequests {
				pending[r.ID] = struct{}{}
			}
		case t.Role == RoleTool:
			delete(pending, t.ToolCallID)
		}
	}
	return pending
}

// settled returns the longest prefix of turns in which every tool
// request has been answered. A session captured mid-run ends with an
// assistant request whose results were never appended; replaying that
// to a provider fails, so the unanswered tail is cut.
func settled(turns []Turn) []Turn {
	pending := make(map[string]struct{})
	end := 0
	for i, t := range turns {
		switch {
		case t.HasToolRequests():
			for _, r := range t.ToolRequests {
				pending[r.ID] = struct{}{}
			}
		case t.Role == RoleTool:
			delete(pending, t.ToolCallID)
		}
		if len(pending) == 0 {
			end = i + 1
		}
	}
	return turns[:end]
}
