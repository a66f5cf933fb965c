package llm

import "time"

// Message roles understood by every provider.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message for the LLM. The system prompt is
// carried on [ChatRequest], never as a message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	ID        string         `json:"id,omitempty"` // Provider-assigned; may be empty for Ollama
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDef describes a tool the model may call. Parameters is a JSON
// Schema object.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatRequest is the provider-neutral request for one completion.
type ChatRequest struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDef
	Temperature float32
	MaxTokens   int
}

// ChatResponse is the unified response from any LLM provider.
// All fields use proper Go types; wire format conversion happens
// at provider boundaries.
type ChatResponse struct {
	Model      string
	CreatedAt  time.Time
	Message    Message
	StopReason string

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	// Timing (populated when available)
	TotalDuration time.Duration
	LoadDuration  time.Duration
	EvalDuration  time.Duration
}

// defaultToolSchema is sent for tools registered without parameters.
func defaultToolSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func toolParams(t ToolDef) map[string]any {
	if t.Parameters == nil {
		return defaultToolSchema()
	}
	return t.Parameters
}
