package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/tally/internal/conversation"
	"github.com/nugget/tally/internal/llm"
	"github.com/nugget/tally/internal/textnorm"
	"github.com/nugget/tally/internal/tools"
)

// Output is the result of one reasoning call: exactly one of [Answer]
// or [ToolRequests].
type Output interface {
	tokens() Usage
}

// Usage counts the tokens spent on reasoning calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *Usage) add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
}

// Answer is a terminal reply.
type Answer struct {
	Text  string
	Usage Usage
}

// ToolRequests asks for one or more tool invocations. Requests is never
// empty.
type ToolRequests struct {
	Requests []conversation.ToolRequest
	Usage    Usage
}

func (a Answer) tokens() Usage       { return a.Usage }
func (t ToolRequests) tokens() Usage { return t.Usage }

// turnFor returns the assistant turn that records o in the conversation.
func turnFor(o Output) conversation.Turn {
	switch v := o.(type) {
	case ToolRequests:
		return conversation.AssistantRequests("", v.Requests)
	case Answer:
		return conversation.Assistant(v.Text)
	}
	panic("agent: unknown output type")
}

// Reasoner decides the next step of a conversation.
type Reasoner interface {
	Respond(ctx context.Context, systemPrompt string, transcript []conversation.Turn, descriptors []tools.Descriptor) (Output, error)
}

// LLMReasoner implements [Reasoner] on top of an [llm.Client] with a
// fixed model and sampling configuration.
type LLMReasoner struct {
	client      llm.Client
	model       string
	temperature float32
	maxTokens   int
	logger      *slog.Logger
}

// NewLLMReasoner creates a reasoner bound to one model.
func NewLLMReasoner(client llm.Client, model string, temperature float32, maxTokens int, logger *slog.Logger) *LLMReasoner {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMReasoner{
		client:      client,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		logger:      logger.With("component", "reasoner"),
	}
}

// Respond implements [Reasoner].
func (r *LLMReasoner) Respond(ctx context.Context, systemPrompt string, transcript []conversation.Turn, descriptors []tools.Descriptor) (Output, error) {
	start := time.Now()
	resp, err := r.client.Chat(ctx, llm.ChatRequest{
		Model:       r.model,
		System:      systemPrompt,
		Messages:    toMessages(transcript),
		Tools:       toToolDefs(descriptors),
		Temperature: r.temperature,
		MaxTokens:   r.maxTokens,
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debug("reasoning call complete",
		"provider", r.client.Provider(),
		"model", resp.Model,
		"tool_calls", len(resp.Message.ToolCalls),
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"elapsed", time.Since(start),
	)

	usage := Usage{InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens}
	if len(resp.Message.ToolCalls) > 0 {
		if resp.Message.Content != "" {
			r.logger.Debug("dropping text that accompanied tool calls", "content_len", len(resp.Message.Content))
		}
		return ToolRequests{Requests: toRequests(resp.Message.ToolCalls), Usage: usage}, nil
	}

	text := textnorm.Labels(resp.Message.Content)
	if text == "" {
		return nil, ErrEmptyResponse
	}
	return Answer{Text: text, Usage: usage}, nil
}

// toMessages converts stored turns into provider messages. Status
// turns are skipped: they sit between a tool request and its results,
// where providers accept nothing but tool messages.
func toMessages(turns []conversation.Turn) []llm.Message {
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		if t.Status {
			continue
		}
		switch t.Role {
		case conversation.RoleHuman:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: t.Content})
		case conversation.RoleAssistant:
			m := llm.Message{Role: llm.RoleAssistant, Content: t.Content}
			for _, req := range t.ToolRequests {
				m.ToolCalls = append(m.ToolCalls, llm.ToolCall{
					ID:        req.ID,
					Name:      req.Name,
					Arguments: req.Arguments,
				})
			}
			out = append(out, m)
		case conversation.RoleTool:
			out = append(out, llm.Message{Role: llm.RoleTool, Content: t.Content, ToolCallID: t.ToolCallID})
		}
	}
	return out
}

func toToolDefs(descriptors []tools.Descriptor) []llm.ToolDef {
	if len(descriptors) == 0 {
		return nil
	}
	out := make([]llm.ToolDef, len(descriptors))
	for i, d := range descriptors {
		out[i] = llm.ToolDef{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return out
}

// toRequests converts provider tool calls to requests. Missing or
// repeated ids are replaced so every id is unique within the turn.
func toRequests(calls []llm.ToolCall) []conversation.ToolRequest {
	seen := make(map[string]bool, len(calls))
	out := make([]conversation.ToolRequest, 0, len(calls))
	for _, c := range calls {
		id := c.ID
		if id == "" || seen[id] {
			id = "call_" + uuid.NewString()
		}
		seen[id] = true
		out = append(out, conversation.ToolRequest{ID: id, Name: c.Name, Arguments: c.Arguments})
	}
	return out
}
