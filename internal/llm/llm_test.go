package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nugget/tally/internal/config"
)

var researchTool = ToolDef{
	Name:        "market_research",
	Description: "Research markets.",
	Parameters: map[string]any{
		"type":       "object",
		"properties": map[string]any{"query": map[string]any{"type": "string"}},
		"required":   []string{"query"},
	},
}

// transcript is a complete research cycle: question, tool request,
// tool result.
func transcript() []Message {
	return []Message{
		{Role: RoleUser, Content: "What are NVIDIA's tail risks?"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{
			ID: "call_1", Name: "market_research",
			Arguments: map[string]any{"query": "NVIDIA tail risks", "focus": "finance"},
		}}},
		{Role: RoleTool, ToolCallID: "call_1", Content: `{"answer":"export controls","citations":[]}`},
	}
}

func TestNew_SelectsProvider(t *testing.T) {
	tests := []struct {
		provider string
		want     string
		wantErr  bool
	}{
		{"openai", "openai", false},
		{"", "openai", false},
		{"anthropic", "anthropic", false},
		{"ollama", "ollama", false},
		{"bard", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			c, err := New(config.ReasoningConfig{Provider: tt.provider, APIKey: "k"}, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error: %v", err)
			}
			if c.Provider() != tt.want {
				t.Errorf("Provider() = %q, want %q", c.Provider(), tt.want)
			}
		})
	}
}

func TestOpenAIClient_Chat(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1760000000, "model": "gpt-4o",
			"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
				"role": "assistant", "content": "",
				"tool_calls": [
					{"id": "call_a", "type": "function", "function": {"name": "market_research", "arguments": "{\"query\":\"AMD guidance\",\"focus\":\"finance\"}"}},
					{"id": "call_b", "type": "function", "function": {"name": "market_research", "arguments": "not json"}}
				]
			}}],
			"usage": {"prompt_tokens": 120, "completion_tokens": 30, "total_tokens": 150}
		}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIOptions{
		APIKey:      "sk-test",
		BaseURL:     srv.URL + "/v1",
		StripParams: []string{"temperature"},
	}, nil)

	resp, err := c.Chat(context.Background(), ChatRequest{
		Model:       "gpt-4o",
		System:      "You are an analyst.",
		Messages:    transcript(),
		Tools:       []ToolDef{researchTool},
		Temperature: 0.2,
		MaxTokens:   512,
	})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}

	// Request shape.
	if _, ok := body["temperature"]; ok {
		t.Error("temperature should have been stripped from the request body")
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4 (system + 3)", len(msgs))
	}
	if first := msgs[0].(map[string]any); first["role"] != "system" {
		t.Errorf("first message role = %v, want system", first["role"])
	}
	if last := msgs[3].(map[string]any); last["role"] != "tool" || last["tool_call_id"] != "call_1" {
		t.Errorf("tool message = %v", last)
	}
	if tools, _ := body["tools"].([]any); len(tools) != 1 {
		t.Errorf("tools = %v", body["tools"])
	}

	// Response conversion.
	if resp.InputTokens != 120 || resp.OutputTokens != 30 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	calls := resp.Message.ToolCalls
	if len(calls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(calls))
	}
	if calls[0].ID != "call_a" || calls[0].Arguments["query"] != "AMD guidance" {
		t.Errorf("call[0] = %+v", calls[0])
	}
	if calls[1].Arguments["_raw"] != "not json" {
		t.Errorf("malformed arguments should be preserved under _raw: %+v", calls[1].Arguments)
	}
}

func TestOpenAIClient_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"api error", http.StatusUnauthorized, `{"error":{"message":"bad key","type":"invalid_request_error"}}`, "401"},
		{"no choices", http.StatusOK, `{"id":"x","choices":[]}`, "no choices"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := NewOpenAIClient(OpenAIOptions{APIKey: "k", BaseURL: srv.URL}, nil)
			_, err := c.Chat(context.Background(), ChatRequest{Model: "m", Messages: []Message{{Role: RoleUser, Content: "hi"}}})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestAnthropicClient_Chat(t *testing.T) {
	var req anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "ak" || r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Errorf("missing auth headers")
		}
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &req)
		io.WriteString(w, `{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-sonnet-4",
			"content": [{"type": "text", "text": "Export controls "}, {"type": "text", "text": "dominate."}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 200, "output_tokens": 12}
		}`)
	}))
	defer srv.Close()

	c := NewAnthropicClient("ak", srv.URL, 0, nil)
	resp, err := c.Chat(context.Background(), ChatRequest{
		Model:    "claude-sonnet-4",
		System:   "You are an analyst.",
		Messages: transcript(),
		Tools:    []ToolDef{researchTool},
	})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}

	if req.System != "You are an analyst." {
		t.Errorf("system = %q", req.System)
	}
	if req.MaxTokens != anthropicMaxTokens {
		t.Errorf("max_tokens = %d, want default %d", req.MaxTokens, anthropicMaxTokens)
	}
	if len(req.Messages) != 3 || req.Messages[2].Role != "user" {
		t.Errorf("messages = %+v", req.Messages)
	}
	if resp.Message.Content != "Export controls dominate." || resp.StopReason != "end_turn" {
		t.Errorf("response = %+v", resp)
	}
	if len(resp.Message.ToolCalls) != 0 {
		t.Error("text-only response should carry no tool calls")
	}
}

func TestConvertToAnthropic_GroupsToolResults(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: "Compare AMD and Intel"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{
			{ID: "t1", Name: "market_research", Arguments: map[string]any{"query": "AMD"}},
			{ID: "t2", Name: "market_research"},
		}},
		{Role: RoleTool, ToolCallID: "t1", Content: "amd"},
		{Role: RoleTool, ToolCallID: "t2", Content: "intel"},
	}

	got := convertToAnthropic(msgs)
	if len(got) != 3 {
		t.Fatalf("messages = %d, want 3", len(got))
	}
	blocks, ok := got[2].Content.([]anthropicContent)
	if !ok || len(blocks) != 2 {
		t.Fatalf("tool results should share one user message: %+v", got[2])
	}
	if blocks[0].ToolUseID != "t1" || blocks[1].ToolUseID != "t2" {
		t.Errorf("tool_result order = %s, %s", blocks[0].ToolUseID, blocks[1].ToolUseID)
	}
	uses := got[1].Content.([]anthropicContent)
	if uses[1].Input == nil {
		t.Error("nil arguments should be sent as an empty object")
	}
}

func TestConvertFromAnthropic_ToolUse(t *testing.T) {
	resp := convertFromAnthropic(&anthropicResponse{
		Model: "claude",
		Content: []anthropicContent{
			{Type: "text", Text: "Let me look that up."},
			{Type: "tool_use", ID: "toolu_1", Name: "market_research", Input: map[string]any{"query": "NVDA"}},
		},
		StopReason: "tool_use",
	})
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(resp.Message.ToolCalls))
	}
	if tc := resp.Message.ToolCalls[0]; tc.ID != "toolu_1" || tc.Arguments["query"] != "NVDA" {
		t.Errorf("tool call = %+v", tc)
	}
}

func TestOllamaClient_Chat(t *testing.T) {
	var req ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&req)
		io.WriteString(w, `{
			"model": "qwen3:14b",
			"created_at": "2026-10-19T15:00:00.123456789Z",
			"message": {"role": "assistant", "content": "<tool_call>{\"name\": \"market_research\", \"arguments\": {\"query\": \"oil\"}}</tool_call>"},
			"done": true,
			"prompt_eval_count": 42,
			"eval_count": 15,
			"eval_duration": 600000000
		}`)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, 0, nil)
	resp, err := c.Chat(context.Background(), ChatRequest{
		Model:       "qwen3:14b",
		System:      "sys",
		Messages:    transcript(),
		Tools:       []ToolDef{researchTool},
		Temperature: 0.3,
	})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}

	if req.Stream {
		t.Error("request should not stream")
	}
	if len(req.Messages) != 4 || req.Messages[0].Role != "system" {
		t.Fatalf("messages = %+v", req.Messages)
	}
	if req.Messages[3].ToolName != "market_research" {
		t.Errorf("tool result tool_name = %q, want market_research", req.Messages[3].ToolName)
	}
	if req.Options == nil || req.Options.Temperature != 0.3 {
		t.Errorf("options = %+v", req.Options)
	}

	if resp.InputTokens != 42 || resp.OutputTokens != 15 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if resp.CreatedAt.Year() != 2026 {
		t.Errorf("CreatedAt = %v", resp.CreatedAt)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.Content != "" {
		t.Errorf("text tool call should be parsed out of content: %+v", resp.Message)
	}
}
