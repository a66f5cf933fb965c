package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/nugget/tally/internal/config"
	"github.com/nugget/tally/internal/httpkit"
)

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, timeout time.Duration, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute // Large models with tools need time
	}

	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = timeout

	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", "ollama"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
			httpkit.WithRetry(2, 2*time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

// Ollama wire types

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float32 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"` // Ollama returns object, not string
	} `json:"function"`
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

// ollamaWireResponse is the JSON response from /api/chat. Durations
// are nanoseconds on the wire.
type ollamaWireResponse struct {
	Model              string        `json:"model"`
	CreatedAt          string        `json:"created_at"`
	Message            ollamaMessage `json:"message"`
	Done               bool          `json:"done"`
	DoneReason         string        `json:"done_reason,omitempty"`
	TotalDuration      int64         `json:"total_duration,omitempty"`
	LoadDuration       int64         `json:"load_duration,omitempty"`
	PromptEvalCount    int           `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64         `json:"prompt_eval_duration,omitempty"`
	EvalCount          int           `json:"eval_count,omitempty"`
	EvalDuration       int64         `json:"eval_duration,omitempty"`
}

func (w *ollamaWireResponse) toChatResponse() *ChatResponse {
	created, _ := time.Parse(time.RFC3339Nano, w.CreatedAt)

	var calls []ToolCall
	for _, tc := range w.Message.ToolCalls {
		calls = append(calls, ToolCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}

	return &ChatResponse{
		Model:      w.Model,
		CreatedAt:  created,
		StopReason: w.DoneReason,
		Message: Message{
			Role:      RoleAssistant,
			Content:   w.Message.Content,
			ToolCalls: calls,
		},
		InputTokens:   w.PromptEvalCount,
		OutputTokens:  w.EvalCount,
		TotalDuration: time.Duration(w.TotalDuration),
		LoadDuration:  time.Duration(w.LoadDuration),
		EvalDuration:  time.Duration(w.EvalDuration),
	}
}

// Provider implements [Client].
func (c *OllamaClient) Provider() string { return "ollama" }

// Chat implements [Client].
func (c *OllamaClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	or := ollamaRequest{
		Model:    req.Model,
		Messages: convertToOllama(req.System, req.Messages),
		Tools:    convertToolsToOllama(req.Tools),
	}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		or.Options = &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}

	jsonData, err := json.Marshal(or)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, body)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var wire ollamaWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	result := wire.toChatResponse()

	// Many local models write tool calls into the content instead of
	// using the native tool_calls field.
	if len(result.Message.ToolCalls) == 0 && result.Message.Content != "" {
		if parsed := parseTextToolCalls(result.Message.Content, toolNames(req.Tools)); len(parsed) > 0 {
			c.logger.Debug("parsed text tool calls", "count", len(parsed))
			result.Message.ToolCalls = parsed
			result.Message.Content = ""
		}
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
		"eval", result.EvalDuration,
	)
	return result, nil
}

func convertToOllama(system string, messages []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, ollamaMessage{Role: "system", Content: system})
	}

	// Ollama correlates tool results by name, not id.
	names := make(map[string]string)
	for _, msg := range messages {
		m := ollamaMessage{Role: msg.Role, Content: msg.Content}
		switch msg.Role {
		case RoleAssistant:
			for _, tc := range msg.ToolCalls {
				var otc ollamaToolCall
				otc.Function.Name = tc.Name
				otc.Function.Arguments = tc.Arguments
				m.ToolCalls = append(m.ToolCalls, otc)
				if tc.ID != "" {
					names[tc.ID] = tc.Name
				}
			}
		case RoleTool:
			m.ToolName = names[msg.ToolCallID]
		default:
			m.Role = RoleUser
		}
		out = append(out, m)
	}
	return out
}

func convertToolsToOllama(tools []ToolDef) []ollamaTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]ollamaTool, 0, len(tools))
	for _, t := range tools {
		var ot ollamaTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = toolParams(t)
		out = append(out, ot)
	}
	return out
}

type textToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// parseTextToolCalls attempts to extract tool calls from content text.
// It handles these formats:
//   - Raw JSON object: {"name": "...", "arguments": {...}}
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - Concatenated objects, optionally followed by prose: {...}{...} text
//   - Tagged: <tool_call>...</tool_call>
//   - Name prefix: tool_name {"arg": "value"}
//
// When validTools is non-empty, calls naming any other tool are dropped.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	valid := func(name string) bool {
		return name != "" && (len(validTools) == 0 || slices.Contains(validTools, name))
	}
	build := func(raw []textToolCall) []ToolCall {
		var out []ToolCall
		for _, c := range raw {
			if !valid(c.Name) {
				continue
			}
			args := c.Arguments
			if args == nil {
				args = map[string]any{}
			}
			out = append(out, ToolCall{Name: c.Name, Arguments: args})
		}
		return out
	}

	switch content[0] {
	case '[':
		var calls []textToolCall
		if err := json.Unmarshal([]byte(content), &calls); err == nil {
			return build(calls)
		}
		return nil

	case '{':
		// One or more concatenated objects. Stop at the first thing
		// that is not a tool call object.
		dec := json.NewDecoder(strings.NewReader(content))
		var calls []textToolCall
		for {
			var c textToolCall
			if err := dec.Decode(&c); err != nil {
				if !errors.Is(err, io.EOF) && len(calls) == 0 {
					return nil
				}
				break
			}
			if c.Name == "" {
				break
			}
			calls = append(calls, c)
		}
		return build(calls)
	}

	// "tool_name {json}" requires a known tool name.
	name, rest, ok := strings.Cut(content, " ")
	if !ok || len(validTools) == 0 || !valid(name) {
		return nil
	}
	rest = strings.TrimSpace(rest)
	if !strings.HasPrefix(rest, "{") {
		return nil
	}
	var args map[string]any
	if err := json.NewDecoder(strings.NewReader(rest)).Decode(&args); err != nil {
		return nil
	}
	return []ToolCall{{Name: name, Arguments: args}}
}
