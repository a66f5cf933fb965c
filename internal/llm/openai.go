package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/nugget/tally/internal/config"
	"github.com/nugget/tally/internal/httpkit"
)

// OpenAIOptions configures an [OpenAIClient].
type OpenAIOptions struct {
	APIKey  string
	BaseURL string // empty = api.openai.com

	// StripParams lists top-level request body fields removed before
	// the request is sent, for backends that reject them.
	StripParams []string

	// Timeout bounds the wait for response headers. Zero uses 120s.
	Timeout time.Duration
}

// OpenAIClient speaks the OpenAI chat completions API. Any compatible
// endpoint (vLLM, LM Studio, OpenRouter, Groq) works through BaseURL.
type OpenAIClient struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a new OpenAI-compatible client.
func NewOpenAIClient(opts OpenAIOptions, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = timeout

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	cfg.HTTPClient = httpkit.NewClient(
		// Rely on ctx deadlines; long tool-heavy prompts can be slow.
		httpkit.WithTimeout(0),
		httpkit.WithTransport(t),
		httpkit.WithStripJSONFields(opts.StripParams...),
		httpkit.WithLogger(logger),
	)

	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		logger: logger.With("provider", "openai"),
	}
}

// Provider implements [Client].
func (c *OpenAIClient) Provider() string { return "openai" }

// Chat implements [Client].
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	oreq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    convertToOpenAI(req.System, req.Messages),
		Tools:       convertToolsToOpenAI(req.Tools),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(oreq.Messages),
		"tools", len(oreq.Tools),
	)
	if c.logger.Enabled(ctx, config.LevelTrace) {
		if payload, err := json.Marshal(oreq); err == nil {
			c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(payload))
		}
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, oreq)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			c.logger.Error("API error", "status", apiErr.HTTPStatusCode, "message", apiErr.Message)
			return nil, fmt.Errorf("openai API error %d: %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai response contained no choices")
	}

	result := convertFromOpenAI(resp)
	result.TotalDuration = time.Since(start)

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
		"elapsed", result.TotalDuration,
	)
	c.logger.Log(ctx, config.LevelTrace, "response content", "content", result.Message.Content)

	return result, nil
}

// convertToOpenAI converts internal messages to OpenAI format, with the
// system prompt as the leading message.
func convertToOpenAI(system string, messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				raw, err := json.Marshal(args)
				if err != nil {
					raw = []byte("{}")
				}
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(raw),
					},
				})
			}
			out = append(out, m)

		case RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return out
}

// convertToolsToOpenAI converts tool definitions to OpenAI function tools.
func convertToolsToOpenAI(tools []ToolDef) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toolParams(t),
			},
		})
	}
	return out
}

// convertFromOpenAI converts the first choice of a response to our
// internal format. Arguments that are not valid JSON are kept under
// "_raw" so schema validation can report them.
func convertFromOpenAI(resp openai.ChatCompletionResponse) *ChatResponse {
	choice := resp.Choices[0]

	var calls []ToolCall
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if s := strings.TrimSpace(tc.Function.Arguments); s != "" {
			if err := json.Unmarshal([]byte(s), &args); err != nil {
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
		}
		calls = append(calls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	return &ChatResponse{
		Model:      resp.Model,
		CreatedAt:  time.Unix(resp.Created, 0).UTC(),
		StopReason: string(choice.FinishReason),
		Message: Message{
			Role:      RoleAssistant,
			Content:   choice.Message.Content,
			ToolCalls: calls,
		},
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
}
