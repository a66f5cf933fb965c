// Package search provides the market research backend and the
// market_research tool that wraps it.
//
// The backend is any OpenAI-compatible chat completions endpoint that
// grounds its answers in live web results and reports the sources in a
// top-level "citations" array, as Perplexity's Sonar models do.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/tally/internal/config"
	"github.com/nugget/tally/internal/httpkit"
	"github.com/nugget/tally/internal/prompts"
	"github.com/nugget/tally/internal/textnorm"
)

// ErrMissingAPIKey is returned by [Client.Research] when no API key is
// configured.
var ErrMissingAPIKey = errors.New("research: missing API key")

// Focus selects the instruction preamble sent to the backend.
type Focus string

// Research focus categories.
const (
	FocusFinance Focus = prompts.FocusFinance
	FocusNews    Focus = prompts.FocusNews
	FocusGeneral Focus = prompts.FocusGeneral
)

// Valid reports whether f is a known focus.
func (f Focus) Valid() bool {
	switch f {
	case FocusFinance, FocusNews, FocusGeneral:
		return true
	}
	return false
}

// Answer is the backend's reply to one query.
type Answer struct {
	Text      string   `json:"answer"`
	Citations []string `json:"citations"`
}

// Client calls the research backend.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a research client from configuration.
func NewClient(cfg config.ResearchConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	// The backend searches before it answers, so the first response
	// byte can take as long as the whole request.
	transport := httpkit.NewTransport()
	transport.ResponseHeaderTimeout = timeout

	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithTransport(transport),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger.With("component", "research"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Citations []string `json:"citations"`
}

// Research runs one query against the backend. It makes exactly one
// request and does not retry on HTTP errors.
func (c *Client) Research(ctx context.Context, query string, focus Focus) (*Answer, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if !focus.Valid() {
		focus = FocusGeneral
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompts.ResearchPreamble(string(focus))},
			{Role: "user", Content: query},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("research: marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "research request", "body", string(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("research: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("research: request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("research: HTTP %d %s: %s",
			resp.StatusCode, http.StatusText(resp.StatusCode), strings.TrimSpace(excerpt))
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("research: decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, errors.New("research: response contained no choices")
	}

	ans := &Answer{
		Text:      textnorm.Labels(cr.Choices[0].Message.Content),
		Citations: cr.Citations,
	}
	if ans.Citations == nil {
		ans.Citations = []string{}
	}

	c.logger.Debug("research complete",
		"focus", focus,
		"answer_len", len(ans.Text),
		"citations", len(ans.Citations),
		"elapsed", time.Since(start),
	)
	return ans, nil
}
