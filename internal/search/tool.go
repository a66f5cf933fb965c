package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nugget/tally/internal/tools"
)

// ToolName is the registered name of the research tool.
const ToolName = "market_research"

// Researcher is the part of [Client] the tool depends on.
type Researcher interface {
	Research(ctx context.Context, query string, focus Focus) (*Answer, error)
}

// ToolDefinition returns the JSON Schema parameters for the
// market_research tool.
func ToolDefinition() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "What to research, in plain language. Name companies and tickers explicitly.",
			},
			"focus": map[string]any{
				"type":        "string",
				"enum":        []string{string(FocusFinance), string(FocusNews), string(FocusGeneral)},
				"default":     string(FocusFinance),
				"description": "finance for figures and fundamentals, news for recent events, general for anything else.",
			},
		},
		"required": []string{"query"},
	}
}

// ToolHandler returns a function compatible with the tools.Tool Handler
// signature. The result is the JSON encoding of an [Answer].
func ToolHandler(r Researcher) tools.Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		query, _ := args["query"].(string)
		query = strings.TrimSpace(query)
		if query == "" {
			return "", fmt.Errorf("%s: query is required", ToolName)
		}

		focus := FocusFinance
		if f, ok := args["focus"].(string); ok && f != "" {
			focus = Focus(f)
		}

		ans, err := r.Research(ctx, query, focus)
		if err != nil {
			return "", err
		}

		out, err := json.Marshal(ans)
		if err != nil {
			return "", fmt.Errorf("%s: encode answer: %w", ToolName, err)
		}
		return string(out), nil
	}
}

// Tool builds the market_research tool for registration.
func Tool(r Researcher) *tools.Tool {
	return &tools.Tool{
		Name: ToolName,
		Description: "Research live market data and news. Use it for prices, fundamentals, " +
			"earnings, analyst views, risks and recent events for companies, sectors and markets. " +
			"Returns an answer with citation URLs.",
		Parameters: ToolDefinition(),
		Handler:    ToolHandler(r),
	}
}
