package search

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/nugget/tally/internal/conversation"
	"github.com/nugget/tally/internal/tools"
)

type mockResearcher struct {
	gotQuery string
	gotFocus Focus
	answer   *Answer
	err      error
}

func (m *mockResearcher) Research(_ context.Context, query string, focus Focus) (*Answer, error) {
	m.gotQuery = query
	m.gotFocus = focus
	return m.answer, m.err
}

func TestToolHandler(t *testing.T) {
	tests := []struct {
		name      string
		args      map[string]any
		wantFocus Focus
	}{
		{"explicit focus", map[string]any{"query": "oil prices", "focus": "news"}, FocusNews},
		{"default focus", map[string]any{"query": "NVDA valuation"}, FocusFinance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockResearcher{answer: &Answer{Text: "answer", Citations: []string{"https://example.com"}}}
			out, err := ToolHandler(m)(context.Background(), tt.args)
			if err != nil {
				t.Fatalf("handler error: %v", err)
			}
			if m.gotFocus != tt.wantFocus {
				t.Errorf("focus = %q, want %q", m.gotFocus, tt.wantFocus)
			}

			var got map[string]any
			if err := json.Unmarshal([]byte(out), &got); err != nil {
				t.Fatalf("output is not JSON: %v", err)
			}
			if got["answer"] != "answer" {
				t.Errorf("answer = %v", got["answer"])
			}
			if cites, ok := got["citations"].([]any); !ok || len(cites) != 1 {
				t.Errorf("citations = %v", got["citations"])
			}
		})
	}
}

func TestToolHandler_PropagatesError(t *testing.T) {
	m := &mockResearcher{err: ErrMissingAPIKey}
	_, err := ToolHandler(m)(context.Background(), map[string]any{"query": "x"})
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("err = %v, want ErrMissingAPIKey", err)
	}
}

func TestTool_ThroughRegistry(t *testing.T) {
	reg := tools.NewRegistry(nil)
	m := &mockResearcher{err: ErrMissingAPIKey}
	if err := reg.Register(Tool(m)); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	// Schema rejects a bad focus before the backend is touched.
	res := reg.Dispatch(context.Background(), conversation.ToolRequest{
		ID: "c1", Name: ToolName, Arguments: map[string]any{"query": "x", "focus": "crypto"},
	})
	if res.OK || m.gotQuery != "" {
		t.Errorf("invalid focus should fail validation without a backend call: %+v", res)
	}

	// A backend failure becomes an error result, not a crash.
	res = reg.Dispatch(context.Background(), conversation.ToolRequest{
		ID: "c2", Name: ToolName, Arguments: map[string]any{"query": "NVIDIA tail risks", "focus": "finance"},
	})
	if res.OK {
		t.Fatal("expected error result")
	}
	if !strings.Contains(res.Err, "missing API key") {
		t.Errorf("Err = %q", res.Err)
	}
}
