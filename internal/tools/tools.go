// Package tools defines the tools available to the agent.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/iter"
	"github.com/xeipuuv/gojsonschema"

	"github.com/nugget/tally/internal/conversation"
)

// Handler executes a tool with arguments that have already passed
// schema validation.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Descriptor is the read-only view of a tool handed to the reasoning
// backend.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Result is the outcome of one dispatched tool request. Exactly one of
// Content (OK) or Err (!OK) carries the payload.
type Result struct {
	CallID  string        `json:"call_id"`
	Name    string        `json:"name"`
	OK      bool          `json:"ok"`
	Content string        `json:"content,omitempty"`
	Err     string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// Text returns the payload recorded in the conversation for r.
func (r Result) Text() string {
	if r.OK {
		return r.Content
	}
	return "Error: " + r.Err
}

// Turn converts r into the tool turn that answers its request.
func (r Result) Turn() conversation.Turn {
	return conversation.ToolResult(r.CallID, r.Name, r.Text(), !r.OK)
}

type entry struct {
	tool   *Tool
	schema *gojsonschema.Schema
}

// Registry holds available tools. Tools are registered at start-up and
// never mutated afterwards.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*entry
	parallel bool
	logger   *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*entry),
		logger: logger,
	}
}

// SetParallel controls whether [Registry.DispatchAll] runs a batch of
// requests concurrently. Results are returned in request order either
// way.
func (r *Registry) SetParallel(parallel bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parallel = parallel
}

// Register adds a tool to the registry. The parameter schema is
// compiled once here; a tool with an invalid schema, a missing handler,
// or a duplicate name is rejected.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return errors.New("register tool: empty name")
	}
	if t.Handler == nil {
		return fmt.Errorf("register tool %s: nil handler", t.Name)
	}

	params := t.Parameters
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(params))
	if err != nil {
		return fmt.Errorf("register tool %s: compile schema: %w", t.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name]; dup {
		return fmt.Errorf("register tool %s: already registered", t.Name)
	}
	r.tools[t.Name] = &entry{tool: t, schema: schema}
	return nil
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.tools[name]; ok {
		return e.tool
	}
	return nil
}

// Descriptors returns every registered tool sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, Descriptor{
			Name:        e.tool.Name,
			Description: e.tool.Description,
			Parameters:  e.tool.Parameters,
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch resolves one tool request into a [Result]. It never returns
// an error and never panics: unknown tools, schema violations, handler
// errors and handler panics all become error results.
func (r *Registry) Dispatch(ctx context.Context, req conversation.ToolRequest) Result {
	start := time.Now()
	res := Result{CallID: req.ID, Name: req.Name}

	content, err := r.execute(ctx, req)
	res.Elapsed = time.Since(start)
	if err != nil {
		res.Err = err.Error()
		r.logger.Warn("tool call failed",
			"tool", req.Name, "call_id", req.ID, "error", err, "elapsed", res.Elapsed)
		return res
	}

	res.OK = true
	res.Content = content
	r.logger.Debug("tool call complete",
		"tool", req.Name, "call_id", req.ID, "result_len", len(content), "elapsed", res.Elapsed)
	return res
}

func (r *Registry) execute(ctx context.Context, req conversation.ToolRequest) (content string, err error) {
	r.mu.RLock()
	e, ok := r.tools[req.Name]
	r.mu.RUnlock()
	if !ok {
		return "", &ErrToolUnavailable{ToolName: req.Name}
	}

	args := req.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if err := validateArgs(e, args); err != nil {
		return "", err
	}

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%s: %w", req.Name, err)
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool handler panicked",
				"tool", req.Name, "panic", p, "stack", string(debug.Stack()))
			content = ""
			err = fmt.Errorf("%s: internal error: %v", req.Name, p)
		}
	}()
	return e.tool.Handler(ctx, args)
}

// validateArgs checks args against the tool's compiled schema. Args
// arrive as decoded JSON; they are re-encoded so integer-valued floats
// and Go-native values validate the same way.
func validateArgs(e *entry, args map[string]any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return &ErrInvalidArguments{ToolName: e.tool.Name, Problems: []string{err.Error()}}
	}

	result, err := e.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &ErrInvalidArguments{ToolName: e.tool.Name, Problems: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		problems = append(problems, re.String())
	}
	return &ErrInvalidArguments{ToolName: e.tool.Name, Problems: problems}
}

// DispatchAll resolves a batch of requests. Results are returned in the
// same order as reqs even when execution is concurrent.
func (r *Registry) DispatchAll(ctx context.Context, reqs []conversation.ToolRequest) []Result {
	if len(reqs) == 0 {
		return nil
	}

	r.mu.RLock()
	parallel := r.parallel
	r.mu.RUnlock()

	if !parallel || len(reqs) == 1 {
		out := make([]Result, len(reqs))
		for i, req := range reqs {
			out[i] = r.Dispatch(ctx, req)
		}
		return out
	}

	return iter.Map(reqs, func(req *conversation.ToolRequest) Result {
		return r.Dispatch(ctx, *req)
	})
}
