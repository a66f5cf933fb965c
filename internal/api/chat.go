package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/tally/internal/agent"
	"github.com/nugget/tally/internal/conversation"
	"github.com/nugget/tally/internal/events"
)

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse is the reply to POST /v1/chat.
type ChatResponse struct {
	SessionID  string              `json:"session_id"`
	Response   string              `json:"response"`
	HTML       string              `json:"html,omitempty"`
	Turns      []conversation.Turn `json:"turns"`
	Iterations int                 `json:"iterations"`
	Canned     bool                `json:"canned"`
	CeilingHit bool                `json:"ceiling_hit"`
	ElapsedMS  int64               `json:"elapsed_ms"`
	Usage      agent.Usage         `json:"usage"`
}

// runErrorStatus maps a loop error to an HTTP status and message.
func runErrorStatus(err error) (int, string) {
	var rerr *agent.ReasoningError
	switch {
	case errors.As(err, &rerr):
		return http.StatusBadGateway, "reasoning backend error: " + rerr.Err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request canceled"
	default:
		return http.StatusInternalServerError, "agent error: " + err.Error()
	}
}

// handleChat runs one user turn.
// POST /v1/chat {"message": "What are NVIDIA's tail risks?"}
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	res, err := s.loop.Run(r.Context(), sessionID, req.Message)
	if err != nil {
		code, msg := runErrorStatus(err)
		s.logger.Error("agent loop failed", "session", sessionID, "error", err, "status", code)
		s.errorResponse(w, code, msg)
		return
	}

	resp := ChatResponse{
		SessionID:  sessionID,
		Response:   res.Answer,
		Turns:      res.Turns,
		Iterations: res.Iterations,
		Canned:     res.Canned,
		CeilingHit: res.CeilingHit,
		ElapsedMS:  res.Elapsed.Milliseconds(),
		Usage:      res.Usage,
	}
	if r.URL.Query().Get("format") == "html" && res.Answer != "" {
		if html, err := markdownToHTML(res.Answer); err == nil {
			resp.HTML = html
		} else {
			s.logger.Warn("render answer html", "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// OpenAI-compatible surface

// CompletionMessage is one message in an OpenAI-style request.
type CompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the OpenAI-compatible request format.
type ChatCompletionRequest struct {
	Model    string              `json:"model"`
	Messages []CompletionMessage `json:"messages"`
	Stream   bool                `json:"stream,omitempty"`
	User     string              `json:"user,omitempty"`
}

// ChatCompletionResponse is the OpenAI-compatible response format.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice represents a completion choice.
type Choice struct {
	Index        int               `json:"index"`
	Message      CompletionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

// Usage represents token usage summed over every reasoning call in the
// run. Canned replies report zero.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func usageOf(res *agent.Result) Usage {
	return Usage{
		PromptTokens:     res.Usage.InputTokens,
		CompletionTokens: res.Usage.OutputTokens,
		TotalTokens:      res.Usage.InputTokens + res.Usage.OutputTokens,
	}
}

// StreamChunk is the SSE format for streaming responses.
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
}

// StreamChoice represents a streaming choice with delta content.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

// StreamDelta represents incremental content.
type StreamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

const modelName = "tally"

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"object": "list",
		"data": []map[string]any{{
			"id":       modelName,
			"object":   "model",
			"created":  time.Now().Unix(),
			"owned_by": "tally",
		}},
	}, s.logger)
}

// lastUserMessage returns the content of the final user message.
func lastUserMessage(msgs []CompletionMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

// completionSession picks the session key: the user field, then the
// X-Session-ID header, then a fresh id.
func completionSession(r *http.Request, req ChatCompletionRequest) string {
	if req.User != "" {
		return req.User
	}
	if h := r.Header.Get("X-Session-ID"); h != "" {
		return h
	}
	return uuid.NewString()
}

func finishReason(res *agent.Result) string {
	if res.CeilingHit {
		return "length"
	}
	return "stop"
}

// handleChatCompletions treats the last user message as the query.
// Earlier messages are ignored: history lives server-side, keyed by
// session.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	query := lastUserMessage(req.Messages)
	if strings.TrimSpace(query) == "" {
		s.errorResponse(w, http.StatusBadRequest, "a user message is required")
		return
	}

	sessionID := completionSession(r, req)
	w.Header().Set("X-Session-ID", sessionID)

	if req.Stream {
		s.handleStreamingCompletion(w, r, sessionID, query)
		return
	}

	res, err := s.loop.Run(r.Context(), sessionID, query)
	if err != nil {
		code, msg := runErrorStatus(err)
		s.logger.Error("agent loop failed", "session", sessionID, "error", err, "status", code)
		s.errorResponse(w, code, msg)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   modelName,
		Choices: []Choice{{
			Message:      CompletionMessage{Role: "assistant", Content: res.Answer},
			FinishReason: finishReason(res),
		}},
		Usage: usageOf(res),
	}, s.logger)
}

// handleStreamingCompletion sends the answer as SSE. While the loop
// runs, each status turn for this session is sent as an SSE comment so
// the connection stays alive during research.
func (s *Server) handleStreamingCompletion(w http.ResponseWriter, r *http.Request, sessionID, query string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	chunk := func(delta StreamDelta, finish *string) StreamChunk {
		return StreamChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   modelName,
			Choices: []StreamChoice{{Delta: delta, FinishReason: finish}},
		}
	}

	s.writeSSE(w, chunk(StreamDelta{Role: "assistant"}, nil))
	flusher.Flush()

	var evs <-chan events.Event
	if s.bus != nil {
		evs = s.bus.Subscribe(64)
		defer s.bus.Unsubscribe(evs)
	}

	type outcome struct {
		res *agent.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.loop.Run(r.Context(), sessionID, query)
		done <- outcome{res, err}
	}()

	rc := http.NewResponseController(w)
	status := func(e events.Event) {
		if e.Kind != events.KindStatus || e.SessionID() != sessionID {
			return
		}
		content, _ := e.Data["content"].(string)
		fmt.Fprintf(w, ": %s\n\n", content)
		flusher.Flush()
		if err := rc.SetWriteDeadline(time.Now().Add(2 * time.Minute)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	for {
		select {
		case e := <-evs:
			status(e)

		case out := <-done:
			// Flush status events published before the run returned.
			for drained := false; !drained; {
				select {
				case e := <-evs:
					status(e)
				default:
					drained = true
				}
			}
			if out.err != nil {
				s.logger.Error("agent loop failed", "session", sessionID, "error", out.err)
				// Headers are already sent; report in-band and close.
				_, msg := runErrorStatus(out.err)
				if data, err := json.Marshal(map[string]string{"error": msg}); err == nil {
					fmt.Fprintf(w, "data: %s\n\n", data)
				}
				flusher.Flush()
				return
			}
			if out.res.Answer != "" {
				s.writeSSE(w, chunk(StreamDelta{Content: out.res.Answer}, nil))
			}
			reason := finishReason(out.res)
			s.writeSSE(w, chunk(StreamDelta{}, &reason))
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, chunk StreamChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		s.logger.Debug("failed to marshal SSE chunk", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		s.logger.Debug("failed to write SSE chunk", "error", err)
	}
}
