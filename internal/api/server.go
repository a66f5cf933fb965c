// Package api implements the HTTP API: a native chat endpoint, an
// OpenAI-compatible completions endpoint, session inspection,
// checkpoint management and a WebSocket event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/tally/internal/agent"
	"github.com/nugget/tally/internal/buildinfo"
	"github.com/nugget/tally/internal/checkpoint"
	"github.com/nugget/tally/internal/conversation"
	"github.com/nugget/tally/internal/events"
	"github.com/nugget/tally/internal/prompts"
	"github.com/nugget/tally/internal/tools"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// ToolLister exposes the registered tool descriptors.
type ToolLister interface {
	Descriptors() []tools.Descriptor
}

// Server is the HTTP API server.
type Server struct {
	address      string
	port         int
	loop         *agent.Loop
	store        conversation.Store
	tools        ToolLister
	checkpointer *checkpoint.Checkpointer
	bus          *events.Bus
	logger       *slog.Logger
	server       *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, loop *agent.Loop, store conversation.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		loop:    loop,
		store:   store,
		logger:  logger,
	}
}

// SetTools configures the tool list served by GET /v1/tools.
func (s *Server) SetTools(t ToolLister) {
	s.tools = t
}

// SetCheckpointer configures the checkpointer for checkpoint endpoints.
func (s *Server) SetCheckpointer(cp *checkpoint.Checkpointer) {
	s.checkpointer = cp
}

// SetEventBus configures the bus streamed by GET /v1/ws.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// Handler returns the routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Chat
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)

	// Sessions
	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleSessionDelete)

	// Introspection
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/about", s.handleAbout)
	mux.HandleFunc("GET /v1/ws", s.handleWebSocket)

	// Checkpoints
	mux.HandleFunc("POST /v1/checkpoint", s.handleCheckpointCreate)
	mux.HandleFunc("GET /v1/checkpoints", s.handleCheckpointList)
	mux.HandleFunc("GET /v1/checkpoint/{id}", s.handleCheckpointGet)
	mux.HandleFunc("DELETE /v1/checkpoint/{id}", s.handleCheckpointDelete)
	mux.HandleFunc("POST /v1/checkpoint/{id}/restore", s.handleCheckpointRestore)

	// Health
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // A research run may take several reasoning calls
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorType(code),
			"code":    code,
		},
	}, s.logger)
}

func errorType(code int) string {
	switch {
	case code == http.StatusBadGateway:
		return "upstream_error"
	case code >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Tally",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

// Session handlers

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	sessions := s.store.Sessions()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":    len(sessions),
		"sessions": sessions,
	}, s.logger)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	turns := s.store.Turns(id)
	if turns == nil {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if _, err := fmt.Fprint(w, agent.FormatTranscript(turns)); err != nil {
			s.logger.Debug("failed to write transcript", "error", err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"id":         id,
		"iterations": s.store.Iterations(id),
		"turns":      turns,
	}, s.logger)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	deleted, err := s.loop.DeleteSession(id)
	if errors.Is(err, agent.ErrBusy) {
		s.errorResponse(w, http.StatusConflict, "session has a run in progress")
		return
	}
	if !deleted {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	s.logger.Info("session deleted", "session", id)
	w.WriteHeader(http.StatusNoContent)
}

// Introspection handlers

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	var descs []tools.Descriptor
	if s.tools != nil {
		descs = s.tools.Descriptors()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count": len(descs),
		"tools": descs,
	}, s.logger)
}

// handleAbout serves the capability document, as HTML by default or as
// markdown with ?format=markdown.
func (s *Server) handleAbout(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Capability-Version", prompts.CapabilityVersion)

	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		fmt.Fprint(w, prompts.CapabilityDocument)
		return
	}

	page, err := markdownToHTMLPage("Tally", prompts.CapabilityDocument)
	if err != nil {
		s.logger.Error("render capability document", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to render document")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, page)
}

// Checkpoint handlers

type checkpointCreateRequest struct {
	Note string `json:"note,omitempty"`
}

func (s *Server) requireCheckpointer(w http.ResponseWriter) bool {
	if s.checkpointer == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "checkpointing not configured")
		return false
	}
	return true
}

func (s *Server) handleCheckpointCreate(w http.ResponseWriter, r *http.Request) {
	if !s.requireCheckpointer(w) {
		return
	}

	var req checkpointCreateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	cp, err := s.checkpointer.Create(checkpoint.TriggerManual, req.Note)
	if err != nil {
		s.logger.Error("checkpoint create failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to create checkpoint")
		return
	}
	cp.State = nil

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, cp, s.logger)
}

func (s *Server) handleCheckpointList(w http.ResponseWriter, r *http.Request) {
	if !s.requireCheckpointer(w) {
		return
	}

	checkpoints, err := s.checkpointer.List(parseIntParam(r, "limit", 20))
	if err != nil {
		s.logger.Error("checkpoint list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list checkpoints")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":       len(checkpoints),
		"checkpoints": checkpoints,
	}, s.logger)
}

func (s *Server) checkpointID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid checkpoint id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) checkpointError(w http.ResponseWriter, op string, id uuid.UUID, err error) {
	if errors.Is(err, checkpoint.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "checkpoint not found")
		return
	}
	s.logger.Error("checkpoint "+op+" failed", "error", err, "id", id)
	s.errorResponse(w, http.StatusInternalServerError, "failed to "+op+" checkpoint")
}

func (s *Server) handleCheckpointGet(w http.ResponseWriter, r *http.Request) {
	if !s.requireCheckpointer(w) {
		return
	}
	id, ok := s.checkpointID(w, r)
	if !ok {
		return
	}

	cp, err := s.checkpointer.Get(id)
	if err != nil {
		s.checkpointError(w, "get", id, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, cp, s.logger)
}

func (s *Server) handleCheckpointDelete(w http.ResponseWriter, r *http.Request) {
	if !s.requireCheckpointer(w) {
		return
	}
	id, ok := s.checkpointID(w, r)
	if !ok {
		return
	}

	if err := s.checkpointer.Delete(id); err != nil {
		s.checkpointError(w, "delete", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCheckpointRestore(w http.ResponseWriter, r *http.Request) {
	if !s.requireCheckpointer(w) {
		return
	}
	id, ok := s.checkpointID(w, r)
	if !ok {
		return
	}

	var cp *checkpoint.Checkpoint
	err := s.loop.Exclusive(func() error {
		var err error
		cp, err = s.checkpointer.Restore(id)
		return err
	})
	if errors.Is(err, agent.ErrBusy) {
		s.errorResponse(w, http.StatusConflict, "cannot restore while runs are in progress")
		return
	}
	if err != nil {
		s.checkpointError(w, "restore", id, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":   "restored",
		"id":       id.String(),
		"sessions": cp.SessionCount,
		"turns":    cp.TurnCount,
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
