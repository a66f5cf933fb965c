// Package agent implements the control loop that answers one user
// turn: a canned shortcut for greetings, otherwise a bounded cycle of
// reasoning calls and tool dispatch.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/tally/internal/canned"
	"github.com/nugget/tally/internal/config"
	"github.com/nugget/tally/internal/conversation"
	"github.com/nugget/tally/internal/events"
	"github.com/nugget/tally/internal/prompts"
	"github.com/nugget/tally/internal/tools"
)

// DefaultMaxIterations bounds reasoning calls per user turn.
const DefaultMaxIterations = 6

// State is a control loop state.
type State int

// Loop states.
const (
	StateStart State = iota
	StateCanned
	StateReasoning
	StateAnnounce
	StateDispatch
	StateObserve
	StateEnd
)

var stateNames = [...]string{"start", "canned", "reasoning", "announce", "dispatch", "observe", "end"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ToolDispatcher is the part of the tool registry the loop uses.
type ToolDispatcher interface {
	Descriptors() []tools.Descriptor
	DispatchAll(ctx context.Context, reqs []conversation.ToolRequest) []tools.Result
}

// Result describes one completed run.
type Result struct {
	SessionID string `json:"session_id"`
	// Turns holds every turn appended during the run, human turn first.
	Turns []conversation.Turn `json:"turns"`
	// Answer is the terminal reply, or "" when the run ended at the
	// ceiling.
	Answer     string        `json:"answer"`
	Iterations int           `json:"iterations"`
	Canned     bool          `json:"canned"`
	CeilingHit bool          `json:"ceiling_hit"`
	Elapsed    time.Duration `json:"elapsed"`
	// Usage sums token counts over the run's reasoning calls.
	Usage Usage `json:"usage"`
}

// Loop is the core agent execution loop. One Loop serves every
// session; runs on the same session are serialized.
type Loop struct {
	logger   *slog.Logger
	store    conversation.Store
	reasoner Reasoner
	tools    ToolDispatcher
	ceiling  int
	bus      *events.Bus
	now      func() time.Time

	// runs is held shared by every run and exclusively by Exclusive.
	runs sync.RWMutex

	mu    sync.Mutex
	locks map[string]*sessionLock // entries exist only while refs > 0
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewLoop creates a new agent loop. A maxIterations below one uses
// [DefaultMaxIterations].
func NewLoop(logger *slog.Logger, store conversation.Store, reasoner Reasoner, dispatcher ToolDispatcher, maxIterations int) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if maxIterations < 1 {
		maxIterations = DefaultMaxIterations
	}
	return &Loop{
		logger:   logger,
		store:    store,
		reasoner: reasoner,
		tools:    dispatcher,
		ceiling:  maxIterations,
		now:      time.Now,
		locks:    make(map[string]*sessionLock),
	}
}

// SetEventBus configures the loop to publish state transitions.
func (l *Loop) SetEventBus(bus *events.Bus) {
	l.bus = bus
}

// MaxIterations returns the reasoning-call ceiling.
func (l *Loop) MaxIterations() int {
	return l.ceiling
}

// DeleteSession removes a session from the store. It returns
// [ErrBusy] while a run on that session is queued or in progress.
func (l *Loop) DeleteSession(sessionID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.locks[sessionID]; busy {
		return false, ErrBusy
	}
	return l.store.Delete(sessionID), nil
}

// Exclusive calls fn while no run is in progress and blocks new runs
// until fn returns. It returns [ErrBusy] without calling fn if any run
// is active.
func (l *Loop) Exclusive(fn func() error) error {
	if !l.runs.TryLock() {
		return ErrBusy
	}
	defer l.runs.Unlock()
	return fn()
}

// lock serializes runs on one session. The returned func releases it.
func (l *Loop) lock(sessionID string) func() {
	l.mu.Lock()
	sl, ok := l.locks[sessionID]
	if !ok {
		sl = &sessionLock{}
		l.locks[sessionID] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, sessionID)
		}
		l.mu.Unlock()
	}
}

// run is the state carried through one invocation.
type run struct {
	sessionID string
	log       *slog.Logger
	result    *Result
	pending   []conversation.ToolRequest
	start     time.Time
}

// Run appends query as a human turn and drives the state machine to
// End. The returned Result is non-nil even when err is non-nil and
// holds whatever was appended before the failure.
//
// Reasoning failures end the run with a [*ReasoningError]. Tool
// failures never do: they are recorded as error tool turns and the
// loop carries on.
func (l *Loop) Run(ctx context.Context, sessionID, query string) (*Result, error) {
	if sessionID == "" {
		return nil, errors.New("run: empty session id")
	}

	l.runs.RLock()
	defer l.runs.RUnlock()
	unlock := l.lock(sessionID)
	defer unlock()

	r := &run{
		sessionID: sessionID,
		log:       l.logger.With("session", sessionID),
		result:    &Result{SessionID: sessionID},
		start:     time.Now(),
	}

	if _, err := l.append(r, conversation.Human(query)); err != nil {
		return r.result, err
	}
	l.bus.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{
		"session_id": sessionID,
		"query_len":  len(query),
	})
	r.log.Info("run started", "query_len", len(query))

	err := l.drive(ctx, r)

	r.result.Elapsed = time.Since(r.start)
	if err != nil {
		l.bus.Emit(events.SourceAgent, events.KindRequestError, map[string]any{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		r.log.Error("run failed", "error", err, "iterations", r.result.Iterations)
		return r.result, err
	}

	l.bus.Emit(events.SourceAgent, events.KindRequestComplete, map[string]any{
		"session_id":  sessionID,
		"iterations":  r.result.Iterations,
		"turns":       len(r.result.Turns),
		"canned":      r.result.Canned,
		"ceiling_hit": r.result.CeilingHit,
		"elapsed_ms":  r.result.Elapsed.Milliseconds(),
		"tokens_in":   r.result.Usage.InputTokens,
		"tokens_out":  r.result.Usage.OutputTokens,
	})
	r.log.Info("run complete",
		"iterations", r.result.Iterations,
		"turns", len(r.result.Turns),
		"canned", r.result.Canned,
		"ceiling_hit", r.result.CeilingHit,
		"elapsed", r.result.Elapsed.Round(time.Millisecond),
	)
	return r.result, nil
}

// drive runs states until End. Every exit path resets the session's
// iteration counter.
func (l *Loop) drive(ctx context.Context, r *run) error {
	defer l.store.ResetIterations(r.sessionID)

	state := StateStart
	for state != StateEnd {
		r.log.Log(ctx, config.LevelTrace, "state", "state", state)

		var err error
		switch state {
		case StateStart:
			state = l.start(r)
		case StateCanned:
			state, err = l.canned(r)
		case StateReasoning:
			state, err = l.reason(ctx, r)
		case StateAnnounce:
			state, err = l.announce(r)
		case StateDispatch:
			state, err = l.dispatch(ctx, r)
		case StateObserve:
			state, err = l.observe(r)
		default:
			return fmt.Errorf("run: unknown state %v", state)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) start(r *run) State {
	query := conversation.LatestHumanQuery(l.store.Turns(r.sessionID))
	if canned.Matches(query) {
		return StateCanned
	}
	return StateReasoning
}

func (l *Loop) canned(r *run) (State, error) {
	turn := canned.Respond()
	if _, err := l.append(r, turn); err != nil {
		return StateEnd, err
	}
	r.result.Canned = true
	r.result.Answer = turn.Content

	l.bus.Emit(events.SourceAgent, events.KindCanned, map[string]any{
		"session_id": r.sessionID,
		"rule":       canned.Rule(conversation.LatestHumanQuery(l.store.Turns(r.sessionID))),
		"version":    canned.Version(),
	})
	return StateEnd, nil
}

func (l *Loop) reason(ctx context.Context, r *run) (State, error) {
	iter := l.store.Iterations(r.sessionID)
	if iter >= l.ceiling {
		r.log.Warn("iteration ceiling reached, ending run",
			"iterations", iter, "ceiling", l.ceiling)
		r.result.CeilingHit = true
		l.bus.Emit(events.SourceAgent, events.KindCeilingReached, map[string]any{
			"session_id": r.sessionID,
			"iterations": iter,
			"ceiling":    l.ceiling,
		})
		return StateEnd, nil
	}
	if err := ctx.Err(); err != nil {
		return StateEnd, fmt.Errorf("run canceled before reasoning call %d: %w", iter+1, err)
	}

	l.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
		"session_id": r.sessionID,
		"iter":       iter + 1,
	})

	start := time.Now()
	out, err := l.reasoner.Respond(ctx,
		prompts.SystemPrompt(l.now()),
		l.store.Turns(r.sessionID),
		l.tools.Descriptors(),
	)
	if err != nil {
		return StateEnd, &ReasoningError{SessionID: r.sessionID, Iteration: iter + 1, Err: err}
	}

	if _, err := l.append(r, turnFor(out)); err != nil {
		return StateEnd, err
	}
	r.result.Iterations = l.store.IncrementIterations(r.sessionID)
	r.result.Usage.add(out.tokens())

	data := map[string]any{
		"session_id": r.sessionID,
		"iter":       r.result.Iterations,
		"elapsed_ms": time.Since(start).Milliseconds(),
	}
	defer l.bus.Emit(events.SourceAgent, events.KindLLMResponse, data)

	switch o := out.(type) {
	case Answer:
		data["terminal"] = true
		r.result.Answer = o.Text
		return StateEnd, nil
	case ToolRequests:
		data["terminal"] = false
		data["tool_requests"] = len(o.Requests)
		r.pending = o.Requests
		r.log.Debug("tool requests", "count", len(o.Requests), "iter", r.result.Iterations)
		return StateAnnounce, nil
	default:
		return StateEnd, fmt.Errorf("run: unexpected reasoner output %T", out)
	}
}

func (l *Loop) announce(r *run) (State, error) {
	if err := l.status(r, prompts.StatusResearching); err != nil {
		return StateEnd, err
	}
	return StateDispatch, nil
}

// dispatch runs the pending requests and appends their results in
// request order. It is not interrupted by cancellation: a canceled
// context turns each result into an error, which keeps every request
// answered.
func (l *Loop) dispatch(ctx context.Context, r *run) (State, error) {
	for _, req := range r.pending {
		l.bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
			"session_id": r.sessionID,
			"tool":       req.Name,
			"call_id":    req.ID,
		})
	}

	results := l.tools.DispatchAll(ctx, r.pending)
	r.pending = nil

	turns := make([]conversation.Turn, len(results))
	for i, res := range results {
		turns[i] = res.Turn()
		l.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
			"session_id":  r.sessionID,
			"tool":        res.Name,
			"call_id":     res.CallID,
			"ok":          res.OK,
			"duration_ms": res.Elapsed.Milliseconds(),
		})
	}
	if _, err := l.append(r, turns...); err != nil {
		return StateEnd, err
	}
	return StateObserve, nil
}

func (l *Loop) observe(r *run) (State, error) {
	if toolResultsSinceAssistant(l.store.Turns(r.sessionID)) {
		if err := l.status(r, prompts.StatusAnalyzing); err != nil {
			return StateEnd, err
		}
	}
	return StateReasoning, nil
}

func (l *Loop) status(r *run, content string) error {
	if _, err := l.append(r, conversation.Status(content)); err != nil {
		return err
	}
	l.bus.Emit(events.SourceAgent, events.KindStatus, map[string]any{
		"session_id": r.sessionID,
		"content":    content,
	})
	return nil
}

func (l *Loop) append(r *run, turns ...conversation.Turn) ([]conversation.Turn, error) {
	seq, err := l.store.Append(r.sessionID, turns...)
	if err != nil {
		return nil, err
	}
	r.result.Turns = append(r.result.Turns, turns...)
	return seq, nil
}

// toolResultsSinceAssistant reports whether any tool turn follows the
// most recent non-status assistant turn.
func toolResultsSinceAssistant(turns []conversation.Turn) bool {
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		switch {
		case t.Role == conversation.RoleTool:
			return true
		case t.Role == conversation.RoleAssistant && !t.Status:
			return false
		}
	}
	return false
}
