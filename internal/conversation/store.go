package conversation

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store is the session-keyed turn log. Implementations must be safe
// for concurrent use across sessions.
type Store interface {
	// Append validates and appends turns to the end of the session,
	// creating it if needed, and returns a copy of the full sequence.
	// Either every turn is appended or none is.
	Append(sessionID string, turns ...Turn) ([]Turn, error)

	// Turns returns a copy of the session's turns (nil if unknown).
	Turns(sessionID string) []Turn

	// Iterations returns the session's reasoning-call counter.
	Iterations(sessionID string) int

	// IncrementIterations adds one to the counter and returns the new value.
	IncrementIterations(sessionID string) int

	// ResetIterations sets the counter back to zero.
	ResetIterations(sessionID string)

	// Delete drops a whole session. Reports whether it existed.
	Delete(sessionID string) bool

	// Sessions lists summaries of every known session, newest first.
	Sessions() []Summary
}

// Summary describes a session without its turns.
type Summary struct {
	ID         string    `json:"id"`
	Turns      int       `json:"turns"`
	Iterations int       `json:"iterations"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Snapshot is the serialisable form of one session, used for
// checkpointing. The iteration counter is deliberately absent: it is
// zero whenever a loop is not running.
type Snapshot struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Turns     []Turn    `json:"turns"`
}

type session struct {
	turns      []Turn
	iterations int
	createdAt  time.Time
	updatedAt  time.Time
}

// AppendHook is called after a successful append with the number of
// turns added. It runs outside the store lock.
type AppendHook func(sessionID string, added int)

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*session
	hook     AppendHook
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*session),
	}
}

// SetAppendHook installs a hook called after every successful append.
func (s *MemoryStore) SetAppendHook(h AppendHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

// Append implements [Store].
func (s *MemoryStore) Append(sessionID string, turns ...Turn) ([]Turn, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("append: empty session id")
	}

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	var existing []Turn
	if ok {
		existing = sess.turns
	}

	if err := validate(existing, turns); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("append to session %s: %w", sessionID, err)
	}

	now := time.Now().UTC()
	if !ok {
		sess = &session{createdAt: now}
		s.sessions[sessionID] = sess
	}
	sess.turns = append(sess.turns, turns...)
	sess.updatedAt = now
	out := copyTurns(sess.turns)
	hook := s.hook
	s.mu.Unlock()

	if hook != nil && len(turns) > 0 {
		hook(sessionID, len(turns))
	}
	return out, nil
}

// validate checks structural well-formedness of a batch against the
// history it will be appended to.
func validate(existing, batch []Turn) error {
	var pending map[string]struct{}
	for _, t := range batch {
		if !t.Role.Valid() {
			return &ErrInvalidRole{Role: t.Role}
		}
		if t.Role != RoleTool && !t.HasToolRequests() {
			continue
		}
		if pending == nil {
			pending = pendingCalls(existing)
		}
		if t.Role == RoleTool {
			if _, ok := pending[t.ToolCallID]; !ok {
				return &ErrUnknownToolCall{ToolCallID: t.ToolCallID}
			}
			delete(pending, t.ToolCallID)
			continue
		}
		for _, r := range t.ToolRequests {
			pending[r.ID] = struct{}{}
		}
	}
	return nil
}

// Turns implements [Store].
func (s *MemoryStore) Turns(sessionID string) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	return copyTurns(sess.turns)
}

// Iterations implements [Store].
func (s *MemoryStore) Iterations(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sess, ok := s.sessions[sessionID]; ok {
		return sess.iterations
	}
	return 0
}

// IncrementIterations implements [Store].
func (s *MemoryStore) IncrementIterations(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		now := time.Now().UTC()
		sess = &session{createdAt: now, updatedAt: now}
		s.sessions[sessionID] = sess
	}
	sess.iterations++
	return sess.iterations
}

// ResetIterations implements [Store].
func (s *MemoryStore) ResetIterations(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionID]; ok {
		sess.iterations = 0
	}
}

// Delete implements [Store].
func (s *MemoryStore) Delete(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return false
	}
	delete(s.sessions, sessionID)
	return true
}

// Sessions implements [Store].
func (s *MemoryStore) Sessions() []Summary {
	s.mu.RLock()
	out := make([]Summary, 0, len(s.sessions))
	for id, sess := range s.sessions {
		out = append(out, Summary{
			ID:         id,
			Turns:      len(sess.turns),
			Iterations: sess.iterations,
			CreatedAt:  sess.createdAt,
			UpdatedAt:  sess.updatedAt,
		})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Snapshot returns a copy of every session for checkpointing.
func (s *MemoryStore) Snapshot() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Snapshot, 0, len(s.sessions))
	for id, sess := range s.sessions {
		out = append(out, Snapshot{
			ID:        id,
			CreatedAt: sess.createdAt,
			UpdatedAt: sess.updatedAt,
			Turns:     copyTurns(sess.turns),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces the contents of the store with snaps. Iteration
// counters start at zero. Each session is cut back to its last point
// with no unanswered tool request; sessions left empty are dropped.
func (s *MemoryStore) Restore(snaps []Snapshot) error {
	restored := make(map[string]*session, len(snaps))
	for _, snap := range snaps {
		if snap.ID == "" {
			return fmt.Errorf("restore: snapshot with empty session id")
		}
		if err := validate(nil, snap.Turns); err != nil {
			return fmt.Errorf("restore session %s: %w", snap.ID, err)
		}
		turns := settled(snap.Turns)
		if len(turns) == 0 {
			continue
		}
		restored[snap.ID] = &session{
			turns:     copyTurns(turns),
			createdAt: snap.CreatedAt,
			updatedAt: snap.UpdatedAt,
		}
	}

	s.mu.Lock()
	s.sessions = restored
	s.mu.Unlock()
	return nil
}

func copyTurns(turns []Turn) []Turn {
	if turns == nil {
		return nil
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}
