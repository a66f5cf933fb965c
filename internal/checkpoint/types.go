// Package checkpoint snapshots every conversation session into a local
// SQLite file and restores them on start-up.
package checkpoint

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/tally/internal/conversation"
)

// Trigger describes what caused a checkpoint to be created.
type Trigger string

const (
	TriggerManual   Trigger = "manual"   // Explicit API call
	TriggerPeriodic Trigger = "periodic" // Every N appended turns
	TriggerShutdown Trigger = "shutdown" // Graceful shutdown
)

// Checkpoint represents a point-in-time snapshot of every session.
type Checkpoint struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Trigger   Trigger   `json:"trigger"`
	Note      string    `json:"note,omitempty"`

	// State is nil when the checkpoint was loaded by List.
	State *State `json:"state,omitempty"`

	ByteSize     int64 `json:"byte_size"` // Compressed size
	SessionCount int   `json:"session_count"`
	TurnCount    int   `json:"turn_count"`
}

// State holds the restorable data.
type State struct {
	Sessions []conversation.Snapshot `json:"sessions"`
}

func (s *State) turnCount() int {
	n := 0
	for _, sess := range s.Sessions {
		n += len(sess.Turns)
	}
	return n
}

// Summary returns a one-line human-readable description.
func (c *Checkpoint) Summary() string {
	return fmt.Sprintf("%s | %s | %s | %s, %s",
		c.ID.String()[:8],
		c.CreatedAt.Format("2006-01-02 15:04"),
		c.Trigger,
		formatCount(c.SessionCount, "session"),
		formatCount(c.TurnCount, "turn"),
	)
}

func formatCount(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
