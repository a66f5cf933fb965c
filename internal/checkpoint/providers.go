package checkpoint

import (
	"time"

	"github.com/nugget/tally/internal/conversation"
)

// SessionSource is the state a checkpointer captures and restores.
// [conversation.MemoryStore] implements it.
type SessionSource interface {
	Snapshot() []conversation.Snapshot
	Restore([]conversation.Snapshot) error
}

// StartupStatus summarizes live state and the newest checkpoint, for
// logging at boot.
type StartupStatus struct {
	Sessions       int        `json:"sessions"`
	Turns          int        `json:"turns"`
	LastCheckpoint *time.Time `json:"last_checkpoint,omitempty"`
}

// GetStartupStatus reports the current session and turn counts along
// with the time of the newest checkpoint, if any.
func (c *Checkpointer) GetStartupStatus() (*StartupStatus, error) {
	state := &State{Sessions: c.source.Snapshot()}
	status := &StartupStatus{
		Sessions: len(state.Sessions),
		Turns:    state.turnCount(),
	}

	latest, err := c.store.List(1)
	if err != nil {
		return nil, err
	}
	if len(latest) > 0 {
		t := latest[0].CreatedAt
		status.LastCheckpoint = &t
	}
	return status, nil
}
