package checkpoint

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/tally/internal/events"
)

// Checkpointer manages automatic and manual checkpointing of a
// [SessionSource].
type Checkpointer struct {
	store  *Store
	source SessionSource
	log    *slog.Logger
	bus    *events.Bus

	periodicInterval int // Checkpoint every N appended turns (0 = disabled)

	mu         sync.Mutex
	turnsSince int
	inflight   sync.WaitGroup
}

// Config for the checkpointer.
type Config struct {
	IntervalTurns int // Checkpoint every N appended turns (0 = disabled)
}

// NewCheckpointer creates a checkpointer that snapshots source into db.
func NewCheckpointer(db *sql.DB, cfg Config, source SessionSource, log *slog.Logger) (*Checkpointer, error) {
	store, err := NewStore(db)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	return &Checkpointer{
		store:            store,
		source:           source,
		log:              log.With("component", "checkpoint"),
		periodicInterval: cfg.IntervalTurns,
	}, nil
}

// SetEventBus configures the checkpointer to announce new checkpoints.
func (c *Checkpointer) SetEventBus(bus *events.Bus) {
	c.bus = bus
}

// OnAppend counts appended turns and starts a periodic checkpoint in
// the background once the interval is reached. Its signature matches
// [conversation.AppendHook].
func (c *Checkpointer) OnAppend(_ string, added int) {
	if c.periodicInterval <= 0 || added <= 0 {
		return
	}

	c.mu.Lock()
	c.turnsSince += added
	due := c.turnsSince >= c.periodicInterval
	if due {
		c.turnsSince = 0
	}
	c.mu.Unlock()

	if !due {
		return
	}
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		if _, err := c.Create(TriggerPeriodic, ""); err != nil {
			c.log.Error("periodic checkpoint failed", "error", err)
		}
	}()
}

// Wait blocks until background periodic checkpoints have finished.
func (c *Checkpointer) Wait() {
	c.inflight.Wait()
}

// Create makes a new checkpoint with the given trigger and optional note.
func (c *Checkpointer) Create(trigger Trigger, note string) (*Checkpoint, error) {
	state := &State{Sessions: c.source.Snapshot()}

	cp, err := c.store.Create(trigger, note, state)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	c.log.Info("checkpoint created",
		"id", cp.ID.String()[:8],
		"trigger", trigger,
		"sessions", cp.SessionCount,
		"turns", cp.TurnCount,
		"bytes", cp.ByteSize,
	)
	c.bus.Emit(events.SourceCheckpoint, events.KindCheckpointCreated, map[string]any{
		"id":       cp.ID.String(),
		"trigger":  string(trigger),
		"sessions": cp.SessionCount,
		"turns":    cp.TurnCount,
		"bytes":    cp.ByteSize,
	})

	return cp, nil
}

// CreateShutdown waits for in-flight periodic checkpoints, then
// creates a final one.
func (c *Checkpointer) CreateShutdown() (*Checkpoint, error) {
	c.Wait()
	return c.Create(TriggerShutdown, "graceful shutdown")
}

// Get retrieves a checkpoint by ID.
func (c *Checkpointer) Get(id uuid.UUID) (*Checkpoint, error) {
	return c.store.Get(id)
}

// List returns recent checkpoints without their state.
func (c *Checkpointer) List(limit int) ([]*Checkpoint, error) {
	return c.store.List(limit)
}

// Latest returns the most recent checkpoint, or nil.
func (c *Checkpointer) Latest() (*Checkpoint, error) {
	return c.store.Latest()
}

// Delete removes a checkpoint.
func (c *Checkpointer) Delete(id uuid.UUID) error {
	return c.store.Delete(id)
}

// Prune removes old checkpoints.
func (c *Checkpointer) Prune(olderThan time.Duration, minKeep int) (int, error) {
	return c.store.Prune(olderThan, minKeep)
}

// Restore replaces the source's sessions with a checkpoint's state.
func (c *Checkpointer) Restore(id uuid.UUID) (*Checkpoint, error) {
	cp, err := c.store.Get(id)
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, c.apply(cp)
}

// RestoreLatest restores the newest checkpoint. It returns nil, nil
// when there is nothing to restore.
func (c *Checkpointer) RestoreLatest() (*Checkpoint, error) {
	cp, err := c.store.Latest()
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	if cp == nil {
		c.log.Info("no checkpoint to restore")
		return nil, nil
	}
	return cp, c.apply(cp)
}

func (c *Checkpointer) apply(cp *Checkpoint) error {
	c.log.Info("restoring checkpoint",
		"id", cp.ID.String()[:8],
		"created", cp.CreatedAt.Format(time.RFC3339),
		"sessions", cp.SessionCount,
		"turns", cp.TurnCount,
	)
	if err := c.source.Restore(cp.State.Sessions); err != nil {
		return fmt.Errorf("restore checkpoint %s: %w", cp.ID, err)
	}
	return nil
}
