package checkpoint

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a checkpoint id does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// timeFormat sorts lexically in creation order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// OpenDB opens (creating if needed) the SQLite file at path.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	return db, nil
}

// Store handles checkpoint persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a checkpoint store using the given database.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			trigger TEXT NOT NULL,
			note TEXT,
			state_gz BLOB NOT NULL,
			byte_size INTEGER NOT NULL,
			session_count INTEGER NOT NULL,
			turn_count INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_created
			ON checkpoints(created_at DESC);
	`)
	return err
}

// Create saves a new checkpoint and returns it with ID populated.
func (s *Store) Create(trigger Trigger, note string, state *State) (*Checkpoint, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}

	compressed, err := compress(state)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	cp := &Checkpoint{
		ID:           id,
		CreatedAt:    now,
		Trigger:      trigger,
		Note:         note,
		State:        state,
		ByteSize:     int64(len(compressed)),
		SessionCount: len(state.Sessions),
		TurnCount:    state.turnCount(),
	}

	_, err = s.db.Exec(`
		INSERT INTO checkpoints (id, created_at, trigger, note, state_gz, byte_size, session_count, turn_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id.String(), now.Format(timeFormat), string(trigger), note, compressed, len(compressed), cp.SessionCount, cp.TurnCount)
	if err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}

	return cp, nil
}

// Get retrieves a checkpoint by ID, including full state.
func (s *Store) Get(id uuid.UUID) (*Checkpoint, error) {
	row := s.db.QueryRow(`
		SELECT id, created_at, trigger, note, state_gz, byte_size, session_count, turn_count
		FROM checkpoints WHERE id = ?
	`, id.String())

	cp, err := s.scanFull(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cp, err
}

// List returns checkpoints ordered by creation time (newest first).
// State is not loaded.
func (s *Store) List(limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT id, created_at, trigger, note, byte_size, session_count, turn_count
		FROM checkpoints
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		cp, err := s.scanMeta(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

// Latest returns the most recent checkpoint, or nil if none exist.
func (s *Store) Latest() (*Checkpoint, error) {
	row := s.db.QueryRow(`
		SELECT id, created_at, trigger, note, state_gz, byte_size, session_count, turn_count
		FROM checkpoints
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`)

	cp, err := s.scanFull(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cp, err
}

// Delete removes a checkpoint by ID.
func (s *Store) Delete(id uuid.UUID) error {
	result, err := s.db.Exec(`DELETE FROM checkpoints WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Prune removes checkpoints older than the given duration, keeping at
// least minKeep.
func (s *Store) Prune(olderThan time.Duration, minKeep int) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM checkpoints`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	if total <= minKeep {
		return 0, nil
	}

	result, err := s.db.Exec(`
		DELETE FROM checkpoints
		WHERE id IN (
			SELECT id FROM checkpoints
			WHERE created_at < ?
			ORDER BY created_at ASC
			LIMIT ?
		)
	`, cutoff.Format(timeFormat), total-minKeep)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}

	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanFull(row scanner) (*Checkpoint, error) {
	var cp Checkpoint
	var idStr, createdStr, triggerStr string
	var note sql.NullString
	var stateGz []byte

	err := row.Scan(&idStr, &createdStr, &triggerStr, &note, &stateGz, &cp.ByteSize, &cp.SessionCount, &cp.TurnCount)
	if err != nil {
		return nil, err
	}
	fillMeta(&cp, idStr, createdStr, triggerStr, note)

	state, err := decompress(stateGz)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", idStr, err)
	}
	cp.State = state
	return &cp, nil
}

func (s *Store) scanMeta(row scanner) (*Checkpoint, error) {
	var cp Checkpoint
	var idStr, createdStr, triggerStr string
	var note sql.NullString

	err := row.Scan(&idStr, &createdStr, &triggerStr, &note, &cp.ByteSize, &cp.SessionCount, &cp.TurnCount)
	if err != nil {
		return nil, err
	}
	fillMeta(&cp, idStr, createdStr, triggerStr, note)
	return &cp, nil
}

func fillMeta(cp *Checkpoint, idStr, createdStr, triggerStr string, note sql.NullString) {
	cp.ID, _ = uuid.Parse(idStr)
	cp.CreatedAt, _ = time.Parse(timeFormat, createdStr)
	cp.Trigger = Trigger(triggerStr)
	if note.Valid {
		cp.Note = note.String
	}
}

func compress(state *State) ([]byte, error) {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(stateJSON); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(stateGz []byte) (*State, error) {
	gr, err := gzip.NewReader(bytes.NewReader(stateGz))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	stateJSON, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}

	var state State
	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &state, nil
}
