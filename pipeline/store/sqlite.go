package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file Store backed by modernc.org/sqlite.
//
// It is the default run history for the CLI (artifacts/runs.db). The
// database is opened in WAL mode so `history` can read while a run writes.
//
// Schema:
//   - run_steps: one row per (run_id, step) with the JSON-encoded state
//
// Type parameter S must be JSON-serializable.
type SQLiteStore[S any] struct {
	sqlStore[S]
	path string
}

// NewSQLiteStore opens (creating if needed) the database at path.
// Use ":memory:" for a throwaway database.
func NewSQLiteStore[S any](path string) (*SQLiteStore[S], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore[S]{
		sqlStore: sqlStore[S]{db: db, now: time.Now},
		path:     path,
	}

	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore[S]) createTables(ctx context.Context) error {
	stepsTable := `
		CREATE TABLE IF NOT EXISTS run_steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			stage_id TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(run_id, step)
		)
	`
	if _, err := s.db.ExecContext(ctx, stepsTable); err != nil {
		return fmt.Errorf("failed to create run_steps table: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_run_steps_created ON run_steps(created_at)"); err != nil {
		return fmt.Errorf("failed to create idx_run_steps_created: %w", err)
	}

	return nil
}

// SaveStep inserts the step or replaces an existing (run_id, step) row.
func (s *SQLiteStore[S]) SaveStep(ctx context.Context, runID string, step int, stageID string, state S) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	query := `
		INSERT INTO run_steps (run_id, step, stage_id, state, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, step) DO UPDATE SET
			stage_id = excluded.stage_id,
			state = excluded.state,
			created_at = excluded.created_at
	`

	if _, err := s.db.ExecContext(ctx, query, runID, step, stageID, string(stateJSON), s.timestamp()); err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	return nil
}

// LoadLatest implements Store.
func (s *SQLiteStore[S]) LoadLatest(ctx context.Context, runID string) (StepRecord[S], error) {
	return s.loadLatest(ctx, runID)
}

// ListSteps implements Store.
func (s *SQLiteStore[S]) ListSteps(ctx context.Context, runID string) ([]StepRecord[S], error) {
	return s.listSteps(ctx, runID)
}

// ListRuns implements Store.
func (s *SQLiteStore[S]) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	return s.listRuns(ctx, limit)
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore[S]) Ping(ctx context.Context) error {
	return s.ping(ctx)
}

// Close closes the database. Calling Close more than once is a no-op.
func (s *SQLiteStore[S]) Close() error {
	return s.close()
}

// Path returns the database file path.
func (s *SQLiteStore[S]) Path() string {
	return s.path
}
