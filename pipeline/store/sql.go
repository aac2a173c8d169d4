package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// timeLayout is fixed-width so that lexical ordering in the database
// matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// sqlStore holds the query logic shared by the SQLite and MySQL stores.
// Both drivers accept "?" placeholders and the same DML.
type sqlStore[S any] struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	now    func() time.Time
}

func (s *sqlStore[S]) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *sqlStore[S]) loadLatest(ctx context.Context, runID string) (StepRecord[S], error) {
	if err := s.checkOpen(); err != nil {
		return StepRecord[S]{}, err
	}

	query := `
		SELECT step, stage_id, state, created_at
		FROM run_steps
		WHERE run_id = ?
		ORDER BY step DESC
		LIMIT 1
	`

	record, err := scanStep[S](s.db.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return StepRecord[S]{}, ErrNotFound
	}
	if err != nil {
		return StepRecord[S]{}, fmt.Errorf("failed to load latest step: %w", err)
	}
	return record, nil
}

func (s *sqlStore[S]) listSteps(ctx context.Context, runID string) ([]StepRecord[S], error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		SELECT step, stage_id, state, created_at
		FROM run_steps
		WHERE run_id = ?
		ORDER BY step ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []StepRecord[S]
	for rows.Next() {
		record, err := scanStep[S](rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records, nil
}

func (s *sqlStore[S]) listRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		SELECT s.run_id, s.step, s.stage_id, m.updated_at
		FROM run_steps s
		JOIN (
			SELECT run_id, MAX(step) AS max_step, MAX(created_at) AS updated_at
			FROM run_steps
			GROUP BY run_id
		) m ON s.run_id = m.run_id AND s.step = m.max_step
		ORDER BY m.updated_at DESC, s.run_id ASC
	`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	runs := make([]RunSummary, 0)
	for rows.Next() {
		var (
			summary   RunSummary
			updatedAt string
		)
		if err := rows.Scan(&summary.RunID, &summary.LastStep, &summary.LastStageID, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if summary.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
			return nil, fmt.Errorf("failed to parse timestamp: %w", err)
		}
		runs = append(runs, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

func (s *sqlStore[S]) ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *sqlStore[S]) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *sqlStore[S]) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStep[S any](row rowScanner) (StepRecord[S], error) {
	var (
		record    StepRecord[S]
		stateJSON string
		createdAt string
	)
	if err := row.Scan(&record.Step, &record.StageID, &stateJSON, &createdAt); err != nil {
		return StepRecord[S]{}, err
	}
	if err := json.Unmarshal([]byte(stateJSON), &record.State); err != nil {
		return StepRecord[S]{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return StepRecord[S]{}, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	record.CreatedAt = t
	return record, nil
}
