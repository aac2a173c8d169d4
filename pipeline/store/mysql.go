package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a Store backed by MySQL or MariaDB.
//
// Use it when several machines share one run history. The DSN format is
// the go-sql-driver one:
//
//	user:password@tcp(localhost:3306)/mlpipeline
//
// Never hardcode credentials; the CLI reads the DSN from
// MLPIPELINE_STORE_DSN or the config file.
type MySQLStore[S any] struct {
	sqlStore[S]
}

// NewMySQLStore connects, verifies the connection and creates the schema.
func NewMySQLStore[S any](dsn string) (*MySQLStore[S], error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	m := &MySQLStore[S]{sqlStore: sqlStore[S]{db: db, now: time.Now}}
	if err := m.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return m, nil
}

func (m *MySQLStore[S]) createTables(ctx context.Context) error {
	stepsTable := `
		CREATE TABLE IF NOT EXISTS run_steps (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			step INT NOT NULL,
			stage_id VARCHAR(255) NOT NULL,
			state JSON NOT NULL,
			created_at VARCHAR(32) NOT NULL,
			INDEX idx_run_steps_created (created_at),
			UNIQUE KEY unique_run_step (run_id, step)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`

	if _, err := m.db.ExecContext(ctx, stepsTable); err != nil {
		return fmt.Errorf("failed to create run_steps table: %w", err)
	}
	return nil
}

// SaveStep inserts the step or replaces an existing (run_id, step) row.
func (m *MySQLStore[S]) SaveStep(ctx context.Context, runID string, step int, stageID string, state S) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	query := `
		INSERT INTO run_steps (run_id, step, stage_id, state, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			stage_id = VALUES(stage_id),
			state = VALUES(state),
			created_at = VALUES(created_at)
	`

	if _, err := m.db.ExecContext(ctx, query, runID, step, stageID, string(stateJSON), m.timestamp()); err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	return nil
}

// LoadLatest implements Store.
func (m *MySQLStore[S]) LoadLatest(ctx context.Context, runID string) (StepRecord[S], error) {
	return m.loadLatest(ctx, runID)
}

// ListSteps implements Store.
func (m *MySQLStore[S]) ListSteps(ctx context.Context, runID string) ([]StepRecord[S], error) {
	return m.listSteps(ctx, runID)
}

// ListRuns implements Store.
func (m *MySQLStore[S]) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	return m.listRuns(ctx, limit)
}

// Ping verifies the database connection is alive.
func (m *MySQLStore[S]) Ping(ctx context.Context) error {
	return m.ping(ctx)
}

// Close closes the connection pool. Calling Close more than once is a no-op.
func (m *MySQLStore[S]) Close() error {
	return m.close()
}

// Stats exposes connection pool statistics.
func (m *MySQLStore[S]) Stats() sql.DBStats {
	return m.db.Stats()
}
