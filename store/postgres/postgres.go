// Package postgres provides a Checkpointer backed by PostgreSQL. Upserts
// keyed by (run_id, phase_name) give the atomic-write guarantee the
// Checkpointer contract requires.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/deepnoodle-ai/pipeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_phase_checkpoints (
	run_id     TEXT NOT NULL,
	phase_name TEXT NOT NULL,
	checkpoint JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, phase_name)
);
CREATE TABLE IF NOT EXISTS pipeline_runs (
	run_id     TEXT PRIMARY KEY,
	checkpoint JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Checkpointer stores run and phase checkpoints in PostgreSQL.
type Checkpointer struct {
	db *sql.DB
}

// New wraps an existing database handle.
func New(db *sql.DB) *Checkpointer {
	return &Checkpointer{db: db}
}

// Open connects to PostgreSQL with the given DSN.
func Open(dsn string) (*Checkpointer, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	return &Checkpointer{db: db}, nil
}

// Close closes the underlying database handle.
func (c *Checkpointer) Close() error {
	return c.db.Close()
}

// EnsureSchema creates the checkpoint tables if they do not exist.
func (c *Checkpointer) EnsureSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create checkpoint tables: %w", err)
	}
	return nil
}

func (c *Checkpointer) SavePhase(ctx context.Context, runID string, checkpoint *pipeline.PhaseCheckpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO pipeline_phase_checkpoints (run_id, phase_name, checkpoint, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (run_id, phase_name)
		DO UPDATE SET checkpoint = EXCLUDED.checkpoint, updated_at = now()`,
		runID, checkpoint.PhaseName, data)
	if err != nil {
		return fmt.Errorf("failed to save phase checkpoint: %w", err)
	}
	return nil
}

func (c *Checkpointer) LoadPhase(ctx context.Context, runID, phaseName string) (*pipeline.PhaseCheckpoint, error) {
	var data []byte
	err := c.db.QueryRowContext(ctx, `
		SELECT checkpoint FROM pipeline_phase_checkpoints
		WHERE run_id = $1 AND phase_name = $2`,
		runID, phaseName).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load phase checkpoint: %w", err)
	}
	var checkpoint pipeline.PhaseCheckpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal phase checkpoint: %w", err)
	}
	return &checkpoint, nil
}

func (c *Checkpointer) SaveRun(ctx context.Context, checkpoint *pipeline.RunCheckpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (run_id, checkpoint, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (run_id)
		DO UPDATE SET checkpoint = EXCLUDED.checkpoint, updated_at = now()`,
		checkpoint.RunID, data)
	if err != nil {
		return fmt.Errorf("failed to save run checkpoint: %w", err)
	}
	return nil
}

func (c *Checkpointer) LoadRun(ctx context.Context, runID string) (*pipeline.RunCheckpoint, error) {
	var data []byte
	err := c.db.QueryRowContext(ctx, `
		SELECT checkpoint FROM pipeline_runs WHERE run_id = $1`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run checkpoint: %w", err)
	}
	var checkpoint pipeline.RunCheckpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// DeleteRun removes the run checkpoint and every phase checkpoint for the
// run in one transaction.
func (c *Checkpointer) DeleteRun(ctx context.Context, runID string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pipeline_phase_checkpoints WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("failed to delete phase checkpoints: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pipeline_runs WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("failed to delete run checkpoint: %w", err)
	}
	return tx.Commit()
}
