package pipeline

import (
	"context"
)

// Checkpointer persists run and phase checkpoints. Implementations must make
// writes atomic from the reader's perspective: a concurrent or resumed
// reader never observes a half-written record.
type Checkpointer interface {
	// SavePhase idempotently overwrites the checkpoint for one phase of a run.
	SavePhase(ctx context.Context, runID string, checkpoint *PhaseCheckpoint) error

	// LoadPhase returns the stored checkpoint for a phase, or (nil, nil)
	// when none exists.
	LoadPhase(ctx context.Context, runID, phaseName string) (*PhaseCheckpoint, error)

	// SaveRun idempotently overwrites the run-level checkpoint.
	SaveRun(ctx context.Context, checkpoint *RunCheckpoint) error

	// LoadRun returns the stored run checkpoint, or (nil, nil) when none
	// exists.
	LoadRun(ctx context.Context, runID string) (*RunCheckpoint, error)

	// DeleteRun removes the run checkpoint and every phase checkpoint for
	// the run. Invoked only after terminal success.
	DeleteRun(ctx context.Context, runID string) error
}
