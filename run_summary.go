package pipeline

import (
	"context"
	"time"
)

// RunSummary is a compact view of one run's checkpoint, suitable for status
// listings.
type RunSummary struct {
	RunID           string    `json:"run_id"`
	PipelineName    string    `json:"pipeline_name"`
	Status          RunStatus `json:"status"`
	CurrentPhase    string    `json:"current_phase"`
	CompletedPhases []string  `json:"completed_phases"`
	FailedPhases    []string  `json:"failed_phases"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func summarizeRun(checkpoint *RunCheckpoint) *RunSummary {
	return &RunSummary{
		RunID:           checkpoint.RunID,
		PipelineName:    checkpoint.PipelineName,
		Status:          checkpoint.Status,
		CurrentPhase:    checkpoint.CurrentPhase,
		CompletedPhases: append([]string{}, checkpoint.CompletedPhases...),
		FailedPhases:    append([]string{}, checkpoint.FailedPhases...),
		CreatedAt:       checkpoint.CreatedAt,
		UpdatedAt:       checkpoint.UpdatedAt,
	}
}

// LoadRunStatus returns the status summary for a run, or (nil, nil) when no
// checkpoint exists for it.
func LoadRunStatus(ctx context.Context, checkpointer Checkpointer, runID string) (*RunSummary, error) {
	checkpoint, err := checkpointer.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if checkpoint == nil {
		return nil, nil
	}
	return summarizeRun(checkpoint), nil
}
