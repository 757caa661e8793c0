package pipeline

import "context"

// NullCheckpointer is a no-op implementation
type NullCheckpointer struct{}

func NewNullCheckpointer() *NullCheckpointer {
	return &NullCheckpointer{}
}

func (c *NullCheckpointer) SavePhase(ctx context.Context, runID string, checkpoint *PhaseCheckpoint) error {
	return nil
}

func (c *NullCheckpointer) LoadPhase(ctx context.Context, runID, phaseName string) (*PhaseCheckpoint, error) {
	return nil, nil
}

func (c *NullCheckpointer) SaveRun(ctx context.Context, checkpoint *RunCheckpoint) error {
	return nil
}

func (c *NullCheckpointer) LoadRun(ctx context.Context, runID string) (*RunCheckpoint, error) {
	return nil, nil
}

func (c *NullCheckpointer) DeleteRun(ctx context.Context, runID string) error {
	return nil
}
