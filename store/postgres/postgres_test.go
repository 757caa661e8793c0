package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/pipeline"
)

var _ pipeline.Checkpointer = (*Checkpointer)(nil)

// newTestCheckpointer connects to the database named by PIPELINE_POSTGRES_DSN
// and skips the test when it is unset.
func newTestCheckpointer(t *testing.T) *Checkpointer {
	t.Helper()
	dsn := os.Getenv("PIPELINE_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PIPELINE_POSTGRES_DSN not set")
	}
	checkpointer, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { checkpointer.Close() })
	require.NoError(t, checkpointer.EnsureSchema(context.Background()))
	return checkpointer
}

func TestPhaseRoundtrip(t *testing.T) {
	ctx := context.Background()
	checkpointer := newTestCheckpointer(t)
	runID := pipeline.RunID("/src/test-phase", "go")
	t.Cleanup(func() { checkpointer.DeleteRun(ctx, runID) })

	loaded, err := checkpointer.LoadPhase(ctx, runID, "analyze")
	require.NoError(t, err)
	require.Nil(t, loaded)

	checkpoint := &pipeline.PhaseCheckpoint{
		PhaseName: "analyze",
		Status:    pipeline.PhaseStatusProcessing,
		Progress:  pipeline.Progress{Processed: 2, Total: 5},
		Timestamp: time.Now(),
	}
	require.NoError(t, checkpoint.EncodeState(map[string]bool{"a": true}))
	require.NoError(t, checkpointer.SavePhase(ctx, runID, checkpoint))

	loaded, err = checkpointer.LoadPhase(ctx, runID, "analyze")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, pipeline.PhaseStatusProcessing, loaded.Status)

	// The upsert overwrites in place
	checkpoint.Status = pipeline.PhaseStatusCompleted
	require.NoError(t, checkpointer.SavePhase(ctx, runID, checkpoint))
	loaded, err = checkpointer.LoadPhase(ctx, runID, "analyze")
	require.NoError(t, err)
	assert.Equal(t, pipeline.PhaseStatusCompleted, loaded.Status)
}

func TestRunRoundtripAndDelete(t *testing.T) {
	ctx := context.Background()
	checkpointer := newTestCheckpointer(t)
	runID := pipeline.RunID("/src/test-run", "go")
	t.Cleanup(func() { checkpointer.DeleteRun(ctx, runID) })

	loaded, err := checkpointer.LoadRun(ctx, runID)
	require.NoError(t, err)
	require.Nil(t, loaded)

	require.NoError(t, checkpointer.SaveRun(ctx, &pipeline.RunCheckpoint{
		RunID:           runID,
		PipelineName:    "translator",
		Status:          pipeline.RunStatusRunning,
		CompletedPhases: []string{"extract"},
	}))
	require.NoError(t, checkpointer.SavePhase(ctx, runID, &pipeline.PhaseCheckpoint{
		PhaseName: "extract",
		Status:    pipeline.PhaseStatusCompleted,
	}))

	loaded, err = checkpointer.LoadRun(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "translator", loaded.PipelineName)

	require.NoError(t, checkpointer.DeleteRun(ctx, runID))
	loaded, err = checkpointer.LoadRun(ctx, runID)
	require.NoError(t, err)
	assert.Nil(t, loaded)
	phase, err := checkpointer.LoadPhase(ctx, runID, "extract")
	require.NoError(t, err)
	assert.Nil(t, phase)
}
