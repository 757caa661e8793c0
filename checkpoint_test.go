package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResumePointFor(t *testing.T) {
	t.Run("no checkpoint starts fresh", func(t *testing.T) {
		point := ResumePointFor(nil)
		assert.Equal(t, ResumeFresh, point.Status)
		assert.Empty(t, point.State)
	})

	t.Run("completed checkpoint skips", func(t *testing.T) {
		checkpoint := &PhaseCheckpoint{
			PhaseName: "analyze",
			Status:    PhaseStatusCompleted,
		}
		require.NoError(t, checkpoint.EncodeState(map[string]int{"files": 12}))

		point := ResumePointFor(checkpoint)
		assert.Equal(t, ResumeSkip, point.Status)

		var state map[string]int
		require.NoError(t, point.DecodeState(&state))
		assert.Equal(t, 12, state["files"])
	})

	t.Run("processing checkpoint resumes", func(t *testing.T) {
		checkpoint := &PhaseCheckpoint{
			PhaseName: "analyze",
			Status:    PhaseStatusProcessing,
			Progress:  Progress{Processed: 3, Total: 10},
		}
		point := ResumePointFor(checkpoint)
		assert.Equal(t, ResumePartial, point.Status)
		assert.Equal(t, Progress{Processed: 3, Total: 10}, point.Progress)
	})
}

func TestRunCheckpointMarks(t *testing.T) {
	checkpoint := &RunCheckpoint{RunID: "abc123"}

	checkpoint.MarkFailed("analyze")
	assert.Equal(t, []string{"analyze"}, checkpoint.FailedPhases)
	assert.False(t, checkpoint.PhaseCompleted("analyze"))

	// Completing a phase clears its earlier failure record
	checkpoint.MarkCompleted("analyze")
	checkpoint.MarkCompleted("analyze")
	assert.Equal(t, []string{"analyze"}, checkpoint.CompletedPhases)
	assert.Empty(t, checkpoint.FailedPhases)
	assert.True(t, checkpoint.PhaseCompleted("analyze"))
}

func TestResumeStrategyFor(t *testing.T) {
	checkpoint := &RunCheckpoint{
		RunID:           "abc123",
		CompletedPhases: []string{"extract"},
	}
	order := []string{"extract", "analyze", "generate", "report"}
	statuses := map[string]PhaseStatus{
		"analyze": PhaseStatusProcessing,
	}

	strategy := checkpoint.ResumeStrategyFor(order, statuses)
	assert.Equal(t, []string{"extract"}, strategy.Skip)
	assert.Equal(t, []string{"analyze"}, strategy.Resume)
	assert.Equal(t, []string{"generate", "report"}, strategy.Start)
}
