package pipeline

import (
	"context"
	"log/slog"
	"time"
)

// Phase is one named, checkpointed stage of a pipeline.
type Phase struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// RunnerName names a runner to bind from a registry. Used by
	// YAML-defined pipelines; ignored when Runner is set directly.
	RunnerName string `json:"runner,omitempty" yaml:"runner,omitempty"`

	// Runner does the phase's actual work.
	Runner Runner `json:"-" yaml:"-"`
}

// Runner performs the work of a phase. The returned value becomes the
// phase's output in shared state and is persisted in its completed
// checkpoint, so it must marshal cleanly to JSON.
type Runner interface {

	// Name returns the name of the Runner
	Name() string

	// Run the phase's work. The Job carries shared state, the resume point,
	// and checkpoint access for the running phase.
	Run(ctx context.Context, job *Job) (any, error)
}

// RunnerFunction is a function that can be used as a phase runner
type RunnerFunction struct {
	name string
	fn   func(ctx context.Context, job *Job) (any, error)
}

// NewRunnerFunction creates a new RunnerFunction
func NewRunnerFunction(name string, fn func(ctx context.Context, job *Job) (any, error)) *RunnerFunction {
	return &RunnerFunction{name: name, fn: fn}
}

func (r *RunnerFunction) Name() string {
	return r.name
}

func (r *RunnerFunction) Run(ctx context.Context, job *Job) (any, error) {
	return r.fn(ctx, job)
}

// Job is handed to a Runner for one phase of one run. It is only valid for
// the duration of that phase and must be used from the phase's own
// goroutine; concurrent item tasks report results back to the phase rather
// than touching the Job.
type Job struct {
	runID        string
	phase        *Phase
	state        *RunState
	resume       *ResumePoint
	checkpointer Checkpointer
	logger       *slog.Logger
	progress     Progress
}

// RunID returns the run this job belongs to.
func (j *Job) RunID() string {
	return j.runID
}

// PhaseName returns the name of the running phase.
func (j *Job) PhaseName() string {
	return j.phase.Name
}

// State returns the shared run state.
func (j *Job) State() *RunState {
	return j.state
}

// Resume returns the phase's resume point. Status ResumePartial means
// partial state from an interrupted run is available and already-processed
// work must not be redone.
func (j *Job) Resume() *ResumePoint {
	return j.resume
}

// Logger returns a logger scoped to the phase.
func (j *Job) Logger() *slog.Logger {
	return j.logger
}

// Progress returns the last progress reported via SaveProgress.
func (j *Job) Progress() Progress {
	return j.progress
}

// SaveProgress writes a processing checkpoint carrying phase-owned state and
// progress counters. Each phase chooses its own cadence: checkpointing every
// N items trades resume precision against write overhead.
func (j *Job) SaveProgress(ctx context.Context, state any, progress Progress) error {
	checkpoint := &PhaseCheckpoint{
		PhaseName: j.phase.Name,
		Status:    PhaseStatusProcessing,
		Progress:  progress,
		Timestamp: time.Now(),
	}
	if err := checkpoint.EncodeState(state); err != nil {
		return err
	}
	if err := j.checkpointer.SavePhase(ctx, j.runID, checkpoint); err != nil {
		return err
	}
	j.progress = progress
	return nil
}

// RecordError appends a non-fatal item failure to shared state. The item and
// its siblings do not abort the phase.
func (j *Job) RecordError(item string, err error) {
	j.state.AddError(ErrorRecord{
		Phase:   j.phase.Name,
		Item:    item,
		Message: err.Error(),
	})
	j.logger.Warn("item failed", "item", item, "error", err)
}
