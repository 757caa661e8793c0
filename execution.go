package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.jetify.com/typeid"
)

// RunID computes the deterministic identifier for a run from its root input
// and target parameter. Invoking the engine twice with identical inputs
// yields the same ID, so a second invocation resumes the same checkpoint
// lineage instead of starting a parallel one.
func RunID(root, target string) string {
	sum := sha256.Sum256([]byte(root + ":" + target))
	return hex.EncodeToString(sum[:])[:12]
}

// NewExecutionID returns a new unique ID for one execution attempt. Unlike
// the run ID, every attempt gets a fresh one; it exists for log correlation.
func NewExecutionID() string {
	id, err := typeid.WithPrefix("exec")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// ExecutionOptions configures a new execution
type ExecutionOptions struct {
	Pipeline     *Pipeline
	Inputs       RunInputs
	Checkpointer Checkpointer
	Logger       *slog.Logger
	Formatter    PipelineFormatter
	Callbacks    ExecutionCallbacks

	// Resume makes the executor consult existing checkpoints: completed
	// phases are skipped and interrupted phases restart from their stored
	// progress. When false every phase starts fresh and overwrites any
	// prior checkpoints.
	Resume bool

	// CleanupOnSuccess purges all checkpoints for the run after terminal
	// success.
	CleanupOnSuccess bool

	// RunID overrides the deterministic run identifier.
	RunID string
}

// Result reports the outcome of a run. Errors carries every accumulated
// item-level failure and is populated even when Success is true, since
// partial item failures are non-fatal by design.
type Result struct {
	Success         bool           `json:"success"`
	RunID           string         `json:"run_id"`
	Status          RunStatus      `json:"status"`
	CompletedPhases []string       `json:"completed_phases"`
	FailedPhases    []string       `json:"failed_phases"`
	Outputs         map[string]any `json:"outputs"`
	Errors          []ErrorRecord  `json:"errors"`
}

// Execution drives one pipeline run: phases strictly in order, a run-level
// checkpoint after every transition, and per-phase checkpoints owned by the
// phases themselves.
type Execution struct {
	pipeline     *Pipeline
	state        *RunState
	checkpointer Checkpointer
	callbacks    ExecutionCallbacks
	formatter    PipelineFormatter
	logger       *slog.Logger
	runID        string
	executionID  string
	resume       bool
	cleanup      bool

	mutex   sync.Mutex
	started bool
}

// NewExecution creates a new execution for a single pipeline run.
func NewExecution(opts ExecutionOptions) (*Execution, error) {
	if opts.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if err := opts.Pipeline.validateRunners(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Checkpointer == nil {
		opts.Checkpointer = NewNullCheckpointer()
	}
	if opts.Formatter == nil {
		opts.Formatter = NewNullFormatter()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseExecutionCallbacks{}
	}
	if opts.RunID == "" {
		opts.RunID = RunID(opts.Inputs.Root, opts.Inputs.Target)
	}

	executionID := NewExecutionID()
	return &Execution{
		pipeline:     opts.Pipeline,
		state:        NewRunState(opts.Inputs),
		checkpointer: opts.Checkpointer,
		callbacks:    opts.Callbacks,
		formatter:    opts.Formatter,
		logger:       opts.Logger.With("run_id", opts.RunID, "execution_id", executionID),
		runID:        opts.RunID,
		executionID:  executionID,
		resume:       opts.Resume,
		cleanup:      opts.CleanupOnSuccess,
	}, nil
}

// RunID returns the deterministic run identifier.
func (e *Execution) RunID() string {
	return e.runID
}

// State returns the shared run state.
func (e *Execution) State() *RunState {
	return e.state
}

func (e *Execution) start() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.started {
		return fmt.Errorf("execution already started")
	}
	e.started = true
	return nil
}

// Run executes the pipeline to completion, blocking until it finishes or a
// phase fails fatally. The returned Result is non-nil in both cases.
func (e *Execution) Run(ctx context.Context) (*Result, error) {
	if err := e.start(); err != nil {
		return nil, err
	}

	startTime := time.Now()
	checkpoint, err := e.initRunCheckpoint(ctx, startTime)
	if err != nil {
		return nil, err
	}

	e.callbacks.BeforeRunExecution(ctx, &RunExecutionEvent{
		RunID:        e.runID,
		ExecutionID:  e.executionID,
		PipelineName: e.pipeline.Name(),
		Status:       RunStatusRunning,
		StartTime:    startTime,
		Inputs:       e.state.Inputs(),
	})

	var runErr error
	for _, phase := range e.pipeline.Phases() {
		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}

		checkpoint.Status = RunStatusRunning
		checkpoint.CurrentPhase = phase.Name
		e.saveRunCheckpoint(ctx, checkpoint)

		if err := e.runPhase(ctx, phase); err != nil {
			checkpoint.MarkFailed(phase.Name)
			runErr = err
			break
		}
		checkpoint.MarkCompleted(phase.Name)
		e.saveRunCheckpoint(ctx, checkpoint)
	}

	if runErr != nil {
		checkpoint.Status = RunStatusFailed
	} else {
		checkpoint.Status = RunStatusCompleted
		checkpoint.CurrentPhase = ""
	}
	e.saveRunCheckpoint(ctx, checkpoint)

	if runErr == nil && e.cleanup {
		if err := e.checkpointer.DeleteRun(ctx, e.runID); err != nil {
			e.logger.Error("failed to clean up run checkpoints", "error", err)
		} else {
			e.logger.Info("cleaned up run checkpoints")
		}
	}

	result := &Result{
		Success:         runErr == nil,
		RunID:           e.runID,
		Status:          checkpoint.Status,
		CompletedPhases: append([]string{}, checkpoint.CompletedPhases...),
		FailedPhases:    append([]string{}, checkpoint.FailedPhases...),
		Outputs:         e.state.Outputs(),
		Errors:          e.state.Errors(),
	}

	endTime := time.Now()
	e.callbacks.AfterRunExecution(ctx, &RunExecutionEvent{
		RunID:        e.runID,
		ExecutionID:  e.executionID,
		PipelineName: e.pipeline.Name(),
		Status:       checkpoint.Status,
		StartTime:    startTime,
		EndTime:      endTime,
		Duration:     endTime.Sub(startTime),
		Inputs:       e.state.Inputs(),
		Outputs:      result.Outputs,
		ErrorCount:   len(result.Errors),
		Error:        runErr,
	})

	if runErr != nil {
		e.logger.Error("run failed", "error", runErr, "completed_phases", result.CompletedPhases)
		return result, runErr
	}
	e.logger.Info("run completed",
		"completed_phases", len(result.CompletedPhases),
		"accumulated_errors", len(result.Errors))
	return result, nil
}

// initRunCheckpoint loads the existing run checkpoint when resuming, or
// creates a fresh one.
func (e *Execution) initRunCheckpoint(ctx context.Context, startTime time.Time) (*RunCheckpoint, error) {
	if e.resume {
		stored, err := e.checkpointer.LoadRun(ctx, e.runID)
		if err != nil {
			return nil, fmt.Errorf("failed to load run checkpoint: %w", err)
		}
		if stored != nil {
			stored.Status = RunStatusRunning
			stored.UpdatedAt = startTime
			e.logResumeStrategy(ctx, stored)
			return stored, nil
		}
	}
	inputs := e.state.Inputs()
	return &RunCheckpoint{
		RunID:        e.runID,
		PipelineName: e.pipeline.Name(),
		Root:         inputs.Root,
		Target:       inputs.Target,
		Status:       RunStatusStarting,
		CreatedAt:    startTime,
		UpdatedAt:    startTime,
	}, nil
}

func (e *Execution) logResumeStrategy(ctx context.Context, checkpoint *RunCheckpoint) {
	statuses := map[string]PhaseStatus{}
	for _, name := range e.pipeline.PhaseNames() {
		stored, err := e.checkpointer.LoadPhase(ctx, e.runID, name)
		if err != nil || stored == nil {
			continue
		}
		statuses[name] = stored.Status
	}
	strategy := checkpoint.ResumeStrategyFor(e.pipeline.PhaseNames(), statuses)
	e.logger.Info("resuming run from checkpoint",
		"skip", strategy.Skip,
		"resume", strategy.Resume,
		"start", strategy.Start)
}

func (e *Execution) saveRunCheckpoint(ctx context.Context, checkpoint *RunCheckpoint) {
	checkpoint.UpdatedAt = time.Now()
	if err := e.checkpointer.SaveRun(ctx, checkpoint); err != nil {
		// A failed run-summary write is not worth aborting the run over;
		// the per-phase checkpoints carry the resume-critical state.
		e.logger.Error("failed to save run checkpoint", "error", err)
	}
}

// runPhase executes a single phase through the resume protocol: skip when
// completed, resume from stored progress when partial state exists, start
// fresh otherwise.
func (e *Execution) runPhase(ctx context.Context, phase *Phase) error {
	startTime := time.Now()

	resume := &ResumePoint{Status: ResumeFresh}
	if e.resume {
		stored, err := e.checkpointer.LoadPhase(ctx, e.runID, phase.Name)
		if err != nil {
			return NewPhaseError(phase.Name, fmt.Errorf("failed to load phase checkpoint: %w", err))
		}
		resume = ResumePointFor(stored)
	}

	e.callbacks.BeforePhaseExecution(ctx, &PhaseExecutionEvent{
		RunID:        e.runID,
		PipelineName: e.pipeline.Name(),
		PhaseName:    phase.Name,
		Status:       PhaseStatusProcessing,
		Skipped:      resume.Status == ResumeSkip,
		Resumed:      resume.Status == ResumePartial,
		StartTime:    startTime,
	})

	// A completed checkpoint is immutable and authoritative: restore the
	// stored output into shared state without redoing any work.
	if resume.Status == ResumeSkip {
		e.formatter.PrintPhaseSkipped(phase.Name)
		if len(resume.State) > 0 {
			e.state.SetOutput(phase.Name, resume.State)
		}
		e.logger.Info("phase already completed, skipping", "phase", phase.Name)
		e.afterPhase(ctx, phase, PhaseStatusCompleted, true, startTime, Progress{}, nil)
		return nil
	}

	e.formatter.PrintPhaseStart(phase.Name)
	if resume.Status == ResumePartial {
		e.logger.Info("resuming phase from partial checkpoint",
			"phase", phase.Name,
			"processed", resume.Progress.Processed,
			"total", resume.Progress.Total)
	}

	job := &Job{
		runID:        e.runID,
		phase:        phase,
		state:        e.state,
		resume:       resume,
		checkpointer: e.checkpointer,
		logger:       e.logger.With("phase", phase.Name),
		progress:     resume.Progress,
	}

	// Mark the phase as processing before any work happens so an
	// interruption leaves a resumable record behind.
	processing := &PhaseCheckpoint{
		PhaseName: phase.Name,
		Status:    PhaseStatusProcessing,
		State:     resume.State,
		Progress:  resume.Progress,
		Timestamp: startTime,
	}
	if err := e.checkpointer.SavePhase(ctx, e.runID, processing); err != nil {
		return NewPhaseError(phase.Name, fmt.Errorf("failed to save phase checkpoint: %w", err))
	}

	output, err := phase.Runner.Run(ctx, job)
	if err != nil {
		// The phase checkpoint stays at processing so partial work done
		// before the failure survives for the next resume.
		e.formatter.PrintPhaseError(phase.Name, err)
		e.afterPhase(ctx, phase, PhaseStatusFailed, false, startTime, job.Progress(), err)
		return NewPhaseError(phase.Name, err)
	}

	e.state.SetOutput(phase.Name, output)

	completed := &PhaseCheckpoint{
		PhaseName: phase.Name,
		Status:    PhaseStatusCompleted,
		Progress:  job.Progress(),
		Timestamp: time.Now(),
	}
	if err := completed.EncodeState(output); err != nil {
		return NewPhaseError(phase.Name, fmt.Errorf("failed to encode phase output: %w", err))
	}
	if err := e.checkpointer.SavePhase(ctx, e.runID, completed); err != nil {
		return NewPhaseError(phase.Name, fmt.Errorf("failed to save phase checkpoint: %w", err))
	}

	e.formatter.PrintPhaseDone(phase.Name, time.Since(startTime), job.Progress())
	e.afterPhase(ctx, phase, PhaseStatusCompleted, false, startTime, job.Progress(), nil)
	return nil
}

func (e *Execution) afterPhase(ctx context.Context, phase *Phase, status PhaseStatus, skipped bool, startTime time.Time, progress Progress, err error) {
	endTime := time.Now()
	e.callbacks.AfterPhaseExecution(ctx, &PhaseExecutionEvent{
		RunID:        e.runID,
		PipelineName: e.pipeline.Name(),
		PhaseName:    phase.Name,
		Status:       status,
		Skipped:      skipped,
		StartTime:    startTime,
		EndTime:      endTime,
		Duration:     endTime.Sub(startTime),
		Progress:     progress,
		Error:        err,
	})
}
