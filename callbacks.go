package pipeline

import (
	"context"
	"time"
)

// ExecutionCallbacks defines the callback interface for execution events
type ExecutionCallbacks interface {
	// Run-level callbacks
	BeforeRunExecution(ctx context.Context, event *RunExecutionEvent)
	AfterRunExecution(ctx context.Context, event *RunExecutionEvent)

	// Phase-level callbacks
	BeforePhaseExecution(ctx context.Context, event *PhaseExecutionEvent)
	AfterPhaseExecution(ctx context.Context, event *PhaseExecutionEvent)
}

// RunExecutionEvent provides context for run-level execution events
type RunExecutionEvent struct {
	RunID        string
	ExecutionID  string
	PipelineName string
	Status       RunStatus
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Inputs       RunInputs
	Outputs      map[string]any
	ErrorCount   int
	Error        error
}

// PhaseExecutionEvent provides context for phase-level execution events
type PhaseExecutionEvent struct {
	RunID        string
	PipelineName string
	PhaseName    string
	Status       PhaseStatus
	Skipped      bool
	Resumed      bool
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Progress     Progress
	Error        error
}

// BaseExecutionCallbacks provides a default implementation that does nothing
type BaseExecutionCallbacks struct{}

func (n *BaseExecutionCallbacks) BeforeRunExecution(ctx context.Context, event *RunExecutionEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) AfterRunExecution(ctx context.Context, event *RunExecutionEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) BeforePhaseExecution(ctx context.Context, event *PhaseExecutionEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) AfterPhaseExecution(ctx context.Context, event *PhaseExecutionEvent) {
	// noop
}
