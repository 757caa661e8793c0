package pipeline

import (
	"encoding/json"
	"time"
)

// PhaseStatus describes where a phase stands in its lifecycle.
type PhaseStatus string

const (
	PhaseStatusNotStarted PhaseStatus = "not_started"
	PhaseStatusProcessing PhaseStatus = "processing"
	PhaseStatusCompleted  PhaseStatus = "completed"
	PhaseStatusFailed     PhaseStatus = "failed"
)

// RunStatus describes where a run stands in its lifecycle.
type RunStatus string

const (
	RunStatusStarting  RunStatus = "starting"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Progress tracks how far through its work a phase has gotten.
type Progress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
}

// PhaseCheckpoint is the durable record for one (run, phase) pair. The State
// blob is owned by the phase: the engine persists and restores it but never
// interprets it. A completed checkpoint is authoritative - the engine will
// not re-run a phase whose checkpoint status is completed.
type PhaseCheckpoint struct {
	PhaseName string          `json:"phase_name"`
	Status    PhaseStatus     `json:"status"`
	State     json.RawMessage `json:"state,omitempty"`
	Progress  Progress        `json:"progress"`
	Timestamp time.Time       `json:"timestamp"`
}

// EncodeState marshals a phase-owned state value into the checkpoint.
func (c *PhaseCheckpoint) EncodeState(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.State = data
	return nil
}

// DecodeState unmarshals the checkpoint's state blob into v.
func (c *PhaseCheckpoint) DecodeState(v any) error {
	if len(c.State) == 0 {
		return nil
	}
	return json.Unmarshal(c.State, v)
}

// RunCheckpoint is the run-level summary record, persisted after every phase
// transition independently of the per-phase checkpoints.
type RunCheckpoint struct {
	RunID           string    `json:"run_id"`
	PipelineName    string    `json:"pipeline_name"`
	Root            string    `json:"root"`
	Target          string    `json:"target"`
	Status          RunStatus `json:"status"`
	CurrentPhase    string    `json:"current_phase"`
	CompletedPhases []string  `json:"completed_phases"`
	FailedPhases    []string  `json:"failed_phases"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// PhaseCompleted reports whether the named phase is recorded as completed.
func (c *RunCheckpoint) PhaseCompleted(name string) bool {
	return containsString(c.CompletedPhases, name)
}

// MarkCompleted records the named phase as completed, clearing any earlier
// failure record for it.
func (c *RunCheckpoint) MarkCompleted(name string) {
	c.FailedPhases = removeString(c.FailedPhases, name)
	if !containsString(c.CompletedPhases, name) {
		c.CompletedPhases = append(c.CompletedPhases, name)
	}
}

// MarkFailed records the named phase as failed.
func (c *RunCheckpoint) MarkFailed(name string) {
	if !containsString(c.FailedPhases, name) {
		c.FailedPhases = append(c.FailedPhases, name)
	}
}

// ResumeStrategy partitions a phase order into the phases that can be
// skipped outright, those with partial state to resume from, and those that
// start fresh.
type ResumeStrategy struct {
	Skip   []string `json:"skip"`
	Resume []string `json:"resume"`
	Start  []string `json:"start"`
}

// ResumeStrategyFor computes the resume strategy for the given phase order
// using the stored per-phase statuses.
func (c *RunCheckpoint) ResumeStrategyFor(order []string, statuses map[string]PhaseStatus) ResumeStrategy {
	var strategy ResumeStrategy
	for _, name := range order {
		switch {
		case c.PhaseCompleted(name) || statuses[name] == PhaseStatusCompleted:
			strategy.Skip = append(strategy.Skip, name)
		case statuses[name] == PhaseStatusProcessing:
			strategy.Resume = append(strategy.Resume, name)
		default:
			strategy.Start = append(strategy.Start, name)
		}
	}
	return strategy
}

// ResumeStatus is the outcome of consulting a phase checkpoint before work.
type ResumeStatus string

const (
	// ResumeFresh means no usable checkpoint exists; start from zero.
	ResumeFresh ResumeStatus = "not_started"

	// ResumeSkip means the phase already completed; restore its output.
	ResumeSkip ResumeStatus = "completed"

	// ResumePartial means partial state exists; restart from the stored
	// progress markers instead of from zero.
	ResumePartial ResumeStatus = "resume"
)

// ResumePoint tells a phase how to begin.
type ResumePoint struct {
	Status   ResumeStatus
	State    json.RawMessage
	Progress Progress
}

// DecodeState unmarshals the resume point's state blob into v.
func (r *ResumePoint) DecodeState(v any) error {
	if len(r.State) == 0 {
		return nil
	}
	return json.Unmarshal(r.State, v)
}

// ResumePointFor derives a resume point from a stored phase checkpoint.
// A nil checkpoint means the phase has never run.
func ResumePointFor(checkpoint *PhaseCheckpoint) *ResumePoint {
	if checkpoint == nil {
		return &ResumePoint{Status: ResumeFresh}
	}
	if checkpoint.Status == PhaseStatusCompleted {
		return &ResumePoint{Status: ResumeSkip, State: checkpoint.State}
	}
	return &ResumePoint{
		Status:   ResumePartial,
		State:    checkpoint.State,
		Progress: checkpoint.Progress,
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
