package pipeline

import (
	"fmt"
)

// PhaseError wraps a failure that escaped a phase's own handling. It marks
// the run failed; already-completed phase checkpoints remain valid for a
// later resume.
type PhaseError struct {
	Phase string
	Err   error
}

// NewPhaseError wraps err as a fatal failure of the named phase.
func NewPhaseError(phase string, err error) *PhaseError {
	return &PhaseError{Phase: phase, Err: err}
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %q failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}
