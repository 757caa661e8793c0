package pipeline

import (
	"encoding/json"
	"sync"
	"time"
)

// RunInputs are the pipeline-wide input parameters. Root identifies the body
// of work (e.g. a project root) and Target the desired outcome parameter
// (e.g. an output language); together they determine the run ID.
type RunInputs struct {
	Root   string            `json:"root"`
	Target string            `json:"target"`
	Params map[string]string `json:"params,omitempty"`
}

// ErrorRecord is one accumulated non-fatal failure. Phases append these to
// shared state instead of failing on individual items.
type ErrorRecord struct {
	Phase   string    `json:"phase"`
	Item    string    `json:"item,omitempty"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// RunState is the single mutable state object threaded through all phases.
// Phases never run concurrently with each other, so only one phase mutates
// it at a time; concurrent tasks inside a phase return per-item results that
// the phase folds in single-threadedly. The accessors are still locked so
// status surfaces can read while a phase runs.
type RunState struct {
	mutex   sync.RWMutex
	inputs  RunInputs
	outputs map[string]any
	errors  []ErrorRecord
}

// NewRunState creates run state carrying the given inputs.
func NewRunState(inputs RunInputs) *RunState {
	return &RunState{
		inputs:  inputs,
		outputs: map[string]any{},
	}
}

// Inputs returns the pipeline-wide inputs.
func (s *RunState) Inputs() RunInputs {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.inputs
}

// SetOutput stores a phase's output under the phase name.
func (s *RunState) SetOutput(phaseName string, value any) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.outputs[phaseName] = value
}

// Output returns the output of an earlier phase. A false result means "no
// work available" and must not be treated as fatal by later phases.
func (s *RunState) Output(phaseName string) (any, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	v, ok := s.outputs[phaseName]
	return v, ok
}

// Outputs returns a copy of all phase outputs keyed by phase name.
func (s *RunState) Outputs() map[string]any {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make(map[string]any, len(s.outputs))
	for k, v := range s.outputs {
		out[k] = v
	}
	return out
}

// AddError appends a non-fatal error record, stamping the time if unset.
func (s *RunState) AddError(record ErrorRecord) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if record.Time.IsZero() {
		record.Time = time.Now()
	}
	s.errors = append(s.errors, record)
}

// Errors returns a copy of the accumulated error records.
func (s *RunState) Errors() []ErrorRecord {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]ErrorRecord, len(s.errors))
	copy(out, s.errors)
	return out
}

// ErrorCount returns the number of accumulated error records.
func (s *RunState) ErrorCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.errors)
}

// OutputAs returns a phase output decoded as T. Outputs restored from a
// completed checkpoint come back as raw JSON rather than the live value the
// phase originally returned; this helper makes the two cases
// indistinguishable to downstream phases.
func OutputAs[T any](s *RunState, phaseName string) (T, bool) {
	var zero T
	v, ok := s.Output(phaseName)
	if !ok || v == nil {
		return zero, false
	}
	if typed, ok := v.(T); ok {
		return typed, true
	}
	if raw, ok := v.(json.RawMessage); ok {
		if err := json.Unmarshal(raw, &zero); err != nil {
			return zero, false
		}
		return zero, true
	}
	return zero, false
}
