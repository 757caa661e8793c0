package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Options are used to configure a pipeline.
type Options struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Phases      []*Phase `json:"phases" yaml:"phases"`
}

// Pipeline defines a batch process as a fixed, ordered list of checkpointed
// phases. The order is static: phases always execute sequentially, in the
// order given, with no dynamic insertion.
type Pipeline struct {
	name         string
	description  string
	phases       []*Phase
	phasesByName map[string]*Phase
}

// New returns a new Pipeline configured with the given options.
func New(opts Options) (*Pipeline, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("pipeline name required")
	}
	if len(opts.Phases) == 0 {
		return nil, fmt.Errorf("phases required")
	}

	phasesByName := make(map[string]*Phase, len(opts.Phases))
	for _, phase := range opts.Phases {
		if phase.Name == "" {
			return nil, fmt.Errorf("phase name required")
		}
		if _, ok := phasesByName[phase.Name]; ok {
			return nil, fmt.Errorf("duplicate phase name %q", phase.Name)
		}
		phasesByName[phase.Name] = phase
	}

	return &Pipeline{
		name:         opts.Name,
		description:  opts.Description,
		phases:       opts.Phases,
		phasesByName: phasesByName,
	}, nil
}

// Name returns the pipeline name
func (p *Pipeline) Name() string {
	return p.name
}

// Description returns the pipeline description
func (p *Pipeline) Description() string {
	return p.description
}

// Phases returns the pipeline phases in execution order
func (p *Pipeline) Phases() []*Phase {
	return p.phases
}

// GetPhase returns a phase by name
func (p *Pipeline) GetPhase(name string) (*Phase, bool) {
	phase, ok := p.phasesByName[name]
	return phase, ok
}

// PhaseNames returns the names of all phases in execution order
func (p *Pipeline) PhaseNames() []string {
	names := make([]string, 0, len(p.phases))
	for _, phase := range p.phases {
		names = append(names, phase.Name)
	}
	return names
}

// BindRunners resolves each phase's RunnerName against the given registry.
// Phases with a Runner already set are left untouched.
func (p *Pipeline) BindRunners(registry map[string]Runner) error {
	for _, phase := range p.phases {
		if phase.Runner != nil {
			continue
		}
		name := phase.RunnerName
		if name == "" {
			name = phase.Name
		}
		runner, ok := registry[name]
		if !ok {
			return fmt.Errorf("no runner registered for phase %q", phase.Name)
		}
		phase.Runner = runner
	}
	return nil
}

// validateRunners confirms every phase has a bound runner.
func (p *Pipeline) validateRunners() error {
	for _, phase := range p.phases {
		if phase.Runner == nil {
			return fmt.Errorf("phase %q has no runner bound", phase.Name)
		}
	}
	return nil
}

// LoadFile loads a pipeline definition from a YAML file. Runners must be
// bound afterwards via BindRunners.
func LoadFile(path string) (*Pipeline, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	return LoadString(string(yamlData))
}

// LoadString loads a pipeline definition from a YAML string
func LoadString(data string) (*Pipeline, error) {
	var opts Options
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pipeline file: %w", err)
	}
	return New(opts)
}
