package phases

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/deepnoodle-ai/pipeline"
	"github.com/deepnoodle-ai/pipeline/batch"
	"github.com/deepnoodle-ai/pipeline/ratelimit"
	"github.com/deepnoodle-ai/pipeline/retry"
	"github.com/deepnoodle-ai/pipeline/service"
)

// ArtifactSet is the output of a generate phase.
type ArtifactSet struct {
	Artifacts map[string]*service.Artifact `json:"artifacts"`
	Failures  int                          `json:"failures"`
}

type generateState struct {
	Processed []string                     `json:"processed"`
	Artifacts map[string]*service.Artifact `json:"artifacts"`
	Failures  int                          `json:"failures"`
}

// GenerateOptions configure a generate phase.
type GenerateOptions struct {
	// Name of the phase. Defaults to "generate".
	Name string

	// Generator is the external generation service. Required.
	Generator service.Generator

	// AnalysesFrom names the upstream phase whose output is the AnalysisSet
	// to generate from. Defaults to "analyze".
	AnalysesFrom string

	Scheduler batch.Options
	Limiter   *ratelimit.Limiter

	MaxRetries int
	BaseDelay  time.Duration

	CheckpointEvery int
}

// GeneratePhase produces one artifact per upstream analysis, with the same
// bounded fan-out, retry, and resume behavior as the analyze phase. The
// generation target comes from the run inputs.
type GeneratePhase struct {
	name            string
	generator       service.Generator
	analysesFrom    string
	scheduler       *batch.Scheduler
	limiter         *ratelimit.Limiter
	maxRetries      int
	baseDelay       time.Duration
	checkpointEvery int
}

// NewGeneratePhase creates a generate phase runner.
func NewGeneratePhase(opts GenerateOptions) (*GeneratePhase, error) {
	if opts.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if opts.Name == "" {
		opts.Name = "generate"
	}
	if opts.AnalysesFrom == "" {
		opts.AnalysesFrom = "analyze"
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = defaultCheckpointEvery
	}
	return &GeneratePhase{
		name:            opts.Name,
		generator:       opts.Generator,
		analysesFrom:    opts.AnalysesFrom,
		scheduler:       batch.NewScheduler(opts.Scheduler),
		limiter:         opts.Limiter,
		maxRetries:      opts.MaxRetries,
		baseDelay:       opts.BaseDelay,
		checkpointEvery: opts.CheckpointEvery,
	}, nil
}

func (p *GeneratePhase) Name() string {
	return p.name
}

func (p *GeneratePhase) Run(ctx context.Context, job *pipeline.Job) (any, error) {
	analyses, ok := pipeline.OutputAs[*AnalysisSet](job.State(), p.analysesFrom)
	if !ok || analyses == nil || len(analyses.Analyses) == 0 {
		job.Logger().Info("no analyses available", "source", p.analysesFrom)
		return &ArtifactSet{Artifacts: map[string]*service.Artifact{}}, nil
	}

	state := generateState{Artifacts: map[string]*service.Artifact{}}
	if job.Resume().Status == pipeline.ResumePartial {
		if err := job.Resume().DecodeState(&state); err != nil {
			return nil, fmt.Errorf("failed to decode resume state: %w", err)
		}
		if state.Artifacts == nil {
			state.Artifacts = map[string]*service.Artifact{}
		}
	}

	done := make(map[string]bool, len(state.Processed))
	for _, key := range state.Processed {
		done[key] = true
	}

	target := job.State().Inputs().Target
	items := generateItems(analyses, done)
	total := len(analyses.Analyses)

	for _, round := range checkpointRounds(items, p.checkpointEvery) {
		outcome, err := p.scheduler.Process(ctx, round, func(ctx context.Context, item batch.Item) (any, error) {
			analysis := item.Payload.(*service.Analysis)
			return retry.Call(ctx, func(ctx context.Context) (*service.Artifact, error) {
				return p.generator.Generate(ctx, analysis, target)
			},
				retry.WithMaxRetries(p.maxRetries),
				retry.WithBaseDelay(p.baseDelay),
				retry.WithLimiter(p.limiter),
			)
		})
		foldArtifacts(job, &state, outcome)
		if err != nil {
			saveCtx := context.WithoutCancel(ctx)
			_ = job.SaveProgress(saveCtx, state, pipeline.Progress{
				Processed: len(state.Processed),
				Total:     total,
			})
			return nil, err
		}
		progress := pipeline.Progress{Processed: len(state.Processed), Total: total}
		if err := job.SaveProgress(ctx, state, progress); err != nil {
			return nil, fmt.Errorf("failed to save progress: %w", err)
		}
	}

	job.Logger().Info("generation complete",
		"artifacts", len(state.Artifacts),
		"failures", state.Failures,
		"target", target)
	return &ArtifactSet{Artifacts: state.Artifacts, Failures: state.Failures}, nil
}

// generateItems builds the fan-out collection from the analysis set in a
// stable order, skipping already-processed keys.
func generateItems(analyses *AnalysisSet, done map[string]bool) []batch.Item {
	keys := make([]string, 0, len(analyses.Analyses))
	for key := range analyses.Analyses {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var items []batch.Item
	for _, key := range keys {
		if done[key] {
			continue
		}
		analysis := analyses.Analyses[key]
		items = append(items, batch.Item{
			Key:      key,
			GroupKey: analysis.Group,
			Payload:  analysis,
		})
	}
	return items
}

func foldArtifacts(job *pipeline.Job, state *generateState, outcome *batch.Outcome) {
	for _, result := range outcome.Results {
		if artifact, ok := result.Output.(*service.Artifact); ok && artifact != nil {
			state.Artifacts[result.Key] = artifact
		}
		state.Processed = append(state.Processed, result.Key)
	}
	for _, result := range outcome.Failures {
		job.RecordError(result.Key, result.Err)
		state.Failures++
		state.Processed = append(state.Processed, result.Key)
	}
}
