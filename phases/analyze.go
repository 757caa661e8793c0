// Package phases provides built-in phase runners that fan work out to the
// external analysis and generation services through the batch scheduler and
// retrying caller.
package phases

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/pipeline"
	"github.com/deepnoodle-ai/pipeline/batch"
	"github.com/deepnoodle-ai/pipeline/ratelimit"
	"github.com/deepnoodle-ai/pipeline/retry"
	"github.com/deepnoodle-ai/pipeline/service"
)

const defaultCheckpointEvery = 5

// AnalysisSet is the output of an analyze phase: successful analyses keyed
// by item, plus the count of item failures (recorded in shared state, never
// fatal to the phase).
type AnalysisSet struct {
	Analyses map[string]*service.Analysis `json:"analyses"`
	Failures int                          `json:"failures"`
}

// analyzeState is the phase-owned checkpoint blob. Processed carries the
// identity keys already handled so a resumed run skips them.
type analyzeState struct {
	Processed []string                     `json:"processed"`
	Analyses  map[string]*service.Analysis `json:"analyses"`
	Failures  int                          `json:"failures"`
}

// AnalyzeOptions configure an analyze phase.
type AnalyzeOptions struct {
	// Name of the phase. Defaults to "analyze".
	Name string

	// Analyzer is the external analysis service. Required.
	Analyzer service.Analyzer

	// ItemsFrom names the upstream phase whose output is the []batch.Item
	// collection to analyze. Required.
	ItemsFrom string

	// Scheduler bounds the fan-out.
	Scheduler batch.Options

	// Limiter caps the sustained request rate across all workers.
	Limiter *ratelimit.Limiter

	// MaxRetries and BaseDelay configure the per-call retry behavior.
	MaxRetries int
	BaseDelay  time.Duration

	// CheckpointEvery is the number of parent groups processed between
	// progress checkpoints. Defaults to 5.
	CheckpointEvery int
}

// AnalyzePhase fans a collection of work items out to the analysis service
// with nested concurrency bounds, periodic progress checkpoints, and
// per-item failure isolation.
type AnalyzePhase struct {
	name            string
	analyzer        service.Analyzer
	itemsFrom       string
	scheduler       *batch.Scheduler
	limiter         *ratelimit.Limiter
	maxRetries      int
	baseDelay       time.Duration
	checkpointEvery int
}

// NewAnalyzePhase creates an analyze phase runner.
func NewAnalyzePhase(opts AnalyzeOptions) (*AnalyzePhase, error) {
	if opts.Analyzer == nil {
		return nil, fmt.Errorf("analyzer is required")
	}
	if opts.ItemsFrom == "" {
		return nil, fmt.Errorf("items source phase is required")
	}
	if opts.Name == "" {
		opts.Name = "analyze"
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = defaultCheckpointEvery
	}
	return &AnalyzePhase{
		name:            opts.Name,
		analyzer:        opts.Analyzer,
		itemsFrom:       opts.ItemsFrom,
		scheduler:       batch.NewScheduler(opts.Scheduler),
		limiter:         opts.Limiter,
		maxRetries:      opts.MaxRetries,
		baseDelay:       opts.BaseDelay,
		checkpointEvery: opts.CheckpointEvery,
	}, nil
}

func (p *AnalyzePhase) Name() string {
	return p.name
}

func (p *AnalyzePhase) Run(ctx context.Context, job *pipeline.Job) (any, error) {
	items, ok := pipeline.OutputAs[[]batch.Item](job.State(), p.itemsFrom)
	if !ok || len(items) == 0 {
		// Missing upstream output means no work available, not a failure.
		job.Logger().Info("no work items available", "source", p.itemsFrom)
		return &AnalysisSet{Analyses: map[string]*service.Analysis{}}, nil
	}

	state := analyzeState{Analyses: map[string]*service.Analysis{}}
	if job.Resume().Status == pipeline.ResumePartial {
		if err := job.Resume().DecodeState(&state); err != nil {
			return nil, fmt.Errorf("failed to decode resume state: %w", err)
		}
		if state.Analyses == nil {
			state.Analyses = map[string]*service.Analysis{}
		}
		job.Logger().Info("resuming analysis",
			"already_processed", len(state.Processed),
			"total", len(items))
	}

	done := make(map[string]bool, len(state.Processed))
	for _, key := range state.Processed {
		done[key] = true
	}
	var remaining []batch.Item
	for _, item := range items {
		if !done[item.Key] {
			remaining = append(remaining, item)
		}
	}

	total := len(items)
	for _, round := range checkpointRounds(remaining, p.checkpointEvery) {
		outcome, err := p.scheduler.Process(ctx, round, p.analyzeItem)
		foldAnalyses(job, &state, outcome)
		if err != nil {
			// Context cancellation: persist what this round finished so the
			// next resume does not redo it.
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

	job.Logger().Info("analysis complete",
		"analyzed", len(state.Analyses),
		"failures", state.Failures,
		"total", total)
	return &AnalysisSet{Analyses: state.Analyses, Failures: state.Failures}, nil
}

// analyzeItem handles one work item through the rate-limited retrying caller.
func (p *AnalyzePhase) analyzeItem(ctx context.Context, item batch.Item) (any, error) {
	req := &service.Request{
		Key:     item.Key,
		Group:   item.GroupKey,
		Content: payloadString(item.Payload),
	}
	return retry.Call(ctx, func(ctx context.Context) (*service.Analysis, error) {
		return p.analyzer.Analyze(ctx, req)
	},
		retry.WithMaxRetries(p.maxRetries),
		retry.WithBaseDelay(p.baseDelay),
		retry.WithLimiter(p.limiter),
	)
}

// foldAnalyses merges a scheduler outcome into the phase state. Runs on the
// phase goroutine only; concurrent item tasks never touch shared state.
func foldAnalyses(job *pipeline.Job, state *analyzeState, outcome *batch.Outcome) {
	for _, result := range outcome.Results {
		if analysis, ok := result.Output.(*service.Analysis); ok && analysis != nil {
			state.Analyses[result.Key] = analysis
		}
		state.Processed = append(state.Processed, result.Key)
	}
	for _, result := range outcome.Failures {
		job.RecordError(result.Key, result.Err)
		state.Failures++
		state.Processed = append(state.Processed, result.Key)
	}
}

// checkpointRounds chunks items into rounds of roughly `every` parent
// groups, so progress is persisted between rounds.
func checkpointRounds(items []batch.Item, every int) [][]batch.Item {
	var rounds [][]batch.Item
	var current []batch.Item
	seen := map[string]bool{}
	for _, item := range items {
		key := item.GroupKey
		if key == "" {
			key = item.Key
		}
		if !seen[key] && len(seen) >= every {
			rounds = append(rounds, current)
			current = nil
			seen = map[string]bool{}
		}
		seen[key] = true
		current = append(current, item)
	}
	if len(current) > 0 {
		rounds = append(rounds, current)
	}
	return rounds
}

func payloadString(payload any) string {
	switch v := payload.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
