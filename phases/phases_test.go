package phases

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/pipeline"
	"github.com/deepnoodle-ai/pipeline/batch"
	"github.com/deepnoodle-ai/pipeline/service"
)

type stubAnalyzer struct {
	mutex    sync.Mutex
	calls    map[string]int
	failKeys map[string]bool
	flaky    map[string]int // key -> number of rate-limited calls before success
}

func newStubAnalyzer() *stubAnalyzer {
	return &stubAnalyzer{
		calls:    map[string]int{},
		failKeys: map[string]bool{},
		flaky:    map[string]int{},
	}
}

func (a *stubAnalyzer) Analyze(ctx context.Context, req *service.Request) (*service.Analysis, error) {
	a.mutex.Lock()
	a.calls[req.Key]++
	count := a.calls[req.Key]
	a.mutex.Unlock()

	if a.failKeys[req.Key] {
		return nil, errors.New("malformed input")
	}
	if count <= a.flaky[req.Key] {
		return nil, errors.New("429: rate limit exceeded")
	}
	return &service.Analysis{
		Key:     req.Key,
		Group:   req.Group,
		Summary: "summary of " + req.Content,
	}, nil
}

func (a *stubAnalyzer) callCount(key string) int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.calls[key]
}

type stubGenerator struct {
	mutex   sync.Mutex
	calls   int
	targets map[string]string
}

func newStubGenerator() *stubGenerator {
	return &stubGenerator{targets: map[string]string{}}
}

func (g *stubGenerator) Generate(ctx context.Context, analysis *service.Analysis, target string) (*service.Artifact, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.calls++
	g.targets[analysis.Key] = target
	return &service.Artifact{
		Name:    fmt.Sprintf("%s.%s", analysis.Key, target),
		Target:  target,
		Content: []byte(analysis.Summary),
	}, nil
}

func collectPhase(items []batch.Item) *pipeline.Phase {
	return &pipeline.Phase{
		Name: "collect",
		Runner: pipeline.NewRunnerFunction("collect", func(ctx context.Context, job *pipeline.Job) (any, error) {
			return items, nil
		}),
	}
}

func TestAnalyzeGeneratePipeline(t *testing.T) {
	ctx := context.Background()
	analyzer := newStubAnalyzer()
	generator := newStubGenerator()

	items := []batch.Item{
		{Key: "a.py:parse", GroupKey: "a.py", Payload: "def parse(): ..."},
		{Key: "a.py:render", GroupKey: "a.py", Payload: "def render(): ..."},
		{Key: "b.py:main", GroupKey: "b.py", Payload: "def main(): ..."},
	}

	analyze, err := NewAnalyzePhase(AnalyzeOptions{
		Analyzer:  analyzer,
		ItemsFrom: "collect",
		Scheduler: batch.Options{MaxConcurrentGroups: 2, MaxConcurrentItems: 2},
	})
	require.NoError(t, err)
	generate, err := NewGeneratePhase(GenerateOptions{Generator: generator})
	require.NoError(t, err)

	p, err := pipeline.New(pipeline.Options{
		Name: "translator",
		Phases: []*pipeline.Phase{
			collectPhase(items),
			{Name: "analyze", Runner: analyze},
			{Name: "generate", Runner: generate},
		},
	})
	require.NoError(t, err)

	execution, err := pipeline.NewExecution(pipeline.ExecutionOptions{
		Pipeline: p,
		Inputs:   pipeline.RunInputs{Root: "/src/app", Target: "go"},
	})
	require.NoError(t, err)

	result, err := execution.Run(ctx)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Empty(t, result.Errors)

	analyses, ok := pipeline.OutputAs[*AnalysisSet](execution.State(), "analyze")
	require.True(t, ok)
	require.Len(t, analyses.Analyses, 3)
	assert.Equal(t, "summary of def main(): ...", analyses.Analyses["b.py:main"].Summary)
	assert.Equal(t, 1, analyzer.callCount("a.py:parse"))

	artifacts, ok := pipeline.OutputAs[*ArtifactSet](execution.State(), "generate")
	require.True(t, ok)
	require.Len(t, artifacts.Artifacts, 3)
	assert.Equal(t, "b.py:main.go", artifacts.Artifacts["b.py:main"].Name)
	// The generation target comes from the run inputs
	assert.Equal(t, "go", generator.targets["b.py:main"])
}

func TestAnalyzeWithoutUpstreamOutput(t *testing.T) {
	analyzer := newStubAnalyzer()
	analyze, err := NewAnalyzePhase(AnalyzeOptions{Analyzer: analyzer, ItemsFrom: "collect"})
	require.NoError(t, err)

	p, err := pipeline.New(pipeline.Options{
		Name:   "translator",
		Phases: []*pipeline.Phase{{Name: "analyze", Runner: analyze}},
	})
	require.NoError(t, err)

	execution, err := pipeline.NewExecution(pipeline.ExecutionOptions{
		Pipeline: p,
		Inputs:   pipeline.RunInputs{Root: "/src/app", Target: "go"},
	})
	require.NoError(t, err)

	// Missing upstream output means no work available, never a failure
	result, err := execution.Run(context.Background())
	require.NoError(t, err)
	require.True(t, result.Success)

	analyses, ok := pipeline.OutputAs[*AnalysisSet](execution.State(), "analyze")
	require.True(t, ok)
	assert.Empty(t, analyses.Analyses)
}

func TestAnalyzeItemFailureIsNonFatal(t *testing.T) {
	analyzer := newStubAnalyzer()
	analyzer.failKeys["a.py:bad"] = true

	items := []batch.Item{
		{Key: "a.py:good", GroupKey: "a.py", Payload: "ok"},
		{Key: "a.py:bad", GroupKey: "a.py", Payload: "broken"},
	}
	analyze, err := NewAnalyzePhase(AnalyzeOptions{
		Analyzer:   analyzer,
		ItemsFrom:  "collect",
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
	})
	require.NoError(t, err)

	p, err := pipeline.New(pipeline.Options{
		Name: "translator",
		Phases: []*pipeline.Phase{
			collectPhase(items),
			{Name: "analyze", Runner: analyze},
		},
	})
	require.NoError(t, err)

	execution, err := pipeline.NewExecution(pipeline.ExecutionOptions{
		Pipeline: p,
		Inputs:   pipeline.RunInputs{Root: "/src/app", Target: "go"},
	})
	require.NoError(t, err)

	result, err := execution.Run(context.Background())
	require.NoError(t, err)
	require.True(t, result.Success)

	// The failing item is recorded, not retried (not a rate-limit error),
	// and does not abort its sibling.
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "a.py:bad", result.Errors[0].Item)
	assert.Equal(t, 1, analyzer.callCount("a.py:bad"))

	analyses, ok := pipeline.OutputAs[*AnalysisSet](execution.State(), "analyze")
	require.True(t, ok)
	require.Len(t, analyses.Analyses, 1)
	assert.Equal(t, 1, analyses.Failures)
}

func TestAnalyzeRetriesRateLimitedCalls(t *testing.T) {
	analyzer := newStubAnalyzer()
	analyzer.flaky["a.py:slow"] = 2

	items := []batch.Item{{Key: "a.py:slow", GroupKey: "a.py", Payload: "x"}}
	analyze, err := NewAnalyzePhase(AnalyzeOptions{
		Analyzer:   analyzer,
		ItemsFrom:  "collect",
		MaxRetries: 5,
		BaseDelay:  time.Millisecond,
	})
	require.NoError(t, err)

	p, err := pipeline.New(pipeline.Options{
		Name: "translator",
		Phases: []*pipeline.Phase{
			collectPhase(items),
			{Name: "analyze", Runner: analyze},
		},
	})
	require.NoError(t, err)

	execution, err := pipeline.NewExecution(pipeline.ExecutionOptions{
		Pipeline: p,
		Inputs:   pipeline.RunInputs{Root: "/src/app", Target: "go"},
	})
	require.NoError(t, err)

	result, err := execution.Run(context.Background())
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 3, analyzer.callCount("a.py:slow"))
}

func TestAnalyzeResumeSkipsProcessedItems(t *testing.T) {
	ctx := context.Background()
	checkpointer, err := pipeline.NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)

	items := []batch.Item{
		{Key: "a.py:one", GroupKey: "a.py", Payload: "1"},
		{Key: "a.py:two", GroupKey: "a.py", Payload: "2"},
		{Key: "b.py:three", GroupKey: "b.py", Payload: "3"},
	}

	// Seed the checkpoint state of an interrupted analyze phase that already
	// handled the first item.
	runID := pipeline.RunID("/src/app", "go")
	seeded := &pipeline.PhaseCheckpoint{
		PhaseName: "analyze",
		Status:    pipeline.PhaseStatusProcessing,
		Progress:  pipeline.Progress{Processed: 1, Total: 3},
		Timestamp: time.Now(),
	}
	require.NoError(t, seeded.EncodeState(analyzeState{
		Processed: []string{"a.py:one"},
		Analyses: map[string]*service.Analysis{
			"a.py:one": {Key: "a.py:one", Group: "a.py", Summary: "summary of 1"},
		},
	}))
	require.NoError(t, checkpointer.SavePhase(ctx, runID, seeded))

	analyzer := newStubAnalyzer()
	analyze, err := NewAnalyzePhase(AnalyzeOptions{Analyzer: analyzer, ItemsFrom: "collect"})
	require.NoError(t, err)

	p, err := pipeline.New(pipeline.Options{
		Name: "translator",
		Phases: []*pipeline.Phase{
			collectPhase(items),
			{Name: "analyze", Runner: analyze},
		},
	})
	require.NoError(t, err)

	execution, err := pipeline.NewExecution(pipeline.ExecutionOptions{
		Pipeline:     p,
		Inputs:       pipeline.RunInputs{Root: "/src/app", Target: "go"},
		Checkpointer: checkpointer,
		Resume:       true,
	})
	require.NoError(t, err)

	result, err := execution.Run(ctx)
	require.NoError(t, err)
	require.True(t, result.Success)

	// The already-processed item is not re-analyzed, but its stored analysis
	// still appears in the final output.
	assert.Equal(t, 0, analyzer.callCount("a.py:one"))
	assert.Equal(t, 1, analyzer.callCount("a.py:two"))
	assert.Equal(t, 1, analyzer.callCount("b.py:three"))

	analyses, ok := pipeline.OutputAs[*AnalysisSet](execution.State(), "analyze")
	require.True(t, ok)
	require.Len(t, analyses.Analyses, 3)
	assert.Equal(t, "summary of 1", analyses.Analyses["a.py:one"].Summary)
}

func TestCheckpointRounds(t *testing.T) {
	items := []batch.Item{
		{Key: "1", GroupKey: "a"},
		{Key: "2", GroupKey: "a"},
		{Key: "3", GroupKey: "b"},
		{Key: "4", GroupKey: "c"},
		{Key: "5"},
	}
	rounds := checkpointRounds(items, 2)
	require.Len(t, rounds, 2)
	assert.Len(t, rounds[0], 3) // groups a and b
	assert.Len(t, rounds[1], 2) // group c plus the ungrouped item
}
