package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// FileCheckpointer persists checkpoints as JSON files, one directory per
// run. Writes go through a temporary file followed by an atomic rename so a
// resumed process never reads a torn record.
type FileCheckpointer struct {
	dataDir string
}

// NewFileCheckpointer creates a file-based checkpointer rooted at dataDir.
func NewFileCheckpointer(dataDir string) (*FileCheckpointer, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".deepnoodle", "pipelines", "runs")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileCheckpointer{dataDir: dataDir}, nil
}

func (c *FileCheckpointer) runDir(runID string) string {
	return filepath.Join(c.dataDir, fmt.Sprintf("run_%s", runID))
}

func (c *FileCheckpointer) phasePath(runID, phaseName string) string {
	return filepath.Join(c.runDir(runID), fmt.Sprintf("%s.json", phaseName))
}

func (c *FileCheckpointer) runPath(runID string) string {
	return filepath.Join(c.runDir(runID), "run.json")
}

// SavePhase writes the phase checkpoint for a run.
func (c *FileCheckpointer) SavePhase(ctx context.Context, runID string, checkpoint *PhaseCheckpoint) error {
	return c.writeJSON(c.phasePath(runID, checkpoint.PhaseName), checkpoint)
}

// LoadPhase reads the phase checkpoint for a run, returning (nil, nil) when
// the phase has never been checkpointed.
func (c *FileCheckpointer) LoadPhase(ctx context.Context, runID, phaseName string) (*PhaseCheckpoint, error) {
	var checkpoint PhaseCheckpoint
	found, err := c.readJSON(c.phasePath(runID, phaseName), &checkpoint)
	if err != nil || !found {
		return nil, err
	}
	return &checkpoint, nil
}

// SaveRun writes the run-level checkpoint.
func (c *FileCheckpointer) SaveRun(ctx context.Context, checkpoint *RunCheckpoint) error {
	return c.writeJSON(c.runPath(checkpoint.RunID), checkpoint)
}

// LoadRun reads the run-level checkpoint, returning (nil, nil) when absent.
func (c *FileCheckpointer) LoadRun(ctx context.Context, runID string) (*RunCheckpoint, error) {
	var checkpoint RunCheckpoint
	found, err := c.readJSON(c.runPath(runID), &checkpoint)
	if err != nil || !found {
		return nil, err
	}
	return &checkpoint, nil
}

// DeleteRun removes every checkpoint for the run.
func (c *FileCheckpointer) DeleteRun(ctx context.Context, runID string) error {
	if err := os.RemoveAll(c.runDir(runID)); err != nil {
		return fmt.Errorf("failed to delete run directory: %w", err)
	}
	return nil
}

// ListRuns returns summaries for every run with a stored checkpoint, newest
// first.
func (c *FileCheckpointer) ListRuns(ctx context.Context) ([]*RunSummary, error) {
	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*RunSummary{}, nil
		}
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	var summaries []*RunSummary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var checkpoint RunCheckpoint
		found, err := c.readJSON(filepath.Join(c.dataDir, entry.Name(), "run.json"), &checkpoint)
		if err != nil || !found {
			// Skip runs we can't read
			continue
		}
		summaries = append(summaries, summarizeRun(&checkpoint))
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries, nil
}

// writeJSON writes v to path via a temp file and atomic rename.
func (c *FileCheckpointer) writeJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}
	return nil
}

// readJSON reads path into v, reporting whether the file existed.
func (c *FileCheckpointer) readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return true, nil
}
