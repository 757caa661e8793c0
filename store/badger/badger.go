// Package badger provides a Checkpointer backed by BadgerDB, for callers
// that want checkpoints in an embedded key-value store instead of loose
// files. Badger transactions give the atomic-write guarantee the
// Checkpointer contract requires.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/deepnoodle-ai/pipeline"
)

// Checkpointer stores run and phase checkpoints in a Badger database.
type Checkpointer struct {
	db *badger.DB
}

// Open creates a checkpointer backed by a Badger database at path.
func Open(path string) (*Checkpointer, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &Checkpointer{db: db}, nil
}

// OpenInMemory creates a checkpointer with no disk persistence. Useful for
// tests.
func OpenInMemory() (*Checkpointer, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &Checkpointer{db: db}, nil
}

// Close closes the underlying database.
func (c *Checkpointer) Close() error {
	return c.db.Close()
}

func runPrefix(runID string) []byte {
	return []byte(fmt.Sprintf("run/%s/", runID))
}

func phaseKey(runID, phaseName string) []byte {
	return []byte(fmt.Sprintf("run/%s/phase/%s", runID, phaseName))
}

func runKey(runID string) []byte {
	return []byte(fmt.Sprintf("run/%s/summary", runID))
}

func (c *Checkpointer) set(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// get reads key into v, reporting whether the key existed.
func (c *Checkpointer) get(key []byte, v any) (bool, error) {
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(data []byte) error {
			return json.Unmarshal(data, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return true, nil
}

func (c *Checkpointer) SavePhase(ctx context.Context, runID string, checkpoint *pipeline.PhaseCheckpoint) error {
	return c.set(phaseKey(runID, checkpoint.PhaseName), checkpoint)
}

func (c *Checkpointer) LoadPhase(ctx context.Context, runID, phaseName string) (*pipeline.PhaseCheckpoint, error) {
	var checkpoint pipeline.PhaseCheckpoint
	found, err := c.get(phaseKey(runID, phaseName), &checkpoint)
	if err != nil || !found {
		return nil, err
	}
	return &checkpoint, nil
}

func (c *Checkpointer) SaveRun(ctx context.Context, checkpoint *pipeline.RunCheckpoint) error {
	return c.set(runKey(checkpoint.RunID), checkpoint)
}

func (c *Checkpointer) LoadRun(ctx context.Context, runID string) (*pipeline.RunCheckpoint, error) {
	var checkpoint pipeline.RunCheckpoint
	found, err := c.get(runKey(runID), &checkpoint)
	if err != nil || !found {
		return nil, err
	}
	return &checkpoint, nil
}

// DeleteRun removes every key under the run's prefix.
func (c *Checkpointer) DeleteRun(ctx context.Context, runID string) error {
	prefix := runPrefix(runID)
	var keys [][]byte
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan run keys: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}
