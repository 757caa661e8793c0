package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyItems(t *testing.T) {
	s := NewScheduler(Options{})
	outcome, err := s.Process(context.Background(), nil, func(ctx context.Context, item Item) (any, error) {
		t.Fatal("unexpected call")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.SuccessCount())
	assert.Equal(t, 0, outcome.FailureCount())
}

func TestBatchIsolation(t *testing.T) {
	items := []Item{
		{Key: "1", GroupKey: "g"},
		{Key: "2", GroupKey: "g"},
		{Key: "3", GroupKey: "g"},
		{Key: "4", GroupKey: "g"},
		{Key: "5", GroupKey: "g"},
	}
	s := NewScheduler(Options{MaxConcurrentItems: 2})

	outcome, err := s.Process(context.Background(), items, func(ctx context.Context, item Item) (any, error) {
		if item.Key == "3" {
			return nil, errors.New("malformed input")
		}
		return "ok:" + item.Key, nil
	})
	require.NoError(t, err)

	// One failing item never aborts its siblings
	assert.Equal(t, 4, outcome.SuccessCount())
	assert.Equal(t, 1, outcome.FailureCount())
	assert.Equal(t, "3", outcome.Failures[0].Key)
	assert.EqualError(t, outcome.Failures[0].Err, "malformed input")
}

func TestConcurrencyBoundWithFailures(t *testing.T) {
	// 10 items, inner bound of 3, items 4 and 7 always fail: expect 8
	// successes, 2 failures, and never more than 3 in-flight calls.
	var items []Item
	for i := 1; i <= 10; i++ {
		items = append(items, Item{Key: fmt.Sprintf("%d", i), GroupKey: "extract"})
	}
	s := NewScheduler(Options{MaxConcurrentGroups: 3, MaxConcurrentItems: 3})

	var inFlight, maxInFlight atomic.Int32
	outcome, err := s.Process(context.Background(), items, func(ctx context.Context, item Item) (any, error) {
		current := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			observed := maxInFlight.Load()
			if current <= observed || maxInFlight.CompareAndSwap(observed, current) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		if item.Key == "4" || item.Key == "7" {
			return nil, errors.New("invalid item")
		}
		return item.Key, nil
	})
	require.NoError(t, err)

	assert.Equal(t, 8, outcome.SuccessCount())
	assert.Equal(t, 2, outcome.FailureCount())
	assert.LessOrEqual(t, maxInFlight.Load(), int32(3))
}

func TestBatchesRunSequentiallyWithCooldown(t *testing.T) {
	items := []Item{
		{Key: "a1", GroupKey: "a"},
		{Key: "a2", GroupKey: "a"},
		{Key: "b1", GroupKey: "b"},
		{Key: "c1", GroupKey: "c"},
		{Key: "d1", GroupKey: "d"},
	}
	s := NewScheduler(Options{
		MaxConcurrentGroups: 2,
		MaxConcurrentItems:  2,
		BatchDelay:          5 * time.Millisecond,
	})

	var mutex sync.Mutex
	var cooldowns []time.Duration
	batchIndex := map[string]int{}
	currentBatch := 0

	s.sleep = func(ctx context.Context, d time.Duration) error {
		mutex.Lock()
		defer mutex.Unlock()
		cooldowns = append(cooldowns, d)
		currentBatch++
		return nil
	}

	outcome, err := s.Process(context.Background(), items, func(ctx context.Context, item Item) (any, error) {
		mutex.Lock()
		defer mutex.Unlock()
		batchIndex[item.Key] = currentBatch
		return nil, nil
	})
	require.NoError(t, err)
	require.Equal(t, 5, outcome.SuccessCount())

	// Four groups with an outer bound of two means two batches and a
	// single cooldown between them (none after the last batch).
	require.Equal(t, []time.Duration{5 * time.Millisecond}, cooldowns)
	assert.Equal(t, 0, batchIndex["a1"])
	assert.Equal(t, 0, batchIndex["a2"])
	assert.Equal(t, 0, batchIndex["b1"])
	assert.Equal(t, 1, batchIndex["c1"])
	assert.Equal(t, 1, batchIndex["d1"])
}

func TestUngroupedItemsFormOwnGroups(t *testing.T) {
	items := []Item{{Key: "x"}, {Key: "y"}, {Key: "z"}}
	s := NewScheduler(Options{MaxConcurrentGroups: 2, MaxConcurrentItems: 1, BatchDelay: time.Millisecond})

	cooldowns := 0
	s.sleep = func(ctx context.Context, d time.Duration) error {
		cooldowns++
		return nil
	}

	outcome, err := s.Process(context.Background(), items, func(ctx context.Context, item Item) (any, error) {
		return item.Key, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, outcome.SuccessCount())
	// Three single-item groups, outer bound two: two batches
	assert.Equal(t, 1, cooldowns)
}

func TestContextCanceledDuringCooldown(t *testing.T) {
	items := []Item{
		{Key: "a", GroupKey: "a"},
		{Key: "b", GroupKey: "b"},
	}
	s := NewScheduler(Options{MaxConcurrentGroups: 1, MaxConcurrentItems: 1, BatchDelay: time.Millisecond})
	s.sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}

	outcome, err := s.Process(context.Background(), items, func(ctx context.Context, item Item) (any, error) {
		return item.Key, nil
	})
	require.ErrorIs(t, err, context.Canceled)
	// The partial outcome from the first batch is still returned
	assert.Equal(t, 1, outcome.SuccessCount())
}
