// Package batch fans work items out across bounded concurrent workers,
// partitioned into sequential batches separated by cooldown delays.
//
// The scheduler caps instantaneous aggregate fan-out while a per-caller rate
// limiter (see the ratelimit package) caps the sustained request rate; the
// two are complementary. The batch cooldown keeps a bursty fan-out from
// overwhelming a shared quota before the rate limiter can react.
package batch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxConcurrentGroups = 2
	defaultMaxConcurrentItems  = 3
)

// Item is one unit of fan-out work. GroupKey is the parent grouping used to
// cap concurrency per group (e.g. per file); items without one form a group
// of their own. Items are transient and never persisted individually.
type Item struct {
	Key      string `json:"key"`
	GroupKey string `json:"group_key,omitempty"`
	Payload  any    `json:"payload,omitempty"`
}

// Result is the outcome of processing one item.
type Result struct {
	Key      string
	GroupKey string
	Output   any
	Err      error
}

// Outcome aggregates per-item results for a Process call. Item failures are
// captured here rather than aborting siblings; callers fold the outcome into
// their own state single-threadedly after Process returns.
type Outcome struct {
	Results  []Result
	Failures []Result
}

// SuccessCount returns the number of items that produced output.
func (o *Outcome) SuccessCount() int {
	return len(o.Results)
}

// FailureCount returns the number of items whose processing failed.
func (o *Outcome) FailureCount() int {
	return len(o.Failures)
}

// Options configure a Scheduler.
type Options struct {
	// MaxConcurrentGroups bounds simultaneously active parent groups. It is
	// also the batch size: groups are chunked into sequential batches of
	// this many.
	MaxConcurrentGroups int

	// MaxConcurrentItems bounds simultaneously active items within a group.
	MaxConcurrentItems int

	// BatchDelay is the cooldown inserted between batches.
	BatchDelay time.Duration

	Logger *slog.Logger
}

// ProcessFunc handles a single item.
type ProcessFunc func(ctx context.Context, item Item) (any, error)

// Scheduler bounds concurrency across a collection of work items. Both
// bounds are static configuration; there is no ordering guarantee among
// items within a batch, but batches execute strictly sequentially.
type Scheduler struct {
	groupLimit int
	itemLimit  int
	batchDelay time.Duration
	logger     *slog.Logger

	// Injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewScheduler creates a scheduler with the given options.
func NewScheduler(opts Options) *Scheduler {
	if opts.MaxConcurrentGroups <= 0 {
		opts.MaxConcurrentGroups = defaultMaxConcurrentGroups
	}
	if opts.MaxConcurrentItems <= 0 {
		opts.MaxConcurrentItems = defaultMaxConcurrentItems
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{
		groupLimit: opts.MaxConcurrentGroups,
		itemLimit:  opts.MaxConcurrentItems,
		batchDelay: opts.BatchDelay,
		logger:     opts.Logger,
		sleep:      sleepContext,
	}
}

// Process runs fn over every item and aggregates per-item results. An
// individual failure never aborts sibling items or the batch; the only
// error returned is context cancellation, and the partial outcome is
// returned alongside it.
func (s *Scheduler) Process(ctx context.Context, items []Item, fn ProcessFunc) (*Outcome, error) {
	outcome := &Outcome{}
	if len(items) == 0 {
		return outcome, nil
	}

	groups := groupItems(items)
	batches := chunkGroups(groups, s.groupLimit)

	var mutex sync.Mutex
	record := func(r Result) {
		mutex.Lock()
		defer mutex.Unlock()
		if r.Err != nil {
			outcome.Failures = append(outcome.Failures, r)
		} else {
			outcome.Results = append(outcome.Results, r)
		}
	}

	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}
		s.logger.Debug("processing batch",
			"batch", i+1,
			"batches", len(batches),
			"groups", len(batch))

		var wg sync.WaitGroup
		for _, group := range batch {
			wg.Add(1)
			go func(group []Item) {
				defer wg.Done()
				s.processGroup(ctx, group, fn, record)
			}(group)
		}
		wg.Wait()

		if s.batchDelay > 0 && i < len(batches)-1 {
			s.logger.Debug("cooling down before next batch", "delay", s.batchDelay)
			if err := s.sleep(ctx, s.batchDelay); err != nil {
				return outcome, err
			}
		}
	}
	return outcome, nil
}

// processGroup runs a group's items under the inner concurrency bound.
func (s *Scheduler) processGroup(ctx context.Context, group []Item, fn ProcessFunc, record func(Result)) {
	g := &errgroup.Group{}
	g.SetLimit(s.itemLimit)
	for _, item := range group {
		item := item
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				record(Result{Key: item.Key, GroupKey: item.GroupKey, Err: err})
				return nil
			}
			output, err := fn(ctx, item)
			record(Result{Key: item.Key, GroupKey: item.GroupKey, Output: output, Err: err})
			return nil
		})
	}
	g.Wait()
}

// groupItems partitions items by GroupKey, preserving first-seen group
// order. Items without a GroupKey each form their own group.
func groupItems(items []Item) [][]Item {
	var order []string
	byKey := map[string][]Item{}
	var singles [][]Item
	for _, item := range items {
		if item.GroupKey == "" {
			singles = append(singles, []Item{item})
			continue
		}
		if _, ok := byKey[item.GroupKey]; !ok {
			order = append(order, item.GroupKey)
		}
		byKey[item.GroupKey] = append(byKey[item.GroupKey], item)
	}
	groups := make([][]Item, 0, len(order)+len(singles))
	for _, key := range order {
		groups = append(groups, byKey[key])
	}
	groups = append(groups, singles...)
	return groups
}

func chunkGroups(groups [][]Item, size int) [][][]Item {
	var batches [][][]Item
	for start := 0; start < len(groups); start += size {
		end := start + size
		if end > len(groups) {
			end = len(groups)
		}
		batches = append(batches, groups[start:end])
	}
	return batches
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
