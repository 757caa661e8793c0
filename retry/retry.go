// Package retry wraps single external calls with rate limiting and bounded
// exponential-backoff retry on transient rate-limit failures.
package retry

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 5 * time.Second
)

// Limiter is acquired before every attempt. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Acquire(ctx context.Context) error
}

type config struct {
	maxAttempts int
	baseDelay   time.Duration
	jitter      bool
	limiter     Limiter
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
	randFloat   func() float64
}

// Option configures a retrying call.
type Option func(*config)

// WithMaxRetries bounds the total number of attempts. A call that keeps
// failing with a retryable error is attempted exactly n times; values below
// one still allow a single attempt.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxAttempts = n }
}

// WithBaseDelay sets the backoff base: attempt k waits base × 2^(k-1)
// before retrying.
func WithBaseDelay(d time.Duration) Option {
	return func(c *config) { c.baseDelay = d }
}

// WithJitter randomizes each backoff delay over [0, delay). Off by default;
// without it, concurrent callers hitting the same quota can retry in
// lockstep.
func WithJitter(enabled bool) Option {
	return func(c *config) { c.jitter = enabled }
}

// WithLimiter acquires the given rate limiter before every attempt.
func WithLimiter(l Limiter) Option {
	return func(c *config) { c.limiter = l }
}

// WithLogger sets the logger used to report retries.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// withSleep replaces the delay function. Test hook.
func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *config) { c.sleep = fn }
}

func newConfig(opts []Option) *config {
	c := &config{
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		sleep:       sleepContext,
		randFloat:   rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 1
	}
	return c
}

// Do invokes fn, retrying rate-limit failures with exponential backoff.
// Non-retryable failures propagate immediately after a single attempt;
// exhausting the attempt budget propagates the last failure.
func Do(ctx context.Context, fn func(ctx context.Context) error, opts ...Option) error {
	_, err := Call(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)
	return err
}

// Call is like Do for operations that return a value.
func Call[T any](ctx context.Context, fn func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var zero T
	c := newConfig(opts)

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Acquire(ctx); err != nil {
				return zero, err
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if !IsRetryable(err) {
			return zero, err
		}
		lastErr = err

		if attempt == c.maxAttempts-1 {
			break
		}
		delay := c.baseDelay << uint(attempt)
		if c.jitter {
			delay = time.Duration(c.randFloat() * float64(delay))
		}
		if c.logger != nil {
			c.logger.Warn("rate limited, backing off",
				"attempt", attempt+1,
				"max_attempts", c.maxAttempts,
				"delay", delay,
				"error", err)
		}
		if err := c.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
