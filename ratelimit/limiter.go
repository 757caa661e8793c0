// Package ratelimit provides a sliding-window rate limiter for calls to
// shared external quotas.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// window is the span of the sliding window.
	window = time.Minute

	// epsilon is added to computed waits so the oldest entry has actually
	// left the window when the caller wakes up.
	epsilon = 100 * time.Millisecond
)

// Limiter bounds callers to a requests-per-minute budget using a sliding
// 60-second window of call timestamps. The window lives in memory only: it
// resets on process restart, which is acceptable because rate limiting is a
// soft real-time concern rather than a correctness invariant.
type Limiter struct {
	mutex     sync.Mutex
	perMinute int
	stamps    []time.Time
	logger    *slog.Logger

	// Injectable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger used to report rate-limit waits.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New creates a limiter allowing perMinute calls in any sliding 60-second
// window. A perMinute of zero or less disables limiting entirely.
func New(perMinute int, opts ...Option) *Limiter {
	l := &Limiter{
		perMinute: perMinute,
		now:       time.Now,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire blocks until a call may proceed, then records it in the window.
// It returns early only when the context is canceled. Safe for concurrent
// use: each successful return corresponds to exactly one recorded timestamp.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil || l.perMinute <= 0 {
		return nil
	}
	for {
		l.mutex.Lock()
		now := l.now()
		l.prune(now)
		if len(l.stamps) < l.perMinute {
			l.stamps = append(l.stamps, now)
			l.mutex.Unlock()
			return nil
		}
		wait := window - now.Sub(l.stamps[0]) + epsilon
		l.mutex.Unlock()

		if l.logger != nil {
			l.logger.Info("rate limit reached, waiting", "wait", wait)
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// InFlight returns the number of calls currently recorded in the window.
func (l *Limiter) InFlight() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.prune(l.now())
	return len(l.stamps)
}

// prune drops timestamps older than the window. Caller holds the mutex.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
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
