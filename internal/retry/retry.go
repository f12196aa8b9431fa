// Package retry holds the bounded retry policy and the clock abstraction the
// streaming tasks use for all timing, so pacing can be tested without sleeping.
package retry

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Clock is the time source used by retry loops and pacing.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}

// SleepUntil waits until t (fixed-period scheduling) or until ctx is done.
func SleepUntil(ctx context.Context, c Clock, t time.Time) error {
	return Sleep(ctx, c, t.Sub(c.Now()))
}

// ErrExhausted is returned when a policy runs out of attempts or time.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy bounds a retry loop. Zero MaxAttempts means unlimited (bounded by
// Deadline or ctx); zero Deadline means no overall limit.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Deadline    time.Duration
}

// Do calls fn until it reports done, returns an error, or the policy is
// exhausted. The delay is applied between attempts, not after the last one.
func Do(ctx context.Context, c Clock, p Policy, fn func(attempt int) (done bool, err error)) error {
	var end time.Time
	if p.Deadline > 0 {
		end = c.Now().Add(p.Deadline)
	}
	for attempt := 0; p.MaxAttempts <= 0 || attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := fn(attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if !end.IsZero() && !c.Now().Before(end) {
			break
		}
		if p.MaxAttempts > 0 && attempt == p.MaxAttempts-1 {
			break
		}
		if err := Sleep(ctx, c, p.Delay); err != nil {
			return err
		}
	}
	return ErrExhausted
}

// FakeClock is a manual clock for tests. After fires immediately and
// advances the clock by the requested duration.
type FakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

// NewFakeClock starts a fake clock at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.slept = append(f.slept, d)
	now := f.now
	f.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Advance moves the clock forward without recording a sleep.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Sleeps returns every duration passed to After.
func (f *FakeClock) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.slept))
	copy(out, f.slept)
	return out
}
