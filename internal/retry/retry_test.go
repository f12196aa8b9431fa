package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestDo_StopsWhenDone(t *testing.T) {
	clk := NewFakeClock(epoch)
	calls := 0
	err := Do(context.Background(), clk, Policy{MaxAttempts: 10, Delay: 20 * time.Microsecond}, func(int) (bool, error) {
		calls++
		return calls == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{20 * time.Microsecond, 20 * time.Microsecond}, clk.Sleeps())
}

func TestDo_Exhausted(t *testing.T) {
	clk := NewFakeClock(epoch)
	calls := 0
	err := Do(context.Background(), clk, Policy{MaxAttempts: 100, Delay: time.Microsecond}, func(int) (bool, error) {
		calls++
		return false, nil
	})
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 100, calls)
	assert.Len(t, clk.Sleeps(), 99)
}

func TestDo_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	err := Do(context.Background(), NewFakeClock(epoch), Policy{MaxAttempts: 5}, func(int) (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestDo_Deadline(t *testing.T) {
	clk := NewFakeClock(epoch)
	calls := 0
	err := Do(context.Background(), clk, Policy{Delay: 10 * time.Millisecond, Deadline: 50 * time.Millisecond}, func(int) (bool, error) {
		calls++
		return false, nil
	})
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 6, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, NewFakeClock(epoch), Policy{MaxAttempts: 3}, func(int) (bool, error) {
		t.Fatal("fn must not run")
		return false, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSleepUntil_FixedPeriod(t *testing.T) {
	clk := NewFakeClock(epoch)
	next := clk.Now().Add(10 * time.Millisecond)
	clk.Advance(3 * time.Millisecond)
	require.NoError(t, SleepUntil(context.Background(), clk, next))
	assert.Equal(t, next, clk.Now())
	assert.Equal(t, []time.Duration{7 * time.Millisecond}, clk.Sleeps())

	// Already past the deadline: no sleep.
	require.NoError(t, SleepUntil(context.Background(), clk, epoch))
	assert.Len(t, clk.Sleeps(), 1)
}
