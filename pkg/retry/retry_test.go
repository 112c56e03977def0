package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(waits *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	var waits []time.Duration
	p := Policy{MaxAttempts: 3, InitialInterval: 10 * time.Millisecond, Multiplier: 2, MaxInterval: time.Second, Sleep: noSleep(&waits)}

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("503")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, waits)
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	var waits []time.Duration
	p := Policy{MaxAttempts: 2, Sleep: noSleep(&waits)}
	last := errors.New("second")

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("first")
		}
		return last
	})

	assert.ErrorIs(t, err, last)
	assert.Equal(t, 2, calls)
	assert.Len(t, waits, 1)
}

func TestDoStopsOnPermanent(t *testing.T) {
	var waits []time.Duration
	p := Policy{MaxAttempts: 5, Sleep: noSleep(&waits)}
	cause := errors.New("400 bad request")

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(cause)
	})

	assert.Equal(t, cause, err)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
	assert.Empty(t, waits)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, Sleep: func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}}

	calls := 0
	err := p.Do(ctx, func(context.Context) error {
		calls++
		return errors.New("timeout")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestBackoffIsCapped(t *testing.T) {
	p := Policy{InitialInterval: 100 * time.Millisecond, MaxInterval: 300 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 300*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 300*time.Millisecond, p.Backoff(10))
}

func TestZeroPolicyUsesDefaults(t *testing.T) {
	var p Policy
	assert.Equal(t, DefaultInitialInterval, p.Backoff(1))
	assert.Equal(t, Default().normalized().MaxAttempts, p.normalized().MaxAttempts)
}
