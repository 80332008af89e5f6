package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/intacct-extractor/pkg/errors"
)

// recordSleeps returns a policy that never waits and records requested delays.
func recordSleeps(p *Policy) *[]time.Duration {
	var delays []time.Duration
	p.Sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return &delays
}

func TestExecuteSucceedsAfterRetries(t *testing.T) {
	p := NewPolicy(3, 100*time.Millisecond)
	p.RandomizeFactor = 0
	delays := recordSleeps(p)

	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New(errors.ErrorTypeTransient, "status 503").AsRetryable()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *delays)
}

func TestExecuteStopsOnNonRetryable(t *testing.T) {
	p := NewPolicy(5, time.Millisecond)
	delays := recordSleeps(p)

	calls := 0
	want := errors.New(errors.ErrorTypeProtocol, "not json")
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return want
	})

	assert.Same(t, want, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
}

func TestExecuteExhausted(t *testing.T) {
	p := NewPolicy(3, time.Millisecond)
	recordSleeps(p)

	var retried []int
	p.OnRetry = func(attempt int, _ time.Duration, _ error) { retried = append(retried, attempt) }

	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return errors.New(errors.ErrorTypeTransient, "status 500").AsRetryable()
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTransient))
	assert.False(t, errors.IsRetryable(err))
	assert.Contains(t, err.Error(), "all 3 attempts failed")
}

func TestRetryAfterHintIsLowerBound(t *testing.T) {
	p := NewPolicy(2, 10*time.Millisecond)
	p.RandomizeFactor = 0
	p.MaxDelay = 5 * time.Second
	delays := recordSleeps(p)

	calls := 0
	_ = p.Execute(context.Background(), func(context.Context) error {
		calls++
		return errors.New(errors.ErrorTypeTransient, "status 429").WithRetryAfter(30 * time.Second)
	})

	require.Len(t, *delays, 1)
	assert.Equal(t, 5*time.Second, (*delays)[0], "hint is capped by MaxDelay")
}

func TestExecuteHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPolicy(5, time.Hour)

	calls := 0
	err := p.Execute(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New(errors.ErrorTypeTransient, "status 502").AsRetryable()
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestCalculateDelayBounds(t *testing.T) {
	p := &Policy{InitialDelay: time.Second, MaxDelay: 4 * time.Second, Multiplier: 2, RandomizeFactor: 0.25}
	for attempt := 0; attempt < 6; attempt++ {
		base := time.Duration(float64(time.Second) * float64(int(1)<<attempt))
		if base > 4*time.Second {
			base = 4 * time.Second
		}
		d := p.calculateDelay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.75))
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.25))
	}
}
