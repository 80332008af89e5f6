// Package retry provides the exponential backoff policy shared by token
// refresh, metadata calls and page fetches.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/ajitpratap0/intacct-extractor/pkg/errors"
)

// Policy defines retry behavior
type Policy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64

	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each wait with the 1-based attempt that failed.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// NewPolicy creates a new retry policy with exponential backoff
func NewPolicy(maxAttempts int, initialDelay time.Duration) *Policy {
	return &Policy{
		MaxAttempts:     maxAttempts,
		InitialDelay:    initialDelay,
		MaxDelay:        time.Minute,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// DefaultPolicy returns the policy used for API calls when none is configured
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:     4,
		InitialDelay:    1 * time.Second,
		MaxDelay:        60 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// Execute runs fn, retrying errors marked retryable by the errors package
func (p *Policy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.ExecuteWithCondition(ctx, fn, errors.IsRetryable)
}

// ExecuteWithCondition runs fn with retry only while shouldRetry accepts the error.
// A non-retryable error is returned unchanged. When attempts run out the last
// error is wrapped as transient with the attempt count attached.
func (p *Policy) ExecuteWithCondition(ctx context.Context, fn func(ctx context.Context) error, shouldRetry func(error) bool) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return err
		}

		// Don't wait after the last attempt
		if attempt == attempts-1 {
			break
		}

		delay := p.delayFor(attempt, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return errors.Wrapf(lastErr, errors.ErrorTypeTransient, "all %d attempts failed", attempts).
		WithDetail("attempts", attempts)
}

// delayFor honours a server supplied Retry-After hint as the lower bound
func (p *Policy) delayFor(attempt int, err error) time.Duration {
	delay := p.calculateDelay(attempt)
	if hint := errors.RetryAfter(err); hint > delay {
		delay = hint
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// calculateDelay calculates the delay for a given attempt
func (p *Policy) calculateDelay(attempt int) time.Duration {
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt))

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	// Apply randomization factor (jitter)
	if p.RandomizeFactor > 0 {
		delta := delay * p.RandomizeFactor
		minDelay := delay - delta
		maxDelay := delay + delta
		delay = minDelay + (rand.Float64() * (maxDelay - minDelay)) //nolint:gosec // jitter only
	}

	return time.Duration(delay)
}

func (p *Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
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

// Clone creates a copy of the retry policy
func (p *Policy) Clone() *Policy {
	clone := *p
	return &clone
}

// WithDelay returns a new policy with updated delays
func (p *Policy) WithDelay(initial, max time.Duration) *Policy {
	policy := p.Clone()
	policy.InitialDelay = initial
	policy.MaxDelay = max
	return policy
}

// WithOnRetry returns a new policy reporting each retry to fn
func (p *Policy) WithOnRetry(fn func(attempt int, delay time.Duration, err error)) *Policy {
	policy := p.Clone()
	policy.OnRetry = fn
	return policy
}
