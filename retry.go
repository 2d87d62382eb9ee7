package direct

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy configures Retry.
type RetryPolicy struct {
	// MaxRetries is the maximum number of retry attempts after the first call.
	MaxRetries int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Multiplier is the factor by which the delay grows after each attempt.
	Multiplier float64
	// Jitter is the randomization factor (0.0 to 1.0) applied to each delay.
	Jitter float64
}

// DefaultRetryPolicy returns three retries starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.2,
	}
}

// Delay returns the wait before retry attempt (zero based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		j := delay * p.Jitter
		delay = delay - j + rand.Float64()*2*j
	}
	return time.Duration(delay)
}

// Retry calls fn until it succeeds, returns an error that is not
// retryable, or the policy is exhausted. Only ConnectError and
// TimeoutError are retried; crypto, certificate and audit failures are
// returned immediately. The last error is returned.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil || !IsRetryable(err) || attempt >= policy.MaxRetries {
			return err
		}
		timer := time.NewTimer(policy.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
