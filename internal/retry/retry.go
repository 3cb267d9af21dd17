// Package retry provides the backoff executor used by every network-facing
// step of the pipeline. Policies are plain data; call sites pick a named
// preset and wrap their operation in Do.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacklefroy/liquid-abt-sub002/internal/faults"
)

// Predicate decides whether a failed attempt may be retried.
type Predicate func(err error, attempt int) bool

// Policy tunes the backoff executor.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	BackoffBase  float64
	Jitter       time.Duration
	// RateLimitRetries extends the retry allowance when the failure is an
	// upstream rate limit, on top of MaxRetries.
	RateLimitRetries int
	Predicate        Predicate
}

// Do runs op under the policy, sleeping between attempts with exponential
// backoff plus uniform jitter. Non-retryable errors return immediately;
// exhaustion returns the last error. Waits honour ctx cancellation.
func Do[T any](ctx context.Context, logger zerolog.Logger, policy Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	predicate := policy.Predicate
	if predicate == nil {
		predicate = func(err error, _ int) bool { return faults.Retryable(err) }
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info().Str("operation", name).Int("attempt", attempt).Msg("operation recovered after retry")
			}
			return result, nil
		}
		lastErr = err

		allowance := policy.MaxRetries
		if policy.RateLimitRetries > 0 && faults.IsRateLimit(err) {
			allowance += policy.RateLimitRetries
		}
		if attempt > allowance {
			logger.Error().Str("operation", name).Int("attempts", attempt).Err(err).Msg("retries exhausted")
			return zero, lastErr
		}
		if !predicate(err, attempt) {
			return zero, err
		}

		delay := Delay(policy, attempt+1)
		logger.Warn().
			Str("operation", name).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("attempt failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

// Delay computes the wait before the given attempt number. Attempts are
// 1-indexed; the first retry is attempt 2 and waits InitialDelay.
func Delay(policy Policy, attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}

	base := policy.BackoffBase
	if base <= 1 {
		base = 2
	}

	backoff := float64(policy.InitialDelay) * math.Pow(base, float64(attempt-2))
	if policy.MaxDelay > 0 && backoff > float64(policy.MaxDelay) {
		backoff = float64(policy.MaxDelay)
	}

	delay := time.Duration(backoff)
	if policy.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(policy.Jitter)))
	}
	return delay
}
