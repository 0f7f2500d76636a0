package domain

import (
	"math"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig governs the queue's backoff policy, per spec §4.1: delay =
// min(max_delay, base_delay * multiplier^attempt), with optional jitter.
// Generalized from the teacher's internal/domain/retry_entities.go, which
// scoped the same shape to one task type; here it applies to any Job.
type RetryConfig struct {
	MaxRetries   int
	BaseDelay    time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       float64 // fraction, e.g. 0.10 for ±10%

	RetryableErrors    []string
	NonRetryableErrors []string
}

// DefaultRetryConfig returns the spec's suggested defaults: 3 retries,
// 10s base delay, 2x multiplier, 1h cap, 10% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  10 * time.Second,
		Multiplier: 2.0,
		MaxDelay:   time.Hour,
		Jitter:     0.10,
		RetryableErrors: []string{
			"context deadline exceeded",
			"connection refused",
			"timeout",
			"temporary failure",
			"rate limited",
			"upstream timeout",
		},
		NonRetryableErrors: []string{
			"invalid argument",
			"not found",
			"conflict",
			"schema invalid",
			"authentication failed",
			"authorization failed",
		},
	}
}

// ShouldRetry decides whether a job at the given attempt count, having
// failed with err, should be retried under this policy.
func (c RetryConfig) ShouldRetry(attemptCount int, errMsg string) bool {
	if attemptCount >= c.MaxRetries {
		return false
	}
	lower := strings.ToLower(errMsg)
	for _, nre := range c.NonRetryableErrors {
		if strings.Contains(lower, nre) {
			return false
		}
	}
	return true
}

// BackoffDelay computes the delay before the (attempt+1)-th retry, applying
// the configured jitter symmetrically around the computed exponential value.
func (c RetryConfig) BackoffDelay(attempt int) time.Duration {
	base := c.BaseDelay
	if base <= 0 {
		base = 10 * time.Second
	}
	mult := c.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(base) * math.Pow(mult, float64(attempt))
	maxDelay := c.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Hour
	}
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	if c.Jitter > 0 {
		spread := delay * c.Jitter
		delay += (rand.Float64()*2 - 1) * spread //nolint:gosec // jitter does not need a CSPRNG
		if delay < 0 {
			delay = 0
		}
	}
	return time.Duration(delay)
}
