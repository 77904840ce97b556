// Package retry computes exponential backoff for workflow and activity
// retries and classifies errors that must not be retried.
package retry

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

// Default values applied by Policy.WithDefaults
const (
	DefaultInitialInterval    = time.Second
	DefaultBackoffCoefficient = 2.0
	// DefaultMaximumIntervalFactor caps the interval at this multiple of the
	// initial interval when no maximum is set.
	DefaultMaximumIntervalFactor = 100
)

// Policy governs whether a failed attempt is retried and after how long.
// The delay after the n-th failed attempt is
// InitialInterval * BackoffCoefficient^(n-1), capped at MaximumInterval.
type Policy struct {
	InitialInterval    time.Duration `json:"initial_interval,omitempty" yaml:"initial_interval,omitempty"`
	BackoffCoefficient float64       `json:"backoff_coefficient,omitempty" yaml:"backoff_coefficient,omitempty"`
	MaximumInterval    time.Duration `json:"maximum_interval,omitempty" yaml:"maximum_interval,omitempty"`
	// MaximumAttempts is the number of retries allowed after the first
	// attempt. Zero means unlimited, bounded by ExpirationInterval.
	MaximumAttempts int `json:"maximum_attempts,omitempty" yaml:"maximum_attempts,omitempty"`
	// ExpirationInterval bounds the total time spent retrying, measured from
	// the start of the first attempt. Zero means no bound.
	ExpirationInterval time.Duration `json:"expiration_interval,omitempty" yaml:"expiration_interval,omitempty"`
	// NonRetryableErrorReasons lists failure types that are never retried.
	NonRetryableErrorReasons []string `json:"non_retryable_error_reasons,omitempty" yaml:"non_retryable_error_reasons,omitempty"`
}

// Validate reports configuration errors
func (p *Policy) Validate() error {
	if p == nil {
		return nil
	}
	if p.InitialInterval < 0 {
		return errors.New("retry policy: initial interval must not be negative")
	}
	if p.BackoffCoefficient != 0 && p.BackoffCoefficient < 1 {
		return fmt.Errorf("retry policy: backoff coefficient must be at least 1, got %v", p.BackoffCoefficient)
	}
	if p.MaximumInterval < 0 {
		return errors.New("retry policy: maximum interval must not be negative")
	}
	if p.MaximumInterval > 0 && p.MaximumInterval < p.InitialInterval {
		return errors.New("retry policy: maximum interval is below the initial interval")
	}
	if p.MaximumAttempts < 0 {
		return errors.New("retry policy: maximum attempts must not be negative")
	}
	if p.MaximumAttempts == 0 && p.ExpirationInterval <= 0 {
		return errors.New("retry policy: either maximum attempts or expiration interval is required")
	}
	return nil
}

// WithDefaults returns a copy with zero fields replaced by defaults
func (p Policy) WithDefaults() Policy {
	if p.InitialInterval == 0 {
		p.InitialInterval = DefaultInitialInterval
	}
	if p.BackoffCoefficient == 0 {
		p.BackoffCoefficient = DefaultBackoffCoefficient
	}
	if p.MaximumInterval == 0 {
		p.MaximumInterval = p.InitialInterval * DefaultMaximumIntervalFactor
	}
	return p
}

// Backoff returns the delay after the given failed attempt (1-based)
func (p *Policy) Backoff(attempt int) time.Duration {
	d := p.WithDefaults()
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(d.InitialInterval) * math.Pow(d.BackoffCoefficient, float64(attempt-1))
	if delay > float64(d.MaximumInterval) || math.IsInf(delay, 0) {
		return d.MaximumInterval
	}
	return time.Duration(delay)
}

// IsRetryableReason reports whether a failure of the given type may be retried
func (p *Policy) IsRetryableReason(reason string) bool {
	return !slices.Contains(p.NonRetryableErrorReasons, reason)
}

// NextDelay decides whether the failed attempt is retried. It returns the
// delay before the next attempt and true, or false when retries are
// exhausted, the failure is non-retryable, or the next attempt would start
// after expiration. A zero expiration means no deadline.
func (p *Policy) NextDelay(attempt int, reason string, nonRetryable bool, now, expiration time.Time) (time.Duration, bool) {
	if p == nil || nonRetryable || !p.IsRetryableReason(reason) {
		return 0, false
	}
	if p.MaximumAttempts > 0 && attempt > p.MaximumAttempts {
		return 0, false
	}
	delay := p.Backoff(attempt)
	if !expiration.IsZero() && now.Add(delay).After(expiration) {
		return 0, false
	}
	return delay, true
}

// ExpirationTime returns the deadline for retries of a chain started at
// start, or the zero time when the policy has none.
func (p *Policy) ExpirationTime(start time.Time) time.Time {
	if p == nil || p.ExpirationInterval <= 0 {
		return time.Time{}
	}
	return start.Add(p.ExpirationInterval)
}
