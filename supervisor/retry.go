// ABOUTME: Retry policy for failed agent runs and its exponential backoff delay calculation.
// ABOUTME: Retries are bounded; an exhausted policy hands the task to a human instead of looping.
package supervisor

import (
	"math"
	"slices"
	"time"

	"github.com/2389-research/taskflow/core"
)

// RetryPolicy controls whether and when a failed agent run is retried.
type RetryPolicy struct {
	Enabled bool `yaml:"enabled"`
	// MaxRetries counts attempts beyond the first.
	MaxRetries          int           `yaml:"max_retries"`
	DelayBetweenRetries time.Duration `yaml:"delay_between_retries"`
	BackoffMultiplier   float64       `yaml:"backoff_multiplier"`
	MaxDelay            time.Duration `yaml:"max_delay"`
	// TimeoutPerAttempt overrides the failed run's timeout when non-zero.
	TimeoutPerAttempt time.Duration `yaml:"timeout_per_attempt"`
	// RetryOn lists run statuses or outcomes that may be retried. Empty means
	// failed, timed_out and interrupted.
	RetryOn []string `yaml:"retry_on"`
}

// DefaultRetryPolicy retries twice, 30s then 60s apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Enabled:             true,
		MaxRetries:          2,
		DelayBetweenRetries: 30 * time.Second,
		BackoffMultiplier:   2.0,
		MaxDelay:            10 * time.Minute,
		RetryOn:             []string{string(core.RunFailed), string(core.RunTimedOut), core.OutcomeInterrupted},
	}
}

// DelayForRetry returns the wait before retry n (1-indexed):
// DelayBetweenRetries * BackoffMultiplier^(n-1), capped at MaxDelay, or at
// the largest Duration when MaxDelay is zero.
func (p RetryPolicy) DelayForRetry(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if p.DelayBetweenRetries <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	limit := time.Duration(math.MaxInt64)
	if p.MaxDelay > 0 {
		limit = p.MaxDelay
	}
	delay := float64(p.DelayBetweenRetries) * math.Pow(mult, float64(n-1))
	// float64(limit) can round above limit, so compare before converting.
	if delay >= float64(limit) {
		return limit
	}
	return time.Duration(delay)
}

// Retryable reports whether the run ended in a way this policy covers,
// regardless of how many attempts remain. Cancelled runs never are.
func (p RetryPolicy) Retryable(run *core.AgentRun) bool {
	if !p.Enabled || run == nil || run.Status == core.RunCancelled || run.Status == core.RunCompleted {
		return false
	}
	on := p.RetryOn
	if len(on) == 0 {
		on = DefaultRetryPolicy().RetryOn
	}
	return slices.Contains(on, string(run.Status)) || (run.Outcome != "" && slices.Contains(on, run.Outcome))
}

// ShouldRetry reports whether the run is retryable and has retries left.
func (p RetryPolicy) ShouldRetry(run *core.AgentRun) bool {
	return p.Retryable(run) && retriesUsed(run) < p.MaxRetries
}

func retriesUsed(run *core.AgentRun) int {
	if run.Attempt < 1 {
		return 0
	}
	return run.Attempt - 1
}
