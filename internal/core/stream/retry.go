package stream

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy configures the reconnect backoff. Attempts are unbounded.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     45 * time.Second,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	return p
}

// RetryState tracks consecutive reconnect attempts. It is owned by a single
// Driver and is not safe for concurrent use.
type RetryState struct {
	policy  RetryPolicy
	backoff retry.Backoff
	attempt int
}

// NewRetryState creates a RetryState with no attempts recorded.
func NewRetryState(policy RetryPolicy) *RetryState {
	r := &RetryState{policy: policy.normalize()}
	r.Reset()
	return r
}

// NextDelay records a failed attempt and returns how long to wait before the
// next one. The delay doubles per attempt, is capped at MaxDelay and is never
// shorter than hint.
func (r *RetryState) NextDelay(hint time.Duration) time.Duration {
	r.attempt++
	delay, _ := r.backoff.Next()
	if delay <= 0 || delay > r.policy.MaxDelay {
		delay = r.policy.MaxDelay
	}
	if hint > delay {
		delay = hint
	}
	return delay
}

// Reset forgets all failed attempts; the next delay is InitialDelay again.
func (r *RetryState) Reset() {
	r.attempt = 0
	r.backoff = retry.WithCappedDuration(r.policy.MaxDelay, retry.NewExponential(r.policy.InitialDelay))
}

// Attempt returns the number of consecutive failed attempts.
func (r *RetryState) Attempt() int {
	return r.attempt
}
