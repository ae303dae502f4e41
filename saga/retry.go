package saga

import (
	"math/rand"
	"time"
)

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

type BackoffStrategy string

const (
	defaultBaseDelay = time.Second
	maxJitter        = time.Second
)

// RetryPolicy controls how a failed step attempt is retried. MaxAttempts is
// the number of RETRIES after the first attempt, so a step runs at most
// MaxAttempts+1 times.
type RetryPolicy struct {
	MaxAttempts int             `json:"max_attempts"`
	Strategy    BackoffStrategy `json:"strategy"`
	BaseDelay   time.Duration   `json:"base_delay"`
	MaxDelay    time.Duration   `json:"max_delay,omitempty"`
	Jitter      bool            `json:"jitter,omitempty"`
}

// DefaultRetryPolicy derives the fallback policy of a step whose handler
// provides none: exponential backoff from one second, step.MaxRetries retries.
func DefaultRetryPolicy(step Step) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: step.MaxRetries,
		Strategy:    BackoffExponential,
		BaseDelay:   defaultBaseDelay,
	}
}

// Delay computes the backoff before the next attempt; attempt is 1-indexed
// (the attempt that just failed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}

	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration

	switch p.Strategy {
	case BackoffFixed:
		delay = base
	case BackoffLinear:
		delay = base * time.Duration(attempt)
	default:
		delay = base << uint(attempt-1)
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter {
		delay += time.Duration(rand.Int63n(int64(maxJitter)))
	}

	return delay
}
