package worker

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

const (
	RetryConstant    = "constant"
	RetryExponential = "exponential"
)

// RetryPolicy returns a fresh backoff schedule for one task's attempts.
type RetryPolicy func() backoff.BackOff

// NewRetryPolicy builds the schedule named by strategy. The exponential
// schedule starts at delay and is capped at maxDelay.
func NewRetryPolicy(strategy string, delay, maxDelay time.Duration) (RetryPolicy, error) {
	switch strategy {
	case "", RetryConstant:
		return func() backoff.BackOff {
			return backoff.NewConstantBackOff(delay)
		}, nil
	case RetryExponential:
		return func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = delay
			if maxDelay > 0 {
				b.MaxInterval = maxDelay
			}
			b.MaxElapsedTime = 0
			b.Reset()
			return b
		}, nil
	default:
		return nil, fmt.Errorf("unknown retry strategy %q", strategy)
	}
}
