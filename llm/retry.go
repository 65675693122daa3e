package llm

import "time"

// RetryConfig bounds retry behavior for one completion call.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration

	// BackoffMultiplier grows the delay on each subsequent retry.
	BackoffMultiplier float64

	// MaxBackoff caps the delay.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the defaults used by every service.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}
