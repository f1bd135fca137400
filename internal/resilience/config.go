package resilience

import (
	"time"
)

// FixedDelay returns a RetryConfig that makes retries+1 attempts with the
// same delay between each, no jitter.
func FixedDelay(retries int, delay time.Duration) RetryConfig {
	if retries < 0 {
		retries = 0
	}
	if delay < 0 {
		delay = 0
	}
	maxBackoff := delay
	if maxBackoff <= 0 {
		maxBackoff = time.Nanosecond
	}
	return RetryConfig{
		MaxAttempts:    retries + 1,
		InitialBackoff: delay,
		MaxBackoff:     maxBackoff,
		Multiplier:     1.0,
	}
}
