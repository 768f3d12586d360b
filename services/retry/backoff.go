package retry

import "time"

// maxShift caps the exponent so the delay cannot overflow.
const maxShift = 20

// Backoff returns the delay before the retry that follows retryCount
// completed retries: base * 2^retryCount.
func Backoff(base time.Duration, retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > maxShift {
		retryCount = maxShift
	}
	return base << uint(retryCount)
}
