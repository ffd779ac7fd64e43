package processor

import (
	"math"
	"time"
)

const maxShift = 62

// Backoff returns base × 2^attempts capped at maxDelay. It never overflows and is
// monotonic in attempts.
func Backoff(base, maxDelay time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	} else if attempts > maxShift {
		attempts = maxShift
	}

	multiplier := int64(1) << attempts
	var delay time.Duration
	if int64(base) > math.MaxInt64/multiplier {
		delay = time.Duration(math.MaxInt64)
	} else {
		delay = time.Duration(int64(base) * multiplier)
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}
