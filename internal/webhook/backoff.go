package webhook

import (
	"math"
	"time"
)

// Backoff is the delay before retry number retryCount (1-based):
// base·2^(retryCount-1), capped at limit when limit > 0. Large counts saturate
// instead of overflowing.
func Backoff(retryCount int, base, limit time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	shift := retryCount - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 62 {
		shift = 62
	}

	d := time.Duration(math.MaxInt64)
	if base <= time.Duration(math.MaxInt64>>shift) {
		d = base << shift
	}
	if limit > 0 && d > limit {
		d = limit
	}
	return d
}
