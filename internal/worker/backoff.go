package worker

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryDelay returns base * 2^attempt plus up to base of jitter, capped at max.
// A non-positive max means no cap.
func RetryDelay(base time.Duration, attempt int, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		if (max > 0 && delay >= max) || delay > math.MaxInt64/4 {
			break
		}
		delay *= 2
	}
	delay += time.Duration(rand.Int64N(int64(base)))
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}
