package task

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponential retry delays: Base * 2^(retry-1), capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	// Jitter scales each delay by a random factor between 0.5 and 1.0
	Jitter bool
}

// Delay returns the wait before the attempt numbered retryCount (1-based).
func (b Backoff) Delay(retryCount int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if retryCount < 1 {
		retryCount = 1
	}

	delay := float64(b.Base) * math.Pow(2, float64(retryCount-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter {
		delay *= 0.5 + rand.Float64()*0.5
	}

	return time.Duration(delay)
}
