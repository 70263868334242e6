package registration

import (
	"math"
	"math/rand"
	"time"
)

// Backoff decides how long to wait between attempts to reach the master.
// The zero Multiplier retries at a fixed Interval.
type Backoff struct {
	Interval    time.Duration
	Multiplier  float64
	MaxInterval time.Duration
	Jitter      bool
}

// Delay returns the wait before attempt+1, where attempt is 1-based.
func (b Backoff) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.Interval <= 0 {
		return 0
	}

	if attempt <= 1 || b.Multiplier <= 1.0 {
		return b.jitter(float64(b.Interval), rng)
	}

	delay := float64(b.Interval) * math.Pow(b.Multiplier, float64(attempt-1))
	if b.MaxInterval > 0 && delay > float64(b.MaxInterval) {
		delay = float64(b.MaxInterval)
	}

	return b.jitter(delay, rng)
}

func (b Backoff) jitter(delay float64, rng *rand.Rand) time.Duration {
	if b.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}

		delay *= f
	}

	return time.Duration(delay)
}
