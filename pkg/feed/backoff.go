package feed

import (
	"math"
	"math/rand"
	"time"
)

// Backoff is the retry policy for the stream connection and the bulk
// snapshot fetch. MaxAttempts <= 0 retries forever.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Jitter      time.Duration
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:     time.Second,
		Max:         30 * time.Second,
		Jitter:      500 * time.Millisecond,
		MaxAttempts: 5,
	}
}

// Delay is min(Initial * 2^attempt, Max), without jitter.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Initial
	for i := 0; i < attempt; i++ {
		if b.Max > 0 && d > b.Max/2 {
			return b.Max
		}
		if d > math.MaxInt64/2 {
			return d
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// DelayWithJitter adds a uniform random jitter in [0, Jitter) to Delay.
func (b Backoff) DelayWithJitter(attempt int, rng *rand.Rand) time.Duration {
	d := b.Delay(attempt)
	if b.Jitter > 0 && rng != nil {
		d += time.Duration(rng.Int63n(int64(b.Jitter)))
	}
	return d
}

func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt >= b.MaxAttempts
}
