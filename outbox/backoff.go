package outbox

import (
	"math"
	"math/rand"
	"time"

	"github.com/koalafacts/heromessaging/storage"
)

// ExponentialBackoff is the reference retry policy:
// min(cap, base*2^retry), jittered by a uniform multiplier in
// [0.5, 1.5] so cooperating workers spread their retries.
type ExponentialBackoff struct {
	Base time.Duration
	Cap  time.Duration
}

var _ storage.BackoffPolicy = ExponentialBackoff{}

// NewExponentialBackoff builds an ExponentialBackoff with the default
// base of 1s and cap of 30m.
func NewExponentialBackoff() ExponentialBackoff {
	return ExponentialBackoff{Base: time.Second, Cap: 30 * time.Minute}
}

func (b ExponentialBackoff) Next(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	cap := b.Cap
	if cap <= 0 {
		cap = 30 * time.Minute
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(retry)))
	if d > cap || d <= 0 {
		d = cap
	}
	jitter := 0.5 + rand.Float64() // uniform in [0.5, 1.5)
	return time.Duration(float64(d) * jitter)
}

// FixedBackoff always waits the same Delay between attempts.
type FixedBackoff struct {
	Delay time.Duration
}

var _ storage.BackoffPolicy = FixedBackoff{}

func (b FixedBackoff) Next(retry int) time.Duration {
	if b.Delay <= 0 {
		return time.Second
	}
	return b.Delay
}
