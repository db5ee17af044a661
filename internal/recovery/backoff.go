package recovery

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes jittered exponential reconnect delays:
// base × multiplier^attempt, ±25% jitter, capped.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration

	rand *rand.Rand
}

func (b *Backoff) fill() {
	if b.Base <= 0 {
		b.Base = time.Second
	}
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	if b.rand == nil {
		b.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
}

func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(float64(b.Base) * math.Pow(b.Multiplier, float64(attempt)))
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	// ±25% jitter keeps reconnect storms from synchronizing
	jitter := 1 + (b.rand.Float64()-0.5)/2
	d = time.Duration(float64(d) * jitter)
	if d > b.Max {
		d = b.Max
	}
	return d
}
