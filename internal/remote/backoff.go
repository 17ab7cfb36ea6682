package remote

import (
	"math/rand"
	"time"
)

// BackoffConfig bounds the reconnect delay curve.
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64 // fraction of the delay randomized in each direction, 0..1
}

// Backoff produces reconnect delays: doubling from Initial up to Max, with
// optional jitter so a fleet of remotes does not hammer a recovering target
// in lockstep. Reset after a successful session.
type Backoff struct {
	cfg BackoffConfig
	cur time.Duration
	rng *rand.Rand
}

// NewBackoff builds a backoff starting at cfg.Initial.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = 250 * time.Millisecond
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	return &Backoff{
		cfg: cfg,
		cur: cfg.Initial,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay to wait before the next attempt and advances the
// curve. The base delay is non-decreasing and caps at Max.
func (b *Backoff) Next() time.Duration {
	d := b.cur
	b.cur *= 2
	if b.cur > b.cfg.Max {
		b.cur = b.cfg.Max
	}
	if b.cfg.Jitter > 0 {
		span := float64(d) * b.cfg.Jitter
		d += time.Duration((b.rng.Float64()*2 - 1) * span)
		if d < 0 {
			d = 0
		}
	}
	return d
}

// Reset returns the curve to its initial delay.
func (b *Backoff) Reset() {
	b.cur = b.cfg.Initial
}
