package gateway

import (
	"math/rand"
	"time"
)

// Backoff 指数退避参数，Next 的 attempt 从 1 开始。
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // 0~1，按比例上下抖动
}

// DefaultBackoff 重连默认参数。
func DefaultBackoff() Backoff {
	return Backoff{
		Min:    250 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2.0,
		Jitter: 0.2,
	}
}

// Next 返回第 attempt 次重连前的等待时间，不超过 Max（抖动前）。
func (b Backoff) Next(attempt int) time.Duration {
	return b.next(attempt, rand.Float64)
}

func (b Backoff) next(attempt int, random func() float64) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	lo, hi, factor := b.Min, b.Max, b.Factor
	if lo <= 0 {
		lo = 100 * time.Millisecond
	}
	if hi <= 0 {
		hi = 30 * time.Second
	}
	if hi < lo {
		hi = lo
	}
	if factor <= 1 {
		factor = 2.0
	}

	wait := lo
	for i := 1; i < attempt && wait < hi; i++ {
		wait = time.Duration(float64(wait) * factor)
	}
	if wait > hi {
		wait = hi
	}

	jitter := b.Jitter
	if jitter <= 0 {
		return wait
	}
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(random()*2*delta)
}
