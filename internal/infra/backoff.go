package infra

import (
	"math/rand/v2"
	"time"
)

// BackoffPolicy computes reconnect/retry delays: Base * 2^retry with
// full jitter on the upper half, capped at Max.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is the policy used when none is configured.
var DefaultBackoff = BackoffPolicy{Base: 1 * time.Second, Max: 60 * time.Second}

// Delay returns the wait before attempt number retry (0-based).
// Negative retry counts behave like zero.
func (p BackoffPolicy) Delay(retry int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBackoff.Base
	}
	max := p.Max
	if max <= 0 {
		max = DefaultBackoff.Max
	}

	if retry < 0 {
		retry = 0
	}
	// 2^30 seconds is already far past any sane cap.
	if retry > 30 {
		retry = 30
	}

	d := base * time.Duration(1<<uint(retry))
	if d > max || d <= 0 {
		d = max
	}

	// Full jitter on the upper half keeps reconnect storms spread out
	// while preserving a monotone lower bound.
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}
