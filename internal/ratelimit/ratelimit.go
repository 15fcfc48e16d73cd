// Package ratelimit paces the prober's batch sender to a configured
// probes-per-second ceiling.
//
// Grounded on golang.org/x/time/rate for the token bucket itself, named
// directly by the --probing-rate flag, and on the malbeclabs-doublezero
// uping sender's per-probe ctx.Done() select loop for how a blocking
// pacer should behave under cancellation.
package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limiter bounds a batch sender to at most rate probes per second,
// allowing bursts up to burst before throttling kicks in.
type Limiter struct {
	rl *rate.Limiter
}

// New builds a Limiter. A probesPerSecond of 0 means unlimited: Wait
// always returns immediately.
func New(probesPerSecond float64, burst int) (*Limiter, error) {
	if probesPerSecond < 0 {
		return nil, fmt.Errorf("ratelimit: probes per second must be >= 0, got %v", probesPerSecond)
	}
	if probesPerSecond == 0 {
		return &Limiter{}, nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{rl: rate.NewLimiter(rate.Limit(probesPerSecond), burst)}, nil
}

// Wait blocks until the next probe is allowed to send, or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.rl == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	return l.rl.Wait(ctx)
}

// Limit reports the configured probes-per-second ceiling, or 0 if
// unlimited.
func (l *Limiter) Limit() float64 {
	if l.rl == nil {
		return 0
	}
	return float64(l.rl.Limit())
}
