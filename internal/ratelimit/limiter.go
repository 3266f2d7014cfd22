// Package ratelimit paces calls to a rate-limited endpoint.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter enforces a strict minimum interval between permits by tracking
// the next available permit time. There are no bursts: the first permit
// is immediate, every later one waits its turn.
type Limiter struct {
	mu             sync.Mutex
	nextPermitTime time.Time
	interval       time.Duration
}

// New creates a Limiter issuing one permit per interval. A non-positive
// interval disables pacing.
func New(interval time.Duration) *Limiter {
	if interval < 0 {
		interval = 0
	}
	return &Limiter{
		nextPermitTime: time.Now(),
		interval:       interval,
	}
}

// Wait blocks until a permit is available or the context is cancelled.
// A cancelled Wait hands its slot back if no later caller has taken one.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	now := time.Now()
	if l.nextPermitTime.Before(now) {
		// Idle limiter; don't let callers catch up in a burst.
		l.nextPermitTime = now
	}
	permitTime := l.nextPermitTime
	l.nextPermitTime = permitTime.Add(l.interval)
	l.mu.Unlock()

	waitDuration := time.Until(permitTime)
	if waitDuration <= 0 {
		return nil
	}

	timer := time.NewTimer(waitDuration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		l.mu.Lock()
		if l.nextPermitTime.Equal(permitTime.Add(l.interval)) {
			l.nextPermitTime = permitTime
		}
		l.mu.Unlock()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Interval returns the minimum spacing between permits.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}
