// Package ratelimit throttles commands per target. Consumer routers fall
// over under bursts of management requests, so each address gets its own
// token bucket.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter hands out per-target token buckets.
type Limiter struct {
	perSecond rate.Limit
	burst     int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New builds a limiter: perSecond sustained commands per target, with
// the given burst headroom.
func New(perSecond float64, burst int) *Limiter {
	if perSecond <= 0 {
		perSecond = 2
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		buckets:   make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.perSecond, l.burst)
		l.buckets[key] = b
	}
	return b
}

// Allow reports whether a command against the key may proceed now. The
// dispatcher fails fast on a denial instead of queueing.
func (l *Limiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

// Reserve returns the delay until the next permitted command, without
// consuming a token when the caller will not wait.
func (l *Limiter) Reserve(key string) (delay float64) {
	r := l.bucket(key).Reserve()
	d := r.Delay()
	r.Cancel()
	return d.Seconds()
}
