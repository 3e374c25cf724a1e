// Package ratelimit implements a per-key token bucket rate limiter on top of
// golang.org/x/time/rate. Each key (an API key, or the client address for
// unauthenticated callers) gets an independent bucket.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a key has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// LimitError carries the delay until the next token. It unwraps to
// ErrRateLimited.
type LimitError struct {
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%v: retry after %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *LimitError) Unwrap() error { return ErrRateLimited }

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int           // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int           // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
	IdleTTL           time.Duration // Buckets unused this long are dropped. 0 = 10m.
}

// Limiter is a per-key token bucket rate limiter.
// Each key gets an independent bucket; one key cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	keys    map[string]*entry
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time
	lastGC  time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Limiter{
		keys:    make(map[string]*entry),
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:   burst,
		idleTTL: ttl,
		now:     time.Now,
	}
}

// Allow consumes one token from the key's bucket. It returns a *LimitError
// when the bucket is empty.
func (l *Limiter) Allow(key string) error {
	if l.limit <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.gc(now)

	e, ok := l.keys[key]
	if !ok {
		// First request: start with a full bucket.
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.keys[key] = e
	}
	e.lastSeen = now

	r := e.limiter.ReserveN(now, 1)
	if !r.OK() {
		return &LimitError{RetryAfter: l.idleTTL}
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return &LimitError{RetryAfter: d}
	}
	return nil
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

// gc drops idle buckets at most once per TTL. Caller holds mu.
func (l *Limiter) gc(now time.Time) {
	if now.Sub(l.lastGC) < l.idleTTL {
		return
	}
	l.lastGC = now
	for k, e := range l.keys {
		if now.Sub(e.lastSeen) >= l.idleTTL {
			delete(l.keys, k)
		}
	}
}
