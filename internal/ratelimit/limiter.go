// Package ratelimit keeps one token bucket per project
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of one rate limit check
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is how long until the next token, when not allowed.
	RetryAfter time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages rate limits for multiple projects
type Limiter struct {
	buckets map[string]*bucket
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
	perHour int
	now     func() time.Time
}

// NewLimiter allows requestsPerHour per project with bursts of up to burst
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate.Limit(float64(requestsPerHour) / 3600.0),
		burst:   burst,
		perHour: requestsPerHour,
		now:     time.Now,
	}
}

// RequestsPerHour returns the configured hourly limit
func (l *Limiter) RequestsPerHour() int {
	return l.perHour
}

func (l *Limiter) bucket(projectID string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, exists := l.buckets[projectID]
	if !exists {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[projectID] = b
	}
	b.lastSeen = now
	return b.limiter
}

// Allow checks if a request is allowed for the given project
func (l *Limiter) Allow(projectID string) bool {
	return l.Check(projectID).Allowed
}

// Check consumes a token for the project when one is available
func (l *Limiter) Check(projectID string) Decision {
	now := l.now()
	limiter := l.bucket(projectID, now)
	d := Decision{Limit: l.perHour}

	if limiter.AllowN(now, 1) {
		d.Allowed = true
		d.Remaining = int(limiter.TokensAt(now))
		return d
	}
	r := limiter.ReserveN(now, 1)
	if r.OK() {
		d.RetryAfter = r.DelayFrom(now)
		r.CancelAt(now)
	}
	return d
}

// Tokens returns the current number of available tokens for a project
func (l *Limiter) Tokens(projectID string) float64 {
	now := l.now()
	return l.bucket(projectID, now).TokensAt(now)
}

// Prune forgets projects not seen for idle. A forgotten project starts again
// with a full bucket, so idle must be long enough for the bucket to refill.
func (l *Limiter) Prune(idle time.Duration) int {
	cutoff := l.now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()

	pruned := 0
	for id, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, id)
			pruned++
		}
	}
	return pruned
}
