package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Class separates the two budgeted request families. Submissions and
// status polls draw from independent buckets so heavy polling cannot
// starve submissions, and vice versa.
type Class int

const (
	ClassSubmit Class = iota
	ClassPoll
)

// callerBuckets holds the token buckets for one caller identity.
type callerBuckets struct {
	submit   *rate.Limiter
	poll     *rate.Limiter
	lastSeen time.Time
}

// Limiter implements per-caller token bucket rate limiting. Callers are
// identified by the caller key the HTTP layer derives (API key or client
// IP). Buckets refill continuously at the configured per-minute rates,
// with burst equal to one minute's budget.
type Limiter struct {
	mu           sync.Mutex
	buckets      map[string]*callerBuckets
	submitPerMin int
	pollPerMin   int
}

// New creates a Limiter with the given per-minute budgets.
func New(submitPerMin, pollPerMin int) *Limiter {
	if submitPerMin <= 0 {
		submitPerMin = 10
	}
	if pollPerMin <= 0 {
		pollPerMin = 60
	}
	return &Limiter{
		buckets:      make(map[string]*callerBuckets),
		submitPerMin: submitPerMin,
		pollPerMin:   pollPerMin,
	}
}

// Allow consumes one token from the caller's bucket for the given class.
// When the bucket is empty it returns false and the number of whole
// seconds until a token will be available.
func (l *Limiter) Allow(caller string, class Class) (bool, int) {
	bucket := l.bucketFor(caller, class)

	reservation := bucket.Reserve()
	if !reservation.OK() {
		return false, 60
	}

	delay := reservation.Delay()
	if delay == 0 {
		return true, 0
	}

	// Not ready yet; hand the token back and tell the caller when to retry.
	reservation.Cancel()
	retryAfter := int(math.Ceil(delay.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}

func (l *Limiter) bucketFor(caller string, class Class) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[caller]
	if !ok {
		b = &callerBuckets{
			submit: rate.NewLimiter(rate.Limit(float64(l.submitPerMin)/60.0), l.submitPerMin),
			poll:   rate.NewLimiter(rate.Limit(float64(l.pollPerMin)/60.0), l.pollPerMin),
		}
		l.buckets[caller] = b
	}
	b.lastSeen = time.Now()

	if class == ClassSubmit {
		return b.submit
	}
	return b.poll
}

// Prune drops buckets idle longer than maxIdle so the caller map does not
// grow without bound. Returns the number removed.
func (l *Limiter) Prune(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for caller, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, caller)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked callers.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
