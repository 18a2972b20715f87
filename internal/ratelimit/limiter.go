// Package ratelimit implements token bucket admission control with a bypass
// for critical signals.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Stats are monotonic admission counters.
type Stats struct {
	Requests         uint64  `json:"requests"`
	Admitted         uint64  `json:"admitted"`
	Dropped          uint64  `json:"dropped"`
	PriorityAdmitted uint64  `json:"priority_admitted"`
	DropRate         float64 `json:"drop_rate"`
}

// Limiter is a token bucket of capacity C refilled continuously at rate
// tokens per second. The zero value is not usable; call New.
type Limiter struct {
	mu        sync.Mutex
	bucket    *rate.Limiter
	rate      float64
	capacity  int
	tolerance float64
	now       func() time.Time

	requests         uint64
	admitted         uint64
	dropped          uint64
	priorityAdmitted uint64
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now as the refill clock. Offline replay passes
// the capture time of each frame.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a full bucket. A non-positive capacity defaults to 2×rate
// (at least one token).
func New(eventsPerSecond float64, capacity int, opts ...Option) *Limiter {
	if capacity <= 0 {
		capacity = int(math.Ceil(2 * eventsPerSecond))
	}
	if capacity < 1 {
		capacity = 1
	}
	l := &Limiter{
		rate:      eventsPerSecond,
		capacity:  capacity,
		tolerance: 1,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.bucket = rate.NewLimiter(rate.Limit(eventsPerSecond), capacity)
	// rate.Limiter starts full relative to its first observation; anchor it
	// on the injected clock so tests see a full bucket at their start time.
	l.bucket.SetBurstAt(l.now(), capacity)
	return l
}

// Acquire refills and then debits one token. It reports false without
// debiting when the bucket is empty.
func (l *Limiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquireLocked()
}

// AcquirePriority admits critical signals unconditionally and without
// consuming a token; everything else goes through Acquire.
func (l *Limiter) AcquirePriority(critical bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if critical {
		l.requests++
		l.admitted++
		l.priorityAdmitted++
		return true
	}
	return l.acquireLocked()
}

func (l *Limiter) acquireLocked() bool {
	l.requests++
	if l.bucket.AllowN(l.now(), 1) {
		l.admitted++
		return true
	}
	l.dropped++
	return false
}

// Tokens is the number of tokens available now.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bucket.TokensAt(l.now())
}

// Capacity is the current bucket size including any tolerance widening.
func (l *Limiter) Capacity() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bucket.Burst()
}

// SetTolerance scales both capacity and refill rate by factor relative to
// the configured values. Factors below 1 are treated as 1.
func (l *Limiter) SetTolerance(factor float64) {
	if factor < 1 {
		factor = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if factor == l.tolerance {
		return
	}
	l.tolerance = factor
	now := l.now()
	l.bucket.SetLimitAt(now, rate.Limit(l.rate*factor))
	l.bucket.SetBurstAt(now, int(math.Ceil(float64(l.capacity)*factor)))
}

// Tolerance is the active widening factor.
func (l *Limiter) Tolerance() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tolerance
}

// Stats returns a snapshot of the counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Stats{
		Requests:         l.requests,
		Admitted:         l.admitted,
		Dropped:          l.dropped,
		PriorityAdmitted: l.priorityAdmitted,
	}
	if l.requests > 0 {
		s.DropRate = float64(l.dropped) / float64(l.requests)
	}
	return s
}
