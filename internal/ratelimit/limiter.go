// Package ratelimit paces page navigations so a crawl stays polite to the
// target.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config controls navigation pacing.
type Config struct {
	// PagesPerSecond is the sustained navigation rate.
	PagesPerSecond float64 `json:"pages_per_second" yaml:"pages_per_second"`
	Burst          int     `json:"burst" yaml:"burst"`
	// MinDelay is the quiet time between two navigations; Jitter adds up
	// to that much random delay on top.
	MinDelay time.Duration `json:"min_delay" yaml:"min_delay"`
	Jitter   time.Duration `json:"jitter" yaml:"jitter"`
}

// DefaultConfig returns the pacing used for every crawl unless overridden.
func DefaultConfig() Config {
	return Config{
		PagesPerSecond: 1,
		Burst:          1,
		MinDelay:       500 * time.Millisecond,
		Jitter:         500 * time.Millisecond,
	}
}

// Limiter paces navigations for one crawl.
type Limiter struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	minDelay time.Duration
	jitter   time.Duration
	last     time.Time
	rng      *rand.Rand
}

// NewLimiter creates a Limiter. A non-positive rate disables token pacing;
// MinDelay still applies.
func NewLimiter(cfg Config) *Limiter {
	limit := rate.Inf
	if cfg.PagesPerSecond > 0 {
		limit = rate.Limit(cfg.PagesPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiter:  rate.NewLimiter(limit, burst),
		minDelay: cfg.MinDelay,
		jitter:   cfg.Jitter,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Wait blocks until the next navigation is allowed or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	delay := l.minDelay
	if l.jitter > 0 {
		delay += time.Duration(l.rng.Int63n(int64(l.jitter)))
	}
	if !l.last.IsZero() {
		delay -= time.Since(l.last)
	} else {
		delay = 0
	}
	l.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	l.mu.Lock()
	l.last = time.Now()
	l.mu.Unlock()
	return nil
}

// Allow reports whether a navigation may start now without waiting for
// the token bucket. It does not account for MinDelay.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// SetRate updates the sustained rate.
func (l *Limiter) SetRate(pagesPerSecond float64) {
	l.limiter.SetLimit(rate.Limit(pagesPerSecond))
}

// Rate returns the current sustained rate.
func (l *Limiter) Rate() float64 {
	return float64(l.limiter.Limit())
}

// AdaptiveLimiter slows a crawl down when navigations start failing
// (rate limiting, bot walls) and recovers once they succeed again.
type AdaptiveLimiter struct {
	*Limiter
	mu          sync.Mutex
	minRate     float64
	maxRate     float64
	currentRate float64
	errors      int
	successes   int
	windowSize  int
}

// NewAdaptiveLimiter creates an AdaptiveLimiter starting at cfg's rate.
func NewAdaptiveLimiter(cfg Config, minRate float64) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		Limiter:     NewLimiter(cfg),
		minRate:     minRate,
		maxRate:     cfg.PagesPerSecond,
		currentRate: cfg.PagesPerSecond,
		windowSize:  10,
	}
}

// RecordSuccess records a successful navigation.
func (a *AdaptiveLimiter) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.successes++
	a.adjust()
}

// RecordError records a failed navigation.
func (a *AdaptiveLimiter) RecordError() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errors++
	a.adjust()
}

func (a *AdaptiveLimiter) adjust() {
	total := a.successes + a.errors
	if total < a.windowSize || a.maxRate <= 0 {
		return
	}

	errorRate := float64(a.errors) / float64(total)
	switch {
	case errorRate > 0.2:
		a.currentRate *= 0.5
		if a.currentRate < a.minRate {
			a.currentRate = a.minRate
		}
	case errorRate < 0.05:
		a.currentRate *= 1.25
		if a.currentRate > a.maxRate {
			a.currentRate = a.maxRate
		}
	}
	a.Limiter.SetRate(a.currentRate)
	a.errors, a.successes = 0, 0
}

// CurrentRate returns the current adaptive rate.
func (a *AdaptiveLimiter) CurrentRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}
