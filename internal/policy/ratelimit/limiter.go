// Package ratelimit spaces out page loads per domain with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/newsfacts-pipeline/internal/metrics"
	"github.com/JakeFAU/newsfacts-pipeline/internal/urlutil"
)

// Limiter manages per-domain rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	overrides    map[string]rate.Limit
}

// Config holds rate limiter configuration. A non-positive DefaultRPS
// disables limiting for domains without an override.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// DomainRPS overrides DefaultRPS for specific domains, keyed without "www.".
	DomainRPS map[string]float64
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	overrides := make(map[string]rate.Limit, len(cfg.DomainRPS))
	for domain, rps := range cfg.DomainRPS {
		overrides[domain] = toLimit(rps)
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  toLimit(cfg.DefaultRPS),
		defaultBurst: burst,
		overrides:    overrides,
	}
}

// Wait blocks until the domain of rawURL may be fetched again.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := urlutil.Domain(rawURL)
	if domain == "" {
		domain = "unknown"
	}

	start := time.Now()
	if err := l.limiter(domain).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", domain, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay("page_load", waited)
	}
	return nil
}

// Domains reports how many domains currently hold a bucket.
func (l *Limiter) Domains() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *Limiter) limiter(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[domain]
	if !ok {
		r, override := l.overrides[domain]
		if !override {
			r = l.defaultRate
		}
		limiter = rate.NewLimiter(r, l.defaultBurst)
		l.limiters[domain] = limiter
	}
	return limiter
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}
