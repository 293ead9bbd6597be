// Package ratelimit implements per-source token bucket pacing plus
// exponential backoff driven by HTTP response codes.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/open-aasx-index/harvester/internal/metrics"
)

// Source class names. Seed, sitemap, and Common Crawl traffic share the
// "web" class; the GitHub API gets its own, slower class.
const (
	ClassWeb    = "web"
	ClassGitHub = "github"
)

// Config holds rate limiter configuration.
type Config struct {
	GitHubPerMinute   float64
	WebPerSecond      float64
	WebBurst          int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
}

// DefaultConfig mirrors the published crawl budget: 10 GitHub requests per
// minute, 1 web request per second with a burst of 5.
func DefaultConfig() Config {
	return Config{
		GitHubPerMinute:   10,
		WebPerSecond:      1,
		WebBurst:          5,
		BackoffBase:       time.Second,
		BackoffMax:        60 * time.Second,
		BackoffMultiplier: 2,
	}
}

// Limiter manages per-source buckets and backoff trackers. It is safe for
// concurrent use; each named bucket's refill and consume are atomic with
// respect to concurrent callers.
type Limiter struct {
	mu       sync.Mutex
	cfg      Config
	buckets  map[string]*rate.Limiter
	backoffs map[string]*Backoff
}

// New creates a Limiter. Zero-valued fields fall back to DefaultConfig.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.GitHubPerMinute <= 0 {
		cfg.GitHubPerMinute = def.GitHubPerMinute
	}
	if cfg.WebPerSecond <= 0 {
		cfg.WebPerSecond = def.WebPerSecond
	}
	if cfg.WebBurst <= 0 {
		cfg.WebBurst = def.WebBurst
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}

	l := &Limiter{
		cfg:      cfg,
		buckets:  make(map[string]*rate.Limiter),
		backoffs: make(map[string]*Backoff),
	}
	l.buckets[ClassGitHub] = rate.NewLimiter(
		rate.Limit(cfg.GitHubPerMinute/60.0),
		int(cfg.GitHubPerMinute),
	)
	l.buckets[ClassWeb] = rate.NewLimiter(rate.Limit(cfg.WebPerSecond), cfg.WebBurst)
	return l
}

// bucket returns the named bucket, creating a web-class default for names it
// hasn't seen. The limiter never fails closed for an unknown source.
func (l *Limiter) bucket(source string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[source]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.cfg.WebPerSecond), l.cfg.WebBurst)
		l.buckets[source] = b
	}
	return b
}

func (l *Limiter) backoff(source string) *Backoff {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.backoffs[source]
	if !ok {
		b = NewBackoff(l.cfg.BackoffBase, l.cfg.BackoffMax, l.cfg.BackoffMultiplier)
		l.backoffs[source] = b
	}
	return b
}

// Acquire blocks until one unit of capacity is available for the source.
// The wait is exactly the time to the next token, computed from elapsed
// refill, not a fixed sleep increment.
func (l *Limiter) Acquire(ctx context.Context, source string) error {
	start := time.Now()
	if err := l.bucket(source).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(source, waited)
	}
	return nil
}

// HandleResponse records an HTTP outcome and reports whether the caller
// should retry. 429 and 503 always wait-and-retry; 403 retries with backoff
// for up to three consecutive failures and then gives up, since a persistent
// 403 is a permission problem waiting will not fix; 2xx resets the backoff.
// Any backoff wait respects ctx.
func (l *Limiter) HandleResponse(ctx context.Context, source string, statusCode int) (bool, error) {
	b := l.backoff(source)

	switch {
	case statusCode == 429 || statusCode == 503:
		return true, b.Sleep(ctx)
	case statusCode == 403:
		if b.ConsecutiveFailures() < 3 {
			return true, b.Sleep(ctx)
		}
		return false, nil
	case statusCode >= 200 && statusCode < 300:
		b.RecordSuccess()
		return false, nil
	default:
		return false, nil
	}
}

// RecordFailure advances the source's backoff without sleeping and returns
// the delay a caller should wait. Used for transport-level failures that
// carry no status code.
func (l *Limiter) RecordFailure(source string) time.Duration {
	return l.backoff(source).RecordFailure()
}

// RecordSuccess resets the source's backoff.
func (l *Limiter) RecordSuccess(source string) {
	l.backoff(source).RecordSuccess()
}
